package backend

import (
	"fmt"

	"github.com/tidwall/gjson"
)

// ParseProfile decodes a current-user body. It accepts the Django serializer
// shape (id, username, role, managed_grade), the list-of-roles shape and OIDC
// userinfo claims (sub, preferred_username, given_name). roleClaim, if set, is
// a gjson path whose string values are added as roles.
func ParseProfile(body []byte, roleClaim string) (*UserProfile, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("profile response is not valid JSON")
	}

	doc := gjson.ParseBytes(body)
	if !doc.IsObject() {
		return nil, fmt.Errorf("profile response is not a JSON object")
	}

	p := &UserProfile{
		ID:           firstString(doc, "id", "sub"),
		Username:     firstString(doc, "username", "preferred_username"),
		Email:        doc.Get("email").String(),
		FirstName:    firstString(doc, "first_name", "given_name"),
		LastName:     firstString(doc, "last_name", "family_name"),
		Role:         doc.Get("role").String(),
		ManagedGrade: doc.Get("managed_grade").String(),
	}

	for _, r := range doc.Get("roles").Array() {
		p.Roles = append(p.Roles, parseRole(r))
	}
	if roleClaim != "" {
		p.Roles = append(p.Roles, rolesAt(doc, roleClaim)...)
	}

	if p.ID == "" && p.Username == "" {
		return nil, fmt.Errorf("profile response has no id or username")
	}
	return p, nil
}

func parseRole(r gjson.Result) Role {
	if r.IsObject() {
		return Role{
			ID:   r.Get("id").Int(),
			Name: r.Get("name").String(),
			Code: r.Get("code").String(),
		}
	}
	return Role{Name: r.String(), Code: r.String()}
}

// rolesAt collects string roles found at a gjson path.
func rolesAt(doc gjson.Result, path string) []Role {
	var roles []Role
	v := doc.Get(path)
	if v.IsArray() {
		for _, item := range v.Array() {
			if item.Type == gjson.String {
				roles = append(roles, Role{Name: item.String(), Code: item.String()})
			}
		}
	} else if v.Type == gjson.String {
		roles = append(roles, Role{Name: v.String(), Code: v.String()})
	}
	return roles
}

func firstString(doc gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := doc.Get(p); v.Exists() && v.Type != gjson.Null {
			return v.String()
		}
	}
	return ""
}
