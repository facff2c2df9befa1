package tokenstore

import (
	"net/http"
	"sync"
	"time"
)

// CookieOptions controls the attributes of token cookies.
type CookieOptions struct {
	Secure bool
	Domain string
	// MaxAge bounds how long the browser keeps the cookie
	MaxAge time.Duration
}

// DefaultCookieMaxAge matches a typical refresh-token lifetime.
const DefaultCookieMaxAge = 7 * 24 * time.Hour

// Cookie is a Store over the cookies of one HTTP exchange: reads come from
// the request, writes go to the response as Set-Cookie headers. Writes made
// during the exchange shadow the request's cookies so reads stay consistent.
type Cookie struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	r       *http.Request
	opts    CookieOptions
	pending map[string]*string // nil value means removed
}

// NewCookie binds a store to one request/response pair.
func NewCookie(w http.ResponseWriter, r *http.Request, opts CookieOptions) *Cookie {
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultCookieMaxAge
	}
	return &Cookie{
		w:       w,
		r:       r,
		opts:    opts,
		pending: make(map[string]*string),
	}
}

// Get returns the value for key.
func (c *Cookie) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := c.pending[key]; ok {
		if v == nil {
			return "", false
		}
		return *v, true
	}

	ck, err := c.r.Cookie(key)
	if err != nil || ck.Value == "" {
		return "", false
	}
	return ck.Value, true
}

// Set writes an HttpOnly cookie for key.
func (c *Cookie) Set(key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	v := value
	c.pending[key] = &v
	http.SetCookie(c.w, c.cookie(key, value, int(c.opts.MaxAge/time.Second)))
	return nil
}

// Remove expires the cookies for keys.
func (c *Cookie) Remove(keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, k := range keys {
		c.pending[k] = nil
		http.SetCookie(c.w, c.cookie(k, "", -1))
	}
	return nil
}

func (c *Cookie) cookie(name, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   c.opts.Domain,
		MaxAge:   maxAge,
		Secure:   c.opts.Secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
}
