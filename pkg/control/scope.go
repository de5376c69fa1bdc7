package control

import (
	"encoding/base64"
	"net"
	"net/http"
	"strings"

	"github.com/sitepulse/sitepulse/pkg/enrich"
)

const cookiePrefix = "sp_"

// cookieScope is session storage backed by browser session cookies. The
// cookies carry no expiry, so the browser drops them when its session ends.
type cookieScope struct {
	r      *http.Request
	w      http.ResponseWriter
	secure bool
	set    map[string]string
}

func newCookieScope(w http.ResponseWriter, r *http.Request, secure bool) *cookieScope {
	return &cookieScope{r: r, w: w, secure: secure, set: make(map[string]string)}
}

// cookieName maps a scope key onto the cookie name token alphabet.
func cookieName(key string) string {
	return cookiePrefix + base64.RawURLEncoding.EncodeToString([]byte(key))
}

func (s *cookieScope) Get(key string) (string, bool) {
	if v, ok := s.set[key]; ok {
		return v, true
	}
	c, err := s.r.Cookie(cookieName(key))
	if err != nil {
		return "", false
	}
	return c.Value, true
}

func (s *cookieScope) Set(key, value string) error {
	c := &http.Cookie{
		Name:     cookieName(key),
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	}
	if s.secure {
		// Cross-site beacons only carry cookies marked None.
		c.SameSite = http.SameSiteNoneMode
	}
	if err := c.Valid(); err != nil {
		return err
	}
	http.SetCookie(s.w, c)
	s.set[key] = value
	return nil
}

// beaconEnv is the browser environment reported with a capture.
type beaconEnv struct {
	ua         string
	screen     string
	timezone   string
	connection string
}

func (e beaconEnv) UserAgent() string { return e.ua }

func (e beaconEnv) ScreenSize() (int, int) { return enrich.ParseScreen(e.screen) }

func (e beaconEnv) Timezone() string { return e.timezone }

func (e beaconEnv) ConnectionType() string { return e.connection }

// clientIP returns the caller's address. With trustProxy the left-most
// X-Forwarded-For entry wins.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := strings.TrimSpace(first); net.ParseIP(ip) != nil {
				return ip
			}
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(ip) != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
