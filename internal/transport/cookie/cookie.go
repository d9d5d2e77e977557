// Package cookie wraps and unwraps the raw refresh token in its transport
// cookie. The cookie is HttpOnly and path-scoped; the access token never goes
// through here, it travels in response bodies only.
package cookie

import (
	"errors"
	"net/http"
	"time"
)

var ErrNoRefreshCookie = errors.New("refresh token cookie missing")

const (
	defaultName = "refresh_token"
	defaultPath = "/auth"
)

// Config describes the refresh cookie. Secure should be true everywhere
// except local development.
type Config struct {
	Name   string
	Path   string
	Domain string
	TTL    time.Duration
	Secure bool
}

type Transport struct {
	cfg Config
}

func New(cfg Config) *Transport {
	if cfg.Name == "" {
		cfg.Name = defaultName
	}
	if cfg.Path == "" {
		cfg.Path = defaultPath
	}
	return &Transport{cfg: cfg}
}

// Write sets the refresh cookie on the response.
func (t *Transport) Write(w http.ResponseWriter, rawToken string) {
	http.SetCookie(w, &http.Cookie{
		Name:     t.cfg.Name,
		Value:    rawToken,
		Path:     t.cfg.Path,
		Domain:   t.cfg.Domain,
		MaxAge:   int(t.cfg.TTL.Seconds()),
		HttpOnly: true,
		Secure:   t.cfg.Secure,
		SameSite: http.SameSiteStrictMode,
	})
}

// Read extracts the raw refresh token from the request cookie.
func (t *Transport) Read(r *http.Request) (string, error) {
	c, err := r.Cookie(t.cfg.Name)
	if err != nil {
		if errors.Is(err, http.ErrNoCookie) {
			return "", ErrNoRefreshCookie
		}
		return "", err
	}
	return c.Value, nil
}

// Clear expires the refresh cookie on the client.
func (t *Transport) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     t.cfg.Name,
		Value:    "",
		Path:     t.cfg.Path,
		Domain:   t.cfg.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   t.cfg.Secure,
		SameSite: http.SameSiteStrictMode,
	})
}
