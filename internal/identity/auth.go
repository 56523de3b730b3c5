package identity

import (
	"io"
	"net/http"
	"strings"

	"github.com/icholy/digest"
)

// newAuthTransport answers digest challenges, and basic ones for firmware
// that still asks for them. No credentials means no authentication.
func newAuthTransport(user, password string, base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if user == "" {
		return base
	}
	return &digest.Transport{
		Username:  user,
		Password:  password,
		Transport: &basicTransport{user: user, password: password, base: base},
	}
}

// basicTransport retries a request once with basic credentials when the
// server's 401 carries a Basic challenge. Digest 401s pass through.
type basicTransport struct {
	user     string
	password string
	base     http.RoundTripper
}

func (t *basicTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil || resp.StatusCode != http.StatusUnauthorized || !wantsBasic(resp.Header) {
		return resp, err
	}
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		return resp, nil
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	retry := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		retry.Body = body
	}
	retry.SetBasicAuth(t.user, t.password)
	return t.base.RoundTrip(retry)
}

func wantsBasic(h http.Header) bool {
	for _, v := range h.Values("WWW-Authenticate") {
		if digest.IsDigest(v) {
			return false
		}
	}
	for _, v := range h.Values("WWW-Authenticate") {
		scheme, _, _ := strings.Cut(strings.TrimSpace(v), " ")
		if strings.EqualFold(scheme, "basic") {
			return true
		}
	}
	return false
}
