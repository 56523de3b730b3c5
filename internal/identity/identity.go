// Package identity resolves the short device name used in recording paths.
package identity

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dj-oyu/pollinator-cam/internal/logger"
)

// Lookup returns a short, stable identifier for a device.
type Lookup interface {
	Name(ctx context.Context) (string, error)
}

// Static is a fixed device name.
type Static string

// Name returns the name itself.
func (s Static) Name(ctx context.Context) (string, error) {
	if s == "" {
		return "", errors.New("identity: empty static name")
	}
	return string(s), nil
}

// HTTP queries a Dahua-style camera over its CGI interface.
type HTTP struct {
	BaseURL  string // e.g. http://10.1.1.20
	User     string
	Password string
	Client   *http.Client
}

// NewHTTP creates a camera lookup with digest/basic authentication.
func NewHTTP(baseURL, user, password string) *HTTP {
	return &HTTP{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		User:     user,
		Password: password,
		Client: &http.Client{
			Timeout:   10 * time.Second,
			Transport: newAuthTransport(user, password, nil),
		},
	}
}

// Name returns the camera's machine name.
func (h *HTTP) Name(ctx context.Context) (string, error) {
	values, err := h.get(ctx, "/cgi-bin/magicBox.cgi", url.Values{"action": {"getMachineName"}})
	if err != nil {
		return "", err
	}
	name := values["name"]
	if name == "" {
		return "", fmt.Errorf("identity: response has no name field")
	}
	return name, nil
}

// SyncTime sets the camera clock so its overlay matches recording timestamps.
func (h *HTTP) SyncTime(ctx context.Context, t time.Time) error {
	q := url.Values{
		"action": {"setCurrentTime"},
		"time":   {t.Format("2006-01-02 15:04:05")},
	}
	body, err := h.do(ctx, "/cgi-bin/global.cgi", q)
	if err != nil {
		return err
	}
	if strings.TrimSpace(body) != "OK" {
		return fmt.Errorf("identity: set time: unexpected reply %q", strings.TrimSpace(body))
	}
	return nil
}

func (h *HTTP) get(ctx context.Context, path string, q url.Values) (map[string]string, error) {
	body, err := h.do(ctx, path, q)
	if err != nil {
		return nil, err
	}
	return parseKeyValues(body), nil
}

func (h *HTTP) do(ctx context.Context, path string, q url.Values) (string, error) {
	u := h.BaseURL + path + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("identity: create request: %w", err)
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("identity: %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("identity: read %s: %w", path, err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("identity: %s: unexpected status %d", path, resp.StatusCode)
	}
	return string(body), nil
}

// parseKeyValues parses "key=value" lines.
func parseKeyValues(body string) map[string]string {
	out := make(map[string]string)
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}

// Sanitize makes name safe for use as a path element.
// Runs of characters outside [A-Za-z0-9._-] become a single '-'.
func Sanitize(name string) (string, error) {
	var b strings.Builder
	dash := false
	for _, r := range strings.TrimSpace(name) {
		ok := r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '.' || r == '_' || r == '-'
		if ok {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash {
			b.WriteByte('-')
			dash = true
		}
	}
	out := strings.Trim(b.String(), "-.")
	if out == "" {
		return "", fmt.Errorf("identity: name %q has no usable characters", name)
	}
	return out, nil
}

// Resolve returns the configured name, or asks lookup when none is configured.
// The result is sanitized.
func Resolve(ctx context.Context, configured string, lookup Lookup) (string, error) {
	if configured != "" {
		return Sanitize(configured)
	}
	if lookup == nil {
		return "", errors.New("identity: no device name configured and no lookup available")
	}
	name, err := lookup.Name(ctx)
	if err != nil {
		return "", err
	}
	clean, err := Sanitize(name)
	if err != nil {
		return "", err
	}
	if clean != name {
		logger.Debug("Identity", "Device name %q sanitized to %q", name, clean)
	}
	return clean, nil
}

// DahuaRTSP builds the stream URL of a Dahua camera.
// subtype 0 is the main stream, 1 the sub stream.
func DahuaRTSP(host, user, password string, channel, subtype int) string {
	u := url.URL{
		Scheme:   "rtsp",
		Host:     host,
		Path:     "/cam/realmonitor",
		RawQuery: fmt.Sprintf("channel=%d&subtype=%d", channel, subtype),
	}
	if !strings.Contains(host, ":") {
		u.Host = host + ":554"
	}
	if user != "" {
		u.User = url.UserPassword(user, password)
	}
	return u.String()
}
