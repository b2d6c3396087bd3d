// Package hass is a minimal client for the Home Assistant Core REST API as
// exposed to add-ons through the Supervisor proxy.
package hass

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// DefaultBaseURL is the Supervisor proxy for Home Assistant Core.
const DefaultBaseURL = "http://supervisor/core"

// ErrNotFound is returned when Home Assistant answers 404.
var ErrNotFound = errors.New("hass: not found")

// StatusError is returned for any other non-2xx response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("hass: %s %s: status %d", e.Method, e.Path, e.Code)
}

// State is one entry of GET /api/states.
type State struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged string         `json:"last_changed"`
	LastUpdated string         `json:"last_updated"`
}

// Attr returns attribute key rendered as a string, or "" when absent.
func (s State) Attr(key string) string {
	v, ok := s.Attributes[key]
	if !ok || v == nil {
		return ""
	}
	if str, ok := v.(string); ok {
		return str
	}
	return fmt.Sprint(v)
}

// Domain returns the entity domain, e.g. "binary_sensor".
func (s State) Domain() string {
	domain, _, _ := strings.Cut(s.EntityID, ".")
	return domain
}

// Area is one entry of the area registry.
type Area struct {
	ID   string `json:"area_id"`
	Name string `json:"name"`
}

// Notification is the body of a notify service call.
type Notification struct {
	Message string         `json:"message"`
	Title   string         `json:"title,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// Client talks to Home Assistant with a long-lived bearer token.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }

// WithTimeout sets the overall per-request timeout of the default HTTP
// client. Callers can impose shorter deadlines through the context.
func WithTimeout(d time.Duration) Option { return func(c *Client) { c.http.Timeout = d } }

// New creates a Client for baseURL (DefaultBaseURL when empty).
func New(baseURL, token string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// States returns every entity state.
func (c *Client) States(ctx context.Context) ([]State, error) {
	var out []State
	if err := c.do(ctx, http.MethodGet, "/api/states", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// State returns the state of one entity.
func (c *Client) State(ctx context.Context, entityID string) (State, error) {
	var out State
	err := c.do(ctx, http.MethodGet, "/api/states/"+url.PathEscape(entityID), nil, &out)
	return out, err
}

// EntityAreaID returns the area ID assigned to entityID in the entity
// registry. An entity without an area yields "" and a nil error.
func (c *Client) EntityAreaID(ctx context.Context, entityID string) (string, error) {
	var out struct {
		AreaID *string `json:"area_id"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/config/entity_registry/"+url.PathEscape(entityID), nil, &out); err != nil {
		return "", err
	}
	if out.AreaID == nil {
		return "", nil
	}
	return *out.AreaID, nil
}

// Areas returns the area registry.
func (c *Client) Areas(ctx context.Context) ([]Area, error) {
	var out []Area
	if err := c.do(ctx, http.MethodGet, "/api/config/area_registry", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CallService invokes domain.service with body as service data.
func (c *Client) CallService(ctx context.Context, domain, service string, body any) error {
	path := "/api/services/" + url.PathEscape(domain) + "/" + url.PathEscape(service)
	return c.do(ctx, http.MethodPost, path, body, nil)
}

// TurnSwitch turns a switch entity on or off.
func (c *Client) TurnSwitch(ctx context.Context, entityID string, on bool) error {
	service := "turn_off"
	if on {
		service = "turn_on"
	}
	return c.CallService(ctx, "switch", service, map[string]string{"entity_id": entityID})
}

// Notify sends n through notify.<service>.
func (c *Client) Notify(ctx context.Context, service string, n Notification) error {
	return c.CallService(ctx, "notify", service, n)
}

// PersistentNotification posts n to the Home Assistant notification
// drawer. Data is not supported there and is dropped.
func (c *Client) PersistentNotification(ctx context.Context, n Notification) error {
	return c.CallService(ctx, "persistent_notification", "create", Notification{
		Message: n.Message,
		Title:   n.Title,
	})
}

// NotifyServices lists the mobile_app_* notify services, sorted.
func (c *Client) NotifyServices(ctx context.Context) ([]string, error) {
	var domains []struct {
		Domain   string                     `json:"domain"`
		Services map[string]json.RawMessage `json:"services"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/services", nil, &domains); err != nil {
		return nil, err
	}
	var out []string
	for _, d := range domains {
		if d.Domain != "notify" {
			continue
		}
		for name := range d.Services {
			if strings.HasPrefix(name, "mobile_app_") {
				out = append(out, name)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("hass: encode %s %s: %w", method, path, err)
		}
		rdr = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("hass: build %s %s: %w", method, path, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("hass: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: string(snippet)}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("hass: decode %s %s: %w", method, path, err)
	}
	return nil
}
