package rest

import (
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func validBearerToken(t *testing.T, priv *rsa.PrivateKey) string {
	t.Helper()
	return "Bearer " + signToken(t, priv, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		Subject:   "test",
	})
}

func newAuthRouter(t *testing.T, pub *rsa.PublicKey) http.Handler {
	t.Helper()
	marker := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	srv := NewServer(newMockRegistry(hallSensor()), localSwitches())
	return NewRouter(srv, Routes{
		Auth:    &JWTConfig{PublicKey: pub},
		Live:    marker,
		Metrics: marker,
	})
}

// TestRouter_PublicRoutesNoAuth verifies that the page, probe, live stream
// and metrics are reachable without a JWT.
func TestRouter_PublicRoutesNoAuth(t *testing.T) {
	_, pub := generateTestKey(t)
	h := newAuthRouter(t, pub)

	for path, want := range map[string]int{
		"/":        http.StatusOK,
		"/health":  http.StatusOK,
		"/ws":      http.StatusTeapot,
		"/metrics": http.StatusTeapot,
	} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != want {
			t.Errorf("%s: expected %d, got %d", path, want, rec.Code)
		}
	}
}

// TestRouter_APIRoutesRequireJWT verifies that /api routes return 401 when
// no Authorization header is present.
func TestRouter_APIRoutesRequireJWT(t *testing.T) {
	_, pub := generateTestKey(t)
	h := newAuthRouter(t, pub)

	for _, route := range []string{"/api/status", "/api/sensors", "/api/mode", "/api/sensors/binary_sensor.hall_motion"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, route, nil))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("route %s: expected 401 without JWT, got %d", route, rec.Code)
		}
	}
}

func TestRouter_APIRoutesAccessibleWithJWT(t *testing.T) {
	priv, pub := generateTestKey(t)
	h := newAuthRouter(t, pub)

	req := httptest.NewRequest(http.MethodGet, "/api/sensors", nil)
	req.Header.Set("Authorization", validBearerToken(t, priv))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid JWT, got %d; body: %s", rec.Code, rec.Body)
	}
}

func TestRouter_WithoutOptionalMounts(t *testing.T) {
	h := NewRouter(NewServer(newMockRegistry(), localSwitches()), Routes{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unmounted /metrics, got %d", rec.Code)
	}
}
