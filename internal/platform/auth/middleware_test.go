package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

func createTestToken(t *testing.T, claims Claims, key []byte) string {
	t.Helper()
	tokenStr, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return tokenStr
}

func runJWT(t *testing.T, cfg JWTConfig, header string, next echo.HandlerFunc) error {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	c := e.NewContext(req, httptest.NewRecorder())
	return JWTMiddleware(cfg)(next)(c)
}

func okHandler(c echo.Context) error { return c.NoContent(http.StatusOK) }

func expectStatus(t *testing.T, err error, status int) {
	t.Helper()
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T (%v)", err, err)
	}
	if httpErr.Code != status {
		t.Errorf("expected %d, got %d", status, httpErr.Code)
	}
}

func TestJWTMiddleware_MissingHeader(t *testing.T) {
	err := runJWT(t, JWTConfig{SigningKey: testSigningKey}, "", okHandler)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_InvalidFormat(t *testing.T) {
	for _, header := range []string{"Token abc123", "Bearer", "Bearer ", "Basic dXNlcjpwYXNz"} {
		t.Run(header, func(t *testing.T) {
			err := runJWT(t, JWTConfig{SigningKey: testSigningKey}, header, okHandler)
			expectStatus(t, err, http.StatusUnauthorized)
		})
	}
}

func TestJWTMiddleware_ValidToken(t *testing.T) {
	tok := createTestToken(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "therapist-7",
			Issuer:    "https://auth.example.com",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles: []string{RoleTherapist},
	}, testSigningKey)

	cfg := JWTConfig{SigningKey: testSigningKey, Issuer: "https://auth.example.com"}
	err := runJWT(t, cfg, "Bearer "+tok, func(c echo.Context) error {
		ctx := c.Request().Context()
		if got := UserIDFromContext(ctx); got != "therapist-7" {
			t.Errorf("expected therapist-7, got %s", got)
		}
		if roles := RolesFromContext(ctx); len(roles) != 1 || roles[0] != RoleTherapist {
			t.Errorf("unexpected roles: %v", roles)
		}
		if TokenFromContext(ctx) != tok {
			t.Error("expected raw token on context")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestJWTMiddleware_ExpiredToken(t *testing.T) {
	tok := createTestToken(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}, testSigningKey)
	err := runJWT(t, JWTConfig{SigningKey: testSigningKey}, "Bearer "+tok, okHandler)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_WrongIssuer(t *testing.T) {
	tok := createTestToken(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u1", Issuer: "https://evil.example.com"},
	}, testSigningKey)
	err := runJWT(t, JWTConfig{SigningKey: testSigningKey, Issuer: "https://auth.example.com"}, "Bearer "+tok, okHandler)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_JWKS(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]string{{
				"kty": "RSA",
				"kid": "k1",
				"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
			}},
		})
	}))
	defer srv.Close()

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "scheduler-1"},
		Roles:            []string{RoleScheduler},
	})
	token.Header["kid"] = "k1"
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	called := false
	err = runJWT(t, JWTConfig{JWKSURL: srv.URL}, "Bearer "+signed, func(c echo.Context) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("expected handler to run")
	}
}

func TestDevAuthMiddleware_SetsAdmin(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer forwarded")
	c := e.NewContext(req, httptest.NewRecorder())

	err := DevAuthMiddleware()(func(c echo.Context) error {
		ctx := c.Request().Context()
		if UserIDFromContext(ctx) != "dev-user" {
			t.Error("expected dev-user")
		}
		if TokenFromContext(ctx) != "forwarded" {
			t.Error("expected bearer token kept on context")
		}
		return nil
	})(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestBearerToken(t *testing.T) {
	tests := map[string]string{
		"Bearer abc":  "abc",
		"bearer  xyz": "xyz",
		"Basic abc":   "",
		"":            "",
	}
	for header, want := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		if got := BearerToken(req); got != want {
			t.Errorf("BearerToken(%q) = %q, want %q", header, got, want)
		}
	}
}

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name    string
		roles   []string
		allowed bool
	}{
		{"matching role", []string{RoleScheduler}, true},
		{"admin bypass", []string{RoleAdmin}, true},
		{"other role", []string{RoleBilling}, false},
		{"no roles", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req = req.WithContext(WithUser(context.Background(), "u1", tt.roles...))
			c := e.NewContext(req, httptest.NewRecorder())

			err := RequireRole(RoleTherapist, RoleScheduler)(okHandler)(c)
			if tt.allowed && err != nil {
				t.Fatalf("expected access, got %v", err)
			}
			if !tt.allowed {
				expectStatus(t, err, http.StatusForbidden)
			}
		})
	}
}
