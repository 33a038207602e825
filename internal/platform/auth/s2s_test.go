package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
)

type noopLogger struct{}

func (noopLogger) Printf(string, ...any) {}

type jwksFixture struct {
	key    *rsa.PrivateKey
	server *httptest.Server

	mu       sync.Mutex
	requests int
}

func newJWKSFixture(t *testing.T) *jwksFixture {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	fixture := &jwksFixture{key: key}
	jwk := jose.JSONWebKey{Key: &key.PublicKey, KeyID: "svc-key", Algorithm: jwt.SigningMethodRS256.Alg(), Use: "sig"}
	fixture.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fixture.mu.Lock()
		fixture.requests++
		fixture.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{jwk}})
	}))
	t.Cleanup(fixture.server.Close)
	return fixture
}

func (f *jwksFixture) sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "svc-key"
	signed, err := token.SignedString(f.key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestJWKSCache_CachesKeys(t *testing.T) {
	fixture := newJWKSFixture(t)
	cache := NewJWKSCache(fixture.server.URL)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	for i := 0; i < 3; i++ {
		if _, err := cache.Key(req.Context(), "svc-key"); err != nil {
			t.Fatalf("cache.Key: %v", err)
		}
	}
	if fixture.requests != 1 {
		t.Fatalf("expected one jwks fetch, got %d", fixture.requests)
	}
	if _, err := cache.Key(req.Context(), "unknown"); err == nil {
		t.Fatalf("expected error for unknown kid")
	}
}

func TestS2SValidator_RequireService(t *testing.T) {
	fixture := newJWKSFixture(t)
	validator := NewS2SValidator(NewJWKSCache(fixture.server.URL), S2SConfig{
		Audience:           "refunds-api",
		Issuers:            []string{"https://s2s.example"},
		AuthorisedServices: []string{"payment_app", "ccpay_bubble"},
	}, noopLogger{})

	exp := time.Now().Add(time.Hour).Unix()
	cases := []struct {
		name   string
		header string
		want   int
	}{
		{name: "missing token", want: http.StatusUnauthorized},
		{name: "authorised service", header: "Bearer " + fixture.sign(t, jwt.MapClaims{"sub": "payment_app", "iss": "https://s2s.example", "aud": "refunds-api", "exp": exp}), want: http.StatusNoContent},
		{name: "raw token accepted", header: fixture.sign(t, jwt.MapClaims{"sub": "ccpay_bubble", "iss": "https://s2s.example", "aud": "refunds-api", "exp": exp}), want: http.StatusNoContent},
		{name: "unlisted service", header: fixture.sign(t, jwt.MapClaims{"sub": "divorce_frontend", "iss": "https://s2s.example", "aud": "refunds-api", "exp": exp}), want: http.StatusForbidden},
		{name: "wrong audience", header: fixture.sign(t, jwt.MapClaims{"sub": "payment_app", "iss": "https://s2s.example", "aud": "other", "exp": exp}), want: http.StatusUnauthorized},
		{name: "wrong issuer", header: fixture.sign(t, jwt.MapClaims{"sub": "payment_app", "iss": "https://evil.example", "aud": "refunds-api", "exp": exp}), want: http.StatusUnauthorized},
		{name: "expired", header: fixture.sign(t, jwt.MapClaims{"sub": "payment_app", "iss": "https://s2s.example", "aud": "refunds-api", "exp": time.Now().Add(-time.Hour).Unix()}), want: http.StatusUnauthorized},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handler := validator.RequireService()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				identity, ok := ServiceIdentityFromContext(r.Context())
				if !ok || identity.Name == "" {
					t.Fatalf("expected service identity in context")
				}
				w.WriteHeader(http.StatusNoContent)
			}))
			req := httptest.NewRequest(http.MethodPatch, "/payment/RC-1/action/cancel", nil)
			if tc.header != "" {
				req.Header.Set(ServiceAuthorizationHeader, tc.header)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)
			if rr.Code != tc.want {
				t.Fatalf("expected %d got %d: %s", tc.want, rr.Code, rr.Body.String())
			}
		})
	}
}
