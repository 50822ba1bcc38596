package session

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dskow/intel-stream/internal/clock"
	"github.com/dskow/intel-stream/internal/config"
)

const testSecret = "test-secret-key-for-hmac-256"

func bearerConfig() config.SessionConfig {
	return config.SessionConfig{
		Header:    "X-Session-ID",
		ID:        "sess-123",
		JWTSecret: testSecret,
		Issuer:    "intel-stream",
		Audience:  "dashboard",
		TokenTTL:  10 * time.Minute,
	}
}

func makeToken(t *testing.T, claims jwt.MapClaims, method jwt.SigningMethod, key interface{}) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestNewID_Format(t *testing.T) {
	re := regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		id := NewID()
		if !re.MatchString(id) {
			t.Fatalf("not a v4 UUID: %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestProvider_GeneratesID(t *testing.T) {
	p := NewProvider(config.SessionConfig{}, nil)
	if p.ID() == "" {
		t.Fatal("expected generated session ID")
	}
	if p.Header() != "X-Session-ID" {
		t.Errorf("header = %q", p.Header())
	}
}

func TestProvider_DecorateWithoutBearer(t *testing.T) {
	p := NewProvider(config.SessionConfig{Header: "X-Ward-Session", ID: "abc"}, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/stream/ward-1", nil)
	if err := p.Decorate(req); err != nil {
		t.Fatal(err)
	}
	if req.Header.Get("X-Ward-Session") != "abc" {
		t.Errorf("session header = %q", req.Header.Get("X-Ward-Session"))
	}
	if req.Header.Get("Authorization") != "" {
		t.Error("no Authorization expected without a secret")
	}
	if _, err := p.Token(); err == nil {
		t.Error("Token should fail without a secret")
	}
}

func TestProvider_TokenRoundTrip(t *testing.T) {
	cfg := bearerConfig()
	p := NewProvider(cfg, clock.Fake(time.Now()))

	req := httptest.NewRequest(http.MethodGet, "/api/stream/ward-1", nil)
	if err := p.Decorate(req); err != nil {
		t.Fatal(err)
	}
	tok, ok := extractBearerToken(req)
	if !ok {
		t.Fatalf("Authorization = %q", req.Header.Get("Authorization"))
	}

	claims, err := Validate(tok, cfg)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.SessionID != "sess-123" || claims.Issuer != "intel-stream" {
		t.Errorf("claims = %+v", claims)
	}
}

func TestProvider_TokenCachedThenRefreshed(t *testing.T) {
	clk := clock.Fake(time.Now())
	p := NewProvider(bearerConfig(), clk)

	first, err := p.Token()
	if err != nil {
		t.Fatal(err)
	}
	clk.Advance(5 * time.Minute)
	second, _ := p.Token()
	if first != second {
		t.Error("token should be reused while fresh")
	}

	// 10m TTL: refresh once less than 2m remain.
	clk.Advance(3*time.Minute + time.Second)
	third, _ := p.Token()
	if third == second {
		t.Error("token should be re-minted near expiry")
	}
}

func TestValidate_Rejects(t *testing.T) {
	cfg := bearerConfig()
	base := func() jwt.MapClaims {
		return jwt.MapClaims{
			"sub": "sess-123",
			"iss": "intel-stream",
			"aud": "dashboard",
			"exp": time.Now().Add(time.Hour).Unix(),
		}
	}

	cases := map[string]string{}

	c := base()
	c["exp"] = time.Now().Add(-time.Hour).Unix()
	cases["expired"] = makeToken(t, c, jwt.SigningMethodHS256, []byte(testSecret))

	c = base()
	c["aud"] = "other"
	cases["wrong audience"] = makeToken(t, c, jwt.SigningMethodHS256, []byte(testSecret))

	c = base()
	c["iss"] = "other"
	cases["wrong issuer"] = makeToken(t, c, jwt.SigningMethodHS256, []byte(testSecret))

	c = base()
	delete(c, "exp")
	cases["no expiry"] = makeToken(t, c, jwt.SigningMethodHS256, []byte(testSecret))

	c = base()
	delete(c, "sub")
	cases["no subject"] = makeToken(t, c, jwt.SigningMethodHS256, []byte(testSecret))

	cases["wrong secret"] = makeToken(t, base(), jwt.SigningMethodHS256, []byte("other-secret"))
	cases["wrong method"] = makeToken(t, base(), jwt.SigningMethodHS384, []byte(testSecret))
	cases["malformed"] = "not.a.jwt"

	for name, tok := range cases {
		if _, err := Validate(tok, cfg); err == nil {
			t.Errorf("%s: expected rejection", name)
		}
	}
}

func serve(cfg config.SessionConfig, req *http.Request) (*httptest.ResponseRecorder, *Claims) {
	var got *Claims
	h := Middleware(cfg, slog.Default())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = r.Context().Value(ClaimsKey).(*Claims)
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec, got
}

func TestMiddleware_AcceptsProviderRequests(t *testing.T) {
	cfg := bearerConfig()
	p := NewProvider(cfg, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/stream/ward-1", nil)
	if err := p.Decorate(req); err != nil {
		t.Fatal(err)
	}

	rec, claims := serve(cfg, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if claims == nil || claims.SessionID != "sess-123" {
		t.Errorf("claims = %+v", claims)
	}
}

func TestMiddleware_MissingSessionHeader(t *testing.T) {
	rec, _ := serve(config.SessionConfig{}, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestMiddleware_HeaderOnlyMode(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Session-ID", "anything")
	rec, _ := serve(config.SessionConfig{}, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestMiddleware_MissingBearer(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Session-ID", "sess-123")
	rec, _ := serve(bearerConfig(), req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestMiddleware_SubjectMismatch(t *testing.T) {
	cfg := bearerConfig()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if err := NewProvider(cfg, nil).Decorate(req); err != nil {
		t.Fatal(err)
	}
	req.Header.Set("X-Session-ID", "someone-else")

	rec, _ := serve(cfg, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestExtractBearerToken(t *testing.T) {
	cases := map[string]bool{
		"Bearer abc":  true,
		"bearer abc":  true,
		"Bearer ":     false,
		"Basic abc":   false,
		"":            false,
		"Bearerabc":   false,
		"BEARER  abc": true,
	}
	for header, want := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		if _, ok := extractBearerToken(req); ok != want {
			t.Errorf("%q: ok = %v, want %v", header, ok, want)
		}
	}
}
