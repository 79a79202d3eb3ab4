package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/bigkaa/gomemory/internal/api/handlers"
	"github.com/bigkaa/gomemory/internal/api/middleware"
	"github.com/bigkaa/gomemory/internal/config"
	"github.com/bigkaa/gomemory/internal/service"
	"github.com/bigkaa/gomemory/internal/storage/filestore"
	"github.com/bigkaa/gomemory/internal/token"
)

const testKeyID = "server-test-key"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig() *config.Config {
	return &config.Config{
		Port:               0,
		CORSAllowedOrigins: []string{"*"},
		HTTPReadTimeout:    5 * time.Second,
		HTTPWriteTimeout:   5 * time.Second,
		HTTPIdleTimeout:    5 * time.Second,
		ShutdownTimeout:    2 * time.Second,
	}
}

type testEnv struct {
	server *Server
	media  *service.MediaService
	key    *rsa.PrivateKey
}

// newTestEnv собирает сервер с реальным MediaService и JWT по тестовому JWKS.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := testLogger()

	store, err := filestore.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.SaveFile("order/7/merge.jpg", strings.NewReader("jpeg-bytes"), 1<<20); err != nil {
		t.Fatal(err)
	}

	mediaSvc, err := service.NewMediaService(store, token.New(strings.Repeat("s", 32)),
		"https://media.example.net", time.Hour, 24*time.Hour, logger)
	if err != nil {
		t.Fatal(err)
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	jwks, _ := json.Marshal(map[string]any{
		"keys": []map[string]any{{
			"kty": "RSA",
			"kid": testKeyID,
			"use": "sig",
			"alg": "RS256",
			"n":   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
		}},
	})
	kf, err := keyfunc.NewJWKSetJSON(jwks)
	if err != nil {
		t.Fatal(err)
	}
	jwtAuth := middleware.NewJWTAuthWithKeyfunc(kf, "", 0, logger)

	api := handlers.NewAPIHandler(mediaSvc, nil, nil, 1<<20, logger)
	health := handlers.NewHealthHandler(nil, nil)

	return &testEnv{
		server: New(testConfig(), logger, api, health, jwtAuth),
		media:  mediaSvc,
		key:    key,
	}
}

func (e *testEnv) bearer(t *testing.T) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		Subject:   "orders-service",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	tok.Header["kid"] = testKeyID
	signed, err := tok.SignedString(e.key)
	if err != nil {
		t.Fatal(err)
	}
	return "Bearer " + signed
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_PublicRoutes(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/health/live", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("/health/live: статус = %d", rec.Code)
	}

	// Без проверки PostgreSQL сервис не готов, но JWT не требуется
	rec = env.do(httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("/health/ready: статус = %d", rec.Code)
	}

	rec = env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("/metrics: статус = %d", rec.Code)
	}
}

func TestServer_FilesBypassJWT(t *testing.T) {
	env := newTestEnv(t)

	signed, err := env.media.Sign("order/7/merge.jpg", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	u, err := url.Parse(signed.URL)
	if err != nil {
		t.Fatal(err)
	}

	rec := env.do(httptest.NewRequest(http.MethodGet, u.RequestURI(), nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("статус = %d (тело: %s)", rec.Code, rec.Body.String())
	}
	body, _ := io.ReadAll(rec.Body)
	if string(body) != "jpeg-bytes" {
		t.Errorf("тело = %q", body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("Content-Type = %q", ct)
	}

	// Без токена ссылки ожидается 403, а не 401 от JWT
	rec = env.do(httptest.NewRequest(http.MethodGet, "/files/order/7/merge.jpg", nil))
	if rec.Code != http.StatusForbidden {
		t.Errorf("без токена: статус = %d, ожидался 403", rec.Code)
	}
}

func TestServer_APIRequiresJWT(t *testing.T) {
	env := newTestEnv(t)
	target := "/api/v1/media-url?kind=merged_photo&order_id=7"

	rec := env.do(httptest.NewRequest(http.MethodGet, target, nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("без JWT: статус = %d, ожидался 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.Header.Set("Authorization", env.bearer(t))
	rec = env.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("с JWT: статус = %d (тело: %s)", rec.Code, rec.Body.String())
	}
	var resp struct {
		MediaURL string `json:"media_url"`
		Resource string `json:"resource"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Resource != "order/7/merge.jpg" || !strings.HasPrefix(resp.MediaURL, "https://media.example.net/files/order/7/merge.jpg?token=") {
		t.Errorf("ответ = %+v", resp)
	}
}

func TestServer_CORSPreflight(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/videos", nil)
	req.Header.Set("Origin", "https://app.example.net")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Authorization, Content-Type")
	rec := env.do(req)

	// preflight отвечает CORS до JWT: без токена не 401
	if rec.Code != http.StatusOK && rec.Code != http.StatusNoContent {
		t.Errorf("статус = %d, ожидался 2xx", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Error("нет Access-Control-Allow-Origin")
	}
}

func TestServer_WithoutJWT(t *testing.T) {
	logger := testLogger()
	store, err := filestore.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	mediaSvc, err := service.NewMediaService(store, token.New(strings.Repeat("s", 32)),
		"https://media.example.net", time.Hour, 24*time.Hour, logger)
	if err != nil {
		t.Fatal(err)
	}
	srv := New(testConfig(), logger,
		handlers.NewAPIHandler(mediaSvc, nil, nil, 1<<20, logger),
		handlers.NewHealthHandler(nil, nil), nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/media-url?kind=merged_photo&order_id=7", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("статус = %d, ожидался 200", rec.Code)
	}
}

func TestServer_RunStopsOnContextCancel(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- env.server.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("сервер не остановился после отмены контекста")
	}
}
