package klingclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testAccessKey = "ak-test"
	testSecretKey = "sk-test-secret"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// setupMockProvider создаёт mock-сервер провайдера с endpoint /v1/videos/image2video.
func setupMockProvider(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}

func newTestClient(t *testing.T, serverURL string, timeout time.Duration) *Client {
	t.Helper()
	c, err := New(Options{
		URL:       serverURL + "/v1/videos/image2video",
		AccessKey: testAccessKey,
		SecretKey: testSecretKey,
		Timeout:   timeout,
	}, testLogger())
	if err != nil {
		t.Fatalf("ошибка создания клиента: %v", err)
	}
	return c
}

// checkBearer проверяет подпись и claims JWT из заголовка Authorization.
func checkBearer(t *testing.T, r *http.Request) {
	t.Helper()
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		t.Errorf("ожидался Bearer, получен %q", auth)
		return
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(strings.TrimPrefix(auth, "Bearer "), claims,
		func(*jwt.Token) (any, error) { return []byte(testSecretKey), nil },
		jwt.WithValidMethods([]string{"HS256"}),
	)
	if err != nil {
		t.Errorf("JWT не прошёл проверку: %v", err)
		return
	}
	if claims.Issuer != testAccessKey {
		t.Errorf("iss = %q, ожидался %q", claims.Issuer, testAccessKey)
	}
	if claims.ExpiresAt == nil || claims.NotBefore == nil {
		t.Error("ожидались exp и nbf")
		return
	}
	if life := claims.ExpiresAt.Sub(claims.NotBefore.Time); life > MaxTokenTTL+notBeforeSkew {
		t.Errorf("срок жизни JWT %v превышает %v", life, MaxTokenTTL)
	}
}

func writeImage(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "merge.jpg")
	if err := os.WriteFile(path, []byte("\xff\xd8jpeg-bytes"), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestClient_Submit(t *testing.T) {
	server := setupMockProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/videos/image2video" {
			t.Errorf("неожиданный запрос %s %s", r.Method, r.URL.Path)
		}
		checkBearer(t, r)

		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("ошибка разбора формы: %v", err)
			return
		}
		file, header, err := r.FormFile("image")
		if err != nil {
			t.Errorf("нет поля image: %v", err)
			return
		}
		data, _ := io.ReadAll(file)
		if string(data) != "\xff\xd8jpeg-bytes" {
			t.Errorf("содержимое изображения искажено: %q", data)
		}
		if header.Filename != "merge.jpg" {
			t.Errorf("filename = %q", header.Filename)
		}
		if ct := header.Header.Get("Content-Type"); ct != "image/jpeg" {
			t.Errorf("Content-Type части = %q, ожидался image/jpeg", ct)
		}

		want := map[string]string{
			"prompt":     "море на закате",
			"model_name": "kling-v1",
			"mode":       "std",
			"duration":   "5",
			"cfg_scale":  "0.5",
		}
		for k, v := range want {
			if got := r.FormValue(k); got != v {
				t.Errorf("%s = %q, ожидалось %q", k, got, v)
			}
		}
		if _, ok := r.MultipartForm.Value["callback_url"]; ok {
			t.Error("пустой callback_url не должен передаваться")
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(TaskResponse{
			Code:      0,
			Message:   "SUCCEED",
			RequestID: "req-1",
			Data: TaskDescriptor{
				TaskID:     "task-1",
				TaskStatus: "submitted",
				CreatedAt:  1722769557708,
				UpdatedAt:  1722769557708,
			},
		})
	})

	client := newTestClient(t, server.URL, 5*time.Second)
	resp, err := client.Submit(context.Background(), writeImage(t), VideoRequest{Prompt: "море на закате"})
	if err != nil {
		t.Fatalf("Submit() вернул ошибку: %v", err)
	}
	if resp.Data.TaskID != "task-1" || resp.Data.TaskStatus != "submitted" {
		t.Errorf("Data = %+v", resp.Data)
	}
	if resp.RequestID != "req-1" {
		t.Errorf("RequestID = %q", resp.RequestID)
	}
}

// TestClient_Submit_BusinessError проверяет code != 0 при статусе 200.
func TestClient_Submit_BusinessError(t *testing.T) {
	server := setupMockProvider(t, func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"code":1201,"message":"image too small","request_id":"req-2"}`))
	})

	client := newTestClient(t, server.URL, 5*time.Second)
	_, err := client.Submit(context.Background(), writeImage(t), VideoRequest{Prompt: "x"})

	var bizErr *BusinessError
	if !errors.As(err, &bizErr) {
		t.Fatalf("ожидалась BusinessError, получено %v", err)
	}
	if bizErr.Code != 1201 || bizErr.Message != "image too small" || bizErr.RequestID != "req-2" {
		t.Errorf("BusinessError = %+v", bizErr)
	}
}

func TestClient_Submit_TransportError(t *testing.T) {
	server := setupMockProvider(t, func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"code":1302,"message":"rate limited"}`))
	})

	client := newTestClient(t, server.URL, 5*time.Second)
	_, err := client.Submit(context.Background(), writeImage(t), VideoRequest{Prompt: "x"})

	var trErr *TransportError
	if !errors.As(err, &trErr) {
		t.Fatalf("ожидалась TransportError, получено %v", err)
	}
	if trErr.StatusCode != http.StatusTooManyRequests {
		t.Errorf("StatusCode = %d", trErr.StatusCode)
	}
	if trErr.Message != "rate limited" {
		t.Errorf("Message = %q", trErr.Message)
	}
}

// TestClient_Submit_LocalValidation проверяет, что ошибки валидации не доходят до сети.
func TestClient_Submit_LocalValidation(t *testing.T) {
	var calls atomic.Int32
	server := setupMockProvider(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	})
	client := newTestClient(t, server.URL, 5*time.Second)
	image := writeImage(t)
	badScale := 1.5

	tests := []struct {
		name string
		req  VideoRequest
	}{
		{"пустой prompt", VideoRequest{Prompt: "  "}},
		{"cfg_scale вне диапазона", VideoRequest{Prompt: "x", CfgScale: &badScale}},
		{"неизвестный mode", VideoRequest{Prompt: "x", Mode: "ultra"}},
		{"duration", VideoRequest{Prompt: "x", Duration: 7}},
		{"callback_url", VideoRequest{Prompt: "x", CallbackURL: "ftp://host/cb"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.Submit(context.Background(), image, tt.req)
			if !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("ожидалась ErrInvalidRequest, получено %v", err)
			}
		})
	}

	if _, err := client.Submit(context.Background(), filepath.Join(t.TempDir(), "none.jpg"), VideoRequest{Prompt: "x"}); err == nil {
		t.Error("ожидалась ошибка для отсутствующего файла")
	}

	if calls.Load() != 0 {
		t.Errorf("провайдер вызван %d раз, ожидалось 0", calls.Load())
	}
}

func TestClient_Poll(t *testing.T) {
	server := setupMockProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/v1/videos/image2video/task-9" {
			t.Errorf("неожиданный запрос %s %s", r.Method, r.URL.Path)
		}
		checkBearer(t, r)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"code":0,"message":"SUCCEED","request_id":"req-3","data":{
			"task_id":"task-9","task_status":"succeed","created_at":1,"updated_at":2,
			"task_result":{"videos":[{"id":"v1","url":"https://cdn.example/v1.mp4","duration":"5"}]}}}`))
	})

	client := newTestClient(t, server.URL, 5*time.Second)
	resp, err := client.Poll(context.Background(), "task-9")
	if err != nil {
		t.Fatalf("Poll() вернул ошибку: %v", err)
	}
	if resp.Data.TaskStatus != "succeed" || resp.Data.UpdatedAt != 2 {
		t.Errorf("Data = %+v", resp.Data)
	}
	if resp.Data.TaskResult == nil || len(resp.Data.TaskResult.Videos) != 1 {
		t.Fatalf("ожидался один ролик в task_result")
	}

	if _, err := client.Poll(context.Background(), "../x"); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("Poll(../x) = %v, ожидалась ErrInvalidRequest", err)
	}
}

func TestClient_List(t *testing.T) {
	server := setupMockProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/videos/image2video" {
			t.Errorf("путь = %s", r.URL.Path)
		}
		if r.URL.Query().Get("pageNum") != "2" || r.URL.Query().Get("pageSize") != "10" {
			t.Errorf("query = %s", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"code":0,"message":"SUCCEED","request_id":"r","data":[
			{"task_id":"a","task_status":"processing","created_at":1,"updated_at":1},
			{"task_id":"b","task_status":"failed","created_at":1,"updated_at":3}]}`))
	})

	client := newTestClient(t, server.URL, 5*time.Second)
	resp, err := client.List(context.Background(), 2, 10)
	if err != nil {
		t.Fatalf("List() вернул ошибку: %v", err)
	}
	if len(resp.Data) != 2 || resp.Data[1].TaskID != "b" {
		t.Errorf("Data = %+v", resp.Data)
	}
}

// TestClient_InvalidJSON проверяет, что нечитаемый 2xx-ответ — TransportError.
func TestClient_InvalidJSON(t *testing.T) {
	server := setupMockProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>gateway</html>"))
	})

	client := newTestClient(t, server.URL, 5*time.Second)
	_, err := client.List(context.Background(), 0, 0)

	var trErr *TransportError
	if !errors.As(err, &trErr) || trErr.StatusCode != http.StatusOK {
		t.Errorf("ожидалась TransportError со статусом 200, получено %v", err)
	}
}

func TestClient_Timeout(t *testing.T) {
	server := setupMockProvider(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})

	client := newTestClient(t, server.URL, 50*time.Millisecond)
	_, err := client.Poll(context.Background(), "slow")

	var trErr *TransportError
	if !errors.As(err, &trErr) {
		t.Fatalf("ожидалась TransportError, получено %v", err)
	}
	if trErr.StatusCode != 0 {
		t.Errorf("StatusCode = %d, ожидался 0 для сетевой ошибки", trErr.StatusCode)
	}
}

func TestClient_ContextCancelled(t *testing.T) {
	server := setupMockProvider(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := newTestClient(t, server.URL, 5*time.Second)
	_, err := client.Poll(ctx, "t")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("ожидалась context.Canceled, получено %v", err)
	}
}

// TestClient_TokenCache проверяет кэширование JWT и перевыпуск за минуту до истечения.
func TestClient_TokenCache(t *testing.T) {
	client := newTestClient(t, "http://127.0.0.1:1", 0)
	now := time.Unix(1_700_000_000, 0)
	client.now = func() time.Time { return now }

	first, err := client.Token()
	if err != nil {
		t.Fatalf("Token() вернул ошибку: %v", err)
	}

	now = now.Add(MaxTokenTTL - 2*time.Minute)
	second, _ := client.Token()
	if second != first {
		t.Error("до порога обновления токен должен браться из кэша")
	}

	now = now.Add(90 * time.Second)
	third, _ := client.Token()
	if third == first {
		t.Error("за минуту до истечения токен должен перевыпускаться")
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Options{AccessKey: "a", SecretKey: "s"}, testLogger()); err == nil {
		t.Error("ожидалась ошибка без URL")
	}
	if _, err := New(Options{URL: "http://x", SecretKey: "s"}, testLogger()); err == nil {
		t.Error("ожидалась ошибка без access key")
	}

	c, err := New(Options{URL: "http://x/", AccessKey: "a", SecretKey: "s", TokenTTL: time.Hour}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if c.tokenTTL != MaxTokenTTL {
		t.Errorf("tokenTTL = %v, ожидалось ограничение %v", c.tokenTTL, MaxTokenTTL)
	}
	if c.baseURL != "http://x" {
		t.Errorf("baseURL = %q", c.baseURL)
	}
}
