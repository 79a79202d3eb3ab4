package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bigkaa/gomemory/internal/domain/media"
	"github.com/bigkaa/gomemory/internal/domain/model"
	"github.com/bigkaa/gomemory/internal/klingclient"
	"github.com/bigkaa/gomemory/internal/service"
)

// --- Моки сервисов ---

type mockMedia struct {
	openFn     func(resource, tok string) (*service.MediaFile, error)
	signKindFn func(kind media.Kind, ids media.IDs, ttl time.Duration) (*service.SignedURL, error)
}

func (m *mockMedia) Open(resource, tok string) (*service.MediaFile, error) {
	return m.openFn(resource, tok)
}

func (m *mockMedia) SignKind(kind media.Kind, ids media.IDs, ttl time.Duration) (*service.SignedURL, error) {
	return m.signKindFn(kind, ids, ttl)
}

type mockCompositor struct {
	orderFn   func(ctx context.Context, orderID string, urls []string) (*service.CompositeResult, error)
	uploadsFn func(ctx context.Context, orderID string, images []io.Reader) (*service.CompositeResult, error)
}

func (m *mockCompositor) CompositeOrder(ctx context.Context, orderID string, urls []string) (*service.CompositeResult, error) {
	return m.orderFn(ctx, orderID, urls)
}

func (m *mockCompositor) CompositeOrderUploads(ctx context.Context, orderID string, images []io.Reader) (*service.CompositeResult, error) {
	return m.uploadsFn(ctx, orderID, images)
}

type mockVideos struct {
	submitOrderFn  func(ctx context.Context, orderID string, req klingclient.VideoRequest) (*klingclient.TaskResponse, error)
	submitUploadFn func(ctx context.Context, orderID string, image io.Reader, filename string, req klingclient.VideoRequest) (*klingclient.TaskResponse, error)
	pollFn         func(ctx context.Context, taskID string) (*klingclient.TaskResponse, error)
	listFn         func(ctx context.Context, pageNum, pageSize int) (*klingclient.TaskListResponse, error)
	listOrderFn    func(ctx context.Context, orderID string, limit, offset int) ([]*model.VideoTask, error)
}

func (m *mockVideos) SubmitForOrder(ctx context.Context, orderID string, req klingclient.VideoRequest) (*klingclient.TaskResponse, error) {
	return m.submitOrderFn(ctx, orderID, req)
}

func (m *mockVideos) SubmitUpload(ctx context.Context, orderID string, image io.Reader, filename string, req klingclient.VideoRequest) (*klingclient.TaskResponse, error) {
	return m.submitUploadFn(ctx, orderID, image, filename, req)
}

func (m *mockVideos) Poll(ctx context.Context, taskID string) (*klingclient.TaskResponse, error) {
	return m.pollFn(ctx, taskID)
}

func (m *mockVideos) List(ctx context.Context, pageNum, pageSize int) (*klingclient.TaskListResponse, error) {
	return m.listFn(ctx, pageNum, pageSize)
}

func (m *mockVideos) ListOrderTasks(ctx context.Context, orderID string, limit, offset int) ([]*model.VideoTask, error) {
	return m.listOrderFn(ctx, orderID, limit, offset)
}

// --- Вспомогательные функции ---

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newTestRouter собирает роутер с маршрутами APIHandler.
// Незаданные моки заменяются пустыми: вызов их методов приведёт к панике.
func newTestRouter(m *mockMedia, c *mockCompositor, v *mockVideos) http.Handler {
	if m == nil {
		m = &mockMedia{}
	}
	if c == nil {
		c = &mockCompositor{}
	}
	if v == nil {
		v = &mockVideos{}
	}
	r := chi.NewRouter()
	NewAPIHandler(m, c, v, 1<<20, testLogger()).Mount(r)
	return r
}

func doRequest(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// errorCode извлекает error.code из тела ответа.
func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("тело ошибки не JSON: %v (%s)", err, rec.Body.String())
	}
	return body.Error.Code
}

// multipartFile — файл для multipart-тела.
type multipartFile struct {
	field, name, content string
}

// multipartBody строит multipart/form-data тело из полей и файлов.
func multipartBody(t *testing.T, fields map[string]string, files ...multipartFile) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	for _, f := range files {
		part, err := mw.CreateFormFile(f.field, f.name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := part.Write([]byte(f.content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, mw.FormDataContentType()
}
