// Пакет klingclient — HTTP-клиент провайдера генерации видео из изображения (image2video).
// Авторизация: короткоживущий JWT (HS256, iss = access key), кэшируется до истечения.
// Операции: Submit (POST multipart), Poll (GET {url}/{task_id}), List (GET {url}).
// Повторов нет: ошибки возвращаются вызывающему коду как TransportError или BusinessError.
package klingclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MaxTokenTTL — провайдер принимает assertion не дольше 30 минут.
const MaxTokenTTL = 30 * time.Minute

const (
	// tokenRefreshMargin — токен перевыпускается за минуту до истечения.
	tokenRefreshMargin = 60 * time.Second
	// notBeforeSkew — nbf сдвигается назад на случай расхождения часов.
	notBeforeSkew = 5 * time.Second
	// maxErrorBody — сколько байт тела ошибки попадает в сообщение.
	maxErrorBody = 1024
)

// Значения VideoRequest по умолчанию.
const (
	DefaultModel    = "kling-v1"
	DefaultMode     = "std"
	DefaultDuration = 5
	DefaultCfgScale = 0.5
	maxPromptLength = 2500
)

// ErrInvalidRequest — VideoRequest не прошёл локальную валидацию.
var ErrInvalidRequest = errors.New("некорректный запрос генерации видео")

// VideoRequest — параметры генерации видео.
// Нулевые значения заменяются значениями по умолчанию (см. WithDefaults).
type VideoRequest struct {
	ModelName      string   `json:"model_name,omitempty"`
	Prompt         string   `json:"prompt"`
	NegativePrompt string   `json:"negative_prompt,omitempty"`
	CfgScale       *float64 `json:"cfg_scale,omitempty"`
	Mode           string   `json:"mode,omitempty"`
	Duration       int      `json:"duration,omitempty"`
	CallbackURL    string   `json:"callback_url,omitempty"`
}

// WithDefaults возвращает копию с заполненными необязательными полями.
func (r VideoRequest) WithDefaults(model string) VideoRequest {
	if r.ModelName == "" {
		r.ModelName = model
	}
	if r.ModelName == "" {
		r.ModelName = DefaultModel
	}
	if r.CfgScale == nil {
		v := DefaultCfgScale
		r.CfgScale = &v
	}
	if r.Mode == "" {
		r.Mode = DefaultMode
	}
	if r.Duration == 0 {
		r.Duration = DefaultDuration
	}
	return r
}

// Validate проверяет запрос без обращения к сети.
func (r VideoRequest) Validate() error {
	prompt := strings.TrimSpace(r.Prompt)
	if prompt == "" {
		return fmt.Errorf("%w: prompt обязателен", ErrInvalidRequest)
	}
	if len([]rune(r.Prompt)) > maxPromptLength || len([]rune(r.NegativePrompt)) > maxPromptLength {
		return fmt.Errorf("%w: prompt длиннее %d символов", ErrInvalidRequest, maxPromptLength)
	}
	if r.CfgScale != nil && (*r.CfgScale < 0 || *r.CfgScale > 1) {
		return fmt.Errorf("%w: cfg_scale должен быть в диапазоне [0, 1]", ErrInvalidRequest)
	}
	if r.Mode != "" && r.Mode != "std" && r.Mode != "pro" {
		return fmt.Errorf("%w: mode должен быть std или pro", ErrInvalidRequest)
	}
	if r.Duration != 0 && r.Duration != 5 && r.Duration != 10 {
		return fmt.Errorf("%w: duration должен быть 5 или 10", ErrInvalidRequest)
	}
	if r.CallbackURL != "" {
		u, err := url.Parse(r.CallbackURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: callback_url должен быть http(s) URL", ErrInvalidRequest)
		}
	}
	return nil
}

// Video — сгенерированный ролик в результате задачи.
type Video struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	Duration string `json:"duration,omitempty"`
}

// TaskResult — результат завершённой задачи.
type TaskResult struct {
	Videos []Video `json:"videos"`
}

// TaskDescriptor — состояние задачи у провайдера. Время в миллисекундах unix.
type TaskDescriptor struct {
	TaskID        string      `json:"task_id"`
	TaskStatus    string      `json:"task_status"`
	TaskStatusMsg string      `json:"task_status_msg,omitempty"`
	CreatedAt     int64       `json:"created_at"`
	UpdatedAt     int64       `json:"updated_at"`
	TaskResult    *TaskResult `json:"task_result,omitempty"`
}

// TaskResponse — конверт ответа Submit/Poll.
type TaskResponse struct {
	Code      int            `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id"`
	Data      TaskDescriptor `json:"data"`
}

// TaskListResponse — конверт ответа List.
type TaskListResponse struct {
	Code      int              `json:"code"`
	Message   string           `json:"message"`
	RequestID string           `json:"request_id"`
	Data      []TaskDescriptor `json:"data"`
}

// TransportError — сетевой сбой или не-2xx ответ провайдера.
// StatusCode = 0 при сетевой ошибке.
type TransportError struct {
	Operation  string
	StatusCode int
	Message    string
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("провайдер видео (%s): %s", e.Operation, e.Message)
	}
	return fmt.Sprintf("провайдер видео (%s) вернул статус %d: %s", e.Operation, e.StatusCode, e.Message)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// BusinessError — провайдер ответил 2xx, но code != 0.
type BusinessError struct {
	Code      int
	Message   string
	RequestID string
}

func (e *BusinessError) Error() string {
	return fmt.Sprintf("провайдер видео отклонил запрос (code=%d, request_id=%s): %s", e.Code, e.RequestID, e.Message)
}

// Options — параметры клиента.
type Options struct {
	// URL endpoint image2video
	URL       string
	AccessKey string
	SecretKey string
	// Таймаут одного запроса
	Timeout time.Duration
	// Время жизни JWT (0 или больше MaxTokenTTL — MaxTokenTTL)
	TokenTTL time.Duration
	// Модель по умолчанию
	Model string
	// HTTPClient — опционально, для тестов
	HTTPClient *http.Client
}

// Client — клиент провайдера. Безопасен для конкурентного использования.
type Client struct {
	baseURL    string
	accessKey  string
	secretKey  []byte
	tokenTTL   time.Duration
	model      string
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time

	mu          sync.RWMutex
	cachedToken string
	tokenExpiry time.Time
}

// New создаёт клиент провайдера.
func New(opts Options, logger *slog.Logger) (*Client, error) {
	if opts.URL == "" {
		return nil, errors.New("не задан URL провайдера")
	}
	if opts.AccessKey == "" || opts.SecretKey == "" {
		return nil, errors.New("не заданы ключи провайдера")
	}

	ttl := opts.TokenTTL
	if ttl <= 0 || ttl > MaxTokenTTL {
		ttl = MaxTokenTTL
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if opts.Timeout > 0 {
		clone := *httpClient
		clone.Timeout = opts.Timeout
		httpClient = &clone
	}

	return &Client{
		baseURL:    strings.TrimRight(opts.URL, "/"),
		accessKey:  opts.AccessKey,
		secretKey:  []byte(opts.SecretKey),
		tokenTTL:   ttl,
		model:      opts.Model,
		httpClient: httpClient,
		logger:     logger.With(slog.String("component", "kling_client")),
		now:        time.Now,
	}, nil
}

// Model возвращает модель по умолчанию.
func (c *Client) Model() string {
	if c.model == "" {
		return DefaultModel
	}
	return c.model
}

// Token возвращает действующий JWT, перевыпуская его за минуту до истечения.
func (c *Client) Token() (string, error) {
	now := c.now()

	c.mu.RLock()
	if c.cachedToken != "" && now.Before(c.tokenExpiry.Add(-tokenRefreshMargin)) {
		token := c.cachedToken
		c.mu.RUnlock()
		return token, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Повторная проверка: другой goroutine мог обновить токен
	if c.cachedToken != "" && now.Before(c.tokenExpiry.Add(-tokenRefreshMargin)) {
		return c.cachedToken, nil
	}

	expiry := now.Add(c.tokenTTL)
	claims := jwt.RegisteredClaims{
		Issuer:    c.accessKey,
		ExpiresAt: jwt.NewNumericDate(expiry),
		NotBefore: jwt.NewNumericDate(now.Add(-notBeforeSkew)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secretKey)
	if err != nil {
		return "", fmt.Errorf("подпись JWT провайдера: %w", err)
	}

	c.cachedToken = signed
	c.tokenExpiry = expiry

	c.logger.Debug("JWT провайдера выпущен", slog.Time("expires_at", expiry))
	return signed, nil
}

// Submit отправляет изображение imagePath и параметры генерации.
// Файл открывается до обращения к сети; тело запроса передаётся потоком.
func (c *Client) Submit(ctx context.Context, imagePath string, req VideoRequest) (*TaskResponse, error) {
	req = req.WithDefaults(c.Model())
	if err := req.Validate(); err != nil {
		return nil, err
	}

	f, err := os.Open(imagePath)
	if err != nil {
		return nil, fmt.Errorf("открытие изображения %s: %w", imagePath, err)
	}

	pr, pw := io.Pipe()
	defer pr.Close()
	mw := multipart.NewWriter(pw)
	go func() {
		defer f.Close()
		pw.CloseWithError(writeForm(mw, f, filepath.Base(imagePath), req))
	}()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, pr)
	if err != nil {
		return nil, fmt.Errorf("создание запроса Submit: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	var resp TaskResponse
	if err := c.do(httpReq, "submit", &resp); err != nil {
		return nil, err
	}
	if resp.Code != 0 {
		return nil, &BusinessError{Code: resp.Code, Message: resp.Message, RequestID: resp.RequestID}
	}

	c.logger.Info("Задача генерации видео принята",
		slog.String("task_id", resp.Data.TaskID),
		slog.String("task_status", resp.Data.TaskStatus),
		slog.String("request_id", resp.RequestID),
	)
	return &resp, nil
}

// Poll запрашивает состояние задачи taskID.
func (c *Client) Poll(ctx context.Context, taskID string) (*TaskResponse, error) {
	if taskID == "" || strings.ContainsAny(taskID, "/?#") {
		return nil, fmt.Errorf("%w: некорректный task_id %q", ErrInvalidRequest, taskID)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+url.PathEscape(taskID), nil)
	if err != nil {
		return nil, fmt.Errorf("создание запроса Poll: %w", err)
	}

	var resp TaskResponse
	if err := c.do(httpReq, "poll", &resp); err != nil {
		return nil, err
	}
	if resp.Code != 0 {
		return nil, &BusinessError{Code: resp.Code, Message: resp.Message, RequestID: resp.RequestID}
	}
	return &resp, nil
}

// List запрашивает список задач. pageNum/pageSize = 0 — значения провайдера по умолчанию.
func (c *Client) List(ctx context.Context, pageNum, pageSize int) (*TaskListResponse, error) {
	reqURL := c.baseURL
	q := url.Values{}
	if pageNum > 0 {
		q.Set("pageNum", strconv.Itoa(pageNum))
	}
	if pageSize > 0 {
		q.Set("pageSize", strconv.Itoa(pageSize))
	}
	if len(q) > 0 {
		reqURL += "?" + q.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("создание запроса List: %w", err)
	}

	var resp TaskListResponse
	if err := c.do(httpReq, "list", &resp); err != nil {
		return nil, err
	}
	if resp.Code != 0 {
		return nil, &BusinessError{Code: resp.Code, Message: resp.Message, RequestID: resp.RequestID}
	}
	return &resp, nil
}

// do подписывает запрос, выполняет его и декодирует JSON-конверт в out.
// Сетевая ошибка, не-2xx статус и нечитаемое тело — TransportError.
func (c *Client) do(req *http.Request, operation string, out any) error {
	token, err := c.Token()
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("Провайдер видео недоступен",
			slog.String("operation", operation),
			slog.String("url", req.URL.Redacted()),
			slog.String("error", err.Error()),
		)
		return &TransportError{Operation: operation, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	c.logger.Debug("Ответ провайдера видео",
		slog.String("operation", operation),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &TransportError{
			Operation:  operation,
			StatusCode: resp.StatusCode,
			Message:    errorMessage(body),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &TransportError{
			Operation:  operation,
			StatusCode: resp.StatusCode,
			Message:    "некорректный JSON в ответе: " + err.Error(),
			Err:        err,
		}
	}
	return nil
}

// errorMessage извлекает поле message из JSON-тела ошибки, иначе возвращает тело как есть.
func errorMessage(body []byte) string {
	var envelope struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &envelope) == nil && envelope.Message != "" {
		return envelope.Message
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return "неизвестная ошибка"
	}
	return msg
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// writeForm пишет multipart-форму: файл image и текстовые поля запроса.
func writeForm(mw *multipart.Writer, image io.Reader, filename string, req VideoRequest) error {
	contentType := mime.TypeByExtension(strings.ToLower(filepath.Ext(filename)))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name="image"; filename="%s"`, quoteEscaper.Replace(filename)))
	h.Set("Content-Type", contentType)

	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, image); err != nil {
		return fmt.Errorf("запись изображения в форму: %w", err)
	}

	fields := []struct{ name, value string }{
		{"model_name", req.ModelName},
		{"prompt", req.Prompt},
		{"negative_prompt", req.NegativePrompt},
		{"mode", req.Mode},
		{"duration", strconv.Itoa(req.Duration)},
		{"callback_url", req.CallbackURL},
	}
	if req.CfgScale != nil {
		fields = append(fields, struct{ name, value string }{"cfg_scale", strconv.FormatFloat(*req.CfgScale, 'f', -1, 64)})
	}
	for _, f := range fields {
		if f.value == "" {
			continue
		}
		if err := mw.WriteField(f.name, f.value); err != nil {
			return err
		}
	}

	return mw.Close()
}
