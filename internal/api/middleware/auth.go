// auth.go — JWT middleware для /api/v1.
// Подпись RS256 проверяется по JWKS (keyfunc + jwkset с фоновым обновлением).
// /files защищён подписанными ссылками, health и metrics публичны.
package middleware

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	apierrors "github.com/bigkaa/gomemory/internal/api/errors"
)

// contextKey — собственный тип ключей контекста пакета.
type contextKey string

// ContextKeySubject — sub вызывающего сервиса.
const ContextKeySubject contextKey = "jwt_subject"

// JWTAuth проверяет JWT сервисов-клиентов /api/v1 по ключам JWKS.
type JWTAuth struct {
	jwks      keyfunc.Keyfunc
	issuer    string
	jwtLeeway time.Duration
	logger    *slog.Logger
}

// JWTAuthConfig — параметры JWT middleware.
type JWTAuthConfig struct {
	// URL JWKS endpoint
	JWKSURL string
	// Ожидаемый issuer; пустая строка: не проверяется
	Issuer string
	// Путь к CA-сертификату (опционально)
	CACertPath      string
	ClientTimeout   time.Duration
	RefreshInterval time.Duration
	JWTLeeway       time.Duration
}

// NewJWTAuth загружает JWKS по authCfg.JWKSURL и обновляет его в фоне.
func NewJWTAuth(authCfg JWTAuthConfig, logger *slog.Logger) (*JWTAuth, error) {
	httpClient, err := buildHTTPClient(authCfg)
	if err != nil {
		return nil, err
	}

	// NoErrorReturnFirstHTTPReq: сервис стартует, даже если IdP ещё недоступен
	storage, err := jwkset.NewStorageFromHTTP(authCfg.JWKSURL, jwkset.HTTPClientStorageOptions{
		Client:                    httpClient,
		NoErrorReturnFirstHTTPReq: true,
		RefreshInterval:           authCfg.RefreshInterval,
		RefreshErrorHandler: func(_ context.Context, err error) {
			logger.Warn("JWKS не обновлён, используются прежние ключи",
				slog.String("jwks_url", authCfg.JWKSURL),
				slog.String("error", err.Error()),
			)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("JWKS %s: %w", authCfg.JWKSURL, err)
	}

	k, err := keyfunc.New(keyfunc.Options{Storage: storage})
	if err != nil {
		return nil, fmt.Errorf("keyfunc по JWKS: %w", err)
	}

	return NewJWTAuthWithKeyfunc(k, authCfg.Issuer, authCfg.JWTLeeway, logger), nil
}

// buildHTTPClient создаёт HTTP-клиент JWKS с опциональным CA-сертификатом.
func buildHTTPClient(authCfg JWTAuthConfig) (*http.Client, error) {
	client := &http.Client{Timeout: authCfg.ClientTimeout}
	if authCfg.CACertPath == "" {
		return client, nil
	}

	pem, err := os.ReadFile(authCfg.CACertPath)
	if err != nil {
		return nil, fmt.Errorf("чтение CA %s: %w", authCfg.CACertPath, err)
	}
	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("CA-сертификат %s не содержит PEM-блоков", authCfg.CACertPath)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	client.Transport = transport
	return client, nil
}

// NewJWTAuthWithKeyfunc создаёт JWT middleware с готовой keyfunc.
// Используется в тестах для подстановки JWKS из памяти.
func NewJWTAuthWithKeyfunc(kf keyfunc.Keyfunc, issuer string, jwtLeeway time.Duration, logger *slog.Logger) *JWTAuth {
	return &JWTAuth{
		jwks:      kf,
		issuer:    issuer,
		jwtLeeway: jwtLeeway,
		logger:    logger.With(slog.String("component", "api_auth")),
	}
}

// authFailuresTotal — отказы в аутентификации по причинам.
var authFailuresTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "mm_auth_failures_total",
		Help: "Отказы JWT-аутентификации /api/v1 по причинам",
	},
	[]string{"reason"},
)

// bearerToken достаёт токен из Authorization. При ошибке возвращает
// причину для метрики и текст ответа.
func bearerToken(r *http.Request) (tok, reason, msg string) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", "missing_header", "Требуется заголовок Authorization"
	}
	scheme, tok, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", "bad_scheme", "Authorization должен иметь вид: Bearer <token>"
	}
	if tok = strings.TrimSpace(tok); tok == "" {
		return "", "empty_token", "Bearer token пуст"
	}
	return tok, "", ""
}

// Middleware проверяет Bearer JWT (подпись по JWKS, exp, issuer) и кладёт
// sub в контекст запроса.
func (j *JWTAuth) Middleware() func(http.Handler) http.Handler {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(j.jwtLeeway),
	}
	if j.issuer != "" {
		opts = append(opts, jwt.WithIssuer(j.issuer))
	}
	parser := jwt.NewParser(opts...)

	reject := func(w http.ResponseWriter, reason, msg string) {
		authFailuresTotal.WithLabelValues(reason).Inc()
		apierrors.Unauthorized(w, msg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, reason, msg := bearerToken(r)
			if reason != "" {
				reject(w, reason, msg)
				return
			}

			var claims jwt.RegisteredClaims
			parsed, err := parser.ParseWithClaims(raw, &claims, j.jwks.KeyfuncCtx(r.Context()))
			switch {
			case err != nil:
				j.logger.Debug("JWT отклонён",
					slog.String("error", err.Error()),
					slog.String("path", r.URL.Path),
				)
				reject(w, "invalid_token", "Токен недействителен или истёк")
				return
			case !parsed.Valid:
				reject(w, "invalid_token", "Токен недействителен или истёк")
				return
			case claims.Subject == "":
				reject(w, "missing_subject", "В токене нет sub")
				return
			}

			setRequestSubject(r.Context(), claims.Subject)
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ContextKeySubject, claims.Subject)))
		})
	}
}

// WithExclusions оборачивает Middleware(), пропуская без JWT запросы,
// путь которых начинается с одного из excludePrefixes.
func (j *JWTAuth) WithExclusions(excludePrefixes ...string) func(http.Handler) http.Handler {
	jwtMiddleware := j.Middleware()

	return func(next http.Handler) http.Handler {
		protected := jwtMiddleware(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, prefix := range excludePrefixes {
				if strings.HasPrefix(r.URL.Path, prefix) {
					next.ServeHTTP(w, r)
					return
				}
			}
			protected.ServeHTTP(w, r)
		})
	}
}

// SubjectFromContext возвращает sub клиента; без JWT пустая строка.
// Выше JWT middleware (в RequestLogger) sub доступен после обработки запроса.
func SubjectFromContext(ctx context.Context) string {
	if subject, ok := ctx.Value(ContextKeySubject).(string); ok {
		return subject
	}
	if meta, ok := ctx.Value(contextKeyRequestMeta).(*requestMeta); ok {
		return meta.subject
	}
	return ""
}
