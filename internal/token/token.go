// Пакет token — подписанные токены доступа к медиафайлам.
//
// Формат токена: URL-safe base64 от строки "{resource}:{expires_at}:{hex(hmac)}",
// где hmac = HMAC-SHA256(secret, "{resource}:{expires_at}").
// Токены не хранятся: проверка выполняется пересчётом подписи.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// Codec выпускает и проверяет токены одним секретом.
// Безопасен для конкурентного использования: после создания состояние не меняется.
type Codec struct {
	secret []byte
	now    func() time.Time
}

// Option настраивает Codec.
type Option func(*Codec)

// WithClock подменяет источник текущего времени (для тестов).
func WithClock(now func() time.Time) Option {
	return func(c *Codec) {
		c.now = now
	}
}

// New создаёт Codec с указанным секретом.
func New(secret string, opts ...Option) *Codec {
	c := &Codec{
		secret: []byte(secret),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Issue выпускает токен на ресурс resourceName, действующий ttl.
func (c *Codec) Issue(resourceName string, ttl time.Duration) string {
	tok, _ := c.IssueAt(resourceName, ttl)
	return tok
}

// IssueAt выпускает токен и возвращает момент его истечения.
func (c *Codec) IssueAt(resourceName string, ttl time.Duration) (string, time.Time) {
	expiresAt := c.now().Add(ttl).Unix()
	payload := resourceName + ":" + strconv.FormatInt(expiresAt, 10)
	raw := payload + ":" + hex.EncodeToString(c.sign(payload))
	return base64.URLEncoding.EncodeToString([]byte(raw)), time.Unix(expiresAt, 0).UTC()
}

// Verify проверяет токен. Возвращает имя ресурса и признак валидности.
// Любая ошибка разбора означает невалидный токен; ошибки наружу не выходят.
func (c *Codec) Verify(tok string) (string, bool) {
	decoded, ok := decode(tok)
	if !ok {
		return "", false
	}

	// Подпись — после последнего ":", expires_at — перед ним
	sepSig := strings.LastIndexByte(decoded, ':')
	if sepSig < 0 {
		return "", false
	}
	payload, signature := decoded[:sepSig], decoded[sepSig+1:]

	sepExp := strings.LastIndexByte(payload, ':')
	if sepExp < 0 {
		return "", false
	}
	resourceName, expRaw := payload[:sepExp], payload[sepExp+1:]

	expiresAt, err := strconv.ParseInt(expRaw, 10, 64)
	if err != nil {
		return "", false
	}
	if c.now().Unix() >= expiresAt {
		return "", false
	}

	expected := hex.EncodeToString(c.sign(payload))
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return "", false
	}

	return resourceName, true
}

func (c *Codec) sign(payload string) []byte {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}

// decode принимает только канонический дополненный base64url.
func decode(tok string) (string, bool) {
	if tok == "" {
		return "", false
	}
	b, err := base64.URLEncoding.Strict().DecodeString(tok)
	if err != nil {
		return "", false
	}
	return string(b), true
}
