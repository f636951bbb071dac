// Пакет litclient — HTTP-клиент пороговой сети шифрования (Lit-совместимый
// шлюз). Шифрование связывает ciphertext с предикатом доступа; расшифровать
// его можно только предъявив криптографическое подтверждение владения
// кошельком, удовлетворяющим предикат.
package litclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/vitavault/vitavault/internal/domain/access"
)

// Ошибки расшифровки. Вызывающий код различает их через errors.Is.
var (
	// ErrAccessDenied — подтверждение не удовлетворяет предикату доступа
	ErrAccessDenied = errors.New("доступ запрещён предикатом")
	// ErrIntegrityFailure — ciphertext или digest повреждены
	ErrIntegrityFailure = errors.New("нарушена целостность шифротекста")
	// ErrNetworkUnavailable — сеть шифрования недоступна
	ErrNetworkUnavailable = errors.New("сеть шифрования недоступна")
)

// Proof — криптографическое подтверждение владения кошельком
// (подписанные session-данные). Для шифрования не требуется.
type Proof struct {
	// Wallet — адрес кошелька, за который предъявлено подтверждение
	Wallet string `json:"wallet"`
	// Signature — подпись session-вызова
	Signature string `json:"signature"`
	// SignedMessage — подписанное сообщение
	SignedMessage string `json:"signed_message"`
}

// Encrypted — результат шифрования: непрозрачный шифротекст и дайджест,
// привязывающий его к предикату. Оба нужны для последующей расшифровки.
type Encrypted struct {
	Ciphertext []byte
	Digest     string
}

// Client — клиент шлюза пороговой сети. Сессия устанавливается лениво
// при первой операции и переиспользуется; Connect идемпотентен.
type Client struct {
	baseURL    string
	network    string
	httpClient *http.Client
	logger     *slog.Logger

	mu        sync.Mutex
	sessionID string
}

// New создаёт клиент шлюза. Сессия НЕ устанавливается — это произойдёт
// лениво при первом Encrypt/Decrypt либо явным вызовом Connect.
func New(baseURL, network string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		network: network,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger.With(slog.String("component", "lit_client")),
	}
}

// Connect устанавливает сессию со шлюзом. Повторный вызов при живой
// сессии — no-op. Безопасен для конкурентного вызова.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

// connectLocked — тело Connect; вызывается под c.mu.
func (c *Client) connectLocked(ctx context.Context) error {
	if c.sessionID != "" {
		return nil
	}

	body, err := json.Marshal(map[string]string{"network": c.network})
	if err != nil {
		return fmt.Errorf("сериализация запроса сессии: %w", err)
	}

	resp, err := c.post(ctx, "/v1/sessions", body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("%w: статус сессии %d", ErrNetworkUnavailable, resp.StatusCode)
	}

	var session struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return fmt.Errorf("разбор ответа сессии: %w", err)
	}
	if session.SessionID == "" {
		return fmt.Errorf("%w: пустой идентификатор сессии", ErrNetworkUnavailable)
	}

	c.sessionID = session.SessionID
	c.logger.Info("Сессия с сетью шифрования установлена",
		slog.String("network", c.network),
	)
	return nil
}

// Disconnect завершает сессию. Идемпотентен: вызов без сессии — no-op.
// Ошибки шлюза при завершении логируются, но не возвращаются — локальное
// состояние сбрасывается в любом случае.
func (c *Client) Disconnect(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sessionID == "" {
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		c.baseURL+"/v1/sessions/"+c.sessionID, http.NoBody)
	if err == nil {
		resp, doErr := c.httpClient.Do(req)
		if doErr != nil {
			c.logger.Warn("Завершение сессии не удалось", slog.String("error", doErr.Error()))
		} else {
			resp.Body.Close()
		}
	}

	c.sessionID = ""
	c.logger.Info("Сессия с сетью шифрования завершена")
}

// Encrypt шифрует plaintext, связывая результат с предикатом доступа.
// Подтверждение кошелька НЕ требуется: шифровать может кто угодно,
// предикат ограничивает только расшифровку. Сессия устанавливается
// лениво при необходимости.
func (c *Client) Encrypt(ctx context.Context, plaintext []byte, predicate *access.Predicate) (*Encrypted, error) {
	session, err := c.ensureSession(ctx)
	if err != nil {
		return nil, err
	}

	predicateJSON, err := predicate.Marshal()
	if err != nil {
		return nil, fmt.Errorf("сериализация предиката: %w", err)
	}

	body, err := json.Marshal(map[string]any{
		"session_id":        session,
		"plaintext":         base64.StdEncoding.EncodeToString(plaintext),
		"access_conditions": json.RawMessage(predicateJSON),
	})
	if err != nil {
		return nil, fmt.Errorf("сериализация запроса Encrypt: %w", err)
	}

	resp, err := c.post(ctx, "/v1/encrypt", body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError("Encrypt", resp)
	}

	var result struct {
		Ciphertext string `json:"ciphertext"`
		Digest     string `json:"data_to_encrypt_hash"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("разбор ответа Encrypt: %w", err)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(result.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("декодирование шифротекста: %w", err)
	}
	if result.Digest == "" {
		return nil, fmt.Errorf("пустой дайджест в ответе Encrypt")
	}

	return &Encrypted{Ciphertext: ciphertext, Digest: result.Digest}, nil
}

// Decrypt расшифровывает ciphertext. Требует подтверждение кошелька,
// удовлетворяющего предикат; digest сверяется сетью с тем, что был
// зафиксирован при шифровании.
func (c *Client) Decrypt(ctx context.Context, enc *Encrypted, predicate *access.Predicate, proof *Proof) ([]byte, error) {
	if proof == nil {
		return nil, fmt.Errorf("%w: отсутствует подтверждение кошелька", ErrAccessDenied)
	}

	session, err := c.ensureSession(ctx)
	if err != nil {
		return nil, err
	}

	predicateJSON, err := predicate.Marshal()
	if err != nil {
		return nil, fmt.Errorf("сериализация предиката: %w", err)
	}

	body, err := json.Marshal(map[string]any{
		"session_id":           session,
		"ciphertext":           base64.StdEncoding.EncodeToString(enc.Ciphertext),
		"data_to_encrypt_hash": enc.Digest,
		"access_conditions":    json.RawMessage(predicateJSON),
		"proof":                proof,
	})
	if err != nil {
		return nil, fmt.Errorf("сериализация запроса Decrypt: %w", err)
	}

	resp, err := c.post(ctx, "/v1/decrypt", body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError("Decrypt", resp)
	}

	var result struct {
		Plaintext string `json:"plaintext"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("разбор ответа Decrypt: %w", err)
	}

	plaintext, err := base64.StdEncoding.DecodeString(result.Plaintext)
	if err != nil {
		return nil, fmt.Errorf("декодирование открытого текста: %w", err)
	}
	return plaintext, nil
}

// ensureSession возвращает идентификатор живой сессии, устанавливая её
// при необходимости.
func (c *Client) ensureSession(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connectLocked(ctx); err != nil {
		return "", err
	}
	return c.sessionID, nil
}

// statusError сопоставляет HTTP-статус шлюза с доменной ошибкой.
func (c *Client) statusError(op string, resp *http.Response) error {
	// Тело читаем ради сообщения, но решаем по статусу
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	c.logger.Warn("Отказ шлюза шифрования",
		slog.String("operation", op),
		slog.Int("status", resp.StatusCode),
		slog.String("detail", string(detail)),
	)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%s: %w", op, ErrAccessDenied)
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return fmt.Errorf("%s: %w", op, ErrIntegrityFailure)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%s: %w: статус %d", op, ErrNetworkUnavailable, resp.StatusCode)
	default:
		return fmt.Errorf("%s: неожиданный статус %d: %s", op, resp.StatusCode, string(detail))
	}
}

// post выполняет POST с JSON-телом.
func (c *Client) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("создание запроса %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.httpClient.Do(req)
}
