// Пакет ipfsclient — клиент pinning-сервиса контентно-адресуемого
// хранилища. Загруженный блоб адресуется CID (хэш содержимого) и
// закрепляется на сервисе; скачивание идёт через публичный gateway.
// Блоб хранится в зашифрованном виде, сервис видит только шифротекст.
package ipfsclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// Ошибки клиента pinning-сервиса.
var (
	// ErrBlobUnavailable — блоб не удалось получить: gateway недоступен
	// либо CID не найден. Отличается от прочих ошибок, потому что запись
	// метаданных при этом остаётся читаемой
	ErrBlobUnavailable = errors.New("блоб недоступен в хранилище")
	// ErrNetworkUnavailable — pinning-сервис недостижим либо отвечает 5xx;
	// загрузку уместно повторить
	ErrNetworkUnavailable = errors.New("pinning-сервис недоступен")
)

// maxBlobSize — предохранитель на размер скачиваемого блоба (50 МБ).
const maxBlobSize = 50 << 20

// Client — клиент pinning-сервиса (Pinata-совместимый API).
type Client struct {
	apiURL     string
	gatewayURL string
	jwt        string
	httpClient *http.Client
	logger     *slog.Logger
}

// New создаёт клиент pinning-сервиса.
// apiURL — базовый URL API (https://api.pinata.cloud),
// gatewayURL — базовый URL gateway для скачивания (https://gateway.pinata.cloud).
func New(apiURL, gatewayURL, jwt string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		apiURL:     strings.TrimRight(apiURL, "/"),
		gatewayURL: strings.TrimRight(gatewayURL, "/"),
		jwt:        jwt,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger.With(slog.String("component", "ipfs_client")),
	}
}

// Put загружает блоб на pinning-сервис и возвращает его CID.
// keyvalues — метаданные закрепления для последующего поиска
// (owner_id, record_id и т.п.); содержимого они не раскрывают.
func (c *Client) Put(ctx context.Context, data []byte, name string, keyvalues map[string]string) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return "", fmt.Errorf("формирование multipart: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("запись блоба в multipart: %w", err)
	}

	metadata, err := json.Marshal(map[string]any{
		"name":      name,
		"keyvalues": keyvalues,
	})
	if err != nil {
		return "", fmt.Errorf("сериализация метаданных: %w", err)
	}
	if err := mw.WriteField("pinataMetadata", string(metadata)); err != nil {
		return "", fmt.Errorf("запись метаданных в multipart: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("завершение multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.apiURL+"/pinning/pinFileToIPFS", &buf)
	if err != nil {
		return "", fmt.Errorf("создание запроса Put: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+c.jwt)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if resp.StatusCode >= http.StatusInternalServerError {
			return "", fmt.Errorf("%w: статус %d: %s", ErrNetworkUnavailable, resp.StatusCode, string(detail))
		}
		return "", fmt.Errorf("Put: статус %d: %s", resp.StatusCode, string(detail))
	}

	var result struct {
		IpfsHash string `json:"IpfsHash"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("разбор ответа Put: %w", err)
	}
	if result.IpfsHash == "" {
		return "", fmt.Errorf("Put: пустой CID в ответе")
	}

	c.logger.Info("Блоб закреплён",
		slog.String("cid", result.IpfsHash),
		slog.Int("size", len(data)),
	)
	return result.IpfsHash, nil
}

// Get скачивает блоб по CID через gateway.
// Любой сбой (сеть, не-200 ответ) возвращается как ErrBlobUnavailable:
// для вызывающего кода причины неразличимы, запись остаётся читаемой.
func (c *Client) Get(ctx context.Context, cid string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.gatewayURL+"/ipfs/"+cid, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("создание запроса Get: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBlobUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: статус %d", ErrBlobUnavailable, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBlobSize))
	if err != nil {
		return nil, fmt.Errorf("%w: чтение тела: %v", ErrBlobUnavailable, err)
	}
	return data, nil
}

// Unpin открепляет блоб: находит закрепление по CID и удаляет его.
// Best-effort: все ошибки логируются и НЕ возвращаются — открепление
// не должно блокировать удаление записи.
func (c *Client) Unpin(ctx context.Context, cid string) {
	found, err := c.findPin(ctx, cid)
	if err != nil {
		c.logger.Warn("Поиск закрепления не удался",
			slog.String("cid", cid),
			slog.String("error", err.Error()),
		)
		return
	}
	if !found {
		c.logger.Debug("Закрепление не найдено, открепление пропущено",
			slog.String("cid", cid),
		)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		c.apiURL+"/pinning/unpin/"+cid, http.NoBody)
	if err != nil {
		c.logger.Warn("Создание запроса Unpin не удалось", slog.String("error", err.Error()))
		return
	}
	req.Header.Set("Authorization", "Bearer "+c.jwt)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("Открепление не удалось",
			slog.String("cid", cid),
			slog.String("error", err.Error()),
		)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("Открепление отклонено сервисом",
			slog.String("cid", cid),
			slog.Int("status", resp.StatusCode),
		)
		return
	}

	c.logger.Info("Блоб откреплён", slog.String("cid", cid))
}

// findPin проверяет наличие закрепления с данным CID.
func (c *Client) findPin(ctx context.Context, cid string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.apiURL+"/data/pinList?hashContains="+cid+"&status=pinned", http.NoBody)
	if err != nil {
		return false, fmt.Errorf("создание запроса pinList: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.jwt)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("запрос pinList: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("pinList: статус %d", resp.StatusCode)
	}

	var result struct {
		Rows []struct {
			IpfsPinHash string `json:"ipfs_pin_hash"`
		} `json:"rows"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return false, fmt.Errorf("разбор ответа pinList: %w", err)
	}

	for _, row := range result.Rows {
		if row.IpfsPinHash == cid {
			return true, nil
		}
	}
	return false, nil
}
