// gemini.go — клиент Gemini для извлечения структурированных данных.
// Модель вызывается с response schema и принудительным JSON-выводом;
// низкая температура ради точности извлечения.
package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"

	"github.com/vitavault/vitavault/internal/domain/model"
)

// prompt — инструкция модели. Просим чистый JSON без markdown
// и пояснений; схема ответа задаётся отдельно через ResponseSchema.
const prompt = `Extract medical information from this document and return ONLY a valid JSON object. Do not include any explanatory text, markdown formatting, or code blocks - just the raw JSON object.`

// supportedMimeTypes — типы документов, которые модель умеет разбирать.
var supportedMimeTypes = map[string]bool{
	"image/jpeg":      true,
	"image/png":       true,
	"image/webp":      true,
	"application/pdf": true,
}

// Extractor — коллаборатор извлечения структурированных данных.
// Реализации возвращают типизированный документ либо *Error с категорией.
type Extractor interface {
	Extract(ctx context.Context, document []byte, mimeType string) (*model.ExtractedDocument, error)
}

// GeminiExtractor — Extractor поверх Gemini API.
type GeminiExtractor struct {
	client *genai.Client
	model  string
	logger *slog.Logger
}

// NewGeminiExtractor создаёт извлекатель с указанной моделью.
func NewGeminiExtractor(ctx context.Context, apiKey, modelName string, logger *slog.Logger) (*GeminiExtractor, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("создание клиента Gemini: %w", err)
	}

	return &GeminiExtractor{
		client: client,
		model:  modelName,
		logger: logger.With(slog.String("component", "gemini_extractor")),
	}, nil
}

// Extract отправляет документ модели и разбирает структурированный ответ.
// Ошибки категоризируются: rate limit и квота — retryable,
// неразборчивый ответ — retryable, нераспознанный документ — нет.
func (g *GeminiExtractor) Extract(ctx context.Context, document []byte, mimeType string) (*model.ExtractedDocument, error) {
	if !supportedMimeTypes[normalizeMime(mimeType)] {
		return nil, newError(KindUnrecognizedInput,
			fmt.Sprintf("неподдерживаемый тип документа %q", mimeType), nil)
	}

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromText(prompt),
			{InlineData: &genai.Blob{MIMEType: normalizeMime(mimeType), Data: document}},
		}, genai.RoleUser),
	}

	cfg := &genai.GenerateContentConfig{
		Temperature:      genai.Ptr[float32](0.1),
		ResponseMIMEType: "application/json",
		ResponseSchema:   documentSchema(),
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		return nil, g.classifyAPIError(err)
	}

	raw := resp.Text()
	g.logger.Debug("Ответ модели получен", slog.Int("length", len(raw)))

	cleaned, err := salvageJSON(raw)
	if err != nil {
		if errors.Is(err, ErrTruncated) {
			return nil, newError(KindMalformedResponse,
				"ответ модели оборван — документ может быть слишком сложным", err)
		}
		return nil, newError(KindMalformedResponse, "ответ модели не разобран", err)
	}

	var doc model.ExtractedDocument
	if err := json.Unmarshal([]byte(cleaned), &doc); err != nil {
		return nil, newError(KindMalformedResponse, "ответ модели не соответствует схеме", err)
	}

	// Модель вернула валидный JSON, но не извлекла ничего — документ
	// не похож на медицинский, повтор с тем же файлом бесполезен.
	if empty(&doc) {
		return nil, newError(KindUnrecognizedInput,
			"в документе не найдены медицинские данные — попробуйте другой файл", nil)
	}

	return &doc, nil
}

// classifyAPIError сопоставляет ошибку Gemini API с категорией таксономии.
func (g *GeminiExtractor) classifyAPIError(err error) *Error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 429:
			return newError(KindRateLimited, "превышена частота запросов — подождите немного", err)
		case apiErr.Status == "RESOURCE_EXHAUSTED" || strings.Contains(strings.ToLower(apiErr.Message), "quota"):
			return newError(KindQuotaExhausted, "исчерпана квота API — повторите позже", err)
		}
	}
	return newError(KindMalformedResponse, "ошибка запроса к модели", err)
}

// empty проверяет, что извлечение не дало ни одного содержательного поля.
func empty(d *model.ExtractedDocument) bool {
	return d.DocumentType == nil &&
		d.PatientName == nil &&
		d.Date == nil &&
		d.Provider == nil &&
		len(d.Diagnosis) == 0 &&
		len(d.Medications) == 0 &&
		len(d.Tests) == 0 &&
		d.VitalSigns == nil &&
		d.Notes == nil &&
		d.FollowUp == nil
}

// normalizeMime убирает параметры MIME-типа (charset и т.п.).
func normalizeMime(mimeType string) string {
	if idx := strings.Index(mimeType, ";"); idx != -1 {
		mimeType = mimeType[:idx]
	}
	return strings.TrimSpace(strings.ToLower(mimeType))
}

// documentSchema — схема структурированного ответа модели.
// Повторяет форму model.ExtractedDocument; все поля nullable.
func documentSchema() *genai.Schema {
	nullableString := func() *genai.Schema {
		return &genai.Schema{Type: genai.TypeString, Nullable: genai.Ptr(true)}
	}

	return &genai.Schema{
		Type:        genai.TypeObject,
		Description: "Extracted medical data from document",
		Properties: map[string]*genai.Schema{
			"document_type": {
				Type:     genai.TypeString,
				Enum:     []string{"lab_report", "prescription", "diagnosis", "imaging", "other"},
				Nullable: genai.Ptr(true),
			},
			"patient_name": nullableString(),
			"date":         nullableString(),
			"provider": {
				Type:     genai.TypeObject,
				Nullable: genai.Ptr(true),
				Properties: map[string]*genai.Schema{
					"name":     nullableString(),
					"facility": nullableString(),
				},
			},
			"diagnosis": {
				Type:     genai.TypeArray,
				Nullable: genai.Ptr(true),
				Items:    &genai.Schema{Type: genai.TypeString},
			},
			"medications": {
				Type:     genai.TypeArray,
				Nullable: genai.Ptr(true),
				Items: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"name":      {Type: genai.TypeString},
						"dosage":    nullableString(),
						"frequency": nullableString(),
						"duration":  nullableString(),
					},
					Required: []string{"name"},
				},
			},
			"tests": {
				Type:     genai.TypeArray,
				Nullable: genai.Ptr(true),
				Items: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"name":            {Type: genai.TypeString},
						"result":          nullableString(),
						"unit":            nullableString(),
						"reference_range": nullableString(),
					},
					Required: []string{"name"},
				},
			},
			"vital_signs": {
				Type:     genai.TypeObject,
				Nullable: genai.Ptr(true),
				Properties: map[string]*genai.Schema{
					"blood_pressure": nullableString(),
					"heart_rate":     nullableString(),
					"temperature":    nullableString(),
					"weight":         nullableString(),
				},
			},
			"notes":     nullableString(),
			"follow_up": nullableString(),
		},
		Required: []string{
			"document_type", "patient_name", "date", "provider", "diagnosis",
			"medications", "tests", "vital_signs", "notes", "follow_up",
		},
	}
}
