// json.go — извлечение валидного JSON из сырого ответа модели.
// Модель просят вернуть чистый JSON, но на практике ответ бывает
// обёрнут в markdown-блоки или окружён пояснительным текстом.
package extraction

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrTruncated — ответ модели оборван (незавершённый JSON).
// Документ слишком сложный либо превышен лимит вывода.
var ErrTruncated = errors.New("ответ модели оборван")

var jsonObjectRe = regexp.MustCompile(`(?s)\{.*\}`)

// salvageJSON извлекает валидный JSON-объект из сырого текста ответа.
// Стратегии по порядку:
//  1. прямой разбор (чистый JSON)
//  2. удаление markdown-блоков ```json ... ```
//  3. срез от первой '{' до последней '}'
//  4. поиск объекта регулярным выражением
//
// Обрыв ответа (незавершённый JSON) распознаётся отдельно и возвращается
// как ErrTruncated на любой стадии.
func salvageJSON(text string) (string, error) {
	if valid, err := tryParse(text); err != nil {
		return "", err
	} else if valid {
		return text, nil
	}

	cleaned := strings.TrimSpace(
		strings.ReplaceAll(strings.ReplaceAll(text, "```json", ""), "```", ""),
	)
	if valid, err := tryParse(cleaned); err != nil {
		return "", err
	} else if valid {
		return cleaned, nil
	}

	first := strings.Index(cleaned, "{")
	last := strings.LastIndex(cleaned, "}")
	if first != -1 && last > first {
		candidate := cleaned[first : last+1]
		if valid, err := tryParse(candidate); err != nil {
			return "", err
		} else if valid {
			return candidate, nil
		}
	}

	if match := jsonObjectRe.FindString(text); match != "" {
		if valid, err := tryParse(match); err != nil {
			return "", err
		} else if valid {
			return match, nil
		}
	}

	preview := text
	if len(preview) > 200 {
		preview = preview[:200] + "..."
	}
	return "", fmt.Errorf("в ответе не найден валидный JSON: %q", preview)
}

// tryParse проверяет, что text — валидный JSON.
// Возвращает ошибку только при признаках обрыва ответа.
func tryParse(text string) (bool, error) {
	var probe json.RawMessage
	err := json.Unmarshal([]byte(text), &probe)
	if err == nil {
		return true, nil
	}
	if truncated(err) {
		return false, ErrTruncated
	}
	return false, nil
}

// truncated распознаёт ошибки разбора, характерные для оборванного JSON.
func truncated(err error) bool {
	var syntaxErr *json.SyntaxError
	if !errors.As(err, &syntaxErr) {
		return strings.Contains(err.Error(), "unexpected end of JSON input")
	}
	msg := syntaxErr.Error()
	return strings.Contains(msg, "unexpected end of JSON input") ||
		strings.Contains(msg, "unexpected EOF")
}
