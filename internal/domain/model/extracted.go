// extracted.go — структурированный документ, извлечённый AI из исходника.
// Все поля опциональны: документ может не содержать части данных, а модель
// извлечения возвращает null для отсутствующих. Валидация формы выполняется
// один раз на границе извлечения, дальше тип используется как есть.
package model

import (
	"sort"
	"strconv"
	"strings"
)

// ExtractedDocument — типизированный результат извлечения.
type ExtractedDocument struct {
	// DocumentType — категория, определённая моделью; nil = не распознана
	DocumentType *DocumentCategory `json:"document_type"`

	// PatientName — имя пациента
	PatientName *string `json:"patient_name"`

	// Date — дата документа в текстовом виде, как в исходнике
	Date *string `json:"date"`

	// Provider — медицинское учреждение и врач
	Provider *Provider `json:"provider"`

	// Diagnosis — список диагнозов
	Diagnosis []string `json:"diagnosis"`

	// Medications — назначенные препараты
	Medications []Medication `json:"medications"`

	// Tests — результаты лабораторных исследований
	Tests []LabTest `json:"tests"`

	// VitalSigns — показатели жизнедеятельности
	VitalSigns *VitalSigns `json:"vital_signs"`

	// Notes — свободные примечания
	Notes *string `json:"notes"`

	// FollowUp — рекомендации по дальнейшему наблюдению
	FollowUp *string `json:"follow_up"`
}

// Provider — источник документа.
type Provider struct {
	Name     *string `json:"name"`
	Facility *string `json:"facility"`
}

// Medication — назначенный препарат.
type Medication struct {
	Name      string  `json:"name"`
	Dosage    *string `json:"dosage"`
	Frequency *string `json:"frequency"`
	Duration  *string `json:"duration"`
}

// LabTest — результат лабораторного исследования.
type LabTest struct {
	Name           string  `json:"name"`
	Result         *string `json:"result"`
	Unit           *string `json:"unit"`
	ReferenceRange *string `json:"reference_range"`
}

// VitalSigns — показатели жизнедеятельности.
type VitalSigns struct {
	BloodPressure *string `json:"blood_pressure"`
	HeartRate     *string `json:"heart_rate"`
	Temperature   *string `json:"temperature"`
	Weight        *string `json:"weight"`
}

// Category возвращает категорию документа или CategoryUnknown,
// если модель её не распознала.
func (d *ExtractedDocument) Category() DocumentCategory {
	if d.DocumentType == nil || !ValidCategory(*d.DocumentType) {
		return CategoryUnknown
	}
	return *d.DocumentType
}

// DeriveTags детерминированно выводит поисковые теги из документа:
// объединение {категория, имя пациента, диагнозы, названия препаратов,
// названия исследований}, приведённое к нижнему регистру, без дублей.
// Результат отсортирован для стабильности; семантика — множество.
func (d *ExtractedDocument) DeriveTags() []string {
	seen := make(map[string]bool)

	add := func(s string) {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			seen[s] = true
		}
	}

	add(string(d.Category()))
	if d.PatientName != nil {
		add(*d.PatientName)
	}
	for _, diag := range d.Diagnosis {
		add(diag)
	}
	for _, med := range d.Medications {
		add(med.Name)
	}
	for _, test := range d.Tests {
		add(test.Name)
	}

	tags := make([]string, 0, len(seen))
	for tag := range seen {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Abnormal проверяет, выходит ли результат исследования за референсный
// диапазон. Поддерживаются текстовые форматы "min-max", "<max" и ">min"
// (запятые-разделители тысяч и пробелы игнорируются). Если результат
// или диапазон не удаётся разобрать численно — аномальность определить
// нельзя, возвращается false.
func (t *LabTest) Abnormal() bool {
	if t.Result == nil || t.ReferenceRange == nil {
		return false
	}

	value, ok := parseNumeric(*t.Result)
	if !ok {
		return false
	}

	rr := strings.TrimSpace(*t.ReferenceRange)
	switch {
	case strings.Contains(rr, "<"):
		// "<5": всё, что >= порога — аномалия
		max, ok := parseNumeric(strings.Replace(rr, "<", "", 1))
		return ok && value >= max
	case strings.Contains(rr, ">"):
		// ">100": всё, что <= порога — аномалия
		min, ok := parseNumeric(strings.Replace(rr, ">", "", 1))
		return ok && value <= min
	}

	// Формат "min-max" или "min - max"
	parts := strings.SplitN(rr, "-", 2)
	if len(parts) != 2 {
		return false
	}
	min, okMin := parseNumeric(parts[0])
	max, okMax := parseNumeric(parts[1])
	if !okMin || !okMax {
		return false
	}
	return value < min || value > max
}

// parseNumeric разбирает число из текстового результата, убирая
// запятые-разделители тысяч и пробелы. Берёт ведущий числовой префикс,
// чтобы работали значения вида "11 g/dL".
func parseNumeric(s string) (float64, bool) {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", ""))
	if s == "" {
		return 0, false
	}

	end := 0
	for end < len(s) {
		c := s[end]
		if c >= '0' && c <= '9' || c == '.' || (end == 0 && (c == '-' || c == '+')) {
			end++
			continue
		}
		break
	}
	if end == 0 {
		return 0, false
	}

	v, err := strconv.ParseFloat(s[:end], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
