// Пакет access — построение предикатов доступа для сети порогового
// шифрования. Предикат описывает, кто может получить capability на
// расшифровку; хранится открыто и сам по себе доступа не даёт.
package access

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Ошибки построения предикатов.
var (
	// ErrInvalidCredential — некорректный адрес кошелька.
	ErrInvalidCredential = errors.New("некорректный адрес кошелька")
	// ErrEmptyPredicate — предикат без условий недопустим.
	ErrEmptyPredicate = errors.New("предикат доступа не содержит условий")
)

// Operator — оператор сочетания соседних условий предиката.
type Operator string

const (
	OperatorAnd Operator = "and"
	OperatorOr  Operator = "or"
)

// Condition — одно условие доступа: аутентифицированный адрес вызывающего
// равен заданному. Формат совместим с unified access control conditions
// сети шифрования (evmBasic, параметр :userAddress).
type Condition struct {
	ConditionType    string          `json:"conditionType"`
	ContractAddress  string          `json:"contractAddress"`
	StandardContract string          `json:"standardContractType"`
	Chain            string          `json:"chain"`
	Method           string          `json:"method"`
	Parameters       []string        `json:"parameters"`
	ReturnValueTest  ReturnValueTest `json:"returnValueTest"`
}

// ReturnValueTest — сравнение результата условия с эталоном.
type ReturnValueTest struct {
	Comparator string `json:"comparator"`
	Value      string `json:"value"`
}

// Predicate — непустая упорядоченная последовательность условий
// с явными операторами между соседними элементами. v1 всегда содержит
// ровно одно условие; представление расширяемо для совместного доступа
// (OR-комбинации через Extend).
type Predicate struct {
	// Conditions — условия доступа, минимум одно
	Conditions []Condition `json:"conditions"`
	// Operators — операторы между соседними условиями;
	// len(Operators) == len(Conditions) - 1
	Operators []Operator `json:"operators"`
}

// walletCondition строит условие "адрес вызывающего равен address".
// Адрес приводится к нижнему регистру: сравнение при расшифровке
// получается регистронезависимым по построению, нормализация на этапе
// шифрования исключает ложные отказы.
func walletCondition(address string) Condition {
	return Condition{
		ConditionType:    "evmBasic",
		ContractAddress:  "",
		StandardContract: "",
		Chain:            "ethereum",
		Method:           "",
		Parameters:       []string{":userAddress"},
		ReturnValueTest: ReturnValueTest{
			Comparator: "=",
			Value:      strings.ToLower(address),
		},
	}
}

// BuildOwner строит предикат "расшифровать может только владелец":
// единственное условие равенства адреса. Чистая функция, без side effects
// и сетевых вызовов; ошибается только на синтаксически некорректном адресе.
func BuildOwner(ownerWallet string) (*Predicate, error) {
	if err := ValidateWallet(ownerWallet); err != nil {
		return nil, err
	}
	return &Predicate{
		Conditions: []Condition{walletCondition(ownerWallet)},
		Operators:  nil,
	}, nil
}

// Extend возвращает новый предикат, дополненный условием равенства
// адреса wallet через оператор OR. Исходный предикат не изменяется.
func (p *Predicate) Extend(wallet string) (*Predicate, error) {
	if err := ValidateWallet(wallet); err != nil {
		return nil, err
	}
	next := &Predicate{
		Conditions: append(append([]Condition(nil), p.Conditions...), walletCondition(wallet)),
		Operators:  append(append([]Operator(nil), p.Operators...), OperatorOr),
	}
	return next, nil
}

// Satisfies проверяет, удовлетворяет ли адрес предикату (без учёта
// криптографического доказательства — это забота сети шифрования).
// Сравнение регистронезависимое.
func (p *Predicate) Satisfies(wallet string) bool {
	wallet = strings.ToLower(wallet)
	for _, c := range p.Conditions {
		if c.ReturnValueTest.Comparator == "=" && c.ReturnValueTest.Value == wallet {
			return true
		}
	}
	return false
}

// Marshal сериализует предикат в JSON для хранения в записи.
func (p *Predicate) Marshal() (json.RawMessage, error) {
	if len(p.Conditions) == 0 {
		return nil, ErrEmptyPredicate
	}
	if len(p.Operators) != len(p.Conditions)-1 {
		return nil, fmt.Errorf("несогласованный предикат: %d условий, %d операторов",
			len(p.Conditions), len(p.Operators))
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("ошибка сериализации предиката: %w", err)
	}
	return data, nil
}

// Unmarshal восстанавливает предикат из сериализованного представления.
func Unmarshal(data json.RawMessage) (*Predicate, error) {
	var p Predicate
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("ошибка разбора предиката: %w", err)
	}
	if len(p.Conditions) == 0 {
		return nil, ErrEmptyPredicate
	}
	return &p, nil
}

// ValidateWallet проверяет синтаксис chain-адреса: 0x + 40 hex-символов.
func ValidateWallet(address string) error {
	if len(address) != 42 || !strings.HasPrefix(address, "0x") {
		return fmt.Errorf("%w: %q", ErrInvalidCredential, address)
	}
	for _, c := range address[2:] {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return fmt.Errorf("%w: %q", ErrInvalidCredential, address)
		}
	}
	return nil
}
