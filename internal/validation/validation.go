// Package validation содержит функции валидации входных данных.
package validation

import (
	"strconv"
	"unicode"
)

// MaxNaturalKeyLen задаёт максимальную длину внешнего номера (например, номера студенческого билета).
const MaxNaturalKeyLen = 64

// IsValidNaturalKey проверяет внешний номер: непустой, не длиннее MaxNaturalKeyLen,
// только буквы, цифры, дефис, точка и косая черта.
func IsValidNaturalKey(key string) bool {
	if key == "" || len(key) > MaxNaturalKeyLen {
		return false
	}

	for _, ch := range key {
		if unicode.IsLetter(ch) || unicode.IsDigit(ch) {
			continue
		}
		switch ch {
		case '-', '.', '/':
			continue
		}
		return false
	}

	return true
}

// ParseRecordID разбирает номер удостоверения. Нулевой номер некорректен.
func ParseRecordID(s string) (uint64, bool) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}
