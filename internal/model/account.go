// Package model содержит доменные сущности кампусного реестра: счета, события, удостоверения.
package model

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// AccountSize задаёт длину идентификатора счёта в байтах.
const AccountSize = 20

// ErrInvalidAccount возвращается при разборе некорректного идентификатора счёта.
var ErrInvalidAccount = errors.New("invalid account")

// Account является непрозрачным идентификатором участника фиксированной длины и сравнивается по значению.
type Account [AccountSize]byte

// ZeroAccount обозначает пустой идентификатор, не принадлежащий ни одному участнику.
var ZeroAccount Account

// ParseAccount разбирает шестнадцатеричное представление счёта (с префиксом 0x или без него).
func ParseAccount(s string) (Account, error) {
	var a Account

	raw := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	if len(raw) != AccountSize*2 {
		return a, fmt.Errorf("%w: %q", ErrInvalidAccount, s)
	}

	if _, err := hex.Decode(a[:], []byte(raw)); err != nil {
		return a, fmt.Errorf("%w: %q", ErrInvalidAccount, s)
	}

	return a, nil
}

// MustParseAccount работает как ParseAccount, но паникует при ошибке. Используется для констант и тестов.
func MustParseAccount(s string) Account {
	a, err := ParseAccount(s)
	if err != nil {
		panic(err)
	}
	return a
}

// IsZero сообщает, что идентификатор пустой.
func (a Account) IsZero() bool {
	return a == ZeroAccount
}

func (a Account) String() string {
	return "0x" + hex.EncodeToString(a[:])
}

// MarshalText реализует encoding.TextMarshaler.
func (a Account) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText реализует encoding.TextUnmarshaler.
func (a *Account) UnmarshalText(text []byte) error {
	parsed, err := ParseAccount(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
