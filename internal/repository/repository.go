// Package repository содержит хранилища журнала доменных событий.
package repository

import (
	"errors"
)

var (
	// ErrDuplicateEvent возвращается при повторной записи события с уже сохранённым номером.
	ErrDuplicateEvent = errors.New("event already journaled")
	// ErrOutOfOrder возвращается, если номер события не следует за последним сохранённым.
	ErrOutOfOrder = errors.New("event out of order")
)
