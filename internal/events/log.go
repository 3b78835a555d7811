// Package events содержит упорядоченный журнал доменных событий кредитного реестра и реестра удостоверений.
package events

import (
	"errors"
	"fmt"
	"sync"

	"github.com/mmeshcher/campus-ledger/internal/model"
)

// ErrSequenceGap возвращается при восстановлении журнала с разрывом в нумерации.
var ErrSequenceGap = errors.New("event sequence gap")

// Log хранит журнал событий только для добавления. Номера событий идут подряд с единицы.
type Log struct {
	mu     sync.RWMutex
	events []model.Event
}

// NewLog создаёт пустой журнал.
func NewLog() *Log {
	return &Log{}
}

// Append присваивает событию следующий номер и добавляет его в журнал.
func (l *Log) Append(e model.Event) model.Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.Seq = uint64(len(l.events)) + 1
	l.events = append(l.events, e)
	return e
}

// Restore добавляет ранее сохранённые события, сохраняя их номера.
func (l *Log) Restore(events []model.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	next := uint64(len(l.events)) + 1
	for _, e := range events {
		if e.Seq != next {
			return fmt.Errorf("%w: want %d, got %d", ErrSequenceGap, next, e.Seq)
		}
		l.events = append(l.events, e)
		next++
	}
	return nil
}

// LastSeq возвращает номер последнего события или 0 для пустого журнала.
func (l *Log) LastSeq() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.events))
}

// Since возвращает не более limit событий с номером больше seq. limit <= 0 снимает ограничение.
func (l *Log) Since(seq uint64, limit int) []model.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if seq >= uint64(len(l.events)) {
		return nil
	}

	tail := l.events[seq:]
	if limit > 0 && len(tail) > limit {
		tail = tail[:limit]
	}
	return append([]model.Event(nil), tail...)
}

// Query возвращает события после seq, подходящие под фильтр, в порядке добавления.
func (l *Log) Query(f model.EventFilter, since uint64, limit int) []model.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var res []model.Event
	if since >= uint64(len(l.events)) {
		return res
	}

	for _, e := range l.events[since:] {
		if !f.Match(e) {
			continue
		}
		res = append(res, e)
		if limit > 0 && len(res) == limit {
			break
		}
	}
	return res
}
