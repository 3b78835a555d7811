package repository

import (
	"context"
	"fmt"
	"sync"

	"github.com/mmeshcher/campus-ledger/internal/model"
)

// MemoryJournal хранит журнал событий в памяти процесса.
type MemoryJournal struct {
	mu      sync.RWMutex
	events  []model.Event
	cursors map[string]uint64
}

// NewMemoryJournal создаёт пустой журнал в памяти.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{}
}

// Close ничего не делает.
func (j *MemoryJournal) Close() error {
	return nil
}

// AppendEvents сохраняет события. Номера должны продолжать уже сохранённые без пропусков.
func (j *MemoryJournal) AppendEvents(_ context.Context, events []model.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	last := uint64(len(j.events))
	for _, e := range events {
		if e.Seq <= last {
			return fmt.Errorf("%w: seq %d", ErrDuplicateEvent, e.Seq)
		}
		if e.Seq != last+1 {
			return fmt.Errorf("%w: want %d, got %d", ErrOutOfOrder, last+1, e.Seq)
		}
		last++
	}

	j.events = append(j.events, events...)
	return nil
}

// LoadEvents возвращает не более limit событий с номером больше after.
func (j *MemoryJournal) LoadEvents(_ context.Context, after uint64, limit int) ([]model.Event, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if after >= uint64(len(j.events)) {
		return nil, nil
	}
	tail := j.events[after:]
	if limit > 0 && len(tail) > limit {
		tail = tail[:limit]
	}
	return append([]model.Event(nil), tail...), nil
}

// LastSeq возвращает номер последнего сохранённого события.
func (j *MemoryJournal) LastSeq(_ context.Context) (uint64, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return uint64(len(j.events)), nil
}

// SaveCursor запоминает позицию получателя name. Позиция не уменьшается.
func (j *MemoryJournal) SaveCursor(_ context.Context, name string, seq uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.cursors == nil {
		j.cursors = make(map[string]uint64)
	}
	if seq > j.cursors[name] {
		j.cursors[name] = seq
	}
	return nil
}

// LoadCursor возвращает позицию получателя name или 0, если она не сохранялась.
func (j *MemoryJournal) LoadCursor(_ context.Context, name string) (uint64, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.cursors[name], nil
}
