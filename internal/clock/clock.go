// Package clock предоставляет источник времени для реестров.
package clock

import (
	"sync"
	"time"
)

// Day задаёт длину окна дневного лимита.
const Day = 24 * time.Hour

// Clock возвращает текущее время. Реализации обязаны быть монотонно неубывающими.
type Clock interface {
	Now() time.Time
}

// DayIndex возвращает номер суточного окна (UTC) для момента t.
func DayIndex(t time.Time) int64 {
	sec := t.Unix()
	day := int64(Day / time.Second)
	if sec < 0 && sec%day != 0 {
		return sec/day - 1
	}
	return sec / day
}

// System реализует часы на основе системного времени. Назад не ходят: при переводе
// системных часов возвращается последнее выданное значение.
type System struct {
	mu   sync.Mutex
	last time.Time
}

// NewSystem создаёт системные часы.
func NewSystem() *System {
	return &System{}
}

// Now возвращает текущее время в UTC.
func (s *System) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if now.Before(s.last) {
		return s.last
	}
	s.last = now
	return now
}

// Manual реализует управляемые часы для тестов.
type Manual struct {
	mu  sync.RWMutex
	now time.Time
}

// NewManual создаёт часы, показывающие start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

// Now возвращает текущее показание часов.
func (m *Manual) Now() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.now
}

// Advance сдвигает часы вперёд. Отрицательный сдвиг игнорируется.
func (m *Manual) Advance(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set переставляет часы на t, если t не раньше текущего показания.
func (m *Manual) Set(t time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.Before(m.now) {
		return false
	}
	m.now = t.UTC()
	return true
}
