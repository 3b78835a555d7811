// Package registry реализует реестр студенческих удостоверений: выпуск записи
// с ограниченным сроком действия, продление и погашение просроченных записей.
//
// Жизненный цикл записи: Active --Renew--> Active, Active --BurnExpired--> Retired.
// Состояние Retired конечное: погашенная запись доступна только для чтения.
package registry

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mmeshcher/campus-ledger/internal/clock"
	"github.com/mmeshcher/campus-ledger/internal/model"
)

// DefaultValidity задаёт срок действия удостоверения по умолчанию.
const DefaultValidity = 4 * 365 * 24 * time.Hour

var (
	// ErrUnauthorized возвращается, если операцию вызывает не администратор.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidAccount возвращается при выпуске удостоверения на пустой счёт.
	ErrInvalidAccount = errors.New("invalid account")
	// ErrInvalidNaturalKey возвращается для пустого внешнего номера.
	ErrInvalidNaturalKey = errors.New("invalid natural key")
	// ErrDuplicateKey возвращается, если внешний номер уже занят активной записью.
	ErrDuplicateKey = errors.New("duplicate natural key")
	// ErrNotFound возвращается, если активная запись не найдена.
	ErrNotFound = errors.New("credential not found")
	// ErrNotYetExpired возвращается при попытке погасить действующую запись.
	ErrNotYetExpired = errors.New("credential not yet expired")
	// ErrUnsupportedEvent возвращается при воспроизведении события чужого типа.
	ErrUnsupportedEvent = errors.New("unsupported event")
)

// Emitter принимает доменные события реестра.
type Emitter interface {
	Append(e model.Event) model.Event
}

type discard struct{}

func (discard) Append(e model.Event) model.Event { return e }

// Registry хранит записи удостоверений и индекс внешних номеров.
type Registry struct {
	admin    model.Account
	clock    clock.Clock
	events   Emitter
	validity time.Duration

	mu      sync.RWMutex
	records map[uint64]*model.Credential
	byKey   map[string]uint64
	byOwner map[model.Account][]uint64
	lastID  uint64
}

// New создаёт реестр. Неположительный validity заменяется на DefaultValidity.
func New(admin model.Account, clk clock.Clock, events Emitter, validity time.Duration) *Registry {
	if events == nil {
		events = discard{}
	}
	if validity <= 0 {
		validity = DefaultValidity
	}
	return &Registry{
		admin:    admin,
		clock:    clk,
		events:   events,
		validity: validity,
		records:  make(map[uint64]*model.Credential),
		byKey:    make(map[string]uint64),
		byOwner:  make(map[model.Account][]uint64),
	}
}

// Validity возвращает срок действия, добавляемый при выпуске и продлении.
func (r *Registry) Validity() time.Duration {
	return r.validity
}

// IssueRequest содержит данные нового удостоверения.
type IssueRequest struct {
	Owner       model.Account
	NaturalKey  string
	DisplayName string
	ProgramName string
	MetadataURI string
}

// Issue выпускает удостоверение и возвращает его номер. Доступно только администратору.
func (r *Registry) Issue(caller model.Account, req IssueRequest) (uint64, error) {
	if caller != r.admin {
		return 0, fmt.Errorf("%w: %s is not the administrator", ErrUnauthorized, caller)
	}
	if req.Owner.IsZero() {
		return 0, fmt.Errorf("%w: owner is zero account", ErrInvalidAccount)
	}
	if strings.TrimSpace(req.NaturalKey) == "" {
		return 0, ErrInvalidNaturalKey
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byKey[req.NaturalKey]; ok {
		return 0, fmt.Errorf("%w: %q held by #%d", ErrDuplicateKey, req.NaturalKey, id)
	}

	now := r.clock.Now()
	c := &model.Credential{
		ID:          r.lastID + 1,
		Owner:       req.Owner,
		NaturalKey:  req.NaturalKey,
		DisplayName: req.DisplayName,
		ProgramName: req.ProgramName,
		MetadataURI: req.MetadataURI,
		IssuedAt:    now,
		Expiry:      now.Add(r.validity),
		Active:      true,
	}
	r.insert(c)

	r.events.Append(model.Event{
		At:         now,
		Kind:       model.EventIssued,
		Actor:      caller,
		Subject:    c.Owner,
		RecordID:   c.ID,
		NaturalKey: c.NaturalKey,
		Name:       c.DisplayName,
		Program:    c.ProgramName,
		URI:        c.MetadataURI,
		Expiry:     c.Expiry,
	})
	return c.ID, nil
}

func (r *Registry) insert(c *model.Credential) {
	r.records[c.ID] = c
	r.byKey[c.NaturalKey] = c.ID
	r.byOwner[c.Owner] = append(r.byOwner[c.Owner], c.ID)
	if c.ID > r.lastID {
		r.lastID = c.ID
	}
}

// active возвращает активную запись. Вызывается под блокировкой.
func (r *Registry) active(id uint64) (*model.Credential, error) {
	c, ok := r.records[id]
	if !ok || !c.Active {
		return nil, fmt.Errorf("%w: #%d", ErrNotFound, id)
	}
	return c, nil
}

// Renew продлевает активную запись до max(expiry, now) + validity и возвращает новый срок.
func (r *Registry) Renew(caller model.Account, id uint64) (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, err := r.active(id)
	if err != nil {
		return time.Time{}, err
	}

	now := r.clock.Now()
	base := c.Expiry
	if now.After(base) {
		base = now
	}
	c.Expiry = base.Add(r.validity)

	r.events.Append(model.Event{
		At:         now,
		Kind:       model.EventRenewed,
		Actor:      caller,
		Subject:    c.Owner,
		RecordID:   c.ID,
		NaturalKey: c.NaturalKey,
		Expiry:     c.Expiry,
	})
	return c.Expiry, nil
}

// BurnExpired погашает просроченную запись и освобождает её внешний номер.
// Запись остаётся доступной для чтения по номеру.
func (r *Registry) BurnExpired(caller model.Account, id uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, err := r.active(id)
	if err != nil {
		return err
	}

	now := r.clock.Now()
	if !now.After(c.Expiry) {
		return fmt.Errorf("%w: #%d valid until %s", ErrNotYetExpired, id, c.Expiry.Format(time.RFC3339))
	}
	r.retire(c)

	r.events.Append(model.Event{
		At:         now,
		Kind:       model.EventRetired,
		Actor:      caller,
		Subject:    c.Owner,
		RecordID:   c.ID,
		NaturalKey: c.NaturalKey,
	})
	return nil
}

func (r *Registry) retire(c *model.Credential) {
	c.Active = false
	if r.byKey[c.NaturalKey] == c.ID {
		delete(r.byKey, c.NaturalKey)
	}
}

// SetMetadataURI заменяет адрес метаданных активной записи. Доступно только администратору.
func (r *Registry) SetMetadataURI(caller model.Account, id uint64, uri string) error {
	if caller != r.admin {
		return fmt.Errorf("%w: %s is not the administrator", ErrUnauthorized, caller)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c, err := r.active(id)
	if err != nil {
		return err
	}
	c.MetadataURI = uri

	r.events.Append(model.Event{
		At:         r.clock.Now(),
		Kind:       model.EventMetadataUpdated,
		Actor:      caller,
		Subject:    c.Owner,
		RecordID:   c.ID,
		NaturalKey: c.NaturalKey,
		URI:        uri,
	})
	return nil
}

// LookupByNaturalKey возвращает владельца и номер активной записи по внешнему номеру.
func (r *Registry) LookupByNaturalKey(key string) (model.Account, uint64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byKey[key]
	if !ok {
		return model.ZeroAccount, 0, fmt.Errorf("%w: natural key %q", ErrNotFound, key)
	}
	return r.records[id].Owner, id, nil
}

// ReadMetadata возвращает адрес метаданных записи, в том числе погашенной.
func (r *Registry) ReadMetadata(id uint64) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.records[id]
	if !ok {
		return "", fmt.Errorf("%w: #%d", ErrNotFound, id)
	}
	return c.MetadataURI, nil
}

// Record возвращает копию записи, в том числе погашенной.
func (r *Registry) Record(id uint64) (model.Credential, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.records[id]
	if !ok {
		return model.Credential{}, fmt.Errorf("%w: #%d", ErrNotFound, id)
	}
	return *c, nil
}

// RecordsOf возвращает номера всех записей владельца в порядке выпуска.
func (r *Registry) RecordsOf(owner model.Account) []uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]uint64(nil), r.byOwner[owner]...)
}

// ActiveCount возвращает число активных записей.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byKey)
}

// Apply воспроизводит ранее зафиксированное событие без повторной публикации.
func (r *Registry) Apply(e model.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch e.Kind {
	case model.EventIssued:
		if _, ok := r.records[e.RecordID]; ok || e.RecordID == 0 {
			return fmt.Errorf("%w: #%d", ErrDuplicateKey, e.RecordID)
		}
		if _, ok := r.byKey[e.NaturalKey]; ok {
			return fmt.Errorf("%w: %q", ErrDuplicateKey, e.NaturalKey)
		}
		r.insert(&model.Credential{
			ID:          e.RecordID,
			Owner:       e.Subject,
			NaturalKey:  e.NaturalKey,
			DisplayName: e.Name,
			ProgramName: e.Program,
			MetadataURI: e.URI,
			IssuedAt:    e.At,
			Expiry:      e.Expiry,
			Active:      true,
		})
	case model.EventRenewed:
		c, err := r.active(e.RecordID)
		if err != nil {
			return err
		}
		c.Expiry = e.Expiry
	case model.EventRetired:
		c, err := r.active(e.RecordID)
		if err != nil {
			return err
		}
		r.retire(c)
	case model.EventMetadataUpdated:
		c, err := r.active(e.RecordID)
		if err != nil {
			return err
		}
		c.MetadataURI = e.URI
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedEvent, e.Kind)
	}
	return nil
}
