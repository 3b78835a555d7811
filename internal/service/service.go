// Package service связывает кредитный реестр, реестр удостоверений, журнал событий
// и внешние приёмники событий.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/campus-ledger/internal/clock"
	"github.com/mmeshcher/campus-ledger/internal/events"
	"github.com/mmeshcher/campus-ledger/internal/ledger"
	"github.com/mmeshcher/campus-ledger/internal/metrics"
	"github.com/mmeshcher/campus-ledger/internal/model"
	"github.com/mmeshcher/campus-ledger/internal/registry"
	"github.com/mmeshcher/campus-ledger/internal/repository"
)

const (
	relayBatchSize   = 100
	restoreBatchSize = 500

	observerCursor = "observer"

	subsystemLedger   = "ledger"
	subsystemRegistry = "registry"
)

// Journal описывает контракт долговременного хранилища событий.
type Journal interface {
	Close() error
	AppendEvents(ctx context.Context, events []model.Event) error
	LoadEvents(ctx context.Context, after uint64, limit int) ([]model.Event, error)
	LastSeq(ctx context.Context) (uint64, error)
	SaveCursor(ctx context.Context, name string, seq uint64) error
	LoadCursor(ctx context.Context, name string) (uint64, error)
}

// Notifier доставляет события внешнему наблюдателю.
type Notifier interface {
	Deliver(ctx context.Context, events []model.Event) (int, time.Duration, error)
}

// Options содержит зависимости сервиса.
type Options struct {
	Admin    model.Account
	Clock    clock.Clock
	Validity time.Duration
	Journal  Journal
	Notifier Notifier
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

// Service содержит бизнес-логику кампусного реестра.
type Service struct {
	ledger   *ledger.Ledger
	registry *registry.Registry
	log      *events.Log
	journal  Journal
	notifier Notifier
	metrics  *metrics.Metrics
	logger   *zap.Logger

	relayMu   sync.Mutex
	journaled uint64
	delivered uint64
}

// NewService создаёт сервис. Без журнала события хранятся только в памяти процесса.
func NewService(opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = clock.NewSystem()
	}
	if opts.Journal == nil {
		opts.Journal = repository.NewMemoryJournal()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	log := events.NewLog()
	return &Service{
		ledger:   ledger.New(opts.Admin, opts.Clock, log),
		registry: registry.New(opts.Admin, opts.Clock, log, opts.Validity),
		log:      log,
		journal:  opts.Journal,
		notifier: opts.Notifier,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.journal != nil {
		return s.journal.Close()
	}
	return nil
}

// Restore восстанавливает состояние реестров из журнала. Вызывается до начала обслуживания запросов.
func (s *Service) Restore(ctx context.Context) (int, error) {
	s.relayMu.Lock()
	defer s.relayMu.Unlock()

	restored := 0
	after := s.log.LastSeq()
	for {
		batch, err := s.journal.LoadEvents(ctx, after, restoreBatchSize)
		if err != nil {
			return restored, fmt.Errorf("load events: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		for _, e := range batch {
			if err := s.apply(e); err != nil {
				return restored, fmt.Errorf("replay event %d: %w", e.Seq, err)
			}
		}
		if err := s.log.Restore(batch); err != nil {
			return restored, err
		}

		restored += len(batch)
		after = batch[len(batch)-1].Seq
	}

	// Доставка наблюдателю продолжается с сохранённой позиции.
	delivered, err := s.journal.LoadCursor(ctx, observerCursor)
	if err != nil {
		return restored, fmt.Errorf("load delivery cursor: %w", err)
	}
	if delivered > after {
		delivered = after
	}

	s.journaled = after
	s.delivered = delivered
	s.refreshGauges()
	return restored, nil
}

func (s *Service) apply(e model.Event) error {
	switch e.Kind {
	case model.EventMinted, model.EventMerchantRegistered, model.EventLimitSet, model.EventTransferred:
		return s.ledger.Apply(e)
	case model.EventIssued, model.EventRenewed, model.EventRetired, model.EventMetadataUpdated:
		return s.registry.Apply(e)
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
}

func (s *Service) refreshGauges() {
	if s.metrics == nil {
		return
	}
	s.metrics.TotalSupply.Set(float64(s.ledger.TotalSupply()))
	s.metrics.ActiveRecords.Set(float64(s.registry.ActiveCount()))
}

func (s *Service) observe(subsystem, operation string, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.ObserveOperation(subsystem, operation, resultOf(err))
}

// resultOf возвращает метку результата операции для метрик.
func resultOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ledger.ErrUnauthorized), errors.Is(err, registry.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ledger.ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ledger.ErrInvalidAccount), errors.Is(err, registry.ErrInvalidAccount):
		return "invalid_account"
	case errors.Is(err, registry.ErrInvalidNaturalKey):
		return "invalid_natural_key"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ledger.ErrLimitExceeded):
		return "limit_exceeded"
	case errors.Is(err, ledger.ErrNotAMerchant):
		return "not_a_merchant"
	case errors.Is(err, registry.ErrDuplicateKey):
		return "duplicate_key"
	case errors.Is(err, registry.ErrNotFound):
		return "not_found"
	case errors.Is(err, registry.ErrNotYetExpired):
		return "not_yet_expired"
	default:
		return "error"
	}
}

// Admin возвращает счёт администратора.
func (s *Service) Admin() model.Account {
	return s.ledger.Admin()
}

// Mint выпускает средства на счёт target.
func (s *Service) Mint(_ context.Context, caller, target model.Account, amount uint64) error {
	err := s.ledger.Mint(caller, target, amount)
	s.observe(subsystemLedger, "mint", err)
	if err == nil && s.metrics != nil {
		s.metrics.TotalSupply.Set(float64(s.ledger.TotalSupply()))
	}
	return err
}

// RegisterMerchant регистрирует торговца.
func (s *Service) RegisterMerchant(_ context.Context, caller, target model.Account, name string) error {
	err := s.ledger.RegisterMerchant(caller, target, name)
	s.observe(subsystemLedger, "register_merchant", err)
	return err
}

// SetDailyLimit устанавливает дневной лимит расходов.
func (s *Service) SetDailyLimit(_ context.Context, caller, target model.Account, amount uint64) error {
	err := s.ledger.SetDailyLimit(caller, target, amount)
	s.observe(subsystemLedger, "set_daily_limit", err)
	return err
}

// Transfer выполняет перевод с учётом дневного лимита.
func (s *Service) Transfer(_ context.Context, caller, target model.Account, amount uint64) error {
	err := s.ledger.TransferWithLimit(caller, target, amount)
	s.observe(subsystemLedger, "transfer", err)
	return err
}

// Pay выполняет оплату торговцу.
func (s *Service) Pay(_ context.Context, caller, merchant model.Account, amount uint64) error {
	err := s.ledger.TransferWithCashback(caller, merchant, amount)
	s.observe(subsystemLedger, "pay", err)
	return err
}

// AccountSummary возвращает состояние счёта.
func (s *Service) AccountSummary(_ context.Context, a model.Account) model.AccountSummary {
	return s.ledger.Summary(a)
}

// TotalSupply возвращает общий объём выпущенных средств.
func (s *Service) TotalSupply(_ context.Context) uint64 {
	return s.ledger.TotalSupply()
}

// IssueCredential выпускает удостоверение.
func (s *Service) IssueCredential(_ context.Context, caller model.Account, req registry.IssueRequest) (uint64, error) {
	id, err := s.registry.Issue(caller, req)
	s.observe(subsystemRegistry, "issue", err)
	if err == nil && s.metrics != nil {
		s.metrics.ActiveRecords.Inc()
	}
	return id, err
}

// RenewCredential продлевает удостоверение.
func (s *Service) RenewCredential(_ context.Context, caller model.Account, id uint64) (time.Time, error) {
	expiry, err := s.registry.Renew(caller, id)
	s.observe(subsystemRegistry, "renew", err)
	return expiry, err
}

// BurnExpiredCredential погашает просроченное удостоверение.
func (s *Service) BurnExpiredCredential(_ context.Context, caller model.Account, id uint64) error {
	err := s.registry.BurnExpired(caller, id)
	s.observe(subsystemRegistry, "burn_expired", err)
	if err == nil && s.metrics != nil {
		s.metrics.ActiveRecords.Dec()
	}
	return err
}

// SetCredentialMetadata заменяет адрес метаданных удостоверения.
func (s *Service) SetCredentialMetadata(_ context.Context, caller model.Account, id uint64, uri string) error {
	err := s.registry.SetMetadataURI(caller, id, uri)
	s.observe(subsystemRegistry, "set_metadata", err)
	return err
}

// Credential возвращает запись удостоверения.
func (s *Service) Credential(_ context.Context, id uint64) (model.Credential, error) {
	return s.registry.Record(id)
}

// CredentialMetadata возвращает адрес метаданных удостоверения.
func (s *Service) CredentialMetadata(_ context.Context, id uint64) (string, error) {
	return s.registry.ReadMetadata(id)
}

// LookupByNaturalKey ищет активное удостоверение по внешнему номеру.
func (s *Service) LookupByNaturalKey(_ context.Context, key string) (model.Account, uint64, error) {
	return s.registry.LookupByNaturalKey(key)
}

// CredentialsOf возвращает номера удостоверений владельца.
func (s *Service) CredentialsOf(_ context.Context, owner model.Account) []uint64 {
	return s.registry.RecordsOf(owner)
}

// Events возвращает события журнала после since, подходящие под фильтр.
func (s *Service) Events(_ context.Context, f model.EventFilter, since uint64, limit int) []model.Event {
	return s.log.Query(f, since, limit)
}

// RunEventRelay переносит события в журнал и наблюдателю до отмены ctx.
func (s *Service) RunEventRelay(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.relayBatch(ctx)
		}
	}
}

// Flush сохраняет в журнал все ещё не сохранённые события. Вызывается при остановке.
func (s *Service) Flush(ctx context.Context) error {
	s.relayMu.Lock()
	defer s.relayMu.Unlock()

	for s.journaled < s.log.LastSeq() {
		before := s.journaled
		if err := s.journalPending(ctx); err != nil {
			s.countFailure("journal")
			return err
		}
		if s.journaled == before {
			return fmt.Errorf("journal cursor stuck at seq %d", before)
		}
	}
	return nil
}

// journalPending сохраняет очередную пачку событий. Вызывается под relayMu.
func (s *Service) journalPending(ctx context.Context) error {
	batch := s.log.Since(s.journaled, relayBatchSize)
	if len(batch) == 0 {
		return nil
	}

	err := s.journal.AppendEvents(ctx, batch)
	switch {
	case err == nil:
		s.journaled = batch[len(batch)-1].Seq
		s.countRelayed("journal", len(batch))
		return nil
	case errors.Is(err, repository.ErrDuplicateEvent):
		last, lastErr := s.journal.LastSeq(ctx)
		if lastErr != nil {
			return fmt.Errorf("journal resync: %w", lastErr)
		}
		s.logger.Warn("journal already has events, resyncing cursor",
			zap.Uint64("from", s.journaled), zap.Uint64("to", last))
		s.journaled = last
		return nil
	default:
		return fmt.Errorf("journal append from seq %d: %w", batch[0].Seq, err)
	}
}

// relayBatch сохраняет очередную пачку событий, затем пересылает уже сохранённые события наблюдателю.
func (s *Service) relayBatch(ctx context.Context) {
	s.relayMu.Lock()
	defer s.relayMu.Unlock()

	if err := s.journalPending(ctx); err != nil {
		s.logger.Error("journal error", zap.Error(err))
		s.countFailure("journal")
		return
	}

	if s.notifier == nil || s.delivered >= s.journaled {
		return
	}

	pending := s.log.Since(s.delivered, relayBatchSize)
	for i, e := range pending {
		if e.Seq > s.journaled {
			pending = pending[:i]
			break
		}
	}
	if len(pending) == 0 {
		return
	}

	statusCode, retryAfter, err := s.notifier.Deliver(ctx, pending)
	if err != nil {
		s.logger.Warn("event delivery error", zap.Error(err), zap.Uint64("seq", pending[0].Seq))
		s.countFailure("observer")
		return
	}

	if statusCode == 429 {
		s.countFailure("observer")
		if retryAfter > 0 {
			timer := time.NewTimer(retryAfter)
			select {
			case <-ctx.Done():
				timer.Stop()
			case <-timer.C:
			}
		}
		return
	}

	s.delivered = pending[len(pending)-1].Seq
	s.countRelayed("observer", len(pending))

	// Если позиция не сохранилась, после перезапуска эти события будут доставлены повторно.
	if err := s.journal.SaveCursor(ctx, observerCursor, s.delivered); err != nil {
		s.logger.Warn("delivery cursor save error", zap.Error(err), zap.Uint64("seq", s.delivered))
		s.countFailure("cursor")
	}
}

func (s *Service) countRelayed(target string, n int) {
	if s.metrics != nil {
		s.metrics.EventsRelayed.WithLabelValues(target).Add(float64(n))
	}
}

func (s *Service) countFailure(target string) {
	if s.metrics != nil {
		s.metrics.RelayFailures.WithLabelValues(target).Inc()
	}
}
