// Package ledger реализует кредитный реестр кампуса: выпуск средств администратором,
// дневные лимиты расходов, регистрацию торговцев и переводы.
//
// Все изменяющие операции сериализуются одной блокировкой на весь реестр.
package ledger

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/mmeshcher/campus-ledger/internal/clock"
	"github.com/mmeshcher/campus-ledger/internal/model"
)

var (
	// ErrUnauthorized возвращается, если операцию вызывает не администратор.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidAmount возвращается для нулевой суммы или суммы, переполняющей баланс.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrInvalidAccount возвращается для пустого счёта получателя.
	ErrInvalidAccount = errors.New("invalid account")
	// ErrInsufficientBalance возвращается при попытке перевести больше, чем есть на счёте.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrLimitExceeded возвращается, если перевод превышает остаток дневного лимита.
	ErrLimitExceeded = errors.New("daily limit exceeded")
	// ErrNotAMerchant возвращается при оплате на счёт, не зарегистрированный как торговец.
	ErrNotAMerchant = errors.New("not a merchant")
	// ErrUnsupportedEvent возвращается при воспроизведении события чужого типа.
	ErrUnsupportedEvent = errors.New("unsupported event")
)

// Emitter принимает доменные события реестра.
type Emitter interface {
	Append(e model.Event) model.Event
}

type discard struct{}

func (discard) Append(e model.Event) model.Event { return e }

// spend хранит накопленную сумму расходов счёта в пределах суточного окна.
type spend struct {
	day    int64
	amount uint64
}

// Ledger хранит балансы, лимиты и реестр торговцев.
type Ledger struct {
	admin  model.Account
	clock  clock.Clock
	events Emitter

	mu          sync.RWMutex
	balances    map[model.Account]uint64
	limits      map[model.Account]uint64
	spent       map[model.Account]spend
	merchants   map[model.Account]model.Merchant
	totalSupply uint64
}

// New создаёт реестр с указанным администратором, источником времени и приёмником событий.
func New(admin model.Account, clk clock.Clock, events Emitter) *Ledger {
	if events == nil {
		events = discard{}
	}
	return &Ledger{
		admin:     admin,
		clock:     clk,
		events:    events,
		balances:  make(map[model.Account]uint64),
		limits:    make(map[model.Account]uint64),
		spent:     make(map[model.Account]spend),
		merchants: make(map[model.Account]model.Merchant),
	}
}

// Admin возвращает счёт администратора.
func (l *Ledger) Admin() model.Account {
	return l.admin
}

func (l *Ledger) authorize(caller model.Account) error {
	if caller != l.admin {
		return fmt.Errorf("%w: %s is not the administrator", ErrUnauthorized, caller)
	}
	return nil
}

// Mint зачисляет amount на счёт target. Доступно только администратору.
func (l *Ledger) Mint(caller, target model.Account, amount uint64) error {
	if err := l.authorize(caller); err != nil {
		return err
	}
	if target.IsZero() {
		return fmt.Errorf("%w: mint to zero account", ErrInvalidAccount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.mint(target, amount); err != nil {
		return err
	}

	l.events.Append(model.Event{
		At:      l.clock.Now(),
		Kind:    model.EventMinted,
		Actor:   caller,
		Subject: target,
		Amount:  amount,
	})
	return nil
}

// mint вызывается под блокировкой. Балансы не переполнятся, пока не переполнен общий объём.
func (l *Ledger) mint(target model.Account, amount uint64) error {
	if amount == 0 {
		return fmt.Errorf("%w: zero", ErrInvalidAmount)
	}
	if amount > math.MaxUint64-l.totalSupply {
		return fmt.Errorf("%w: %d overflows total supply", ErrInvalidAmount, amount)
	}
	l.balances[target] += amount
	l.totalSupply += amount
	return nil
}

// RegisterMerchant отмечает счёт как торговца. Повторная регистрация меняет название.
func (l *Ledger) RegisterMerchant(caller, target model.Account, name string) error {
	if err := l.authorize(caller); err != nil {
		return err
	}
	if target.IsZero() {
		return fmt.Errorf("%w: merchant is zero account", ErrInvalidAccount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.merchants[target] = model.Merchant{IsMerchant: true, Name: name}
	l.events.Append(model.Event{
		At:      l.clock.Now(),
		Kind:    model.EventMerchantRegistered,
		Actor:   caller,
		Subject: target,
		Name:    name,
	})
	return nil
}

// SetDailyLimit устанавливает дневной лимит расходов. Нулевой лимит запрещает переводы.
func (l *Ledger) SetDailyLimit(caller, target model.Account, amount uint64) error {
	if err := l.authorize(caller); err != nil {
		return err
	}
	if target.IsZero() {
		return fmt.Errorf("%w: limit for zero account", ErrInvalidAccount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.limits[target] = amount
	l.events.Append(model.Event{
		At:      l.clock.Now(),
		Kind:    model.EventLimitSet,
		Actor:   caller,
		Subject: target,
		Amount:  amount,
	})
	return nil
}

// TransferWithLimit переводит amount со счёта caller на счёт target с учётом дневного лимита.
func (l *Ledger) TransferWithLimit(caller, target model.Account, amount uint64) error {
	return l.transfer(caller, target, amount, false)
}

// TransferWithCashback оплачивает покупку у торговца. Перемещает ровно amount,
// без дополнительных начислений.
func (l *Ledger) TransferWithCashback(caller, merchant model.Account, amount uint64) error {
	return l.transfer(caller, merchant, amount, true)
}

func (l *Ledger) transfer(caller, target model.Account, amount uint64, toMerchant bool) error {
	if amount == 0 {
		return fmt.Errorf("%w: zero", ErrInvalidAmount)
	}
	if target.IsZero() {
		return fmt.Errorf("%w: transfer to zero account", ErrInvalidAccount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if toMerchant && !l.merchants[target].IsMerchant {
		return fmt.Errorf("%w: %s", ErrNotAMerchant, target)
	}

	now := l.clock.Now()
	if err := l.move(caller, target, amount, clock.DayIndex(now)); err != nil {
		return err
	}

	l.events.Append(model.Event{
		At:       now,
		Kind:     model.EventTransferred,
		Actor:    caller,
		Subject:  target,
		Amount:   amount,
		Merchant: toMerchant,
	})
	return nil
}

// move проверяет баланс и лимит, затем применяет перевод. Вызывается под блокировкой.
func (l *Ledger) move(from, to model.Account, amount uint64, day int64) error {
	balance := l.balances[from]
	if balance < amount {
		return fmt.Errorf("%w: balance %d, amount %d", ErrInsufficientBalance, balance, amount)
	}

	limit, limited := l.limits[from]
	var s spend
	if limited {
		s = l.spent[from]
		if s.day != day {
			s = spend{day: day}
		}
		if amount > limit || s.amount > limit-amount {
			return fmt.Errorf("%w: spent %d of %d, amount %d", ErrLimitExceeded, s.amount, limit, amount)
		}
	}

	l.balances[from] -= amount
	l.balances[to] += amount
	if limited {
		s.amount += amount
		l.spent[from] = s
	}
	return nil
}

// BalanceOf возвращает баланс счёта.
func (l *Ledger) BalanceOf(a model.Account) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[a]
}

// TotalSupply возвращает сумму всех выпущенных средств.
func (l *Ledger) TotalSupply() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.totalSupply
}

// DailyLimit возвращает дневной лимит счёта и признак того, что лимит установлен.
func (l *Ledger) DailyLimit(a model.Account) (uint64, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	limit, ok := l.limits[a]
	return limit, ok
}

// SpentToday возвращает сумму расходов счёта в текущем суточном окне.
func (l *Ledger) SpentToday(a model.Account) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.spentToday(a)
}

func (l *Ledger) spentToday(a model.Account) uint64 {
	s := l.spent[a]
	if s.day != clock.DayIndex(l.clock.Now()) {
		return 0
	}
	return s.amount
}

// Merchant возвращает сведения о торговце.
func (l *Ledger) Merchant(a model.Account) model.Merchant {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.merchants[a]
}

// Summary возвращает согласованный снимок состояния счёта.
func (l *Ledger) Summary(a model.Account) model.AccountSummary {
	l.mu.RLock()
	defer l.mu.RUnlock()

	res := model.AccountSummary{
		Account:      a,
		Balance:      l.balances[a],
		SpentToday:   l.spentToday(a),
		IsMerchant:   l.merchants[a].IsMerchant,
		MerchantName: l.merchants[a].Name,
	}
	if limit, ok := l.limits[a]; ok {
		res.DailyLimit = &limit
	}
	return res
}

// Apply воспроизводит ранее зафиксированное событие без повторной публикации.
// Проверки прав не выполняются, проверки баланса и лимита выполняются.
func (l *Ledger) Apply(e model.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch e.Kind {
	case model.EventMinted:
		return l.mint(e.Subject, e.Amount)
	case model.EventMerchantRegistered:
		l.merchants[e.Subject] = model.Merchant{IsMerchant: true, Name: e.Name}
	case model.EventLimitSet:
		l.limits[e.Subject] = e.Amount
	case model.EventTransferred:
		if e.Merchant && !l.merchants[e.Subject].IsMerchant {
			return fmt.Errorf("%w: %s", ErrNotAMerchant, e.Subject)
		}
		return l.move(e.Actor, e.Subject, e.Amount, clock.DayIndex(e.At))
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedEvent, e.Kind)
	}
	return nil
}
