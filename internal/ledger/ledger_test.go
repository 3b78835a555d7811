package ledger

import (
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/campus-ledger/internal/clock"
	"github.com/mmeshcher/campus-ledger/internal/events"
	"github.com/mmeshcher/campus-ledger/internal/model"
)

var (
	admin    = model.MustParseAccount("0x00000000000000000000000000000000000000ad")
	student1 = model.MustParseAccount("0x00000000000000000000000000000000000000a1")
	student2 = model.MustParseAccount("0x00000000000000000000000000000000000000a2")
	merchant = model.MustParseAccount("0x00000000000000000000000000000000000000c1")
)

func newTestLedger(t *testing.T) (*Ledger, *clock.Manual, *events.Log) {
	t.Helper()

	clk := clock.NewManual(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))
	log := events.NewLog()
	return New(admin, clk, log), clk, log
}

func TestCampusCreditScenario(t *testing.T) {
	l, _, log := newTestLedger(t)

	require.NoError(t, l.Mint(admin, student1, 1000))
	assert.Equal(t, uint64(1000), l.BalanceOf(student1))

	require.NoError(t, l.RegisterMerchant(admin, merchant, "BlockDevID"))
	m := l.Merchant(merchant)
	assert.True(t, m.IsMerchant)
	assert.Equal(t, "BlockDevID", m.Name)

	require.NoError(t, l.SetDailyLimit(admin, student1, 900))
	limit, ok := l.DailyLimit(student1)
	require.True(t, ok)
	assert.Equal(t, uint64(900), limit)

	require.NoError(t, l.TransferWithLimit(student1, student2, 100))
	assert.Equal(t, uint64(900), l.BalanceOf(student1))
	assert.Equal(t, uint64(100), l.BalanceOf(student2))

	require.NoError(t, l.TransferWithCashback(student1, merchant, 100))
	assert.Equal(t, uint64(800), l.BalanceOf(student1))
	assert.Equal(t, uint64(100), l.BalanceOf(student2))
	assert.Equal(t, uint64(100), l.BalanceOf(merchant))
	assert.Equal(t, uint64(200), l.SpentToday(student1))

	kinds := make([]model.EventKind, 0)
	for _, e := range log.Since(0, 0) {
		kinds = append(kinds, e.Kind)
	}
	assert.Equal(t, []model.EventKind{
		model.EventMinted,
		model.EventMerchantRegistered,
		model.EventLimitSet,
		model.EventTransferred,
		model.EventTransferred,
	}, kinds)

	last := log.Since(4, 0)[0]
	assert.Equal(t, student1, last.Actor)
	assert.Equal(t, merchant, last.Subject)
	assert.True(t, last.Merchant)
}

func TestAdminOnlyOperations(t *testing.T) {
	l, _, log := newTestLedger(t)

	tests := []struct {
		name string
		op   func() error
	}{
		{name: "mint", op: func() error { return l.Mint(student1, student1, 10) }},
		{name: "register merchant", op: func() error { return l.RegisterMerchant(student1, merchant, "x") }},
		{name: "set daily limit", op: func() error { return l.SetDailyLimit(student1, student1, 10) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.ErrorIs(t, tt.op(), ErrUnauthorized)
		})
	}

	assert.Zero(t, l.BalanceOf(student1))
	assert.False(t, l.Merchant(merchant).IsMerchant)
	_, ok := l.DailyLimit(student1)
	assert.False(t, ok)
	assert.Zero(t, log.LastSeq())
}

func TestMint_InvalidAmount(t *testing.T) {
	l, _, _ := newTestLedger(t)

	require.ErrorIs(t, l.Mint(admin, student1, 0), ErrInvalidAmount)

	require.NoError(t, l.Mint(admin, student1, math.MaxUint64-5))
	require.ErrorIs(t, l.Mint(admin, student2, 6), ErrInvalidAmount)
	require.NoError(t, l.Mint(admin, student2, 5))

	assert.Equal(t, uint64(math.MaxUint64), l.TotalSupply())
	assert.Equal(t, uint64(5), l.BalanceOf(student2))
}

func TestMint_ZeroAccount(t *testing.T) {
	l, _, _ := newTestLedger(t)
	require.ErrorIs(t, l.Mint(admin, model.ZeroAccount, 10), ErrInvalidAccount)
}

func TestTransfer_InsufficientBalance(t *testing.T) {
	l, _, _ := newTestLedger(t)
	require.NoError(t, l.Mint(admin, student1, 50))

	err := l.TransferWithLimit(student1, student2, 51)
	require.ErrorIs(t, err, ErrInsufficientBalance)

	assert.Equal(t, uint64(50), l.BalanceOf(student1))
	assert.Zero(t, l.BalanceOf(student2))
}

func TestTransfer_RejectsZeroAmountAndZeroTarget(t *testing.T) {
	l, _, _ := newTestLedger(t)
	require.NoError(t, l.Mint(admin, student1, 50))

	require.ErrorIs(t, l.TransferWithLimit(student1, student2, 0), ErrInvalidAmount)
	require.ErrorIs(t, l.TransferWithLimit(student1, model.ZeroAccount, 1), ErrInvalidAccount)
}

func TestTransfer_UnlimitedAccountDoesNotTrackSpend(t *testing.T) {
	l, _, _ := newTestLedger(t)
	require.NoError(t, l.Mint(admin, student1, 500))

	require.NoError(t, l.TransferWithLimit(student1, student2, 500))
	assert.Zero(t, l.SpentToday(student1))
}

func TestTransfer_DailyLimitWindow(t *testing.T) {
	l, clk, _ := newTestLedger(t)
	require.NoError(t, l.Mint(admin, student1, 10_000))
	require.NoError(t, l.SetDailyLimit(admin, student1, 300))

	require.NoError(t, l.TransferWithLimit(student1, student2, 200))
	require.NoError(t, l.TransferWithLimit(student1, student2, 100))

	err := l.TransferWithLimit(student1, student2, 1)
	require.ErrorIs(t, err, ErrLimitExceeded)
	assert.Equal(t, uint64(300), l.SpentToday(student1))
	assert.Equal(t, uint64(9_700), l.BalanceOf(student1))

	clk.Advance(clock.Day)
	assert.Zero(t, l.SpentToday(student1))

	require.NoError(t, l.TransferWithLimit(student1, student2, 300))
	assert.Equal(t, uint64(300), l.SpentToday(student1))
	assert.Equal(t, uint64(600), l.BalanceOf(student2))
}

func TestTransfer_FirstSpendOfNewDayIgnoresPreviousRemainder(t *testing.T) {
	l, clk, _ := newTestLedger(t)
	require.NoError(t, l.Mint(admin, student1, 1000))
	require.NoError(t, l.SetDailyLimit(admin, student1, 500))

	require.NoError(t, l.TransferWithLimit(student1, student2, 450))
	require.ErrorIs(t, l.TransferWithLimit(student1, student2, 100), ErrLimitExceeded)

	clk.Advance(15 * time.Hour)
	require.NoError(t, l.TransferWithLimit(student1, student2, 100))
	assert.Equal(t, uint64(100), l.SpentToday(student1))
}

func TestTransfer_ZeroLimitBlocksSpending(t *testing.T) {
	l, _, _ := newTestLedger(t)
	require.NoError(t, l.Mint(admin, student1, 100))
	require.NoError(t, l.SetDailyLimit(admin, student1, 0))

	require.ErrorIs(t, l.TransferWithLimit(student1, student2, 1), ErrLimitExceeded)
}

func TestTransferWithCashback_NotAMerchant(t *testing.T) {
	l, _, log := newTestLedger(t)
	require.NoError(t, l.Mint(admin, student1, 100))
	before := log.LastSeq()

	err := l.TransferWithCashback(student1, student2, 10)
	require.ErrorIs(t, err, ErrNotAMerchant)

	assert.Equal(t, uint64(100), l.BalanceOf(student1))
	assert.Zero(t, l.BalanceOf(student2))
	assert.Equal(t, before, log.LastSeq())
}

func TestTransferWithCashback_LimitApplies(t *testing.T) {
	l, _, _ := newTestLedger(t)
	require.NoError(t, l.Mint(admin, student1, 1000))
	require.NoError(t, l.RegisterMerchant(admin, merchant, "Canteen"))
	require.NoError(t, l.SetDailyLimit(admin, student1, 150))

	require.NoError(t, l.TransferWithLimit(student1, student2, 100))
	require.ErrorIs(t, l.TransferWithCashback(student1, merchant, 51), ErrLimitExceeded)
	require.NoError(t, l.TransferWithCashback(student1, merchant, 50))
	assert.Equal(t, uint64(50), l.BalanceOf(merchant))
}

func TestRegisterMerchant_Rename(t *testing.T) {
	l, _, _ := newTestLedger(t)

	require.NoError(t, l.RegisterMerchant(admin, merchant, "Old"))
	require.NoError(t, l.RegisterMerchant(admin, merchant, "New"))

	assert.Equal(t, model.Merchant{IsMerchant: true, Name: "New"}, l.Merchant(merchant))
}

func TestSummary(t *testing.T) {
	l, _, _ := newTestLedger(t)
	require.NoError(t, l.Mint(admin, student1, 1000))
	require.NoError(t, l.SetDailyLimit(admin, student1, 900))
	require.NoError(t, l.TransferWithLimit(student1, student2, 100))

	s := l.Summary(student1)
	assert.Equal(t, uint64(900), s.Balance)
	require.NotNil(t, s.DailyLimit)
	assert.Equal(t, uint64(900), *s.DailyLimit)
	assert.Equal(t, uint64(100), s.SpentToday)
	assert.False(t, s.IsMerchant)

	assert.Nil(t, l.Summary(student2).DailyLimit)
}

func TestConservationUnderRandomTransfers(t *testing.T) {
	l, clk, _ := newTestLedger(t)
	accounts := []model.Account{student1, student2, merchant, admin}

	require.NoError(t, l.RegisterMerchant(admin, merchant, "Shop"))
	var minted uint64
	for _, a := range accounts {
		require.NoError(t, l.Mint(admin, a, 1000))
		minted += 1000
	}
	require.NoError(t, l.SetDailyLimit(admin, student1, 700))

	rnd := rand.New(rand.NewSource(42))
	for i := 0; i < 2000; i++ {
		from := accounts[rnd.Intn(len(accounts))]
		to := accounts[rnd.Intn(len(accounts))]
		amount := uint64(rnd.Intn(400))

		if rnd.Intn(2) == 0 {
			_ = l.TransferWithLimit(from, to, amount)
		} else {
			_ = l.TransferWithCashback(from, to, amount)
		}
		if i%100 == 0 {
			clk.Advance(6 * time.Hour)
		}

		var total uint64
		for _, a := range accounts {
			total += l.BalanceOf(a)
		}
		require.Equal(t, minted, total)
		require.LessOrEqual(t, l.SpentToday(student1), uint64(700))
	}
	assert.Equal(t, minted, l.TotalSupply())
}

func TestConcurrentTransfersConserveSupply(t *testing.T) {
	l, _, _ := newTestLedger(t)
	require.NoError(t, l.Mint(admin, student1, 10_000))
	require.NoError(t, l.Mint(admin, student2, 10_000))

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = l.TransferWithLimit(student1, student2, 7)
		}()
		go func() {
			defer wg.Done()
			_ = l.TransferWithLimit(student2, student1, 3)
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(20_000), l.BalanceOf(student1)+l.BalanceOf(student2))
	assert.Equal(t, uint64(10_000-700+300), l.BalanceOf(student1))
}

func TestApply_ReplaysEvents(t *testing.T) {
	src, clk, log := newTestLedger(t)
	require.NoError(t, src.Mint(admin, student1, 1000))
	require.NoError(t, src.RegisterMerchant(admin, merchant, "Canteen"))
	require.NoError(t, src.SetDailyLimit(admin, student1, 900))
	require.NoError(t, src.TransferWithLimit(student1, student2, 100))
	require.NoError(t, src.TransferWithCashback(student1, merchant, 100))

	dst := New(admin, clk, nil)
	for _, e := range log.Since(0, 0) {
		require.NoError(t, dst.Apply(e))
	}

	for _, a := range []model.Account{student1, student2, merchant} {
		assert.Equal(t, src.Summary(a), dst.Summary(a))
	}
	assert.Equal(t, src.TotalSupply(), dst.TotalSupply())

	require.ErrorIs(t, dst.Apply(model.Event{Kind: model.EventIssued}), ErrUnsupportedEvent)
	require.ErrorIs(t, dst.Apply(model.Event{
		Kind: model.EventTransferred, Actor: student2, Subject: student1, Amount: 5000,
	}), ErrInsufficientBalance)
}
