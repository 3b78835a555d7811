package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mmeshcher/campus-ledger/internal/clock"
	"github.com/mmeshcher/campus-ledger/internal/ledger"
	"github.com/mmeshcher/campus-ledger/internal/metrics"
	"github.com/mmeshcher/campus-ledger/internal/model"
	"github.com/mmeshcher/campus-ledger/internal/registry"
	"github.com/mmeshcher/campus-ledger/internal/repository"
)

var (
	admin    = model.MustParseAccount("0x00000000000000000000000000000000000000ad")
	student1 = model.MustParseAccount("0x00000000000000000000000000000000000000a1")
	student2 = model.MustParseAccount("0x00000000000000000000000000000000000000a2")
	merchant = model.MustParseAccount("0x00000000000000000000000000000000000000c1")
)

type stubJournal struct {
	repository.MemoryJournal

	appendErr error
	appends   int
	cursorErr error
}

func (s *stubJournal) SaveCursor(ctx context.Context, name string, seq uint64) error {
	if s.cursorErr != nil {
		return s.cursorErr
	}
	return s.MemoryJournal.SaveCursor(ctx, name, seq)
}

func (s *stubJournal) AppendEvents(ctx context.Context, events []model.Event) error {
	s.appends++
	if s.appendErr != nil {
		return s.appendErr
	}
	return s.MemoryJournal.AppendEvents(ctx, events)
}

type stubNotifier struct {
	mu         sync.Mutex
	statusCode int
	retryAfter time.Duration
	err        error
	batches    [][]model.Event
}

func (s *stubNotifier) Deliver(_ context.Context, events []model.Event) (int, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, events)
	return s.statusCode, s.retryAfter, s.err
}

func (s *stubNotifier) delivered() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []uint64
	for _, b := range s.batches {
		for _, e := range b {
			res = append(res, e.Seq)
		}
	}
	return res
}

func newTestService(t *testing.T, journal Journal, notifier Notifier) (*Service, *clock.Manual, *metrics.Metrics) {
	t.Helper()

	clk := clock.NewManual(time.Date(2025, 9, 1, 10, 0, 0, 0, time.UTC))
	m := metrics.New(prometheus.NewRegistry())
	svc := NewService(Options{
		Admin:    admin,
		Clock:    clk,
		Validity: registry.DefaultValidity,
		Journal:  journal,
		Notifier: notifier,
		Metrics:  m,
	})
	return svc, clk, m
}

func seedCampus(t *testing.T, svc *Service) uint64 {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, svc.Mint(ctx, admin, student1, 1000))
	require.NoError(t, svc.RegisterMerchant(ctx, admin, merchant, "BlockDevID"))
	require.NoError(t, svc.SetDailyLimit(ctx, admin, student1, 900))
	require.NoError(t, svc.Transfer(ctx, student1, student2, 100))
	require.NoError(t, svc.Pay(ctx, student1, merchant, 100))

	id, err := svc.IssueCredential(ctx, admin, registry.IssueRequest{
		Owner:       student1,
		NaturalKey:  "123123",
		DisplayName: "Yuyun Purniawan",
		ProgramName: "Bachelor Degree",
		MetadataURI: "http://localhost:1337",
	})
	require.NoError(t, err)
	return id
}

func TestRestore_RebuildsStateFromJournal(t *testing.T) {
	ctx := context.Background()
	journal := repository.NewMemoryJournal()

	src, clk, _ := newTestService(t, journal, nil)
	id := seedCampus(t, src)
	src.relayBatch(ctx)

	last, err := journal.LastSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), last)

	dst := NewService(Options{Admin: admin, Clock: clk, Journal: journal})
	restored, err := dst.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, restored)

	for _, a := range []model.Account{student1, student2, merchant} {
		assert.Equal(t, src.AccountSummary(ctx, a), dst.AccountSummary(ctx, a))
	}

	owner, gotID, err := dst.LookupByNaturalKey(ctx, "123123")
	require.NoError(t, err)
	assert.Equal(t, student1, owner)
	assert.Equal(t, id, gotID)

	require.NoError(t, dst.Mint(ctx, admin, student2, 1))
	evs := dst.Events(ctx, model.EventFilter{}, 6, 0)
	require.Len(t, evs, 1)
	assert.Equal(t, uint64(7), evs[0].Seq)
}

func TestRestore_FailsOnCorruptJournal(t *testing.T) {
	ctx := context.Background()
	journal := repository.NewMemoryJournal()
	require.NoError(t, journal.AppendEvents(ctx, []model.Event{
		{Seq: 1, Kind: model.EventTransferred, Actor: student1, Subject: student2, Amount: 10},
	}))

	svc, _, _ := newTestService(t, journal, nil)
	_, err := svc.Restore(ctx)
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)
}

func TestRelayBatch_DeliversJournaledEvents(t *testing.T) {
	ctx := context.Background()
	notifier := &stubNotifier{statusCode: 202}

	svc, _, m := newTestService(t, repository.NewMemoryJournal(), notifier)
	seedCampus(t, svc)

	svc.relayBatch(ctx)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5, 6}, notifier.delivered())
	assert.Equal(t, 6.0, testutil.ToFloat64(m.EventsRelayed.WithLabelValues("journal")))
	assert.Equal(t, 6.0, testutil.ToFloat64(m.EventsRelayed.WithLabelValues("observer")))

	svc.relayBatch(ctx)
	assert.Len(t, notifier.batches, 1)
}

func TestRelayBatch_JournalFailureBlocksDelivery(t *testing.T) {
	ctx := context.Background()
	journal := &stubJournal{appendErr: errors.New("connection refused")}
	notifier := &stubNotifier{statusCode: 202}

	svc, _, m := newTestService(t, journal, notifier)
	seedCampus(t, svc)

	svc.relayBatch(ctx)
	assert.Empty(t, notifier.delivered())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RelayFailures.WithLabelValues("journal")))

	journal.appendErr = nil
	svc.relayBatch(ctx)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5, 6}, notifier.delivered())
}

func TestRelayBatch_TooManyRequestsKeepsCursor(t *testing.T) {
	ctx := context.Background()
	notifier := &stubNotifier{statusCode: 429}

	svc, _, _ := newTestService(t, repository.NewMemoryJournal(), notifier)
	require.NoError(t, svc.Mint(ctx, admin, student1, 10))

	svc.relayBatch(ctx)
	notifier.statusCode = 202
	svc.relayBatch(ctx)

	assert.Equal(t, []uint64{1, 1}, notifier.delivered())
}

func TestRelayBatch_DeliveryErrorRetriesSameEvents(t *testing.T) {
	ctx := context.Background()
	notifier := &stubNotifier{err: fmt.Errorf("unexpected status: %d", 500)}

	svc, _, _ := newTestService(t, repository.NewMemoryJournal(), notifier)
	require.NoError(t, svc.Mint(ctx, admin, student1, 10))

	svc.relayBatch(ctx)
	notifier.err = nil
	notifier.statusCode = 200
	require.NoError(t, svc.Mint(ctx, admin, student1, 10))
	svc.relayBatch(ctx)

	assert.Equal(t, []uint64{1, 1, 2}, notifier.delivered())
}

func TestRelayBatch_ResyncsAfterDuplicate(t *testing.T) {
	ctx := context.Background()
	journal := repository.NewMemoryJournal()

	svc, _, _ := newTestService(t, journal, nil)
	require.NoError(t, svc.Mint(ctx, admin, student1, 10))
	require.NoError(t, journal.AppendEvents(ctx, svc.Events(ctx, model.EventFilter{}, 0, 0)))

	svc.relayBatch(ctx)
	require.NoError(t, svc.Mint(ctx, admin, student1, 10))
	svc.relayBatch(ctx)

	last, err := journal.LastSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), last)
}

func TestRunEventRelay_StopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	notifier := &stubNotifier{statusCode: 200}
	svc, _, _ := newTestService(t, repository.NewMemoryJournal(), notifier)
	require.NoError(t, svc.Mint(context.Background(), admin, student1, 10))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.RunEventRelay(ctx, 5*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return len(notifier.delivered()) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("RunEventRelay did not return after cancel")
	}
}

func TestOperationMetrics(t *testing.T) {
	ctx := context.Background()
	svc, clk, m := newTestService(t, nil, nil)

	require.NoError(t, svc.Mint(ctx, admin, student1, 500))
	require.Error(t, svc.Mint(ctx, student1, student1, 500))
	require.Error(t, svc.Pay(ctx, student1, student2, 1))

	id, err := svc.IssueCredential(ctx, admin, registry.IssueRequest{Owner: student1, NaturalKey: "1"})
	require.NoError(t, err)
	clk.Advance(registry.DefaultValidity + time.Hour)
	require.NoError(t, svc.BurnExpiredCredential(ctx, student2, id))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Operations.WithLabelValues("ledger", "mint", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Operations.WithLabelValues("ledger", "mint", "unauthorized")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Operations.WithLabelValues("ledger", "pay", "not_a_merchant")))
	assert.Equal(t, 500.0, testutil.ToFloat64(m.TotalSupply))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveRecords))
}

func TestResultOf(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{err: nil, want: "ok"},
		{err: fmt.Errorf("%w: x", ledger.ErrLimitExceeded), want: "limit_exceeded"},
		{err: registry.ErrUnauthorized, want: "unauthorized"},
		{err: registry.ErrDuplicateKey, want: "duplicate_key"},
		{err: registry.ErrNotYetExpired, want: "not_yet_expired"},
		{err: errors.New("boom"), want: "error"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, resultOf(tt.err))
	}
}

func TestFlush_JournalsEverythingPending(t *testing.T) {
	ctx := context.Background()
	journal := &stubJournal{}

	svc, _, _ := newTestService(t, journal, nil)
	for i := 0; i < relayBatchSize+5; i++ {
		require.NoError(t, svc.Mint(ctx, admin, student1, 1))
	}

	require.NoError(t, svc.Flush(ctx))

	last, err := journal.LastSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(relayBatchSize+5), last)
	assert.Equal(t, 2, journal.appends)

	require.NoError(t, svc.Flush(ctx))
	assert.Equal(t, 2, journal.appends)
}

func TestFlush_ReturnsJournalError(t *testing.T) {
	ctx := context.Background()
	journal := &stubJournal{appendErr: errors.New("connection refused")}

	svc, _, m := newTestService(t, journal, nil)
	require.NoError(t, svc.Mint(ctx, admin, student1, 1))

	err := svc.Flush(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RelayFailures.WithLabelValues("journal")))
}

func TestRestore_ResumesDeliveryFromSavedCursor(t *testing.T) {
	ctx := context.Background()
	journal := repository.NewMemoryJournal()
	notifier := &stubNotifier{statusCode: 202}

	src, clk, _ := newTestService(t, journal, notifier)
	seedCampus(t, src)
	src.relayBatch(ctx)
	require.Equal(t, []uint64{1, 2, 3, 4, 5, 6}, notifier.delivered())

	notifier.err = errors.New("connection refused")
	require.NoError(t, src.Mint(ctx, admin, student2, 5))
	src.relayBatch(ctx)

	last, err := journal.LastSeq(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(7), last)

	next := &stubNotifier{statusCode: 202}
	dst := NewService(Options{Admin: admin, Clock: clk, Journal: journal, Notifier: next})
	_, err = dst.Restore(ctx)
	require.NoError(t, err)

	dst.relayBatch(ctx)
	assert.Equal(t, []uint64{7}, next.delivered())

	cursor, err := journal.LoadCursor(ctx, observerCursor)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), cursor)
}

func TestRelayBatch_CursorSaveFailureKeepsDelivering(t *testing.T) {
	ctx := context.Background()
	journal := &stubJournal{cursorErr: errors.New("connection refused")}
	notifier := &stubNotifier{statusCode: 202}

	svc, _, m := newTestService(t, journal, notifier)
	require.NoError(t, svc.Mint(ctx, admin, student1, 10))
	svc.relayBatch(ctx)

	require.NoError(t, svc.Mint(ctx, admin, student1, 10))
	svc.relayBatch(ctx)

	assert.Equal(t, []uint64{1, 2}, notifier.delivered())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RelayFailures.WithLabelValues("cursor")))
}
