package ledger

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/billfold/billfold/internal/domain"
	"github.com/billfold/billfold/internal/repository"
)

// fakeLedgerRepo implements only the ledger queries; the embedded interface
// panics on anything else, which would flag an unexpected call.
type fakeLedgerRepo struct {
	repository.Querier

	mu      sync.Mutex
	entries map[string]*repository.EventLedger
	gets    int

	// onGet runs before each read, letting tests resolve the entry mid-poll.
	onGet func(gets int, entry *repository.EventLedger)
}

func newFakeLedgerRepo() *fakeLedgerRepo {
	return &fakeLedgerRepo{entries: make(map[string]*repository.EventLedger)}
}

func (f *fakeLedgerRepo) InsertLedgerEntry(_ context.Context, arg repository.InsertLedgerEntryParams) (repository.EventLedger, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.entries[arg.EventID]; ok {
		return repository.EventLedger{}, pgx.ErrNoRows
	}
	entry := &repository.EventLedger{
		ID:        repository.UUID(uuid.New()),
		EventID:   arg.EventID,
		Provider:  arg.Provider,
		EventKind: arg.EventKind,
		Status:    "pending",
		CreatedAt: repository.Timestamptz(time.Now()),
	}
	f.entries[arg.EventID] = entry
	return *entry, nil
}

func (f *fakeLedgerRepo) GetLedgerEntry(_ context.Context, eventID string) (repository.EventLedger, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.entries[eventID]
	if !ok {
		return repository.EventLedger{}, pgx.ErrNoRows
	}
	f.gets++
	if f.onGet != nil {
		f.onGet(f.gets, entry)
	}
	return *entry, nil
}

func (f *fakeLedgerRepo) MarkLedgerProcessed(_ context.Context, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if entry, ok := f.entries[eventID]; ok {
		entry.Status = "processed"
	}
	return nil
}

func (f *fakeLedgerRepo) MarkLedgerFailed(_ context.Context, arg repository.MarkLedgerFailedParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if entry, ok := f.entries[arg.EventID]; ok {
		entry.Status = "failed"
		entry.FailureReason = arg.FailureReason
	}
	return nil
}

func newTestLedger(repo *fakeLedgerRepo) *Ledger {
	l := New(repo, slog.New(slog.NewTextHandler(io.Discard, nil)))
	// Virtual clock: sleeping advances time instead of blocking.
	clock := time.Now()
	l.now = func() time.Time { return clock }
	l.sleep = func(_ context.Context, d time.Duration) error {
		clock = clock.Add(d)
		return nil
	}
	return l
}

func testEvent(id string) *domain.BillingEvent {
	return &domain.BillingEvent{
		ProviderEventID: id,
		Provider:        domain.ProviderCard,
		Kind:            domain.EventCreated,
		UserID:          uuid.New(),
		RawPayload:      []byte(`{}`),
	}
}

func TestRecordIfNewClaimsFirstArrival(t *testing.T) {
	repo := newFakeLedgerRepo()
	l := newTestLedger(repo)

	out, err := l.RecordIfNew(context.Background(), testEvent("stripe:evt_1"))
	require.NoError(t, err)
	assert.True(t, out.Fresh)
	assert.Equal(t, domain.LedgerPending, out.Status)
}

func TestDuplicateReportsWinnerOutcome(t *testing.T) {
	repo := newFakeLedgerRepo()
	l := newTestLedger(repo)
	ctx := context.Background()

	_, err := l.RecordIfNew(ctx, testEvent("stripe:evt_1"))
	require.NoError(t, err)
	require.NoError(t, l.MarkProcessed(ctx, "stripe:evt_1"))

	out, err := l.RecordIfNew(ctx, testEvent("stripe:evt_1"))
	require.NoError(t, err)
	assert.False(t, out.Fresh)
	assert.Equal(t, domain.LedgerProcessed, out.Status)
}

func TestDuplicateReportsStoredFailure(t *testing.T) {
	repo := newFakeLedgerRepo()
	l := newTestLedger(repo)
	ctx := context.Background()

	_, err := l.RecordIfNew(ctx, testEvent("stripe:evt_1"))
	require.NoError(t, err)
	require.NoError(t, l.MarkFailed(ctx, "stripe:evt_1", "user could not be resolved"))

	out, err := l.RecordIfNew(ctx, testEvent("stripe:evt_1"))
	require.NoError(t, err)
	assert.False(t, out.Fresh)
	assert.Equal(t, domain.LedgerFailed, out.Status)
	assert.Equal(t, "user could not be resolved", out.FailureReason)
}

func TestDuplicateWaitsForSlowWinner(t *testing.T) {
	repo := newFakeLedgerRepo()
	l := newTestLedger(repo)
	ctx := context.Background()

	_, err := l.RecordIfNew(ctx, testEvent("stripe:evt_1"))
	require.NoError(t, err)

	// Winner finishes while the duplicate is polling.
	repo.onGet = func(gets int, entry *repository.EventLedger) {
		if gets == 3 {
			entry.Status = "processed"
		}
	}

	out, err := l.RecordIfNew(ctx, testEvent("stripe:evt_1"))
	require.NoError(t, err)
	assert.False(t, out.Fresh)
	assert.Equal(t, domain.LedgerProcessed, out.Status)
}

func TestDuplicateGivesUpOnStuckWinner(t *testing.T) {
	repo := newFakeLedgerRepo()
	l := newTestLedger(repo)
	ctx := context.Background()

	_, err := l.RecordIfNew(ctx, testEvent("stripe:evt_1"))
	require.NoError(t, err)

	out, err := l.RecordIfNew(ctx, testEvent("stripe:evt_1"))
	require.NoError(t, err)
	assert.False(t, out.Fresh)
	assert.Equal(t, domain.LedgerPending, out.Status)
	assert.False(t, out.PendingSince.IsZero())

	// The wait is bounded: pollTimeout worth of pollInterval reads, plus the
	// initial and final checks.
	maxReads := int(pollTimeout/pollInterval) + 2
	assert.LessOrEqual(t, repo.gets, maxReads)
}

func TestDuplicateWaitHonorsContextCancellation(t *testing.T) {
	repo := newFakeLedgerRepo()
	l := newTestLedger(repo)
	l.sleep = sleepCtx

	_, err := l.RecordIfNew(context.Background(), testEvent("stripe:evt_1"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.RecordIfNew(ctx, testEvent("stripe:evt_1"))
	assert.Error(t, err)
}
