package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artforge/genbot/internal/config"
	"github.com/artforge/genbot/internal/kie"
	"github.com/artforge/genbot/internal/models"
	"github.com/artforge/genbot/internal/pricing"
)

type fakeBalance struct {
	mu       sync.Mutex
	balance  int64
	debits   []int64
	credits  []int64
	debitErr error
}

func (f *fakeBalance) Debit(ctx context.Context, userID int64, amount int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.debitErr != nil {
		return false, f.debitErr
	}
	if f.balance < amount {
		return false, nil
	}
	f.balance -= amount
	f.debits = append(f.debits, amount)
	return true, nil
}

func (f *fakeBalance) Credit(ctx context.Context, userID int64, amount int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balance += amount
	f.credits = append(f.credits, amount)
	return nil
}

type fakeQuota struct {
	mu        sync.Mutex
	remaining int
	consumed  int
	refunded  int
}

func (f *fakeQuota) Remaining(ctx context.Context, userID int64, class models.Category) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remaining, nil
}

func (f *fakeQuota) Consume(ctx context.Context, userID int64, class models.Category) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remaining <= 0 {
		return false, nil
	}
	f.remaining--
	f.consumed++
	return true, nil
}

func (f *fakeQuota) Refund(ctx context.Context, userID int64, class models.Category) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remaining++
	f.refunded++
	return nil
}

type journalEntry struct {
	ev       models.GenerationEvent
	status   models.EventStatus
	errCode  string
	errMsg   string
	taskID   string
	refunded bool
}

type fakeJournal struct {
	mu       sync.Mutex
	nextID   int64
	entries  map[int64]*journalEntry
	startErr error
}

func newFakeJournal() *fakeJournal {
	return &fakeJournal{entries: make(map[int64]*journalEntry)}
}

func (f *fakeJournal) Start(ctx context.Context, ev *models.GenerationEvent) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return 0, f.startErr
	}
	f.nextID++
	ev.ID = f.nextID
	ev.Status = models.StatusStarted
	f.entries[f.nextID] = &journalEntry{ev: *ev, status: models.StatusStarted}
	return f.nextID, nil
}

func (f *fakeJournal) Finalize(ctx context.Context, eventID int64, status models.EventStatus, errCode, errMsg string, durationMS int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.entries[eventID]
	if !ok {
		return errors.New("no such event")
	}
	if entry.status != models.StatusStarted {
		return errors.New("already finalized")
	}
	entry.status = status
	entry.errCode = errCode
	entry.errMsg = errMsg
	return nil
}

func (f *fakeJournal) SetTaskID(ctx context.Context, eventID int64, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if entry, ok := f.entries[eventID]; ok {
		entry.taskID = taskID
	}
	return nil
}

func (f *fakeJournal) MarkRefunded(ctx context.Context, eventID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.entries[eventID]
	if !ok {
		return false, errors.New("no such event")
	}
	if entry.refunded {
		return false, nil
	}
	entry.refunded = true
	return true, nil
}

func (f *fakeJournal) get(eventID int64) journalEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.entries[eventID]
}

func (f *fakeJournal) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

type generatorFunc func(ctx context.Context, modelID string, input kie.GenerateInput) (*kie.Result, error)

func (fn generatorFunc) Generate(ctx context.Context, modelID string, input kie.GenerateInput) (*kie.Result, error) {
	return fn(ctx, modelID, input)
}

func okGenerator(taskID, url string) generatorFunc {
	return func(ctx context.Context, modelID string, input kie.GenerateInput) (*kie.Result, error) {
		return &kie.Result{TaskID: taskID, URL: url}, nil
	}
}

type billingFixture struct {
	svc     *BillingService
	balance *fakeBalance
	quota   *fakeQuota
	journal *fakeJournal
	user    *models.User
}

func newBillingFixture(t *testing.T, cfg config.Config, balanceKopecks int64, quotaRemaining int, gen Generator) *billingFixture {
	t.Helper()
	table, err := pricing.NewTable([]pricing.Model{
		{ID: "banana", Title: "Banana", Category: models.CategoryImage, Tier: models.TierFree, PriceKopecks: 500, Enabled: true},
		{ID: "flux-pro", Title: "Flux Pro", Category: models.CategoryImage, Tier: models.TierPaid, PriceKopecks: 1500, Enabled: true},
	})
	require.NoError(t, err)

	balance := &fakeBalance{balance: balanceKopecks}
	quota := &fakeQuota{remaining: quotaRemaining}
	journal := newFakeJournal()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	if cfg.GenerationTimeout == 0 {
		cfg.GenerationTimeout = time.Second
	}
	if cfg.QuotaExhausted == "" {
		cfg.QuotaExhausted = config.QuotaDegrade
	}

	svc := NewBillingService(cfg, log, pricing.NewService(table, quota), balance, quota, journal, gen)
	return &billingFixture{
		svc:     svc,
		balance: balance,
		quota:   quota,
		journal: journal,
		user:    &models.User{ID: 7, TelegramID: 42},
	}
}

func TestGenerateFreeSuccess(t *testing.T) {
	fx := newBillingFixture(t, config.Config{}, 0, 5, okGenerator("task-1", "https://cdn/img.png"))

	result, err := fx.svc.Generate(context.Background(), fx.user, GenerationRequest{ModelID: "banana", Prompt: "кот в сапогах"})
	require.NoError(t, err)

	assert.Equal(t, "https://cdn/img.png", result.URL)
	assert.True(t, result.Quote.FreeApplied)
	assert.Equal(t, int64(0), result.Quote.PriceKopecks)
	assert.NotEmpty(t, result.RequestID)

	assert.Equal(t, 1, fx.quota.consumed)
	assert.Equal(t, 4, fx.quota.remaining)
	assert.Empty(t, fx.balance.debits)

	entry := fx.journal.get(result.EventID)
	assert.Equal(t, models.StatusSuccess, entry.status)
	assert.Equal(t, "task-1", entry.taskID)
	assert.True(t, entry.ev.IsFreeApplied)
	assert.False(t, entry.refunded)
}

func TestGeneratePaidSuccess(t *testing.T) {
	fx := newBillingFixture(t, config.Config{}, 5000, 5, okGenerator("task-2", "https://cdn/img2.png"))

	result, err := fx.svc.Generate(context.Background(), fx.user, GenerationRequest{ModelID: "flux-pro", Prompt: "город будущего"})
	require.NoError(t, err)

	assert.False(t, result.Quote.FreeApplied)
	assert.Equal(t, int64(1500), result.Quote.PriceKopecks)
	assert.Equal(t, int64(3500), fx.balance.balance)
	assert.Equal(t, 0, fx.quota.consumed)

	entry := fx.journal.get(result.EventID)
	assert.Equal(t, models.StatusSuccess, entry.status)
	assert.Equal(t, int64(1500), entry.ev.PriceKopecks)
}

func TestGenerateInsufficientFunds(t *testing.T) {
	fx := newBillingFixture(t, config.Config{}, 100, 5, okGenerator("", ""))

	_, err := fx.svc.Generate(context.Background(), fx.user, GenerationRequest{ModelID: "flux-pro", Prompt: "x"})
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	// The decline happens before anything is written or taken.
	assert.Equal(t, 0, fx.journal.count())
	assert.Equal(t, int64(100), fx.balance.balance)
	assert.Equal(t, 0, fx.quota.consumed)
}

func TestGenerateUnknownModel(t *testing.T) {
	fx := newBillingFixture(t, config.Config{}, 5000, 5, okGenerator("", ""))

	_, err := fx.svc.Generate(context.Background(), fx.user, GenerationRequest{ModelID: "ghost", Prompt: "x"})
	assert.ErrorIs(t, err, pricing.ErrUnknownModel)
	assert.Equal(t, 0, fx.journal.count())
}

func TestGenerateEmptyPrompt(t *testing.T) {
	fx := newBillingFixture(t, config.Config{}, 5000, 5, okGenerator("", ""))

	_, err := fx.svc.Generate(context.Background(), fx.user, GenerationRequest{ModelID: "banana"})
	assert.Error(t, err)
	assert.Equal(t, 0, fx.journal.count())
}

func TestGenerateDegradeToPaid(t *testing.T) {
	fx := newBillingFixture(t, config.Config{}, 5000, 0, okGenerator("task-3", "https://cdn/img3.png"))

	result, err := fx.svc.Generate(context.Background(), fx.user, GenerationRequest{ModelID: "banana", Prompt: "x"})
	require.NoError(t, err)

	// Free model billed at its paid price once the allowance is gone.
	assert.True(t, result.Quote.Degraded)
	assert.False(t, result.Quote.FreeApplied)
	assert.Equal(t, int64(500), result.Quote.PriceKopecks)
	assert.Equal(t, int64(4500), fx.balance.balance)
}

func TestGenerateBlockPolicy(t *testing.T) {
	cfg := config.Config{QuotaExhausted: config.QuotaBlock}
	fx := newBillingFixture(t, cfg, 5000, 0, okGenerator("", ""))

	_, err := fx.svc.Generate(context.Background(), fx.user, GenerationRequest{ModelID: "banana", Prompt: "x"})
	assert.ErrorIs(t, err, ErrQuotaExhausted)
	assert.Equal(t, 0, fx.journal.count())
	assert.Equal(t, int64(5000), fx.balance.balance)
}

func TestGenerateProviderFailureRefundsPaid(t *testing.T) {
	gen := generatorFunc(func(ctx context.Context, modelID string, input kie.GenerateInput) (*kie.Result, error) {
		return nil, &kie.TaskError{Code: "provider_422", Message: "prompt rejected"}
	})
	fx := newBillingFixture(t, config.Config{}, 5000, 5, gen)

	_, err := fx.svc.Generate(context.Background(), fx.user, GenerationRequest{ModelID: "flux-pro", Prompt: "x"})
	require.Error(t, err)

	// Balance restored in full, exactly once.
	assert.Equal(t, int64(5000), fx.balance.balance)
	assert.Equal(t, []int64{1500}, fx.balance.credits)

	entry := fx.journal.get(1)
	assert.Equal(t, models.StatusFailed, entry.status)
	assert.Equal(t, "provider_422", entry.errCode)
	assert.Equal(t, "prompt rejected", entry.errMsg)
	assert.True(t, entry.refunded)
}

func TestGenerateProviderFailureRefundsQuota(t *testing.T) {
	gen := generatorFunc(func(ctx context.Context, modelID string, input kie.GenerateInput) (*kie.Result, error) {
		return nil, &kie.TaskError{Code: "provider_500", Message: "internal"}
	})
	fx := newBillingFixture(t, config.Config{}, 0, 5, gen)

	_, err := fx.svc.Generate(context.Background(), fx.user, GenerationRequest{ModelID: "banana", Prompt: "x"})
	require.Error(t, err)

	// The free slot comes back; the balance is never touched.
	assert.Equal(t, 5, fx.quota.remaining)
	assert.Equal(t, 1, fx.quota.refunded)
	assert.Empty(t, fx.balance.credits)

	entry := fx.journal.get(1)
	assert.Equal(t, models.StatusFailed, entry.status)
	assert.True(t, entry.refunded)
}

func TestGenerateTimeout(t *testing.T) {
	gen := generatorFunc(func(ctx context.Context, modelID string, input kie.GenerateInput) (*kie.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	cfg := config.Config{GenerationTimeout: 20 * time.Millisecond}
	fx := newBillingFixture(t, cfg, 5000, 5, gen)

	_, err := fx.svc.Generate(context.Background(), fx.user, GenerationRequest{ModelID: "flux-pro", Prompt: "x"})
	require.Error(t, err)

	entry := fx.journal.get(1)
	assert.Equal(t, models.StatusTimeout, entry.status)
	assert.Equal(t, "timeout", entry.errCode)
	assert.True(t, entry.refunded)
	assert.Equal(t, int64(5000), fx.balance.balance)
}

func TestGenerateAbandonedRequestStillFinalizes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	gen := generatorFunc(func(ctx context.Context, modelID string, input kie.GenerateInput) (*kie.Result, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	})
	fx := newBillingFixture(t, config.Config{}, 5000, 5, gen)

	_, err := fx.svc.Generate(ctx, fx.user, GenerationRequest{ModelID: "flux-pro", Prompt: "x"})
	require.Error(t, err)

	// The caller walked away, but the event still reached a terminal state
	// and the charge was reversed.
	entry := fx.journal.get(1)
	assert.Equal(t, models.StatusTimeout, entry.status)
	assert.Equal(t, "canceled", entry.errCode)
	assert.True(t, entry.refunded)
	assert.Equal(t, int64(5000), fx.balance.balance)
}

func TestGenerateStartFailureReversesCharge(t *testing.T) {
	fx := newBillingFixture(t, config.Config{}, 5000, 5, okGenerator("", ""))
	fx.journal.startErr = errors.New("journal down")

	_, err := fx.svc.Generate(context.Background(), fx.user, GenerationRequest{ModelID: "flux-pro", Prompt: "x"})
	require.Error(t, err)
	assert.Equal(t, int64(5000), fx.balance.balance)
}

// N concurrent free requests against a window allowance of 3 must yield
// exactly 3 free events; under the degrade policy the rest bill as paid.
func TestGenerateConcurrentFreeRequests(t *testing.T) {
	const workers = 10
	fx := newBillingFixture(t, config.Config{}, 100000, 3, okGenerator("t", "https://cdn/x.png"))

	results := make([]*GenerationResult, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := fx.svc.Generate(context.Background(), fx.user, GenerationRequest{ModelID: "banana", Prompt: "x"})
			if err == nil {
				results[i] = res
			}
		}(i)
	}
	wg.Wait()

	free, paid := 0, 0
	var paidKopecks int64
	for _, res := range results {
		require.NotNil(t, res)
		if res.Quote.FreeApplied {
			free++
		} else {
			paid++
			paidKopecks += res.Quote.PriceKopecks
		}
	}
	assert.Equal(t, 3, free)
	assert.Equal(t, workers-3, paid)
	assert.Equal(t, int64(100000)-paidKopecks, fx.balance.balance)
	assert.Equal(t, 3, fx.quota.consumed)
}

func TestClassifyFailure(t *testing.T) {
	t.Run("task error", func(t *testing.T) {
		status, code, msg := classifyFailure(&kie.TaskError{Code: "x1", Message: "nope"})
		assert.Equal(t, models.StatusFailed, status)
		assert.Equal(t, "x1", code)
		assert.Equal(t, "nope", msg)
	})

	t.Run("task error without code", func(t *testing.T) {
		status, code, _ := classifyFailure(&kie.TaskError{Message: "nope"})
		assert.Equal(t, models.StatusFailed, status)
		assert.Equal(t, "provider_error", code)
	})

	t.Run("deadline", func(t *testing.T) {
		status, code, _ := classifyFailure(context.DeadlineExceeded)
		assert.Equal(t, models.StatusTimeout, status)
		assert.Equal(t, "timeout", code)
	})

	t.Run("canceled", func(t *testing.T) {
		status, code, _ := classifyFailure(context.Canceled)
		assert.Equal(t, models.StatusTimeout, status)
		assert.Equal(t, "canceled", code)
	})

	t.Run("anything else", func(t *testing.T) {
		status, code, _ := classifyFailure(errors.New("boom"))
		assert.Equal(t, models.StatusFailed, status)
		assert.Equal(t, "internal", code)
	})
}
