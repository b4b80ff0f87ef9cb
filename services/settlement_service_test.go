package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/coinarena/settlement-engine/ledger"
	"github.com/coinarena/settlement-engine/live"
	"github.com/coinarena/settlement-engine/models"
)

func int64Ptr(v int64) *int64 { return &v }
func intPtr(v int) *int       { return &v }

func endedTournament(id int) *models.Tournament {
	return &models.Tournament{
		ID:              id,
		Name:            "weekly burn",
		Type:            models.TypeUnbalanced,
		Status:          models.StatusEnded,
		PrizePool:       1000,
		SettlementState: models.SettlementNone,
	}
}

func newSettlementService(
	tournamentRepo *mockTournamentRepository,
	participantRepo *mockParticipantRepository,
	ledgerClient *mockLedgerClient,
	notifier SettlementNotifier,
	archiver SettlementArchiver,
) *SettlementService {
	return NewSettlementService(tournamentRepo, participantRepo, ledgerClient, notifier, archiver, time.Second, testLogger())
}

func TestSettlementIdempotencyKeyIsDeterministic(t *testing.T) {
	assert.Equal(t, SettlementIdempotencyKey(42), SettlementIdempotencyKey(42))
	assert.NotEqual(t, SettlementIdempotencyKey(42), SettlementIdempotencyKey(43))
}

func TestCalculatePersistsSharesAndFillsResponse(t *testing.T) {
	tournamentRepo := new(mockTournamentRepository)
	participantRepo := new(mockParticipantRepository)
	notifier := new(mockNotifier)

	tournamentRepo.On("GetByID", mock.Anything, 7).Return(endedTournament(7), nil)
	participantRepo.On("ListByTournament", mock.Anything, 7).Return([]models.Participant{
		{ID: 1, TournamentID: 7, AccountIdentifier: "alice", CoinsBurned: 100},
		{ID: 2, TournamentID: 7, AccountIdentifier: "bob", CoinsBurned: 300},
	}, nil)
	participantRepo.On("SaveShares", mock.Anything, 7, []models.ParticipantShare{
		{ParticipantID: 1, PrizeShareBps: 2500, PrizeAmount: 250},
		{ParticipantID: 2, PrizeShareBps: 7500, PrizeAmount: 750},
	}).Return(nil)
	notifier.On("NotifyTournament", 7, live.EventSharesCalculated, mock.Anything).Return()

	svc := newSettlementService(tournamentRepo, participantRepo, new(mockLedgerClient), notifier, nil)

	summary, err := svc.Calculate(context.Background(), 7)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.EligibleCount)
	assert.Equal(t, 0, summary.UnallocatedBps)
	require.Len(t, summary.Participants, 2)
	assert.Equal(t, 2500, *summary.Participants[0].PrizeShareBps)
	assert.Equal(t, int64(250), *summary.Participants[0].PrizeAmount)
	assert.Equal(t, 7500, *summary.Participants[1].PrizeShareBps)
	assert.Equal(t, int64(750), *summary.Participants[1].PrizeAmount)

	tournamentRepo.AssertExpectations(t)
	participantRepo.AssertExpectations(t)
	notifier.AssertExpectations(t)
}

func TestCalculateRejectsTournamentNotEnded(t *testing.T) {
	for _, status := range []models.TournamentStatus{models.StatusUpcoming, models.StatusActive, models.StatusSettled} {
		tournamentRepo := new(mockTournamentRepository)
		participantRepo := new(mockParticipantRepository)

		tournament := endedTournament(7)
		tournament.Status = status
		tournamentRepo.On("GetByID", mock.Anything, 7).Return(tournament, nil)

		svc := newSettlementService(tournamentRepo, participantRepo, new(mockLedgerClient), nil, nil)

		_, err := svc.Calculate(context.Background(), 7)
		assert.ErrorIs(t, err, ErrInvalidState, "status %s", status)
		participantRepo.AssertNotCalled(t, "SaveShares", mock.Anything, mock.Anything, mock.Anything)
	}
}

func TestSettleSuccess(t *testing.T) {
	tournamentRepo := new(mockTournamentRepository)
	participantRepo := new(mockParticipantRepository)
	ledgerClient := new(mockLedgerClient)
	notifier := new(mockNotifier)
	archiver := new(mockArchiver)

	participants := []models.Participant{
		{ID: 1, TournamentID: 7, AccountIdentifier: "alice", CoinsBurned: 100, PrizeShareBps: intPtr(2500), PrizeAmount: int64Ptr(250)},
		{ID: 2, TournamentID: 7, AccountIdentifier: "bob", CoinsBurned: 300, PrizeShareBps: intPtr(7500), PrizeAmount: int64Ptr(750)},
		{ID: 3, TournamentID: 7, AccountIdentifier: "carol", CoinsBurned: 1},
	}

	tournamentRepo.On("BeginSettlement", mock.Anything, 7).Return(true, nil)
	participantRepo.On("ListByTournament", mock.Anything, 7).Return(participants, nil)
	// Нулевые и нерассчитанные доли в выплаты не попадают.
	ledgerClient.On("Settle", mock.Anything, SettlementIdempotencyKey(7), []ledger.Payout{
		{AccountIdentifier: "alice", Amount: 250},
		{AccountIdentifier: "bob", Amount: 750},
	}).Return("0xabc123", nil)
	tournamentRepo.On("CompleteSettlement", mock.Anything, 7, "0xabc123").Return(nil)
	notifier.On("NotifyTournament", 7, live.EventTournamentSettled, mock.Anything).Return()
	archiver.On("Archive", mock.Anything, mock.AnythingOfType("*services.SettlementReport")).Return("https://reports/7.json", nil)

	svc := newSettlementService(tournamentRepo, participantRepo, ledgerClient, notifier, archiver)

	reference, err := svc.Settle(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, "0xabc123", reference)

	tournamentRepo.AssertExpectations(t)
	ledgerClient.AssertExpectations(t)
	notifier.AssertExpectations(t)
	archiver.AssertExpectations(t)
}

func TestSettleRefusalClassification(t *testing.T) {
	cases := []struct {
		name            string
		status          models.TournamentStatus
		settlementState models.SettlementState
		wantErr         error
	}{
		{"another settlement in flight", models.StatusEnded, models.SettlementInProgress, ErrSettlementInProgress},
		{"previous outcome ambiguous", models.StatusEnded, models.SettlementAmbiguous, ErrReconciliationRequired},
		{"already settled", models.StatusSettled, models.SettlementNone, ErrInvalidState},
		{"still active", models.StatusActive, models.SettlementNone, ErrInvalidState},
		{"no calculated shares", models.StatusEnded, models.SettlementNone, ErrNoCalculatedShares},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tournamentRepo := new(mockTournamentRepository)
			ledgerClient := new(mockLedgerClient)

			tournament := endedTournament(7)
			tournament.Status = tc.status
			tournament.SettlementState = tc.settlementState

			tournamentRepo.On("BeginSettlement", mock.Anything, 7).Return(false, nil)
			tournamentRepo.On("GetByID", mock.Anything, 7).Return(tournament, nil)

			svc := newSettlementService(tournamentRepo, new(mockParticipantRepository), ledgerClient, nil, nil)

			_, err := svc.Settle(context.Background(), 7)
			assert.ErrorIs(t, err, tc.wantErr)
			// Отказ check-and-set никогда не доходит до внешнего вызова.
			ledgerClient.AssertNotCalled(t, "Settle", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestSettleLedgerRejectionUnlocksRetry(t *testing.T) {
	tournamentRepo := new(mockTournamentRepository)
	participantRepo := new(mockParticipantRepository)
	ledgerClient := new(mockLedgerClient)

	participants := []models.Participant{
		{ID: 1, TournamentID: 7, AccountIdentifier: "alice", PrizeAmount: int64Ptr(1000)},
	}

	tournamentRepo.On("BeginSettlement", mock.Anything, 7).Return(true, nil)
	participantRepo.On("ListByTournament", mock.Anything, 7).Return(participants, nil)
	ledgerClient.On("Settle", mock.Anything, mock.Anything, mock.Anything).
		Return("", &ledger.APIError{StatusCode: 422, Message: "insufficient treasury balance"})
	tournamentRepo.On("FailSettlement", mock.Anything, 7, mock.AnythingOfType("string")).Return(nil)

	svc := newSettlementService(tournamentRepo, participantRepo, ledgerClient, nil, nil)

	_, err := svc.Settle(context.Background(), 7)
	assert.ErrorIs(t, err, ErrExternalLedger)
	tournamentRepo.AssertExpectations(t)
	tournamentRepo.AssertNotCalled(t, "MarkSettlementAmbiguous", mock.Anything, mock.Anything, mock.Anything)
}

func TestSettleUnknownOutcomeLocksUntilReconciled(t *testing.T) {
	tournamentRepo := new(mockTournamentRepository)
	participantRepo := new(mockParticipantRepository)
	ledgerClient := new(mockLedgerClient)

	participants := []models.Participant{
		{ID: 1, TournamentID: 7, AccountIdentifier: "alice", PrizeAmount: int64Ptr(1000)},
	}

	tournamentRepo.On("BeginSettlement", mock.Anything, 7).Return(true, nil)
	participantRepo.On("ListByTournament", mock.Anything, 7).Return(participants, nil)
	ledgerClient.On("Settle", mock.Anything, mock.Anything, mock.Anything).
		Return("", errors.Join(ledger.ErrOutcomeUnknown, errors.New("request timed out")))
	tournamentRepo.On("MarkSettlementAmbiguous", mock.Anything, 7, mock.AnythingOfType("string")).Return(nil)

	svc := newSettlementService(tournamentRepo, participantRepo, ledgerClient, nil, nil)

	_, err := svc.Settle(context.Background(), 7)
	assert.ErrorIs(t, err, ErrAmbiguousSettlement)
	tournamentRepo.AssertExpectations(t)
	// Слепой повтор после таймаута запрещён, маркер не снимается.
	tournamentRepo.AssertNotCalled(t, "FailSettlement", mock.Anything, mock.Anything, mock.Anything)
	tournamentRepo.AssertNotCalled(t, "CompleteSettlement", mock.Anything, mock.Anything, mock.Anything)
}

func TestSettleReleasesMarkerWhenNoPayableShares(t *testing.T) {
	tournamentRepo := new(mockTournamentRepository)
	participantRepo := new(mockParticipantRepository)
	ledgerClient := new(mockLedgerClient)

	// Доли обнулились между check-and-set и чтением участников.
	participants := []models.Participant{
		{ID: 1, TournamentID: 7, AccountIdentifier: "alice", PrizeAmount: int64Ptr(0)},
		{ID: 2, TournamentID: 7, AccountIdentifier: "bob"},
	}

	tournamentRepo.On("BeginSettlement", mock.Anything, 7).Return(true, nil)
	participantRepo.On("ListByTournament", mock.Anything, 7).Return(participants, nil)
	tournamentRepo.On("FailSettlement", mock.Anything, 7, mock.AnythingOfType("string")).Return(nil)

	svc := newSettlementService(tournamentRepo, participantRepo, ledgerClient, nil, nil)

	_, err := svc.Settle(context.Background(), 7)
	assert.ErrorIs(t, err, ErrNoCalculatedShares)
	ledgerClient.AssertNotCalled(t, "Settle", mock.Anything, mock.Anything, mock.Anything)
	tournamentRepo.AssertExpectations(t)
}

// countingLedger считает вызовы Settle и отвечает с задержкой, чтобы
// конкурирующий вызов успел наткнуться на занятый маркер.
type countingLedger struct {
	mu    sync.Mutex
	calls int
}

func (c *countingLedger) Settle(ctx context.Context, idempotencyKey string, payouts []ledger.Payout) (string, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	time.Sleep(50 * time.Millisecond)
	return "0xrace", nil
}

func (c *countingLedger) QueryByIdempotencyKey(ctx context.Context, idempotencyKey string) (string, bool, error) {
	return "", false, nil
}

func (c *countingLedger) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestSettleConcurrentCallsDispatchExactlyOnce(t *testing.T) {
	repo := newFakeSettlementRepo(*endedTournament(7), true)
	participantRepo := new(mockParticipantRepository)
	participantRepo.On("ListByTournament", mock.Anything, 7).Return([]models.Participant{
		{ID: 1, TournamentID: 7, AccountIdentifier: "alice", PrizeAmount: int64Ptr(1000)},
	}, nil)
	ledgerClient := &countingLedger{}

	svc := NewSettlementService(repo, participantRepo, ledgerClient, nil, nil, time.Second, testLogger())

	results := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Settle(context.Background(), 7)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var succeeded, refused int
	for err := range results {
		if err == nil {
			succeeded++
			continue
		}
		refused++
		// Проигравший видит либо занятый маркер, либо уже Settled.
		assert.True(t,
			errors.Is(err, ErrSettlementInProgress) || errors.Is(err, ErrInvalidState),
			"unexpected refusal: %v", err)
	}

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, refused)
	assert.Equal(t, 1, ledgerClient.callCount())

	final, err := repo.GetByID(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSettled, final.Status)
	assert.Equal(t, models.SettlementNone, final.SettlementState)
	require.NotNil(t, final.SettlementTxHash)
	assert.Equal(t, "0xrace", *final.SettlementTxHash)
}

func TestReconcileConfirmsCommittedSettlement(t *testing.T) {
	tournamentRepo := new(mockTournamentRepository)
	participantRepo := new(mockParticipantRepository)
	ledgerClient := new(mockLedgerClient)
	notifier := new(mockNotifier)

	tournament := endedTournament(7)
	tournament.SettlementState = models.SettlementAmbiguous

	tournamentRepo.On("GetByID", mock.Anything, 7).Return(tournament, nil)
	ledgerClient.On("QueryByIdempotencyKey", mock.Anything, SettlementIdempotencyKey(7)).
		Return("0xdef456", true, nil)
	tournamentRepo.On("ResolveSettled", mock.Anything, 7, "0xdef456").Return(nil)
	notifier.On("NotifyTournament", 7, live.EventTournamentSettled, mock.Anything).Return()
	participantRepo.On("ListByTournament", mock.Anything, 7).Return([]models.Participant{}, nil)

	svc := newSettlementService(tournamentRepo, participantRepo, ledgerClient, notifier, nil)

	result, err := svc.Reconcile(context.Background(), 7)
	require.NoError(t, err)
	assert.True(t, result.Settled)
	assert.Equal(t, "0xdef456", result.SettlementTxHash)
	tournamentRepo.AssertExpectations(t)
	notifier.AssertExpectations(t)
}

func TestReconcileUnlocksRetryWhenLedgerNeverSettled(t *testing.T) {
	tournamentRepo := new(mockTournamentRepository)
	ledgerClient := new(mockLedgerClient)

	tournament := endedTournament(7)
	tournament.SettlementState = models.SettlementAmbiguous

	tournamentRepo.On("GetByID", mock.Anything, 7).Return(tournament, nil)
	ledgerClient.On("QueryByIdempotencyKey", mock.Anything, SettlementIdempotencyKey(7)).
		Return("", false, nil)
	tournamentRepo.On("ResolveUnsettled", mock.Anything, 7).Return(nil)

	svc := newSettlementService(tournamentRepo, new(mockParticipantRepository), ledgerClient, nil, nil)

	result, err := svc.Reconcile(context.Background(), 7)
	require.NoError(t, err)
	assert.False(t, result.Settled)
	assert.Empty(t, result.SettlementTxHash)
	tournamentRepo.AssertExpectations(t)
}

func TestReconcileRequiresOutstandingMarker(t *testing.T) {
	tournamentRepo := new(mockTournamentRepository)
	ledgerClient := new(mockLedgerClient)

	// Маркер свободен — сверять нечего.
	tournamentRepo.On("GetByID", mock.Anything, 7).Return(endedTournament(7), nil)

	svc := newSettlementService(tournamentRepo, new(mockParticipantRepository), ledgerClient, nil, nil)

	_, err := svc.Reconcile(context.Background(), 7)
	assert.ErrorIs(t, err, ErrNotReconcilable)
	ledgerClient.AssertNotCalled(t, "QueryByIdempotencyKey", mock.Anything, mock.Anything)
}

func TestReconcileKeepsMarkerWhenQueryFails(t *testing.T) {
	tournamentRepo := new(mockTournamentRepository)
	ledgerClient := new(mockLedgerClient)

	tournament := endedTournament(7)
	tournament.SettlementState = models.SettlementAmbiguous

	tournamentRepo.On("GetByID", mock.Anything, 7).Return(tournament, nil)
	ledgerClient.On("QueryByIdempotencyKey", mock.Anything, mock.Anything).
		Return("", false, errors.New("ledger unreachable"))

	svc := newSettlementService(tournamentRepo, new(mockParticipantRepository), ledgerClient, nil, nil)

	_, err := svc.Reconcile(context.Background(), 7)
	assert.ErrorIs(t, err, ErrExternalLedger)
	tournamentRepo.AssertNotCalled(t, "ResolveUnsettled", mock.Anything, mock.Anything)
	tournamentRepo.AssertNotCalled(t, "ResolveSettled", mock.Anything, mock.Anything, mock.Anything)
}

// Процесс упал между BeginSettlement и записью исхода: маркер остался
// in_progress. Settle такой турнир не принимает, выход — сверка.
func TestReconcileRecoversStuckInProgressMarker(t *testing.T) {
	t.Run("ledger committed the settlement", func(t *testing.T) {
		tournament := endedTournament(7)
		tournament.SettlementState = models.SettlementInProgress
		repo := newFakeSettlementRepo(*tournament, true)

		ledgerClient := new(mockLedgerClient)
		ledgerClient.On("QueryByIdempotencyKey", mock.Anything, SettlementIdempotencyKey(7)).
			Return("0xcrash", true, nil)

		participantRepo := new(mockParticipantRepository)
		participantRepo.On("ListByTournament", mock.Anything, 7).Return([]models.Participant{}, nil)

		svc := NewSettlementService(repo, participantRepo, ledgerClient, nil, nil, time.Second, testLogger())

		_, err := svc.Settle(context.Background(), 7)
		assert.ErrorIs(t, err, ErrSettlementInProgress)

		result, err := svc.Reconcile(context.Background(), 7)
		require.NoError(t, err)
		assert.True(t, result.Settled)
		assert.Equal(t, "0xcrash", result.SettlementTxHash)

		final, err := repo.GetByID(context.Background(), 7)
		require.NoError(t, err)
		assert.Equal(t, models.StatusSettled, final.Status)
		assert.Equal(t, models.SettlementNone, final.SettlementState)
	})

	t.Run("ledger never saw the call", func(t *testing.T) {
		tournament := endedTournament(7)
		tournament.SettlementState = models.SettlementInProgress
		repo := newFakeSettlementRepo(*tournament, true)

		ledgerClient := new(mockLedgerClient)
		ledgerClient.On("QueryByIdempotencyKey", mock.Anything, SettlementIdempotencyKey(7)).
			Return("", false, nil)

		svc := NewSettlementService(repo, new(mockParticipantRepository), ledgerClient, nil, nil, time.Second, testLogger())

		result, err := svc.Reconcile(context.Background(), 7)
		require.NoError(t, err)
		assert.False(t, result.Settled)

		// Маркер снят, повторный Settle снова возможен.
		final, err := repo.GetByID(context.Background(), 7)
		require.NoError(t, err)
		assert.Equal(t, models.StatusEnded, final.Status)
		assert.Equal(t, models.SettlementNone, final.SettlementState)
	})
}

// Обрыв соединения оператора во время внешнего вызова не должен
// отменить запись исхода: иначе маркер застревает в in_progress при
// фактически проведённом расчёте.
func TestSettleOutcomePersistedAfterOperatorDisconnect(t *testing.T) {
	tournamentRepo := new(mockTournamentRepository)
	participantRepo := new(mockParticipantRepository)
	ledgerClient := new(mockLedgerClient)

	participants := []models.Participant{
		{ID: 1, TournamentID: 7, AccountIdentifier: "alice", PrizeAmount: int64Ptr(1000)},
	}

	ctx, cancel := context.WithCancel(context.Background())

	tournamentRepo.On("BeginSettlement", mock.Anything, 7).Return(true, nil)
	participantRepo.On("ListByTournament", mock.Anything, 7).Return(participants, nil)
	ledgerClient.On("Settle", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { cancel() }).
		Return("0xabc123", nil)
	tournamentRepo.On("CompleteSettlement", mock.MatchedBy(func(callCtx context.Context) bool {
		return callCtx.Err() == nil
	}), 7, "0xabc123").Return(nil)

	svc := newSettlementService(tournamentRepo, participantRepo, ledgerClient, nil, nil)

	reference, err := svc.Settle(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "0xabc123", reference)
	tournamentRepo.AssertExpectations(t)
}
