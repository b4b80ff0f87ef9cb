package services

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/coinarena/settlement-engine/ledger"
	"github.com/coinarena/settlement-engine/models"
	"github.com/coinarena/settlement-engine/repositories"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type mockTournamentRepository struct {
	mock.Mock
}

func (m *mockTournamentRepository) GetByID(ctx context.Context, id int) (*models.Tournament, error) {
	args := m.Called(ctx, id)
	var t *models.Tournament
	if args.Get(0) != nil {
		t = args.Get(0).(*models.Tournament)
	}
	return t, args.Error(1)
}

func (m *mockTournamentRepository) List(ctx context.Context, filter repositories.ListTournamentsFilter) ([]models.Tournament, error) {
	args := m.Called(ctx, filter)
	var tournaments []models.Tournament
	if args.Get(0) != nil {
		tournaments = args.Get(0).([]models.Tournament)
	}
	return tournaments, args.Error(1)
}

func (m *mockTournamentRepository) CompareAndSetStatus(ctx context.Context, exec repositories.SQLExecutor, id int, expected, next models.TournamentStatus) (bool, error) {
	args := m.Called(ctx, exec, id, expected, next)
	return args.Bool(0), args.Error(1)
}

func (m *mockTournamentRepository) GetTournamentsForAutoStatusUpdate(ctx context.Context, exec repositories.SQLExecutor, currentTime time.Time) ([]*models.Tournament, error) {
	args := m.Called(ctx, exec, currentTime)
	var tournaments []*models.Tournament
	if args.Get(0) != nil {
		tournaments = args.Get(0).([]*models.Tournament)
	}
	return tournaments, args.Error(1)
}

func (m *mockTournamentRepository) BeginSettlement(ctx context.Context, id int) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *mockTournamentRepository) CompleteSettlement(ctx context.Context, id int, txHash string) error {
	args := m.Called(ctx, id, txHash)
	return args.Error(0)
}

func (m *mockTournamentRepository) FailSettlement(ctx context.Context, id int, reason string) error {
	args := m.Called(ctx, id, reason)
	return args.Error(0)
}

func (m *mockTournamentRepository) MarkSettlementAmbiguous(ctx context.Context, id int, reason string) error {
	args := m.Called(ctx, id, reason)
	return args.Error(0)
}

func (m *mockTournamentRepository) ResolveSettled(ctx context.Context, id int, txHash string) error {
	args := m.Called(ctx, id, txHash)
	return args.Error(0)
}

func (m *mockTournamentRepository) ResolveUnsettled(ctx context.Context, id int) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

type mockParticipantRepository struct {
	mock.Mock
}

func (m *mockParticipantRepository) ListByTournament(ctx context.Context, tournamentID int) ([]models.Participant, error) {
	args := m.Called(ctx, tournamentID)
	var participants []models.Participant
	if args.Get(0) != nil {
		participants = args.Get(0).([]models.Participant)
	}
	return participants, args.Error(1)
}

func (m *mockParticipantRepository) SaveShares(ctx context.Context, tournamentID int, shares []models.ParticipantShare) error {
	args := m.Called(ctx, tournamentID, shares)
	return args.Error(0)
}

type mockLedgerClient struct {
	mock.Mock
}

func (m *mockLedgerClient) Settle(ctx context.Context, idempotencyKey string, payouts []ledger.Payout) (string, error) {
	args := m.Called(ctx, idempotencyKey, payouts)
	return args.String(0), args.Error(1)
}

func (m *mockLedgerClient) QueryByIdempotencyKey(ctx context.Context, idempotencyKey string) (string, bool, error) {
	args := m.Called(ctx, idempotencyKey)
	return args.String(0), args.Bool(1), args.Error(2)
}

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) NotifyTournament(tournamentID int, event string, payload interface{}) {
	m.Called(tournamentID, event, payload)
}

type mockArchiver struct {
	mock.Mock
}

func (m *mockArchiver) Archive(ctx context.Context, report *SettlementReport) (string, error) {
	args := m.Called(ctx, report)
	return args.String(0), args.Error(1)
}

// fakeSettlementRepo держит состояние одного турнира в памяти и повторяет
// семантику guarded UPDATE'ов постгресового репозитория. Нужен там, где
// важна настоящая атомарность check-and-set, а не ожидания мока.
type fakeSettlementRepo struct {
	mu sync.Mutex

	tournament models.Tournament
	hasPayable bool
}

func newFakeSettlementRepo(t models.Tournament, hasPayable bool) *fakeSettlementRepo {
	return &fakeSettlementRepo{tournament: t, hasPayable: hasPayable}
}

func (f *fakeSettlementRepo) GetByID(ctx context.Context, id int) (*models.Tournament, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snapshot := f.tournament
	return &snapshot, nil
}

func (f *fakeSettlementRepo) List(ctx context.Context, filter repositories.ListTournamentsFilter) ([]models.Tournament, error) {
	return nil, nil
}

func (f *fakeSettlementRepo) CompareAndSetStatus(ctx context.Context, exec repositories.SQLExecutor, id int, expected, next models.TournamentStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tournament.Status != expected {
		return false, nil
	}
	f.tournament.Status = next
	return true, nil
}

func (f *fakeSettlementRepo) GetTournamentsForAutoStatusUpdate(ctx context.Context, exec repositories.SQLExecutor, currentTime time.Time) ([]*models.Tournament, error) {
	return nil, nil
}

func (f *fakeSettlementRepo) BeginSettlement(ctx context.Context, id int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tournament.Status != models.StatusEnded ||
		f.tournament.SettlementState != models.SettlementNone ||
		!f.hasPayable {
		return false, nil
	}
	f.tournament.SettlementState = models.SettlementInProgress
	return true, nil
}

func (f *fakeSettlementRepo) CompleteSettlement(ctx context.Context, id int, txHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tournament.SettlementState != models.SettlementInProgress {
		return repositories.ErrSettlementStateConflict
	}
	f.tournament.Status = models.StatusSettled
	f.tournament.SettlementState = models.SettlementNone
	f.tournament.SettlementTxHash = &txHash
	return nil
}

func (f *fakeSettlementRepo) FailSettlement(ctx context.Context, id int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tournament.SettlementState != models.SettlementInProgress {
		return repositories.ErrSettlementStateConflict
	}
	f.tournament.SettlementState = models.SettlementNone
	f.tournament.LastSettlementError = &reason
	return nil
}

func (f *fakeSettlementRepo) MarkSettlementAmbiguous(ctx context.Context, id int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tournament.SettlementState != models.SettlementInProgress {
		return repositories.ErrSettlementStateConflict
	}
	f.tournament.SettlementState = models.SettlementAmbiguous
	f.tournament.LastSettlementError = &reason
	return nil
}

func (f *fakeSettlementRepo) ResolveSettled(ctx context.Context, id int, txHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tournament.SettlementState != models.SettlementAmbiguous &&
		f.tournament.SettlementState != models.SettlementInProgress {
		return repositories.ErrSettlementStateConflict
	}
	f.tournament.Status = models.StatusSettled
	f.tournament.SettlementState = models.SettlementNone
	f.tournament.SettlementTxHash = &txHash
	return nil
}

func (f *fakeSettlementRepo) ResolveUnsettled(ctx context.Context, id int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tournament.SettlementState != models.SettlementAmbiguous &&
		f.tournament.SettlementState != models.SettlementInProgress {
		return repositories.ErrSettlementStateConflict
	}
	f.tournament.SettlementState = models.SettlementNone
	return nil
}
