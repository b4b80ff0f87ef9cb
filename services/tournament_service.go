package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/coinarena/settlement-engine/models"
	"github.com/coinarena/settlement-engine/repositories"
)

// TournamentService — чтение турниров и автоматическая смена статусов
// по времени. Регистрацию и сжигание монет ведёт внешняя подсистема.
type TournamentService struct {
	tournamentRepo  repositories.TournamentRepository
	participantRepo repositories.ParticipantRepository
	logger          *slog.Logger
}

func NewTournamentService(
	tournamentRepo repositories.TournamentRepository,
	participantRepo repositories.ParticipantRepository,
	logger *slog.Logger,
) *TournamentService {
	return &TournamentService{
		tournamentRepo:  tournamentRepo,
		participantRepo: participantRepo,
		logger:          logger,
	}
}

// GetTournamentByID возвращает турнир вместе с участниками и их долями.
func (s *TournamentService) GetTournamentByID(ctx context.Context, id int) (*models.Tournament, error) {
	t, err := s.tournamentRepo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repositories.ErrTournamentNotFound) {
			return nil, ErrTournamentNotFound
		}
		return nil, err
	}

	participants, err := s.participantRepo.ListByTournament(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load participants of tournament %d: %w", id, err)
	}
	t.Participants = participants

	return t, nil
}

func (s *TournamentService) ListTournaments(ctx context.Context, filter repositories.ListTournamentsFilter) ([]models.Tournament, error) {
	return s.tournamentRepo.List(ctx, filter)
}

// AutoUpdateTournamentStatusesByDates переводит турниры по времени:
// Upcoming→Active по start_time, Active→Ended по end_time. Переходы —
// compare-and-set: гонка с другим экземпляром сервиса безвредна,
// проигравший CAS просто ничего не меняет.
func (s *TournamentService) AutoUpdateTournamentStatusesByDates(ctx context.Context) error {
	now := time.Now().UTC()

	due, err := s.tournamentRepo.GetTournamentsForAutoStatusUpdate(ctx, nil, now)
	if err != nil {
		return fmt.Errorf("failed to load tournaments due for status update: %w", err)
	}
	if len(due) == 0 {
		return nil
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for _, t := range due {
		t := t
		g.Go(func() error {
			return s.advanceTournamentStatus(gCtx, t, now)
		})
	}

	return g.Wait()
}

func (s *TournamentService) advanceTournamentStatus(ctx context.Context, t *models.Tournament, now time.Time) error {
	status := t.Status

	if status == models.StatusUpcoming && !t.StartTime.After(now) {
		ok, err := s.tournamentRepo.CompareAndSetStatus(ctx, nil, t.ID, models.StatusUpcoming, models.StatusActive)
		if err != nil {
			return fmt.Errorf("failed to activate tournament %d: %w", t.ID, err)
		}
		if !ok {
			return nil // кто-то успел раньше
		}
		status = models.StatusActive
		s.logger.Info("tournament activated",
			slog.Int("tournament_id", t.ID), slog.Time("start_time", t.StartTime))
	}

	if status == models.StatusActive && !t.EndTime.After(now) {
		ok, err := s.tournamentRepo.CompareAndSetStatus(ctx, nil, t.ID, models.StatusActive, models.StatusEnded)
		if err != nil {
			return fmt.Errorf("failed to end tournament %d: %w", t.ID, err)
		}
		if ok {
			// С этого момента вклады заморожены и Calculate разрешён.
			s.logger.Info("tournament ended",
				slog.Int("tournament_id", t.ID), slog.Time("end_time", t.EndTime))
		}
	}

	return nil
}
