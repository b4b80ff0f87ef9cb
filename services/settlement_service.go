package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/coinarena/settlement-engine/allocation"
	"github.com/coinarena/settlement-engine/ledger"
	"github.com/coinarena/settlement-engine/live"
	"github.com/coinarena/settlement-engine/models"
	"github.com/coinarena/settlement-engine/repositories"
)

// SettlementNotifier пушит события расчёта подписчикам админки.
type SettlementNotifier interface {
	NotifyTournament(tournamentID int, event string, payload interface{})
}

// SettlementArchiver сохраняет отчёт об успешном расчёте в архив.
type SettlementArchiver interface {
	Archive(ctx context.Context, report *SettlementReport) (location string, err error)
}

// Фиксированное пространство имён для ключей идемпотентности расчётов.
var settlementKeyNamespace = uuid.MustParse("7c9d41ef-53a8-4c2e-9b16-8f0a2d6e4b71")

// SettlementIdempotencyKey детерминированно выводит ключ идемпотентности
// из ID турнира: повтор и рестарт процесса дают тот же ключ, и внешний
// леджер дедуплицирует вызов.
func SettlementIdempotencyKey(tournamentID int) string {
	return uuid.NewSHA1(settlementKeyNamespace, []byte(fmt.Sprintf("tournament-settlement:%d", tournamentID))).String()
}

// SettlementService — координатор расчёта: персистентность долей и
// не-более-чем-однократный вызов внешнего леджера.
type SettlementService struct {
	tournamentRepo  repositories.TournamentRepository
	participantRepo repositories.ParticipantRepository
	ledgerClient    ledger.Client
	notifier        SettlementNotifier
	archiver        SettlementArchiver
	ledgerTimeout   time.Duration
	logger          *slog.Logger
}

func NewSettlementService(
	tournamentRepo repositories.TournamentRepository,
	participantRepo repositories.ParticipantRepository,
	ledgerClient ledger.Client,
	notifier SettlementNotifier,
	archiver SettlementArchiver,
	ledgerTimeout time.Duration,
	logger *slog.Logger,
) *SettlementService {
	return &SettlementService{
		tournamentRepo:  tournamentRepo,
		participantRepo: participantRepo,
		ledgerClient:    ledgerClient,
		notifier:        notifier,
		archiver:        archiver,
		ledgerTimeout:   ledgerTimeout,
		logger:          logger,
	}
}

// CalculationSummary — результат одного вызова Calculate.
type CalculationSummary struct {
	Tournament        *models.Tournament   `json:"tournament"`
	Participants      []models.Participant `json:"participants"`
	EligibleCount     int                  `json:"eligible_count"`
	UnallocatedBps    int                  `json:"unallocated_bps"`
	UnallocatedAmount int64                `json:"unallocated_amount"`
}

// Calculate пересчитывает доли всех участников. Повторяем сколько угодно
// раз, пока турнир Ended: каждый вызов — полный независимый пересчёт,
// перезаписывающий прежние доли.
func (s *SettlementService) Calculate(ctx context.Context, tournamentID int) (*CalculationSummary, error) {
	t, err := s.tournamentRepo.GetByID(ctx, tournamentID)
	if err != nil {
		if errors.Is(err, repositories.ErrTournamentNotFound) {
			return nil, ErrTournamentNotFound
		}
		return nil, fmt.Errorf("failed to load tournament %d: %w", tournamentID, err)
	}

	if t.Status != models.StatusEnded {
		return nil, fmt.Errorf("%w: cannot calculate shares while tournament %d is %q",
			ErrInvalidState, tournamentID, t.Status)
	}

	participants, err := s.participantRepo.ListByTournament(ctx, tournamentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load participants of tournament %d: %w", tournamentID, err)
	}

	result, err := allocation.Calculate(allocation.Input{
		Type:           t.Type,
		PrizePool:      t.PrizePool,
		MinCoins:       t.MinCoins,
		EquilibriumMin: t.EquilibriumMin,
		EquilibriumMax: t.EquilibriumMax,
	}, participants)
	if err != nil {
		return nil, fmt.Errorf("allocation for tournament %d failed: %w", tournamentID, err)
	}

	// Инварианты проверяются до записи: дефектный расчёт не должен
	// попасть в БД, прежние доли остаются нетронутыми.
	if err := result.Verify(t.PrizePool); err != nil {
		return nil, fmt.Errorf("%w: tournament %d: %v", ErrArithmeticInvariant, tournamentID, err)
	}

	if err := s.participantRepo.SaveShares(ctx, tournamentID, result.ParticipantShares()); err != nil {
		return nil, fmt.Errorf("failed to persist shares for tournament %d: %w", tournamentID, err)
	}

	// Остаток округления никому не достаётся — только в лог.
	s.logger.Info("tournament shares calculated",
		slog.Int("tournament_id", tournamentID),
		slog.String("type", string(t.Type)),
		slog.Int("participants", len(participants)),
		slog.Int("eligible", result.EligibleCount),
		slog.Int("unallocated_bps", result.UnallocatedBps),
		slog.Int64("unallocated_amount", result.UnallocatedAmount),
	)

	// Доли в ответе заполняем из результата, порядок срезов совпадает.
	for i := range participants {
		share := result.Shares[i]
		bps := share.PrizeShareBps
		amount := share.PrizeAmount
		participants[i].PrizeShareBps = &bps
		participants[i].PrizeAmount = &amount
	}

	if s.notifier != nil {
		s.notifier.NotifyTournament(tournamentID, live.EventSharesCalculated, map[string]interface{}{
			"tournament_id":  tournamentID,
			"eligible_count": result.EligibleCount,
		})
	}

	return &CalculationSummary{
		Tournament:        t,
		Participants:      participants,
		EligibleCount:     result.EligibleCount,
		UnallocatedBps:    result.UnallocatedBps,
		UnallocatedAmount: result.UnallocatedAmount,
	}, nil
}

// Settle проводит выплаты через внешний леджер не более одного раза на
// турнир. Эксклюзивность обеспечивает атомарный check-and-set маркера
// в BeginSettlement, а не блокировка в процессе — корректно и при
// нескольких экземплярах сервиса.
func (s *SettlementService) Settle(ctx context.Context, tournamentID int) (string, error) {
	ok, err := s.tournamentRepo.BeginSettlement(ctx, tournamentID)
	if err != nil {
		return "", fmt.Errorf("failed to begin settlement of tournament %d: %w", tournamentID, err)
	}
	if !ok {
		return "", s.classifySettleRefusal(ctx, tournamentID)
	}

	// Записи исхода и снятие маркера не должны отменяться вместе с
	// запросом оператора: обрыв соединения оставил бы маркер висеть.
	persistCtx := context.WithoutCancel(ctx)

	participants, err := s.participantRepo.ListByTournament(ctx, tournamentID)
	if err != nil {
		// Внешний вызов ещё не отправлялся — маркер можно снять.
		s.releaseAfterInternalError(persistCtx, tournamentID, err)
		return "", fmt.Errorf("failed to load participants of tournament %d: %w", tournamentID, err)
	}

	payouts := buildPayouts(participants)
	if len(payouts) == 0 {
		s.releaseAfterInternalError(persistCtx, tournamentID, errors.New("no payable shares at dispatch time"))
		return "", ErrNoCalculatedShares
	}

	key := SettlementIdempotencyKey(tournamentID)

	// Вызов отвязан от контекста запроса: после отправки операция не
	// отменяема, обрыв соединения оператора не должен её прерывать.
	// Таймаут ограничен сверху — по истечении уходим в ветку
	// неопределённого исхода, а не висим с маркером.
	callCtx, cancel := context.WithTimeout(context.Background(), s.ledgerTimeout)
	defer cancel()

	s.logger.Info("dispatching settlement to external ledger",
		slog.Int("tournament_id", tournamentID),
		slog.String("idempotency_key", key),
		slog.Int("payouts", len(payouts)),
	)

	reference, err := s.ledgerClient.Settle(callCtx, key, payouts)
	switch {
	case err == nil:
		if completeErr := s.tournamentRepo.CompleteSettlement(persistCtx, tournamentID, reference); completeErr != nil {
			// Деньги переведены, а финальный переход не записан — это
			// уже не откатить, только чинить руками по логу.
			s.logger.Error("settlement succeeded but status transition failed",
				slog.Int("tournament_id", tournamentID),
				slog.String("reference", reference),
				slog.Any("error", completeErr))
			return reference, fmt.Errorf("settlement committed (reference %s) but completion failed: %w", reference, completeErr)
		}

		s.logger.Info("tournament settled",
			slog.Int("tournament_id", tournamentID),
			slog.String("reference", reference))

		if s.notifier != nil {
			s.notifier.NotifyTournament(tournamentID, live.EventTournamentSettled, map[string]interface{}{
				"tournament_id":      tournamentID,
				"settlement_tx_hash": reference,
			})
		}
		s.archiveReport(persistCtx, tournamentID, key, reference, participants)
		return reference, nil

	case errors.Is(err, ledger.ErrOutcomeUnknown):
		// Слепой повтор здесь — это в точности сценарий двойной выплаты.
		// Маркер остаётся (как ambiguous) до сверки с леджером.
		if markErr := s.tournamentRepo.MarkSettlementAmbiguous(persistCtx, tournamentID, err.Error()); markErr != nil {
			s.logger.Error("failed to mark settlement ambiguous",
				slog.Int("tournament_id", tournamentID), slog.Any("error", markErr))
		}
		s.logger.Warn("settlement outcome unknown, reconciliation required",
			slog.Int("tournament_id", tournamentID),
			slog.String("idempotency_key", key),
			slog.Any("error", err))
		s.notifyFailure(tournamentID, "ambiguous", err)
		return "", fmt.Errorf("%w: tournament %d: %v", ErrAmbiguousSettlement, tournamentID, err)

	default:
		// Подтверждённый отказ: маркер снимаем, турнир остаётся Ended,
		// повтор разрешён с тем же ключом идемпотентности.
		if failErr := s.tournamentRepo.FailSettlement(persistCtx, tournamentID, err.Error()); failErr != nil {
			s.logger.Error("failed to record settlement failure",
				slog.Int("tournament_id", tournamentID), slog.Any("error", failErr))
		}
		s.logger.Warn("external ledger rejected settlement",
			slog.Int("tournament_id", tournamentID), slog.Any("error", err))
		s.notifyFailure(tournamentID, "rejected", err)
		return "", fmt.Errorf("%w: tournament %d: %v", ErrExternalLedger, tournamentID, err)
	}
}

// ReconcileResult — итог сверки неопределённого расчёта.
type ReconcileResult struct {
	Settled          bool   `json:"settled"`
	SettlementTxHash string `json:"settlement_tx_hash,omitempty"`
}

// Reconcile — операторская сверка после неопределённого исхода:
// спрашиваем леджер по тому же ключу идемпотентности, был ли расчёт
// фактически проведён, и завершаем или разблокируем турнир. Кроме
// ambiguous принимает и in_progress: процесс мог упасть между отправкой
// и записью исхода, и тогда зависший маркер — тот же неизвестный исход.
func (s *SettlementService) Reconcile(ctx context.Context, tournamentID int) (*ReconcileResult, error) {
	t, err := s.tournamentRepo.GetByID(ctx, tournamentID)
	if err != nil {
		if errors.Is(err, repositories.ErrTournamentNotFound) {
			return nil, ErrTournamentNotFound
		}
		return nil, fmt.Errorf("failed to load tournament %d: %w", tournamentID, err)
	}
	if t.SettlementState != models.SettlementAmbiguous && t.SettlementState != models.SettlementInProgress {
		return nil, fmt.Errorf("%w: tournament %d settlement state is %q",
			ErrNotReconcilable, tournamentID, t.SettlementState)
	}

	key := SettlementIdempotencyKey(tournamentID)

	queryCtx, cancel := context.WithTimeout(ctx, s.ledgerTimeout)
	defer cancel()

	reference, settled, err := s.ledgerClient.QueryByIdempotencyKey(queryCtx, key)
	if err != nil {
		// Маркер не трогаем: сверка не удалась, повторить можно.
		return nil, fmt.Errorf("%w: reconciliation query for tournament %d failed: %v",
			ErrExternalLedger, tournamentID, err)
	}

	// Вердикт получен — его запись не должна отмениться вместе с запросом.
	persistCtx := context.WithoutCancel(ctx)

	if !settled {
		if err := s.tournamentRepo.ResolveUnsettled(persistCtx, tournamentID); err != nil {
			return nil, fmt.Errorf("failed to clear settlement marker for tournament %d: %w", tournamentID, err)
		}
		s.logger.Info("reconciliation confirmed settlement did not happen, retry unlocked",
			slog.Int("tournament_id", tournamentID))
		return &ReconcileResult{Settled: false}, nil
	}

	if err := s.tournamentRepo.ResolveSettled(persistCtx, tournamentID, reference); err != nil {
		return nil, fmt.Errorf("failed to finalize reconciled settlement of tournament %d: %w", tournamentID, err)
	}

	s.logger.Info("reconciliation recovered committed settlement",
		slog.Int("tournament_id", tournamentID),
		slog.String("reference", reference))

	if s.notifier != nil {
		s.notifier.NotifyTournament(tournamentID, live.EventTournamentSettled, map[string]interface{}{
			"tournament_id":      tournamentID,
			"settlement_tx_hash": reference,
		})
	}

	if participants, listErr := s.participantRepo.ListByTournament(ctx, tournamentID); listErr == nil {
		s.archiveReport(persistCtx, tournamentID, key, reference, participants)
	}

	return &ReconcileResult{Settled: true, SettlementTxHash: reference}, nil
}

// classifySettleRefusal переводит несработавший check-and-set в ошибку
// для оператора, всегда с текущим статусом турнира.
func (s *SettlementService) classifySettleRefusal(ctx context.Context, tournamentID int) error {
	t, err := s.tournamentRepo.GetByID(ctx, tournamentID)
	if err != nil {
		if errors.Is(err, repositories.ErrTournamentNotFound) {
			return ErrTournamentNotFound
		}
		return fmt.Errorf("failed to classify settlement refusal for tournament %d: %w", tournamentID, err)
	}

	switch {
	case t.SettlementState == models.SettlementInProgress:
		return fmt.Errorf("%w: tournament %d", ErrSettlementInProgress, tournamentID)
	case t.SettlementState == models.SettlementAmbiguous:
		return fmt.Errorf("%w: tournament %d", ErrReconciliationRequired, tournamentID)
	case t.Status == models.StatusSettled:
		return fmt.Errorf("%w: tournament %d is already settled", ErrInvalidState, tournamentID)
	case t.Status != models.StatusEnded:
		return fmt.Errorf("%w: cannot settle tournament %d in status %q", ErrInvalidState, tournamentID, t.Status)
	default:
		return fmt.Errorf("%w: tournament %d", ErrNoCalculatedShares, tournamentID)
	}
}

func (s *SettlementService) releaseAfterInternalError(ctx context.Context, tournamentID int, cause error) {
	if err := s.tournamentRepo.FailSettlement(ctx, tournamentID, cause.Error()); err != nil {
		s.logger.Error("failed to release settlement marker",
			slog.Int("tournament_id", tournamentID), slog.Any("error", err))
	}
}

func (s *SettlementService) notifyFailure(tournamentID int, kind string, cause error) {
	if s.notifier == nil {
		return
	}
	s.notifier.NotifyTournament(tournamentID, live.EventSettlementFailed, map[string]interface{}{
		"tournament_id": tournamentID,
		"kind":          kind,
		"error":         cause.Error(),
	})
}

func (s *SettlementService) archiveReport(ctx context.Context, tournamentID int, key, reference string, participants []models.Participant) {
	if s.archiver == nil {
		return
	}
	report := buildSettlementReport(tournamentID, key, reference, participants)
	location, err := s.archiver.Archive(ctx, report)
	if err != nil {
		// Леджер уже провёл расчёт: неудача архива не отменяет Settle.
		s.logger.Error("failed to archive settlement report",
			slog.Int("tournament_id", tournamentID), slog.Any("error", err))
		return
	}
	s.logger.Info("settlement report archived",
		slog.Int("tournament_id", tournamentID),
		slog.String("location", location))
}

func buildPayouts(participants []models.Participant) []ledger.Payout {
	payouts := make([]ledger.Payout, 0, len(participants))
	for _, p := range participants {
		if p.PrizeAmount != nil && *p.PrizeAmount > 0 {
			payouts = append(payouts, ledger.Payout{
				AccountIdentifier: p.AccountIdentifier,
				Amount:            *p.PrizeAmount,
			})
		}
	}
	return payouts
}
