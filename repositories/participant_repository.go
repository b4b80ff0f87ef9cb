package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/coinarena/settlement-engine/models"
)

var ErrParticipantNotFound = errors.New("participant not found")

type ParticipantRepository interface {
	ListByTournament(ctx context.Context, tournamentID int) ([]models.Participant, error)

	// SaveShares перезаписывает доли всех участников турнира одной
	// транзакцией: частично сохранённый расчёт недопустим.
	SaveShares(ctx context.Context, tournamentID int, shares []models.ParticipantShare) error
}

type postgresParticipantRepository struct {
	db *sql.DB
}

func NewPostgresParticipantRepository(db *sql.DB) ParticipantRepository {
	return &postgresParticipantRepository{db: db}
}

func (r *postgresParticipantRepository) ListByTournament(ctx context.Context, tournamentID int) ([]models.Participant, error) {
	query := `
		SELECT id, tournament_id, account_identifier, coins_burned,
		       prize_share_bps, prize_amount, created_at
		FROM participants
		WHERE tournament_id = $1
		ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query, tournamentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	participants := make([]models.Participant, 0)
	for rows.Next() {
		var p models.Participant
		if scanErr := rows.Scan(
			&p.ID, &p.TournamentID, &p.AccountIdentifier, &p.CoinsBurned,
			&p.PrizeShareBps, &p.PrizeAmount, &p.CreatedAt,
		); scanErr != nil {
			return nil, scanErr
		}
		participants = append(participants, p)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return participants, nil
}

func (r *postgresParticipantRepository) SaveShares(ctx context.Context, tournamentID int, shares []models.ParticipantShare) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin shares transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		UPDATE participants
		SET prize_share_bps = $1, prize_amount = $2
		WHERE id = $3 AND tournament_id = $4`

	for _, share := range shares {
		result, execErr := tx.ExecContext(ctx, query,
			share.PrizeShareBps, share.PrizeAmount, share.ParticipantID, tournamentID)
		if execErr != nil {
			return fmt.Errorf("failed to save share for participant %d: %w", share.ParticipantID, execErr)
		}
		if err = checkAffectedRows(result, ErrParticipantNotFound); err != nil {
			return fmt.Errorf("participant %d: %w", share.ParticipantID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit shares transaction: %w", err)
	}
	return nil
}
