package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/coinarena/settlement-engine/models"
)

var (
	ErrTournamentNotFound = errors.New("tournament not found")
	// ErrSettlementStateConflict: маркер расчёта изменился конкурентно —
	// guard-условие UPDATE не совпало ни с одной строкой.
	ErrSettlementStateConflict = errors.New("tournament settlement state changed concurrently")
)

type ListTournamentsFilter struct {
	Type   *models.TournamentType
	Status *models.TournamentStatus
	Limit  int
	Offset int
}

type TournamentRepository interface {
	GetByID(ctx context.Context, id int) (*models.Tournament, error)
	List(ctx context.Context, filter ListTournamentsFilter) ([]models.Tournament, error)

	// CompareAndSetStatus атомарно переводит турнир из expected в next.
	// Возвращает false без ошибки, если текущий статус не equals expected.
	CompareAndSetStatus(ctx context.Context, exec SQLExecutor, id int, expected, next models.TournamentStatus) (bool, error)
	GetTournamentsForAutoStatusUpdate(ctx context.Context, exec SQLExecutor, currentTime time.Time) ([]*models.Tournament, error)

	// BeginSettlement — единый атомарный check-and-set координатора:
	// status=ended, маркер свободен и есть хотя бы одна положительная
	// рассчитанная выплата. Возвращает false, если условие не выполнено.
	BeginSettlement(ctx context.Context, id int) (bool, error)
	CompleteSettlement(ctx context.Context, id int, txHash string) error
	FailSettlement(ctx context.Context, id int, reason string) error
	MarkSettlementAmbiguous(ctx context.Context, id int, reason string) error

	// ResolveSettled/ResolveUnsettled закрывают сверенный расчёт по
	// вердикту леджера. Снимают маркер ambiguous, а также зависший
	// in_progress (процесс упал между отправкой и записью исхода).
	ResolveSettled(ctx context.Context, id int, txHash string) error
	ResolveUnsettled(ctx context.Context, id int) error
}

type postgresTournamentRepository struct {
	db *sql.DB
}

func NewPostgresTournamentRepository(db *sql.DB) TournamentRepository {
	return &postgresTournamentRepository{db: db}
}

func (r *postgresTournamentRepository) getExecutor(exec SQLExecutor) SQLExecutor {
	if exec != nil {
		return exec
	}
	return r.db
}

const tournamentColumns = `
	id, name, type, status, start_time, end_time, prize_pool, min_coins,
	equilibrium_min, equilibrium_max, settlement_state, settlement_tx_hash,
	last_settlement_error, created_at`

func scanTournament(row interface{ Scan(dest ...interface{}) error }, t *models.Tournament) error {
	return row.Scan(
		&t.ID, &t.Name, &t.Type, &t.Status, &t.StartTime, &t.EndTime,
		&t.PrizePool, &t.MinCoins, &t.EquilibriumMin, &t.EquilibriumMax,
		&t.SettlementState, &t.SettlementTxHash, &t.LastSettlementError, &t.CreatedAt,
	)
}

func (r *postgresTournamentRepository) GetByID(ctx context.Context, id int) (*models.Tournament, error) {
	executor := r.getExecutor(nil)
	query := `SELECT` + tournamentColumns + ` FROM tournaments WHERE id = $1`

	t := &models.Tournament{}
	err := scanTournament(executor.QueryRowContext(ctx, query, id), t)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTournamentNotFound
		}
		return nil, err
	}
	return t, nil
}

func (r *postgresTournamentRepository) List(ctx context.Context, filter ListTournamentsFilter) ([]models.Tournament, error) {
	executor := r.getExecutor(nil)
	query := `SELECT` + tournamentColumns + ` FROM tournaments WHERE 1=1`

	args := []interface{}{}
	argID := 1

	if filter.Type != nil {
		query += fmt.Sprintf(" AND type = $%d", argID)
		args = append(args, *filter.Type)
		argID++
	}
	if filter.Status != nil {
		query += fmt.Sprintf(" AND status = $%d", argID)
		args = append(args, *filter.Status)
		argID++
	}

	query += " ORDER BY end_time DESC, created_at DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argID)
		args = append(args, filter.Limit)
		argID++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argID)
		args = append(args, filter.Offset)
	}

	rows, err := executor.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tournaments := make([]models.Tournament, 0)
	for rows.Next() {
		var t models.Tournament
		if scanErr := scanTournament(rows, &t); scanErr != nil {
			return nil, scanErr
		}
		tournaments = append(tournaments, t)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return tournaments, nil
}

func (r *postgresTournamentRepository) CompareAndSetStatus(ctx context.Context, exec SQLExecutor, id int, expected, next models.TournamentStatus) (bool, error) {
	executor := r.getExecutor(exec)
	query := `UPDATE tournaments SET status = $1 WHERE id = $2 AND status = $3`
	result, err := executor.ExecContext(ctx, query, next, id, expected)
	if err != nil {
		return false, err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check affected rows: %w", err)
	}
	return rowsAffected == 1, nil
}

func (r *postgresTournamentRepository) GetTournamentsForAutoStatusUpdate(ctx context.Context, exec SQLExecutor, currentTime time.Time) ([]*models.Tournament, error) {
	executor := r.getExecutor(exec)
	query := `SELECT` + tournamentColumns + `
		FROM tournaments
		WHERE (status = $1 AND start_time <= $3)
		   OR (status = $2 AND end_time <= $3)`
	args := []interface{}{
		models.StatusUpcoming, // $1
		models.StatusActive,   // $2
		currentTime,           // $3
	}

	rows, err := executor.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tournaments for auto status update: %w", err)
	}
	defer rows.Close()

	var tournaments []*models.Tournament
	for rows.Next() {
		var t models.Tournament
		if scanErr := scanTournament(rows, &t); scanErr != nil {
			return nil, fmt.Errorf("failed to scan tournament for auto status update: %w", scanErr)
		}
		tournaments = append(tournaments, &t)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error during tournament rows iteration for auto status update: %w", err)
	}
	return tournaments, nil
}

func (r *postgresTournamentRepository) BeginSettlement(ctx context.Context, id int) (bool, error) {
	executor := r.getExecutor(nil)
	// Один guarded UPDATE вместо долгой блокировки: второй конкурирующий
	// вызов не совпадёт с условием и не дойдёт до внешнего леджера.
	query := `
		UPDATE tournaments
		SET settlement_state = $1
		WHERE id = $2
		  AND status = $3
		  AND settlement_state = $4
		  AND EXISTS (
			SELECT 1 FROM participants
			WHERE tournament_id = $2 AND prize_amount > 0
		  )`
	result, err := executor.ExecContext(ctx, query,
		models.SettlementInProgress, id, models.StatusEnded, models.SettlementNone)
	if err != nil {
		return false, err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check affected rows: %w", err)
	}
	return rowsAffected == 1, nil
}

func (r *postgresTournamentRepository) CompleteSettlement(ctx context.Context, id int, txHash string) error {
	executor := r.getExecutor(nil)
	query := `
		UPDATE tournaments
		SET status = $1, settlement_state = $2, settlement_tx_hash = $3, last_settlement_error = NULL
		WHERE id = $4 AND settlement_state = $5`
	result, err := executor.ExecContext(ctx, query,
		models.StatusSettled, models.SettlementNone, txHash, id, models.SettlementInProgress)
	if err != nil {
		return err
	}
	return checkAffectedRows(result, ErrSettlementStateConflict)
}

func (r *postgresTournamentRepository) FailSettlement(ctx context.Context, id int, reason string) error {
	executor := r.getExecutor(nil)
	query := `
		UPDATE tournaments
		SET settlement_state = $1, last_settlement_error = $2
		WHERE id = $3 AND settlement_state = $4`
	result, err := executor.ExecContext(ctx, query,
		models.SettlementNone, reason, id, models.SettlementInProgress)
	if err != nil {
		return err
	}
	return checkAffectedRows(result, ErrSettlementStateConflict)
}

func (r *postgresTournamentRepository) MarkSettlementAmbiguous(ctx context.Context, id int, reason string) error {
	executor := r.getExecutor(nil)
	query := `
		UPDATE tournaments
		SET settlement_state = $1, last_settlement_error = $2
		WHERE id = $3 AND settlement_state = $4`
	result, err := executor.ExecContext(ctx, query,
		models.SettlementAmbiguous, reason, id, models.SettlementInProgress)
	if err != nil {
		return err
	}
	return checkAffectedRows(result, ErrSettlementStateConflict)
}

func (r *postgresTournamentRepository) ResolveSettled(ctx context.Context, id int, txHash string) error {
	executor := r.getExecutor(nil)
	query := `
		UPDATE tournaments
		SET status = $1, settlement_state = $2, settlement_tx_hash = $3, last_settlement_error = NULL
		WHERE id = $4 AND settlement_state IN ($5, $6)`
	result, err := executor.ExecContext(ctx, query,
		models.StatusSettled, models.SettlementNone, txHash, id,
		models.SettlementAmbiguous, models.SettlementInProgress)
	if err != nil {
		return err
	}
	return checkAffectedRows(result, ErrSettlementStateConflict)
}

func (r *postgresTournamentRepository) ResolveUnsettled(ctx context.Context, id int) error {
	executor := r.getExecutor(nil)
	query := `
		UPDATE tournaments
		SET settlement_state = $1
		WHERE id = $2 AND settlement_state IN ($3, $4)`
	result, err := executor.ExecContext(ctx, query,
		models.SettlementNone, id,
		models.SettlementAmbiguous, models.SettlementInProgress)
	if err != nil {
		return err
	}
	return checkAffectedRows(result, ErrSettlementStateConflict)
}
