package models

import "time"

// TournamentType определяет алгоритм распределения призового фонда.
type TournamentType string

const (
	// TypeUnbalanced — чисто пропорциональное распределение по сожжённым монетам.
	TypeUnbalanced TournamentType = "unbalanced"
	// TypeBalanced — перед пропорциональным распределением вес участника
	// зажимается в полосу равновесия [equilibrium_min, equilibrium_max].
	TypeBalanced TournamentType = "balanced"
)

// TournamentStatus представляет статусы турнира, соответствующие ENUM в БД.
type TournamentStatus string

const (
	StatusUpcoming TournamentStatus = "upcoming"
	StatusActive   TournamentStatus = "active"
	StatusEnded    TournamentStatus = "ended"
	StatusSettled  TournamentStatus = "settled"
)

// SettlementState — маркер хода расчёта. Не отдельный статус турнира,
// а защита от конкурирующих вызовов Settle и от потери неопределённого
// исхода внешнего вызова при падении процесса.
type SettlementState string

const (
	SettlementNone SettlementState = "none"
	// SettlementInProgress выставляется атомарно перед внешним вызовом.
	SettlementInProgress SettlementState = "in_progress"
	// SettlementAmbiguous: исход внешнего вызова неизвестен (таймаут и т.п.).
	// Снимается только сверкой с леджером по ключу идемпотентности.
	SettlementAmbiguous SettlementState = "ambiguous"
)

// Tournament представляет турнир. Движок расчёта не создаёт и не удаляет
// строки турниров — он меняет только status, settlement_state,
// settlement_tx_hash и last_settlement_error.
type Tournament struct {
	ID             int              `json:"id" db:"id"`
	Name           string           `json:"name" db:"name"`
	Type           TournamentType   `json:"type" db:"type"`
	Status         TournamentStatus `json:"status" db:"status"`
	StartTime      time.Time        `json:"start_time" db:"start_time"`
	EndTime        time.Time        `json:"end_time" db:"end_time"`
	PrizePool      int64            `json:"prize_pool" db:"prize_pool"`
	MinCoins       int64            `json:"min_coins" db:"min_coins"`
	EquilibriumMin *int64           `json:"equilibrium_min,omitempty" db:"equilibrium_min"`
	EquilibriumMax *int64           `json:"equilibrium_max,omitempty" db:"equilibrium_max"`

	SettlementState     SettlementState `json:"settlement_state" db:"settlement_state"`
	SettlementTxHash    *string         `json:"settlement_tx_hash,omitempty" db:"settlement_tx_hash"`
	LastSettlementError *string         `json:"last_settlement_error,omitempty" db:"last_settlement_error"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`

	// Опциональные связанные сущности (не мапятся напрямую)
	Participants []Participant `json:"participants,omitempty" db:"-"`
}
