package models

import "time"

// Participant — вклад одного аккаунта в турнир. Сумма сожжённых монет
// фиксируется внешней подсистемой регистрации и после окончания турнира
// не меняется; движок расчёта пишет только prize_share_bps и prize_amount.
type Participant struct {
	ID                int       `json:"id" db:"id"`
	TournamentID      int       `json:"tournament_id" db:"tournament_id"`
	AccountIdentifier string    `json:"account_identifier" db:"account_identifier"`
	CoinsBurned       int64     `json:"coins_burned" db:"coins_burned"`
	PrizeShareBps     *int      `json:"prize_share_bps,omitempty" db:"prize_share_bps"`
	PrizeAmount       *int64    `json:"prize_amount,omitempty" db:"prize_amount"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
}

// ParticipantShare — результат одного расчёта для одного участника.
type ParticipantShare struct {
	ParticipantID int   `json:"participant_id"`
	PrizeShareBps int   `json:"prize_share_bps"`
	PrizeAmount   int64 `json:"prize_amount"`
}
