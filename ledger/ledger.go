package ledger

import (
	"context"
	"errors"
	"fmt"
)

// Payout — одна выплата во внешнюю расчётную систему.
type Payout struct {
	AccountIdentifier string `json:"account_identifier"`
	Amount            int64  `json:"amount"`
}

// Client — внешний расчётный леджер (в продукте — блокчейн-шлюз).
// Settle обязан быть идемпотентным по idempotencyKey: повторный вызов
// с тем же ключом не создаёт вторую выплату.
type Client interface {
	Settle(ctx context.Context, idempotencyKey string, payouts []Payout) (reference string, err error)

	// QueryByIdempotencyKey — сверка для неопределённых исходов:
	// был ли расчёт с данным ключом фактически проведён.
	QueryByIdempotencyKey(ctx context.Context, idempotencyKey string) (reference string, settled bool, err error)
}

// ErrOutcomeUnknown: вызов ушёл, но подтверждения нет (таймаут, обрыв
// соединения, 5xx). Деньги могли быть переведены — слепой повтор запрещён.
var ErrOutcomeUnknown = errors.New("settlement outcome unknown")

// APIError — подтверждённый отказ леджера. Расчёт точно не проведён,
// повтор с тем же ключом идемпотентности безопасен.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ledger rejected request (status %d): %s", e.StatusCode, e.Message)
}
