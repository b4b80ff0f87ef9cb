package services

import "errors"

// Общие ошибки движка расчёта, используемые в маппинге HTTP.
var (
	ErrTournamentNotFound = errors.New("tournament not found")

	// Недопустимый переход машины состояний (расчёт до окончания
	// турнира, повторный Settle и т.п.). Повтор без смены состояния
	// бессмыслен.
	ErrInvalidState = errors.New("operation is not allowed in the current tournament status")

	// Settle без единой положительной рассчитанной выплаты:
	// либо Calculate не вызывался, либо все доли нулевые.
	ErrNoCalculatedShares = errors.New("tournament has no calculated payable shares")

	// Конкурирующий Settle уже удерживает маркер. Повторить позже;
	// если маркер завис после падения процесса — сверка (Reconcile).
	ErrSettlementInProgress = errors.New("settlement is already in progress for this tournament")

	// Прошлый Settle завершился с неизвестным исходом: до сверки с
	// леджером повторные попытки запрещены.
	ErrReconciliationRequired = errors.New("previous settlement outcome is unknown, reconciliation is required before retry")

	// Подтверждённый отказ внешнего леджера. Турнир остаётся Ended,
	// повтор разрешён (ключ идемпотентности не меняется).
	ErrExternalLedger = errors.New("external ledger settlement failed")

	// Исход внешнего вызова неизвестен. Маркер остаётся выставленным,
	// оператор обязан выполнить сверку.
	ErrAmbiguousSettlement = errors.New("settlement outcome is unknown")

	// Внутренний дефект: рассчитанные доли нарушают инварианты.
	// Расчёт отброшен, прежние доли не тронуты.
	ErrArithmeticInvariant = errors.New("calculated shares violate allocation invariants")

	// Сверка запрошена, а маркер расчёта свободен — сверять нечего.
	ErrNotReconcilable = errors.New("tournament has no outstanding settlement to reconcile")
)
