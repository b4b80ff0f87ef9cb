package allocation

import (
	"errors"
	"fmt"

	"github.com/coinarena/settlement-engine/models"
)

var (
	ErrNegativePrizePool      = errors.New("prize pool must not be negative")
	ErrNegativeMinCoins       = errors.New("min coins must not be negative")
	ErrInvalidEquilibriumBand = errors.New("equilibrium_min must not exceed equilibrium_max")
	ErrInvariantViolated      = errors.New("allocation invariants violated")
)

// Input — снимок параметров турнира, влияющих на распределение.
type Input struct {
	Type           models.TournamentType
	PrizePool      int64
	MinCoins       int64
	EquilibriumMin *int64
	EquilibriumMax *int64
}

// Share — рассчитанная доля одного участника.
type Share struct {
	ParticipantID     int
	AccountIdentifier string
	CoinsBurned       int64
	Eligible          bool
	Weight            int64
	PrizeShareBps     int
	PrizeAmount       int64
}

// Result — полный результат одного расчёта. Остаток округления
// (UnallocatedBps/UnallocatedAmount) сознательно никому не достаётся.
type Result struct {
	Shares            []Share
	EligibleCount     int
	TotalWeight       int64
	AllocatedBps      int
	AllocatedAmount   int64
	UnallocatedBps    int
	UnallocatedAmount int64
}

// Calculate — чистая функция распределения: одинаковый вход всегда даёт
// одинаковый выход, порядок участников на доли не влияет (доля — функция
// веса). Доли возвращаются в порядке входного среза, по одной на каждого
// участника, включая недопущенных (с нулями).
//
// Шаги: фильтр допуска по MinCoins, весовая функция по типу турнира,
// нормализация в базисные пункты с усечением вниз.
func Calculate(in Input, participants []models.Participant) (*Result, error) {
	if in.PrizePool < 0 {
		return nil, ErrNegativePrizePool
	}
	if in.MinCoins < 0 {
		return nil, ErrNegativeMinCoins
	}
	if in.EquilibriumMin != nil && in.EquilibriumMax != nil && *in.EquilibriumMin > *in.EquilibriumMax {
		return nil, ErrInvalidEquilibriumBand
	}

	res := &Result{
		Shares: make([]Share, 0, len(participants)),
	}

	// Шаг 1+2: допуск и веса. Недопущенные исключаются из суммы весов
	// целиком — они не должны разбавлять чужие доли.
	for _, p := range participants {
		s := Share{
			ParticipantID:     p.ID,
			AccountIdentifier: p.AccountIdentifier,
			CoinsBurned:       p.CoinsBurned,
		}
		if p.CoinsBurned >= in.MinCoins {
			s.Eligible = true
			s.Weight = weightFor(in, p.CoinsBurned)
			res.EligibleCount++
			res.TotalWeight += s.Weight
		}
		res.Shares = append(res.Shares, s)
	}

	// Шаг 3: нормализация. floor(10000*w/Σw), затем floor(pool*bps/10000).
	// Усечение вниз гарантирует Σamount ≤ prizePool по построению.
	for i := range res.Shares {
		s := &res.Shares[i]
		if !s.Eligible || s.Weight == 0 {
			continue
		}
		s.PrizeShareBps = int(mulDivFloor(TotalShareBps, s.Weight, res.TotalWeight))
		s.PrizeAmount = mulDivFloor(in.PrizePool, int64(s.PrizeShareBps), TotalShareBps)
		res.AllocatedBps += s.PrizeShareBps
		res.AllocatedAmount += s.PrizeAmount
	}

	res.UnallocatedBps = TotalShareBps - res.AllocatedBps
	res.UnallocatedAmount = in.PrizePool - res.AllocatedAmount

	return res, nil
}

// weightFor реализует весовую функцию по типу турнира. Balanced без
// обеих границ вырождается в Unbalanced.
func weightFor(in Input, coinsBurned int64) int64 {
	if in.Type == models.TypeBalanced {
		return clampWeight(coinsBurned, in.EquilibriumMin, in.EquilibriumMax)
	}
	return coinsBurned
}

// Verify перепроверяет инварианты результата перед записью в БД.
// Нарушение — внутренний дефект: такой расчёт не должен быть сохранён.
func (r *Result) Verify(prizePool int64) error {
	var sumBps int
	var sumAmount int64
	for _, s := range r.Shares {
		if !s.Eligible && (s.PrizeShareBps != 0 || s.PrizeAmount != 0) {
			return fmt.Errorf("%w: ineligible participant %d has non-zero share", ErrInvariantViolated, s.ParticipantID)
		}
		if s.PrizeShareBps < 0 || s.PrizeShareBps > TotalShareBps {
			return fmt.Errorf("%w: participant %d share %d bps out of range", ErrInvariantViolated, s.ParticipantID, s.PrizeShareBps)
		}
		if s.PrizeAmount < 0 {
			return fmt.Errorf("%w: participant %d has negative prize amount", ErrInvariantViolated, s.ParticipantID)
		}
		sumBps += s.PrizeShareBps
		sumAmount += s.PrizeAmount
	}
	if sumBps > TotalShareBps {
		return fmt.Errorf("%w: share sum %d bps exceeds %d", ErrInvariantViolated, sumBps, TotalShareBps)
	}
	if sumAmount > prizePool {
		return fmt.Errorf("%w: amount sum %d exceeds prize pool %d", ErrInvariantViolated, sumAmount, prizePool)
	}
	return nil
}

// ParticipantShares переводит результат в форму для записи репозиторием.
func (r *Result) ParticipantShares() []models.ParticipantShare {
	shares := make([]models.ParticipantShare, 0, len(r.Shares))
	for _, s := range r.Shares {
		shares = append(shares, models.ParticipantShare{
			ParticipantID: s.ParticipantID,
			PrizeShareBps: s.PrizeShareBps,
			PrizeAmount:   s.PrizeAmount,
		})
	}
	return shares
}
