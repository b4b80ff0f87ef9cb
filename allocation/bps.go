package allocation

import "math/big"

// TotalShareBps — полная доля призового фонда в базисных пунктах.
const TotalShareBps = 10000

// mulDivFloor вычисляет a*b/div с усечением к нулю. Промежуточное
// произведение считается в big.Int, чтобы a*b не переполнило int64.
// Нулевой делитель даёт ноль: пустое множество участников или нулевой
// суммарный вес — это нулевые доли, а не ошибка.
func mulDivFloor(a, b, div int64) int64 {
	if div == 0 {
		return 0
	}
	num := new(big.Int).Mul(big.NewInt(a), big.NewInt(b))
	num.Quo(num, big.NewInt(div))
	return num.Int64()
}

// clampWeight зажимает вес в полосу равновесия. Отсутствующая граница
// (nil) не ограничивает вес с соответствующей стороны.
func clampWeight(v int64, min, max *int64) int64 {
	if min != nil && v < *min {
		v = *min
	}
	if max != nil && v > *max {
		v = *max
	}
	return v
}
