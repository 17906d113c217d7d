package signer

import (
	"math/rand"
	"sort"
	"time"
)

// MilliUnit is the satoshi value of one mixing denomination unit: 0.001
// BTC, matching TransactionStrategies.py's split_values being expressed in
// milli-bitcoin.
const MilliUnit = 100000

// splitValues and splitLikely are CoinParty's denomination ladder (in
// milli-units, sorted decreasingly) and the corresponding draw
// probabilities. Grounded on TransactionStrategies.py.
var (
	splitValues = []int64{1000, 200, 100, 10, 1}
	splitLikely = []float64{0.13, 0.19, 0.11, 0.45, 0.12}
)

// SplitMixingAmount decomposes amountMilliUnits into a randomly ordered
// sequence of standard denominations summing to the original amount. Each
// piece is drawn from splitValues according to splitLikely, renormalized
// over only the denominations that still fit the remaining balance, until
// the balance is fully allocated; the result is then shuffled so its
// position carries no information about draw order. Grounded on
// _split_strategy_divide_and_fill. Since 1 is always a candidate
// denomination, the loop always terminates for amountMilliUnits >= 0.
func SplitMixingAmount(amountMilliUnits int64, rng *rand.Rand) []int64 {
	var out []int64
	remaining := amountMilliUnits
	for remaining > 0 {
		var idxs []int
		var total float64
		for i, v := range splitValues {
			if v <= remaining {
				idxs = append(idxs, i)
				total += splitLikely[i]
			}
		}
		if len(idxs) == 0 {
			break
		}
		draw := rng.Float64() * total
		chosen := idxs[len(idxs)-1]
		var cum float64
		for _, i := range idxs {
			cum += splitLikely[i]
			if draw <= cum {
				chosen = i
				break
			}
		}
		out = append(out, splitValues[chosen])
		remaining -= splitValues[chosen]
	}
	rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

// StreamingSchedule draws n random offsets within window, one per split
// fragment, then sorts them ascending -- "needs a monotonically
// increasing list, otherwise break transaction creation," per
// _schedule_strategy_random -- so a chain of dependent spends is scheduled
// in the order it must actually execute.
func StreamingSchedule(n int, window time.Duration, rng *rand.Rand) []time.Duration {
	offsets := make([]time.Duration, n)
	if window <= 0 {
		return offsets
	}
	for i := range offsets {
		offsets[i] = time.Duration(rng.Int63n(int64(window)))
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	return offsets
}
