package market

// DefaultMaxSkewMS is the largest tolerated gap between exchange and local
// timestamps before the exchange timestamp is considered bogus.
const DefaultMaxSkewMS = 60_000

// FuseTimestamps computes the unified timestamp as the rounded mean of the
// exchange-reported and local arrival times. An absent (non-positive)
// exchange timestamp, or one skewed from local time by more than maxSkewMS,
// falls back to the local timestamp. Events are never dropped for timestamp
// reasons.
func FuseTimestamps(exchangeTS, localTS, maxSkewMS int64) int64 {
	if exchangeTS <= 0 {
		return localTS
	}
	diff := exchangeTS - localTS
	if diff < 0 {
		diff = -diff
	}
	if diff > maxSkewMS {
		return localTS
	}
	// Midpoint without overflow; the +1 rounds halves up.
	sum := exchangeTS + localTS
	return (sum + sum%2) / 2
}

// Fuse stamps e.UnifiedTS from its exchange and local timestamps.
func Fuse(e *Event, maxSkewMS int64) {
	e.UnifiedTS = FuseTimestamps(e.ExchangeTS, e.LocalTS, maxSkewMS)
}
