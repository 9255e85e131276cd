package model

// OutcomeCap is the trailing-window size used by the scheduler's guard rules.
const OutcomeCap = 18

// OutcomeRing is a bounded ring of signed trade outcomes (cents).
// Appending beyond capacity evicts the oldest entry.
type OutcomeRing struct {
	buf   [OutcomeCap]int64
	start int
	n     int
}

// Append adds an outcome, evicting the oldest once the ring is full.
func (r *OutcomeRing) Append(v int64) {
	if r.n < OutcomeCap {
		r.buf[(r.start+r.n)%OutcomeCap] = v
		r.n++
		return
	}
	r.buf[r.start] = v
	r.start = (r.start + 1) % OutcomeCap
}

// Len returns the number of stored outcomes.
func (r *OutcomeRing) Len() int { return r.n }

// Reset empties the ring.
func (r *OutcomeRing) Reset() {
	r.start = 0
	r.n = 0
}

// LossRatio returns the fraction of stored outcomes that are negative.
// Returns 0.5 when the ring is empty so an empty window triggers no guard.
func (r *OutcomeRing) LossRatio() float64 {
	if r.n == 0 {
		return 0.5
	}
	losses := 0
	for i := 0; i < r.n; i++ {
		if r.buf[(r.start+i)%OutcomeCap] < 0 {
			losses++
		}
	}
	return float64(losses) / float64(r.n)
}

// Values returns the stored outcomes, oldest first.
func (r *OutcomeRing) Values() []int64 {
	out := make([]int64, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = r.buf[(r.start+i)%OutcomeCap]
	}
	return out
}

// LedgerState holds the scheduler's mutable accounting. All money fields are
// int64 cents. WalletCents+PoolCents is invariant under any single trade or
// payout tick (both are zero-sum transfers between the two).
type LedgerState struct {
	WalletCents           int64       `json:"wallet_cents"`
	PoolCents             int64       `json:"pool_cents"`
	SessionPnLCents       int64       `json:"session_pnl_cents"`
	StartOfDayWalletCents int64       `json:"start_of_day_wallet_cents"`
	DayIndex              int         `json:"day_index"`
	RecentOutcomes        OutcomeRing `json:"-"`
}
