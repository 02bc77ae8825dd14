package finalize

// DefaultSummaryThreshold is the message count period between summary refreshes.
const DefaultSummaryThreshold = 20

// RefreshPolicy decides when a conversation summary is regenerated. The
// summary is allowed to go stale between crossings.
type RefreshPolicy struct {
	Threshold int
}

// ShouldRefresh reports whether the message count moving from before to
// after crossed a multiple of the threshold, i.e. whether (before, after]
// contains one.
func (p RefreshPolicy) ShouldRefresh(before, after int) bool {
	t := p.Threshold
	if t <= 0 {
		t = DefaultSummaryThreshold
	}
	if after <= before || after < t {
		return false
	}
	return after/t > before/t
}
