package escrow

import (
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	legal := []struct{ from, to State }{
		{StateCreated, StateAccepted},
		{StateCreated, StateCancelled},
		{StateAccepted, StateCompleted},
		{StateAccepted, StateDisputed},
		{StateDisputed, StateResolved},
	}
	for _, edge := range legal {
		if !CanTransition(edge.from, edge.to) {
			t.Errorf("expected %s -> %s to be legal", edge.from, edge.to)
		}
	}

	illegal := []struct{ from, to State }{
		{StateCreated, StateCompleted},
		{StateCreated, StateDisputed},
		{StateCreated, StateResolved},
		{StateAccepted, StateCreated},
		{StateAccepted, StateCancelled},
		{StateAccepted, StateResolved},
		{StateDisputed, StateAccepted},
		{StateDisputed, StateCompleted},
		{StateDisputed, StateCancelled},
		{StateCompleted, StateResolved},
		{StateResolved, StateDisputed},
		{StateCancelled, StateAccepted},
		{StateAccepted, StateAccepted},
	}
	for _, edge := range illegal {
		if CanTransition(edge.from, edge.to) {
			t.Errorf("expected %s -> %s to be rejected", edge.from, edge.to)
		}
	}
}

func TestTerminalStates(t *testing.T) {
	for state, terminal := range map[State]bool{
		StateCreated:   false,
		StateAccepted:  false,
		StateDisputed:  false,
		StateCompleted: true,
		StateResolved:  true,
		StateCancelled: true,
	} {
		if state.Terminal() != terminal {
			t.Errorf("%s: expected Terminal() == %v", state, terminal)
		}
		if terminal && len(transitions[state]) != 0 {
			t.Errorf("%s: terminal state must have no outgoing edges", state)
		}
	}
}

func TestStateActive(t *testing.T) {
	for state, active := range map[State]bool{
		StateCreated:   false,
		StateAccepted:  true,
		StateDisputed:  true,
		StateCompleted: false,
		StateResolved:  false,
		StateCancelled: false,
	} {
		if state.Active() != active {
			t.Errorf("%s: expected Active() == %v", state, active)
		}
	}
}

func TestDealDeadlineHelpers(t *testing.T) {
	deadline := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	deal := Deal{Deadline: deadline}

	if deal.IsDeadlinePassed(deadline) {
		t.Error("deadline instant itself must not count as passed")
	}
	if !deal.IsDeadlinePassed(deadline.Add(time.Nanosecond)) {
		t.Error("expected deadline to be passed one tick later")
	}
	if got := deal.TimeRemaining(deadline.Add(-time.Minute)); got != time.Minute {
		t.Errorf("expected one minute remaining, got %s", got)
	}
	if got := deal.TimeRemaining(deadline.Add(time.Hour)); got != 0 {
		t.Errorf("expected zero remaining after deadline, got %s", got)
	}
}

func TestSplitShares(t *testing.T) {
	cases := []struct {
		amount, buyer, seller int64
	}{
		{0, 0, 0},
		{1, 0, 1},
		{2, 1, 1},
		{1000, 500, 500},
		{1_000_000_001, 500_000_000, 500_000_001},
	}
	for _, tc := range cases {
		buyer, seller := SplitShares(tc.amount)
		if buyer != tc.buyer || seller != tc.seller {
			t.Errorf("SplitShares(%d) = (%d, %d), expected (%d, %d)",
				tc.amount, buyer, seller, tc.buyer, tc.seller)
		}
		if buyer+seller != tc.amount {
			t.Errorf("SplitShares(%d): shares do not sum to amount", tc.amount)
		}
	}
}

func TestPayoutShares(t *testing.T) {
	if buyer, seller, err := PayoutShares(OutcomeBuyerWins, 900); err != nil || buyer != 900 || seller != 0 {
		t.Errorf("buyer wins: got (%d, %d, %v)", buyer, seller, err)
	}
	if buyer, seller, err := PayoutShares(OutcomeSellerWins, 900); err != nil || buyer != 0 || seller != 900 {
		t.Errorf("seller wins: got (%d, %d, %v)", buyer, seller, err)
	}
	if buyer, seller, err := PayoutShares(OutcomeSplit, 901); err != nil || buyer != 450 || seller != 451 {
		t.Errorf("split: got (%d, %d, %v)", buyer, seller, err)
	}
	if _, _, err := PayoutShares(OutcomeUnspecified, 900); err != ErrInvalidOutcome {
		t.Errorf("unspecified: expected ErrInvalidOutcome, got %v", err)
	}
	if _, _, err := PayoutShares(Outcome(99), 900); err != ErrInvalidOutcome {
		t.Errorf("out of range: expected ErrInvalidOutcome, got %v", err)
	}
}

func TestPlatformFee(t *testing.T) {
	cases := []struct {
		amount int64
		bps    int
		fee    int64
	}{
		{10_000, 0, 0},
		{10_000, 250, 250},
		{10_000, 1000, 1_000},
		{99, 100, 0},
		{101, 100, 1},
		{9_999, 1000, 999},
		{9_200_000_000_000_000_000, 1000, 920_000_000_000_000_000},
		{9_200_000_000_000_000_123, 250, 230_000_000_000_000_003},
	}
	for _, tc := range cases {
		if fee := PlatformFee(tc.amount, tc.bps); fee != tc.fee {
			t.Errorf("PlatformFee(%d, %d) = %d, expected %d", tc.amount, tc.bps, fee, tc.fee)
		}
	}
}

func TestParseOutcomeRoundTrip(t *testing.T) {
	for _, outcome := range []Outcome{OutcomeBuyerWins, OutcomeSellerWins, OutcomeSplit} {
		parsed, err := ParseOutcome(outcome.String())
		if err != nil || parsed != outcome {
			t.Errorf("ParseOutcome(%q) = (%v, %v)", outcome.String(), parsed, err)
		}
	}
	if _, err := ParseOutcome("unspecified"); err == nil {
		t.Error("expected unspecified to be rejected")
	}
}
