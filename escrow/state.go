package escrow

// transitions enumerates every legal edge of the lifecycle. No back-edges, no
// self-edges; terminal states have no outgoing edges.
var transitions = map[State][]State{
	StateCreated:  {StateAccepted, StateCancelled},
	StateAccepted: {StateCompleted, StateDisputed},
	StateDisputed: {StateResolved},
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SplitShares divides amount between buyer and seller for a split outcome.
// The buyer receives the integer floor half, the seller the remainder, so the
// two shares always sum exactly to amount.
func SplitShares(amount int64) (buyer, seller int64) {
	buyer = amount / 2
	return buyer, amount - buyer
}

// PayoutShares computes the buyer and seller shares for a resolution outcome.
// Matching is exhaustive over the closed outcome set; the unset variant is
// rejected so a payout can never run without a decided outcome.
func PayoutShares(outcome Outcome, amount int64) (buyer, seller int64, err error) {
	switch outcome {
	case OutcomeBuyerWins:
		return amount, 0, nil
	case OutcomeSellerWins:
		return 0, amount, nil
	case OutcomeSplit:
		buyer, seller = SplitShares(amount)
		return buyer, seller, nil
	case OutcomeUnspecified:
		return 0, 0, ErrInvalidOutcome
	default:
		return 0, 0, ErrInvalidOutcome
	}
}

// PlatformFee computes the platform's cut of an uncontested payout in minor
// units, given a fee expressed in basis points. The quotient/remainder form
// keeps the intermediate product within int64 for any representable amount.
func PlatformFee(amount int64, bps int) int64 {
	return amount/10_000*int64(bps) + amount%10_000*int64(bps)/10_000
}
