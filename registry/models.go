package registry

import "time"

const (
	// ReputationMax is the score every arbitrator starts with.
	ReputationMax = 100
	// ActiveThreshold is the score below which an arbitrator is auto-deactivated.
	ActiveThreshold = 50

	satisfactoryGain   = 1
	unsatisfactoryLoss = 5
)

// Arbitrator mirrors the arbitrators table.
type Arbitrator struct {
	ID            string
	Active        bool
	TotalCases    int64
	ResolvedCases int64
	Reputation    int
	FeePerCase    int64
	RegisteredAt  time.Time
}

// ApplyResolution returns the reputation after one recorded resolution and
// whether the result mandates deactivation. Satisfactory outcomes gain one
// point capped at ReputationMax; unsatisfactory outcomes lose five floored at
// zero. Deactivation is reported whenever the result sits below the threshold,
// so already-inactive arbitrators stay inactive.
func ApplyResolution(reputation int, satisfactory bool) (int, bool) {
	if satisfactory {
		reputation += satisfactoryGain
		if reputation > ReputationMax {
			reputation = ReputationMax
		}
		return reputation, false
	}

	reputation -= unsatisfactoryLoss
	if reputation < 0 {
		reputation = 0
	}
	return reputation, reputation < ActiveThreshold
}
