package workflow

import (
	"fmt"

	"github.com/halcyonops/halcyon/internal/models"
)

// legalTransitions encodes the incident state machine:
//
//	open → investigating → (remediating | resolved)
//	remediating → awaiting_approval? → verifying → (resolved | failed)
//	failed re-enters remediating while budget remains
//	any non-terminal state → resolved on external ack
//	any non-terminal state → failed on cancellation
var legalTransitions = map[models.IncidentStatus][]models.IncidentStatus{
	models.StatusOpen: {
		models.StatusInvestigating,
		models.StatusResolved,
		models.StatusFailed,
	},
	models.StatusInvestigating: {
		models.StatusRemediating,
		models.StatusResolved,
		models.StatusFailed,
	},
	models.StatusRemediating: {
		models.StatusAwaitingApproval,
		models.StatusVerifying,
		models.StatusResolved,
		models.StatusFailed,
	},
	models.StatusAwaitingApproval: {
		models.StatusRemediating,
		models.StatusVerifying,
		models.StatusResolved,
		models.StatusFailed,
	},
	models.StatusVerifying: {
		models.StatusRemediating,
		models.StatusResolved,
		models.StatusFailed,
	},
	models.StatusFailed: {
		models.StatusRemediating,
	},
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to models.IncidentStatus) bool {
	if from == to {
		return false
	}
	for _, allowed := range legalTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns an error for an illegal move.
func ValidateTransition(from, to models.IncidentStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("illegal incident transition %s → %s", from, to)
	}
	return nil
}
