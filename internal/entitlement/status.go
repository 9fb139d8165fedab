package entitlement

import (
	"strings"
	"time"

	"github.com/rcourtman/entitle/internal/registry"
)

// RoleAdmin is the role the auth collaborator supplies for administrators.
// Admins bypass entitlement checks entirely; their records still evolve
// normally underneath for audit purposes.
const RoleAdmin = "admin"

// Decision is the status engine's verdict for one (now, record, role) input.
type Decision struct {
	Status registry.Status `json:"status"`
	Locked bool            `json:"locked"`
	Reason string          `json:"reason"`
}

// Evaluate derives the entitlement status for a record at the given instant.
// Pure and total: no side effects, no clock reads, no store access.
//
// Window comparisons are strict — a window that ends exactly at now is
// already expired.
func Evaluate(now time.Time, rec *registry.Record, role string) Decision {
	if strings.EqualFold(strings.TrimSpace(role), RoleAdmin) {
		return Decision{Status: registry.StatusActive, Locked: false, Reason: "Admin bypass (not blocked)."}
	}

	if rec == nil {
		return Decision{Status: registry.StatusLocked, Locked: true, Reason: "No entitlement record."}
	}

	if rec.Plan.IsPaid() {
		if rec.PeriodEndsAt != nil && rec.PeriodEndsAt.After(now) {
			return Decision{Status: registry.StatusActive, Locked: false, Reason: "Subscription active."}
		}
		if rec.GraceEndsAt.After(now) {
			return Decision{Status: registry.StatusPastDue, Locked: false, Reason: "Payment due. Grace period running."}
		}
		return Decision{Status: registry.StatusLocked, Locked: true, Reason: "Subscription expired. Please pay to continue."}
	}

	if rec.TrialEndsAt.After(now) {
		return Decision{Status: registry.StatusTrial, Locked: false, Reason: "Trial active."}
	}
	if rec.GraceEndsAt.After(now) {
		return Decision{Status: registry.StatusPastDue, Locked: false, Reason: "Trial ended. Please pay during grace period."}
	}
	return Decision{Status: registry.StatusLocked, Locked: true, Reason: "Trial ended. Please subscribe to continue."}
}

// drifted reports whether the record's cached projection differs from d.
func drifted(rec *registry.Record, d Decision) bool {
	return rec.Status != d.Status || rec.Locked != d.Locked || rec.Reason != d.Reason
}
