// Package moderation handles abuse reports and threshold-based
// auto-suspension. Reports live in PostgreSQL with their evidence snapshot;
// live suspension records are kept in Redis as TTL keys so enforcement
// survives restarts and stays cheap to check on the hot path.
package moderation

import "time"

// Active-report thresholds, evaluated highest-first. A report only counts
// toward the active total while it stays resolved within the trailing window.
const (
	ThresholdPermanent = 20
	ThresholdLong      = 10
	ThresholdShort     = 5

	SuspendShort = 3 * 24 * time.Hour
	SuspendLong  = 7 * 24 * time.Hour

	// ActiveWindow is the trailing window over resolved reports.
	ActiveWindow = 30 * 24 * time.Hour
)

// Action is the auto-suspension outcome for an active-report total.
type Action int

const (
	ActionNone Action = iota
	ActionSuspendShort
	ActionSuspendLong
	ActionPermanentBan
)

func (a Action) String() string {
	switch a {
	case ActionSuspendShort:
		return "suspend_3d"
	case ActionSuspendLong:
		return "suspend_7d"
	case ActionPermanentBan:
		return "permanent_ban"
	default:
		return "none"
	}
}

// Duration returns the suspension length for the action. Zero means either
// no action or a permanent ban — check the action itself.
func (a Action) Duration() time.Duration {
	switch a {
	case ActionSuspendShort:
		return SuspendShort
	case ActionSuspendLong:
		return SuspendLong
	default:
		return 0
	}
}

// Decide maps an active-report count to an action, highest threshold first.
func Decide(activeReports int) Action {
	switch {
	case activeReports >= ThresholdPermanent:
		return ActionPermanentBan
	case activeReports >= ThresholdLong:
		return ActionSuspendLong
	case activeReports >= ThresholdShort:
		return ActionSuspendShort
	default:
		return ActionNone
	}
}

// Escalates reports whether next is a strictly harsher action than current.
// Suspensions only ever escalate; a permanent ban is terminal.
func Escalates(current, next Action) bool {
	return next > current
}
