package moderation

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/lingomate/chat-core/internal/metrics"
)

// Moderator is the admin-action boundary: it applies resolve/dismiss
// decisions, maintains the reported user's counters, and enforces the
// auto-suspension thresholds.
type Moderator struct {
	db      *sql.DB
	reports *Store
	susp    *SuspensionStore
}

// NewModerator wires the moderator over the shared database handle and the
// Redis suspension store.
func NewModerator(db *sql.DB, reports *Store, susp *SuspensionStore) *Moderator {
	return &Moderator{db: db, reports: reports, susp: susp}
}

// Outcome describes what resolving a report did to the reported user.
type Outcome struct {
	Report        *Report
	ActiveCount   int
	Action        Action
	AlreadyBanned bool
}

// ResolveReport marks a report resolved, increments the reported user's
// report count, recomputes the active count over the trailing window, and
// applies auto-suspension highest-threshold-first. A permanently banned user
// is never re-processed.
func (m *Moderator) ResolveReport(ctx context.Context, reportID string) (*Outcome, error) {
	r, err := m.reports.markResolved(ctx, reportID)
	if err != nil {
		return nil, err
	}
	metrics.ReportsTotal.WithLabelValues(StatusResolved).Inc()

	if _, err := m.db.ExecContext(ctx, `
		UPDATE users SET report_count = report_count + 1 WHERE id = $1`,
		r.ReportedUserID); err != nil {
		return nil, fmt.Errorf("moderation: bump report count: %w", err)
	}

	active, err := m.reports.ActiveReportCount(ctx, r.ReportedUserID)
	if err != nil {
		return nil, err
	}

	out := &Outcome{Report: r, ActiveCount: active, Action: Decide(active)}

	var banned bool
	if err := m.db.QueryRowContext(ctx, `
		SELECT banned FROM users WHERE id = $1`, r.ReportedUserID).Scan(&banned); err != nil {
		return nil, fmt.Errorf("moderation: read ban flag: %w", err)
	}
	if banned {
		out.AlreadyBanned = true
		out.Action = ActionNone
		return out, nil
	}

	switch out.Action {
	case ActionPermanentBan:
		if _, err := m.db.ExecContext(ctx, `
			UPDATE users SET banned = TRUE, suspended_until = NULL WHERE id = $1`,
			r.ReportedUserID); err != nil {
			return nil, fmt.Errorf("moderation: ban user: %w", err)
		}
		if err := m.susp.Suspend(ctx, r.ReportedUserID, 0, "report_threshold"); err != nil {
			log.Printf("[moderation] suspension record for %s: %v", r.ReportedUserID, err)
		}
		log.Printf("[moderation] permanent ban user=%s active_reports=%d", r.ReportedUserID, active)

	case ActionSuspendLong, ActionSuspendShort:
		until := time.Now().UTC().Add(out.Action.Duration())
		// GREATEST keeps suspensions escalate-only: an active longer
		// suspension is never shortened by a later smaller threshold.
		if _, err := m.db.ExecContext(ctx, `
			UPDATE users SET suspended_until = GREATEST(COALESCE(suspended_until, 'epoch'::timestamptz), $2)
			WHERE id = $1`, r.ReportedUserID, until); err != nil {
			return nil, fmt.Errorf("moderation: suspend user: %w", err)
		}
		if err := m.susp.Suspend(ctx, r.ReportedUserID, out.Action.Duration(), "report_threshold"); err != nil {
			log.Printf("[moderation] suspension record for %s: %v", r.ReportedUserID, err)
		}
		log.Printf("[moderation] %s user=%s active_reports=%d", out.Action, r.ReportedUserID, active)
	}

	return out, nil
}

// DismissReport marks a report dismissed. Dismissing a previously-resolved
// report decrements the reported user's report count (never below zero);
// any suspension already applied is left standing.
func (m *Moderator) DismissReport(ctx context.Context, reportID string) (*Report, error) {
	r, wasResolved, err := m.reports.markDismissed(ctx, reportID)
	if err != nil {
		return nil, err
	}
	metrics.ReportsTotal.WithLabelValues(StatusDismissed).Inc()

	if wasResolved {
		if _, err := m.db.ExecContext(ctx, `
			UPDATE users SET report_count = GREATEST(report_count - 1, 0) WHERE id = $1`,
			r.ReportedUserID); err != nil {
			return nil, fmt.Errorf("moderation: drop report count: %w", err)
		}
	}
	return r, nil
}
