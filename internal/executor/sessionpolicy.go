package executor

import (
	"time"

	"github.com/hiboss/hiboss/internal/common/timeutil"
	"github.com/hiboss/hiboss/internal/store"
)

// RefreshReason names what triggered a provider session refresh.
type RefreshReason string

const (
	RefreshDailyReset  RefreshReason = "daily-reset"
	RefreshIdleTimeout RefreshReason = "idle-timeout"
	RefreshMaxContext  RefreshReason = "max-context"
	RefreshManual      RefreshReason = "manual"
)

// evaluateSessionPolicy decides whether the agent's provider session must be
// refreshed before the next turn. Rules are checked in declaration order and
// the first trigger wins. With no open session there is nothing to refresh.
func evaluateSessionPolicy(agent *store.Agent, lastCompleted *store.AgentRun, now time.Time, loc *time.Location) (RefreshReason, bool) {
	pol := agent.SessionPolicy
	if pol == nil || agent.SessionHandle() == "" {
		return "", false
	}
	openedAt := agent.SessionOpenedAt()

	// Runs completed before the current session opened belong to a previous
	// session and must not trigger refreshes of this one.
	if lastCompleted != nil && lastCompleted.CompletedAt != nil && *lastCompleted.CompletedAt < openedAt {
		lastCompleted = nil
	}

	if pol.DailyResetAt != "" && openedAt > 0 {
		if hour, minute, err := timeutil.ParseClockTime(pol.DailyResetAt); err == nil {
			boundary := timeutil.MostRecentClockTime(now, hour, minute, loc)
			if timeutil.FromMillis(openedAt).Before(boundary) {
				return RefreshDailyReset, true
			}
		}
	}

	if pol.IdleTimeout != "" {
		if d, err := timeutil.ParseIdleTimeout(pol.IdleTimeout); err == nil {
			lastActivity := openedAt
			if lastCompleted != nil && lastCompleted.CompletedAt != nil {
				lastActivity = *lastCompleted.CompletedAt
			}
			if lastActivity > 0 && now.Sub(timeutil.FromMillis(lastActivity)) > d {
				return RefreshIdleTimeout, true
			}
		}
	}

	if pol.MaxContextLength > 0 && lastCompleted != nil && lastCompleted.ContextLength != nil &&
		*lastCompleted.ContextLength > pol.MaxContextLength {
		return RefreshMaxContext, true
	}
	return "", false
}
