// Package compliance gates outbound calls before they are placed. The check
// runs once per call, outside the relay loop; a rejection means the call is
// never placed and the rejection is surfaced to whoever asked for the call,
// not to any telephone caller.
package compliance

import (
	"fmt"
	"time"
)

// RejectionCode classifies why a call was refused.
type RejectionCode string

const (
	RejectBlockedNumber RejectionCode = "blocked_number"
	RejectQuietHours    RejectionCode = "quiet_hours"
)

// RejectedError is the typed rejection returned by the gate.
type RejectedError struct {
	Code   RejectionCode
	Detail string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("compliance: call rejected (%s): %s", e.Code, e.Detail)
}

// Gate decides whether an outbound call may be placed.
type Gate interface {
	CheckBeforeCall(agentID, target string) error
}

// AllowAll passes every call. Used when no compliance rules are configured.
type AllowAll struct{}

func (AllowAll) CheckBeforeCall(agentID, target string) error { return nil }

// RuleGate enforces a number blocklist and quiet hours in local time.
type RuleGate struct {
	blocked    map[string]bool
	quietStart string // "HH:MM", empty disables
	quietEnd   string
	nowFunc    func() time.Time
}

// NewRuleGate builds a gate from configured rules.
func NewRuleGate(blockedNumbers []string, quietStart, quietEnd string) *RuleGate {
	blocked := make(map[string]bool, len(blockedNumbers))
	for _, number := range blockedNumbers {
		blocked[number] = true
	}
	return &RuleGate{
		blocked:    blocked,
		quietStart: quietStart,
		quietEnd:   quietEnd,
		nowFunc:    time.Now,
	}
}

// SetNowFunc overrides the clock, for tests.
func (g *RuleGate) SetNowFunc(fn func() time.Time) { g.nowFunc = fn }

// CheckBeforeCall returns nil if the call may proceed, or a *RejectedError.
func (g *RuleGate) CheckBeforeCall(agentID, target string) error {
	if g.blocked[target] {
		return &RejectedError{Code: RejectBlockedNumber, Detail: target + " is on the do-not-contact list"}
	}
	if g.quietStart != "" && g.quietEnd != "" {
		now := g.nowFunc().Format("15:04")
		if inQuietWindow(now, g.quietStart, g.quietEnd) {
			return &RejectedError{
				Code:   RejectQuietHours,
				Detail: fmt.Sprintf("outbound calls paused between %s and %s", g.quietStart, g.quietEnd),
			}
		}
	}
	return nil
}

// inQuietWindow handles windows that cross midnight, e.g. 21:00-08:00.
func inQuietWindow(now, start, end string) bool {
	if start <= end {
		return now >= start && now < end
	}
	return now >= start || now < end
}
