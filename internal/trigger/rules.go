package trigger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/ops"
	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/policy"
	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/proposal"
)

// DefaultWindow is how far back each pass looks for events.
const DefaultWindow = 5 * time.Minute

const maxWindowEvents = 500

// Proposer creates proposals under a caller supplied policy snapshot.
type Proposer interface {
	Propose(ctx context.Context, snap policy.Snapshot, in proposal.Input) (proposal.CreateResult, error)
}

// coolingDown reports whether a rule last fired less than cooldown ago.
func coolingDown(lastFired *time.Time, cooldownMinutes int, now time.Time) bool {
	if lastFired == nil || cooldownMinutes <= 0 {
		return false
	}
	return now.Sub(*lastFired) < time.Duration(cooldownMinutes)*time.Minute
}

// newestMatch returns the first event in events (newest first) accepted by keep.
func newestMatch(events []ops.Event, keep func(ops.Event) bool) (ops.Event, bool) {
	for _, ev := range events {
		if keep(ev) {
			return ev, true
		}
	}
	return ops.Event{}, false
}

// buildInput renders a proposal template against the event that fired it.
// Template text may reference {{event.id}}, {{event.kind}}, {{event.title}},
// {{event.summary}} and {{event.agent_id}}.
func buildInput(tmpl ops.ProposalTemplate, agentID string, source ops.ProposalSource, traceID string, ev ops.Event) proposal.Input {
	r := strings.NewReplacer(
		"{{event.id}}", ev.ID,
		"{{event.kind}}", ev.Kind,
		"{{event.title}}", ev.Title,
		"{{event.summary}}", ev.Summary,
		"{{event.agent_id}}", ev.AgentID,
	)
	steps := make([]ops.StepSpec, 0, len(tmpl.Steps))
	for _, st := range tmpl.Steps {
		payload := make(map[string]interface{}, len(st.Payload)+1)
		for k, v := range st.Payload {
			payload[k] = v
		}
		payload["source_event_id"] = ev.ID
		steps = append(steps, ops.StepSpec{
			Kind:        st.Kind,
			Description: r.Replace(st.Description),
			Payload:     payload,
		})
	}
	return proposal.Input{
		AgentID:       agentID,
		Title:         r.Replace(tmpl.Title),
		Description:   r.Replace(tmpl.Description),
		Steps:         steps,
		Source:        source,
		SourceTraceID: traceID,
	}
}

func traceID(ruleKind, ruleID, eventID string) string {
	return fmt.Sprintf("%s:%s:%s", ruleKind, ruleID, eventID)
}
