package conversation

import (
	"context"
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/llm"
	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/ops"
	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/proposal"
)

// Distillation bounds.
const (
	MaxDistilledMemories = 6
	MinMemoryConfidence  = 0.55
	MaxDrift             = 0.03
	MaxActionItems       = 3
)

//go:embed distill_schema.json
var distillSchemaJSON string

var distillSchema = llm.NewSchema("distill.json", distillSchemaJSON)

// Distillation is what the model extracts from a finished conversation.
type Distillation struct {
	Memories    []DistilledMemory `json:"memories"`
	PairDrifts  []PairDrift       `json:"pair_drifts"`
	ActionItems []ops.ActionItem  `json:"action_items"`
}

// DistilledMemory is a memory proposed by distillation.
type DistilledMemory struct {
	AgentID    string         `json:"agent_id"`
	Type       ops.MemoryType `json:"type"`
	Content    string         `json:"content"`
	Confidence float64        `json:"confidence"`
	Tags       []string       `json:"tags"`
}

// PairDrift is a proposed affinity change between two participants.
type PairDrift struct {
	AgentA string  `json:"agent_a"`
	AgentB string  `json:"agent_b"`
	Drift  float64 `json:"drift"`
	Reason string  `json:"reason"`
}

// Bound filters d to what may be applied for participants: at most
// MaxDistilledMemories memories at or above MinMemoryConfidence, drifts clamped
// to ±MaxDrift between distinct participants, and action items owned by
// participants.
func (d Distillation) Bound(participants []string) Distillation {
	in := make(map[string]bool, len(participants))
	for _, p := range participants {
		in[p] = true
	}
	var out Distillation

	mems := make([]DistilledMemory, 0, len(d.Memories))
	for _, m := range d.Memories {
		if !in[m.AgentID] || !m.Type.Valid() || strings.TrimSpace(m.Content) == "" {
			continue
		}
		if m.Confidence < MinMemoryConfidence {
			continue
		}
		if m.Confidence > 1 {
			m.Confidence = 1
		}
		mems = append(mems, m)
	}
	sort.SliceStable(mems, func(i, j int) bool { return mems[i].Confidence > mems[j].Confidence })
	if len(mems) > MaxDistilledMemories {
		mems = mems[:MaxDistilledMemories]
	}
	out.Memories = mems

	for _, pd := range d.PairDrifts {
		if !in[pd.AgentA] || !in[pd.AgentB] || pd.AgentA == pd.AgentB || pd.Drift == 0 {
			continue
		}
		pd.Drift = ClampDrift(pd.Drift)
		out.PairDrifts = append(out.PairDrifts, pd)
	}

	for _, item := range d.ActionItems {
		if !in[item.AgentID] || strings.TrimSpace(item.Title) == "" || strings.TrimSpace(item.StepKind) == "" {
			continue
		}
		out.ActionItems = append(out.ActionItems, item)
		if len(out.ActionItems) == MaxActionItems {
			break
		}
	}
	return out
}

// ClampDrift limits a single conversation's drift to ±MaxDrift.
func ClampDrift(d float64) float64 {
	if d > MaxDrift {
		return MaxDrift
	}
	if d < -MaxDrift {
		return -MaxDrift
	}
	return d
}

type outcome struct {
	memories int
	items    []ops.ActionItem
}

func (o *Orchestrator) distill(ctx context.Context, format Format, conv ops.Conversation) (outcome, error) {
	raw, err := llm.GenerateJSON[Distillation](ctx, o.llm, distillPrompt(format, conv), distillSchema, llm.Options{
		Tier:        llm.TierStandard,
		Temperature: llm.Temperature(0.2),
	})
	if err != nil {
		return outcome{}, err
	}
	d := raw.Bound(conv.Participants)
	trace := "conversation:" + conv.ID

	var res outcome
	if o.memory != nil {
		for _, m := range d.Memories {
			tags := append([]string{"conversation", conv.Format}, m.Tags...)
			if _, err := o.memory.Write(ctx, ops.Memory{
				AgentID:       m.AgentID,
				Type:          m.Type,
				Content:       m.Content,
				Confidence:    m.Confidence,
				Tags:          tags,
				SourceTraceID: trace,
			}); err != nil {
				o.logger.Printf("warn: write memory for %s failed: %v", m.AgentID, err)
				continue
			}
			res.memories++
		}
	}

	if o.rels != nil {
		for _, pd := range d.PairDrifts {
			reason := pd.Reason
			if reason == "" {
				reason = fmt.Sprintf("%s conversation", conv.Format)
			}
			if _, err := o.rels.ApplyDrift(ctx, pd.AgentA, pd.AgentB, pd.Drift, reason); err != nil {
				o.logger.Printf("warn: apply drift %s/%s failed: %v", pd.AgentA, pd.AgentB, err)
			}
		}
	}

	if format.ExtractActionItems && o.proposer != nil {
		for _, item := range d.ActionItems {
			_, err := o.proposer.CreateProposal(ctx, proposal.Input{
				AgentID:     item.AgentID,
				Title:       item.Title,
				Description: item.Description,
				Steps: []ops.StepSpec{{
					Kind:        item.StepKind,
					Description: item.Description,
					Payload:     map[string]interface{}{"conversation_id": conv.ID},
				}},
				Source:        ops.SourceReaction,
				SourceTraceID: trace,
			})
			if err != nil {
				if ops.IsPolicyDenial(err) {
					o.logger.Printf("action item %q held by policy: %v", item.Title, err)
				} else {
					o.logger.Printf("warn: action item %q failed: %v", item.Title, err)
				}
				continue
			}
			res.items = append(res.items, item)
		}
	}
	o.logger.Printf("conversation %s distilled: memories=%d drifts=%d action_items=%d", conv.ID, res.memories, len(d.PairDrifts), len(res.items))
	return res, nil
}

func distillPrompt(format Format, conv ops.Conversation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Review this %s conversation about %q between %s.\n\n", format.ID, conv.Topic, strings.Join(conv.Participants, ", "))
	for _, t := range conv.Turns {
		fmt.Fprintf(&b, "%s: %s\n", t.Speaker, t.Text)
	}
	fmt.Fprintf(&b, "\nExtract at most %d durable memories (insight, pattern, strategy, preference or lesson) held by individual participants, with a confidence between 0 and 1.\n", MaxDistilledMemories)
	fmt.Fprintf(&b, "For pairs of participants whose rapport changed, report a drift between -%.2f and %.2f.\n", MaxDrift, MaxDrift)
	if format.ExtractActionItems {
		fmt.Fprintf(&b, "List up to %d concrete action items, each owned by one participant with a step_kind.\n", MaxActionItems)
	} else {
		b.WriteString("Return an empty action_items list.\n")
	}
	b.WriteString("Use participant ids exactly as written above.")
	return b.String()
}
