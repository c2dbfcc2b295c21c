// Package conversation runs simulated multi-agent dialogues and distills
// memories, relationship drift and action items from them.
package conversation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/ops"
)

// Format describes the shape of one kind of conversation.
type Format struct {
	ID                 string  `json:"id" mapstructure:"id"`
	Description        string  `json:"description" mapstructure:"description"`
	MinParticipants    int     `json:"min_participants" mapstructure:"min_participants"`
	MaxParticipants    int     `json:"max_participants" mapstructure:"max_participants"`
	MinTurns           int     `json:"min_turns" mapstructure:"min_turns"`
	MaxTurns           int     `json:"max_turns" mapstructure:"max_turns"`
	Temperature        float64 `json:"temperature" mapstructure:"temperature"`
	ExtractActionItems bool    `json:"extract_action_items" mapstructure:"extract_action_items"`
	DefaultTopic       string  `json:"default_topic" mapstructure:"default_topic"`
}

// Validate checks the participant and turn bounds.
func (f Format) Validate() error {
	if strings.TrimSpace(f.ID) == "" {
		return fmt.Errorf("format id required")
	}
	if f.MinParticipants < 2 {
		return fmt.Errorf("format %s: min_participants must be >= 2", f.ID)
	}
	if f.MaxParticipants < f.MinParticipants {
		return fmt.Errorf("format %s: max_participants must be >= min_participants", f.ID)
	}
	if f.MinTurns < 1 || f.MaxTurns < f.MinTurns {
		return fmt.Errorf("format %s: invalid turn range [%d,%d]", f.ID, f.MinTurns, f.MaxTurns)
	}
	if f.Temperature < 0 || f.Temperature > 2 {
		return fmt.Errorf("format %s: temperature must be within [0,2]", f.ID)
	}
	return nil
}

// DefaultFormats returns the built-in formats keyed by id.
func DefaultFormats() map[string]Format {
	list := []Format{
		{ID: "standup", Description: "Quick status round: what moved, what is blocked, what is next.", MinParticipants: 3, MaxParticipants: 6, MinTurns: 6, MaxTurns: 12, Temperature: 0.6, ExtractActionItems: true, DefaultTopic: "daily status"},
		{ID: "debate", Description: "Two or three agents argue opposing positions on a decision.", MinParticipants: 2, MaxParticipants: 3, MinTurns: 6, MaxTurns: 10, Temperature: 0.8, DefaultTopic: "the riskiest bet on our roadmap"},
		{ID: "watercooler", Description: "Casual chat that mostly builds rapport.", MinParticipants: 2, MaxParticipants: 4, MinTurns: 4, MaxTurns: 8, Temperature: 0.9, DefaultTopic: "anything on your mind"},
		{ID: "brainstorm", Description: "Generate and build on ideas without judging them.", MinParticipants: 3, MaxParticipants: 5, MinTurns: 8, MaxTurns: 14, Temperature: 0.95, ExtractActionItems: true, DefaultTopic: "new growth experiments"},
		{ID: "retro", Description: "Look back at recent missions: what worked and what did not.", MinParticipants: 3, MaxParticipants: 6, MinTurns: 6, MaxTurns: 12, Temperature: 0.6, ExtractActionItems: true, DefaultTopic: "last week's missions"},
		{ID: "one_on_one", Description: "Two agents talk privately about work and each other.", MinParticipants: 2, MaxParticipants: 2, MinTurns: 4, MaxTurns: 8, Temperature: 0.7, DefaultTopic: "how things are going"},
	}
	out := make(map[string]Format, len(list))
	for _, f := range list {
		out[f.ID] = f
	}
	return out
}

// Registry resolves format ids.
type Registry struct {
	formats map[string]Format
}

// Override replaces fields of a format. Zero fields and a nil
// ExtractActionItems keep the built-in value.
type Override struct {
	Description        string
	MinParticipants    int
	MaxParticipants    int
	MinTurns           int
	MaxTurns           int
	Temperature        float64
	ExtractActionItems *bool
	DefaultTopic       string
}

// NewRegistry merges overrides over the built-in formats; unknown ids add new formats.
func NewRegistry(overrides map[string]Override) (*Registry, error) {
	formats := DefaultFormats()
	for id, o := range overrides {
		id = strings.TrimSpace(id)
		f := merge(formats[id], o)
		f.ID = id
		if err := f.Validate(); err != nil {
			return nil, err
		}
		formats[id] = f
	}
	return &Registry{formats: formats}, nil
}

// Get returns the format for id or ops.UnknownFormat.
func (r *Registry) Get(id string) (Format, error) {
	f, ok := r.formats[strings.TrimSpace(id)]
	if !ok {
		return Format{}, ops.UnknownFormat{Format: id}
	}
	return f, nil
}

// IDs lists known format ids, sorted.
func (r *Registry) IDs() []string {
	out := make([]string, 0, len(r.formats))
	for id := range r.formats {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func merge(base Format, o Override) Format {
	if o.Description != "" {
		base.Description = o.Description
	}
	if o.MinParticipants > 0 {
		base.MinParticipants = o.MinParticipants
	}
	if o.MaxParticipants > 0 {
		base.MaxParticipants = o.MaxParticipants
	}
	if o.MinTurns > 0 {
		base.MinTurns = o.MinTurns
	}
	if o.MaxTurns > 0 {
		base.MaxTurns = o.MaxTurns
	}
	if o.Temperature > 0 {
		base.Temperature = o.Temperature
	}
	if o.ExtractActionItems != nil {
		base.ExtractActionItems = *o.ExtractActionItems
	}
	if o.DefaultTopic != "" {
		base.DefaultTopic = o.DefaultTopic
	}
	return base
}
