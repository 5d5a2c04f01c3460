package scout

import (
	"fmt"

	"github.com/shopscout/shopscout/extract"
)

// EventKind discriminates run events.
type EventKind int

const (
	// EventStarted opens a run: how many sources will be attempted.
	EventStarted EventKind = iota

	// EventSkipped reports a source the health monitor refused.
	EventSkipped

	// EventResult carries one source's extracted items.
	EventResult

	// EventFailed reports a source that exhausted every tier with nothing
	// to show, not even a cached fallback.
	EventFailed

	// EventCompleted closes a run. Always the final event.
	EventCompleted
)

var eventKindNames = map[EventKind]string{
	EventStarted:   "started",
	EventSkipped:   "skipped",
	EventResult:    "result",
	EventFailed:    "failed",
	EventCompleted: "completed",
}

func (k EventKind) String() string {
	if s, ok := eventKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// MarshalJSON encodes the kind as its string name.
func (k EventKind) MarshalJSON() ([]byte, error) {
	return []byte(`"` + k.String() + `"`), nil
}

// Event is one entry in a run's progress stream. Which fields are set
// depends on Kind; Source is empty for Started and Completed.
type Event struct {
	Kind   EventKind `json:"kind"`
	Source string    `json:"source,omitempty"`

	// Reason explains a Skipped or Failed event.
	Reason string `json:"reason,omitempty"`

	// Result fields.
	Items      []extract.Candidate `json:"items,omitempty"`
	Confidence float64             `json:"confidence,omitempty"`
	FromCache  bool                `json:"from_cache,omitempty"`
	AIDerived  bool                `json:"ai_derived,omitempty"`

	// Started fields.
	SourceCount int `json:"source_count,omitempty"`

	// Completed fields.
	SuccessCount    int      `json:"success_count,omitempty"`
	TotalCount      int      `json:"total_count,omitempty"`
	DisabledSources []string `json:"disabled_sources,omitempty"`
}
