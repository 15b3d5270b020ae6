package chain

import (
	"github.com/ChrisSc/prompt-chaining-sub000/types"
)

// EventType defines the type of an orchestration event.
type EventType string

const (
	// EventStageStart is emitted when a stage begins execution.
	EventStageStart EventType = "stage_start"
	// EventStageComplete is emitted after a stage finishes successfully,
	// carrying its metrics.
	EventStageComplete EventType = "stage_complete"
	// EventToken is emitted for each streamed token during the synthesize
	// stage.
	EventToken EventType = "token"
	// EventDone is emitted once when the workflow reaches the Done state.
	EventDone EventType = "done"
	// EventError is emitted once when the workflow reaches the Error state.
	EventError EventType = "error"
)

// Event carries information about one orchestration step. Exactly one of
// the terminal events (done, error) closes every event stream.
type Event struct {
	Type    EventType    `json:"type"`
	Stage   string       `json:"stage,omitempty"`
	Token   string       `json:"token,omitempty"`
	Metrics *StepMetrics `json:"metrics,omitempty"`
	Err     *types.Error `json:"error,omitempty"`
}
