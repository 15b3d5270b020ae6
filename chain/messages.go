package chain

import (
	"github.com/ChrisSc/prompt-chaining-sub000/types"
)

// MergeMessages merges an update batch into the current conversation with
// append-only, ID-based de-duplication semantics:
//
//   - an update whose ID matches an existing message replaces that message
//     in place (same position, newer content wins);
//   - all other updates are appended in order;
//   - messages without an ID are always appended (no identity to match on).
//
// The inputs are never mutated; the result is a fresh slice. This is the
// explicit reducer applied by WorkflowState.Apply for every stage delta.
func MergeMessages(current, updates []types.Message) []types.Message {
	result := make([]types.Message, len(current), len(current)+len(updates))
	copy(result, current)

	index := make(map[string]int, len(current))
	for i, msg := range current {
		if msg.ID != "" {
			index[msg.ID] = i
		}
	}

	for _, update := range updates {
		if update.ID != "" {
			if i, ok := index[update.ID]; ok {
				result[i] = update
				continue
			}
			index[update.ID] = len(result)
		}
		result = append(result, update)
	}

	return result
}
