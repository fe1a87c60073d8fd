package checkpoint

import (
	"fmt"

	"github.com/scaffoldai/agentcore/pkg/thread"
)

// AutoCheckpointer creates a labelled checkpoint every N appended
// messages. It does not subscribe to anything on its own — callers
// invoke Observe after each thread.Append, mirroring the way the
// execution loop already owns the thread during a turn: nothing else
// may mutate or even read the thread concurrently.
type AutoCheckpointer struct {
	store *Store
	every int
	seen  map[string]int
}

// NewAutoCheckpointer creates a checkpointer that snapshots every
// `every` messages appended to a given thread.
func NewAutoCheckpointer(store *Store, every int) *AutoCheckpointer {
	if every <= 0 {
		every = 1
	}
	return &AutoCheckpointer{store: store, every: every, seen: make(map[string]int)}
}

// Observe is called after a message is appended to t. It creates a
// checkpoint once t.Messages crosses the next multiple of `every`.
func (a *AutoCheckpointer) Observe(t *thread.Thread) (*Checkpoint, error) {
	count := len(t.Messages)
	last := a.seen[t.ID]
	if count-last < a.every {
		return nil, nil
	}
	a.seen[t.ID] = count

	label := fmt.Sprintf("auto@%d", count)
	return a.store.Create(t, -1, label, nil)
}
