package coordination

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
)

// Queued is one item accepted by a ModeQueue.
type Queued struct {
	Mode    string
	Payload any
}

// ModeQueue batches consecutive items sharing the same Mode into a single
// slice, so the turn loop can switch agent-driver modes only when the
// incoming message stream's mode actually changes instead of on every item.
//
// It also exposes the blocking waitForBatch(cancelToken) view §4.2.1
// describes directly: WaitForBatch blocks until at least one entry exists,
// drains every consecutive entry whose mode hashes equal the first one's,
// concatenates their text with a separator, and returns that single batch —
// a mode change always forces a partition boundary.
type ModeQueue struct {
	mu        sync.Mutex
	items     []Queued
	notifyCh  chan struct{}
	onMessage func()
}

func NewModeQueue() *ModeQueue {
	return &ModeQueue{notifyCh: make(chan struct{}, 1)}
}

// Push appends an item, coalescing it into the last batch if its mode
// matches, and wakes any blocked WaitForBatch caller.
func (q *ModeQueue) Push(mode string, payload any) {
	q.mu.Lock()
	q.items = append(q.items, Queued{Mode: mode, Payload: payload})
	cb := q.onMessage
	q.mu.Unlock()

	select {
	case q.notifyCh <- struct{}{}:
	default:
	}
	if cb != nil {
		cb()
	}
}

// SetOnMessage installs an edge-triggered callback invoked once per Push —
// used by the local-mode launcher to pre-empt the TTY-attached agent as
// soon as a remote message arrives.
func (q *ModeQueue) SetOnMessage(cb func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onMessage = cb
}

// Reset discards every queued entry.
func (q *ModeQueue) Reset() {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
}

// ModeHash returns a deterministic hash for an opaque mode value, so
// batch-partition comparisons never depend on the mode's concrete
// representation (struct vs string vs enum).
func ModeHash(mode string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(mode))
	return fmt.Sprintf("%x", h.Sum64())
}

// TextBatch is the result of WaitForBatch: consecutive same-mode entries
// concatenated into one turn's worth of text.
type TextBatch struct {
	Text string
	Mode string
	Hash string
}

// WaitForBatch blocks until at least one entry exists, drains every
// consecutive entry whose mode hash equals the first entry's, joins their
// text with sep, and returns the batch. Returns (nil, nil) if ctx is done
// while the queue is empty — the spec's explicit "cancel fires AND queue
// is empty" condition; if items arrived before cancellation was observed,
// they are still returned rather than dropped.
func (q *ModeQueue) WaitForBatch(ctx context.Context, sep string) (*TextBatch, error) {
	for {
		if batch := q.tryDrainOne(sep); batch != nil {
			return batch, nil
		}

		select {
		case <-q.notifyCh:
			continue
		case <-ctx.Done():
			if batch := q.tryDrainOne(sep); batch != nil {
				return batch, nil
			}
			return nil, nil
		}
	}
}

func (q *ModeQueue) tryDrainOne(sep string) *TextBatch {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}

	first := q.items[0]
	n := 1
	for n < len(q.items) && q.items[n].Mode == first.Mode {
		n++
	}

	texts := make([]string, n)
	for i := 0; i < n; i++ {
		texts[i] = fmt.Sprint(q.items[i].Payload)
	}
	q.items = q.items[n:]

	return &TextBatch{Text: strings.Join(texts, sep), Mode: first.Mode, Hash: ModeHash(first.Mode)}
}

// Batch is one run of consecutive same-mode items.
type Batch struct {
	Mode  string
	Items []any
}

// DrainBatches removes everything queued so far and groups it into
// consecutive-equal-mode batches, preserving order. Used by callers that
// want every pending batch at once rather than the blocking one-at-a-time
// view WaitForBatch provides.
func (q *ModeQueue) DrainBatches() []Batch {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()

	var batches []Batch
	for _, it := range items {
		if n := len(batches); n > 0 && batches[n-1].Mode == it.Mode {
			batches[n-1].Items = append(batches[n-1].Items, it.Payload)
			continue
		}
		batches = append(batches, Batch{Mode: it.Mode, Items: []any{it.Payload}})
	}
	return batches
}

// Len reports the number of queued items, for tests and diagnostics.
func (q *ModeQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Size is an alias for Len matching the spec's size() name.
func (q *ModeQueue) Size() int { return q.Len() }
