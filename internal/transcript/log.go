// Package transcript is the append-only chat log for tasks. It sits on top
// of the store and serializes appends per task so concurrent writers (the
// session bridge and owner follow-ups over HTTP) keep insertion order.
package transcript

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/seanGSISG/async-code/internal/store"
	"github.com/seanGSISG/async-code/pkg/models"
)

const stripes = 64

// Log appends and reads task transcripts. Appends to terminal tasks fail
// with faults.ErrInvalidState (enforced by the store inside the same
// transaction that writes).
type Log struct {
	store store.Store
	locks [stripes]sync.Mutex
}

func New(st store.Store) *Log {
	return &Log{store: st}
}

func (l *Log) lock(taskID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(taskID))
	return &l.locks[h.Sum32()%stripes]
}

// Append adds one message to the task transcript. ownerID "" is the internal
// writer; a non-empty ownerID must own the task.
func (l *Log) Append(ctx context.Context, ownerID, taskID string, msg models.ChatMessage) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	mu := l.lock(taskID)
	mu.Lock()
	defer mu.Unlock()
	return l.store.AppendChatMessage(ctx, ownerID, taskID, msg)
}

// List returns the transcript in insertion order.
func (l *Log) List(ctx context.Context, ownerID, taskID string) ([]models.ChatMessage, error) {
	t, err := l.store.GetTask(ctx, ownerID, taskID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, nil
	}
	return t.ChatMessages, nil
}
