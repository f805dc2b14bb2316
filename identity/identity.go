// Package identity derives the owner identity strings that distinguish
// lock holders across the fleet, and the deterministic auto-generated
// resource names used when a mutex is constructed without an explicit
// name.
package identity

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Owner identifies a lock holder as "<process-uuid>$<pid>$<task-id>".
// Uniqueness across the fleet rests entirely on the process-uuid
// component; pid and task-id only need to be unique within a process.
type Owner string

type taskKey struct{}

var taskCounter uint64

// NewTaskHandle allocates a fresh, process-unique task identifier and
// returns a context carrying it. Call this once per logical task (for
// example, once per inbound connection or once per goroutine) and pass
// the returned context into mutex calls so CurrentTask can recover the
// same handle later.
func NewTaskHandle(ctx context.Context) context.Context {
	id := atomic.AddUint64(&taskCounter, 1)
	return context.WithValue(ctx, taskKey{}, id)
}

// CurrentTask returns the task identifier stashed by NewTaskHandle, or
// a fresh one if the context never carried one. Go has no
// goroutine-local storage, so callers that want two goroutines to share
// ownership must explicitly pass the same decorated context (or use
// WithOwner to override identity entirely).
func CurrentTask(ctx context.Context) uint64 {
	if v, ok := ctx.Value(taskKey{}).(uint64); ok {
		return v
	}
	return atomic.AddUint64(&taskCounter, 1)
}

// Process generates the per-process identity component. It is computed
// once at Setup time and shared by every Owner minted in this process.
type Process struct {
	uuid uuid.UUID
	pid  int
}

// NewProcess creates a fresh process identity, stable for the lifetime
// of this process.
func NewProcess() Process {
	return Process{uuid: uuid.New(), pid: os.Getpid()}
}

// Pid returns the process id recorded at NewProcess time.
func (p Process) Pid() int {
	return p.pid
}

// Owner composes the full owner identity for a given task component.
// The task component is usually CurrentTask's return value, formatted
// as a decimal integer, but callers may pass any string (the "owner"
// option override in spec terms) so that a group of tasks, such as all
// goroutines servicing one connection, can share ownership.
func (p Process) Owner(task string) Owner {
	return Owner(fmt.Sprintf("%s$%d$%s", p.uuid, p.pid, task))
}

// OwnerForTask is a convenience wrapper around Owner for the common
// case where the task component is a CurrentTask handle.
func (p Process) OwnerForTask(taskID uint64) Owner {
	return p.Owner(fmt.Sprintf("%d", taskID))
}

// nameSeed implements the deterministic auto-name generator described
// in the spec: a monotonic successor over a small alphanumeric seed,
// mirroring Ruby's String#succ. It starts at "__@" and increments the
// rightmost mutable byte, carrying into new characters on overflow
// exactly the way String#succ does for alphanumeric strings.
type nameSeed struct {
	mu  sync.Mutex
	cur []byte
}

var defaultSeed = &nameSeed{cur: []byte("__@")}

// NextAutoName returns the next auto-generated resource name, suffixed
// ".lock" as the spec requires.
func NextAutoName() string {
	return defaultSeed.next() + ".lock"
}

// ResetAutoNameSeed resets the process-wide auto-name counter. Exposed
// for tests that need deterministic names across runs.
func ResetAutoNameSeed() {
	defaultSeed.mu.Lock()
	defer defaultSeed.mu.Unlock()
	defaultSeed.cur = []byte("__@")
}

func (s *nameSeed) next() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur = succ(s.cur)
	return string(s.cur)
}

// succ computes the successor of b the way Ruby's String#succ does for
// alphanumeric byte strings: increment the rightmost alphanumeric byte,
// carrying left on wraparound, and grow the string by one character
// (matching the class of the byte that overflowed) if the carry runs
// off the front.
func succ(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)

	for i := len(out) - 1; i >= 0; i-- {
		c := out[i]
		switch {
		case c >= '0' && c < '9', c >= 'a' && c < 'z', c >= 'A' && c < 'Z':
			out[i] = c + 1
			return out
		case c == '9':
			out[i] = '0'
			if i == 0 {
				return append([]byte{'1'}, out...)
			}
		case c == 'z':
			out[i] = 'a'
			if i == 0 {
				return append([]byte{'a'}, out...)
			}
		case c == 'Z':
			out[i] = 'A'
			if i == 0 {
				return append([]byte{'A'}, out...)
			}
		default:
			// Non-alphanumeric byte: bump it and stop, no carry.
			out[i] = c + 1
			return out
		}
	}
	return out
}
