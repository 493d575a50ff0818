// Package pending tracks outbound calls awaiting a correlated response.
package pending

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/mbocsi/hostlink/eventloop"
	"github.com/mbocsi/hostlink/proto"
)

// DefaultTimeout is the deadline given to every registered call.
const DefaultTimeout = 120 * time.Second

// Call ids are drawn from [idBase, idBase+idSpan).
const (
	idBase = 0x10000
	idSpan = 0x10000
)

// State is the lifecycle of one call id.
type State int

const (
	Pending State = iota
	Resolved
	TimedOut
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Resolved:
		return "resolved"
	case TimedOut:
		return "timed-out"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type ResultFunc func(payload string)
type ErrorFunc func(err error)

type entry struct {
	id       int
	state    State
	onResult ResultFunc
	onError  ErrorFunc
	timer    *eventloop.Timer
}

// Table is owned by a single transport and used only on its loop.
type Table struct {
	loop    *eventloop.Loop
	timeout time.Duration
	entries map[int]*entry
	logger  *slog.Logger
}

func New(loop *eventloop.Loop, timeout time.Duration, logger *slog.Logger) *Table {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{
		loop:    loop,
		timeout: timeout,
		entries: make(map[int]*entry),
		logger:  logger,
	}
}

// NextID returns an unused pseudo-random call id. Random ids keep a
// reconnecting transport from colliding with responses meant for the old
// connection.
func (t *Table) NextID() int {
	for {
		id := idBase + rand.IntN(idSpan)
		if _, used := t.entries[id]; !used {
			return id
		}
	}
}

// Register tracks id with the table's default deadline.
func (t *Table) Register(id int, onResult ResultFunc, onError ErrorFunc) {
	t.RegisterWithTimeout(id, t.timeout, onResult, onError)
}

// RegisterWithTimeout tracks id with deadline d. A zero d means the call
// never times out on its own and only TimeoutAll or Fail can end it.
func (t *Table) RegisterWithTimeout(id int, d time.Duration, onResult ResultFunc, onError ErrorFunc) {
	if old, ok := t.entries[id]; ok {
		if old.state == Pending {
			panic(fmt.Sprintf("pending: call id %d registered twice", id))
		}
		old.timer.Stop()
	}

	e := &entry{id: id, state: Pending, onResult: onResult, onError: onError}
	if d > 0 {
		e.timer = t.loop.AfterFunc(d, func() { t.expire(e) })
	}
	t.entries[id] = e
}

// Resolve delivers payload to the call's result callback. It returns false
// when id is unknown or already settled; such responses are stale or
// duplicates and are ignored.
func (t *Table) Resolve(id int, payload string) bool {
	e, ok := t.entries[id]
	if !ok {
		t.logger.Debug("Response for unknown call ignored", "call_id", id)
		return false
	}
	if e.state != Pending {
		t.logger.Debug("Response for settled call ignored", "call_id", id, "state", e.state.String())
		return false
	}
	t.settle(e, Resolved)
	if e.onResult != nil {
		e.onResult(payload)
	}
	return true
}

// Fail ends a pending call with err. It follows the same exclusivity rules
// as Resolve.
func (t *Table) Fail(id int, err error) bool {
	e, ok := t.entries[id]
	if !ok || e.state != Pending {
		return false
	}
	t.settle(e, TimedOut)
	if e.onError != nil {
		e.onError(err)
	}
	return true
}

// TimeoutAll fails every pending call with reason. Used on transport
// teardown. Callbacks run after every entry is settled, so calls
// registered from inside a callback survive.
func (t *Table) TimeoutAll(reason error) {
	var live []*entry
	for _, e := range t.entries {
		if e.state == Pending {
			live = append(live, e)
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i].id < live[j].id })

	for _, e := range live {
		t.settle(e, TimedOut)
	}
	for _, e := range live {
		if e.onError != nil {
			e.onError(reason)
		}
	}
}

// Len returns the number of calls still pending.
func (t *Table) Len() int {
	n := 0
	for _, e := range t.entries {
		if e.state == Pending {
			n++
		}
	}
	return n
}

// State reports the state of id, if the table still remembers it.
func (t *Table) State(id int) (State, bool) {
	e, ok := t.entries[id]
	if !ok {
		return 0, false
	}
	return e.state, true
}

func (t *Table) expire(e *entry) {
	if e.state != Pending {
		return
	}
	t.settle(e, TimedOut)
	t.logger.Debug("Call timed out", "call_id", e.id)
	if e.onError != nil {
		e.onError(proto.NewError(proto.ErrCodeCallTimeout, fmt.Sprintf("call %d timed out", e.id), nil))
	}
}

// settle moves e out of Pending and keeps it as a tombstone for one
// timeout period so late responses can be told apart from unknown ids.
func (t *Table) settle(e *entry, state State) {
	e.state = state
	e.timer.Stop()
	e.timer = t.loop.AfterFunc(t.timeout, func() {
		if t.entries[e.id] == e {
			delete(t.entries, e.id)
		}
	})
}
