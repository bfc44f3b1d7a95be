package pipeline

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type State int32

const (
	Received State = iota
	Queued
	Dispatched
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Received:
		return "received"
	case Queued:
		return "queued"
	case Dispatched:
		return "dispatched"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Envelope pairs a request with the channel its single Result arrives on.
type Envelope struct {
	ID         uuid.UUID
	Request    Request
	ReceivedAt time.Time

	state atomic.Int32
	once  sync.Once
	reply chan Result
}

func NewEnvelope(req Request) *Envelope {
	return &Envelope{
		ID:         uuid.New(),
		Request:    req,
		ReceivedAt: time.Now(),
		reply:      make(chan Result, 1),
	}
}

func (e *Envelope) State() State {
	return State(e.state.Load())
}

// Done yields exactly one Result.
func (e *Envelope) Done() <-chan Result {
	return e.reply
}

func (e *Envelope) setState(s State) {
	e.state.Store(int32(s))
}

// complete delivers res once; later calls are ignored.
func (e *Envelope) complete(res Result) {
	e.once.Do(func() {
		if res.Err != nil {
			e.setState(Failed)
		} else {
			e.setState(Completed)
		}
		e.reply <- res
	})
}
