// Package pipeline moves decoded requests from many connections onto a fixed
// pool of workers.
//
// Intake is a bounded queue. Before dispatch a worker locks every account
// the request may change, so two workers never mutate the same account at
// once no matter how many workers there are. Every submitted envelope
// receives exactly one Result.
package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CamberLoid/ChimataPHE/internal/logging"
	"github.com/CamberLoid/ChimataPHE/internal/misc"
	"github.com/pkg/errors"
)

const (
	AdmissionBlock  = "block"
	AdmissionReject = "reject"
)

var (
	ErrQueueFull = errors.New("pipeline: intake queue full")
	ErrClosed    = errors.New("pipeline: shut down")
	ErrPanic     = errors.New("pipeline: handler panicked")
)

// Request is what the pipeline needs to know about a decoded message.
type Request interface {
	Kind() string
	// Accounts lists the accounts the request may mutate.
	Accounts() []string
}

type Dispatcher interface {
	Dispatch(ctx context.Context, req Request) (interface{}, error)
}

type DispatcherFunc func(ctx context.Context, req Request) (interface{}, error)

func (f DispatcherFunc) Dispatch(ctx context.Context, req Request) (interface{}, error) {
	return f(ctx, req)
}

type Result struct {
	Value interface{}
	Err   error
}

type Config struct {
	Workers        int
	QueueSize      int
	Admission      string
	// RequestTimeout cancels the handler's context. A read-only request is
	// answered as soon as it expires; one that names Accounts is answered
	// with whatever its handler returns.
	RequestTimeout time.Duration
}

type Stats struct {
	Received  int64 `json:"received"`
	Rejected  int64 `json:"rejected"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	InFlight  int64 `json:"in_flight"`
	Queued    int   `json:"queued"`
	Workers   int   `json:"workers"`
}

type Pipeline struct {
	cfg        Config
	dispatcher Dispatcher
	queue      chan *Envelope
	locks      *misc.KeyedMutex

	mu      sync.RWMutex
	closed  bool
	stopped chan struct{}
	sealed  chan struct{}
	running atomic.Bool

	received, rejected, completed, failed, inFlight atomic.Int64
}

// New fills zero Config fields with one worker, a queue of 1 and the block
// admission policy.
func New(cfg Config, d Dispatcher) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	if cfg.Admission == "" {
		cfg.Admission = AdmissionBlock
	}
	return &Pipeline{
		cfg:        cfg,
		dispatcher: d,
		queue:      make(chan *Envelope, cfg.QueueSize),
		locks:      misc.NewKeyedMutex(),
		stopped:    make(chan struct{}),
		sealed:     make(chan struct{}),
	}
}

// Submit enqueues env. On failure env is completed with the same error, so
// callers may always wait on env.Done().
func (p *Pipeline) Submit(ctx context.Context, env *Envelope) error {
	p.received.Add(1)

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return p.refuse(env, ErrClosed)
	}

	env.setState(Queued)
	if p.cfg.Admission == AdmissionReject {
		select {
		case p.queue <- env:
			return nil
		default:
			p.rejected.Add(1)
			return p.refuse(env, ErrQueueFull)
		}
	}

	select {
	case p.queue <- env:
		return nil
	case <-ctx.Done():
		return p.refuse(env, ctx.Err())
	case <-p.stopped:
		return p.refuse(env, ErrClosed)
	}
}

func (p *Pipeline) refuse(env *Envelope, err error) error {
	p.failed.Add(1)
	env.complete(Result{Err: err})
	return err
}

// Run starts the workers and blocks until ctx is done. Envelopes already
// queued are still dispatched before Run returns.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return errors.New("pipeline: already running")
	}

	base := context.WithoutCancel(ctx)
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.worker(base, id)
		}(i)
	}
	logging.InfoLogger.Printf("pipeline: %d workers, queue %d, admission %s",
		p.cfg.Workers, p.cfg.QueueSize, p.cfg.Admission)

	<-ctx.Done()

	close(p.stopped)
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	close(p.sealed)

	wg.Wait()
	logging.InfoLogger.Print("pipeline: drained")
	return nil
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	for {
		select {
		case env := <-p.queue:
			p.process(ctx, env)
		case <-p.sealed:
			for {
				select {
				case env := <-p.queue:
					p.process(ctx, env)
				default:
					return
				}
			}
		}
	}
}

func (p *Pipeline) process(base context.Context, env *Envelope) {
	env.setState(Dispatched)
	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)

	ctx, cancel := base, context.CancelFunc(func() {})
	if p.cfg.RequestTimeout > 0 {
		ctx, cancel = context.WithTimeout(base, p.cfg.RequestTimeout)
	}
	defer cancel()

	done := make(chan Result, 1)
	go func() { done <- p.dispatch(ctx, env) }()

	var res Result
	select {
	case res = <-done:
	case <-ctx.Done():
		if len(env.Request.Accounts()) > 0 {
			// the reply must say whether the ledger changed, so wait for it
			res = <-done
			logging.WarningLogger.Printf("pipeline: %s request %s finished after its timeout: %v",
				env.Request.Kind(), env.ID, res.Err)
			break
		}
		// read-only: reply now, the worker stays busy until the handler returns
		res = Result{Err: errors.Wrapf(ctx.Err(), "%s request %s", env.Request.Kind(), env.ID)}
		env.complete(res)
		<-done
		logging.WarningLogger.Printf("pipeline: %s request %s finished after its timeout", env.Request.Kind(), env.ID)
	}

	if res.Err != nil {
		p.failed.Add(1)
	} else {
		p.completed.Add(1)
	}
	env.complete(res)
}

func (p *Pipeline) dispatch(ctx context.Context, env *Envelope) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			logging.ErrorLogger.Printf("pipeline: %s request %s panicked: %v", env.Request.Kind(), env.ID, r)
			res = Result{Err: errors.Wrapf(ErrPanic, "%v", r)}
		}
	}()

	unlock, err := p.locks.LockAll(ctx, env.Request.Accounts())
	if err != nil {
		return Result{Err: errors.Wrap(err, "wait for account lock")}
	}
	defer unlock()

	v, err := p.dispatcher.Dispatch(ctx, env.Request)
	return Result{Value: v, Err: err}
}

func (p *Pipeline) Stats() Stats {
	return Stats{
		Received:  p.received.Load(),
		Rejected:  p.rejected.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		InFlight:  p.inFlight.Load(),
		Queued:    len(p.queue),
		Workers:   p.cfg.Workers,
	}
}
