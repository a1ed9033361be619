package osc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	goosc "github.com/hypebeast/go-osc/osc"

	"github.com/boristopalov/abby/internal/observe"
)

// ErrTimeout is returned by [Requester.Query] when no reply arrives within
// the query timeout. Callers that treat timeouts specially (the liveness
// probe, the indexer) branch on it with errors.Is.
var ErrTimeout = errors.New("osc: query timed out")

// Conn is the subset of [Transport] the requester needs. It is an interface
// so tests can drive queries without a UDP socket.
type Conn interface {
	Send(address string, args ...any) error
	Subscribe(address string, h Handler) func()
}

// Requester implements the remote script's request/response convention: a
// query is sent to an address and the reply arrives on that same address.
// Because the reply carries no correlation id, at most one query may be in
// flight per address; Query serializes callers per address and matches the
// next incoming message on the queried address to the pending request.
//
// Queries on distinct addresses proceed concurrently.
type Requester struct {
	conn           Conn
	defaultTimeout time.Duration
	metrics        *observe.Metrics

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// RequesterOption configures a [Requester].
type RequesterOption func(*Requester)

// WithMetrics overrides the metrics sink. Mainly for tests.
func WithMetrics(m *observe.Metrics) RequesterOption {
	return func(r *Requester) {
		r.metrics = m
	}
}

// NewRequester wraps conn with query semantics. defaultTimeout bounds every
// Query round trip; per-call overrides go through [Requester.QueryTimeout].
func NewRequester(conn Conn, defaultTimeout time.Duration, opts ...RequesterOption) *Requester {
	r := &Requester{
		conn:           conn,
		defaultTimeout: defaultTimeout,
		locks:          make(map[string]*sync.Mutex),
	}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// Query sends args to address and waits for the reply on the same address,
// bounded by the default timeout. The returned slice is the reply's raw
// argument list.
func (r *Requester) Query(ctx context.Context, address string, args ...any) ([]any, error) {
	return r.QueryTimeout(ctx, r.defaultTimeout, address, args...)
}

// QueryTimeout is Query with an explicit timeout. The liveness probe uses a
// longer timeout than ordinary queries.
func (r *Requester) QueryTimeout(ctx context.Context, timeout time.Duration, address string, args ...any) ([]any, error) {
	lock := r.addressLock(address)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	reply, err := r.roundTrip(ctx, timeout, address, args...)
	r.metrics.RecordOSCQuery(ctx, address, time.Since(start))
	if errors.Is(err, ErrTimeout) {
		r.metrics.RecordOSCTimeout(ctx, address)
	}
	return reply, err
}

// Notify sends a fire-and-forget message with no reply expected. Listener
// start/stop commands use this path.
func (r *Requester) Notify(address string, args ...any) error {
	return r.conn.Send(address, args...)
}

func (r *Requester) roundTrip(ctx context.Context, timeout time.Duration, address string, args ...any) ([]any, error) {
	replyCh := make(chan []any, 1)
	unsub := r.conn.Subscribe(address, func(msg *goosc.Message) {
		select {
		case replyCh <- msg.Arguments:
		default:
		}
	})
	defer unsub()

	if err := r.conn.Send(address, args...); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-timer.C:
		return nil, fmt.Errorf("query %s after %s: %w", address, timeout, ErrTimeout)
	case <-ctx.Done():
		return nil, fmt.Errorf("query %s: %w", address, ctx.Err())
	}
}

// addressLock returns the mutex serializing queries for address, creating
// it on first use.
func (r *Requester) addressLock(address string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.locks[address]; ok {
		return l
	}
	l := &sync.Mutex{}
	r.locks[address] = l
	return l
}
