package quorum

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"

	"phonon/internal/node"
	"phonon/internal/repair"
)

// DefaultNodeTimeout is the default timeout for each node call.
const DefaultNodeTimeout = 2 * time.Second

// WriteResult represents the result of a write fanout.
type WriteResult struct {
	Acks     int
	Required int
	Replicas int
	// Err aggregates per-node failures. It may be non-nil on success.
	Err error
}

// Success reports whether the write reached its quorum.
func (r WriteResult) Success() bool {
	return r.Required > 0 && r.Acks >= r.Required
}

// ReadResult represents the result of a read fanout.
type ReadResult struct {
	Responses int
	Required  int
	Replicas  int
	Votes     []repair.Vote
	Err       error
}

// Success reports whether enough nodes answered.
func (r ReadResult) Success() bool {
	return r.Required > 0 && r.Responses >= r.Required
}

// NodeWriteFunc performs a write on a single node and reports whether the
// node acknowledged it.
type NodeWriteFunc func(ctx context.Context, n node.Node) (bool, error)

// NodeReadFunc reads from a single node. node.ErrNotFound is an answer,
// not a failure.
type NodeReadFunc func(ctx context.Context, n node.Node) ([]byte, error)

func requiredOrMajority(required, replicas int) int {
	if required <= 0 {
		return replicas/2 + 1
	}
	return required
}

// DoWrite fans writeFn out to every node in parallel, each call bounded by
// timeout, and waits for all of them. Every call has returned by the time
// DoWrite does.
func DoWrite(ctx context.Context, nodes []node.Node, required int, timeout time.Duration, writeFn NodeWriteFunc) WriteResult {
	if len(nodes) == 0 {
		return WriteResult{Err: errors.New("no nodes provided")}
	}
	required = requiredOrMajority(required, len(nodes))
	if required > len(nodes) {
		return WriteResult{
			Required: required,
			Replicas: len(nodes),
			Err:      fmt.Errorf("required W=%d exceeds node count=%d", required, len(nodes)),
		}
	}
	if timeout <= 0 {
		timeout = DefaultNodeTimeout
	}

	var (
		mu   sync.Mutex
		acks int
		errs error
		wg   sync.WaitGroup
	)

	nodeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for _, n := range nodes {
		wg.Add(1)
		go func() {
			defer wg.Done()

			ok, err := writeFn(nodeCtx, n)
			mu.Lock()
			defer mu.Unlock()

			if ok {
				acks++
			}
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("node %s: %w", n.ID(), err))
			}
		}()
	}
	wg.Wait()

	return WriteResult{
		Acks:     acks,
		Required: required,
		Replicas: len(nodes),
		Err:      errs,
	}
}

// DoRead fans readFn out to every node in parallel and collects one vote
// per node that answered.
func DoRead(ctx context.Context, nodes []node.Node, required int, timeout time.Duration, readFn NodeReadFunc) ReadResult {
	if len(nodes) == 0 {
		return ReadResult{Err: errors.New("no nodes provided")}
	}
	required = requiredOrMajority(required, len(nodes))
	if required > len(nodes) {
		return ReadResult{
			Required: required,
			Replicas: len(nodes),
			Err:      fmt.Errorf("required R=%d exceeds node count=%d", required, len(nodes)),
		}
	}
	if timeout <= 0 {
		timeout = DefaultNodeTimeout
	}

	var (
		mu    sync.Mutex
		votes []repair.Vote
		errs  error
		wg    sync.WaitGroup
	)

	nodeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for _, n := range nodes {
		wg.Add(1)
		go func() {
			defer wg.Done()

			value, err := readFn(nodeCtx, n)
			mu.Lock()
			defer mu.Unlock()

			switch {
			case err == nil:
				votes = append(votes, repair.Vote{NodeID: n.ID(), Value: value, Found: true})
			case errors.Is(err, node.ErrNotFound):
				votes = append(votes, repair.Vote{NodeID: n.ID()})
			default:
				errs = multierr.Append(errs, fmt.Errorf("node %s: %w", n.ID(), err))
			}
		}()
	}
	wg.Wait()

	return ReadResult{
		Responses: len(votes),
		Required:  required,
		Replicas:  len(nodes),
		Votes:     votes,
		Err:       errs,
	}
}
