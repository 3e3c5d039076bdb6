package engine

import (
	"context"
	"fmt"

	"github.com/warbler-im/warbler/internal/wire"
)

// request sends an IQ, assigns it a fresh id, and blocks until the matching
// result arrives. Error-typed responses surface their stanza error; no
// response within the deadline surfaces ErrRequestTimeout and the id is
// forgotten, so a straggler response is dropped on arrival.
func (e *Engine) request(ctx context.Context, iq *wire.IQ) (*wire.IQ, error) {
	e.mu.Lock()
	if e.stream == nil {
		e.mu.Unlock()
		return nil, ErrNotConnected
	}
	stream := e.stream
	iq.ID = wire.NewID()
	ch := make(chan *wire.IQ, 1)
	e.pending[iq.ID] = ch
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()

	if err := stream.Send(ctx, iq); err != nil {
		e.forget(iq.ID)
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	select {
	case resp := <-ch:
		if resp == nil {
			// Channel closed by session teardown.
			return nil, ErrNotConnected
		}
		if resp.Type == wire.TypeError {
			if resp.Error != nil {
				return resp, resp.Error
			}
			return resp, fmt.Errorf("request %s failed", iq.ID)
		}
		return resp, nil
	case <-ctx.Done():
		e.forget(iq.ID)
		if ctx.Err() == context.DeadlineExceeded {
			return nil, ErrRequestTimeout
		}
		return nil, ctx.Err()
	}
}

// resolve hands a result or error IQ to its waiting request. It reports
// whether the id matched a pending request; unmatched responses are left for
// the router to drop.
func (e *Engine) resolve(iq *wire.IQ) bool {
	e.mu.Lock()
	ch, ok := e.pending[iq.ID]
	if ok {
		delete(e.pending, iq.ID)
	}
	e.mu.Unlock()
	if !ok {
		return false
	}
	ch <- iq
	return true
}

// forget abandons a pending request id.
func (e *Engine) forget(id string) {
	e.mu.Lock()
	delete(e.pending, id)
	e.mu.Unlock()
}
