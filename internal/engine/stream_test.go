package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"mellium.im/xmpp/jid"

	"github.com/warbler-im/warbler/internal/event"
	"github.com/warbler-im/warbler/internal/wire"
)

// fakeStream is an in-memory wire.Stream for driving the engine in tests.
type fakeStream struct {
	mu     sync.Mutex
	sent   []wire.Element
	onSend func(wire.Element)

	in    chan wire.Element
	errCh chan error
	local jid.JID
}

func newFakeStream(t *testing.T, local string) *fakeStream {
	t.Helper()
	addr, err := jid.Parse(local)
	if err != nil {
		t.Fatalf("bad local jid %q: %v", local, err)
	}
	return &fakeStream{
		in:    make(chan wire.Element, 64),
		errCh: make(chan error, 1),
		local: addr,
	}
}

func (f *fakeStream) Send(_ context.Context, el wire.Element) error {
	f.mu.Lock()
	f.sent = append(f.sent, el)
	cb := f.onSend
	f.mu.Unlock()
	if cb != nil {
		cb(el)
	}
	return nil
}

func (f *fakeStream) Next(ctx context.Context) (wire.Element, error) {
	select {
	case el := <-f.in:
		return el, nil
	case err := <-f.errCh:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeStream) Local() jid.JID { return f.local }

func (f *fakeStream) Close() error { return nil }

func (f *fakeStream) setOnSend(cb func(wire.Element)) {
	f.mu.Lock()
	f.onSend = cb
	f.mu.Unlock()
}

func (f *fakeStream) sentElements() []wire.Element {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]wire.Element, len(f.sent))
	copy(out, f.sent)
	return out
}

// sentIQs returns the IQs written so far, in order.
func (f *fakeStream) sentIQs() []*wire.IQ {
	var out []*wire.IQ
	for _, el := range f.sentElements() {
		if iq, ok := el.(*wire.IQ); ok {
			out = append(out, iq)
		}
	}
	return out
}

// answerIQs installs a responder invoked for every IQ the engine sends. A nil
// return leaves the request unanswered.
func (f *fakeStream) answerIQs(handler func(iq *wire.IQ) *wire.IQ) {
	f.setOnSend(func(el wire.Element) {
		iq, ok := el.(*wire.IQ)
		if !ok {
			return
		}
		if resp := handler(iq); resp != nil {
			f.in <- resp
		}
	})
}

// emptyRosterResult answers roster fetches and ignores everything else.
func emptyRosterResult(iq *wire.IQ) *wire.IQ {
	if iq.Type == wire.TypeGet && iq.Roster != nil {
		return &wire.IQ{ID: iq.ID, Type: wire.TypeResult, Roster: &wire.RosterQuery{}}
	}
	return nil
}

func newTestEngine(t *testing.T, fs *fakeStream) *Engine {
	t.Helper()
	cfg := Config{
		ConnectTimeout:    time.Second,
		RequestTimeout:    250 * time.Millisecond,
		ArchiveTimeout:    250 * time.Millisecond,
		SettleDelay:       5 * time.Millisecond,
		ReconnectAttempts: 1,
		ReconnectDelay:    5 * time.Millisecond,
		Dial: func(context.Context, jid.JID, string, string, *zap.Logger) (wire.Stream, error) {
			return fs, nil
		},
	}
	e := New(cfg, event.NewBus(), zap.NewNop())
	t.Cleanup(func() { e.Disconnect() })
	return e
}

// connect brings the engine up on the fake stream with the roster fetch
// already answered.
func connect(t *testing.T, e *Engine, fs *fakeStream) {
	t.Helper()
	fs.answerIQs(emptyRosterResult)
	if err := e.Connect(context.Background(), "alice@example.com", "secret", ""); err != nil {
		t.Fatalf("Connect: %v", err)
	}
}

// waitFor blocks until the signal channel fires or the test deadline passes.
func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

// eventually polls the condition until it holds.
func eventually(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition never held: %s", what)
}
