package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"mellium.im/xmpp/jid"

	"github.com/warbler-im/warbler/internal/wire"
)

// historyCache holds per-conversation message lists ordered by timestamp,
// plus the set of in-flight archive hydrations.
type historyCache struct {
	mu            sync.Mutex
	conversations map[string][]Message
	hydrations    map[string]chan struct{}
}

func newHistoryCache() *historyCache {
	h := &historyCache{}
	h.reset()
	return h
}

func (h *historyCache) reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conversations = make(map[string][]Message)
	h.hydrations = make(map[string]chan struct{})
}

// insert adds a message to a conversation in timestamp order, appending after
// equal timestamps. Messages whose id is already present are dropped; it
// reports whether the message was inserted.
func (h *historyCache) insert(key string, msg Message) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	msgs := h.conversations[key]
	for _, existing := range msgs {
		if existing.ID == msg.ID {
			return false
		}
	}

	i := sort.Search(len(msgs), func(i int) bool {
		return msgs[i].Timestamp.After(msg.Timestamp)
	})
	msgs = append(msgs, Message{})
	copy(msgs[i+1:], msgs[i:])
	msgs[i] = msg
	h.conversations[key] = msgs
	return true
}

// snapshot copies a conversation's messages, oldest first.
func (h *historyCache) snapshot(key string) []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	msgs := h.conversations[key]
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

// GetHistory returns up to limit cached messages for a conversation, newest
// first. When no page boundary is given and the cache holds fewer messages
// than requested, it hydrates from the server archive first; archive failures
// degrade silently to whatever is cached. A non-zero before bounds the page
// to messages older than that instant and never triggers hydration.
func (e *Engine) GetHistory(ctx context.Context, conversation string, limit int, before time.Time) ([]Message, error) {
	if !e.connected() {
		return nil, ErrNotConnected
	}
	if limit <= 0 {
		limit = e.cfg.ArchivePageSize
	}
	key := bareKey(conversation)

	msgs := filterBefore(e.history.snapshot(key), before)
	if before.IsZero() && len(msgs) < limit {
		e.hydrate(ctx, key, limit)
		msgs = filterBefore(e.history.snapshot(key), before)
	}

	out := make([]Message, 0, limit)
	for i := len(msgs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, msgs[i])
	}
	return out, nil
}

func filterBefore(msgs []Message, before time.Time) []Message {
	if before.IsZero() {
		return msgs
	}
	out := msgs[:0:0]
	for _, m := range msgs {
		if m.Timestamp.Before(before) {
			out = append(out, m)
		}
	}
	return out
}

// hydrate runs at most one archive query per conversation at a time. A call
// that finds a hydration already in flight waits for it instead of issuing a
// second query.
func (e *Engine) hydrate(ctx context.Context, key string, limit int) {
	e.history.mu.Lock()
	if done, inflight := e.history.hydrations[key]; inflight {
		e.history.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	e.history.hydrations[key] = done
	e.history.mu.Unlock()

	defer func() {
		e.history.mu.Lock()
		delete(e.history.hydrations, key)
		e.history.mu.Unlock()
		close(done)
	}()

	max := limit
	if max > e.cfg.ArchivePageSize {
		max = e.cfg.ArchivePageSize
	}

	e.mu.Lock()
	_, isRoom := e.rooms[key]
	self := e.self
	e.mu.Unlock()

	form := &wire.Form{
		Type: "submit",
		Fields: []wire.FormField{
			{Var: "FORM_TYPE", Type: "hidden", Values: []string{"urn:xmpp:mam:2"}},
		},
	}
	iq := &wire.IQ{
		Type: wire.TypeSet,
		Archive: &wire.ArchiveQuery{
			QueryID: wire.NewID(),
			Form:    form,
			// An empty before pages backwards from the end of the archive.
			Set: &wire.ResultSet{Max: max, Before: new(string)},
		},
	}
	if isRoom {
		iq.To = key
	} else {
		iq.To = self.Bare().String()
		form.Fields = append(form.Fields, wire.FormField{Var: "with", Values: []string{key}})
	}

	hctx, cancel := context.WithTimeout(ctx, e.cfg.ArchiveTimeout)
	defer cancel()

	if _, err := e.request(hctx, iq); err != nil {
		e.log.Debug("archive query failed, serving cached history only",
			zap.String("conversation", key),
			zap.Error(err))
	}
}

// handleArchived unwraps one archive result and merges the inner message into
// the cache. Archived messages never reach the live message channel.
func (e *Engine) handleArchived(archiver string, res *wire.ArchiveResult) {
	fwd := res.Forwarded.Message
	if fwd == nil || fwd.Body == "" {
		return
	}
	sender, err := jid.Parse(fwd.From)
	if err != nil {
		e.log.Debug("dropping archived message with unparseable sender",
			zap.String("from", fwd.From), zap.Error(err))
		return
	}

	ts := time.Now()
	if res.Forwarded.Delay != nil {
		if stamp, err := res.Forwarded.Delay.Time(); err == nil {
			ts = stamp
		}
	}

	kind := KindDirect
	if fwd.Type == wire.TypeGroupChat {
		kind = KindGroup
	}

	e.mu.Lock()
	self := e.self
	e.mu.Unlock()

	key := sender.Bare().String()
	if kind == KindDirect && key == self.Bare().String() {
		// Our own sent message coming back out of the archive files under
		// the peer's conversation.
		key = bareKey(fwd.To)
	}

	if fwd.ID == "" && fwd.OriginID == nil {
		// Fall back to the archive id so repeated hydrations still dedup.
		fwd.ID = res.ID
	}
	msg := buildMessage(fwd, ts, kind)
	if msg.ArchiveID == nil && res.ID != "" {
		by := bareKey(archiver)
		if by == "" {
			by = self.Bare().String()
		}
		msg.ArchiveID = &ArchiveRef{ID: res.ID, By: by}
	}
	e.history.insert(key, msg)
}
