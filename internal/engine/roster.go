package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"mellium.im/xmpp/jid"

	"github.com/warbler-im/warbler/internal/event"
	"github.com/warbler-im/warbler/internal/wire"
)

type rosterCache struct {
	mu      sync.Mutex
	entries map[string]RosterEntry
	loaded  bool
}

func newRosterCache() *rosterCache {
	r := &rosterCache{}
	r.reset()
	return r
}

func (r *rosterCache) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]RosterEntry)
	r.loaded = false
}

func (r *rosterCache) isLoaded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loaded
}

func (r *rosterCache) markLoaded() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaded = true
}

func (r *rosterCache) get(bare string) (RosterEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[bare]
	return entry, ok
}

func (r *rosterCache) upsert(entry RosterEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[entry.JID] = entry
}

func (r *rosterCache) remove(bare string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, bare)
}

// snapshot returns the entries sorted by address.
func (r *rosterCache) snapshot() []RosterEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RosterEntry, 0, len(r.entries))
	for _, entry := range r.entries {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JID < out[j].JID })
	return out
}

// GetRoster returns the contact list, fetching it from the server on first
// use and serving the cache afterwards. The returned list always contains an
// entry for the user's own account.
func (e *Engine) GetRoster(ctx context.Context) ([]RosterEntry, error) {
	if !e.connected() {
		return nil, ErrNotConnected
	}
	if e.roster.isLoaded() {
		return e.roster.snapshot(), nil
	}
	return e.fetchRoster(ctx)
}

func (e *Engine) fetchRoster(ctx context.Context) ([]RosterEntry, error) {
	resp, err := e.request(ctx, &wire.IQ{Type: wire.TypeGet, Roster: &wire.RosterQuery{}})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch roster: %w", err)
	}
	if resp.Roster != nil {
		for _, item := range resp.Roster.Items {
			e.roster.upsert(rosterEntry(item))
		}
	}

	e.injectSelf()
	e.roster.markLoaded()

	snap := e.roster.snapshot()
	e.bus.Publish(event.RosterReceived, RosterEvent{Entries: snap})
	return snap, nil
}

// injectSelf guarantees the user's own account appears in the roster even
// though servers never list it.
func (e *Engine) injectSelf() {
	e.mu.Lock()
	self := e.self
	e.mu.Unlock()
	if self.String() == "" {
		return
	}
	bare := self.Bare().String()
	if _, ok := e.roster.get(bare); ok {
		return
	}
	e.roster.upsert(RosterEntry{
		JID:          bare,
		Name:         self.Localpart(),
		Subscription: "both",
		Groups:       []string{"Self"},
	})
}

// AddContact adds an address to the roster and requests a presence
// subscription, then refreshes the cached contact list.
func (e *Engine) AddContact(ctx context.Context, identifier string) error {
	stream, _, err := e.session()
	if err != nil {
		return err
	}
	addr, err := jid.Parse(identifier)
	if err != nil {
		return fmt.Errorf("invalid contact address: %w", err)
	}
	bare := addr.Bare().String()

	_, err = e.request(ctx, &wire.IQ{
		Type:   wire.TypeSet,
		Roster: &wire.RosterQuery{Items: []wire.RosterItem{{JID: bare}}},
	})
	if err != nil {
		return fmt.Errorf("failed to add contact: %w", err)
	}

	if err := stream.Send(ctx, &wire.Presence{To: bare, Type: wire.TypeSubscribe}); err != nil {
		return fmt.Errorf("failed to request subscription: %w", err)
	}

	if _, err := e.fetchRoster(ctx); err != nil {
		return err
	}
	e.bus.Publish(event.RosterUpdated, RosterEvent{Entries: e.roster.snapshot()})
	return nil
}

// RemoveContact deletes an address from the roster, which also revokes the
// subscriptions in both directions.
func (e *Engine) RemoveContact(ctx context.Context, identifier string) error {
	if !e.connected() {
		return ErrNotConnected
	}
	addr, err := jid.Parse(identifier)
	if err != nil {
		return fmt.Errorf("invalid contact address: %w", err)
	}
	bare := addr.Bare().String()

	_, err = e.request(ctx, &wire.IQ{
		Type: wire.TypeSet,
		Roster: &wire.RosterQuery{
			Items: []wire.RosterItem{{JID: bare, Subscription: "remove"}},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to remove contact: %w", err)
	}

	e.roster.remove(bare)
	e.bus.Publish(event.RosterUpdated, RosterEvent{Entries: e.roster.snapshot()})
	return nil
}

// applyRosterPush folds a server push into the cache.
func (e *Engine) applyRosterPush(q *wire.RosterQuery) {
	for _, item := range q.Items {
		if item.Subscription == "remove" {
			e.roster.remove(item.JID)
			continue
		}
		e.roster.upsert(rosterEntry(item))
	}
}

func rosterEntry(item wire.RosterItem) RosterEntry {
	sub := item.Subscription
	if sub == "" {
		sub = "none"
	}
	return RosterEntry{
		JID:          item.JID,
		Name:         item.Name,
		Subscription: sub,
		Groups:       item.Groups,
	}
}
