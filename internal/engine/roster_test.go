package engine

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/warbler-im/warbler/internal/wire"
)

func rosterFixture(fs *fakeStream) func() int {
	var fetches atomic.Int32
	fs.answerIQs(func(iq *wire.IQ) *wire.IQ {
		if iq.Type == wire.TypeGet && iq.Roster != nil {
			fetches.Add(1)
			return &wire.IQ{
				ID:   iq.ID,
				Type: wire.TypeResult,
				Roster: &wire.RosterQuery{
					Items: []wire.RosterItem{
						{JID: "bob@example.com", Name: "Bob", Subscription: "both", Groups: []string{"Friends"}},
						{JID: "carol@example.com", Subscription: "to"},
					},
				},
			}
		}
		if iq.Type == wire.TypeSet && iq.Roster != nil {
			return &wire.IQ{ID: iq.ID, Type: wire.TypeResult}
		}
		return nil
	})
	return func() int { return int(fetches.Load()) }
}

func TestGetRosterFetchesOnceAndInjectsSelf(t *testing.T) {
	fs := newFakeStream(t, "alice@example.com/test")
	e := newTestEngine(t, fs)
	fetches := rosterFixture(fs)
	if err := e.Connect(context.Background(), "alice@example.com", "secret", ""); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	entries, err := e.GetRoster(context.Background())
	if err != nil {
		t.Fatalf("GetRoster: %v", err)
	}

	byJID := make(map[string]RosterEntry)
	for _, entry := range entries {
		byJID[entry.JID] = entry
	}
	if _, ok := byJID["bob@example.com"]; !ok {
		t.Error("bob missing from roster")
	}
	self, ok := byJID["alice@example.com"]
	if !ok {
		t.Fatal("own account missing from roster")
	}
	if self.Subscription != "both" {
		t.Errorf("self subscription = %q, want both", self.Subscription)
	}

	// Second call is a cache hit.
	if _, err := e.GetRoster(context.Background()); err != nil {
		t.Fatalf("second GetRoster: %v", err)
	}
	eventually(t, func() bool { return fetches() >= 1 }, "roster fetched")
	if fetches() > 2 {
		// One fetch from the test plus at most the automatic one at connect.
		t.Errorf("roster fetched %d times", fetches())
	}
}

func TestSelfEntryNotDuplicated(t *testing.T) {
	fs := newFakeStream(t, "alice@example.com/test")
	e := newTestEngine(t, fs)
	fs.answerIQs(func(iq *wire.IQ) *wire.IQ {
		if iq.Type == wire.TypeGet && iq.Roster != nil {
			return &wire.IQ{
				ID:   iq.ID,
				Type: wire.TypeResult,
				Roster: &wire.RosterQuery{
					Items: []wire.RosterItem{{JID: "alice@example.com", Name: "Me", Subscription: "both"}},
				},
			}
		}
		return nil
	})
	if err := e.Connect(context.Background(), "alice@example.com", "secret", ""); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	entries, err := e.GetRoster(context.Background())
	if err != nil {
		t.Fatalf("GetRoster: %v", err)
	}
	count := 0
	for _, entry := range entries {
		if entry.JID == "alice@example.com" {
			count++
			if entry.Name != "Me" {
				t.Errorf("server-provided self entry overwritten: %+v", entry)
			}
		}
	}
	if count != 1 {
		t.Errorf("self entry appears %d times, want 1", count)
	}
}

func TestAddContactFlow(t *testing.T) {
	fs := newFakeStream(t, "alice@example.com/test")
	e := newTestEngine(t, fs)
	rosterFixture(fs)
	if err := e.Connect(context.Background(), "alice@example.com", "secret", ""); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := e.AddContact(context.Background(), "dave@example.com/ignored"); err != nil {
		t.Fatalf("AddContact: %v", err)
	}

	var sawSet, sawSubscribe bool
	for _, el := range fs.sentElements() {
		switch v := el.(type) {
		case *wire.IQ:
			if v.Type == wire.TypeSet && v.Roster != nil &&
				len(v.Roster.Items) == 1 && v.Roster.Items[0].JID == "dave@example.com" {
				sawSet = true
			}
		case *wire.Presence:
			if v.Type == wire.TypeSubscribe && v.To == "dave@example.com" {
				sawSubscribe = true
			}
		}
	}
	if !sawSet {
		t.Error("no roster set for the bare address")
	}
	if !sawSubscribe {
		t.Error("no subscription request sent")
	}
}

func TestRemoveContactDropsEntry(t *testing.T) {
	fs := newFakeStream(t, "alice@example.com/test")
	e := newTestEngine(t, fs)
	rosterFixture(fs)
	if err := e.Connect(context.Background(), "alice@example.com", "secret", ""); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, err := e.GetRoster(context.Background()); err != nil {
		t.Fatalf("GetRoster: %v", err)
	}

	if err := e.RemoveContact(context.Background(), "bob@example.com"); err != nil {
		t.Fatalf("RemoveContact: %v", err)
	}
	if _, ok := e.roster.get("bob@example.com"); ok {
		t.Error("removed contact still cached")
	}
}
