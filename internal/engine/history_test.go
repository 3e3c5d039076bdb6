package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/warbler-im/warbler/internal/wire"
)

func TestHistoryInsertOrdersByTimestamp(t *testing.T) {
	h := newHistoryCache()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	h.insert("bob@example.com", Message{ID: "c", Timestamp: base.Add(2 * time.Minute)})
	h.insert("bob@example.com", Message{ID: "a", Timestamp: base})
	h.insert("bob@example.com", Message{ID: "b", Timestamp: base.Add(time.Minute)})

	got := h.snapshot("bob@example.com")
	want := []string{"a", "b", "c"}
	for i, id := range want {
		if got[i].ID != id {
			t.Fatalf("position %d = %s, want %s", i, got[i].ID, id)
		}
	}
}

func TestHistoryInsertDedupsByID(t *testing.T) {
	h := newHistoryCache()
	ts := time.Now()

	if !h.insert("bob@example.com", Message{ID: "m1", Body: "first", Timestamp: ts}) {
		t.Fatal("first insert rejected")
	}
	if h.insert("bob@example.com", Message{ID: "m1", Body: "duplicate", Timestamp: ts.Add(time.Hour)}) {
		t.Fatal("duplicate id accepted")
	}
	got := h.snapshot("bob@example.com")
	if len(got) != 1 || got[0].Body != "first" {
		t.Errorf("cache = %+v, want the first copy only", got)
	}
}

func TestHistoryEqualTimestampsKeepArrivalOrder(t *testing.T) {
	h := newHistoryCache()
	ts := time.Now()

	h.insert("bob@example.com", Message{ID: "first", Timestamp: ts})
	h.insert("bob@example.com", Message{ID: "second", Timestamp: ts})

	got := h.snapshot("bob@example.com")
	if got[0].ID != "first" || got[1].ID != "second" {
		t.Errorf("order = %s, %s; want first, second", got[0].ID, got[1].ID)
	}
}

// archiveResponder answers archive queries by replaying canned messages and
// then the terminating result, counting how many queries it saw.
func archiveResponder(fs *fakeStream, messages []*wire.Message) func() int {
	var queries atomic.Int32
	fs.answerIQs(func(iq *wire.IQ) *wire.IQ {
		if iq.Roster != nil {
			return emptyRosterResult(iq)
		}
		if iq.Archive == nil {
			return nil
		}
		queries.Add(1)
		for _, m := range messages {
			fs.in <- m
		}
		return &wire.IQ{ID: iq.ID, Type: wire.TypeResult, ArchiveFin: &wire.ArchiveFin{Complete: true}}
	})
	return func() int { return int(queries.Load()) }
}

func archived(id, from, body, stamp string) *wire.Message {
	return &wire.Message{
		ArchiveResult: &wire.ArchiveResult{
			ID: "arc-" + id,
			Forwarded: wire.Forwarded{
				Delay: &wire.Delay{Stamp: stamp},
				Message: &wire.Message{
					ID:   id,
					From: from,
					To:   "alice@example.com",
					Type: wire.TypeChat,
					Body: body,
				},
			},
		},
	}
}

func TestGetHistoryHydratesFromArchive(t *testing.T) {
	fs := newFakeStream(t, "alice@example.com/test")
	e := newTestEngine(t, fs)
	connect(t, e, fs)

	queries := archiveResponder(fs, []*wire.Message{
		archived("h1", "bob@example.com", "old one", "2026-01-01T10:00:00Z"),
		archived("h2", "bob@example.com", "old two", "2026-01-01T11:00:00Z"),
	})

	msgs, err := e.GetHistory(context.Background(), "bob@example.com", 10, time.Time{})
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	// Newest first.
	if msgs[0].ID != "h2" || msgs[1].ID != "h1" {
		t.Errorf("order = %s, %s; want h2, h1", msgs[0].ID, msgs[1].ID)
	}
	if msgs[0].ArchiveID == nil || msgs[0].ArchiveID.ID != "arc-h2" {
		t.Errorf("archive id not carried: %+v", msgs[0].ArchiveID)
	}
	if queries() != 1 {
		t.Errorf("archive queried %d times, want 1", queries())
	}
}

func TestGetHistoryServedFromCacheWhenFull(t *testing.T) {
	fs := newFakeStream(t, "alice@example.com/test")
	e := newTestEngine(t, fs)
	connect(t, e, fs)

	queries := archiveResponder(fs, nil)
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		e.history.insert("bob@example.com", Message{
			ID:        fmt.Sprintf("m%d", i),
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
	}

	msgs, err := e.GetHistory(context.Background(), "bob@example.com", 3, time.Time{})
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	if msgs[0].ID != "m4" {
		t.Errorf("newest = %s, want m4", msgs[0].ID)
	}
	if queries() != 0 {
		t.Errorf("archive queried %d times, want 0", queries())
	}
}

func TestGetHistoryBeforeNeverHydrates(t *testing.T) {
	fs := newFakeStream(t, "alice@example.com/test")
	e := newTestEngine(t, fs)
	connect(t, e, fs)

	queries := archiveResponder(fs, nil)
	cutoff := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	e.history.insert("bob@example.com", Message{ID: "older", Timestamp: cutoff.Add(-time.Hour)})
	e.history.insert("bob@example.com", Message{ID: "newer", Timestamp: cutoff.Add(time.Hour)})

	msgs, err := e.GetHistory(context.Background(), "bob@example.com", 10, cutoff)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != "older" {
		t.Errorf("got %+v, want only the older message", msgs)
	}
	if queries() != 0 {
		t.Errorf("archive queried %d times, want 0 for a bounded page", queries())
	}
}

func TestGetHistoryArchiveFailureDegradesSilently(t *testing.T) {
	fs := newFakeStream(t, "alice@example.com/test")
	e := newTestEngine(t, fs)
	connect(t, e, fs)

	fs.answerIQs(func(iq *wire.IQ) *wire.IQ {
		if iq.Roster != nil {
			return emptyRosterResult(iq)
		}
		if iq.Archive != nil {
			return &wire.IQ{
				ID:    iq.ID,
				Type:  wire.TypeError,
				Error: &wire.StanzaError{Type: "cancel", Text: "service unavailable"},
			}
		}
		return nil
	})

	e.history.insert("bob@example.com", Message{ID: "cached", Timestamp: time.Now()})

	msgs, err := e.GetHistory(context.Background(), "bob@example.com", 10, time.Time{})
	if err != nil {
		t.Fatalf("GetHistory returned %v, want nil on archive failure", err)
	}
	if len(msgs) != 1 || msgs[0].ID != "cached" {
		t.Errorf("got %+v, want the cached message", msgs)
	}
}

func TestHydrationSingleFlight(t *testing.T) {
	fs := newFakeStream(t, "alice@example.com/test")
	e := newTestEngine(t, fs)
	connect(t, e, fs)

	var mu sync.Mutex
	queries := 0
	release := make(chan struct{})
	fs.answerIQs(func(iq *wire.IQ) *wire.IQ {
		if iq.Roster != nil {
			return emptyRosterResult(iq)
		}
		if iq.Archive == nil {
			return nil
		}
		mu.Lock()
		queries++
		mu.Unlock()
		go func(id string) {
			<-release
			fs.in <- &wire.IQ{ID: id, Type: wire.TypeResult, ArchiveFin: &wire.ArchiveFin{}}
		}(iq.ID)
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = e.GetHistory(context.Background(), "bob@example.com", 10, time.Time{})
		}()
	}

	eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return queries >= 1
	}, "first archive query issued")
	// Let the remaining callers reach the in-flight check before releasing.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if queries != 1 {
		t.Errorf("archive queried %d times under concurrency, want 1", queries)
	}
}

func TestArchiveQueryCapsPageSize(t *testing.T) {
	fs := newFakeStream(t, "alice@example.com/test")
	e := newTestEngine(t, fs)
	connect(t, e, fs)

	archiveResponder(fs, nil)

	_, err := e.GetHistory(context.Background(), "bob@example.com", 5000, time.Time{})
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}

	var archiveIQ *wire.IQ
	for _, iq := range fs.sentIQs() {
		if iq.Archive != nil {
			archiveIQ = iq
		}
	}
	if archiveIQ == nil {
		t.Fatal("no archive query sent")
	}
	if archiveIQ.Archive.Set == nil || archiveIQ.Archive.Set.Max != 100 {
		t.Errorf("archive page max = %+v, want 100", archiveIQ.Archive.Set)
	}
	if archiveIQ.To != "alice@example.com" {
		t.Errorf("archive query addressed to %q, want own bare address", archiveIQ.To)
	}
}
