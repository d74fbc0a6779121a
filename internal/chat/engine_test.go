package chat

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/amigochat/amigo/internal/bus"
)

const (
	selfAddr  = "0xAb5801a7D398351b8bE11C439e05C5B3259aeC9B"
	otherAddr = "0x00a329c0648769A73afAc7F9381E08FB43dBEA72"
)

type fakeCache struct {
	saves    int
	clears   int
	fail     bool
	messages []Message
	users    []User
}

func (f *fakeCache) Save(messages []Message, users []User) error {
	if f.fail {
		return errors.New("disk full")
	}
	f.saves++
	f.messages = messages
	f.users = users
	return nil
}

func (f *fakeCache) Clear() error {
	f.clears++
	f.messages = nil
	f.users = nil
	return nil
}

func testEngine() *Engine {
	return NewEngine(selfAddr, nil, nil, nil, nil)
}

func groupEvent(seq uint64, sender, content string, ts int64) Event {
	return Event{Broadcast: true, Sender: sender, Content: content, Timestamp: ts, Seq: seq}
}

func directEvent(seq uint64, sender, recipient, content string, ts int64) Event {
	return Event{Sender: sender, Recipient: recipient, Content: content, Timestamp: ts, Seq: seq}
}

func TestMergeHistoricalIdempotent(t *testing.T) {
	e := testEngine()

	batch := []Message{groupEvent(1, otherAddr, "hello", 100).Message()}
	if n := e.MergeHistorical(batch); n != 1 {
		t.Fatalf("first merge inserted %d, want 1", n)
	}
	if n := e.MergeHistorical(batch); n != 0 {
		t.Errorf("second merge inserted %d, want 0", n)
	}

	msgs, _ := e.Snapshot()
	if len(msgs) != 1 || msgs[0].ID != "group-1" {
		t.Errorf("snapshot = %+v, want single group-1", msgs)
	}
}

func TestApplyLiveEventIdempotent(t *testing.T) {
	e := testEngine()

	evt := groupEvent(7, otherAddr, "hi", 100)
	if _, merged := e.ApplyLiveEvent(evt); !merged {
		t.Fatal("first delivery should merge")
	}
	// Event transports may redeliver; the duplicate must be a no-op.
	if _, merged := e.ApplyLiveEvent(evt); merged {
		t.Error("redelivered event should not merge again")
	}

	msgs, _ := e.Snapshot()
	if len(msgs) != 1 {
		t.Errorf("got %d messages, want 1", len(msgs))
	}
}

func TestNoConfirmedDowngrade(t *testing.T) {
	e := testEngine()

	e.ApplyLiveEvent(groupEvent(3, otherAddr, "original", 100))

	// A slow historical read carrying different content for the same id
	// must not alter the existing entry.
	stale := Message{ID: "group-3", Sender: otherAddr, Content: "stale copy", Timestamp: 50, Broadcast: true, State: Confirmed}
	e.MergeHistorical([]Message{stale})

	msgs, _ := e.Snapshot()
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].Content != "original" || msgs[0].State != Confirmed {
		t.Errorf("entry was rewritten: %+v", msgs[0])
	}
}

func TestOptimisticSettlement(t *testing.T) {
	e := testEngine()

	pending, err := e.SubmitOptimistic("hello world", "", true)
	if err != nil {
		t.Fatal(err)
	}
	if pending.State != Pending || !strings.HasPrefix(pending.ID, "local-") {
		t.Fatalf("unexpected optimistic message: %+v", pending)
	}

	// The confirming event arrives with the chain-assigned sequence.
	e.ApplyLiveEvent(groupEvent(7, selfAddr, "hello world", 200))

	msgs, _ := e.Snapshot()
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want exactly 1", len(msgs))
	}
	if msgs[0].ID != "group-7" || msgs[0].State != Confirmed {
		t.Errorf("got %+v, want confirmed group-7", msgs[0])
	}
}

func TestSettlementRemovesOldestMatchOnly(t *testing.T) {
	e := testEngine()

	first, err := e.SubmitOptimistic("same text", "", true)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(2 * time.Millisecond)
	second, err := e.SubmitOptimistic("same text", "", true)
	if err != nil {
		t.Fatal(err)
	}

	e.ApplyLiveEvent(groupEvent(1, selfAddr, "same text", 100))

	msgs, _ := e.Snapshot()
	var pendingIDs []string
	for _, m := range msgs {
		if m.State == Pending {
			pendingIDs = append(pendingIDs, m.ID)
		}
	}
	if len(pendingIDs) != 1 {
		t.Fatalf("got %d pending entries, want 1 (one settled)", len(pendingIDs))
	}
	// Oldest-matching-pending wins: the first submission settles.
	if pendingIDs[0] != second.ID {
		t.Errorf("remaining pending = %s, want %s (first %s should have settled)",
			pendingIDs[0], second.ID, first.ID)
	}
}

func TestSettlementMatchesConversationKind(t *testing.T) {
	e := testEngine()

	// A pending direct message must not settle against a broadcast event
	// with the same content.
	pending, err := e.SubmitOptimistic("hey", otherAddr, false)
	if err != nil {
		t.Fatal(err)
	}
	e.ApplyLiveEvent(groupEvent(1, selfAddr, "hey", 100))

	msgs, _ := e.Snapshot()
	found := false
	for _, m := range msgs {
		if m.ID == pending.ID && m.State == Pending {
			found = true
		}
	}
	if !found {
		t.Error("pending direct message settled against a broadcast event")
	}

	// The matching direct event settles it, case-insensitively.
	e.ApplyLiveEvent(directEvent(2, strings.ToUpper(selfAddr), strings.ToLower(otherAddr), "hey", 101))
	msgs, _ = e.Snapshot()
	for _, m := range msgs {
		if m.State == Pending {
			t.Errorf("pending entry survived settlement: %+v", m)
		}
	}
}

func TestHistoricalAfterLiveEvent(t *testing.T) {
	e := testEngine()

	// Live event for seq 3 arrives before the backfill covering 1..5.
	e.ApplyLiveEvent(groupEvent(3, otherAddr, "three", 300))

	var batch []Message
	for seq := uint64(1); seq <= 5; seq++ {
		batch = append(batch, groupEvent(seq, otherAddr, fmt.Sprintf("msg %d", seq), int64(seq*100)).Message())
	}
	e.MergeHistorical(batch)

	msgs, _ := e.Snapshot()
	if len(msgs) != 5 {
		t.Fatalf("got %d messages, want 5 distinct", len(msgs))
	}
	for _, m := range msgs {
		if m.ID == "group-3" {
			if m.Content != "three" || m.State != Confirmed {
				t.Errorf("seq 3 was overwritten by backfill: %+v", m)
			}
		}
	}
}

func TestHydrateFresh(t *testing.T) {
	e := testEngine()

	cached := []Message{groupEvent(1, otherAddr, "cached", 100).Message()}
	users := []User{{Address: otherAddr, Handle: "trinity"}}
	if n := e.Hydrate(cached, users, time.Minute); n != 1 {
		t.Errorf("hydrated %d messages, want 1", n)
	}

	msgs, gotUsers := e.Snapshot()
	if len(msgs) != 1 || len(gotUsers) != 1 {
		t.Errorf("snapshot after hydrate: %d msgs, %d users", len(msgs), len(gotUsers))
	}
}

func TestHydrateStaleIsNoop(t *testing.T) {
	e := testEngine()

	cached := []Message{groupEvent(1, otherAddr, "cached", 100).Message()}
	if n := e.Hydrate(cached, nil, 10*time.Minute); n != 0 {
		t.Errorf("stale hydrate inserted %d, want 0", n)
	}
	msgs, _ := e.Snapshot()
	if len(msgs) != 0 {
		t.Errorf("stale hydrate populated the set: %+v", msgs)
	}
}

func TestHydrateNeverClobbersLiveData(t *testing.T) {
	e := testEngine()

	// Live event wins the race against startup hydration.
	e.ApplyLiveEvent(groupEvent(1, otherAddr, "live copy", 100))

	cached := []Message{{ID: "group-1", Sender: otherAddr, Content: "cached copy", Timestamp: 90, Broadcast: true, State: Confirmed}}
	e.Hydrate(cached, nil, time.Minute)

	msgs, _ := e.Snapshot()
	if len(msgs) != 1 || msgs[0].Content != "live copy" {
		t.Errorf("hydrate clobbered live data: %+v", msgs)
	}
}

func TestHydrateSkipsNonConfirmed(t *testing.T) {
	e := testEngine()

	// A pending entry from a dead session can never be correlated again.
	cached := []Message{
		{ID: "local-stale", Sender: selfAddr, Content: "ghost", Timestamp: 100, Broadcast: true, State: Pending},
		groupEvent(1, otherAddr, "real", 100).Message(),
	}
	if n := e.Hydrate(cached, nil, time.Minute); n != 1 {
		t.Errorf("hydrated %d, want 1 (pending skipped)", n)
	}
}

func TestSubmitOptimisticValidation(t *testing.T) {
	e := testEngine()

	tests := []struct {
		name      string
		content   string
		recipient string
		broadcast bool
	}{
		{"empty", "", "", true},
		{"whitespace only", "   \n\t", "", true},
		{"over length", strings.Repeat("a", MaxContentLength+1), "", true},
		{"direct without recipient", "hi", "", false},
		{"broadcast with recipient", "hi", otherAddr, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.SubmitOptimistic(tt.content, tt.recipient, tt.broadcast)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Errorf("error = %v, want ValidationError", err)
			}
		})
	}

	// Nothing invalid should have been inserted.
	msgs, _ := e.Snapshot()
	if len(msgs) != 0 {
		t.Errorf("invalid submissions left entries behind: %+v", msgs)
	}
}

func TestSubmitOptimisticTrimsContent(t *testing.T) {
	e := testEngine()

	msg, err := e.SubmitOptimistic("  hello  ", "", true)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Content != "hello" {
		t.Errorf("content = %q, want trimmed", msg.Content)
	}
	if msg.Sender != selfAddr {
		t.Errorf("sender = %q, want self", msg.Sender)
	}
}

func TestSettleFailed(t *testing.T) {
	e := testEngine()

	msg, err := e.SubmitOptimistic("doomed", "", true)
	if err != nil {
		t.Fatal(err)
	}
	if !e.SettleFailed(msg.ID) {
		t.Fatal("SettleFailed returned false for a pending entry")
	}

	// Failed entries leave the snapshot but stay listable for retry.
	msgs, _ := e.Snapshot()
	if len(msgs) != 0 {
		t.Errorf("failed entry still in snapshot: %+v", msgs)
	}
	failed := e.ListFailed()
	if len(failed) != 1 || failed[0].ID != msg.ID || failed[0].State != Failed {
		t.Errorf("ListFailed = %+v", failed)
	}

	// Settling twice, or settling a confirmed id, is a no-op.
	if e.SettleFailed(msg.ID) {
		t.Error("second SettleFailed should return false")
	}
	confirmed, _ := e.ApplyLiveEvent(groupEvent(1, otherAddr, "x", 100))
	if e.SettleFailed(confirmed.ID) {
		t.Error("SettleFailed must not touch confirmed entries")
	}
}

func TestSnapshotOrdering(t *testing.T) {
	e := testEngine()

	e.MergeHistorical([]Message{
		groupEvent(2, otherAddr, "b", 200).Message(),
		groupEvent(3, otherAddr, "tie-b", 300).Message(),
		groupEvent(1, otherAddr, "a", 100).Message(),
	})
	// Same timestamp as group seq 3: tie broken by id.
	e.ApplyLiveEvent(directEvent(1, otherAddr, selfAddr, "tie-a", 300))

	msgs, _ := e.Snapshot()
	for i := 1; i < len(msgs); i++ {
		prev, cur := msgs[i-1], msgs[i]
		if prev.Timestamp > cur.Timestamp {
			t.Fatalf("snapshot not timestamp-sorted at %d: %+v", i, msgs)
		}
		if prev.Timestamp == cur.Timestamp && prev.ID >= cur.ID {
			t.Fatalf("tie not broken by id at %d: %s then %s", i, prev.ID, cur.ID)
		}
	}
}

func TestSnapshotReturnsCopies(t *testing.T) {
	e := testEngine()
	e.ApplyLiveEvent(groupEvent(1, otherAddr, "hello", 100))

	msgs, _ := e.Snapshot()
	msgs[0].Content = "mutated"

	fresh, _ := e.Snapshot()
	if fresh[0].Content != "hello" {
		t.Error("mutating a snapshot leaked into canonical state")
	}
}

func TestUpsertUser(t *testing.T) {
	e := testEngine()

	e.UpsertUser(User{Address: otherAddr, Handle: "trinity", ImageRef: "QmX", RegisteredAt: 100, IsOnline: true, LastSeenAt: 100})
	// Presence update without identity fields must not erase them.
	e.UpsertUser(User{Address: strings.ToLower(otherAddr), IsOnline: false, LastSeenAt: 200})

	_, users := e.Snapshot()
	if len(users) != 1 {
		t.Fatalf("got %d users, want 1 (case-insensitive key)", len(users))
	}
	u := users[0]
	if u.Handle != "trinity" || u.ImageRef != "QmX" || u.RegisteredAt != 100 {
		t.Errorf("identity fields clobbered: %+v", u)
	}
	if u.IsOnline || u.LastSeenAt != 200 {
		t.Errorf("presence not last-write-wins: %+v", u)
	}
}

func TestSetUserPresenceCreatesSkeleton(t *testing.T) {
	e := testEngine()

	e.SetUserPresence(otherAddr, true, 500)

	_, users := e.Snapshot()
	if len(users) != 1 || !users[0].IsOnline || users[0].LastSeenAt != 500 {
		t.Errorf("users = %+v", users)
	}
}

func TestSetUserImageKeepsOtherFields(t *testing.T) {
	e := testEngine()

	e.UpsertUser(User{Address: otherAddr, Handle: "trinity", IsOnline: true, LastSeenAt: 300})
	e.SetUserImage(otherAddr, "QmNew")

	_, users := e.Snapshot()
	if len(users) != 1 {
		t.Fatalf("users = %+v", users)
	}
	u := users[0]
	if u.ImageRef != "QmNew" || u.Handle != "trinity" || !u.IsOnline || u.LastSeenAt != 300 {
		t.Errorf("user = %+v", u)
	}
}

func TestCacheWriteThrough(t *testing.T) {
	fc := &fakeCache{}
	e := NewEngine(selfAddr, fc, nil, nil, nil)

	e.ApplyLiveEvent(groupEvent(1, otherAddr, "hello", 100))
	if fc.saves != 1 {
		t.Errorf("saves = %d, want 1 after live event", fc.saves)
	}
	if len(fc.messages) != 1 {
		t.Errorf("cache holds %d messages, want 1", len(fc.messages))
	}

	e.UpsertUser(User{Address: otherAddr, Handle: "trinity"})
	if fc.saves != 2 {
		t.Errorf("saves = %d, want 2 after user upsert", fc.saves)
	}
}

func TestCacheFailureIsNotFatal(t *testing.T) {
	fc := &fakeCache{fail: true}
	e := NewEngine(selfAddr, fc, nil, nil, nil)

	msg, merged := e.ApplyLiveEvent(groupEvent(1, otherAddr, "hello", 100))
	if !merged || msg.ID != "group-1" {
		t.Errorf("merge failed because cache failed: %+v merged=%v", msg, merged)
	}
}

func TestResetClearsEverything(t *testing.T) {
	fc := &fakeCache{}
	e := NewEngine(selfAddr, fc, nil, nil, nil)

	e.ApplyLiveEvent(groupEvent(1, otherAddr, "hello", 100))
	e.UpsertUser(User{Address: otherAddr, Handle: "trinity"})
	e.Reset()

	msgs, users := e.Snapshot()
	if len(msgs) != 0 || len(users) != 0 {
		t.Errorf("state survived reset: %d msgs, %d users", len(msgs), len(users))
	}
	if fc.clears != 1 {
		t.Errorf("cache clears = %d, want 1", fc.clears)
	}
}

func TestEngineEmitsBusEvents(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("message.", 16)
	defer unsub()
	e := NewEngine(selfAddr, nil, b, nil, nil)

	e.ApplyLiveEvent(groupEvent(1, otherAddr, "hello", 100))

	select {
	case evt := <-ch:
		if evt.Kind != "message.merged" {
			t.Errorf("kind = %q, want message.merged", evt.Kind)
		}
		if _, ok := evt.Payload.(Message); !ok {
			t.Errorf("payload type = %T, want Message", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message.merged")
	}
}
