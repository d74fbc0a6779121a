package ingest

import (
	"testing"
	"time"

	"github.com/amigochat/amigo/internal/bus"
	"github.com/amigochat/amigo/internal/chat"
)

const selfAddr = "0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"

func startIngestor(t *testing.T) (*chat.Engine, *bus.Bus) {
	t.Helper()
	b := bus.New()
	engine := chat.NewEngine(selfAddr, nil, nil, nil, nil)
	ing := New(engine, b, nil)
	ing.Start()
	t.Cleanup(ing.Stop)
	return engine, b
}

func publishAndSettle(t *testing.T, b *bus.Bus, kind string, payload any) {
	t.Helper()
	b.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
	// Delivery is asynchronous.
	time.Sleep(20 * time.Millisecond)
}

func TestIngestsLiveMessages(t *testing.T) {
	engine, b := startIngestor(t)

	publishAndSettle(t, b, "chain.group_message", chat.Event{
		Broadcast: true,
		Sender:    "0xBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB",
		Content:   "hello",
		Timestamp: 100,
		Seq:       1,
	})

	msgs, _ := engine.Snapshot()
	if len(msgs) != 1 || msgs[0].ID != "group-1" {
		t.Fatalf("snapshot = %+v", msgs)
	}
}

func TestDropsForeignDirectMessages(t *testing.T) {
	engine, b := startIngestor(t)

	publishAndSettle(t, b, "chain.direct_message", chat.Event{
		Sender:    "0xBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB",
		Recipient: "0xCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCC",
		Content:   "not for us",
		Timestamp: 100,
		Seq:       2,
	})
	publishAndSettle(t, b, "chain.direct_message", chat.Event{
		Sender:    "0xBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB",
		Recipient: selfAddr,
		Content:   "for us",
		Timestamp: 101,
		Seq:       3,
	})

	msgs, _ := engine.Snapshot()
	if len(msgs) != 1 || msgs[0].Content != "for us" {
		t.Fatalf("snapshot = %+v", msgs)
	}
}

func TestIngestsHistoryAndDirectory(t *testing.T) {
	engine, b := startIngestor(t)

	publishAndSettle(t, b, "chain.history_batch", []chat.Message{
		{ID: "group-1", Sender: selfAddr, Content: "old", Timestamp: 50, Broadcast: true, State: chat.Confirmed},
	})
	publishAndSettle(t, b, "chain.users", []chat.User{
		{Address: "0xBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB", Handle: "bobcat"},
	})
	publishAndSettle(t, b, "chain.presence_changed", chat.PresenceChange{
		Address: "0xBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB",
		Online:  true,
		At:      60000,
	})
	publishAndSettle(t, b, "chain.profile_image", chat.ImageChange{
		Address:  "0xBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB",
		ImageRef: "QmNew",
	})

	msgs, users := engine.Snapshot()
	if len(msgs) != 1 {
		t.Fatalf("messages = %+v", msgs)
	}
	if len(users) != 1 {
		t.Fatalf("users = %+v", users)
	}
	u := users[0]
	if u.Handle != "bobcat" || !u.IsOnline || u.LastSeenAt != 60000 || u.ImageRef != "QmNew" {
		t.Errorf("user = %+v", u)
	}
}
