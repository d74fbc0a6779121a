package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/amigochat/amigo/internal/chat"
)

const selfAddr = "0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
const otherAddr = "0xBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB"

type fakeSender struct {
	mu         sync.Mutex
	fail       bool
	broadcasts []string
	directs    [][2]string
}

func (f *fakeSender) SendBroadcast(ctx context.Context, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("reverted")
	}
	f.broadcasts = append(f.broadcasts, content)
	return nil
}

func (f *fakeSender) SendDirect(ctx context.Context, recipient, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("reverted")
	}
	f.directs = append(f.directs, [2]string{recipient, content})
	return nil
}

func TestSendBroadcastStaysPending(t *testing.T) {
	engine := chat.NewEngine(selfAddr, nil, nil, nil, nil)
	sender := &fakeSender{}
	d := NewDispatcher(engine, sender, nil)

	msg, err := d.Send("hello", "", true)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	d.Wait()

	if len(sender.broadcasts) != 1 || sender.broadcasts[0] != "hello" {
		t.Errorf("broadcasts = %v", sender.broadcasts)
	}
	// The entry stays Pending until the contract event settles it.
	msgs, _ := engine.Snapshot()
	if len(msgs) != 1 || msgs[0].ID != msg.ID || msgs[0].State != chat.Pending {
		t.Errorf("snapshot = %+v", msgs)
	}
}

func TestSendDirectRoutesRecipient(t *testing.T) {
	engine := chat.NewEngine(selfAddr, nil, nil, nil, nil)
	sender := &fakeSender{}
	d := NewDispatcher(engine, sender, nil)

	if _, err := d.Send("psst", otherAddr, false); err != nil {
		t.Fatalf("Send: %v", err)
	}
	d.Wait()

	if len(sender.directs) != 1 || sender.directs[0] != [2]string{otherAddr, "psst"} {
		t.Errorf("directs = %v", sender.directs)
	}
}

func TestFailedSendSettlesToFailed(t *testing.T) {
	engine := chat.NewEngine(selfAddr, nil, nil, nil, nil)
	d := NewDispatcher(engine, &fakeSender{fail: true}, nil)

	msg, err := d.Send("doomed", "", true)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	d.Wait()

	msgs, _ := engine.Snapshot()
	if len(msgs) != 0 {
		t.Errorf("failed message still in snapshot: %+v", msgs)
	}
	failed := engine.ListFailed()
	if len(failed) != 1 || failed[0].ID != msg.ID {
		t.Errorf("failed list = %+v", failed)
	}
}

func TestValidationErrorIsSynchronous(t *testing.T) {
	engine := chat.NewEngine(selfAddr, nil, nil, nil, nil)
	sender := &fakeSender{}
	d := NewDispatcher(engine, sender, nil)

	if _, err := d.Send("", "", true); err == nil {
		t.Fatal("expected validation error")
	}
	var verr *chat.ValidationError
	_, err := d.Send("no recipient", "", false)
	if !errors.As(err, &verr) {
		t.Fatalf("error type = %T", err)
	}
	d.Wait()
	if len(sender.broadcasts)+len(sender.directs) != 0 {
		t.Error("invalid input reached the sender")
	}
}

func TestRetryResubmitsFailedContent(t *testing.T) {
	engine := chat.NewEngine(selfAddr, nil, nil, nil, nil)
	sender := &fakeSender{fail: true}
	d := NewDispatcher(engine, sender, nil)

	msg, err := d.Send("try again", otherAddr, false)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	d.Wait()

	sender.mu.Lock()
	sender.fail = false
	sender.mu.Unlock()

	retried, ok, err := d.Retry(msg.ID)
	if err != nil || !ok {
		t.Fatalf("Retry = %v, %v", ok, err)
	}
	if retried.ID == msg.ID {
		t.Error("retry reused the failed id")
	}
	d.Wait()

	if len(sender.directs) != 1 || sender.directs[0][1] != "try again" {
		t.Errorf("directs = %v", sender.directs)
	}
	if _, ok, _ := d.Retry("local-missing"); ok {
		t.Error("Retry found a message that does not exist")
	}
}
