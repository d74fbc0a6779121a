// Package outbox drives optimistic sends through the contract gateway.
package outbox

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/amigochat/amigo/internal/chat"
)

// TxSender is the slice of the contract gateway the dispatcher needs.
type TxSender interface {
	SendBroadcast(ctx context.Context, content string) error
	SendDirect(ctx context.Context, recipient, content string) error
}

// submitTimeout bounds one submission including mining. Blocks on the dev
// chains this targets arrive in seconds; two minutes is already generous.
const submitTimeout = 2 * time.Minute

// Dispatcher pairs the engine's optimistic insert with the actual
// transaction. Send returns as soon as the Pending entry exists; the
// submission runs in the background and settles the entry to Failed if the
// transaction errors or reverts. Successful sends need no settlement call
// here: the confirmed copy arrives as a contract event and the engine
// retires the Pending entry by content match.
type Dispatcher struct {
	engine *chat.Engine
	sender TxSender
	logger *zap.Logger
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(engine *chat.Engine, sender TxSender, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{engine: engine, sender: sender, logger: logger}
}

// Send validates content, inserts the Pending entry and submits the
// transaction in the background. The returned message carries the local id.
func (d *Dispatcher) Send(content, recipient string, broadcast bool) (chat.Message, error) {
	msg, err := d.engine.SubmitOptimistic(content, recipient, broadcast)
	if err != nil {
		return chat.Message{}, err
	}

	d.wg.Add(1)
	go d.submit(msg)
	return msg, nil
}

// Retry resubmits the content of a failed send as a fresh message.
func (d *Dispatcher) Retry(failedID string) (chat.Message, bool, error) {
	for _, m := range d.engine.ListFailed() {
		if m.ID == failedID {
			msg, err := d.Send(m.Content, m.Recipient, m.Broadcast)
			return msg, true, err
		}
	}
	return chat.Message{}, false, nil
}

// Wait blocks until all in-flight submissions finished. Used on shutdown and
// in tests.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) submit(msg chat.Message) {
	defer d.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
	defer cancel()

	var err error
	if msg.Broadcast {
		err = d.sender.SendBroadcast(ctx, msg.Content)
	} else {
		err = d.sender.SendDirect(ctx, msg.Recipient, msg.Content)
	}
	if err != nil {
		d.logger.Error("send failed",
			zap.String("id", msg.ID),
			zap.Bool("broadcast", msg.Broadcast),
			zap.Error(err))
		d.engine.SettleFailed(msg.ID)
		return
	}

	d.logger.Info("message mined",
		zap.String("id", msg.ID),
		zap.Bool("broadcast", msg.Broadcast))
}
