package chain

import (
	"context"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/amigochat/amigo/internal/bus"
	"github.com/amigochat/amigo/internal/status"
)

const (
	watchRetryMin = time.Second
	watchRetryMax = 30 * time.Second
)

// Watcher maintains a websocket log subscription on the contract and
// publishes every parsed event on the bus. A dropped subscription is retried
// with exponential backoff; the daemon keeps serving cached and polled data
// meanwhile.
type Watcher struct {
	client  *Client
	bus     *bus.Bus
	machine *status.Machine
	logger  *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWatcher creates a watcher. It does nothing until Start.
func NewWatcher(client *Client, b *bus.Bus, machine *status.Machine, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{client: client, bus: b, machine: machine, logger: logger}
}

// Start launches the subscription loop. Without a websocket endpoint this is
// a no-op: the backfill poller is then the only event source.
func (w *Watcher) Start() {
	if !w.client.CanWatch() {
		w.logger.Info("no websocket endpoint configured, live events disabled")
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.loop(ctx)
}

// Stop tears the subscription down and waits for the loop to exit.
func (w *Watcher) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)

	backoff := watchRetryMin
	for {
		subscribed, err := w.run(ctx)
		if ctx.Err() != nil {
			return
		}
		if subscribed {
			backoff = watchRetryMin
		}
		w.logger.Warn("event subscription lost",
			zap.Error(err),
			zap.Duration("retry_in", backoff))
		_ = w.machine.Transition(status.Reconnecting)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, watchRetryMax)
	}
}

// run subscribes and streams until the subscription errors or ctx ends. The
// bool reports whether the subscription was established at all.
func (w *Watcher) run(ctx context.Context) (bool, error) {
	query := ethereum.FilterQuery{
		Addresses: []common.Address{w.client.addr},
		Topics:    [][]common.Hash{allTopics()},
	}
	logs := make(chan types.Log, 128)
	sub, err := w.client.ws.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		return false, err
	}
	defer sub.Unsubscribe()

	_ = w.machine.Transition(status.Connecting)
	w.logger.Info("watching contract events", zap.String("contract", w.client.addr.Hex()))

	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case err := <-sub.Err():
			return true, err
		case lg := <-logs:
			if lg.Removed {
				// Reorged out; the canonical copy returns via backfill.
				continue
			}
			evt, err := ParseLog(lg)
			if err != nil {
				w.logger.Warn("skipping unparseable log",
					zap.String("tx", lg.TxHash.Hex()),
					zap.Error(err))
				continue
			}
			w.bus.Publish(evt)
		}
	}
}
