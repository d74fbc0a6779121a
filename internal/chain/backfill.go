package chain

import (
	"context"
	"math/big"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/amigochat/amigo/internal/bus"
	"github.com/amigochat/amigo/internal/chat"
	"github.com/amigochat/amigo/internal/config"
	"github.com/amigochat/amigo/internal/metrics"
	"github.com/amigochat/amigo/internal/status"
)

// Backfiller periodically reads the full history through the contract's
// paginated views and publishes it on the bus. The engine's idempotent merge
// makes re-reading the same pages every interval harmless, so the poller
// doubles as the recovery path when the live subscription is down or absent.
type Backfiller struct {
	client   *Client
	bus      *bus.Bus
	machine  *status.Machine
	metrics  *metrics.Recorder
	logger   *zap.Logger
	limiter  *rate.Limiter
	interval time.Duration
	pageSize uint64

	cancel context.CancelFunc
	done   chan struct{}
}

// NewBackfiller creates a poller with the configured interval and page size.
func NewBackfiller(client *Client, b *bus.Bus, machine *status.Machine, rec *metrics.Recorder, cfg config.Daemon, logger *zap.Logger) *Backfiller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backfiller{
		client:   client,
		bus:      b,
		machine:  machine,
		metrics:  rec,
		logger:   logger,
		limiter:  rate.NewLimiter(rate.Limit(10), 1), // paginated view calls per second
		interval: time.Duration(cfg.BackfillIntervalSecs) * time.Second,
		pageSize: uint64(cfg.PageSize),
	}
}

// Start runs one pass immediately, then one per interval.
func (b *Backfiller) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.done = make(chan struct{})
	go b.loop(ctx)
}

// Stop halts the poller and waits for an in-flight pass to finish.
func (b *Backfiller) Stop() {
	if b.cancel == nil {
		return
	}
	b.cancel()
	<-b.done
}

func (b *Backfiller) loop(ctx context.Context) {
	defer close(b.done)

	b.runOnce(ctx)
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.runOnce(ctx)
		}
	}
}

func (b *Backfiller) runOnce(ctx context.Context) {
	if b.machine.Current() == status.Connecting {
		_ = b.machine.Transition(status.Backfilling)
	}

	start := time.Now()
	err := b.run(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		b.metrics.BackfillError()
		b.logger.Warn("backfill pass failed", zap.Error(err))
		_ = b.machine.Transition(status.Degraded)
		return
	}

	b.logger.Debug("backfill pass complete", zap.Duration("took", time.Since(start)))
	_ = b.machine.Transition(status.Ready)
}

func (b *Backfiller) run(ctx context.Context) error {
	users, err := b.client.GetAllUsers(ctx)
	if err != nil {
		return err
	}
	b.bus.Publish(bus.Event{Kind: "chain.users", Timestamp: time.Now(), Payload: users})

	if err := b.fillGroup(ctx); err != nil {
		// The paginated view failed; reconstruct the history from event
		// logs instead. Some public RPC endpoints cap view gas, which the
		// full-history reads can exceed.
		b.logger.Warn("paginated read failed, falling back to event logs", zap.Error(err))
		return b.fillFromLogs(ctx)
	}
	return b.fillDirect(ctx, users)
}

func (b *Backfiller) fillGroup(ctx context.Context) error {
	total, err := b.client.GroupMessageCount(ctx)
	if err != nil {
		return err
	}
	for offset := uint64(0); offset < total; offset += b.pageSize {
		if err := b.limiter.Wait(ctx); err != nil {
			return err
		}
		page, err := b.client.GetGroupMessages(ctx, offset, b.pageSize)
		if err != nil {
			return err
		}
		b.publishBatch(page)
	}
	return nil
}

func (b *Backfiller) fillDirect(ctx context.Context, users []chat.User) error {
	self := b.client.Self()
	for _, u := range users {
		if strings.EqualFold(u.Address, self) {
			continue
		}
		for offset := uint64(0); ; offset += b.pageSize {
			if err := b.limiter.Wait(ctx); err != nil {
				return err
			}
			page, err := b.client.GetDirectMessages(ctx, u.Address, offset, b.pageSize)
			if err != nil {
				return err
			}
			b.publishBatch(page)
			if uint64(len(page)) < b.pageSize {
				break
			}
		}
	}
	return nil
}

// fillFromLogs scans the contract's message events from genesis. Direct
// messages between other pairs are dropped; the contract views never expose
// them either.
func (b *Backfiller) fillFromLogs(ctx context.Context) error {
	query := ethereum.FilterQuery{
		FromBlock: big.NewInt(0),
		Addresses: []common.Address{b.client.addr},
		Topics:    [][]common.Hash{messageTopics()},
	}
	logs, err := b.client.http.FilterLogs(ctx, query)
	if err != nil {
		return &ReadError{Op: "filterLogs", Err: err}
	}

	self := b.client.Self()
	batch := make([]chat.Message, 0, len(logs))
	for _, lg := range logs {
		evt, err := ParseLog(lg)
		if err != nil {
			b.logger.Warn("skipping unparseable log", zap.Error(err))
			continue
		}
		ce, ok := evt.Payload.(chat.Event)
		if !ok {
			continue
		}
		if !ce.Broadcast && !strings.EqualFold(ce.Sender, self) && !strings.EqualFold(ce.Recipient, self) {
			continue
		}
		batch = append(batch, ce.Message())
	}
	b.publishBatch(batch)
	return nil
}

func (b *Backfiller) publishBatch(msgs []chat.Message) {
	if len(msgs) == 0 {
		return
	}
	b.bus.Publish(bus.Event{Kind: "chain.history_batch", Timestamp: time.Now(), Payload: msgs})
}
