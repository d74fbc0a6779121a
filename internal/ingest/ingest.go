// Package ingest routes raw chain events from the bus into the
// reconciliation engine.
package ingest

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/amigochat/amigo/internal/bus"
	"github.com/amigochat/amigo/internal/chat"
)

// Ingestor subscribes to the "chain." namespace and applies each event to
// the engine. Direct messages between unrelated pairs are dropped here, at
// the boundary, so the canonical set only ever holds conversations the local
// account is part of.
type Ingestor struct {
	engine *chat.Engine
	bus    *bus.Bus
	logger *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
	unsub  func()
}

// New creates an ingestor. It does nothing until Start.
func New(engine *chat.Engine, b *bus.Bus, logger *zap.Logger) *Ingestor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingestor{engine: engine, bus: b, logger: logger}
}

// Start subscribes and launches the routing loop.
func (i *Ingestor) Start() {
	ch, unsub := i.bus.Subscribe("chain.", 256)
	i.unsub = unsub

	ctx, cancel := context.WithCancel(context.Background())
	i.cancel = cancel
	i.done = make(chan struct{})
	go i.loop(ctx, ch)
}

// Stop unsubscribes and waits for the loop to drain.
func (i *Ingestor) Stop() {
	if i.cancel == nil {
		return
	}
	i.unsub()
	i.cancel()
	<-i.done
}

func (i *Ingestor) loop(ctx context.Context, ch <-chan bus.Event) {
	defer close(i.done)
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-ch:
			i.handle(evt)
		}
	}
}

func (i *Ingestor) handle(evt bus.Event) {
	switch evt.Kind {
	case "chain.group_message", "chain.direct_message":
		ce, ok := evt.Payload.(chat.Event)
		if !ok {
			return
		}
		if !ce.Broadcast && !i.involvesSelf(ce) {
			return
		}
		if _, merged := i.engine.ApplyLiveEvent(ce); merged {
			i.logger.Debug("live event merged",
				zap.String("id", ce.MessageID()),
				zap.String("sender", ce.Sender))
		}

	case "chain.history_batch":
		batch, ok := evt.Payload.([]chat.Message)
		if !ok {
			return
		}
		if n := i.engine.MergeHistorical(batch); n > 0 {
			i.logger.Debug("historical batch merged", zap.Int("inserted", n))
		}

	case "chain.users":
		users, ok := evt.Payload.([]chat.User)
		if !ok {
			return
		}
		for _, u := range users {
			i.engine.UpsertUser(u)
		}

	case "chain.user_registered":
		u, ok := evt.Payload.(chat.User)
		if !ok {
			return
		}
		i.engine.UpsertUser(u)

	case "chain.presence_changed":
		pc, ok := evt.Payload.(chat.PresenceChange)
		if !ok {
			return
		}
		i.engine.SetUserPresence(pc.Address, pc.Online, pc.At)

	case "chain.profile_image":
		ic, ok := evt.Payload.(chat.ImageChange)
		if !ok {
			return
		}
		i.engine.SetUserImage(ic.Address, ic.ImageRef)
	}
}

func (i *Ingestor) involvesSelf(evt chat.Event) bool {
	self := i.engine.Self()
	return strings.EqualFold(evt.Sender, self) || strings.EqualFold(evt.Recipient, self)
}
