package chat

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/amigochat/amigo/internal/bus"
	"github.com/amigochat/amigo/internal/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MaxCacheAge is how old a persisted snapshot may be and still be used to
// seed the engine on startup.
const MaxCacheAge = 5 * time.Minute

// Cache is the write-through target for the canonical sets. Failures to
// persist are logged and never surfaced; the cache is a copy, not truth.
type Cache interface {
	Save(messages []Message, users []User) error
	Clear() error
}

// Engine owns the canonical message and user sets for a session.
//
// Historical reads, live events, cache hydration and optimistic sends all
// funnel through it. Arrival order across those sources is unpredictable, so
// every merge path is keyed on deterministic ids and tolerates duplicate
// delivery. A Confirmed entry is never downgraded or rewritten.
type Engine struct {
	mu       sync.Mutex
	self     string
	messages map[string]Message
	users    map[string]User // keyed by lowercased address

	cache   Cache
	bus     *bus.Bus
	metrics *metrics.Recorder
	logger  *zap.Logger
}

// NewEngine creates an engine for the local account address. cache, b and
// rec may be nil.
func NewEngine(self string, cache Cache, b *bus.Bus, rec *metrics.Recorder, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		self:     self,
		messages: make(map[string]Message),
		users:    make(map[string]User),
		cache:    cache,
		bus:      b,
		metrics:  rec,
		logger:   logger,
	}
}

// Self returns the local account address.
func (e *Engine) Self() string {
	return e.self
}

// Hydrate seeds the canonical sets from a persisted snapshot. It is a no-op
// for snapshots older than MaxCacheAge, and never overwrites an entry that
// already arrived from the network (hydrate may run after the first live
// event). Pending and Failed entries from a previous session are skipped:
// their transactions can no longer be correlated, and the confirmed copy, if
// any, arrives from chain. Returns the number of messages inserted.
func (e *Engine) Hydrate(messages []Message, users []User, age time.Duration) int {
	if age > MaxCacheAge {
		e.logger.Info("cache stale, skipping hydrate", zap.Duration("age", age))
		return 0
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	inserted := 0
	for _, m := range messages {
		if m.State != Confirmed {
			continue
		}
		if _, ok := e.messages[m.ID]; ok {
			continue
		}
		e.messages[m.ID] = m
		inserted++
	}
	for _, u := range users {
		key := strings.ToLower(u.Address)
		if _, ok := e.users[key]; !ok {
			e.users[key] = u
		}
	}

	e.logger.Info("hydrated from cache",
		zap.Int("messages", inserted),
		zap.Int("users", len(users)),
		zap.Duration("age", age))
	return inserted
}

// MergeHistorical inserts each message whose id is not already present.
// Existing entries are left untouched, so a slow historical read can never
// downgrade a Confirmed entry that a live event already produced. Returns
// the number of messages inserted.
func (e *Engine) MergeHistorical(batch []Message) int {
	e.mu.Lock()
	inserted := 0
	for _, m := range batch {
		if _, ok := e.messages[m.ID]; ok {
			e.metrics.DuplicateDropped()
			continue
		}
		if m.State == "" {
			m.State = Confirmed
		}
		e.messages[m.ID] = m
		e.metrics.MessageMerged()
		inserted++
	}
	if inserted > 0 {
		e.persistLocked()
	}
	e.mu.Unlock()

	if inserted > 0 {
		e.publish("sync.batch_merged", inserted)
	}
	return inserted
}

// ApplyLiveEvent converts a contract event into a Confirmed message and
// merges it. Duplicate deliveries are dropped. On a fresh merge the oldest
// Pending entry with the same sender, content and conversation kind is
// removed: the chain does not echo the optimistic id back, so content
// equality is the best correlation available. Returns the canonical message
// and whether it was newly merged.
func (e *Engine) ApplyLiveEvent(evt Event) (Message, bool) {
	e.mu.Lock()

	id := evt.MessageID()
	if existing, ok := e.messages[id]; ok {
		e.metrics.DuplicateDropped()
		e.mu.Unlock()
		return existing, false
	}

	msg := evt.Message()
	e.messages[id] = msg
	e.metrics.MessageMerged()
	e.settlePendingLocked(msg)
	e.persistLocked()
	e.mu.Unlock()

	e.publish("message.merged", msg)
	return msg, true
}

// settlePendingLocked removes the oldest Pending entry matching the newly
// confirmed message. Exactly one entry is removed even when several share
// identical content; oldest-first is the deterministic tie-break.
func (e *Engine) settlePendingLocked(confirmed Message) {
	var best *Message
	for id := range e.messages {
		m := e.messages[id]
		if m.State != Pending {
			continue
		}
		if m.Broadcast != confirmed.Broadcast ||
			!strings.EqualFold(m.Sender, confirmed.Sender) ||
			m.Content != confirmed.Content {
			continue
		}
		if !confirmed.Broadcast && !strings.EqualFold(m.Recipient, confirmed.Recipient) {
			continue
		}
		if best == nil || m.Timestamp < best.Timestamp ||
			(m.Timestamp == best.Timestamp && m.ID < best.ID) {
			tmp := m
			best = &tmp
		}
	}
	if best != nil {
		delete(e.messages, best.ID)
	}
}

// SubmitOptimistic validates content and inserts a Pending message. It does
// not talk to the network; the caller drives the actual submission. The
// returned message carries the local id to settle against later.
func (e *Engine) SubmitOptimistic(content, recipient string, broadcast bool) (Message, error) {
	content = strings.TrimSpace(content)
	switch {
	case content == "":
		return Message{}, validationf("message is empty")
	case len(content) > MaxContentLength:
		return Message{}, validationf("message exceeds %d characters", MaxContentLength)
	case !broadcast && recipient == "":
		return Message{}, validationf("direct message requires a recipient")
	case broadcast && recipient != "":
		return Message{}, validationf("broadcast message cannot have a recipient")
	}

	msg := Message{
		ID:        "local-" + uuid.NewString(),
		Sender:    e.self,
		Recipient: recipient,
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
		Broadcast: broadcast,
		State:     Pending,
	}

	e.mu.Lock()
	e.messages[msg.ID] = msg
	e.persistLocked()
	e.mu.Unlock()

	e.publish("message.pending", msg)
	return msg, nil
}

// SettleFailed transitions a Pending entry to Failed. Failed entries drop
// out of Snapshot but stay listable so a front end can offer a retry.
func (e *Engine) SettleFailed(optimisticID string) bool {
	e.mu.Lock()
	m, ok := e.messages[optimisticID]
	if !ok || m.State != Pending {
		e.mu.Unlock()
		return false
	}
	m.State = Failed
	e.messages[optimisticID] = m
	e.metrics.SendFailed()
	e.persistLocked()
	e.mu.Unlock()

	e.publish("message.send_failed", m)
	return true
}

// UpsertUser inserts or replaces a user by address. Empty incoming fields do
// not clobber known values, matching first-observation-wins for identity and
// last-write-wins for presence.
func (e *Engine) UpsertUser(u User) {
	key := strings.ToLower(u.Address)

	e.mu.Lock()
	if existing, ok := e.users[key]; ok {
		if u.Handle == "" {
			u.Handle = existing.Handle
		}
		if u.ImageRef == "" {
			u.ImageRef = existing.ImageRef
		}
		if u.RegisteredAt == 0 {
			u.RegisteredAt = existing.RegisteredAt
		}
		if u.LastSeenAt == 0 {
			u.LastSeenAt = existing.LastSeenAt
		}
	}
	e.users[key] = u
	e.persistLocked()
	e.mu.Unlock()

	e.publish("user.upserted", u)
}

// SetUserPresence records an online-status change, creating a skeleton
// entry on first observation.
func (e *Engine) SetUserPresence(address string, online bool, atMillis int64) {
	key := strings.ToLower(address)

	e.mu.Lock()
	u, ok := e.users[key]
	if !ok {
		u = User{Address: address}
	}
	u.IsOnline = online
	u.LastSeenAt = atMillis
	e.users[key] = u
	e.persistLocked()
	e.mu.Unlock()

	e.publish("user.presence", u)
}

// SetUserImage replaces a user's image reference, leaving everything else
// untouched.
func (e *Engine) SetUserImage(address, imageRef string) {
	key := strings.ToLower(address)

	e.mu.Lock()
	u, ok := e.users[key]
	if !ok {
		u = User{Address: address}
	}
	u.ImageRef = imageRef
	e.users[key] = u
	e.persistLocked()
	e.mu.Unlock()

	e.publish("user.upserted", u)
}

// Snapshot returns the ordered message list (Confirmed and Pending, Failed
// excluded) and the user list. Both are copies; callers must not assume
// they track later mutations.
func (e *Engine) Snapshot() ([]Message, []User) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() ([]Message, []User) {
	msgs := make([]Message, 0, len(e.messages))
	for _, m := range e.messages {
		if m.State == Failed {
			continue
		}
		msgs = append(msgs, m)
	}
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].Timestamp != msgs[j].Timestamp {
			return msgs[i].Timestamp < msgs[j].Timestamp
		}
		return msgs[i].ID < msgs[j].ID
	})

	users := make([]User, 0, len(e.users))
	for _, u := range e.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool {
		if users[i].Handle != users[j].Handle {
			return users[i].Handle < users[j].Handle
		}
		return strings.ToLower(users[i].Address) < strings.ToLower(users[j].Address)
	})

	return msgs, users
}

// ListFailed returns failed sends, oldest first.
func (e *Engine) ListFailed() []Message {
	e.mu.Lock()
	defer e.mu.Unlock()

	var failed []Message
	for _, m := range e.messages {
		if m.State == Failed {
			failed = append(failed, m)
		}
	}
	sort.Slice(failed, func(i, j int) bool {
		if failed[i].Timestamp != failed[j].Timestamp {
			return failed[i].Timestamp < failed[j].Timestamp
		}
		return failed[i].ID < failed[j].ID
	})
	return failed
}

// Reset clears the canonical sets and the persisted cache. Used on logout.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.messages = make(map[string]Message)
	e.users = make(map[string]User)
	if e.cache != nil {
		if err := e.cache.Clear(); err != nil {
			e.logger.Warn("failed to clear cache", zap.Error(err))
		}
	}
	e.mu.Unlock()

	e.publish("session.reset", nil)
}

// persistLocked writes the current snapshot through to the cache. Cache
// failure is logged, never fatal.
func (e *Engine) persistLocked() {
	if e.cache == nil {
		return
	}
	msgs, users := e.snapshotLocked()
	if err := e.cache.Save(msgs, users); err != nil {
		e.logger.Warn("cache write-through failed", zap.Error(err))
	}
}

func (e *Engine) publish(kind string, payload any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
