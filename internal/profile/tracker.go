// Package profile tracks the local account's registration state,
// independent of message flow.
package profile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/amigochat/amigo/internal/bus"
	"go.uber.org/zap"
)

// State is the registration state of the local account.
type State string

const (
	Unregistered State = "UNREGISTERED"
	Checking     State = "CHECKING" // lookup in flight
	Registered   State = "REGISTERED"
)

// Profile is the on-chain profile of a registered account.
type Profile struct {
	Address      string `json:"address"`
	Handle       string `json:"handle"`
	ImageRef     string `json:"image_ref,omitempty"`
	RegisteredAt int64  `json:"registered_at"` // unix seconds, as stored on chain
	IsOnline     bool   `json:"is_online"`
}

// Reader is the slice of the contract gateway the tracker needs.
type Reader interface {
	IsRegistered(ctx context.Context, address string) (bool, error)
	GetProfile(ctx context.Context, address string) (Profile, error)
}

// Tracker holds exactly one of Unregistered / Checking / Registered.
// Registered is only entered once both the boolean flag and the full profile
// read have succeeded; a partial result stays in Checking.
type Tracker struct {
	mu      sync.RWMutex
	state   State
	profile Profile

	address string
	reader  Reader
	bus     *bus.Bus
	logger  *zap.Logger
}

// NewTracker creates a tracker for the local address, starting Unregistered.
func NewTracker(address string, reader Reader, b *bus.Bus, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		state:   Unregistered,
		address: address,
		reader:  reader,
		bus:     b,
		logger:  logger,
	}
}

// State returns the current registration state.
func (t *Tracker) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Profile returns the registered profile, if any.
func (t *Tracker) Profile() (Profile, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.profile, t.state == Registered
}

// Refresh performs the two-step lookup. Not-registered resolves to
// Unregistered; a failed flag read or a failed profile read after a positive
// flag leaves the tracker in Checking for the next retry.
func (t *Tracker) Refresh(ctx context.Context) error {
	t.setState(Checking)

	registered, err := t.reader.IsRegistered(ctx, t.address)
	if err != nil {
		return fmt.Errorf("registration lookup: %w", err)
	}
	if !registered {
		t.setState(Unregistered)
		return nil
	}

	p, err := t.reader.GetProfile(ctx, t.address)
	if err != nil {
		// Flag said registered but the profile is unknown: staying in
		// Checking is the only honest state.
		return fmt.Errorf("profile lookup: %w", err)
	}

	t.mu.Lock()
	t.profile = p
	t.state = Registered
	t.mu.Unlock()
	t.publish(Registered)

	t.logger.Info("profile resolved", zap.String("handle", p.Handle))
	return nil
}

// SetRegistered records a profile known from a successful registration
// transaction, skipping the lookup round-trip.
func (t *Tracker) SetRegistered(p Profile) {
	t.mu.Lock()
	t.profile = p
	t.state = Registered
	t.mu.Unlock()
	t.publish(Registered)
}

// Disconnect forces Unregistered regardless of prior state (logical logout).
func (t *Tracker) Disconnect() {
	t.mu.Lock()
	t.profile = Profile{}
	t.state = Unregistered
	t.mu.Unlock()
	t.publish(Unregistered)
}

func (t *Tracker) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
	t.publish(s)
}

func (t *Tracker) publish(s State) {
	if t.bus == nil {
		return
	}
	t.bus.Publish(bus.Event{
		Kind:      "session.profile_state",
		Timestamp: time.Now(),
		Payload:   s,
	})
}
