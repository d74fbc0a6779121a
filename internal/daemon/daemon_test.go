package daemon

import (
	"context"
	"encoding/json"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/amigochat/amigo/internal/api"
	"github.com/amigochat/amigo/internal/bus"
	"github.com/amigochat/amigo/internal/cache"
	"github.com/amigochat/amigo/internal/chat"
	"github.com/amigochat/amigo/internal/lock"
	"github.com/amigochat/amigo/internal/outbox"
	"github.com/amigochat/amigo/internal/profile"
	"github.com/amigochat/amigo/internal/status"
)

const testAddr = "0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"

// stubGateway satisfies the handler-facing gateway slices without a chain.
type stubGateway struct{}

func (stubGateway) Register(ctx context.Context, name, imageRef string) error        { return nil }
func (stubGateway) IsRegistered(ctx context.Context, address string) (bool, error)   { return false, nil }
func (stubGateway) GetProfile(ctx context.Context, a string) (profile.Profile, error) {
	return profile.Profile{}, nil
}
func (stubGateway) IsHandleAvailable(ctx context.Context, name string) (bool, error) { return true, nil }
func (stubGateway) LookupHandle(ctx context.Context, name string) (string, error)    { return "", nil }
func (stubGateway) RegistrationFee(ctx context.Context) (*big.Int, error) {
	return big.NewInt(0), nil
}
func (stubGateway) UpdateProfileImage(ctx context.Context, imageRef string) error { return nil }
func (stubGateway) UpdateOnlineStatus(ctx context.Context, online bool) error     { return nil }
func (stubGateway) SendBroadcast(ctx context.Context, content string) error       { return nil }
func (stubGateway) SendDirect(ctx context.Context, to, content string) error      { return nil }

func TestServerLifecycle(t *testing.T) {
	// Use a short path to avoid the 104-char unix socket limit on macOS.
	tmpDir, err := os.MkdirTemp("/tmp", "amigo-test-*")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	sessionDir := filepath.Join(tmpDir, "test")
	socketPath := filepath.Join(sessionDir, "d.sock")
	if err := os.MkdirAll(sessionDir, 0700); err != nil {
		t.Fatal(err)
	}

	lk, err := lock.Acquire(sessionDir)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lk.Release() }()

	db, err := cache.Open(filepath.Join(sessionDir, "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	logger := zap.NewNop()
	b := bus.New()
	machine := status.NewMachine(b)
	gw := stubGateway{}
	engine := chat.NewEngine(testAddr, db, b, nil, logger)
	tracker := profile.NewTracker(testAddr, gw, b, logger)
	dispatcher := outbox.NewDispatcher(engine, gw, logger)

	sh := api.NewSessionHandler("test", machine, tracker, engine, gw, nil, logger)
	mh := api.NewMessageHandler(engine, dispatcher, logger)
	dh := api.NewDirectoryHandler(engine, gw, logger)
	router := api.NewRouter(sh, mh, dh, nil, logger)

	srv, err := NewServer(Params{SessionName: "test", SocketPath: socketPath}, router, logger)
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = srv.Start() }()
	defer srv.Stop(context.Background())

	time.Sleep(50 * time.Millisecond)

	info, err := os.Stat(socketPath)
	if err != nil {
		t.Fatalf("socket not created: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("socket permissions = %o", perm)
	}

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return (&net.Dialer{}).DialContext(ctx, "unix", socketPath)
			},
		},
	}

	resp, err := client.Get("http://amigo/v1/status")
	if err != nil {
		t.Fatalf("status request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code = %d", resp.StatusCode)
	}
	var body struct {
		Session string `json:"session"`
		Address string `json:"address"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Session != "test" || body.Address != testAddr {
		t.Errorf("status body = %+v", body)
	}
}

func TestServerReplacesStaleSocket(t *testing.T) {
	tmpDir, err := os.MkdirTemp("/tmp", "amigo-test-*")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()
	socketPath := filepath.Join(tmpDir, "d.sock")

	// Leave a dead socket file behind, as a crashed daemon would.
	l, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatal(err)
	}
	_ = l.Close()
	if err := os.WriteFile(socketPath, nil, 0600); err != nil {
		t.Fatal(err)
	}

	logger := zap.NewNop()
	b := bus.New()
	engine := chat.NewEngine(testAddr, nil, b, nil, logger)
	gw := stubGateway{}
	sh := api.NewSessionHandler("test", status.NewMachine(b), profile.NewTracker(testAddr, gw, b, logger), engine, gw, nil, logger)
	mh := api.NewMessageHandler(engine, outbox.NewDispatcher(engine, gw, logger), logger)
	dh := api.NewDirectoryHandler(engine, gw, logger)
	router := api.NewRouter(sh, mh, dh, nil, logger)

	srv, err := NewServer(Params{SessionName: "test", SocketPath: socketPath}, router, logger)
	if err != nil {
		t.Fatalf("stale socket not replaced: %v", err)
	}
	srv.Stop(context.Background())
}
