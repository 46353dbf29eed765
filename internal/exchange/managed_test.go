package exchange

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type fakeTransport struct {
	connectCalls int32
	failFirstN   int32
	closed       int32
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	n := atomic.AddInt32(&f.connectCalls, 1)
	if n <= f.failFirstN {
		return errors.New("dial failed")
	}
	return nil
}

func (f *fakeTransport) Close() error {
	atomic.AddInt32(&f.closed, 1)
	return nil
}

func TestManagedConnectionHealthyRequiresRecentMessage(t *testing.T) {
	ft := &fakeTransport{}
	mc := NewManagedConnection("coinbase", ft, DefaultManagedConnectionConfig(), nil)
	if mc.Healthy() {
		t.Fatal("expected unhealthy before any message received")
	}
	mc.MarkMessage()
	if !mc.Healthy() {
		t.Fatal("expected healthy immediately after a message")
	}
}

func TestManagedConnectionReconnectsAfterTransientFailure(t *testing.T) {
	ft := &fakeTransport{failFirstN: 2}
	cfg := DefaultManagedConnectionConfig()
	cfg.InitialBackoff = 5 * time.Millisecond
	cfg.MaxBackoff = 10 * time.Millisecond
	cfg.HeartbeatEvery = 10 * time.Millisecond
	cfg.IdleLimit = 20 * time.Millisecond

	resynced := int32(0)
	mc := NewManagedConnection("coinbase", ft, cfg, func(ctx context.Context) error {
		atomic.AddInt32(&resynced, 1)
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go mc.Run(ctx)

	deadline := time.Now().Add(150 * time.Millisecond)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&resynced) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	mc.Stop()

	if atomic.LoadInt32(&resynced) == 0 {
		t.Fatal("expected at least one successful connect + resync")
	}
	if atomic.LoadInt32(&ft.connectCalls) < 3 {
		t.Fatalf("expected at least 3 connect attempts (2 failures + 1 success), got %d", ft.connectCalls)
	}
}
