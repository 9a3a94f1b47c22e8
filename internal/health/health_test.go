package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tonk-labs/bundle-runtime-router/internal/registry"
	"github.com/tonk-labs/bundle-runtime-router/internal/vfscore"
	"github.com/tonk-labs/bundle-runtime-router/internal/vfscore/fake"
)

type recordingBroadcaster struct {
	mu       sync.Mutex
	messages []any
}

func (b *recordingBroadcaster) Broadcast(msg any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, msg)
}

func (b *recordingBroadcaster) snapshot() []any {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]any, len(b.messages))
	copy(out, b.messages)
	return out
}

type stubReestablisher struct {
	mu    sync.Mutex
	calls int
}

func (r *stubReestablisher) Reestablish(b Broadcaster, launcherBundleID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return 0
}

func (r *stubReestablisher) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func newVFS(t *testing.T) *fake.VFS {
	t.Helper()
	f := fake.NewFactory()
	f.Seed([]byte("b"), vfscore.Manifest{}, nil)
	v, err := f.VFSFromBytes([]byte("b"), vfscore.StorageOptions{Namespace: "L1"})
	if err != nil {
		t.Fatalf("VFSFromBytes: %v", err)
	}
	return v.(*fake.VFS)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestProbeDetectsDisconnectAndBroadcasts(t *testing.T) {
	reg := registry.New()
	reg.SetActive("L1", registry.BundleState{})
	v := newVFS(t)
	v.SetConnected(true)

	b := &recordingBroadcaster{}
	re := &stubReestablisher{}
	ctrl := New(reg, b, re, 10*time.Millisecond, 10*time.Millisecond, 50*time.Millisecond, 10, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctrl.Start(ctx, "L1", v, "ws://example.com")

	v.SetConnected(false)

	waitFor(t, time.Second, func() bool {
		st, _ := reg.Get("L1")
		return !st.ConnectionHealthy
	})

	found := false
	for _, msg := range b.snapshot() {
		if _, ok := msg.(DisconnectedMessage); ok {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a DisconnectedMessage to be broadcast")
	}
}

func TestReconnectSucceedsAndReestablishesWatchers(t *testing.T) {
	reg := registry.New()
	reg.SetActive("L1", registry.BundleState{})
	v := newVFS(t)
	v.SetConnected(false) // ConnectWebsocket will flip this true on success

	b := &recordingBroadcaster{}
	re := &stubReestablisher{}
	ctrl := New(reg, b, re, 10*time.Millisecond, 5*time.Millisecond, 20*time.Millisecond, 10, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Mark as previously healthy so the first probe sees a transition.
	reg.SetConnectionHealthy("L1", true)
	ctrl.Start(ctx, "L1", v, "ws://example.com")

	waitFor(t, 2*time.Second, func() bool {
		st, _ := reg.Get("L1")
		return st.ConnectionHealthy
	})

	waitFor(t, time.Second, func() bool { return re.callCount() > 0 })

	foundReconnected := false
	for _, msg := range b.snapshot() {
		if _, ok := msg.(ReconnectedMessage); ok {
			foundReconnected = true
		}
	}
	if !foundReconnected {
		t.Fatalf("expected a ReconnectedMessage to be broadcast")
	}
}

func TestCancellationStopsReconnectLoop(t *testing.T) {
	reg := registry.New()
	reg.SetActive("L1", registry.BundleState{})
	v := newVFS(t)
	v.SetDialErr(errDial)
	v.SetConnected(false)

	b := &recordingBroadcaster{}
	re := &stubReestablisher{}
	ctrl := New(reg, b, re, 5*time.Millisecond, 50*time.Millisecond, 200*time.Millisecond, 10, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	reg.SetConnectionHealthy("L1", true)
	ctrl.Start(ctx, "L1", v, "ws://example.com")

	waitFor(t, time.Second, func() bool { return v.ConnectAttempts() > 0 })
	cancel()

	attemptsAtCancel := v.ConnectAttempts()
	time.Sleep(100 * time.Millisecond)
	if v.ConnectAttempts() > attemptsAtCancel+1 {
		t.Fatalf("expected reconnect attempts to stop shortly after cancellation, got %d after cancel baseline %d", v.ConnectAttempts(), attemptsAtCancel)
	}
}

func TestNextBackoffCapsAndDoubles(t *testing.T) {
	cases := []struct {
		attempt uint32
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{6, 30 * time.Second}, // 1000*2^5=32000, capped at 30000
	}
	for _, tc := range cases {
		got := nextBackoff(tc.attempt, time.Second, 30*time.Second)
		if got != tc.want {
			t.Errorf("nextBackoff(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

type dialError struct{}

func (dialError) Error() string { return "dial failed" }

var errDial = dialError{}
