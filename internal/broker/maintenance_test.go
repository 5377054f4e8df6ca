package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMaintainerStartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	b, _ := newTestBroker(t, Options{})
	m := NewMaintainer(b, zap.NewNop(), 5*time.Millisecond)

	require.NoError(t, m.Start(context.Background()))
	assert.Error(t, m.Start(context.Background()))

	time.Sleep(25 * time.Millisecond)
	m.Stop()

	// Stop is safe to call again.
	m.Stop()
}

func TestMaintainerStopsOnContextCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	b, _ := newTestBroker(t, Options{})
	m := NewMaintainer(b, zap.NewNop(), 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.Start(ctx))
	cancel()
	m.Stop()
}

func TestMaintainerSweepsExpiredLocks(t *testing.T) {
	defer goleak.VerifyNone(t)

	b, clock := newTestBroker(t, Options{})
	ctx := context.Background()
	props := DefaultQueueProperties()
	props.LockDuration = time.Second
	mustCreateQueue(t, b, "q", &props)

	_, err := b.Send(ctx, "q", &SendRequest{Body: []byte("x")})
	require.NoError(t, err)
	_, err = b.Receive(ctx, QueueRef("q"), ReceiveModePeekLock, 1)
	require.NoError(t, err)
	clock.Advance(2 * time.Second)

	m := NewMaintainer(b, zap.NewNop(), 5*time.Millisecond)
	require.NoError(t, m.Start(ctx))

	require.Eventually(t, func() bool {
		desc, err := b.GetQueue(ctx, "q")
		return err == nil && desc.Runtime.LockedCount == 0 && desc.Runtime.ActiveCount == 1
	}, time.Second, 5*time.Millisecond)

	m.Stop()
}
