package broker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// DefaultMaintenanceInterval is the stock background maintenance period.
const DefaultMaintenanceInterval = 10 * time.Second

// Maintainer runs the broker's background maintenance: periodic gauge
// refresh and opportunistic lock-expiry reclamation. No correctness relies
// on it; the receive path reclaims expired leases lazily per entity.
type Maintainer struct {
	broker   *Broker
	logger   *zap.Logger
	interval time.Duration

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewMaintainer creates a maintainer for the broker. A non-positive interval
// selects the default.
func NewMaintainer(b *Broker, logger *zap.Logger, interval time.Duration) *Maintainer {
	if interval <= 0 {
		interval = DefaultMaintenanceInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Maintainer{broker: b, logger: logger, interval: interval}
}

// Start launches the maintenance loop. It returns immediately; the loop
// stops when Stop is called or the context is cancelled.
func (m *Maintainer) Start(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return NewError(ErrCodeInternal, "maintainer already running")
	}
	ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go m.loop(ctx)

	m.logger.Info("broker maintenance started",
		zap.Duration("interval", m.interval))
	return nil
}

// Stop cancels the loop and waits for it to exit.
func (m *Maintainer) Stop() {
	if !m.running.Load() {
		return
	}
	m.cancel()
	m.wg.Wait()
	m.running.Store(false)
	m.logger.Info("broker maintenance stopped")
}

func (m *Maintainer) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runPass()
		}
	}
}

// runPass executes one maintenance pass. Failures are logged and the loop
// continues.
func (m *Maintainer) runPass() {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("maintenance pass panicked", zap.Any("panic", r))
		}
	}()
	m.broker.SweepExpiredLocks()
	m.broker.RefreshGauges()
	m.logger.Debug("maintenance pass complete")
}
