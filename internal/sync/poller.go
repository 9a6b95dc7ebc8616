package sync

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Poller periodically reconciles open conversations with the server through
// the same merge routine pushes use.
type Poller struct {
	tl       Timeline
	interval time.Duration
	logger   *zap.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewPoller creates a poller. A non-positive interval disables polling.
func NewPoller(tl Timeline, interval time.Duration, logger *zap.Logger) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{tl: tl, interval: interval, logger: logger}
}

// Start begins polling in the background.
func (p *Poller) Start(ctx context.Context) {
	if p.interval <= 0 {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				RefreshAll(ctx, p.tl, p.logger)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops polling and waits for an in-flight pass to return.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
}
