package hardware

import (
	"context"
	"time"

	"github.com/dsyorkd/hydro-controller/internal/logger"
)

// DefaultPollInterval is used when the configured interval is empty or invalid
const DefaultPollInterval = time.Second

// Poller refreshes every active pump and flow job on a fixed interval
type Poller struct {
	system   *System
	interval time.Duration
	logger   logger.Interface
}

// NewPoller creates a poller for system
func NewPoller(system *System, interval time.Duration, log logger.Interface) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{
		system:   system,
		interval: interval,
		logger:   log.WithField("component", "poller"),
	}
}

// Run polls until ctx is done
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("Job poller started", "interval", p.interval)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Job poller stopped")
			return
		case <-ticker.C:
			p.PollOnce(ctx)
		}
	}
}

// PollOnce polls each active job once. A failing device is logged and
// does not keep the others from being polled.
func (p *Poller) PollOnce(ctx context.Context) int {
	polled := 0
	for _, id := range p.system.Pumps.ActiveIDs() {
		polled++
		if _, err := p.system.Pumps.Poll(ctx, id); err != nil {
			p.logger.WithError(err).Warn("Pump poll failed", "pump", id)
		}
	}
	for _, id := range p.system.Flow.ActiveIDs() {
		polled++
		if _, err := p.system.Flow.Poll(ctx, id); err != nil {
			p.logger.WithError(err).Warn("Flow poll failed", "meter", id)
		}
	}
	return polled
}
