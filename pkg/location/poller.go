package location

import (
	"context"
	"log/slog"
	"time"
)

// Locator is a precise position source, typically a *Chain of GPS
// providers.
type Locator interface {
	Locate(ctx context.Context) (Reading, error)
}

// UpdateFunc applies a mutation to the stored fix. The callback runs under
// the owner's lock and must not block.
type UpdateFunc func(update func(*Fix))

// Poller refreshes the stored location on a fixed interval: a precise GPS
// reading when one is available, the IP fallback otherwise.
type Poller struct {
	GPS      Locator
	Fallback *IPLocator
	Interval time.Duration
	Update   UpdateFunc

	logger *slog.Logger
	now    func() time.Time
}

// NewPoller creates a poller. gps or fallback may be nil.
func NewPoller(gps Locator, fallback *IPLocator, interval time.Duration, update UpdateFunc, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		GPS:      gps,
		Fallback: fallback,
		Interval: interval,
		Update:   update,
		logger:   logger.With("component", "location"),
		now:      time.Now,
	}
}

// Run polls immediately and then every Interval until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	for {
		p.Poll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll performs one refresh and reports whether a precise fix was found.
func (p *Poller) Poll(ctx context.Context) bool {
	if p.GPS != nil {
		r, err := p.GPS.Locate(ctx)
		if err == nil {
			now := p.now()
			p.Update(func(f *Fix) {
				f.Lat, f.Lon = Float(r.Lat), Float(r.Lon)
				f.Accuracy = r.Accuracy
				f.Source = r.Source
				f.Timestamp = now
			})
			p.logger.Debug("precise fix",
				"source", r.Source,
				"lat", r.Lat,
				"lon", r.Lon,
			)
			return true
		}
		p.logger.Debug("no precise fix", "error", err)
	}

	if p.Fallback == nil || ctx.Err() != nil {
		return false
	}

	fix, err := p.Fallback.Locate(ctx)
	if err != nil {
		p.logger.Debug("ip lookup failed", "error", err)
	}
	now := p.now()
	p.Update(func(f *Fix) {
		f.Lat, f.Lon = fix.Lat, fix.Lon
		f.Accuracy = nil
		f.Source = fix.Source
		f.HostIP = fix.HostIP
		f.Timestamp = now
	})
	p.logger.Debug("ip fallback", "host_ip", fix.HostIP)
	return false
}
