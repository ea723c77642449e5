// Package agent runs the exam-station side around the engine: the localhost
// bridge to the exam browser, the connectivity probe and the heartbeat.
package agent

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

const (
	probeTimeout = 3 * time.Second
	// Consecutive failed probes before the station counts as offline.
	offlineAfter = 2
)

// HealthChecker is satisfied by *client.ServerClient.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// OnlineSetter is satisfied by *engine.Engine.
type OnlineSetter interface {
	SetOnline(online bool) error
}

// Connectivity probes the central server and reports transitions.
type Connectivity struct {
	checker  HealthChecker
	target   OnlineSetter
	interval time.Duration
	log      zerolog.Logger

	reported *bool
	failures int
}

func NewConnectivity(checker HealthChecker, target OnlineSetter, interval time.Duration, log zerolog.Logger) *Connectivity {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Connectivity{
		checker:  checker,
		target:   target,
		interval: interval,
		log:      log.With().Str("component", "connectivity").Logger(),
	}
}

// Run probes until ctx ends.
func (c *Connectivity) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.probe(ctx)
		}
	}
}

func (c *Connectivity) probe(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	err := c.checker.Health(pctx)
	cancel()
	if ctx.Err() != nil {
		return
	}

	if err == nil {
		c.failures = 0
		c.report(true)
		return
	}
	c.failures++
	c.log.Debug().Err(err).Int("failures", c.failures).Msg("Health probe failed")
	if c.failures >= offlineAfter {
		c.report(false)
	}
}

// report forwards only transitions; the first probe always reports.
func (c *Connectivity) report(online bool) {
	if c.reported != nil && *c.reported == online {
		return
	}
	if err := c.target.SetOnline(online); err != nil {
		c.log.Warn().Err(err).Bool("online", online).Msg("Failed to apply connectivity change")
		return
	}
	c.reported = &online
	c.log.Info().Bool("online", online).Msg("Connectivity changed")
}
