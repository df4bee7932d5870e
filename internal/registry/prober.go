package registry

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultProbeInterval = 30 * time.Second
	defaultProbeTimeout  = 5 * time.Second
)

// ProberConfig controls the out-of-band health checker.
type ProberConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Prober periodically probes each candidate's health endpoint and updates
// the candidate's health state and smoothed latency. The router never
// writes health data; this is its single writer.
type Prober struct {
	cfg      ProberConfig
	registry *Registry
	logger   *slog.Logger
	client   *http.Client
	started  atomic.Bool
}

// NewProber creates a health prober over the registry.
func NewProber(cfg ProberConfig, registry *Registry, logger *slog.Logger) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultProbeInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultProbeTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{
		cfg:      cfg,
		registry: registry,
		logger:   logger,
		client:   &http.Client{Timeout: cfg.Timeout},
	}
}

// Start begins the probe loop until the context is canceled. Safe to call
// more than once; only the first call starts the loop.
func (p *Prober) Start(ctx context.Context) {
	if p == nil || !p.cfg.Enabled {
		return
	}
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	go p.run(ctx)
}

func (p *Prober) run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.probeAll(ctx)

	for {
		select {
		case <-ticker.C:
			p.probeAll(ctx)
		case <-ctx.Done():
			p.logger.Info("health prober stopped")
			return
		}
	}
}

func (p *Prober) probeAll(ctx context.Context) {
	candidates := p.registry.All()

	var wg sync.WaitGroup
	for _, c := range candidates {
		wg.Add(1)
		go func(c *Candidate) {
			defer wg.Done()
			p.probeOne(ctx, c)
		}(c)
	}
	wg.Wait()
}

// probeOne hits the candidate's health endpoint: 2xx is up, 503 is degraded,
// anything else (or no response) is down.
func (p *Prober) probeOne(ctx context.Context, c *Candidate) {
	url := strings.TrimRight(c.Endpoint, "/") + "/health"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		c.SetHealth(HealthDown)
		return
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	latencyMs := float64(time.Since(start).Milliseconds())

	prev := c.Health()
	var next Health
	switch {
	case err != nil:
		next = HealthDown
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		next = HealthUp
	case resp.StatusCode == http.StatusServiceUnavailable:
		next = HealthDegraded
	default:
		next = HealthDown
	}
	if resp != nil {
		resp.Body.Close()
	}

	if err == nil {
		c.ObserveLatency(latencyMs)
	}
	c.SetHealth(next)

	if next != prev {
		p.logger.Info("candidate health changed",
			"candidate", c.ID,
			"provider", c.Provider,
			"from", string(prev),
			"to", string(next),
			"latency_ms", latencyMs,
		)
	}
}
