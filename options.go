package modelgate

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/oropendola/modelgate/internal/scoring"
)

// routerConfig collects everything New needs before components are built.
type routerConfig struct {
	logger          *slog.Logger
	httpClient      *http.Client
	weights         scoring.Weights
	credentialTTL   time.Duration
	usageBuffer     int
	usageWorkers    int
	requestDeadline time.Duration
}

func defaultConfig() routerConfig {
	return routerConfig{
		logger:          slog.Default(),
		weights:         scoring.DefaultWeights(),
		credentialTTL:   60 * time.Second,
		usageBuffer:     1024,
		usageWorkers:    2,
		requestDeadline: 2 * time.Minute,
	}
}

// Option configures a Router.
type Option func(*routerConfig)

// WithLogger sets the structured logger used by all components.
func WithLogger(logger *slog.Logger) Option {
	return func(c *routerConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHTTPClient sets the client used for backend calls.
func WithHTTPClient(client *http.Client) Option {
	return func(c *routerConfig) { c.httpClient = client }
}

// WithWeights sets the initial scoring weights. They can be swapped at
// runtime with Router.SetWeights.
func WithWeights(w scoring.Weights) Option {
	return func(c *routerConfig) { c.weights = w }
}

// WithCredentialTTL sets how long resolved credentials stay fresh.
func WithCredentialTTL(ttl time.Duration) Option {
	return func(c *routerConfig) {
		if ttl > 0 {
			c.credentialTTL = ttl
		}
	}
}

// WithUsageQueue sizes the async usage recorder.
func WithUsageQueue(bufferSize, workers int) Option {
	return func(c *routerConfig) {
		c.usageBuffer = bufferSize
		c.usageWorkers = workers
	}
}

// WithRequestDeadline caps one routed request end to end, including all
// fallback attempts. Zero disables the cap.
func WithRequestDeadline(d time.Duration) Option {
	return func(c *routerConfig) { c.requestDeadline = d }
}
