package connectivity

import (
	"context"
	"net/http"
	"time"

	"github.com/dinovending/dino/backend/internal/logging"
)

// Probe decides connectivity by requesting a URL periodically. Any HTTP
// response counts as online; transport errors count as offline.
type Probe struct {
	*Manual
	url      string
	interval time.Duration
	client   *http.Client
}

// NewProbe creates a Probe. It starts offline until the first check.
func NewProbe(url string, interval time.Duration) *Probe {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Probe{
		Manual:   NewManual(false),
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

// Check performs one probe and updates the state.
func (p *Probe) Check(ctx context.Context) bool {
	online := false
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err == nil {
		resp, doErr := p.client.Do(req)
		if doErr == nil {
			resp.Body.Close()
			online = true
		}
	}
	if p.Set(online) {
		logging.Info("connectivity changed", map[string]interface{}{"online": online, "source": "probe"})
	}
	return online
}

// Run probes until ctx is done.
func (p *Probe) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}
