package reachability

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"
)

// HTTPProber checks reachability with GET <baseURL>/health.
//
// A transport failure means not connected. Any HTTP response means
// connected; only a 2xx means the API is reachable.
type HTTPProber struct {
	client *resty.Client
	path   string
}

// NewHTTPProber creates a prober for baseURL. timeout bounds each probe.
func NewHTTPProber(baseURL string, timeout time.Duration) *HTTPProber {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")

	return &HTTPProber{client: client, path: "/health"}
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context) State {
	resp, err := p.client.R().SetContext(ctx).Get(p.path)
	if err != nil {
		return State{}
	}
	return State{
		Connected:         true,
		InternetReachable: resp.IsSuccess(),
	}
}
