// Package prober issues metadata-only requests for catalogued resources.
package prober

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"changedetect/packages/domain"
	"changedetect/packages/metrics"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

type Config struct {
	// PerHostConcurrency bounds in-flight probes against a single host.
	// Hosts are probed independently of each other.
	PerHostConcurrency int
	// PerHostRate is requests per second per host; zero disables pacing.
	PerHostRate float64
	UserAgent   string
	Timeout     time.Duration
}

type Dispatcher struct {
	client *http.Client
	cfg    Config
}

func New(cfg Config) *Dispatcher {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: max(cfg.PerHostConcurrency, 1),
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
	return NewWithClient(&http.Client{Transport: transport, Timeout: cfg.Timeout}, cfg)
}

func NewWithClient(client *http.Client, cfg Config) *Dispatcher {
	return &Dispatcher{client: client, cfg: cfg}
}

// Probe sends one HEAD request per resource and returns the outcomes in the order
// they completed. It never fails: a probe that gets no response is reported with
// domain.StatusTransportFailure.
func (d *Dispatcher) Probe(ctx context.Context, groups *domain.Buckets[domain.Resource]) []domain.ProbeOutcome {
	results := make(chan domain.ProbeOutcome)
	collected := make(chan []domain.ProbeOutcome, 1)
	go func() {
		outcomes := make([]domain.ProbeOutcome, 0, groups.Count())
		for outcome := range results {
			outcomes = append(outcomes, outcome)
		}
		collected <- outcomes
	}()

	var hosts sync.WaitGroup
	for _, host := range groups.Keys() {
		members := groups.Get(host)
		hosts.Add(1)
		go func() {
			defer hosts.Done()
			d.probeHost(ctx, host, members, results)
		}()
	}
	hosts.Wait()
	close(results)

	return <-collected
}

func (d *Dispatcher) probeHost(ctx context.Context, host string, members []domain.Resource, results chan<- domain.ProbeOutcome) {
	var limiter *rate.Limiter
	if d.cfg.PerHostRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(d.cfg.PerHostRate), max(int(d.cfg.PerHostRate), 1))
	}

	var g errgroup.Group
	g.SetLimit(max(d.cfg.PerHostConcurrency, 1))
	for _, resource := range members {
		g.Go(func() error {
			start := time.Now()
			outcome := d.probeOne(ctx, limiter, resource)
			metrics.ProbesTotal.WithLabelValues(strconv.Itoa(outcome.StatusCode)).Inc()
			metrics.ProbeDuration.Observe(time.Since(start).Seconds())
			results <- outcome
			return nil
		})
	}
	_ = g.Wait()
	slog.Debug("Finished probing host", "host", host, "count", len(members))
}

func (d *Dispatcher) probeOne(ctx context.Context, limiter *rate.Limiter, resource domain.Resource) domain.ProbeOutcome {
	outcome := domain.ProbeOutcome{ResourceID: resource.ID, StatusCode: domain.StatusTransportFailure}

	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			slog.Debug("Probe abandoned while waiting for host slot", "resource_id", resource.ID, "error", err)
			return outcome
		}
	}

	probeCtx := ctx
	if d.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		probeCtx, cancel = context.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, resource.URL, nil)
	if err != nil {
		slog.Debug("Could not build probe request", "resource_id", resource.ID, "url", resource.URL, "error", err)
		return outcome
	}
	if d.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", d.cfg.UserAgent)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		slog.Debug("Probe failed", "resource_id", resource.ID, "url", resource.URL, "error", err)
		return outcome
	}
	defer resp.Body.Close()

	outcome.StatusCode = resp.StatusCode
	outcome.Size = parseSize(resp.Header.Get("Content-Length"))
	outcome.Modified = parseModified(resp.Header.Get("Last-Modified"))
	if etag := resp.Header.Get("ETag"); etag != "" {
		outcome.ETag = &etag
	}
	slog.Debug("Probe completed", "resource_id", resource.ID, "status_code", resp.StatusCode)
	return outcome
}

func parseSize(value string) *int64 {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	size, err := strconv.ParseInt(value, 10, 64)
	if err != nil || size < 0 {
		return nil
	}
	return &size
}

func parseModified(value string) *time.Time {
	if value == "" {
		return nil
	}
	modified, err := http.ParseTime(value)
	if err != nil {
		return nil
	}
	return &modified
}
