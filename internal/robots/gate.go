// Package robots gates every outbound request behind robots.txt, a per-host
// throttle, and a bounded retry policy.
package robots

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"

	"github.com/JakeFAU/codepaper-harvester/internal/clock/system"
	"github.com/JakeFAU/codepaper-harvester/internal/harvest"
	"github.com/JakeFAU/codepaper-harvester/internal/metrics"
	"github.com/JakeFAU/codepaper-harvester/internal/policy/ratelimit"
)

const defaultMaxRobotsBytes = 1 << 20

// Config controls gate behavior.
type Config struct {
	UserAgent string
	// Delay is the minimum spacing between requests to the same host and the
	// base of the retry backoff.
	Delay time.Duration
	// Timeout bounds connection setup, response headers, and every stall
	// while reading the body.
	Timeout time.Duration
	// Deadline caps one attempt from sending the request to closing the
	// body, however steadily bytes arrive. Zero means no cap.
	Deadline time.Duration
	// Retries is the total number of attempts per request.
	Retries        int
	MaxRobotsBytes int64
}

// Gate owns the robots cache, throttle, and retry policy shared by every
// component that touches the network.
type Gate struct {
	cfg          Config
	base         http.RoundTripper
	client       *http.Client
	robotsClient *http.Client
	clock        harvest.Clock
	sleeper      harvest.Sleeper
	limiter      *ratelimit.Limiter
	retry        *RetryPolicy
	logger       *zap.Logger

	mu    sync.Mutex
	hosts map[string]*hostRules
}

type hostRules struct {
	once    sync.Once
	data    *robotstxt.RobotsData
	denyAll bool
}

// New builds a Gate. Nil collaborators fall back to the default transport,
// the system clock, and a no-op logger.
func New(
	cfg Config,
	base http.RoundTripper,
	clock harvest.Clock,
	sleeper harvest.Sleeper,
	logger *zap.Logger,
) *Gate {
	if base == nil {
		base = http.DefaultTransport
	}
	if clock == nil {
		clock = system.New()
	}
	if sleeper == nil {
		sleeper = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRobotsBytes <= 0 {
		cfg.MaxRobotsBytes = defaultMaxRobotsBytes
	}
	g := &Gate{
		cfg:     cfg,
		base:    base,
		clock:   clock,
		sleeper: sleeper,
		limiter: ratelimit.New(ratelimit.Config{Interval: cfg.Delay}, clock, sleeper),
		retry:   NewRetryPolicy(cfg.Retries, cfg.Delay),
		logger:  logger.Named("robots"),
		hosts:   make(map[string]*hostRules),
	}
	g.client = &http.Client{Transport: g.Transport()}
	g.robotsClient = &http.Client{Transport: &throttledTransport{gate: g}}
	return g
}

// UserAgent returns the identity sent with every request.
func (g *Gate) UserAgent() string {
	return g.cfg.UserAgent
}

// Allowed reports whether robots.txt permits fetching rawURL. The host's
// robots.txt is fetched at most once per Gate; a network failure is treated
// as a denial for the rest of the run.
func (g *Gate) Allowed(ctx context.Context, rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	rules := g.rulesFor(ctx, u)
	if rules.denyAll {
		return false
	}
	if rules.data == nil {
		return true
	}
	group := rules.data.FindGroup(g.cfg.UserAgent)
	if group == nil {
		return true
	}
	return group.Test(robotsPath(u))
}

// Fetch issues a gated GET. The caller owns the response body. Disallowed
// URLs fail with harvest.ErrRobotsDisallowed before any request is made;
// exhausted retries fail with harvest.ErrRequestFailed.
func (g *Gate) Fetch(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("new request %s: %w", rawURL, err)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		var uerr *url.Error
		if errors.As(err, &uerr) {
			return nil, uerr.Err
		}
		return nil, err
	}
	return resp, nil
}

// Transport exposes the gate as an http.RoundTripper so other HTTP clients
// share the same robots cache, throttle, and retry policy.
func (g *Gate) Transport() http.RoundTripper {
	return &gatedTransport{gate: g}
}

type gatedTransport struct {
	gate *Gate
}

func (t *gatedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("gated transport received nil request")
	}
	return t.gate.roundTrip(req)
}

func (g *Gate) roundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	rawURL := req.URL.String()
	if !g.Allowed(ctx, rawURL) {
		metrics.ObserveRobotsDenial(rawURL)
		g.logger.Info("robots.txt disallows url", zap.String("url", rawURL))
		return nil, &harvest.BlockedError{URL: rawURL}
	}

	var (
		lastErr    error
		lastStatus int
		retryAfter time.Duration
	)
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			wait := g.retry.Backoff(attempt - 1)
			if retryAfter > wait {
				wait = retryAfter
			}
			metrics.ObserveRetry(rawURL)
			g.logger.Debug("retrying request",
				zap.String("url", rawURL),
				zap.Int("attempt", attempt+1),
				zap.Int("status", lastStatus),
				zap.Duration("wait", wait),
				zap.Error(lastErr),
			)
			if err := g.sleeper.Sleep(ctx, wait); err != nil {
				return nil, fmt.Errorf("retry backoff %s: %w", rawURL, err)
			}
		}
		if _, err := g.limiter.Wait(ctx, rawURL); err != nil {
			return nil, fmt.Errorf("throttle %s: %w", rawURL, err)
		}

		resp, err := g.attempt(req)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("request %s: %w", rawURL, ctxErr)
			}
			lastErr, lastStatus, retryAfter = err, 0, 0
		} else {
			metrics.ObservePage(rawURL, resp.StatusCode)
			if !retryableStatus(resp.StatusCode) {
				if resp.StatusCode >= http.StatusBadRequest {
					drainAndClose(resp)
					return nil, &harvest.RequestError{URL: rawURL, Attempts: attempt + 1, StatusCode: resp.StatusCode}
				}
				return resp, nil
			}
			lastErr, lastStatus = nil, resp.StatusCode
			retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), g.clock.Now())
			drainAndClose(resp)
		}

		if !g.retry.ShouldRetry(lastErr, lastStatus, attempt+1) {
			g.logger.Warn("request failed",
				zap.String("url", rawURL),
				zap.Int("attempts", attempt+1),
				zap.Int("status", lastStatus),
				zap.Error(lastErr),
			)
			return nil, &harvest.RequestError{
				URL:        rawURL,
				Attempts:   attempt + 1,
				StatusCode: lastStatus,
				Err:        lastErr,
			}
		}
	}
}

// attempt performs one round trip whose context is canceled when the peer
// stalls for longer than the configured timeout or the attempt outlives its
// deadline.
func (g *Gate) attempt(req *http.Request) (*http.Response, error) {
	var (
		attemptCtx context.Context
		cancel     context.CancelFunc
	)
	if g.cfg.Deadline > 0 {
		attemptCtx, cancel = context.WithTimeout(req.Context(), g.cfg.Deadline)
	} else {
		attemptCtx, cancel = context.WithCancel(req.Context())
	}
	timer := time.AfterFunc(g.cfg.Timeout, cancel)

	clone := req.Clone(attemptCtx)
	if g.cfg.UserAgent != "" {
		clone.Header.Set("User-Agent", g.cfg.UserAgent)
	}
	resp, err := g.base.RoundTrip(clone)
	if err != nil {
		timer.Stop()
		cancel()
		return nil, err
	}
	timer.Reset(g.cfg.Timeout)
	resp.Body = &idleTimeoutBody{
		ReadCloser: resp.Body,
		timer:      timer,
		timeout:    g.cfg.Timeout,
		cancel:     cancel,
	}
	return resp, nil
}

func (g *Gate) rulesFor(ctx context.Context, u *url.URL) *hostRules {
	key := strings.ToLower(u.Scheme + "://" + u.Host)
	g.mu.Lock()
	rules, ok := g.hosts[key]
	if !ok {
		rules = &hostRules{}
		g.hosts[key] = rules
	}
	g.mu.Unlock()

	rules.once.Do(func() {
		g.loadRobots(ctx, u, rules)
	})
	return rules
}

func (g *Gate) loadRobots(ctx context.Context, u *url.URL, rules *hostRules) {
	robotsURL := url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/robots.txt"}
	logger := g.logger.With(zap.String("robots_url", robotsURL.String()))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		rules.denyAll = true
		logger.Warn("robots request build failed; denying host", zap.Error(err))
		return
	}
	resp, err := g.robotsClient.Do(req)
	if err != nil {
		rules.denyAll = true
		logger.Warn("robots fetch failed; denying host", zap.Error(err))
		return
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			logger.Debug("Failed to close robots response body", zap.Error(cerr))
		}
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		body, err := io.ReadAll(io.LimitReader(resp.Body, g.cfg.MaxRobotsBytes))
		if err != nil {
			rules.denyAll = true
			logger.Warn("robots read failed; denying host", zap.Error(err))
			return
		}
		data, err := robotstxt.FromBytes(body)
		if err != nil {
			rules.denyAll = true
			logger.Warn("robots parse failed; denying host", zap.Error(err))
			return
		}
		rules.data = data
		logger.Debug("robots loaded")
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		logger.Debug("robots absent; allowing host", zap.Int("status", resp.StatusCode))
	default:
		rules.denyAll = true
		logger.Warn("robots unavailable; denying host", zap.Int("status", resp.StatusCode))
	}
}

// throttledTransport fetches robots.txt itself: throttled and time-bounded,
// but neither robots-checked nor retried.
type throttledTransport struct {
	gate *Gate
}

func (t *throttledTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if _, err := t.gate.limiter.Wait(req.Context(), req.URL.String()); err != nil {
		return nil, fmt.Errorf("throttle %s: %w", req.URL, err)
	}
	return t.gate.attempt(req)
}

func robotsPath(u *url.URL) string {
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	if u.RawQuery != "" {
		p += "?" + u.RawQuery
	}
	return p
}

type idleTimeoutBody struct {
	io.ReadCloser
	timer   *time.Timer
	timeout time.Duration
	cancel  context.CancelFunc
}

func (b *idleTimeoutBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if n > 0 {
		b.timer.Reset(b.timeout)
	}
	return n, err
}

func (b *idleTimeoutBody) Close() error {
	b.timer.Stop()
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

func drainAndClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
