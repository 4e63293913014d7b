package upstream

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"dnsgate/pkg/config"
	"dnsgate/pkg/dnsmsg"
	"dnsgate/pkg/logging"

	"github.com/miekg/dns"
)

// Defaults for the dispatch race.
const (
	DefaultFanOut       = 3
	DefaultStaggerDelay = 200 * time.Millisecond
)

// Result describes the winning exchange of a dispatch.
type Result struct {
	Provider  string
	LatencyMs float64
	// Attempt is the 1-based position of the winner in the candidate order.
	Attempt int
}

// Route directs one dispatch. Primary names the provider to try first;
// empty keeps the configured order. Exclude keeps a provider out of the
// dispatch entirely. Exclusive restricts the dispatch to the primary
// alone; the remaining providers run only after the primary has failed,
// never as part of the race.
type Route struct {
	Primary   string
	Exclude   string
	Exclusive bool
}

type client struct {
	provider Provider
	health   *health
}

// Group holds the configured providers in preference order and races a
// staggered subset of them per query.
type Group struct {
	clients []*client
	fanOut  int
	stagger time.Duration
	timeout time.Duration
	logger  *logging.Logger
}

// NewGroup builds the provider set from resolver configuration. Provider
// order in cfg.Providers is the preference order.
func NewGroup(cfg *config.ResolverConfig, logger *logging.Logger) (*Group, error) {
	if logger == nil {
		logger = logging.Discard()
	}

	g := &Group{
		fanOut:  cfg.FanOut,
		stagger: cfg.StaggerDelay,
		timeout: cfg.UpstreamTimeout,
		logger:  logger.WithField("component", "upstream"),
	}
	if g.fanOut <= 0 {
		g.fanOut = DefaultFanOut
	}
	if g.stagger <= 0 {
		g.stagger = DefaultStaggerDelay
	}

	for _, name := range cfg.Providers {
		p, err := New(name, cfg)
		if err != nil {
			return nil, err
		}
		if !p.Available() {
			g.logger.Warn("skipping unavailable provider", "provider", name)
			continue
		}
		g.clients = append(g.clients, &client{provider: p, health: &health{}})
	}
	if len(g.clients) == 0 {
		return nil, ErrNoProviders
	}
	return g, nil
}

// Names returns the configured provider names in preference order.
func (g *Group) Names() []string {
	names := make([]string, len(g.clients))
	for i, c := range g.clients {
		names[i] = c.provider.Name()
	}
	return names
}

// Healthy reports the providers not currently in cooldown.
func (g *Group) Healthy() []string {
	now := time.Now()
	var names []string
	for _, c := range g.clients {
		if !c.health.cooling(now) {
			names = append(names, c.provider.Name())
		}
	}
	return names
}

// candidates orders the clients for one dispatch: the primary first, the
// rest in preference order, cooling providers moved to the back, capped at
// the fan-out limit. Excluded providers never appear.
func (g *Group) candidates(primary string, exclude ...string) []*client {
	now := time.Now()
	ordered := make([]*client, 0, len(g.clients))
	var rest, cooling []*client
	for _, c := range g.clients {
		if slices.Contains(exclude, c.provider.Name()) {
			continue
		}
		switch {
		case c.provider.Name() == primary:
			ordered = append(ordered, c)
		case c.health.cooling(now):
			cooling = append(cooling, c)
		default:
			rest = append(rest, c)
		}
	}
	ordered = append(ordered, rest...)
	ordered = append(ordered, cooling...)
	if len(ordered) > g.fanOut {
		ordered = ordered[:g.fanOut]
	}
	return ordered
}

func (g *Group) find(name string) *client {
	for _, c := range g.clients {
		if c.provider.Name() == name {
			return c
		}
	}
	return nil
}

type outcome struct {
	resp      *dns.Msg
	err       error
	provider  string
	attempt   int
	latencyMs float64
}

// Resolve dispatches one query along the route and returns the first
// acceptable response. An exclusive route sends only the primary; the
// remaining providers act as recovery after it fails. Otherwise up to
// fanOut providers race, each started after a stagger delay. Losing
// exchanges are cancelled as soon as a winner lands. A response that is
// truncated or carries an error RCODE counts as a failure for its
// provider.
func (g *Group) Resolve(ctx context.Context, req *dns.Msg, route Route) (*dns.Msg, Result, error) {
	if route.Exclusive && route.Primary != "" {
		if c := g.find(route.Primary); c != nil {
			resp, result, err := g.race(ctx, req, []*client{c}, 0)
			if err == nil || ctx.Err() != nil {
				return resp, result, err
			}
			rest := g.candidates("", route.Primary, route.Exclude)
			if len(rest) == 0 {
				return nil, Result{}, err
			}
			g.logger.Debug("routed provider failed, recovering on remaining providers",
				"primary", route.Primary, "error", err)
			return g.race(ctx, req, rest, 1)
		}
	}
	return g.race(ctx, req, g.candidates(route.Primary, route.Exclude), 0)
}

func (g *Group) race(ctx context.Context, req *dns.Msg, candidates []*client, attemptOffset int) (*dns.Msg, Result, error) {
	if len(candidates) == 0 {
		return nil, Result{}, ErrNoProviders
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan outcome, len(candidates))
	for i, c := range candidates {
		go g.exchange(ctx, c, req, i, attemptOffset, results)
	}

	errs := make([]error, 0, len(candidates))
	for range candidates {
		select {
		case out := <-results:
			if out.err == nil {
				cancel()
				return out.resp, Result{
					Provider:  out.provider,
					LatencyMs: out.latencyMs,
					Attempt:   out.attempt,
				}, nil
			}
			errs = append(errs, fmt.Errorf("%s: %w", out.provider, out.err))
		case <-ctx.Done():
			return nil, Result{}, ctx.Err()
		}
	}
	return nil, Result{}, fmt.Errorf("all providers failed: %w", errors.Join(errs...))
}

func (g *Group) exchange(ctx context.Context, c *client, req *dns.Msg, idx, attemptOffset int, results chan<- outcome) {
	name := c.provider.Name()
	attempt := attemptOffset + idx + 1

	if idx > 0 {
		delay := time.Duration(idx) * g.stagger
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			results <- outcome{err: ctx.Err(), provider: name, attempt: attempt}
			return
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.provider.Exchange(callCtx, req.Copy())
	latency := float64(time.Since(start).Microseconds()) / 1000

	if err == nil && !dnsmsg.Acceptable(resp) {
		err = fmt.Errorf("%w: rcode=%s tc=%t", ErrBadResponse,
			dns.RcodeToString[resp.Rcode], resp.Truncated)
	}

	if err != nil {
		// Cancellation means another provider already won; that is not
		// a health event for this one.
		if !errors.Is(err, context.Canceled) {
			c.health.recordFailure(time.Now())
			g.logger.Debug("provider exchange failed",
				"provider", name, "latency_ms", latency, "error", err)
		}
		results <- outcome{err: err, provider: name, attempt: attempt, latencyMs: latency}
		return
	}

	c.health.recordSuccess()
	results <- outcome{resp: resp, provider: name, attempt: attempt, latencyMs: latency}
}
