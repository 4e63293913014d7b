package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"

	"dnsgate/pkg/config"
	"dnsgate/pkg/dnsmsg"
	"dnsgate/pkg/events"
	"dnsgate/pkg/logging"
	"dnsgate/pkg/policy"
	"dnsgate/pkg/store"
	"dnsgate/pkg/telemetry"
	"dnsgate/pkg/upstream"

	"github.com/miekg/dns"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Transport labels on log entries.
const (
	TransportUDP = "udp"
	TransportTCP = "tcp"
	TransportDoH = "doh"
)

// resolverState is the hot-updatable part of the pipeline: the upstream
// group, policy flags and the rule engine, swapped as one pointer on
// config apply.
type resolverState struct {
	group         *upstream.Group
	whitelistMode bool
	secondaryDNS  string
	queryDeadline time.Duration
	rules         *policy.Engine
}

// Resolver runs the per-query pipeline: validate, policy, cache,
// upstream dispatch, response synthesis. Every branch produces a wire
// response.
type Resolver struct {
	cache    *CachePolicy
	drivers  *atomic.Pointer[DriverSet]
	pipeline *LogPipeline
	bus      *events.Bus
	metrics  *telemetry.Metrics
	logger   *logging.Logger

	state atomic.Pointer[resolverState]

	idPrefix string
	idSeq    atomic.Uint64
}

// NewResolver wires the pipeline. drivers is owned by the manager; the
// resolver only ever loads it.
func NewResolver(
	cfg *config.ResolverConfig,
	rules *policy.Engine,
	group *upstream.Group,
	cache *CachePolicy,
	drivers *atomic.Pointer[DriverSet],
	pipeline *LogPipeline,
	bus *events.Bus,
	metrics *telemetry.Metrics,
	logger *logging.Logger,
) *Resolver {
	if logger == nil {
		logger = logging.Discard()
	}

	var prefix [4]byte
	rand.Read(prefix[:])

	r := &Resolver{
		cache:    cache,
		drivers:  drivers,
		pipeline: pipeline,
		bus:      bus,
		metrics:  metrics,
		logger:   logger.WithField("component", "resolver"),
		idPrefix: hex.EncodeToString(prefix[:]),
	}
	r.ApplyConfig(cfg, rules, group)
	return r
}

// ApplyConfig swaps the live policy settings and upstream group;
// in-flight queries keep the state they loaded.
func (r *Resolver) ApplyConfig(cfg *config.ResolverConfig, rules *policy.Engine, group *upstream.Group) {
	if rules == nil {
		rules = policy.NewEngine()
	}
	deadline := cfg.QueryDeadline
	if deadline <= 0 {
		deadline = 8 * time.Second
	}
	r.state.Store(&resolverState{
		group:         group,
		whitelistMode: cfg.EnableWhitelistMode,
		secondaryDNS:  cfg.SecondaryDNS,
		queryDeadline: deadline,
		rules:         rules,
	})
}

// requestID returns an identifier unique across the process lifetime.
// The DNS transaction id repeats across concurrent queries, so it cannot
// serve as the log correlation key.
func (r *Resolver) requestID() string {
	return fmt.Sprintf("%s-%06d", r.idPrefix, r.idSeq.Add(1))
}

// Resolve processes one query and always returns a response message.
func (r *Resolver) Resolve(ctx context.Context, req *dns.Msg, transport, clientAddr string) *dns.Msg {
	start := time.Now()
	state := r.state.Load()
	set := r.drivers.Load()
	requestID := r.requestID()

	if req == nil || len(req.Question) == 0 {
		entry := store.LogEntry{
			RequestID:  requestID,
			Type:       store.EntryError,
			Level:      "warn",
			Transport:  transport,
			ClientAddr: clientAddr,
			Message:    "malformed query: no question",
		}
		r.pipeline.Enqueue(entry)
		r.bus.Publish(events.TypeError, entry)
		return dnsmsg.FormErr(req)
	}

	ctx, cancel := context.WithTimeout(ctx, state.queryDeadline)
	defer cancel()

	question := req.Question[0]
	domain := dnsmsg.Normalize(question.Name)
	qtype := dnsmsg.TypeLabel(question.Qtype)

	r.metrics.QueriesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("qtype", qtype)))
	r.pipeline.Enqueue(store.LogEntry{
		RequestID:  requestID,
		Type:       store.EntryRequest,
		Level:      "info",
		Transport:  transport,
		ClientAddr: clientAddr,
		Domain:     domain,
		QueryType:  qtype,
	})

	whitelisted := set.Whitelist.Contains(domain)

	// Whitelist mode partitions upstream usage: whitelisted names go to
	// NextDNS, everything else to the secondary, and neither dispatch
	// races the other side's provider.
	var route upstream.Route
	if state.whitelistMode {
		if whitelisted {
			route = upstream.Route{Primary: config.ProviderNextDNS, Exclusive: true}
		} else {
			route = upstream.Route{
				Primary:   state.secondaryDNS,
				Exclude:   config.ProviderNextDNS,
				Exclusive: true,
			}
		}
	}

	info := &store.ProcessingInfo{Whitelisted: whitelisted}
	var resp *dns.Msg

	if !whitelisted && r.blockedByPolicy(state, set, domain, qtype, clientAddr) {
		resp = dnsmsg.Blocked(req)
		info.Success = true
		info.Blocked = true
		r.metrics.BlockedQueries.Add(ctx, 1)
	} else {
		if whitelisted {
			r.metrics.WhitelistHits.Add(ctx, 1)
		}
		resp = r.answer(ctx, req, state, set, route, info, requestID, transport, clientAddr)
	}

	resp.Id = req.Id
	resp.Response = true
	resp.RecursionAvailable = true

	info.LatencyMs = float64(time.Since(start).Microseconds()) / 1000
	r.metrics.QueryDuration.Record(ctx, info.LatencyMs)

	responseEntry := store.LogEntry{
		RequestID:    requestID,
		Type:         store.EntryResponse,
		Level:        "info",
		Transport:    transport,
		ClientAddr:   clientAddr,
		Domain:       domain,
		QueryType:    qtype,
		Processing:   info,
		Resolved:     dnsmsg.AnswerIPs(resp),
		ResponseSize: resp.Len(),
	}
	r.pipeline.Enqueue(responseEntry)
	r.bus.Publish(events.TypeLog, responseEntry)

	return resp
}

// blockedByPolicy runs the rule engine and the blacklist, in that order.
// A matching ALLOW rule bypasses the blacklist. Callers have already
// given the whitelist the final say.
func (r *Resolver) blockedByPolicy(state *resolverState, set *DriverSet, domain, qtype, clientAddr string) bool {
	if matched, rule := state.rules.Evaluate(policy.NewContext(domain, clientAddr, qtype)); matched {
		if rule.Action == policy.ActionBlock {
			return true
		}
		return false
	}
	return set.Blacklist.Contains(domain)
}

// answer serves from cache or dispatches upstream.
func (r *Resolver) answer(ctx context.Context, req *dns.Msg, state *resolverState, set *DriverSet, route upstream.Route, info *store.ProcessingInfo, requestID, transport, clientAddr string) *dns.Msg {
	now := time.Now()
	if cached, entry := r.cache.Lookup(set.Cache, req, now); cached != nil {
		info.Success = true
		info.Cached = true
		info.Provider = entry.Provider
		r.metrics.CacheHits.Add(ctx, 1)
		return cached
	}
	r.metrics.CacheMisses.Add(ctx, 1)
	r.metrics.ForwardedQueries.Add(ctx, 1)

	resp, result, err := state.group.Resolve(ctx, req, route)
	if err != nil {
		info.Success = false
		r.metrics.ProviderFailures.Add(ctx, 1)
		entry := store.LogEntry{
			RequestID:  requestID,
			Type:       store.EntryError,
			Level:      "error",
			Transport:  transport,
			ClientAddr: clientAddr,
			Domain:     dnsmsg.Normalize(req.Question[0].Name),
			QueryType:  dnsmsg.TypeLabel(req.Question[0].Qtype),
			Message:    err.Error(),
		}
		r.pipeline.Enqueue(entry)
		r.bus.Publish(events.TypeError, entry)
		return dnsmsg.ServFail(req)
	}

	info.Success = true
	info.Provider = result.Provider
	info.Attempt = result.Attempt
	r.cache.Store(set.Cache, req, resp, result.Provider, result.LatencyMs, time.Now())
	return resp
}
