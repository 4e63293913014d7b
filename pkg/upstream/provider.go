// Package upstream contains the per-provider DNS clients and the dispatch
// group that races them for the fastest acceptable answer.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"dnsgate/pkg/config"

	"github.com/miekg/dns"
)

var (
	// ErrNoProviders is returned when no configured provider is available.
	ErrNoProviders = errors.New("upstream: no providers available")

	// ErrNotAvailable is returned when a provider is selected but cannot
	// serve (e.g. NextDNS without a config id).
	ErrNotAvailable = errors.New("upstream: provider not available")

	// ErrBadResponse marks a reply that loses the dispatch race: truncated
	// or carrying an RCODE other than NOERROR/NXDOMAIN.
	ErrBadResponse = errors.New("upstream: unacceptable response")
)

// Provider is a single upstream resolver.
type Provider interface {
	Name() string
	Available() bool
	Exchange(ctx context.Context, req *dns.Msg) (*dns.Msg, error)
}

const dohContentType = "application/dns-message"

// Standard DoH endpoints.
const (
	cloudflareEndpoint = "https://cloudflare-dns.com/dns-query"
	googleEndpoint     = "https://dns.google/dns-query"
	opendnsEndpoint    = "https://doh.opendns.com/dns-query"
	nextdnsBase        = "https://dns.nextdns.io/"
)

// dohProvider speaks RFC 8484 POST against a fixed endpoint.
type dohProvider struct {
	name     string
	endpoint string
	client   *http.Client
}

func newDoH(name, endpoint string, timeout time.Duration) *dohProvider {
	return &dohProvider{
		name:     name,
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

func (p *dohProvider) Name() string    { return p.name }
func (p *dohProvider) Available() bool { return p.endpoint != "" }

func (p *dohProvider) Exchange(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	if p.endpoint == "" {
		return nil, ErrNotAvailable
	}

	packed, err := req.Pack()
	if err != nil {
		return nil, fmt.Errorf("pack query: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(packed))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", dohContentType)
	httpReq.Header.Set("Accept", dohContentType)

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.name, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: unexpected status %d", p.name, httpResp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, dns.MaxMsgSize))
	if err != nil {
		return nil, fmt.Errorf("%s: read body: %w", p.name, err)
	}

	resp := new(dns.Msg)
	if err := resp.Unpack(body); err != nil {
		return nil, fmt.Errorf("%s: unpack response: %w", p.name, err)
	}
	return resp, nil
}

// nextdnsProvider is the DoH provider bound to a NextDNS configuration id.
type nextdnsProvider struct {
	dohProvider
	configID string
}

func newNextDNS(configID, base string, timeout time.Duration) *nextdnsProvider {
	if base == "" {
		base = nextdnsBase
	}
	p := &nextdnsProvider{configID: configID}
	p.name = config.ProviderNextDNS
	p.client = &http.Client{Timeout: timeout}
	if configID != "" {
		p.endpoint = strings.TrimSuffix(base, "/") + "/" + configID
	}
	return p
}

func (p *nextdnsProvider) Available() bool { return p.configID != "" }

// systemProvider is the classic UDP fallback against the OS resolver.
type systemProvider struct {
	address    string
	clientPool sync.Pool
}

func newSystem(address string, timeout time.Duration) *systemProvider {
	p := &systemProvider{address: address}
	p.clientPool.New = func() any {
		return &dns.Client{Net: "udp", Timeout: timeout}
	}
	return p
}

func (p *systemProvider) Name() string    { return config.ProviderSystem }
func (p *systemProvider) Available() bool { return p.address != "" }

func (p *systemProvider) Exchange(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	client := p.clientPool.Get().(*dns.Client)
	defer p.clientPool.Put(client)

	resp, _, err := client.ExchangeContext(ctx, req, p.address)
	if err != nil {
		return nil, fmt.Errorf("system: %w", err)
	}
	return resp, nil
}

// New constructs a provider by configured name.
func New(name string, cfg *config.ResolverConfig) (Provider, error) {
	timeout := cfg.UpstreamTimeout
	switch name {
	case config.ProviderNextDNS:
		return newNextDNS(cfg.NextDNSConfigID, cfg.NextDNSEndpoint, timeout), nil
	case config.ProviderCloudflare:
		return newDoH(name, cloudflareEndpoint, timeout), nil
	case config.ProviderGoogle:
		return newDoH(name, googleEndpoint, timeout), nil
	case config.ProviderOpenDNS:
		return newDoH(name, opendnsEndpoint, timeout), nil
	case config.ProviderSystem:
		return newSystem(cfg.SystemResolver, timeout), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}
