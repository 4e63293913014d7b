package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"dnsgate/pkg/config"
	"dnsgate/pkg/logging"
	"dnsgate/pkg/store"

	"github.com/miekg/dns"
)

// ErrBindFailure marks a listener that could not bind its address, which
// maps to its own process exit code.
var ErrBindFailure = errors.New("engine: bind failed")

// Server runs the UDP and TCP DNS listeners over one resolver. Binding
// happens synchronously in Start so the caller can distinguish a bind
// failure from a later serve error.
type Server struct {
	resolver *Resolver
	logger   *logging.Logger

	udp *dns.Server
	tcp *dns.Server

	mu      sync.Mutex
	serveWG sync.WaitGroup
}

// NewServer creates the listeners for the configured transports.
func NewServer(resolver *Resolver, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Server{
		resolver: resolver,
		logger:   logger.WithField("component", "server"),
	}
}

// Start binds and begins serving. port overrides cfg.Port when non-zero.
func (s *Server) Start(cfg *config.ServerConfig, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if port == 0 {
		port = cfg.Port
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(port))

	if cfg.UDPEnabled {
		pc, err := net.ListenPacket("udp", addr)
		if err != nil {
			return fmt.Errorf("%w: udp %s: %v", ErrBindFailure, addr, err)
		}
		s.udp = &dns.Server{
			PacketConn: pc,
			Handler:    s,
			UDPSize:    dns.DefaultMsgSize,
		}
		s.serve(s.udp, "udp", addr)
	}

	if cfg.TCPEnabled {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			s.closeLocked(context.Background())
			return fmt.Errorf("%w: tcp %s: %v", ErrBindFailure, addr, err)
		}
		s.tcp = &dns.Server{
			Listener: ln,
			Handler:  s,
		}
		s.serve(s.tcp, "tcp", addr)
	}

	return nil
}

func (s *Server) serve(srv *dns.Server, transport, addr string) {
	s.serveWG.Add(1)
	go func() {
		defer s.serveWG.Done()
		s.logger.Info("listener started", "transport", transport, "addr", addr)
		if err := srv.ActivateAndServe(); err != nil {
			s.logger.Error("listener stopped", "transport", transport, "error", err)
		}
	}()
}

// Shutdown drains in-flight queries within the context deadline and
// closes the sockets.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked(ctx)
}

func (s *Server) closeLocked(ctx context.Context) error {
	var errs []error
	for _, srv := range []*dns.Server{s.udp, s.tcp} {
		if srv == nil {
			continue
		}
		if err := srv.ShutdownContext(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.udp, s.tcp = nil, nil
	s.serveWG.Wait()
	return errors.Join(errs...)
}

// ServeDNS handles one query. A panicking pipeline is contained to the
// request: the client still gets SERVFAIL.
func (s *Server) ServeDNS(w dns.ResponseWriter, req *dns.Msg) {
	transport := TransportUDP
	if w.RemoteAddr() != nil && w.RemoteAddr().Network() == "tcp" {
		transport = TransportTCP
	}
	clientAddr := ""
	if w.RemoteAddr() != nil {
		clientAddr = w.RemoteAddr().String()
	}

	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("panic in query handler", "panic", rec, "client", clientAddr)
			s.resolver.pipeline.Enqueue(store.LogEntry{
				Type:       store.EntryServerEvent,
				Level:      "error",
				Kind:       store.EventCrashed,
				Transport:  transport,
				ClientAddr: clientAddr,
				Message:    fmt.Sprintf("query handler panic: %v", rec),
			})
			if req != nil {
				resp := new(dns.Msg)
				resp.SetRcode(req, dns.RcodeServerFailure)
				_ = w.WriteMsg(resp)
			}
		}
	}()

	resp := s.resolver.Resolve(context.Background(), req, transport, clientAddr)
	if err := w.WriteMsg(resp); err != nil {
		s.logger.Debug("write response failed", "client", clientAddr, "error", err)
	}
}
