package api

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"dnsgate/pkg/dnsmsg"
	"dnsgate/pkg/engine"

	"github.com/miekg/dns"
)

const dohContentType = "application/dns-message"

// routeRoot multiplexes the bare path: DoH when the request carries a
// dns query parameter or a dns-message media type, the dashboard
// placeholder otherwise.
func (s *Server) routeRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Has("dns") ||
		strings.Contains(r.Header.Get("Content-Type"), dohContentType) ||
		strings.Contains(r.Header.Get("Accept"), dohContentType) {
		s.handleDoH(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, "<html><body><h1>dnsgate</h1><p>state: %s</p></body></html>", s.manager.State())
}

// handleDoH serves RFC 8484: GET with ?dns= (unpadded base64url) and
// POST with an application/dns-message body.
func (s *Server) handleDoH(w http.ResponseWriter, r *http.Request) {
	var (
		raw []byte
		err error
	)

	switch r.Method {
	case http.MethodGet:
		raw, err = decodeDoHParam(r.URL.Query().Get("dns"))
	case http.MethodPost:
		raw, err = readDoHBody(r)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	req := new(dns.Msg)
	if err := req.Unpack(raw); err != nil {
		http.Error(w, "malformed DNS message", http.StatusBadRequest)
		return
	}

	clientAddr := r.RemoteAddr
	resp := s.manager.Resolver().Resolve(r.Context(), req, engine.TransportDoH, clientAddr)

	packed, err := resp.Pack()
	if err != nil {
		s.logger.Error("packing doh response", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", dohContentType)
	w.Header().Set("Cache-Control", "max-age="+strconv.FormatUint(uint64(dnsmsg.MinTTL(resp)), 10))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(packed)
}

func decodeDoHParam(param string) ([]byte, error) {
	if param == "" {
		return nil, errors.New("missing dns query parameter")
	}
	raw, err := base64.RawURLEncoding.DecodeString(param)
	if err != nil {
		// Some clients send padded input.
		raw, err = base64.URLEncoding.DecodeString(param)
	}
	if err != nil {
		return nil, errors.New("invalid base64url in dns parameter")
	}
	return raw, nil
}

func readDoHBody(r *http.Request) ([]byte, error) {
	if !strings.Contains(r.Header.Get("Content-Type"), dohContentType) {
		return nil, errors.New("Content-Type must be " + dohContentType)
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, dns.MaxMsgSize))
	if err != nil {
		return nil, errors.New("reading request body failed")
	}
	if len(raw) == 0 {
		return nil, errors.New("empty request body")
	}
	return raw, nil
}
