package dispatch

import (
	"encoding/base64"
	"io"
	"net"
	"net/http"

	"github.com/miekg/dns"
)

// handleDoH implements the DNS-over-HTTP transport: POST
// application/dns-message, and GET with a base64url "dns" query
// parameter, both handing the same wire bytes to the resolver as the UDP
// path. Grounded on
// other_examples/07afde82_poyrazK-cloudDNS__internal-dns-server-server.go's
// handleDoH.
func (s *Server) handleDoH(w http.ResponseWriter, r *http.Request) {
	var reqBytes []byte
	var err error

	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query().Get("dns")
		if q == "" {
			http.Error(w, "missing dns parameter", http.StatusBadRequest)
			return
		}
		reqBytes, err = base64.RawURLEncoding.DecodeString(q)
		if err != nil {
			http.Error(w, "invalid base64", http.StatusBadRequest)
			return
		}

	case http.MethodPost:
		if r.Header.Get("Content-Type") != "application/dns-message" {
			http.Error(w, "unsupported content-type", http.StatusUnsupportedMediaType)
			return
		}
		reqBytes, err = io.ReadAll(io.LimitReader(r.Body, int64(dns.MaxMsgSize)))
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	req := new(dns.Msg)
	if err := req.Unpack(reqBytes); err != nil {
		http.Error(w, "malformed dns message", http.StatusBadRequest)
		return
	}

	ip := clientIPFromRequest(r)

	resp := s.Answer(r.Context(), req, ip)
	if resp == nil {
		// ANY-suppression/rate-limiting still means "no answer" over DoH;
		// there is no silent-drop equivalent for an HTTP response, so
		// report it as an empty, unsuccessful exchange.
		http.Error(w, "no response", http.StatusServiceUnavailable)
		return
	}

	out, err := resp.Pack()
	if err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/dns-message")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

func clientIPFromRequest(r *http.Request) net.IP {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip
	}
	return net.IPv4zero
}
