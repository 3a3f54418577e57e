package ratelimit

import (
	"net"
	"net/http"
	"strings"
)

// ClientAddress devolve o melhor palpite do endereço do cliente:
// primeiro IP do X-Forwarded-For, X-Real-IP, host do RemoteAddr ou "unknown".
func ClientAddress(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		// pega o primeiro IP do X-Forwarded-For (cliente original)
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}

	// fallback: RemoteAddr
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}

// DefaultKeyFunc monta a chave padrão: identidade do cliente + path.
//
// A identidade é o valor de keyHeader quando presente, senão ClientAddress.
func DefaultKeyFunc(keyHeader string, trustForwarded bool) KeyFunc {
	return func(r *http.Request) (string, error) {
		id := ""
		if keyHeader != "" {
			id = strings.TrimSpace(r.Header.Get(keyHeader))
		}
		if id == "" {
			id = ClientAddress(r, trustForwarded)
		}
		return id + r.URL.Path, nil
	}
}
