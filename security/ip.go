package security

import (
	"net"
	"net/http"
	"strings"
)

// GetClientIP extracts the real client IP address from the request.
// Supports X-Forwarded-For and X-Real-IP headers when behind a proxy.
//
// Only enable trustProxy when behind a trusted reverse proxy; otherwise the
// headers are attacker-controlled. trustedProxyCount specifies how many
// proxies to trust from the right of X-Forwarded-For.
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := extractIPFromXFF(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if ip := extractIPFromXRealIP(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	return extractIPFromRemoteAddr(r.RemoteAddr)
}

// extractIPFromXFF parses X-Forwarded-For, whose format is
// "client-ip, proxy-n, ..., proxy-1" with our trusted proxies rightmost.
func extractIPFromXFF(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}

	ips := strings.Split(xff, ",")
	if len(ips) == 0 {
		return ""
	}

	clientIP := strings.TrimSpace(ips[clientIPIndex(len(ips), trustedProxyCount)])
	if net.ParseIP(clientIP) != nil {
		return clientIP
	}
	return ""
}

// clientIPIndex determines the index of the client IP in the forwarded list.
// trustedProxyCount of zero is treated as one trusted proxy; if the list is
// shorter than expected, the leftmost entry is used.
func clientIPIndex(numIPs, trustedProxyCount int) int {
	proxyCount := trustedProxyCount
	if proxyCount == 0 {
		proxyCount = 1
	}

	idx := numIPs - proxyCount - 1
	if idx < 0 {
		return 0
	}
	return idx
}

func extractIPFromXRealIP(xri string) string {
	if xri == "" {
		return ""
	}
	if net.ParseIP(xri) != nil {
		return xri
	}
	return ""
}

// extractIPFromRemoteAddr extracts the IP of the direct connection.
func extractIPFromRemoteAddr(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
