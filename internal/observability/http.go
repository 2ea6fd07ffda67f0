package observability

import (
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// ClientMeta identifies the caller of a request in logs and published events.
type ClientMeta struct {
	DeviceID  string
	RequestID string
	IP        string
}

// ClientMetaFromRequest reads caller metadata. Browsers cannot set headers on
// websocket handshakes, so device_id is also accepted as a query parameter.
// A request without X-Request-Id gets a fresh one.
func ClientMetaFromRequest(r *http.Request) ClientMeta {
	meta := ClientMeta{
		DeviceID:  r.Header.Get("X-Device-Id"),
		RequestID: r.Header.Get("X-Request-Id"),
		IP:        IPFromRequest(r),
	}
	if meta.DeviceID == "" {
		meta.DeviceID = r.URL.Query().Get("device_id")
	}
	if meta.RequestID == "" {
		meta.RequestID = uuid.NewString()
	}
	return meta
}

// IPFromRequest prefers the first X-Forwarded-For hop, then X-Real-Ip, then
// the socket peer.
func IPFromRequest(r *http.Request) string {
	if first, _, _ := strings.Cut(r.Header.Get("X-Forwarded-For"), ","); strings.TrimSpace(first) != "" {
		return strings.TrimSpace(first)
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-Ip")); realIP != "" {
		return realIP
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
