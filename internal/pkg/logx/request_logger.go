package logx

import (
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

const healthPath = "/health"

var (
	ipv4Mask = net.CIDRMask(24, 32)
	ipv6Mask = net.CIDRMask(64, 128)
)

// anonymizeIP keeps the /24 of an IPv4 address and the /64 of an IPv6 address.
// The port, if any, is dropped.
func anonymizeIP(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		remoteAddr = host
	}

	ip := net.ParseIP(remoteAddr)
	switch {
	case ip == nil:
		return "unknown_ip"
	case ip.IsLoopback():
		return "127.0.0.1"
	case ip.To4() != nil:
		return ip.To4().Mask(ipv4Mask).String()
	default:
		return ip.Mask(ipv6Mask).String()
	}
}

// levelFor picks the level of the completion line. Health probes hit the server every few
// seconds and are only visible at debug.
func levelFor(status int, path string) zerolog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return zerolog.ErrorLevel
	case status >= http.StatusBadRequest:
		return zerolog.WarnLevel
	case path == healthPath:
		return zerolog.DebugLevel
	default:
		return zerolog.InfoLevel
	}
}

// RequestLogger logs one line per completed HTTP request and stores a request scoped logger in
// the context, retrievable with zerolog.Ctx.
func RequestLogger() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger := Logger().With().
				Str("component", "http").
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("remote_ip", anonymizeIP(r.RemoteAddr)).
				Str("request_method", r.Method).
				Str("request_uri", r.RequestURI).
				Logger()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r.WithContext(logger.WithContext(r.Context())))

			logger.WithLevel(levelFor(ww.Status(), r.URL.Path)).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("latency", time.Since(start)).
				Msg("Request completed")
		})
	}
}
