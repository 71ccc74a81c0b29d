package server

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"time"
)

type rateLimitContextKey struct{}

// RateLimitInfo is the limiter state reported to callers.
type RateLimitInfo struct {
	Limit     int
	Remaining int
	Reset     time.Duration
}

type rateLimitSlot struct {
	info *RateLimitInfo
}

// SetRateLimits records info for RateLimitHeadersMiddleware. It is a no-op
// when the middleware is not installed.
func SetRateLimits(ctx context.Context, info *RateLimitInfo) {
	if slot, ok := ctx.Value(rateLimitContextKey{}).(*rateLimitSlot); ok {
		slot.info = info
	}
}

// GetRateLimits returns the info recorded for this request, if any.
func GetRateLimits(ctx context.Context) *RateLimitInfo {
	if slot, ok := ctx.Value(rateLimitContextKey{}).(*rateLimitSlot); ok {
		return slot.info
	}
	return nil
}

// RateLimitHeadersMiddleware writes X-RateLimit-Limit, X-RateLimit-Remaining
// and X-RateLimit-Reset when the handler recorded limiter state.
func RateLimitHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slot := &rateLimitSlot{}
		ctx := context.WithValue(r.Context(), rateLimitContextKey{}, slot)
		next.ServeHTTP(&rateLimitResponseWriter{ResponseWriter: w, slot: slot}, r.WithContext(ctx))
	})
}

type rateLimitResponseWriter struct {
	http.ResponseWriter
	slot         *rateLimitSlot
	wroteHeaders bool
}

func (rw *rateLimitResponseWriter) WriteHeader(code int) {
	rw.writeHeaders()
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *rateLimitResponseWriter) Write(b []byte) (int, error) {
	rw.writeHeaders()
	return rw.ResponseWriter.Write(b)
}

func (rw *rateLimitResponseWriter) writeHeaders() {
	if rw.wroteHeaders {
		return
	}
	rw.wroteHeaders = true
	rl := rw.slot.info
	if rl == nil {
		return
	}
	h := rw.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(rl.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(rl.Remaining))
	h.Set("X-RateLimit-Reset", strconv.Itoa(int(math.Ceil(rl.Reset.Seconds()))))
}

func (rw *rateLimitResponseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
