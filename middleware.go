package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/quickpaste/quickpaste/internal/util/stringutil"
)

//
// CORSMiddleware
//

type CORSMiddleware struct{}

func (m *CORSMiddleware) Wrapper(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Access-Control-Allow-Methods", "GET, OPTIONS, POST")
		w.Header().Add("Access-Control-Allow-Origin", "*")
		w.Header().Add("Access-Control-Allow-Headers", "Content-Type, X-Request-Id")
		w.Header().Add("Access-Control-Expose-Headers", "Content-Type, X-Request-Id")
		next.ServeHTTP(w, r)
	})
}

//
// CanonicalLogLineMiddleware
//

type CanonicalLogLineMiddleware struct {
	// A channel over which log data is sent as it's generated, if the channel
	// is set. This is intended for testing purposes so that we can verify log
	// data being generated.
	logDataChan chan map[string]any

	logger *logrus.Logger
}

func (m *CanonicalLogLineMiddleware) Wrapper(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctxContainer := ContextContainerFrom(r.Context())
		requestStart := time.Now()

		next.ServeHTTP(w, r)

		duration := PrettyDuration(time.Since(requestStart))

		var routeStr string
		route := mux.CurrentRoute(r)
		if route != nil {
			pathTemplate, _ := route.GetPathTemplate()
			routeStr = pathTemplate
		}

		routeOrPath := routeStr
		if routeOrPath == "" {
			routeOrPath = r.URL.Path
		}

		// Handlers that go through wrapEndpoint set a status on the context
		// container. Others, like the metrics handler, only show theirs to
		// the response writer.
		statusCode := ctxContainer.StatusCode
		if inspectableWriter, ok := w.(*InspectableWriter); ok && statusCode == 0 {
			statusCode = inspectableWriter.StatusCode
		}

		logData := map[string]any{
			"content_type": r.Header.Get("Content-Type"),
			"duration":     duration,
			"http_method":  r.Method,
			"http_path":    r.URL.Path,
			"http_route":   routeStr,
			"ip":           m.getIP(r).String(),
			"query_string": stringutil.SampleLong(r.URL.RawQuery),
			"request_id":   ctxContainer.RequestID,
			"status":       statusCode,
			"user_agent":   r.UserAgent(),
		}

		if m.logDataChan != nil {
			m.logDataChan <- logData
		}

		m.logger.WithFields(logrus.Fields(logData)).
			Infof("canonical_log_line %s %s -> %v (%s)", r.Method, routeOrPath, statusCode, duration)
	})
}

func (m *CanonicalLogLineMiddleware) getIP(r *http.Request) net.IP {
	if forwardedFor := r.Header.Get("X-Forwarded-For"); forwardedFor != "" {
		// `X-Forwarded-For` may contain a number of IP addresses, with the
		// original client in the leftmost position, and each intermediary proxy
		// following. In these cases, just include the original IP so that we
		// can aggregate on it from logging.
		ips := strings.Split(forwardedFor, ",")
		return net.ParseIP(strings.TrimSpace(ips[0]))
	}

	ipStr, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return nil
	}

	return net.ParseIP(ipStr)
}

// PrettyDuration exists for the simple purpose of making a duration more useful
// when it's emitted to a JSON log or as a string.
//
// A duration will normally produce a string like "42.334µs" which is somewhat
// useful for humans, but not friendly for machine ingestion or aggregation.
// This standardizes the way we spit out durations in the log line to give us a
// normal seconds fraction like "0.000042" instead.
type PrettyDuration time.Duration

func (d PrettyDuration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d PrettyDuration) String() string {
	return fmt.Sprintf(`%05fs`, time.Duration(d).Seconds())
}

//
// ContextContainerMiddleware
//

// Internal type so that we can produce a guaranteed unique global context
// value.
type contextContainerContextKey struct{}

// ContextContainer is a type embedded to context that facilitates access to
// various values.
type ContextContainer struct {
	RequestID  string
	StatusCode int
}

// ContextContainerFrom extracts a context container from the given context.
// Returns nil if none was embedded, which only happens for handlers invoked
// outside of the router.
func ContextContainerFrom(ctx context.Context) *ContextContainer {
	ctxContainer, _ := ctx.Value(contextContainerContextKey{}).(*ContextContainer)
	return ctxContainer
}

// ContextContainerMiddleware embeds a context early in the request stack, which
// can be used to set various values along a request's lifecycle that can then
// be introspected by entities including other middleware.
type ContextContainerMiddleware struct{}

func (m *ContextContainerMiddleware) Wrapper(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ctx = context.WithValue(ctx, contextContainerContextKey{}, &ContextContainer{})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

//
// InspectableWriterMiddleware
//

// InspectableWriter wraps a response writer so that the status code written by
// a handler can be examined by middleware further up the stack.
type InspectableWriter struct {
	http.ResponseWriter

	StatusCode int
}

func (w *InspectableWriter) Write(data []byte) (int, error) {
	if w.StatusCode == 0 {
		w.StatusCode = http.StatusOK
	}

	return w.ResponseWriter.Write(data)
}

func (w *InspectableWriter) WriteHeader(statusCode int) {
	if w.StatusCode == 0 {
		w.StatusCode = statusCode
	}

	w.ResponseWriter.WriteHeader(statusCode)
}

type InspectableWriterMiddleware struct{}

func NewInspectableWriterMiddleware() *InspectableWriterMiddleware {
	return &InspectableWriterMiddleware{}
}

func (m *InspectableWriterMiddleware) Wrapper(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(&InspectableWriter{ResponseWriter: w}, r)
	})
}

//
// RequestIDMiddleware
//

const requestIDHeader = "X-Request-Id"

// RequestIDMiddleware assigns every request an ID that's returned in the
// `X-Request-Id` header and included in the canonical log line. An ID sent by
// the client is reused as long as it's a well-formed UUID.
type RequestIDMiddleware struct{}

func (m *RequestIDMiddleware) Wrapper(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(requestIDHeader)
		if _, err := uuid.Parse(requestID); err != nil {
			requestID = uuid.New().String()
		}

		if ctxContainer := ContextContainerFrom(r.Context()); ctxContainer != nil {
			ctxContainer.RequestID = requestID
		}

		w.Header().Set(requestIDHeader, requestID)
		next.ServeHTTP(w, r)
	})
}

//
// TimeoutMiddleware
//

// TimeoutMiddleware puts a deadline on the context of every request. If the
// handler returns without having written anything after its context was
// cancelled or timed out, a 504 is sent back explaining what happened.
type TimeoutMiddleware struct {
	timeout time.Duration
}

func NewTimeoutMiddleware(timeout time.Duration) *TimeoutMiddleware {
	return &TimeoutMiddleware{timeout: timeout}
}

func (m *TimeoutMiddleware) Wrapper(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), m.timeout)
		defer cancel()

		requestStart := time.Now()
		trackingWriter := &headerTrackingWriter{ResponseWriter: w}

		next.ServeHTTP(trackingWriter, r.WithContext(ctx))

		if ctx.Err() == nil || trackingWriter.wroteHeader {
			return
		}

		verb := "timed out"
		if errors.Is(ctx.Err(), context.Canceled) {
			verb = "was canceled"
		}

		w.WriteHeader(http.StatusGatewayTimeout)
		_, _ = w.Write([]byte(fmt.Sprintf("The request %s after %s (maximum request time is %s).",
			verb, PrettyDuration(time.Since(requestStart)), PrettyDuration(m.timeout))))
	})
}

type headerTrackingWriter struct {
	http.ResponseWriter
	wroteHeader bool
}

func (w *headerTrackingWriter) Write(data []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(data)
}

func (w *headerTrackingWriter) WriteHeader(statusCode int) {
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(statusCode)
}
