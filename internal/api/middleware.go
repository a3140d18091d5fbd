package api

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/domain"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/metrics"
)

// Headers read and written by the middleware
const (
	requestIDKey     = "X-Request-ID"
	correlationIDKey = "X-Correlation-ID"
	causationIDKey   = "X-Causation-ID"
	actorKey         = "X-Actor"
	traceparentKey   = "traceparent"
)

// RequestIDMiddleware adds a request ID to the context
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(requestIDKey)
		if requestID == "" {
			requestID = uuid.New().String()
		}

		c.Set(requestIDKey, requestID)
		c.Header(requestIDKey, requestID)

		c.Next()
	}
}

// CorrelationMiddleware puts the correlation context of the request on the
// request context. A caller continuing an operation passes its correlation id
// (and optionally a W3C traceparent); everyone else starts a new one.
func CorrelationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := c.GetHeader(actorKey)
		if actor == "" {
			actor = "anonymous"
		}
		md := domain.NewMetadata(actor, "api")
		if id := c.GetHeader(correlationIDKey); id != "" {
			md.CorrelationID = id
		}
		if traceID, parentSpan, ok := parseTraceparent(c.GetHeader(traceparentKey)); ok {
			md.TraceID = traceID
			md.ParentSpanID = parentSpan
		}
		md.CausationID = c.GetHeader(causationIDKey)

		c.Request = c.Request.WithContext(domain.ContextWithMetadata(c.Request.Context(), md))
		c.Header(correlationIDKey, md.CorrelationID)
		c.Next()
	}
}

// parseTraceparent reads "00-<32 hex trace id>-<16 hex span id>-<flags>"
func parseTraceparent(header string) (string, string, bool) {
	parts := strings.Split(header, "-")
	if len(parts) != 4 || len(parts[1]) != 32 || len(parts[2]) != 16 {
		return "", "", false
	}
	return parts[1], parts[2], true
}

// CORSMiddleware handles CORS for the configured origins
func CORSMiddleware(origins []string) gin.HandlerFunc {
	allowed := strings.Join(origins, ", ")
	if allowed == "" {
		allowed = "*"
	}
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", allowed)
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization, X-Request-ID, X-Correlation-ID, X-Causation-ID, X-Actor, traceparent")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "X-Request-ID, X-Correlation-ID")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// LoggingMiddleware logs API requests
func LoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start)
		requestID := c.GetString(requestIDKey)
		status := c.Writer.Status()

		event := log.Info()
		if status >= 500 {
			event = log.Error()
		} else if status >= 400 {
			event = log.Warn()
		}
		if md, ok := domain.MetadataFromContext(c.Request.Context()); ok {
			event = event.Str("correlation_id", md.CorrelationID)
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("duration", duration).
			Str("request_id", requestID).
			Msg("API request")
	}
}

// MetricsMiddleware records request counts and latencies per route
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.Get().RecordHTTPRequest(c.Request.Method+" "+route, c.Writer.Status(), time.Since(start))
	}
}
