package logging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
)

type contextKey string

const (
	loggerKey  contextKey = "logger"
	traceIDKey contextKey = "trace_id"
)

// GenerateTraceID generates a new trace ID
func GenerateTraceID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// FromContext retrieves the logger from context
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey).(*Logger); ok {
		return l
	}
	return Default()
}

// NewContext creates a new context with the logger
func NewContext(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// WithTraceContext adds a trace ID to the context and returns a logger with it
func WithTraceContext(ctx context.Context) (context.Context, *Logger) {
	traceID := GenerateTraceID()
	l := Default().WithTraceID(traceID)
	newCtx := context.WithValue(ctx, traceIDKey, traceID)
	newCtx = context.WithValue(newCtx, loggerKey, l)
	return newCtx, l
}

// VenueContext creates a logger context for a venue client, tagging every
// line with the symbol and, once a book exists, the sequence cursor.
func VenueContext(venue, symbol string) *Logger {
	return Default().WithFields(map[string]interface{}{
		"venue":  venue,
		"symbol": symbol,
	}).WithComponent(venue)
}

// SequenceContext adds the venue-specific sequence cursor to an existing
// venue logger, for the log lines around a gap-fill or reset.
func SequenceContext(l *Logger, lastSeq int64) *Logger {
	return l.WithField("last_seq", lastSeq)
}

// OpportunityContext creates a logger context for one detected
// arbitrage opportunity.
func OpportunityContext(buyVenue, sellVenue string, profit float64) *Logger {
	return Default().WithFields(map[string]interface{}{
		"buy_venue":  buyVenue,
		"sell_venue": sellVenue,
		"profit":     profit,
	}).WithComponent("opportunity")
}

// StatusPublishContext creates a logger context for a status-publisher
// write attempt (Redis or file fallback).
func StatusPublishContext(sink, symbol string) *Logger {
	return Default().WithFields(map[string]interface{}{
		"sink":   sink,
		"symbol": symbol,
	}).WithComponent("status")
}
