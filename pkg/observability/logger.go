package observability

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/odometer/pkg/contextkeys"
)

// loggerKey is the context key for a request-scoped logger
type loggerKey struct{}

// NewLogger creates a JSON logger at the given level. Unknown levels fall
// back to info.
func NewLogger(level string, output io.Writer) *logrus.Logger {
	if output == nil {
		output = os.Stdout
	}

	lvl, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		lvl = logrus.InfoLevel
	}

	logger := logrus.New()
	logger.SetOutput(output)
	logger.SetLevel(lvl)
	logger.SetFormatter(&logrus.JSONFormatter{
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyMsg: "message",
		},
	})
	return logger
}

// WithLogger adds a logger entry to the context
func WithLogger(ctx context.Context, entry *logrus.Entry) context.Context {
	return context.WithValue(ctx, loggerKey{}, entry)
}

// FromContext returns the request-scoped logger entry, enriched with the
// request id and trace context. fallback is used when the context carries
// none.
func FromContext(ctx context.Context, fallback *logrus.Logger) *logrus.Entry {
	entry, ok := ctx.Value(loggerKey{}).(*logrus.Entry)
	if !ok {
		if fallback == nil {
			fallback = logrus.StandardLogger()
		}
		entry = logrus.NewEntry(fallback)
	}

	if requestID := contextkeys.GetRequestID(ctx); requestID != "" {
		entry = entry.WithField("request_id", requestID)
	}

	return WithTraceContext(ctx, entry)
}
