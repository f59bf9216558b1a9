package txlog_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/timour/txbus/internal/txlog"
)

func TestNewReturnsLogger(t *testing.T) {
	log := txlog.New("saga")
	require.NotNil(t, log)
}

func TestWithCorrelationIDBindsField(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))

	tagged := txlog.WithCorrelationID(log, "order-1")
	tagged.Info("transitioned")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "order-1", entry["correlationId"])
}
