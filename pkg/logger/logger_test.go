package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetLogger_FallsBackToGlobal(t *testing.T) {
	entry := G(context.Background())
	require.NotNil(t, entry)
	assert.Equal(t, L.Logger, entry.Logger)
}

func TestWithLogger_RoundTrip(t *testing.T) {
	entry := logrus.NewEntry(logrus.New()).WithField("thread_id", int64(42))
	ctx := WithLogger(context.Background(), entry)

	got := G(ctx)
	assert.Equal(t, int64(42), got.Data["thread_id"])
}

func TestWithLogger_FieldsAccumulate(t *testing.T) {
	ctx := WithLogger(context.Background(),
		logrus.NewEntry(logrus.New()).WithField("chat_id", int64(10)))
	ctx = WithLogger(ctx, G(ctx).WithField("user_id", int64(100)))

	got := G(ctx)
	assert.Equal(t, int64(10), got.Data["chat_id"])
	assert.Equal(t, int64(100), got.Data["user_id"])
}

func TestJSONFormat_FieldNames(t *testing.T) {
	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	setLoggerFormat(l, "json")

	ctx := WithLogger(context.Background(), logrus.NewEntry(l))
	G(ctx).Info("turn started")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "turn started", line["message"])
	assert.Equal(t, "info", line["logLevel"])

	ts, ok := line["timestamp"].(string)
	require.True(t, ok)
	_, err := time.Parse(time.RFC3339Nano, ts)
	assert.NoError(t, err)
}

func TestSetLogLevel(t *testing.T) {
	prev := L.Logger.GetLevel()
	defer L.Logger.SetLevel(prev)

	require.NoError(t, SetLogLevel("debug"))
	assert.Equal(t, logrus.DebugLevel, L.Logger.GetLevel())

	assert.Error(t, SetLogLevel("shouting"))
}

func TestSetLogFormat_UnknownFallsBackToText(t *testing.T) {
	l := logrus.New()
	setLoggerFormat(l, "carrier-pigeon")
	assert.IsType(t, &logrus.TextFormatter{}, l.Formatter)

	setLoggerFormat(l, "json")
	assert.IsType(t, &logrus.JSONFormatter{}, l.Formatter)
}
