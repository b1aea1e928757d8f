package logging_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-fabricmon/logging"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    logging.Level
		wantErr bool
	}{
		{in: "trace", want: logging.LevelTrace},
		{in: "DEBUG", want: logging.LevelDebug},
		{in: " info ", want: logging.LevelInfo},
		{in: "warning", want: logging.LevelWarn},
		{in: "err", want: logging.LevelError},
		{in: "verbose", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := logging.ParseLevel(tc.in)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseSpec(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		base    logging.Level
		comps   map[string]logging.Level
		wantErr string
	}{
		{name: "empty", in: "", base: logging.LevelInfo, comps: map[string]logging.Level{}},
		{name: "base only", in: "warn", base: logging.LevelWarn, comps: map[string]logging.Level{}},
		{
			name:  "overrides",
			in:    "info, monitor=debug ,rawsock=trace",
			base:  logging.LevelInfo,
			comps: map[string]logging.Level{"monitor": logging.LevelDebug, "rawsock": logging.LevelTrace},
		},
		{
			name:  "override without base",
			in:    "store=error",
			base:  logging.LevelInfo,
			comps: map[string]logging.Level{"store": logging.LevelError},
		},
		{name: "base not first", in: "monitor=debug,info", wantErr: "must be first"},
		{name: "empty component", in: "info,=debug", wantErr: "empty component"},
		{name: "bad component level", in: "info,monitor=loud", wantErr: `component "monitor"`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			spec, err := logging.ParseSpec(tc.in)
			if tc.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.base, spec.BaseLevel)
			assert.Equal(t, tc.comps, spec.Components)
		})
	}
}

func TestSpecStringRoundTrips(t *testing.T) {
	spec, err := logging.ParseSpec("warn,tracker=trace,monitor=debug")
	require.NoError(t, err)
	assert.Equal(t, "warn,monitor=debug,tracker=trace", spec.String())

	again, err := logging.ParseSpec(spec.String())
	require.NoError(t, err)
	assert.Equal(t, spec, again)
	assert.Equal(t, logging.LevelDebug, again.LevelFor("monitor"))
	assert.Equal(t, logging.LevelWarn, again.LevelFor("server"))
}

func TestFilteringHandlerComponents(t *testing.T) {
	spec := &logging.Spec{
		BaseLevel:  logging.LevelWarn,
		Components: map[string]logging.Level{"monitor": logging.LevelDebug},
	}
	var buf bytes.Buffer
	inner := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: logging.LevelTrace.ToSlog()})
	logger := slog.New(logging.NewFilteringHandler(inner, spec))

	logger.Info("base info")
	assert.Empty(t, buf.String())

	mon := logger.With("component", "monitor")
	mon.Debug("probe cycle", "sent", 160)
	assert.Contains(t, buf.String(), "probe cycle")
	assert.Contains(t, buf.String(), "component=monitor")

	buf.Reset()
	mon.Log(context.Background(), logging.LevelTrace.ToSlog(), "per frame")
	assert.Empty(t, buf.String())

	// Groups keep the component of the parent logger.
	mon.WithGroup("frame").Debug("grouped", "seq", 1)
	assert.Contains(t, buf.String(), "frame.seq=1")

	buf.Reset()
	logger.With("component", "store").Info("ignored")
	assert.Empty(t, buf.String())
}

func TestFilteringHandlerAddsOpID(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{Format: logging.FormatJSON, Output: &buf})
	require.NoError(t, err)

	ctx := logging.WithOpID(context.Background(), "op-42")
	logger.InfoContext(ctx, "start")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "op-42", rec["op_id"])
	assert.Equal(t, "start", rec["msg"])

	id, ok := logging.OpID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "op-42", id)
	_, ok = logging.OpID(context.Background())
	assert.False(t, ok)
}

func TestNewPrecedence(t *testing.T) {
	tests := []struct {
		name string
		opts logging.Options
		want bool // whether debug is enabled
	}{
		{name: "defaults", opts: logging.Options{}, want: false},
		{name: "config", opts: logging.Options{ConfigSpec: "debug"}, want: true},
		{name: "env over config", opts: logging.Options{EnvSpec: "error", ConfigSpec: "debug"}, want: false},
		{name: "cli over env", opts: logging.Options{CLISpec: "debug", EnvSpec: "error"}, want: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			tc.opts.Output = &buf
			logger, err := logging.New(tc.opts)
			require.NoError(t, err)
			assert.Equal(t, tc.want, logger.Enabled(context.Background(), slog.LevelDebug))
		})
	}
}

func TestNewRejectsInvalidSpec(t *testing.T) {
	_, err := logging.New(logging.Options{CLISpec: "loud"})
	assert.ErrorContains(t, err, "invalid log spec")
}

func TestNewPrintsTraceLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{CLISpec: "trace", Output: &buf})
	require.NoError(t, err)

	logger.Log(context.Background(), logging.LevelTrace.ToSlog(), "frame")
	assert.Contains(t, buf.String(), "level=TRACE")
}

func TestParseFormat(t *testing.T) {
	f, err := logging.ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, logging.FormatText, f)

	f, err = logging.ParseFormat("JSON")
	require.NoError(t, err)
	assert.Equal(t, logging.FormatJSON, f)

	_, err = logging.ParseFormat("xml")
	assert.Error(t, err)
}

