package telemetry

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScopedAPI(t *testing.T) {
	buff := bytes.NewBuffer(nil)
	tel := NewScopedAPI("crawler", NewSlogAPI(buff, "debug", false))

	tel.ReportBroken("discover", errors.New("boom"), "CS101")
	tel.ReportDebug("found links", 3)

	out := buff.String()
	require.Contains(t, out, `id="crawler: discover"`)
	require.Contains(t, out, "params.0=boom")
	require.Contains(t, out, "params.1=CS101")
	require.Contains(t, out, `msg="crawler: found links"`)
}

func TestSlogLevel(t *testing.T) {
	buff := bytes.NewBuffer(nil)
	tel := NewSlogAPI(buff, "warn", false)

	tel.ReportDebug("hidden")
	tel.ReportInfo("hidden too")
	require.Empty(t, buff.String())

	tel.ReportWarning("visible")
	require.Contains(t, buff.String(), "visible")

	require.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	require.Equal(t, slog.LevelInfo, ParseLevel("nonsense"))
}

func TestSetupTracingDisabled(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), "test", OtlpConfig{})
	if err != nil {
		t.Fatal(err)
	}
	require.NoError(t, shutdown(context.Background()))
}
