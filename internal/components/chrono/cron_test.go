package chrono

import (
	"lmsfetch/internal/components/telemetry"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestValidateSpec(t *testing.T) {
	require.NoError(t, ValidateSpec("@every 6h"))
	require.NoError(t, ValidateSpec("0 */2 * * *"))
	require.Error(t, ValidateSpec("every now and then"))
}

func TestStandardCronSkipsOverlappingRuns(t *testing.T) {
	cronner := NewStandardCron(telemetry.Discard(), time.UTC)
	defer cronner.Stop()

	var started atomic.Int32
	release := make(chan struct{})
	err := cronner.Cron("@every 1s", func() {
		started.Add(1)
		<-release
	})
	if err != nil {
		t.Fatal(err)
	}

	// the first run blocks for longer than several ticks.
	time.Sleep(3500 * time.Millisecond)
	require.Equal(t, int32(1), started.Load())
	close(release)
}

func TestStandardImpl(t *testing.T) {
	clock, err := NewStandardImpl("UTC")
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, time.UTC, clock.Location())
	require.Equal(t, time.UTC, clock.Now().Location())

	_, err = NewStandardImpl("Not/AZone")
	require.Error(t, err)
}
