package scan

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openctemio/scanregistry/internal/metrics"
	"github.com/openctemio/scanregistry/pkg/domain/scan"
	"github.com/openctemio/scanregistry/pkg/logger"
)

func TestParseSchedule(t *testing.T) {
	_, err := ParseSchedule("*/15 * * * *")
	assert.NoError(t, err)

	_, err = ParseSchedule("every hour")
	assert.Error(t, err)

	// Seconds are not accepted.
	_, err = ParseSchedule("0 0 * * * *")
	assert.Error(t, err)
}

func TestNewSweeper_InvalidSchedule(t *testing.T) {
	svc := newTestService(t, newTestRegistry(t))
	_, err := NewSweeper(svc, SweeperConfig{Schedule: "bogus", Enabled: true}, logger.NewNop())
	require.Error(t, err)
}

func TestSweeper_Sweep(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(t, WithClock(clock.Now))
	svc := newTestService(t, r, WithServiceClock(clock.Now))

	src, out := scanDirs(t)
	id := register(t, r, src, out)
	r.UpdateScanStatus(id, scan.StatusFailed, "x")
	clock.Advance(3 * time.Hour)

	sw, err := NewSweeper(svc, SweeperConfig{MaxAgeHours: 2, RemoveOutput: true, Enabled: true}, logger.NewNop())
	require.NoError(t, err)

	before := testutil.ToFloat64(metrics.SweeperRuns.WithLabelValues("success"))

	res, err := sw.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.CleanedUpCount)
	assert.True(t, res.RemoveOutput)
	assert.NoDirExists(t, out)
	assert.Equal(t, 0, r.ScanCount())

	assert.InDelta(t, before+1, testutil.ToFloat64(metrics.SweeperRuns.WithLabelValues("success")), 0.001)
}

func TestSweeper_StartStop(t *testing.T) {
	svc := newTestService(t, newTestRegistry(t))

	sw, err := NewSweeper(svc, DefaultSweeperConfig(), logger.NewNop())
	require.NoError(t, err)
	sw.Start()
	sw.Stop()

	disabled, err := NewSweeper(svc, SweeperConfig{}, logger.NewNop())
	require.NoError(t, err)
	disabled.Start()
	disabled.Stop()
}
