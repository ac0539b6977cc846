package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSource struct{ active, total int }

func (s staticSource) ActiveScanCount() int { return s.active }
func (s staticSource) ScanCount() int       { return s.total }

func TestRegisterRegistryGauges(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, RegisterRegistryGauges(reg, staticSource{active: 2, total: 5}))

	n, err := testutil.GatherAndCount(reg, "scanregistry_scans_active", "scanregistry_scans_tracked")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Registering twice on the same registry fails.
	assert.Error(t, RegisterRegistryGauges(reg, staticSource{}))
}

func TestScansFinishedCounter(t *testing.T) {
	before := testutil.ToFloat64(ScansFinished.WithLabelValues("completed"))
	ScansFinished.WithLabelValues("completed").Inc()
	assert.InDelta(t, before+1, testutil.ToFloat64(ScansFinished.WithLabelValues("completed")), 0.001)
}
