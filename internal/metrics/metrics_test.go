package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestInitIsIdempotent(t *testing.T) {
	Init()
	first := robotsFallbackTotal
	Init()
	require.Same(t, first, robotsFallbackTotal)
}

func TestObservers(t *testing.T) {
	Init()
	before := testutil.ToFloat64(robotsFallbackTotal)
	ObserveRobotsFallback()
	require.InDelta(t, before+1, testutil.ToFloat64(robotsFallbackTotal), 0)

	IncActiveWorkers()
	IncActiveWorkers()
	DecActiveWorkers()
	require.InDelta(t, 1, testutil.ToFloat64(activeWorkers), 0)
	DecActiveWorkers()

	ObservePolitenessDelay("example.com", 250*time.Millisecond)
	require.Equal(t, 1, testutil.CollectAndCount(politenessDelaySeconds))
}
