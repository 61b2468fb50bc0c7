package runtime

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/waflow/internal/runtime/deadletter"
	"github.com/drblury/waflow/internal/runtime/pipeline"
)

func TestMetricsRecordAndSnapshot(t *testing.T) {
	size := 3
	m, err := NewMetrics(prometheus.NewRegistry(), func() int { return size })
	require.NoError(t, err)

	m.recordPublished(pipeline.KindImage)
	m.recordPublished(pipeline.KindImage)
	m.recordDuplicate()
	m.recordOutbound(outcomeSent)
	m.recordError("start")
	m.recordDeadLetter(deadletter.ReasonSendFailed)

	snap := m.Snapshot()
	assert.Equal(t, uint64(2), snap.InboundPublished["image"])
	assert.Equal(t, uint64(1), snap.Duplicates)
	assert.Equal(t, uint64(1), snap.Outbound["sent"])
	assert.Equal(t, uint64(1), snap.Errors["start"])
	assert.Equal(t, uint64(1), snap.DeadLetters["send_failed"])
	assert.Equal(t, 3, snap.DedupEntries)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.publishedTotal.WithLabelValues("image")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.duplicatesTotal))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.dedupEntries))

	snap.Errors["start"] = 99
	assert.Equal(t, uint64(1), m.Snapshot().Errors["start"], "snapshot must be a copy")
}

func TestMetricsShareCollectorsOnOneRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewMetrics(reg, nil)
	require.NoError(t, err)
	second, err := NewMetrics(reg, nil)
	require.NoError(t, err)

	first.recordError("stop.chat")
	second.recordError("stop.chat")

	assert.Equal(t, float64(2), testutil.ToFloat64(second.errorsTotal.WithLabelValues("stop.chat")))
	assert.Equal(t, uint64(1), second.Snapshot().Errors["stop.chat"])
}
