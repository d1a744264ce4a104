package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.GetCounter().GetValue()
}

func TestErrToLabel(t *testing.T) {
	assert.Equal(t, "nil", errToLabel(nil))
	assert.Equal(t, "worker_process_exited_unexpectedly", errToLabel(errors.New("worker process exited unexpectedly!")))
	assert.Equal(t, "exit_status_", errToLabel(errors.New("exit status 2")))
}

func TestRecordResult(t *testing.T) {
	c := resultsTotal.WithLabelValues("timedOut")
	before := counterValue(t, c)

	RecordResult("timedOut")
	RecordResult("timedOut")

	assert.Equal(t, before+2, counterValue(t, c))
}

func TestRecordRetryAndSpawn(t *testing.T) {
	retries := counterValue(t, retriesTotal)
	spawned := counterValue(t, workersSpawned)

	RecordRetry()
	RecordWorkerSpawned()

	assert.Equal(t, retries+1, counterValue(t, retriesTotal))
	assert.Equal(t, spawned+1, counterValue(t, workersSpawned))
}

func TestRecordErrorIgnoresNil(t *testing.T) {
	c := errorsTotal.WithLabelValues("fatal.nil")
	before := counterValue(t, c)

	RecordError("fatal", nil)

	assert.Equal(t, before, counterValue(t, c))
}
