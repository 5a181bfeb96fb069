package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCountersAreRegistered(t *testing.T) {
	before := testutil.ToFloat64(Utterances.WithLabelValues(OutcomeDone))
	Utterances.WithLabelValues(OutcomeDone).Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(Utterances.WithLabelValues(OutcomeDone)))

	ConnectedClients.Set(2)
	assert.Equal(t, 2.0, testutil.ToFloat64(ConnectedClients))
	ConnectedClients.Set(0)
}

func TestHistogramsCollect(t *testing.T) {
	InferenceLatency.Observe(0.4)
	SpeechDuration.Observe(1.5)
	assert.Equal(t, 1, testutil.CollectAndCount(InferenceLatency))
	assert.Equal(t, 1, testutil.CollectAndCount(SpeechDuration))
}
