package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecorders(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordJudgement("Control Bus", "deny", false)
	m.RecordJudgement("Control Bus", "deny", false)
	m.RecordCompletion("complete", true)
	m.RecordRouted("Data Bus", "Data Bus")
	m.RecordFault("Data Bus", "oracle")
	m.RecordOracleCall(0.2, errors.New("timeout"))
	m.SetProcessing(true)
	m.SetMissionActive(false)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Judgements.WithLabelValues("Control Bus", "deny", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Completions.WithLabelValues("complete", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesRouted.WithLabelValues("Data Bus", "Data Bus")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Faults.WithLabelValues("Data Bus", "oracle")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProcessingEnabled))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.MissionActive))
}

func TestSeparateRegistriesDoNotCollide(t *testing.T) {
	assert.NotPanics(t, func() {
		New(prometheus.NewRegistry())
		New(prometheus.NewRegistry())
	})
}
