package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCountersIncrease(t *testing.T) {
	before := testutil.ToFloat64(stageTransitionsMetric.With(prometheus.Labels{reasonLabel: "manual_promote"}))
	IncreaseStageTransitions("manual_promote")
	assert.Equal(t, before+1, testutil.ToFloat64(stageTransitionsMetric.With(prometheus.Labels{reasonLabel: "manual_promote"})))

	before = testutil.ToFloat64(reconciledOrdersMetric.With(prometheus.Labels{classificationLabel: "matched"}))
	IncreaseReconciledOrders("matched", 3)
	IncreaseReconciledOrders("matched", 0)
	assert.Equal(t, before+3, testutil.ToFloat64(reconciledOrdersMetric.With(prometheus.Labels{classificationLabel: "matched"})))

	before = testutil.ToFloat64(approvalDecisionsMetric.With(prometheus.Labels{roleLabel: "ceo", decisionLabel: "rejected"}))
	IncreaseApprovalDecisions("ceo", false)
	assert.Equal(t, before+1, testutil.ToFloat64(approvalDecisionsMetric.With(prometheus.Labels{roleLabel: "ceo", decisionLabel: "rejected"})))
}
