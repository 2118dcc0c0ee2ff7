package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mes-sync-service/service/meta"
)

func TestReportFinalizeExactlyOnce(t *testing.T) {
	rpt := &ReconciliationReport{Status: meta.ReportStatusPending}
	require.NoError(t, rpt.Finalize(meta.ReportStatusCompleted))
	assert.True(t, rpt.IsFinalized())
	assert.NotNil(t, rpt.CompletedAt)

	err := rpt.Finalize(meta.ReportStatusFailed)
	require.Error(t, err)
	assert.Equal(t, meta.ReportStatusCompleted, rpt.Status)
}
