package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mes-sync-service/service/meta"
)

func TestSyncTransactionFinalize(t *testing.T) {
	txn := &SyncTransaction{
		RecordCount:  5,
		SuccessCount: 3,
		ErrorCount:   2,
	}
	require.NoError(t, txn.Finalize(meta.SyncStatusPartial))
	assert.Equal(t, meta.SyncStatusPartial, txn.Status)
	assert.NotNil(t, txn.CompletedAt)
	assert.True(t, txn.IsTerminal())

	// 终态恰好一次
	err := txn.Finalize(meta.SyncStatusSuccess)
	require.Error(t, err)
	assert.Equal(t, meta.SyncStatusPartial, txn.Status)
}

func TestSyncTransactionFinalizeCountInvariant(t *testing.T) {
	txn := &SyncTransaction{
		RecordCount:  5,
		SuccessCount: 3,
		ErrorCount:   1,
	}
	err := txn.Finalize(meta.SyncStatusPartial)
	require.Error(t, err, "successCount+errorCount必须等于recordCount")
	assert.False(t, txn.IsTerminal())
}

func TestSyncTransactionFinalizeRejectsNonTerminal(t *testing.T) {
	txn := &SyncTransaction{}
	err := txn.Finalize(meta.SyncStatusInProgress)
	require.Error(t, err)
	assert.False(t, txn.IsTerminal())
}

func TestSyncTransactionDuration(t *testing.T) {
	txn := &SyncTransaction{}
	assert.Nil(t, txn.Duration())

	require.NoError(t, txn.Finalize(meta.SyncStatusSuccess))
	assert.Nil(t, txn.Duration(), "未记录开始时间时无时长")
}
