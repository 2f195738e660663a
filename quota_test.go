package main

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuotaDefaultsOnFirstSight(t *testing.T) {
	env := newTestEnv(t, 100)

	snap, err := env.ledger.GetUsage("newcomer")
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap.UseSpace)
	assert.Equal(t, int64(100), snap.TotalSpace)
}

func TestQuotaBoundary(t *testing.T) {
	env := newTestEnv(t, 100)

	require.NoError(t, env.ledger.Reserve("u1", 90))
	require.NoError(t, env.ledger.Commit("u1", 90))

	// 90 used out of 100: 11 more must be rejected, 10 exactly fits.
	err := env.ledger.Reserve("u1", 11)
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	require.NoError(t, env.ledger.Reserve("u1", 10))
	require.NoError(t, env.ledger.Commit("u1", 10))

	snap, err := env.ledger.GetUsage("u1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), snap.UseSpace)

	assert.ErrorIs(t, env.ledger.Reserve("u1", 1), ErrQuotaExceeded)
}

func TestQuotaReleaseReturnsReservation(t *testing.T) {
	env := newTestEnv(t, 100)

	require.NoError(t, env.ledger.Reserve("u1", 100))
	assert.ErrorIs(t, env.ledger.Reserve("u1", 1), ErrQuotaExceeded)

	env.ledger.Release("u1", 100)
	assert.NoError(t, env.ledger.Reserve("u1", 100))
}

func TestQuotaConcurrentReservesDoNotOvercommit(t *testing.T) {
	env := newTestEnv(t, 100)

	var accepted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := env.ledger.Reserve("u1", 10); err == nil {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), accepted.Load())
}

func TestQuotaAdminOverrideInvalidatesCache(t *testing.T) {
	env := newTestEnv(t, 100)

	snap, err := env.ledger.GetUsage("u1")
	require.NoError(t, err)
	require.Equal(t, int64(100), snap.TotalSpace)

	require.NoError(t, env.ledger.SetTotal("u1", 500))

	snap, err = env.ledger.GetUsage("u1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), snap.TotalSpace)
	assert.NoError(t, env.ledger.Reserve("u1", 400))
}

func TestQuotaRefreshRecountsFromCatalog(t *testing.T) {
	env := newTestEnv(t, 1000)

	require.NoError(t, env.ledger.Reserve("u1", 700))
	require.NoError(t, env.ledger.Commit("u1", 700))

	require.NoError(t, env.catalog.Insert(&FileInfo{
		FileID: "f1", UserID: "u1", FileName: "a.bin", FilePid: rootFolderID,
		FileSize: 300, Status: StatusReady, DelFlag: DelFlagActive,
	}))

	require.NoError(t, env.ledger.Refresh("u1"))
	snap, err := env.ledger.GetUsage("u1")
	require.NoError(t, err)
	assert.Equal(t, int64(300), snap.UseSpace)
}
