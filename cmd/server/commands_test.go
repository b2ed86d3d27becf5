package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/card-escrow/config"
	"github.com/warp/card-escrow/store/sqlite"
	"github.com/warp/card-escrow/trade"
	memstore "github.com/warp/card-escrow/trade/store"
)

func run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs(args)
	require.NoError(t, cmd.ExecuteContext(context.Background()))
	return out.String()
}

func TestMigrateAndMaintenanceCommands(t *testing.T) {
	db := filepath.Join(t.TempDir(), "escrow.db")

	assert.Contains(t, run(t, "migrate", "--db-driver=sqlite", "--db="+db), "schema up to date")

	var sweep trade.SweepReport
	require.NoError(t, json.Unmarshal([]byte(run(t, "expire", "--db="+db)), &sweep))
	assert.Equal(t, trade.SweepReport{}, sweep)

	var report trade.CleanupReport
	require.NoError(t, json.Unmarshal([]byte(run(t, "cleanup", "--db="+db, "--retention-days=7", "--dry-run")), &report))
	assert.True(t, report.DryRun)
	assert.Equal(t, 0, report.Chains)

	// The schema really exists.
	st, err := sqlite.New(db)
	require.NoError(t, err)
	defer st.Close()
	require.NoError(t, st.Ping(context.Background()))
}

func TestMigrate_MemoryDriverHasNoSchema(t *testing.T) {
	assert.Contains(t, run(t, "migrate", "--db-driver=memory"), "has no schema")
}

func TestCleanup_RejectsZeroRetention(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"cleanup", "--db-driver=memory", "--retention-days=0"})
	assert.ErrorIs(t, cmd.ExecuteContext(context.Background()), trade.ErrValidation)
}

func TestOpenStore(t *testing.T) {
	st, closer, err := openStore(context.Background(), config.DatabaseConfig{Driver: config.DriverMemory})
	require.NoError(t, err)
	assert.Nil(t, closer)
	assert.IsType(t, &memstore.Memory{}, st)

	_, _, err = openStore(context.Background(), config.DatabaseConfig{Driver: "mongo"})
	assert.Error(t, err)
}
