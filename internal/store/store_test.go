package store

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/DoyleJ11/crashlane-client/internal/ledger"
	"github.com/DoyleJ11/crashlane-client/internal/round"
)

var testPostgresDSN string

func TestMain(m *testing.M) {
	flag.Parse()

	var terminate func()
	if !testing.Short() {
		testPostgresDSN, terminate = setupContainer(context.Background())
	}

	code := m.Run()

	if terminate != nil {
		terminate()
	}
	os.Exit(code)
}

func setupContainer(ctx context.Context) (string, func()) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Printf("Recovered from panic in setupContainer: %v\n", r)
		}
	}()

	pg, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("crashlane"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		fmt.Printf("WARNING: postgres container unavailable: %v\n", err)
		return "", func() {}
	}
	dsn, err := pg.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		fmt.Printf("WARNING: no connection string: %v\n", err)
		_ = pg.Terminate(ctx)
		return "", func() {}
	}
	return dsn, func() {
		if err := pg.Terminate(ctx); err != nil {
			fmt.Printf("Failed to terminate container: %v\n", err)
		}
	}
}

func openSQLite(t *testing.T) *Store {
	t.Helper()
	s, err := Open(DriverSQLite, "file::memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func entry(id string, result string, amounts ...float64) round.HistoryEntry {
	e := round.HistoryEntry{RoundID: id, Result: json.RawMessage(result)}
	for _, a := range amounts {
		e.Bets = append(e.Bets, ledger.Bet{Amount: a})
	}
	return e
}

func exerciseStore(t *testing.T, s *Store) {
	ctx := context.Background()

	_, err := s.LoadToken(ctx, "inst-1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SaveToken(ctx, "inst-1", "a"))
	require.NoError(t, s.SaveToken(ctx, "inst-1", "b"))
	tok, err := s.LoadToken(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, "b", tok)

	for i := 1; i <= 4; i++ {
		e := entry(fmt.Sprintf("R%d", i), `"2"`, 5, 5)
		e.Payout = 20
		require.NoError(t, s.SaveRound(ctx, "inst-1", e))
	}
	// duplicate is ignored
	require.NoError(t, s.SaveRound(ctx, "inst-1", entry("R4", `"9"`)))
	require.NoError(t, s.SaveRound(ctx, "inst-2", entry("X1", `"1"`)))

	rows, err := s.RecentRounds(ctx, "inst-1", 3)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "R2", rows[0].RoundID)
	assert.Equal(t, "R4", rows[2].RoundID)
	assert.Equal(t, `"2"`, rows[2].Result)
	assert.Equal(t, 10.0, rows[2].Stake)
	assert.Equal(t, 20.0, rows[2].Payout)
	assert.Equal(t, 2, rows[2].BetCount)

	require.NoError(t, s.Ping(ctx))
}

func TestSQLiteStore(t *testing.T) {
	exerciseStore(t, openSQLite(t))
}

func TestPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	if testPostgresDSN == "" {
		t.Skip("Skipping integration test: database not available")
	}
	s, err := Open(DriverPostgres, testPostgresDSN, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	exerciseStore(t, s)
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open("mysql", "", nil)
	assert.ErrorIs(t, err, ErrUnknownDriver)
}
