//go:build integration

package postgres_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	dbmigrations "github.com/coachpo/autotrader/db/migrations"
	"github.com/coachpo/autotrader/internal/domain/schema"
	"github.com/coachpo/autotrader/internal/domain/tradestore"
	"github.com/coachpo/autotrader/internal/infra/persistence/migrations"
	pgstore "github.com/coachpo/autotrader/internal/infra/persistence/postgres"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "autotrader"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		os.Exit(1)
	}

	exitCode := 0
	if err := initialiseDatabase(ctx, container); err != nil {
		fmt.Fprintf(os.Stderr, "postgres contract tests skipped: %v\n", err)
	} else {
		exitCode = m.Run()
	}

	if testPool != nil {
		testPool.Close()
	}
	_ = container.Terminate(ctx)
	os.Exit(exitCode)
}

func initialiseDatabase(ctx context.Context, container testcontainers.Container) error {
	host, err := container.Host(ctx)
	if err != nil {
		return fmt.Errorf("container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return fmt.Errorf("container port: %w", err)
	}
	dsn := fmt.Sprintf("postgres://postgres:secret@%s:%s/autotrader?sslmode=disable", host, port.Port())

	if err := migrations.ApplyEmbedded(ctx, dsn, dbmigrations.Files, nil); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("pgx pool: %w", err)
	}
	testPool = pool
	return nil
}

func TestTradeStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := pgstore.NewTradeStore(testPool)

	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	buy := schema.NewTradeRecord("8101216911", schema.Fill{Symbol: "005930", Side: schema.SideBuy, Quantity: 10, Price: 70_000, At: base})
	sell := schema.NewTradeRecord("8101216911", schema.Fill{Symbol: "005930", Side: schema.SideSell, Quantity: 10, Price: 75_000, At: base.Add(time.Hour)})
	other := schema.NewTradeRecord("8101216911", schema.Fill{Symbol: "035720", Side: schema.SideBuy, Quantity: 3, Price: 50_000, At: base.Add(2 * time.Hour)})

	for _, trade := range []schema.TradeRecord{buy, sell, other} {
		require.NoError(t, store.RecordTrade(ctx, trade))
	}
	require.NoError(t, store.RecordTrade(ctx, buy), "re-recording is idempotent")

	all, err := store.ListTrades(ctx, tradestore.Query{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, other.ID, all[0].ID)

	bySymbol, err := store.ListTrades(ctx, tradestore.Query{Symbol: "005930", Side: schema.SideSell})
	require.NoError(t, err)
	require.Len(t, bySymbol, 1)
	require.Equal(t, int64(750_000), bySymbol[0].TotalAmount)
	require.True(t, sell.ExecutedAt.Equal(bySymbol[0].ExecutedAt))

	recent, err := store.ListTrades(ctx, tradestore.Query{Since: base.Add(90 * time.Minute), Limit: 10})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	require.Equal(t, "035720", recent[0].Symbol)
}
