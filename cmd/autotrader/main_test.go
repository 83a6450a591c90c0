package main

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/autotrader/internal/infra/adapters/paper"
	"github.com/coachpo/autotrader/internal/infra/bus/eventbus"
	"github.com/coachpo/autotrader/internal/infra/config"
	"github.com/coachpo/autotrader/internal/infra/observability"
	"github.com/coachpo/autotrader/internal/infra/persistence"
)

func TestResolveConfigPathDefaults(t *testing.T) {
	require.Equal(t, filepath.Clean(defaultConfigPath), resolveConfigPath(""))
	require.Equal(t, "/etc/autotrader.yaml", resolveConfigPath("/etc/autotrader.yaml"))
}

func TestLoggingConfigCopiesFields(t *testing.T) {
	cfg := loggingConfig(config.LoggingConfig{
		Level:      "debug",
		Format:     "text",
		Output:     "both",
		FilePath:   "logs/x.log",
		MaxSizeMB:  5,
		MaxBackups: 2,
		MaxAgeDays: 7,
		Compress:   true,
	})
	require.Equal(t, "debug", cfg.Level)
	require.Equal(t, "both", cfg.Output)
	require.Equal(t, 5, cfg.MaxSizeMB)
	require.True(t, cfg.Compress)
}

func TestOpenTradeStoreFallsBackToMemory(t *testing.T) {
	store, pool, err := openTradeStore(context.Background(), observability.NewNop(), config.DatabaseConfig{})
	require.NoError(t, err)
	require.Nil(t, pool)
	require.IsType(t, &persistence.MemoryTradeStore{}, store)
}

func TestOpenGatewayDefaultsToPaper(t *testing.T) {
	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{})
	t.Cleanup(bus.Close)

	gateway, paperGateway, closeFn, err := openGateway(context.Background(), observability.NewNop(), config.BrokerConfig{
		Adapter: config.AdapterPaper,
		Paper:   config.PaperConfig{Accounts: []string{"0000000001"}},
	}, bus)
	require.NoError(t, err)
	t.Cleanup(closeFn)
	require.NotNil(t, paperGateway)
	require.IsType(t, &paper.Gateway{}, gateway)
	require.NotNil(t, paperControl(paperGateway))
	require.Nil(t, paperControl(nil))

	accounts, err := gateway.Accounts(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"0000000001"}, accounts)
}

func TestOpenGatewayRejectsBadBridgeConfig(t *testing.T) {
	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{})
	t.Cleanup(bus.Close)

	_, _, _, err := openGateway(context.Background(), observability.NewNop(), config.BrokerConfig{
		Adapter: config.AdapterBridge,
		BaseURL: "not a url",
	}, bus)
	require.Error(t, err)
}

func TestBuildAPIServerSetsReadHeaderTimeout(t *testing.T) {
	server := buildAPIServer(config.APIServerConfig{Addr: ":0"}, http.NotFoundHandler())
	require.Equal(t, ":0", server.Addr)
	require.Equal(t, controlReadHeaderTimeout, server.ReadHeaderTimeout)
}

type recordingShutdowner struct {
	calls *[]string
	name  string
	err   error
}

func (r recordingShutdowner) Shutdown(context.Context) error {
	*r.calls = append(*r.calls, r.name)
	return r.err
}

func TestPerformGracefulShutdownRunsStepsInOrder(t *testing.T) {
	var calls []string
	ctx, cancel := context.WithCancel(context.Background())
	var lifecycle conc.WaitGroup
	lifecycle.Go(func() {
		<-ctx.Done()
		calls = append(calls, "lifecycle")
	})
	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{})

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	performGracefulShutdown(shutdownCtx, observability.NewNop(), gracefulShutdownConfig{
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		entry:      recordingShutdowner{calls: &calls, name: "entry"},
		recorder:   recordingShutdowner{calls: &calls, name: "recorder", err: errors.New("flush failed")},
		notifier:   recordingShutdowner{calls: &calls, name: "notifier"},
		dataBus:    bus,
	})

	require.Equal(t, []string{"lifecycle", "entry", "recorder", "notifier"}, calls)
	require.Error(t, ctx.Err())
	_, _, err := bus.Subscribe(context.Background(), "OrderFilled")
	require.Error(t, err)
}
