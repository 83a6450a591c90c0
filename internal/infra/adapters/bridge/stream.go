package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/coachpo/autotrader/internal/infra/observability"
)

const (
	streamPingInterval    = 20 * time.Second
	streamPingTimeout     = 5 * time.Second
	streamMaxReconnect    = 20 * time.Second
	streamReadLimit       = 2 * 1024 * 1024
	streamHandshakeHeader = apiKeyHeader
)

type streamHandler func(context.Context, streamMessage) error

// streamState reports connection transitions for metrics.
type streamState func(state string)

// streamManager keeps one websocket to the bridge open, redialling with exponential backoff.
type streamManager struct {
	url    string
	apiKey string
	ctx    context.Context
	cancel context.CancelFunc

	conn   *websocket.Conn
	connMu sync.RWMutex

	handler streamHandler
	onState streamState
	logger  *slog.Logger

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
}

func newStreamManager(ctx context.Context, url, apiKey string, handler streamHandler, onState streamState, logger *slog.Logger) *streamManager {
	managerCtx, cancel := context.WithCancel(ctx)
	return &streamManager{
		url:     url,
		apiKey:  apiKey,
		ctx:     managerCtx,
		cancel:  cancel,
		handler: handler,
		onState: onState,
		logger:  observability.OrNop(logger),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// start launches the connect loop and waits for the first connection.
func (sm *streamManager) start(timeout time.Duration) error {
	go func() {
		defer close(sm.done)
		if err := sm.connectLoop(); err != nil && !errors.Is(err, context.Canceled) {
			sm.logger.Error("bridge stream stopped", observability.Err(err))
		}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-sm.ready:
		return nil
	case <-timer.C:
		return errors.New("timeout waiting for bridge stream connection")
	case <-sm.ctx.Done():
		return fmt.Errorf("bridge stream context done: %w", sm.ctx.Err())
	}
}

func (sm *streamManager) stop() {
	sm.cancel()
	sm.connMu.Lock()
	if sm.conn != nil {
		_ = sm.conn.Close(websocket.StatusNormalClosure, "shutdown")
		sm.conn = nil
	}
	sm.connMu.Unlock()
	<-sm.done
}

func (sm *streamManager) connectLoop() error {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = streamMaxReconnect

	for {
		select {
		case <-sm.ctx.Done():
			return context.Canceled
		default:
		}

		opts := &websocket.DialOptions{}
		if key := strings.TrimSpace(sm.apiKey); key != "" {
			opts.HTTPHeader = map[string][]string{streamHandshakeHeader: {key}}
		}
		conn, _, err := websocket.Dial(sm.ctx, sm.url, opts)
		if err != nil {
			sm.state("dial_failed")
			sm.logger.Warn("bridge stream dial failed", slog.String("url", sm.url), observability.Err(err))
			if err := sm.sleep(backoffCfg.NextBackOff()); err != nil {
				return err
			}
			continue
		}

		sm.connMu.Lock()
		sm.conn = conn
		sm.connMu.Unlock()
		conn.SetReadLimit(streamReadLimit)
		sm.state("connected")
		sm.readyOnce.Do(func() { close(sm.ready) })
		backoffCfg.Reset()

		connCtx, connCancel := context.WithCancel(sm.ctx)
		errCh := make(chan error, 2)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			errCh <- sm.readLoop(connCtx, conn)
		}()
		go func() {
			defer wg.Done()
			errCh <- sm.pingLoop(connCtx, conn)
		}()

		firstErr := <-errCh
		connCancel()

		sm.connMu.Lock()
		if sm.conn == conn {
			sm.conn = nil
		}
		sm.connMu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		wg.Wait()
		close(errCh)

		if sm.ctx.Err() != nil {
			return context.Canceled
		}
		sm.state("disconnected")
		if firstErr != nil && !errors.Is(firstErr, context.Canceled) {
			sm.logger.Warn("bridge stream connection lost", observability.Err(firstErr))
		}
		if err := sm.sleep(backoffCfg.NextBackOff()); err != nil {
			return err
		}
	}
}

func (sm *streamManager) sleep(wait time.Duration) error {
	if wait == backoff.Stop {
		wait = streamMaxReconnect
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-sm.ctx.Done():
		return context.Canceled
	case <-timer.C:
		return nil
	}
}

func (sm *streamManager) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return context.Canceled
			}
			return fmt.Errorf("read stream: %w", err)
		}
		if len(strings.TrimSpace(string(data))) == 0 {
			continue
		}
		var msg streamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			sm.logger.Warn("bridge stream frame undecodable", observability.Err(err))
			continue
		}
		if sm.handler == nil {
			continue
		}
		if err := sm.handler(ctx, msg); err != nil {
			sm.logger.Warn("bridge stream frame rejected", slog.String("type", msg.Type), observability.Err(err))
		}
	}
}

func (sm *streamManager) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, streamPingTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return fmt.Errorf("ping stream: %w", err)
			}
		}
	}
}

func (sm *streamManager) state(state string) {
	if sm.onState != nil {
		sm.onState(state)
	}
}
