// Package bridge implements the broker gateway against a local brokerage bridge service.
// Requests go over REST; condition events, executions and balance replies arrive on a websocket stream.
package bridge

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coachpo/autotrader/internal/domain/schema"
)

const (
	defaultRequestTimeout = 10 * time.Second
	defaultReadyTimeout   = 10 * time.Second

	// Source labels events published by the bridge gateway.
	Source = "bridge"
)

// Publisher receives gateway events.
type Publisher interface {
	Publish(ctx context.Context, evt *schema.Event) error
}

// Options configures the bridge gateway.
type Options struct {
	BaseURL        string
	StreamURL      string
	APIKey         string
	RequestTimeout time.Duration
	ReadyTimeout   time.Duration
	HTTPClient     *http.Client
	Publisher      Publisher
	Logger         *slog.Logger
}

func (o Options) baseURL() string {
	return strings.TrimRight(strings.TrimSpace(o.BaseURL), "/")
}

func (o Options) requestTimeout() time.Duration {
	if o.RequestTimeout > 0 {
		return o.RequestTimeout
	}
	return defaultRequestTimeout
}

func (o Options) readyTimeout() time.Duration {
	if o.ReadyTimeout > 0 {
		return o.ReadyTimeout
	}
	return defaultReadyTimeout
}

func (o Options) httpClient() *http.Client {
	if o.HTTPClient != nil {
		return o.HTTPClient
	}
	return &http.Client{Timeout: o.requestTimeout()}
}
