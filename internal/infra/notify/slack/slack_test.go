package slack

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/autotrader/internal/domain/schema"
	"github.com/coachpo/autotrader/internal/infra/config"
)

type webhook struct {
	mu       sync.Mutex
	payloads []payload
	calls    atomic.Int32
	statuses []int
}

func (w *webhook) handler(t *testing.T) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		call := int(w.calls.Add(1)) - 1
		body, _ := io.ReadAll(r.Body)
		var p payload
		if err := json.Unmarshal(body, &p); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.mu.Lock()
		w.payloads = append(w.payloads, p)
		status := http.StatusOK
		if call < len(w.statuses) {
			status = w.statuses[call]
		}
		w.mu.Unlock()
		rw.WriteHeader(status)
	}
}

func (w *webhook) last(t *testing.T) payload {
	t.Helper()
	w.mu.Lock()
	defer w.mu.Unlock()
	require.NotEmpty(t, w.payloads)
	return w.payloads[len(w.payloads)-1]
}

func newTestNotifier(t *testing.T, hook *webhook, retries uint) *Notifier {
	t.Helper()
	server := httptest.NewServer(hook.handler(t))
	t.Cleanup(server.Close)
	n := New(config.SlackConfig{
		WebhookURL:    server.URL,
		Timeout:       time.Second,
		RatePerSecond: 1000,
		Burst:         10,
		MaxRetries:    retries,
	}, nil)
	require.NotNil(t, n)
	n.now = func() time.Time { return time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC) }
	n.newBackOff = func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }
	return n
}

func bodyText(p payload) string {
	return p.Attachments[0].Blocks[0].Text.Text
}

func TestNewWithoutWebhookIsDisabled(t *testing.T) {
	n := New(config.SlackConfig{}, nil)
	require.Nil(t, n)
	require.NoError(t, n.NotifyFill(context.Background(), schema.Fill{}, "", ""))
	require.NoError(t, n.NotifyError(context.Background(), "x", "y"))
	require.NoError(t, n.NotifyBalance(context.Background(), schema.BalanceSnapshot{}))
}

func TestNotifyFillFormatsBuyAndSell(t *testing.T) {
	hook := &webhook{}
	n := newTestNotifier(t, hook, 0)
	ctx := context.Background()

	fill := schema.Fill{Symbol: "005930", Side: schema.SideBuy, Quantity: 14, Price: 70_000}
	require.NoError(t, n.NotifyFill(ctx, fill, "삼성전자", "8101216911"))
	p := hook.last(t)
	require.Equal(t, colorBuy, p.Attachments[0].Color)
	text := bodyText(p)
	require.Contains(t, text, "매수")
	require.Contains(t, text, "삼성전자 (005930)")
	require.Contains(t, text, "70,000원")
	require.Contains(t, text, "980,000원")
	require.Contains(t, text, "...6911")
	require.NotContains(t, text, "8101216911")
	require.Equal(t, "🕒 2026-03-02 09:30:00", p.Attachments[0].Blocks[1].Elements[0].Text)

	fill.Side = schema.SideSell
	require.NoError(t, n.NotifyFill(ctx, fill, "", ""))
	p = hook.last(t)
	require.Equal(t, colorSell, p.Attachments[0].Color)
	require.Contains(t, bodyText(p), "005930 (005930)")
}

func TestNotifyErrorAndBalance(t *testing.T) {
	hook := &webhook{}
	n := newTestNotifier(t, hook, 0)
	ctx := context.Background()

	require.NoError(t, n.NotifyError(ctx, "order failed", "insufficient budget"))
	p := hook.last(t)
	require.Equal(t, colorError, p.Attachments[0].Color)
	require.Contains(t, bodyText(p), "order failed")

	require.NoError(t, n.NotifyBalance(ctx, schema.BalanceSnapshot{}))
	require.Contains(t, bodyText(hook.last(t)), "보유 종목 없음")

	snapshot := schema.BalanceSnapshot{Entries: []schema.BalanceEntry{
		{Symbol: "005930", Name: "삼성전자", Quantity: 100, Valuation: 7_000_000, ReturnPct: decimal.NewFromFloat(5.5)},
		{Symbol: "035420", Name: "NAVER", Quantity: 20, Valuation: 6_000_000, ReturnPct: decimal.NewFromFloat(-12)},
	}}
	require.NoError(t, n.NotifyBalance(ctx, snapshot))
	p = hook.last(t)
	text := bodyText(p)
	require.Contains(t, text, "13,000,000원")
	require.Contains(t, text, "-335,000원")
	require.Contains(t, text, "5.50%")
	require.Equal(t, colorSell, p.Attachments[0].Color)
}

func TestSendRetriesTransientFailures(t *testing.T) {
	hook := &webhook{statuses: []int{http.StatusInternalServerError, http.StatusTooManyRequests}}
	n := newTestNotifier(t, hook, 2)

	require.NoError(t, n.NotifyError(context.Background(), "retry", ""))
	require.Equal(t, int32(3), hook.calls.Load())
}

func TestSendGivesUpAfterMaxRetries(t *testing.T) {
	hook := &webhook{statuses: []int{500, 500, 500, 500}}
	n := newTestNotifier(t, hook, 1)

	err := n.NotifyError(context.Background(), "retry", "")
	require.Error(t, err)
	require.Equal(t, int32(2), hook.calls.Load())
}

func TestSendDoesNotRetryClientErrors(t *testing.T) {
	hook := &webhook{statuses: []int{http.StatusBadRequest}}
	n := newTestNotifier(t, hook, 3)

	err := n.NotifyError(context.Background(), "bad", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "400")
	require.Equal(t, int32(1), hook.calls.Load())
}

func TestGroupDigitsAndMask(t *testing.T) {
	require.Equal(t, "0", groupDigits(0))
	require.Equal(t, "999", groupDigits(999))
	require.Equal(t, "1,000", groupDigits(1000))
	require.Equal(t, "-1,234,567", groupDigits(-1234567))
	require.Equal(t, "...6911", maskAccount("8101216911"))
	require.Equal(t, "...12", maskAccount("12"))
	require.Empty(t, maskAccount(" "))
}
