// Package slack posts trade, error and balance notifications to a Slack incoming webhook.
package slack

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/coachpo/autotrader/internal/app/broker"
	"github.com/coachpo/autotrader/internal/domain/errs"
	"github.com/coachpo/autotrader/internal/domain/schema"
	"github.com/coachpo/autotrader/internal/infra/config"
	"github.com/coachpo/autotrader/internal/infra/observability"
	"github.com/coachpo/autotrader/internal/infra/telemetry"
)

const (
	colorBuy   = "#36a64f"
	colorSell  = "#ff4444"
	colorError = "#ff0000"

	channel         = "slack"
	maxBodyPreview  = 1 << 10
	timestampLayout = "2006-01-02 15:04:05"
)

// Notifier sends webhook messages. Sends are rate limited and retried on transient failures.
type Notifier struct {
	webhookURL string
	client     *http.Client
	limiter    *rate.Limiter
	maxRetries uint
	logger     *slog.Logger
	now        func() time.Time
	newBackOff func() backoff.BackOff
	sends      metric.Int64Counter
}

var _ broker.Notifier = (*Notifier)(nil)

// New builds a notifier from cfg. It returns nil when no webhook is configured.
func New(cfg config.SlackConfig, logger *slog.Logger) *Notifier {
	webhook := strings.TrimSpace(cfg.WebhookURL)
	if webhook == "" {
		return nil
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	perSecond := cfg.RatePerSecond
	if perSecond <= 0 {
		perSecond = 1
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	n := &Notifier{
		webhookURL: webhook,
		client:     &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(perSecond), burst),
		maxRetries: cfg.MaxRetries,
		logger:     observability.OrNop(logger).With(slog.String("component", "slack")),
		now:        time.Now,
		newBackOff: func() backoff.BackOff { return backoff.NewExponentialBackOff() },
	}
	n.sends, _ = otel.Meter("notify").Int64Counter("notify.sends",
		metric.WithDescription("Notification delivery attempts by outcome"),
		metric.WithUnit("{message}"))
	return n
}

// NotifyFill announces an execution.
func (n *Notifier) NotifyFill(ctx context.Context, fill schema.Fill, name, account string) error {
	if n == nil {
		return nil
	}
	label, emoji, color := "매수", "🔵", colorBuy
	if fill.Side == schema.SideSell {
		label, emoji, color = "매도", "🔴", colorSell
	}
	if strings.TrimSpace(name) == "" {
		name = fill.Symbol
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s 체결\n", emoji, label)
	fmt.Fprintf(&b, "• 종목: %s (%s)\n", name, fill.Symbol)
	fmt.Fprintf(&b, "• 가격: %s원\n", groupDigits(fill.Price))
	fmt.Fprintf(&b, "• 수량: %s주\n", groupDigits(fill.Quantity))
	fmt.Fprintf(&b, "• 총액: %s원", groupDigits(fill.Amount()))
	if masked := maskAccount(account); masked != "" {
		fmt.Fprintf(&b, "\n• 계좌: %s", masked)
	}
	return n.send(ctx, b.String(), color)
}

// NotifyError reports an operational error.
func (n *Notifier) NotifyError(ctx context.Context, title, message string) error {
	if n == nil {
		return nil
	}
	text := "⚠️ 오류 발생"
	if title = strings.TrimSpace(title); title != "" {
		text += ": " + title
	}
	if message = strings.TrimSpace(message); message != "" {
		text += "\n" + message
	}
	return n.send(ctx, text, colorError)
}

// NotifyBalance summarises holdings and totals.
func (n *Notifier) NotifyBalance(ctx context.Context, snapshot schema.BalanceSnapshot) error {
	if n == nil {
		return nil
	}
	held := snapshot.Held()
	if len(held) == 0 {
		return n.send(ctx, "💰 보유 종목 없음", colorBuy)
	}
	var b strings.Builder
	b.WriteString("💰 잔고 현황\n")
	for _, entry := range held {
		name := entry.Name
		if name == "" {
			name = entry.Symbol
		}
		fmt.Fprintf(&b, "• %s\n  수량: %s주 | 평가금액: %s원 | 손익률: %s%%\n",
			name, groupDigits(entry.Quantity), groupDigits(entry.Valuation), entry.ReturnPct.StringFixed(2))
	}
	totals := schema.BalanceSnapshot{Entries: held}.Totals()
	fmt.Fprintf(&b, "\n📊 총평가금액: %s원", groupDigits(totals.Valuation))
	fmt.Fprintf(&b, "\n📈 총평가손익: %s원", groupDigits(totals.ProfitLoss.Round(0).IntPart()))
	color := colorBuy
	if totals.ProfitLoss.LessThan(decimal.Zero) {
		color = colorSell
	}
	return n.send(ctx, b.String(), color)
}

type payload struct {
	Attachments []attachment `json:"attachments"`
}

type attachment struct {
	Color  string  `json:"color"`
	Blocks []block `json:"blocks"`
}

type block struct {
	Type     string  `json:"type"`
	Text     *text   `json:"text,omitempty"`
	Elements []*text `json:"elements,omitempty"`
}

type text struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (n *Notifier) message(body, color string) payload {
	return payload{Attachments: []attachment{{
		Color: color,
		Blocks: []block{
			{Type: "section", Text: &text{Type: "mrkdwn", Text: "*" + body + "*"}},
			{Type: "context", Elements: []*text{{Type: "mrkdwn", Text: "🕒 " + n.now().Format(timestampLayout)}}},
		},
	}}}
}

func (n *Notifier) send(ctx context.Context, body, color string) error {
	encoded, err := json.Marshal(n.message(body, color))
	if err != nil {
		return errs.New("slack/send", errs.CodeInvalid, errs.WithMessage("encode message"), errs.WithCause(err))
	}
	if err := n.limiter.Wait(ctx); err != nil {
		n.record(ctx, telemetry.ResultSkipped)
		return errs.New("slack/send", errs.CodeUnavailable,
			errs.WithCanonicalCode(errs.CanonicalRateLimited), errs.WithCause(err))
	}

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, n.post(ctx, encoded)
	},
		backoff.WithBackOff(n.newBackOff()),
		backoff.WithMaxTries(n.maxRetries+1),
		backoff.WithMaxElapsedTime(n.client.Timeout*2))
	if err != nil {
		n.record(ctx, telemetry.ResultError)
		n.logger.Warn("slack notification failed", observability.Err(err))
		return err
	}
	n.record(ctx, telemetry.ResultSuccess)
	return nil
}

func (n *Notifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(errs.New("slack/post", errs.CodeInvalid, errs.WithCause(err)))
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return errs.New("slack/post", errs.CodeNetwork, errs.WithMessage("webhook request failed"), errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode == http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	preview, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyPreview))
	failure := errs.New("slack/post", errs.CodeUnavailable,
		errs.WithHTTP(resp.StatusCode),
		errs.WithMessage(fmt.Sprintf("webhook status %d: %s", resp.StatusCode, strings.TrimSpace(string(preview)))))
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return failure
	}
	return backoff.Permanent(failure)
}

func (n *Notifier) record(ctx context.Context, result string) {
	if n.sends == nil {
		return
	}
	n.sends.Add(ctx, 1, metric.WithAttributes(telemetry.NotifyAttributes(telemetry.Environment(), channel, result)...))
}

// maskAccount keeps the last four characters.
func maskAccount(account string) string {
	account = strings.TrimSpace(account)
	if account == "" {
		return ""
	}
	if len(account) <= 4 {
		return "..." + account
	}
	return "..." + account[len(account)-4:]
}

func groupDigits(value int64) string {
	sign := ""
	if value < 0 {
		sign = "-"
		value = -value
	}
	digits := fmt.Sprintf("%d", value)
	if len(digits) <= 3 {
		return sign + digits
	}
	var b strings.Builder
	head := len(digits) % 3
	if head > 0 {
		b.WriteString(digits[:head])
	}
	for i := head; i < len(digits); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(digits[i : i+3])
	}
	return sign + b.String()
}
