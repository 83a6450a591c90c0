// Package reconcile folds the broker's balance ledger into the order tracker.
package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/coachpo/autotrader/internal/app/broker"
	"github.com/coachpo/autotrader/internal/app/tracker"
	"github.com/coachpo/autotrader/internal/domain/errs"
	"github.com/coachpo/autotrader/internal/domain/schema"
	"github.com/coachpo/autotrader/internal/infra/observability"
)

// DefaultTimeout bounds a balance request when no timeout is configured.
const DefaultTimeout = 5 * time.Second

// Publisher receives reconciled snapshots.
type Publisher interface {
	Publish(ctx context.Context, evt *schema.Event) error
}

// Config configures a Fetcher.
type Config struct {
	Timeout time.Duration
	Source  string
	Logger  *slog.Logger
}

// Fetcher requests a balance snapshot, reconciles the tracker against it and announces it.
type Fetcher struct {
	gateway   broker.Gateway
	positions *tracker.Tracker
	publisher Publisher
	timeout   time.Duration
	source    string
	logger    *slog.Logger
}

// New constructs a Fetcher. publisher may be nil.
func New(gateway broker.Gateway, positions *tracker.Tracker, publisher Publisher, cfg Config) (*Fetcher, error) {
	if gateway == nil || positions == nil {
		return nil, errs.New("reconcile/new", errs.CodeInvalid, errs.WithMessage("gateway and tracker required"))
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	source := cfg.Source
	if source == "" {
		source = "reconciler"
	}
	return &Fetcher{
		gateway:   gateway,
		positions: positions,
		publisher: publisher,
		timeout:   timeout,
		source:    source,
		logger:    observability.OrNop(cfg.Logger).With(slog.String("component", "reconciler")),
	}, nil
}

// Fetch returns the reconciled snapshot for account.
func (f *Fetcher) Fetch(ctx context.Context, account string) (schema.BalanceSnapshot, error) {
	if account == "" {
		return schema.BalanceSnapshot{}, errs.New("reconcile/fetch", errs.CodePrecondition,
			errs.WithCanonicalCode(errs.CanonicalNoAccount),
			errs.WithMessage("no account selected"))
	}
	waitCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	future := f.gateway.RequestBalanceSnapshot(waitCtx, account)
	if future == nil {
		return schema.BalanceSnapshot{}, errs.New("reconcile/fetch", errs.CodeBroker, errs.WithMessage("gateway returned no balance future"))
	}
	snapshot, err := future.Await(waitCtx)
	if err != nil {
		return schema.BalanceSnapshot{}, errs.New("reconcile/fetch", errs.CodeUnavailable,
			errs.WithMessage("balance snapshot unavailable"),
			errs.WithCause(err))
	}
	if snapshot.Account == "" {
		snapshot.Account = account
	}
	if snapshot.TakenAt.IsZero() {
		snapshot.TakenAt = time.Now().UTC()
	}
	for i := range snapshot.Entries {
		snapshot.Entries[i].Symbol = schema.NormalizeSymbol(snapshot.Entries[i].Symbol)
	}

	written := f.positions.Reconcile(account, snapshot)
	f.logger.Debug("balance reconciled",
		slog.String("account", account),
		slog.Int("entries", len(snapshot.Entries)),
		slog.Int("written", written))

	if f.publisher != nil {
		if err := f.publisher.Publish(ctx, schema.NewBalanceReadyEvent(f.source, snapshot)); err != nil {
			f.logger.Warn("balance publish failed", observability.Err(err))
		}
	}
	return snapshot, nil
}
