package bridge

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/coachpo/autotrader/internal/domain/errs"
)

const (
	quotesPath          = "/v1/quotes/"
	stocksPath          = "/v1/stocks/"
	ordersPath          = "/v1/orders"
	balancePath         = "/v1/balance"
	accountsPath        = "/v1/accounts"
	conditionsPath      = "/v1/conditions"
	conditionStartPath  = "/v1/conditions/start"
	conditionStopPath   = "/v1/conditions/stop"
	apiKeyHeader        = "X-API-Key"
	maxErrorBodyPreview = 4 << 10
)

// result is satisfied by every response embedding envelope.
type result interface {
	ok() bool
	failure(op string) error
}

func (e envelope) failure(op string) error {
	return errs.New(op, errs.CodeBroker,
		errs.WithMessage(strings.TrimSpace(e.Msg)),
		errs.WithField("code", strings.TrimSpace(e.Code)))
}

// do issues one REST call. body may be nil; out receives the decoded response.
func (g *Gateway) do(ctx context.Context, op, method, path string, body any, out any) error {
	requestCtx, cancel := context.WithTimeout(ctx, g.opts.requestTimeout())
	defer cancel()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return errs.New(op, errs.CodeInvalid, errs.WithMessage("encode request"), errs.WithCause(err))
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(requestCtx, method, g.opts.baseURL()+path, reader)
	if err != nil {
		return errs.New(op, errs.CodeInvalid, errs.WithMessage("create request"), errs.WithCause(err))
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key := strings.TrimSpace(g.opts.APIKey); key != "" {
		req.Header.Set(apiKeyHeader, key)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return errs.New(op, errs.CodeNetwork, errs.WithMessage("bridge request failed"), errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		preview, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyPreview))
		code := errs.CodeBroker
		if resp.StatusCode >= 500 {
			code = errs.CodeUnavailable
		}
		return errs.New(op, code,
			errs.WithHTTP(resp.StatusCode),
			errs.WithMessage(fmt.Sprintf("bridge status %d: %s", resp.StatusCode, strings.TrimSpace(string(preview)))))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errs.New(op, errs.CodeBroker, errs.WithMessage("decode response"), errs.WithCause(err))
	}
	if r, ok := out.(result); ok && !r.ok() {
		return r.failure(op)
	}
	return nil
}

func escape(symbol string) string {
	return url.PathEscape(strings.TrimSpace(symbol))
}
