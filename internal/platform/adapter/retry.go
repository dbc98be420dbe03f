package adapter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/ehr/ehrsync/internal/platform/auth"
)

const (
	fhirJSON        = "application/fhir+json"
	maxResponseBody = 16 << 20
	minRetryDelay   = time.Millisecond
)

type response struct {
	status int
	header http.Header
	body   []byte
}

// do sends one logical request, retrying transport failures and non-2xx
// answers up to MaxAttempts times with a fixed delay. Each attempt gets its
// own timeout. The last error is returned once attempts run out.
func (g *GenericAdapter) do(ctx context.Context, tok *auth.TokenInfo, method, target string, body []byte) (*response, error) {
	delay := g.cfg.RetryDelay
	if delay < minRetryDelay {
		delay = minRetryDelay
	}
	backoff := retry.WithMaxRetries(uint64(g.cfg.MaxAttempts-1), retry.NewConstant(delay))

	var (
		out     *response
		attempt int
	)
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		res, err := g.attempt(ctx, tok, method, target, body)
		if err != nil {
			g.logger.Warn().Err(err).
				Str("method", method).
				Str("url", target).
				Int("attempt", attempt).
				Msg("fhir request failed")
			return retry.RetryableError(err)
		}
		out = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (g *GenericAdapter) attempt(ctx context.Context, tok *auth.TokenInfo, method, target string, body []byte) (*response, error) {
	if g.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()
	}

	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rdr)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", fhirJSON)
	if body != nil {
		req.Header.Set("Content-Type", fhirJSON)
	}
	if tok != nil {
		req.Header.Set("Authorization", tok.AuthorizationHeader())
	}
	for _, h := range g.hooks {
		h(req)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{Method: method, URL: target, StatusCode: resp.StatusCode, Body: string(data)}
	}
	return &response{status: resp.StatusCode, header: resp.Header, body: data}, nil
}
