package providers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sipeed/misskeybot/pkg/retry"
)

// maxOutboundBody caps how much of a response Outbound buffers.
const maxOutboundBody = 8 << 20

// Outbound performs plugin HTTP calls under the retry policy. 408, 425, 429
// and 5xx responses are retried; other non-2xx statuses fail permanently.
type Outbound struct {
	client *http.Client
	exec   *retry.Executor
	policy retry.Policy
}

// NewOutbound returns an Outbound using client, or a 30s-timeout client when
// client is nil.
func NewOutbound(client *http.Client, exec *retry.Executor, policy retry.Policy) *Outbound {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Outbound{client: client, exec: exec, policy: policy}
}

// Do sends req, retrying transient failures. The returned response body is
// fully buffered, so it stays readable after the attempt's deadline. A
// request with a body is only retried when req.GetBody is set, which
// http.NewRequest does for the usual in-memory readers.
func (o *Outbound) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	policy := o.policy
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		policy.MaxRetries = 0
	}
	op := "http " + req.URL.Host

	return retry.Get(ctx, o.exec, op, policy, func(ctx context.Context) (*http.Response, error) {
		attempt := req.Clone(ctx)
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, retry.Permanent(fmt.Errorf("%s: rewind body: %w", op, err))
			}
			attempt.Body = body
		}

		resp, err := o.client.Do(attempt)
		if err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil, ctx.Err()
			}
			return nil, retry.Transient(fmt.Errorf("%s: %w", op, err))
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxOutboundBody))
		if err != nil {
			return nil, retry.Transient(fmt.Errorf("%s: read body: %w", op, err))
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, retry.FromStatus(resp.StatusCode, &StatusError{URL: req.URL.Redacted(), StatusCode: resp.StatusCode, Body: data})
		}
		resp.Body = io.NopCloser(bytes.NewReader(data))
		resp.ContentLength = int64(len(data))
		return resp, nil
	})
}

// StatusError is a non-2xx response to an outbound call.
type StatusError struct {
	URL        string
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d", e.URL, e.StatusCode)
}
