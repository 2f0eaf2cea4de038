package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

var ErrDispatch = errors.New("dispatch failed")

// Error is a transport or worker-side failure, distinct from the submitted
// program failing. StatusCode is 0 when no response was received.
type Error struct {
	ExecID     string
	Op         string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("execution %s: %s: worker returned %d: %s", e.ExecID, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("execution %s: %s: %s", e.ExecID, e.Op, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{ErrDispatch, e.Err}
}

// Dispatcher runs a request on a worker.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *Request, executionID string) (*Response, error)
}

// maxResponseBytes bounds how much of a worker response is read.
const maxResponseBytes = 16 << 20

// HTTPDispatcher POSTs requests to a worker URL with a bearer token.
type HTTPDispatcher struct {
	url    string
	apiKey string
	grace  time.Duration
	client *http.Client
}

// NewHTTPDispatcher creates a dispatcher. Each call is bounded by the
// request's own timeout plus grace.
func NewHTTPDispatcher(url, apiKey string, grace time.Duration, client *http.Client) *HTTPDispatcher {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPDispatcher{url: url, apiKey: apiKey, grace: grace, client: client}
}

func (d *HTTPDispatcher) Dispatch(ctx context.Context, req *Request, executionID string) (*Response, error) {
	fail := func(op string, status int, err error) (*Response, error) {
		return nil, &Error{ExecID: executionID, Op: op, StatusCode: status, Err: err}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fail("encode request", 0, err)
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(req.Timeout)*time.Millisecond+d.grace)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return fail("build request", 0, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(HeaderExecutionID, executionID)
	if d.apiKey != "" {
		httpReq.Header.Set(HeaderAuthorization, "Bearer "+d.apiKey)
	}

	start := time.Now()
	resp, err := d.client.Do(httpReq)
	if err != nil {
		return fail("send", 0, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fail("read response", resp.StatusCode, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fail("worker status", resp.StatusCode, errors.New(truncate(string(data), 512)))
	}

	var out Response
	if err := json.Unmarshal(data, &out); err != nil {
		return fail("decode response", resp.StatusCode, err)
	}
	if out.Output == nil {
		out.Output = []string{}
	}

	log.Debug().
		Str("exec_id", executionID).
		Bool("success", out.Success).
		Dur("round_trip", time.Since(start)).
		Msg("worker responded")
	return &out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...[truncated]"
}
