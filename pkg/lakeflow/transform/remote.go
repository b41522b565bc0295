package transform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	lferrors "github.com/randalmurphal/lakeflow/pkg/lakeflow/errors"
	"github.com/randalmurphal/lakeflow/pkg/lakeflow/event"
)

// FunctionErrorHeader marks a response whose body is a function error
// rather than a result, even when the status is 200.
const FunctionErrorHeader = "X-Lakeflow-Function-Error"

// maxResponseBytes caps how much of a remote response is read.
const maxResponseBytes = 32 << 20

// Invoker calls a named remote function with a JSON payload and returns
// its JSON response.
type Invoker interface {
	Invoke(ctx context.Context, function string, payload []byte) ([]byte, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, function string, payload []byte) ([]byte, error)

// Invoke implements Invoker.
func (f InvokerFunc) Invoke(ctx context.Context, function string, payload []byte) ([]byte, error) {
	return f(ctx, function, payload)
}

// RemoteExecutionError reports that a remote function ran and failed, or
// that the endpoint refused the call. It is a hard failure and is not
// retried. Transport failures, where the function never answered, are
// returned as transient errors instead.
type RemoteExecutionError struct {
	Function   string
	StatusCode int
	Message    string
}

// Error implements the error interface.
func (e *RemoteExecutionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("remote function %s failed (HTTP %d): %s", e.Function, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("remote function %s failed: %s", e.Function, e.Message)
}

// Request is the payload sent to a remote function.
type Request struct {
	Function string         `json:"function"`
	Events   []*event.Event `json:"events"`
	Siblings []*event.Event `json:"siblings,omitempty"`
	Latest   *event.Event   `json:"latest,omitempty"`
}

type remoteRunner struct {
	function string
	invoker  Invoker
}

func (r *remoteRunner) run(ctx context.Context, _ purpose, in Input) (any, error) {
	payload, err := json.Marshal(Request{
		Function: r.function,
		Events:   in.Events,
		Siblings: in.Siblings,
		Latest:   in.Latest,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	resp, err := r.invoker.Invoke(ctx, r.function, payload)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(resp), nil
}

// HTTPInvoker invokes functions by POSTing the request to an endpoint.
// The function name is also sent in the X-Lakeflow-Function header.
type HTTPInvoker struct {
	endpoint string
	client   *http.Client
}

// NewHTTPInvoker creates an invoker for endpoint. A nil client uses
// http.DefaultClient.
func NewHTTPInvoker(endpoint string, client *http.Client) *HTTPInvoker {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPInvoker{endpoint: endpoint, client: client}
}

// Invoke implements Invoker.
func (h *HTTPInvoker) Invoke(ctx context.Context, function string, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Lakeflow-Function", function)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, lferrors.Transient(fmt.Errorf("invoke %s: %w", function, err), "remote transform")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response from %s: %w", function, err)
	}

	if kind := resp.Header.Get(FunctionErrorHeader); kind != "" {
		return nil, &RemoteExecutionError{
			Function: function,
			Message:  kind + ": " + strings.TrimSpace(string(body)),
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &RemoteExecutionError{
			Function:   function,
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(body)),
		}
	}
	return body, nil
}
