package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/feedline/feedsync/pkg/logging"
	"github.com/feedline/feedsync/pkg/telemetry"
)

// Client calls a feedsync server's JSON-RPC methods
type Client struct {
	url    string
	http   *http.Client
	nextID int64
	logger *zap.Logger
}

// NewClient creates a client for the server at url
func NewClient(url string) *Client {
	return &Client{
		url:    url,
		http:   &http.Client{Timeout: 30 * time.Second},
		logger: logging.WithComponent("rpc-client"),
	}
}

// Call invokes method with params and decodes the result into result, which
// may be nil. A JSON-RPC error is returned as *Error.
func (c *Client) Call(ctx context.Context, method string, params, result interface{}) error {
	ctx, span := telemetry.StartSpan(ctx, "rpc.call")
	err := c.call(ctx, method, params, result)
	telemetry.EndSpan(span, err)
	return err
}

func (c *Client) call(ctx context.Context, method string, params, result interface{}) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}
	body, err := json.Marshal(JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      atomic.AddInt64(&c.nextID, 1),
		Method:  method,
		Params:  raw,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	c.logger.Debug("Calling method", zap.String("method", method))
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call %s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to call %s: status %d", method, resp.StatusCode)
	}

	var rpcResp JSONRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if rpcResp.Error != nil {
		msg := rpcResp.Error.Message
		if data, ok := rpcResp.Error.Data.(string); ok && data != "" {
			msg = fmt.Sprintf("%s: %s", msg, data)
		}
		return NewError(rpcResp.Error.Code, msg)
	}

	if result == nil || len(rpcResp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(rpcResp.Result, result); err != nil {
		return fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return nil
}
