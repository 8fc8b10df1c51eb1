package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketAgent implements AgentInvoker over a JSON-RPC 2.0 WebSocket connection
type WebSocketAgent struct {
	url    string
	conn   *websocket.Conn
	reqID  int
	logger *slog.Logger
	mu     sync.Mutex
	closed bool
}

// NewWebSocketAgent dials the agent endpoint at url (ws:// or wss://)
func NewWebSocketAgent(ctx context.Context, url string, logger *slog.Logger) (*WebSocketAgent, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WebSocket: %w", err)
	}

	logger.Info("created agent WebSocket client", "url", url)
	return &WebSocketAgent{
		url:    url,
		conn:   conn,
		logger: logger,
	}, nil
}

// InvokeAgent sends agent/invoke and waits for its result. Calls are
// serialized on the single connection.
func (a *WebSocketAgent) InvokeAgent(ctx context.Context, req AgentInvokeRequest) (*AgentInvokeResponse, error) {
	var resp AgentInvokeResponse
	if err := a.sendRequest(ctx, MethodInvokeAgent, req, &resp); err != nil {
		return nil, fmt.Errorf("agent_invoke: %w", err)
	}
	return &resp, nil
}

// Close disconnects from the agent endpoint
func (a *WebSocketAgent) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true

	_ = a.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	err := a.conn.Close()

	a.logger.Info("closed agent WebSocket client", "url", a.url)
	return err
}

// sendRequest sends a JSON-RPC request and reads responses until the matching id arrives
func (a *WebSocketAgent) sendRequest(ctx context.Context, method string, params any, result any) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return fmt.Errorf("client is closed")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	deadline := time.Time{}
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	_ = a.conn.SetWriteDeadline(deadline)
	_ = a.conn.SetReadDeadline(deadline)

	// unblock a pending read when ctx is cancelled without a deadline
	stop := context.AfterFunc(ctx, func() {
		_ = a.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	a.reqID++
	request := JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      a.reqID,
		Method:  method,
		Params:  params,
	}

	if err := a.conn.WriteJSON(request); err != nil {
		return fmt.Errorf("failed to write request: %w", err)
	}

	for {
		var response JSONRPCResponse
		if err := a.conn.ReadJSON(&response); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to read response: %w", err)
		}
		if response.ID != request.ID {
			a.logger.Warn("dropping out-of-order JSON-RPC response", "id", response.ID, "want", request.ID)
			continue
		}
		if response.Error != nil {
			return response.Error
		}
		if result != nil && len(response.Result) > 0 {
			if err := json.Unmarshal(response.Result, result); err != nil {
				return fmt.Errorf("failed to unmarshal result: %w", err)
			}
		}
		return nil
	}
}
