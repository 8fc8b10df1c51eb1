package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAgentServer(t *testing.T, handle func(req JSONRPCRequest, params AgentInvokeRequest) JSONRPCResponse) string {
	t.Helper()
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			var raw struct {
				JSONRPCRequest
				Params json.RawMessage `json:"params"`
			}
			if err := conn.ReadJSON(&raw); err != nil {
				return
			}
			var params AgentInvokeRequest
			_ = json.Unmarshal(raw.Params, &params)
			if err := conn.WriteJSON(handle(raw.JSONRPCRequest, params)); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocketAgentInvoke(t *testing.T) {
	url := newAgentServer(t, func(req JSONRPCRequest, params AgentInvokeRequest) JSONRPCResponse {
		result, _ := json.Marshal(AgentInvokeResponse{
			Responses:     []AgentResponse{{Content: "echo: " + params.Prompt}},
			ProposedTasks: []ProposedTask{{Title: "Read ch. 2", Description: "before Friday"}},
		})
		return JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: result}
	})

	agent, err := NewWebSocketAgent(context.Background(), url, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer agent.Close()

	for _, prompt := range []string{"first", "second"} {
		resp, err := agent.InvokeAgent(context.Background(), AgentInvokeRequest{Prompt: prompt})
		require.NoError(t, err)
		assert.Equal(t, "echo: "+prompt, resp.Responses[0].Content)
		assert.Equal(t, "Read ch. 2", resp.ProposedTasks[0].Title)
	}

	require.NoError(t, agent.Close())
	_, err = agent.InvokeAgent(context.Background(), AgentInvokeRequest{Prompt: "late"})
	assert.Error(t, err)
}

func TestWebSocketAgentRPCError(t *testing.T) {
	url := newAgentServer(t, func(req JSONRPCRequest, _ AgentInvokeRequest) JSONRPCResponse {
		return JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Error: &RPCError{Code: -32000, Message: "agent offline"}}
	})

	agent, err := NewWebSocketAgent(context.Background(), url, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer agent.Close()

	_, err = agent.InvokeAgent(context.Background(), AgentInvokeRequest{Prompt: "x"})
	require.Error(t, err)

	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32000, rpcErr.Code)
	assert.Contains(t, err.Error(), "agent offline")
}
