package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// HTTPClient implements Gateway over HTTP+JSON
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	tracer     trace.Tracer
	duration   metric.Float64Histogram
}

// HTTPOption configures an HTTPClient
type HTTPOption func(*HTTPClient)

// WithHTTPClient replaces the underlying *http.Client
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPClient) { h.httpClient = c }
}

// WithTelemetry sets the tracer and meter used for gateway calls
func WithTelemetry(tracer trace.Tracer, meter metric.Meter) HTTPOption {
	return func(h *HTTPClient) {
		if tracer != nil {
			h.tracer = tracer
		}
		if meter != nil {
			h.duration = newDurationHistogram(meter)
		}
	}
}

// NewHTTPClient creates a gateway client rooted at baseURL
func NewHTTPClient(baseURL string, logger *slog.Logger, opts ...HTTPOption) (*HTTPClient, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid gateway URL %q: %w", baseURL, err)
	}

	c := &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     logger,
		tracer:     otel.Tracer("studychat/gateway"),
		duration:   newDurationHistogram(otel.Meter("studychat/gateway")),
	}
	for _, opt := range opts {
		opt(c)
	}

	logger.Info("created gateway HTTP client", "url", c.baseURL)
	return c, nil
}

func newDurationHistogram(meter metric.Meter) metric.Float64Histogram {
	h, err := meter.Float64Histogram(
		"http.client.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil
	}
	return h
}

// PersistResource stores a resource and returns its id
func (c *HTTPClient) PersistResource(ctx context.Context, req PersistResourceRequest) (string, error) {
	var resp IDResponse
	if err := c.do(ctx, "persist_resource", http.MethodPost, "/resources", req, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("persist_resource: response carried no id")
	}
	return resp.ID, nil
}

// SearchResources finds library resources matching query
func (c *HTTPClient) SearchResources(ctx context.Context, query string) ([]ResourceHit, error) {
	var hits []ResourceHit
	path := "/resources/search?q=" + url.QueryEscape(query)
	if err := c.do(ctx, "resource_search", http.MethodGet, path, nil, &hits); err != nil {
		return nil, err
	}
	return hits, nil
}

// CreateConversation creates a conversation and returns its id
func (c *HTTPClient) CreateConversation(ctx context.Context, req CreateConversationRequest) (string, error) {
	var resp IDResponse
	if err := c.do(ctx, "create_conversation", http.MethodPost, "/conversations", req, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("create_conversation: response carried no id")
	}
	return resp.ID, nil
}

// AppendMessage stores a message in a conversation. The response body is ignored.
func (c *HTTPClient) AppendMessage(ctx context.Context, sessionID string, req AppendMessageRequest) error {
	path := "/conversations/" + url.PathEscape(sessionID) + "/messages"
	return c.do(ctx, "append_message", http.MethodPost, path, req, nil)
}

// ListConversations returns the conversations of a user
func (c *HTTPClient) ListConversations(ctx context.Context, userID string) ([]ConversationSummary, error) {
	var list []ConversationSummary
	path := "/users/" + url.PathEscape(userID) + "/conversations"
	if err := c.do(ctx, "list_conversations", http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// FetchConversation returns the stored history of a conversation
func (c *HTTPClient) FetchConversation(ctx context.Context, sessionID string) (*Conversation, error) {
	var conv Conversation
	path := "/conversations/" + url.PathEscape(sessionID)
	if err := c.do(ctx, "fetch_conversation", http.MethodGet, path, nil, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// InvokeAgent runs the agent for one prompt
func (c *HTTPClient) InvokeAgent(ctx context.Context, req AgentInvokeRequest) (*AgentInvokeResponse, error) {
	var resp AgentInvokeResponse
	if err := c.do(ctx, "agent_invoke", http.MethodPost, "/agent/invoke", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// do sends one JSON request and decodes the JSON response into out (if non-nil)
func (c *HTTPClient) do(ctx context.Context, op, method, path string, in, out any) (err error) {
	ctx, span := c.tracer.Start(ctx, "gateway."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("gateway.operation", op),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	start := time.Now()
	defer func() {
		if c.duration != nil {
			c.duration.Record(ctx, float64(time.Since(start).Milliseconds()),
				metric.WithAttributes(attribute.String("gateway.operation", op)))
		}
	}()

	var body io.Reader
	if in != nil {
		jsonData, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: failed to marshal request: %w", op, err)
		}
		body = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: failed to create request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: failed to send request: %w", op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: failed to read response: %w", op, err)
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Operation: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	c.logger.Debug("gateway call", "operation", op, "status", resp.StatusCode, "duration_ms", time.Since(start).Milliseconds())

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%s: failed to unmarshal response: %w", op, err)
	}
	return nil
}
