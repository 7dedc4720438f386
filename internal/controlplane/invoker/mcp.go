package invoker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
)

const (
	defaultToolName    = "assistant_execute_task"
	defaultCallTimeout = 120 * time.Second
)

// MCPInvoker invokes the agent runtime over an MCP tool call. The session
// is established lazily and re-established after transport failures.
type MCPInvoker struct {
	endpoint string
	toolName string
	timeout  time.Duration
	logger   *zap.Logger
	client   *mcpsdk.Client

	mu      sync.Mutex
	session *mcpsdk.ClientSession
}

// MCPOption configures an MCPInvoker.
type MCPOption func(*MCPInvoker)

// WithToolName overrides the tool the runtime exposes for task execution.
func WithToolName(name string) MCPOption {
	return func(i *MCPInvoker) { i.toolName = name }
}

// WithCallTimeout bounds one invocation round trip.
func WithCallTimeout(d time.Duration) MCPOption {
	return func(i *MCPInvoker) { i.timeout = d }
}

// NewMCPInvoker creates an invoker targeting a streamable-HTTP MCP server.
func NewMCPInvoker(endpoint string, logger *zap.Logger, opts ...MCPOption) *MCPInvoker {
	if logger == nil {
		logger = zap.NewNop()
	}
	inv := &MCPInvoker{
		endpoint: endpoint,
		toolName: defaultToolName,
		timeout:  defaultCallTimeout,
		logger:   logger.Named("invoker"),
		client: mcpsdk.NewClient(&mcpsdk.Implementation{
			Name:    "adjutant",
			Version: "1.0.0",
		}, nil),
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

func (i *MCPInvoker) connect(ctx context.Context) (*mcpsdk.ClientSession, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.session != nil {
		return i.session, nil
	}

	transport := &mcpsdk.StreamableClientTransport{
		Endpoint: i.endpoint,
		HTTPClient: &http.Client{
			Timeout: i.timeout,
		},
		DisableStandaloneSSE: true,
	}
	session, err := i.client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("connect to agent runtime at %s: %w", i.endpoint, err)
	}
	i.session = session
	i.logger.Info("connected to agent runtime", zap.String("endpoint", i.endpoint))
	return session, nil
}

func (i *MCPInvoker) dropSession() {
	i.mu.Lock()
	if i.session != nil {
		_ = i.session.Close()
		i.session = nil
	}
	i.mu.Unlock()
}

// Invoke implements AgentInvoker over one MCP tool call.
func (i *MCPInvoker) Invoke(ctx context.Context, req InvocationRequest) (InvocationResult, error) {
	session, err := i.connect(ctx)
	if err != nil {
		return InvocationResult{}, err
	}

	callCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	args, err := toArguments(req)
	if err != nil {
		return InvocationResult{}, fmt.Errorf("encode invocation request: %w", err)
	}

	result, err := session.CallTool(callCtx, &mcpsdk.CallToolParams{
		Name:      i.toolName,
		Arguments: args,
	})
	if err != nil {
		// Transport-level failure: the next invocation reconnects.
		i.dropSession()
		return InvocationResult{}, fmt.Errorf("call %s: %w", i.toolName, err)
	}

	text := textContent(result)
	if result.IsError {
		msg := text
		if msg == "" {
			msg = "agent runtime reported a tool error"
		}
		return Failure("invoker_exception", msg), nil
	}

	var out InvocationResult
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return InvocationResult{}, fmt.Errorf("decode invocation result: %w", err)
	}
	return out, nil
}

// Close tears down the session.
func (i *MCPInvoker) Close() {
	i.dropSession()
}

func toArguments(req InvocationRequest) (map[string]any, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	return args, nil
}

func textContent(result *mcpsdk.CallToolResult) string {
	if result == nil {
		return ""
	}
	var parts []string
	for _, content := range result.Content {
		if tc, ok := content.(*mcpsdk.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

var _ AgentInvoker = (*MCPInvoker)(nil)
