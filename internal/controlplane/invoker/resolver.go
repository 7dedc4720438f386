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

	"github.com/marcus-qen/adjutant/internal/controlplane/predicate"
	"github.com/marcus-qen/adjutant/internal/controlplane/schedules"
)

const (
	defaultResolveToolName = "assistant_read_observable"
	defaultResolveTimeout  = 30 * time.Second
)

// MCPResolver resolves predicate subjects by asking the agent runtime to
// read the named observable. Like MCPInvoker, the session is lazy and is
// re-established after transport failures.
type MCPResolver struct {
	endpoint string
	toolName string
	timeout  time.Duration
	logger   *zap.Logger
	client   *mcpsdk.Client

	mu      sync.Mutex
	session *mcpsdk.ClientSession
}

// ResolverOption configures an MCPResolver.
type ResolverOption func(*MCPResolver)

// WithResolveToolName overrides the observable-read tool name.
func WithResolveToolName(name string) ResolverOption {
	return func(r *MCPResolver) { r.toolName = name }
}

// WithResolveTimeout bounds one resolution round trip.
func WithResolveTimeout(d time.Duration) ResolverOption {
	return func(r *MCPResolver) { r.timeout = d }
}

// NewMCPResolver creates a subject resolver backed by a streamable-HTTP
// MCP server, normally the same runtime the invoker targets.
func NewMCPResolver(endpoint string, logger *zap.Logger, opts ...ResolverOption) *MCPResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &MCPResolver{
		endpoint: endpoint,
		toolName: defaultResolveToolName,
		timeout:  defaultResolveTimeout,
		logger:   logger.Named("resolver"),
		client: mcpsdk.NewClient(&mcpsdk.Implementation{
			Name:    "adjutant",
			Version: "1.0.0",
		}, nil),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Name identifies the resolver in evaluation audit rows.
func (r *MCPResolver) Name() string { return "mcp" }

type resolveResponse struct {
	Found bool    `json:"found"`
	Value any     `json:"value"`
	Error *string `json:"error,omitempty"`
}

// Resolve implements predicate.SubjectResolver over one MCP tool call.
func (r *MCPResolver) Resolve(ctx context.Context, subject string, actor schedules.ActorContext) (any, error) {
	session, err := r.connect(ctx)
	if err != nil {
		return nil, &predicate.ResolverError{
			Code:    predicate.CodeEvaluationFailed,
			Message: err.Error(),
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	args := map[string]any{
		"subject":    subject,
		"actor_type": actor.ActorType,
		"trace_id":   actor.TraceID,
	}
	if actor.ActorID != nil {
		args["actor_id"] = *actor.ActorID
	}

	result, err := session.CallTool(callCtx, &mcpsdk.CallToolParams{
		Name:      r.toolName,
		Arguments: args,
	})
	if err != nil {
		r.dropSession()
		return nil, &predicate.ResolverError{
			Code:    predicate.CodeEvaluationFailed,
			Message: fmt.Sprintf("call %s: %v", r.toolName, err),
		}
	}

	text := textContent(result)
	if result.IsError {
		msg := text
		if msg == "" {
			msg = "agent runtime reported a tool error"
		}
		return nil, &predicate.ResolverError{Code: predicate.CodeEvaluationFailed, Message: msg}
	}

	var out resolveResponse
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return nil, &predicate.ResolverError{
			Code:    predicate.CodeEvaluationFailed,
			Message: fmt.Sprintf("decode resolve response: %v", err),
		}
	}
	if out.Error != nil && strings.TrimSpace(*out.Error) != "" {
		return nil, &predicate.ResolverError{Code: predicate.CodeEvaluationFailed, Message: *out.Error}
	}
	if !out.Found {
		return nil, &predicate.ResolverError{
			Code:    predicate.CodeSubjectNotFound,
			Message: fmt.Sprintf("subject %s not found", subject),
		}
	}
	return out.Value, nil
}

// Close tears down the session.
func (r *MCPResolver) Close() {
	r.dropSession()
}

func (r *MCPResolver) connect(ctx context.Context) (*mcpsdk.ClientSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session != nil {
		return r.session, nil
	}

	transport := &mcpsdk.StreamableClientTransport{
		Endpoint: r.endpoint,
		HTTPClient: &http.Client{
			Timeout: r.timeout,
		},
		DisableStandaloneSSE: true,
	}
	session, err := r.client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("connect to agent runtime at %s: %w", r.endpoint, err)
	}
	r.session = session
	r.logger.Info("resolver connected to agent runtime", zap.String("endpoint", r.endpoint))
	return session, nil
}

func (r *MCPResolver) dropSession() {
	r.mu.Lock()
	if r.session != nil {
		_ = r.session.Close()
		r.session = nil
	}
	r.mu.Unlock()
}

var _ predicate.SubjectResolver = (*MCPResolver)(nil)
