package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// Assistant service methods. Payloads are google.protobuf.Struct on both
// sides so the backend can evolve its schema without a shared .proto.
const (
	askMethod   = "/handoff.assistant.v1.AssistantService/Ask"
	resetMethod = "/handoff.assistant.v1.AssistantService/Reset"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errAskResponse              = errors.New("ask response returned error")
)

// GrpcClient calls the assistant backend over gRPC.
type GrpcClient struct {
	conn           *grpc.ClientConn
	addr           string
	requestTimeout time.Duration
	logger         *slog.Logger
}

// GrpcClientConfig holds configuration for the gRPC client.
type GrpcClientConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGrpcClientConfig returns default configuration for addr.
func DefaultGrpcClientConfig(addr string) GrpcClientConfig {
	return GrpcClientConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		RequestTimeout:   30 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// NewGrpcClient connects to the assistant and waits until the channel is
// ready. Extra dial options are applied after the defaults.
func NewGrpcClient(cfg GrpcClientConfig, logger *slog.Logger, opts ...grpc.DialOption) (*GrpcClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultGrpcClientConfig(cfg.Address)
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.KeepaliveTime <= 0 {
		cfg.KeepaliveTime = def.KeepaliveTime
	}
	if cfg.KeepaliveTimeout <= 0 {
		cfg.KeepaliveTimeout = def.KeepaliveTimeout
	}

	// Set up keepalive parameters
	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, opts...)

	// Build client connection (no network I/O yet).
	conn, err := grpc.NewClient(cfg.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to assistant at %s: %w", cfg.Address, err)
	}

	// Force a connection attempt during startup so we fail fast on bad endpoints.
	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("assistant at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to assistant service", "address", cfg.Address)

	return &GrpcClient{
		conn:           conn,
		addr:           cfg.Address,
		requestTimeout: cfg.RequestTimeout,
		logger:         logger,
	}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the gRPC connection.
func (c *GrpcClient) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// Ask sends one question and decodes the reply.
func (c *GrpcClient) Ask(ctx context.Context, req AskRequest) (*Answer, error) {
	in, err := encodeAskRequest(req)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, askMethod, in, out); err != nil {
		c.logger.Warn("Ask failed", "participant_id", req.ParticipantID, "error", err)
		return nil, fmt.Errorf("ask request failed: %w", err)
	}
	return decodeAnswer(out)
}

// Reset clears the backend's state for a participant.
func (c *GrpcClient) Reset(ctx context.Context, participantID string) error {
	in, err := structpb.NewStruct(map[string]any{"participant_id": participantID})
	if err != nil {
		return fmt.Errorf("encode reset request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	if err := c.conn.Invoke(ctx, resetMethod, in, &structpb.Struct{}); err != nil {
		return fmt.Errorf("reset request failed: %w", err)
	}
	return nil
}

func encodeAskRequest(req AskRequest) (*structpb.Struct, error) {
	history := make([]any, 0, len(req.History))
	for _, m := range req.History {
		history = append(history, map[string]any{"role": m.Role, "content": m.Content})
	}
	in, err := structpb.NewStruct(map[string]any{
		"participant_id": req.ParticipantID,
		"question":       req.Question,
		"history":        history,
		"capabilities": map[string]any{
			"search_enabled":  req.Capabilities.SearchEnabled,
			"tools_enabled":   req.Capabilities.ToolsEnabled,
			"search_index_id": req.Capabilities.SearchIndexID,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("encode ask request: %w", err)
	}
	return in, nil
}

// decodeAnswer reads {content, tools_used[], tool_calls[{name, arguments}], error}.
func decodeAnswer(out *structpb.Struct) (*Answer, error) {
	fields := out.GetFields()
	if msg := fields["error"].GetStringValue(); msg != "" {
		return nil, fmt.Errorf("%w: %s", errAskResponse, msg)
	}

	ans := &Answer{Text: fields["content"].GetStringValue()}
	for _, v := range fields["tools_used"].GetListValue().GetValues() {
		if s := v.GetStringValue(); s != "" {
			ans.ToolsUsed = append(ans.ToolsUsed, s)
		}
	}
	for _, v := range fields["tool_calls"].GetListValue().GetValues() {
		call := v.GetStructValue().GetFields()
		if call["name"].GetStringValue() != HandoverTool {
			continue
		}
		ans.Handoff = true
		ans.HandoffReason = call["arguments"].GetStructValue().GetFields()["reason"].GetStringValue()
	}
	return ans, nil
}
