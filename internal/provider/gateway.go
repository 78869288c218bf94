package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/marcofalcone/engram/internal/policy"
	"github.com/marcofalcone/engram/internal/reliability"
	"github.com/marcofalcone/engram/internal/store"
)

const (
	gatewayConnectTimeout  = 5 * time.Second
	gatewayWriteTimeout    = 3 * time.Second
	gatewayResponseTimeout = 120 * time.Second
)

// GatewayExtractor runs extraction against a hosted LLM gateway over its
// WebSocket request/response protocol. Transcript text is PII-redacted
// before it leaves the process.
type GatewayExtractor struct {
	wsURL  string
	token  string
	model  string
	dialer websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn
}

type gatewayFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *gatewayError   `json:"error,omitempty"`
}

type gatewayError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type gatewayConnectParams struct {
	Token  string `json:"token"`
	Client string `json:"client"`
}

type gatewayCompleteParams struct {
	Model  string `json:"model,omitempty"`
	Prompt string `json:"prompt"`
}

type gatewayCompletePayload struct {
	Text string `json:"text"`
}

func NewGatewayExtractor(wsURL, token, model string) (*GatewayExtractor, error) {
	wsURL = strings.TrimSpace(wsURL)
	if wsURL == "" {
		return nil, fmt.Errorf("gateway: missing url")
	}
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("gateway: missing token")
	}
	return &GatewayExtractor{
		wsURL:  wsURL,
		token:  strings.TrimSpace(token),
		model:  strings.TrimSpace(model),
		dialer: websocket.Dialer{HandshakeTimeout: gatewayConnectTimeout},
	}, nil
}

func (e *GatewayExtractor) Name() string { return "gateway" }

func (e *GatewayExtractor) Available(ctx context.Context) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn != nil {
		return true
	}
	conn, err := e.connectLocked(ctx)
	if err != nil {
		return false
	}
	e.conn = conn
	return true
}

func (e *GatewayExtractor) ExtractMemories(ctx context.Context, transcript string, opts ExtractOptions) ([]Candidate, error) {
	max := opts.MaxMemories
	if max <= 0 {
		max = 10
	}
	redacted, _ := policy.RedactPII(transcript)
	raw, err := e.complete(ctx, fmt.Sprintf(extractionPrompt, max, redacted))
	if err != nil {
		return nil, fmt.Errorf("gateway extract: %w", err)
	}
	candidates, err := parseCandidates(raw, max)
	if err != nil {
		return nil, fmt.Errorf("gateway extract: %w", err)
	}
	return candidates, nil
}

func (e *GatewayExtractor) FindRelationships(ctx context.Context, candidate Candidate, neighbors []store.Memory) ([]Relation, error) {
	if len(neighbors) == 0 {
		return nil, nil
	}
	content, _ := policy.RedactPII(candidate.Content)
	raw, err := e.complete(ctx, fmt.Sprintf(relationshipPrompt, content, formatNeighbors(neighbors)))
	if err != nil {
		return nil, fmt.Errorf("gateway relationships: %w", err)
	}
	relations, err := parseRelations(raw, neighbors)
	if err != nil {
		return nil, fmt.Errorf("gateway relationships: %w", err)
	}
	return relations, nil
}

func (e *GatewayExtractor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil {
		return nil
	}
	err := e.conn.Close()
	e.conn = nil
	return err
}

// complete issues one request frame and waits for the matching response,
// retrying once with backoff when the gateway reports a transient error.
func (e *GatewayExtractor) complete(ctx context.Context, prompt string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			wait := reliability.ExponentialBackoff(attempt-1, 500*time.Millisecond, 2*time.Second)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(wait):
			}
		}
		text, retryable, err := e.completeOnce(ctx, prompt)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if !retryable {
			return "", err
		}
	}
	return "", lastErr
}

// completeOnce holds the connection for one request/response exchange. A
// broken conn is dropped so the next call redials.
func (e *GatewayExtractor) completeOnce(ctx context.Context, prompt string) (string, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn == nil {
		conn, err := e.connectLocked(ctx)
		if err != nil {
			return "", true, err
		}
		e.conn = conn
	}

	id := uuid.NewString()
	req := gatewayFrame{Type: "req", ID: id, Method: "llm.complete"}
	params, err := json.Marshal(gatewayCompleteParams{Model: e.model, Prompt: prompt})
	if err != nil {
		return "", false, fmt.Errorf("marshal params: %w", err)
	}
	req.Payload = params

	_ = e.conn.SetWriteDeadline(time.Now().Add(gatewayWriteTimeout))
	if err := e.conn.WriteJSON(req); err != nil {
		e.dropConnLocked()
		return "", true, fmt.Errorf("write request: %w", err)
	}

	deadline := time.Now().Add(gatewayResponseTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	for {
		_ = e.conn.SetReadDeadline(deadline)
		var frame gatewayFrame
		if err := e.conn.ReadJSON(&frame); err != nil {
			e.dropConnLocked()
			return "", true, fmt.Errorf("read response: %w", err)
		}
		if frame.Type != "res" || frame.ID != id {
			continue
		}
		if frame.Error != nil {
			retryable := reliability.IsRetryableGatewayCode(frame.Error.Code)
			return "", retryable, fmt.Errorf("gateway %s: %s", frame.Error.Code, frame.Error.Message)
		}
		if !frame.OK {
			return "", false, fmt.Errorf("gateway request rejected")
		}
		var payload gatewayCompletePayload
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			return "", false, fmt.Errorf("decode payload: %w", err)
		}
		return payload.Text, false, nil
	}
}

func (e *GatewayExtractor) connectLocked(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, gatewayConnectTimeout)
	defer cancel()

	conn, _, err := e.dialer.DialContext(dialCtx, e.wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial gateway: %w", err)
	}

	params, err := json.Marshal(gatewayConnectParams{Token: e.token, Client: "engram"})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("marshal connect params: %w", err)
	}
	connect := gatewayFrame{Type: "req", ID: uuid.NewString(), Method: "connect", Payload: params}

	_ = conn.SetWriteDeadline(time.Now().Add(gatewayWriteTimeout))
	if err := conn.WriteJSON(connect); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write connect: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(gatewayConnectTimeout))
	var frame gatewayFrame
	if err := conn.ReadJSON(&frame); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read connect response: %w", err)
	}
	if frame.Error != nil {
		conn.Close()
		return nil, fmt.Errorf("gateway connect %s: %s", frame.Error.Code, frame.Error.Message)
	}
	if frame.Type != "res" || !frame.OK {
		conn.Close()
		return nil, fmt.Errorf("gateway connect rejected")
	}
	return conn, nil
}

func (e *GatewayExtractor) dropConnLocked() {
	if e.conn != nil {
		e.conn.Close()
		e.conn = nil
	}
}
