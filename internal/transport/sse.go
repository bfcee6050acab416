package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mcpfabric/internal/config"
)

const sseHealthTimeout = 5 * time.Second

// SSETransport speaks MCP over HTTP: a persistent GET carries the
// text/event-stream of responses/notifications, requests go out as
// individual POSTs.
type SSETransport struct {
	baseURL   string
	headers   map[string]string
	sessionID string
	client    *http.Client
	logger    *zap.Logger

	pending *pendingCalls

	mu         sync.Mutex
	postURL    string
	cancelRead context.CancelFunc
	streamDone chan struct{}

	connected atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewSSETransport builds the transport for an SSE ServerDescriptor. desc.Command
// carries the base URL, as validated by config.ServerDescriptor.validate.
func NewSSETransport(desc *config.ServerDescriptor, logger *zap.Logger) *SSETransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SSETransport{
		baseURL:   strings.TrimRight(desc.Command, "/"),
		headers:   desc.Env,
		sessionID: uuid.NewString(),
		client:    &http.Client{},
		logger:    logger.With(zap.String("server", desc.Name), zap.String("transport", "sse")),
		pending:   newPendingCalls(),
		postURL:   desc.Command,
	}
}

func (t *SSETransport) Connect(ctx context.Context) error {
	streamCtx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, t.baseURL, nil)
	if err != nil {
		cancel()
		return &TransportError{Err: err}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("X-Session-ID", t.sessionID)
	t.applyHeaders(req)

	resp, err := t.client.Do(req)
	if err != nil {
		cancel()
		return &TransportError{Err: fmt.Errorf("sse connect: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return &TransportError{Err: fmt.Errorf("sse connect: unexpected status %d", resp.StatusCode)}
	}

	t.cancelRead = cancel
	t.streamDone = make(chan struct{})
	t.connected.Store(true)

	go t.readLoop(resp.Body)

	return nil
}

// readLoop parses the SSE framing: consecutive "data:" lines accumulate a
// payload that is delivered on the following blank line. An "event: endpoint"
// frame names the POST endpoint for outgoing requests.
func (t *SSETransport) readLoop(body io.ReadCloser) {
	defer close(t.streamDone)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var event string
	var data bytes.Buffer

	flush := func() {
		if data.Len() == 0 {
			event = ""
			return
		}
		payload := bytes.TrimRight(data.Bytes(), "\n")

		switch event {
		case "endpoint":
			t.mu.Lock()
			t.postURL = t.resolveEndpoint(string(payload))
			t.mu.Unlock()
		default:
			var msg wireMessage
			if err := json.Unmarshal(payload, &msg); err != nil {
				t.logger.Warn("discarding malformed SSE event", zap.Error(err))
				break
			}
			if msg.ID != nil && msg.Method == "" {
				t.pending.resolve(&Response{ID: *msg.ID, Result: msg.Result, Error: msg.Error})
			}
		}

		event = ""
		data.Reset()
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			data.WriteByte('\n')
		default:
			// ignore id:/retry:/comment lines
		}
	}
	flush()
	t.connected.Store(false)
}

func (t *SSETransport) resolveEndpoint(raw string) string {
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		return raw
	}
	if u, err := url.Parse(t.baseURL); err == nil {
		origin := u.Scheme + "://" + u.Host
		if strings.HasPrefix(raw, "/") {
			return origin + raw
		}
		return origin + "/" + raw
	}
	return t.baseURL + raw
}

func (t *SSETransport) Send(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	if t.closed.Load() {
		return nil, &TransportError{Err: fmt.Errorf("transport closed")}
	}

	id, ch := t.pending.register()
	req := Request{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	body, err := json.Marshal(req)
	if err != nil {
		t.pending.cancel(id)
		return nil, &TransportError{Err: err}
	}

	t.mu.Lock()
	postURL := t.postURL
	t.mu.Unlock()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, postURL, bytes.NewReader(body))
	if err != nil {
		t.pending.cancel(id)
		return nil, &TransportError{Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Session-ID", t.sessionID)
	t.applyHeaders(httpReq)

	resp, err := t.client.Do(httpReq)
	if err != nil {
		t.pending.cancel(id)
		return nil, &TransportError{Err: err}
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		t.pending.cancel(id)
		return nil, &TransportError{Err: fmt.Errorf("sse post: unexpected status %d", resp.StatusCode)}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-ch:
		if result.err != nil {
			return nil, result.err
		}
		if result.resp.Error != nil {
			return nil, result.resp.Error
		}
		return result.resp.Result, nil
	case <-timer.C:
		t.pending.cancel(id)
		return nil, ErrTimeout
	case <-ctx.Done():
		t.pending.cancel(id)
		return nil, ctx.Err()
	}
}

func (t *SSETransport) Healthy(ctx context.Context) bool {
	if !t.connected.Load() {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, sseHealthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, t.baseURL, nil)
	if err != nil {
		return false
	}
	t.applyHeaders(req)
	resp, err := t.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}

func (t *SSETransport) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		if t.cancelRead != nil {
			t.cancelRead()
		}
		if t.streamDone != nil {
			<-t.streamDone
		}
		t.pending.cancelAll(&TransportError{Err: fmt.Errorf("transport closed")})
	})
	return nil
}

func (t *SSETransport) applyHeaders(req *http.Request) {
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
}
