package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"mcpfabric/internal/config"
)

const (
	stdioGraceTimeout = 5 * time.Second
	stdioKillTimeout  = 2 * time.Second
	stdioReadBufCap   = 4 * 1024 * 1024
)

// StdioTransport owns one child process and its three standard streams.
// Close terminates the process; Connect is called once.
type StdioTransport struct {
	command string
	args    []string
	env     map[string]string
	logger  *zap.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	pending *pendingCalls

	healthy atomic.Bool
	exited  chan struct{}
	closed  atomic.Bool
	once    sync.Once
}

// NewStdioTransport builds the transport for a stdio ServerDescriptor. desc
// must already be validated (transport == stdio).
func NewStdioTransport(desc *config.ServerDescriptor, logger *zap.Logger) *StdioTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StdioTransport{
		command: desc.Command,
		args:    append([]string(nil), desc.Args...),
		env:     desc.Env,
		logger:  logger.With(zap.String("server", desc.Name), zap.String("transport", "stdio")),
	}
}

func (t *StdioTransport) Connect(ctx context.Context) error {
	cmd := exec.Command(t.command, t.args...)
	cmd.Env = mergeEnv(os.Environ(), t.env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &TransportError{Err: fmt.Errorf("stdin pipe: %w", err)}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &TransportError{Err: fmt.Errorf("stdout pipe: %w", err)}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &TransportError{Err: fmt.Errorf("stderr pipe: %w", err)}
	}

	if err := cmd.Start(); err != nil {
		return &TransportError{Err: fmt.Errorf("start %s: %w", t.command, err)}
	}

	t.cmd = cmd
	t.stdin = stdin
	t.pending = newPendingCalls()
	t.exited = make(chan struct{})
	t.healthy.Store(true)

	go t.waitForExit()
	go t.readLoop(stdout)
	go forwardStderr(stderr, t.logger)

	return nil
}

func (t *StdioTransport) waitForExit() {
	_ = t.cmd.Wait()
	t.healthy.Store(false)
	close(t.exited)
}

// readLoop demultiplexes stdout lines to the Send calls awaiting them. It
// never calls Send itself.
func (t *StdioTransport) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), stdioReadBufCap)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg wireMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			t.logger.Warn("discarding malformed line from child stdout", zap.Error(err))
			t.healthy.Store(false)
			continue
		}
		if msg.ID == nil || msg.Method != "" {
			// notification or server-to-client request; neither answers a
			// pending Send, and initial release subscribes to none
			continue
		}
		t.pending.resolve(&Response{ID: *msg.ID, Result: msg.Result, Error: msg.Error})
	}
}

func (t *StdioTransport) Send(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	if t.closed.Load() || !t.healthy.Load() {
		return nil, &TransportError{Err: fmt.Errorf("transport not connected")}
	}

	id, ch := t.pending.register()
	req := Request{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	data, err := json.Marshal(req)
	if err != nil {
		t.pending.cancel(id)
		return nil, &TransportError{Err: err}
	}
	data = append(data, '\n')

	t.mu.Lock()
	_, writeErr := t.stdin.Write(data)
	t.mu.Unlock()
	if writeErr != nil {
		t.pending.cancel(id)
		t.healthy.Store(false)
		return nil, &TransportError{Err: writeErr}
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

func (t *StdioTransport) Healthy(context.Context) bool {
	return t.healthy.Load()
}

// Close closes stdin to signal graceful shutdown, escalating to
// signal-terminate then force-terminate if the child lingers, so that no
// child process is left running once Close returns.
func (t *StdioTransport) Close() error {
	t.once.Do(func() {
		t.closed.Store(true)
		if t.stdin != nil {
			_ = t.stdin.Close()
		}
		if t.exited == nil {
			return
		}

		select {
		case <-t.exited:
		case <-time.After(stdioGraceTimeout):
			if t.cmd.Process != nil {
				_ = t.cmd.Process.Signal(os.Interrupt)
			}
			select {
			case <-t.exited:
			case <-time.After(stdioKillTimeout):
				if t.cmd.Process != nil {
					_ = t.cmd.Process.Kill()
				}
				<-t.exited
			}
		}

		t.healthy.Store(false)
		if t.pending != nil {
			t.pending.cancelAll(&TransportError{Err: fmt.Errorf("transport closed")})
		}
	})
	return nil
}

func mergeEnv(base []string, overlay map[string]string) []string {
	if len(overlay) == 0 {
		return base
	}
	merged := make([]string, 0, len(base)+len(overlay))
	merged = append(merged, base...)
	for k, v := range overlay {
		merged = append(merged, k+"="+v)
	}
	return merged
}

func forwardStderr(stderr io.Reader, logger *zap.Logger) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		logger.Debug("child stderr", zap.String("line", scanner.Text()))
	}
}
