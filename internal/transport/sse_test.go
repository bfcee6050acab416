package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpfabric/internal/config"
)

// newSSEFixture wires a test HTTP server that streams SSE frames and accepts
// POSTed requests, echoing each back as a matching JSON-RPC response frame.
func newSSEFixture(t *testing.T) (*httptest.Server, chan string) {
	t.Helper()
	frames := make(chan string, 16)

	mux := http.NewServeMux()
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()
		for {
			select {
			case frame := <-frames:
				fmt.Fprintf(w, "data: %s\n\n", frame)
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
	mux.HandleFunc("/rpc", func(w http.ResponseWriter, r *http.Request) {
		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.WriteHeader(http.StatusAccepted)
		resp, _ := json.Marshal(Response{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`{"ok":true}`)})
		frames <- string(resp)
	})

	srv := httptest.NewServer(mux)
	return srv, frames
}

func TestSSETransport_SendReceivesMatchedResponse(t *testing.T) {
	srv, _ := newSSEFixture(t)
	defer srv.Close()

	desc := &config.ServerDescriptor{Name: "remote", Command: srv.URL + "/events", Transport: config.TransportSSE}
	tr := NewSSETransport(desc, nil)
	tr.postURL = srv.URL + "/rpc"

	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Close()

	result, err := tr.Send(context.Background(), "tools/list", nil, 2*time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(result))
}

func TestSSETransport_HealthyReflectsStreamState(t *testing.T) {
	srv, _ := newSSEFixture(t)
	defer srv.Close()

	desc := &config.ServerDescriptor{Name: "remote", Command: srv.URL + "/events", Transport: config.TransportSSE}
	tr := NewSSETransport(desc, nil)
	tr.postURL = srv.URL + "/rpc"

	require.NoError(t, tr.Connect(context.Background()))
	assert.True(t, tr.Healthy(context.Background()))
	require.NoError(t, tr.Close())
	assert.False(t, tr.Healthy(context.Background()))
}

func TestSSETransport_EndpointEventRepointsPostURL(t *testing.T) {
	mux := http.NewServeMux()
	var gotPost bool
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "event: endpoint\ndata: /custom-rpc\n\n")
		flusher.Flush()
		<-r.Context().Done()
	})
	mux.HandleFunc("/custom-rpc", func(w http.ResponseWriter, r *http.Request) {
		gotPost = true
		w.WriteHeader(http.StatusAccepted)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	desc := &config.ServerDescriptor{Name: "remote", Command: srv.URL + "/events", Transport: config.TransportSSE}
	tr := NewSSETransport(desc, nil)

	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Close()

	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, _ = tr.Send(ctx, "tools/list", nil, 50*time.Millisecond)

	assert.True(t, gotPost, "post should have gone to the endpoint named by the endpoint event")
}
