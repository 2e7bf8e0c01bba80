package bus

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStripsTrailingSlashes(t *testing.T) {
	c := New("http://bus.example///", "key")
	assert.Equal(t, "http://bus.example", c.BaseURL())
}

func TestRequestCarriesBearerAndBagHeaders(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		_, _ = w.Write([]byte("[]"))
	}))
	defer srv.Close()

	c := New(srv.URL, "secret-key")
	c.SetHeader("X-Agent-Token", "jwt-1")

	_, err := c.ListAgents(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret-key", got.Get("Authorization"))
	assert.Equal(t, "jwt-1", got.Get("X-Agent-Token"))

	// Bag mutations apply to subsequent calls.
	c.SetHeader("X-Agent-Token", "jwt-2")
	_, err = c.ListAgents(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, "jwt-2", got.Get("X-Agent-Token"))

	c.RemoveHeader("X-Agent-Token")
	_, err = c.ListAgents(context.Background(), 5)
	require.NoError(t, err)
	assert.Empty(t, got.Get("X-Agent-Token"))
}

func TestRegisterAgent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/agents", r.URL.Path)

		var req RegisterRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "mach-1", req.MachineID)

		_ = json.NewEncoder(w).Encode(Agent{
			ID:          "agent-1",
			MachineID:   req.MachineID,
			SessionID:   req.SessionID,
			ProjectPath: req.ProjectPath,
			Status:      AgentActive,
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "key")
	agent, err := c.RegisterAgent(context.Background(), RegisterRequest{
		MachineID:   "mach-1",
		SessionID:   "sess-1",
		ProjectPath: "/w/p",
	})
	require.NoError(t, err)
	assert.Equal(t, "agent-1", agent.ID)
	assert.Equal(t, AgentActive, agent.Status)
}

func TestClaimAndStatusPaths(t *testing.T) {
	var paths []string
	var bodies []map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPatch, r.Method)
		paths = append(paths, r.URL.Path)
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		bodies = append(bodies, body)
	}))
	defer srv.Close()

	c := New(srv.URL, "key")
	require.NoError(t, c.ClaimMessage(context.Background(), "m1", "agent-1"))
	require.NoError(t, c.UpdateMessageStatus(context.Background(), "m1", StatusDelivered))

	require.Len(t, paths, 2)
	assert.Equal(t, "/v1/messages/m1/claim", paths[0])
	assert.Equal(t, map[string]string{"claimed_by": "agent-1"}, bodies[0])
	assert.Equal(t, "/v1/messages/m1/status", paths[1])
	assert.Equal(t, map[string]string{"status": "delivered"}, bodies[1])
}

func TestErrorSurfacesStatusAndBodyMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"message already claimed"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "key")
	err := c.ClaimMessage(context.Background(), "m1", "agent-1")
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Equal(t, "message already claimed", apiErr.Message)
}

func TestOpenStreamHeaders(t *testing.T) {
	done := make(chan http.Header, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		done <- r.Header.Clone()
		require.Equal(t, "/v1/messages/stream", r.URL.Path)
		require.Equal(t, "mach-1", r.URL.Query().Get("machine_id"))
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(": hello\n\n"))
	}))
	defer srv.Close()

	c := New(srv.URL, "key")
	body, err := c.OpenStream(context.Background(), "mach-1", "e42")
	require.NoError(t, err)
	defer body.Close()

	h := <-done
	assert.Equal(t, "text/event-stream", h.Get("Accept"))
	assert.Equal(t, "no-cache", h.Get("Cache-Control"))
	assert.Equal(t, "e42", h.Get("Last-Event-ID"))
	assert.Equal(t, "Bearer key", h.Get("Authorization"))
}

func TestMessageDeliveryModeAndThread(t *testing.T) {
	m := &Message{ID: "m1", Metadata: map[string]any{"deliveryMode": "pull"}}
	assert.Equal(t, DeliveryPull, m.DeliveryMode())
	assert.Equal(t, "m1", m.Thread())

	m.ThreadID = "t9"
	assert.Equal(t, "t9", m.Thread())

	assert.Empty(t, (&Message{}).DeliveryMode())
}
