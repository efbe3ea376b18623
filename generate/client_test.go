package generate

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creastat/chatengine"
)

func TestDispatchSynchronous(t *testing.T) {
	var got Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"response":         "Hi there",
			"tokens_used":      12,
			"tokens_remaining": 488,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	resp, err := c.Dispatch(context.Background(), Request{
		Message:           "hello",
		AgentInstructions: "be kind",
		AgentName:         "helper",
		SessionID:         "s1",
	})
	require.NoError(t, err)

	assert.False(t, resp.Accepted)
	assert.Equal(t, "Hi there", resp.Content)
	assert.Equal(t, 12, resp.TokensUsed)
	assert.Equal(t, 488, resp.TokensRemaining)

	assert.Equal(t, "hello", got.Message)
	assert.Equal(t, "be kind", got.AgentInstructions)
	assert.Equal(t, "helper", got.AgentName)
	assert.Equal(t, "s1", got.SessionID)
}

func TestDispatchStreamingAccepted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]any{})
	}))
	defer srv.Close()

	resp, err := NewClient(srv.URL).Dispatch(context.Background(), Request{Message: "hello", SessionID: "s1"})
	require.NoError(t, err)
	assert.True(t, resp.Accepted)
}

func TestDispatchClassifiesByBodyCode(t *testing.T) {
	cases := []struct {
		code string
		want error
	}{
		{"insufficient_tokens", chatengine.ErrInsufficientTokens},
		{"invalid_request", chatengine.ErrValidation},
		{"backend_misconfigured", chatengine.ErrRemoteConfiguration},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadRequest)
				json.NewEncoder(w).Encode(map[string]string{"code": tc.code, "detail": "nope"})
			}))
			defer srv.Close()

			_, err := NewClient(srv.URL).Dispatch(context.Background(), Request{Message: "x", SessionID: "s1"})
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestDispatchClassifiesByStatus(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusBadRequest, chatengine.ErrValidation},
		{http.StatusPaymentRequired, chatengine.ErrInsufficientTokens},
		{http.StatusInternalServerError, chatengine.ErrRemoteConfiguration},
		{http.StatusTeapot, chatengine.ErrUnknown},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", tc.status)
		}))

		_, err := NewClient(srv.URL).Dispatch(context.Background(), Request{Message: "x", SessionID: "s1"})
		assert.ErrorIs(t, err, tc.want, "status %d", tc.status)
		srv.Close()
	}
}

func TestDispatchNetworkFailureIsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse connections

	_, err := NewClient(srv.URL).Dispatch(context.Background(), Request{Message: "x", SessionID: "s1"})
	assert.ErrorIs(t, err, chatengine.ErrTransport)
}
