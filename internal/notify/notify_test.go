package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentforge/internal/config"
	"agentforge/internal/domain"
)

func TestWebhookDeliversMatchingTransitions(t *testing.T) {
	var mu sync.Mutex
	var got []domain.TransitionEvent
	var headers []http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt domain.TransitionEvent
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&evt))
		mu.Lock()
		got = append(got, evt)
		headers = append(headers, r.Header.Clone())
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	disabled := false
	n := NewWebhook("acme", []config.WebhookConfig{
		{URL: srv.URL, Secret: "s3", Events: []string{"manual_promote"}},
		{URL: srv.URL, Enabled: &disabled},
	})

	require.NoError(t, n.Notify(context.Background(), domain.TransitionEvent{ID: 7, CandidateID: "c1", FromStage: "research", ToStage: "backtest", Reason: domain.ReasonManualPromote}))
	require.NoError(t, n.Notify(context.Background(), domain.TransitionEvent{ID: 8, CandidateID: "c1", Reason: domain.ReasonApproved}))

	require.Len(t, got, 1)
	assert.Equal(t, "backtest", got[0].ToStage)
	assert.Equal(t, "s3", headers[0].Get("X-Agentforge-Secret"))
	assert.Equal(t, "7", headers[0].Get("X-Agentforge-Delivery"))
	assert.Equal(t, "stage.transition.manual_promote", headers[0].Get("X-Agentforge-Event"))
}

func TestWebhookReportsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()
	n := NewWebhook("acme", []config.WebhookConfig{{URL: srv.URL}})
	err := n.Notify(context.Background(), domain.TransitionEvent{Reason: domain.ReasonApproved})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
}

func TestNop(t *testing.T) {
	assert.NoError(t, Nop{}.Notify(context.Background(), domain.TransitionEvent{}))
}
