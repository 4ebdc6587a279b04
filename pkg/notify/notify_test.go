package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itak-ai/itak/pkg/config"
)

type capture struct {
	mu        sync.Mutex
	bodies    [][]byte
	signature string
}

func captureServer(t *testing.T) (*httptest.Server, *capture) {
	t.Helper()
	c := &capture{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.bodies = append(c.bodies, body)
		c.signature = r.Header.Get(signatureHeader)
		c.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv, c
}

func TestNotifyDeliversSignedPayload(t *testing.T) {
	srv, c := captureServer(t)
	n, err := New(&config.NotifyConfig{Targets: []config.WebhookTarget{
		{URL: srv.URL, Secret: "hook-secret", Events: []string{EventTaskCompleted}},
	}}, nil)
	require.NoError(t, err)

	n.Notify(context.Background(), EventTaskCompleted, map[string]any{"task_id": "t-1"})

	c.mu.Lock()
	defer c.mu.Unlock()
	require.Len(t, c.bodies, 1)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(c.bodies[0], &payload))
	assert.Equal(t, EventTaskCompleted, payload["event"])
	data := payload["data"].(map[string]any)
	assert.Equal(t, "t-1", data["task_id"])

	mac := hmac.New(sha256.New, []byte("hook-secret"))
	mac.Write(c.bodies[0])
	assert.Equal(t, "sha256="+hex.EncodeToString(mac.Sum(nil)), c.signature)
}

func TestNotifySkipsUnsubscribedTargets(t *testing.T) {
	srv, c := captureServer(t)
	n, err := New(&config.NotifyConfig{Targets: []config.WebhookTarget{
		{URL: srv.URL, Secret: "s", Events: []string{EventDailyReport}},
	}}, nil)
	require.NoError(t, err)

	n.Notify(context.Background(), EventErrorCritical, map[string]any{"error": "boom"})

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Empty(t, c.bodies)
}

func TestSecretsResolvedAtConstruction(t *testing.T) {
	srv, c := captureServer(t)
	resolver := func(placeholder string) (string, error) {
		require.Equal(t, "{{webhook_secret}}", placeholder)
		return "resolved-secret", nil
	}
	n, err := New(&config.NotifyConfig{Targets: []config.WebhookTarget{
		{URL: srv.URL, Secret: "{{webhook_secret}}", Events: []string{EventTaskCompleted}},
	}}, resolver)
	require.NoError(t, err)

	n.Notify(context.Background(), EventTaskCompleted, nil)

	c.mu.Lock()
	defer c.mu.Unlock()
	require.Len(t, c.bodies, 1)
	mac := hmac.New(sha256.New, []byte("resolved-secret"))
	mac.Write(c.bodies[0])
	assert.Equal(t, "sha256="+hex.EncodeToString(mac.Sum(nil)), c.signature)
}

func TestSendDailyReport(t *testing.T) {
	srv, c := captureServer(t)
	n, err := New(&config.NotifyConfig{Targets: []config.WebhookTarget{
		{URL: srv.URL, Secret: "s", Events: []string{EventDailyReport}},
	}}, nil)
	require.NoError(t, err)

	n.SendDailyReport(context.Background(), func(ctx context.Context) (string, error) {
		return "3 tasks done, 1 in review", nil
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	require.Len(t, c.bodies, 1)
	assert.Contains(t, string(c.bodies[0]), "3 tasks done, 1 in review")
}

func TestScheduleRejectsBadSpec(t *testing.T) {
	n, err := New(&config.NotifyConfig{}, nil)
	require.NoError(t, err)
	defer n.Close()

	err = n.ScheduleDailyReport("not a cron spec", func(ctx context.Context) (string, error) {
		return "", nil
	})
	assert.Error(t, err)
}

func TestScheduleAcceptsDefaultSpec(t *testing.T) {
	n, err := New(&config.NotifyConfig{}, nil)
	require.NoError(t, err)
	defer n.Close()

	cfg := &config.NotifyConfig{}
	cfg.SetDefaults()
	assert.NoError(t, n.ScheduleDailyReport(cfg.DailyReportCron, func(ctx context.Context) (string, error) {
		return "", nil
	}))
}
