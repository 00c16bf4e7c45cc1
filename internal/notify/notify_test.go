package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"go.uber.org/zap"

	"github.com/opsforge/backupagent/internal/domain"
)

func TestJobTerminalSkipsDisabledChannelsSilently(t *testing.T) {
	os.Unsetenv("OPS_SMTP_HOST")
	os.Unsetenv("OPS_WEBHOOK_URL")

	n := New(zap.NewNop())
	n.JobTerminal(context.Background(), domain.Job{JobID: "job-1", Action: domain.ActionBackup, Status: domain.StatusSuccess})
	// No assertions beyond "does not panic or block" — both channels are
	// unconfigured and must no-op.
}

func TestWebhookSenderPostsSignedPayload(t *testing.T) {
	var gotBody webhookPayload
	var gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Ops-Signature")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	t.Setenv("OPS_WEBHOOK_URL", srv.URL)
	t.Setenv("OPS_WEBHOOK_SECRET", "shh")

	ws := newWebhookSender()
	if err := ws.Send(context.Background(), "failed", "title", "body text", map[string]any{"job_id": "j1"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotBody.Title != "title" || gotBody.Body != "body text" {
		t.Fatalf("unexpected payload: %+v", gotBody)
	}
	if gotSig == "" {
		t.Fatalf("expected a signature header")
	}
}

func TestWebhookSenderSkipsWhenUnconfigured(t *testing.T) {
	os.Unsetenv("OPS_WEBHOOK_URL")
	ws := newWebhookSender()
	if err := ws.Send(context.Background(), "success", "t", "b", nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
}
