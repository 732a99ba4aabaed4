//go:build integration

package partnermsg_test

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	partnermsg "github.com/tendai-dev/onboarding-kyb-sub002"
)

// helpers ---------------------------------------------------------------

func baseURL(t *testing.T) string {
	t.Helper()
	v := os.Getenv("PARTNERMSG_BASE_URL_TEST")
	if v == "" {
		t.Fatal("PARTNERMSG_BASE_URL_TEST environment variable is required")
	}
	return v
}

func newClient(t *testing.T) *partnermsg.Client {
	t.Helper()
	return partnermsg.NewClient(baseURL(t),
		partnermsg.WithTimeout(15*time.Second),
		partnermsg.WithIdentity(partnermsg.StaticIdentity{
			UserID:      os.Getenv("PARTNERMSG_USER_ID_TEST"),
			DisplayName: "Integration Test",
			Email:       os.Getenv("PARTNERMSG_EMAIL_TEST"),
		}),
	)
}

func hubURL() string {
	return os.Getenv("PARTNERMSG_HUB_URL_TEST")
}

// =======================================================================
// Group 1: Read paths
// =======================================================================

func TestIntegration_Threads_ListMine(t *testing.T) {
	client := newClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	threads, err := client.Threads.ListMine(ctx, partnermsg.Page{Number: 1, Size: 20})
	if err != nil {
		t.Fatalf("ListMine returned error: %v", err)
	}
	t.Logf("ListMine: %d threads", len(threads))
	for _, th := range threads {
		if th.UnreadCount < 0 {
			t.Errorf("thread %s has negative unread count %d", th.ID, th.UnreadCount)
		}
	}
}

func TestIntegration_Unread_Count(t *testing.T) {
	client := newClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n, err := client.Unread.Count(ctx)
	if err != nil {
		t.Fatalf("Count returned error: %v", err)
	}
	t.Logf("Unread: %d", n)
}

func TestIntegration_Cases_Dashboard(t *testing.T) {
	client := newClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	d, err := client.Cases.Dashboard(ctx)
	if err != nil {
		t.Fatalf("Dashboard returned error: %v", err)
	}
	t.Logf("Dashboard: open=%d cases=%d", d.OpenCases, len(d.Cases))
}

// =======================================================================
// Group 2: Send lifecycle
// =======================================================================

func TestIntegration_Session_SendLifecycle(t *testing.T) {
	app := os.Getenv("PARTNERMSG_APPLICATION_TEST")
	if app == "" {
		t.Skip("PARTNERMSG_APPLICATION_TEST not set")
	}
	client := newClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	var channel *partnermsg.Channel
	if u := hubURL(); u != "" {
		channel = partnermsg.NewChannel(u, partnermsg.ChannelConfig{MaxReconnectAttempts: 2})
	}
	session := partnermsg.NewSession(client, channel, partnermsg.SessionOptions{})
	defer session.Close()

	if err := session.Start(ctx); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	appID, err := client.Cases.Resolve(ctx, app)
	if err != nil {
		t.Fatalf("Resolve(%s) returned error: %v", app, err)
	}
	thread, err := client.Threads.ByApplication(ctx, appID)
	if err != nil {
		t.Fatalf("ByApplication returned error: %v", err)
	}
	if thread != nil {
		if err := session.SelectThread(ctx, thread.ID); err != nil {
			t.Fatalf("SelectThread returned error: %v", err)
		}
	}

	content := fmt.Sprintf("integration %d", time.Now().UnixNano())
	msg, err := session.Send(ctx, partnermsg.SendRequest{
		Content:        content,
		ApplicationRef: appID,
		Attachments: []partnermsg.FileUpload{
			{FileName: "note.txt", Data: []byte("integration attachment")},
		},
	})
	if err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	if msg == nil {
		t.Skip("messaging service unavailable")
	}
	t.Logf("Send: id=%s thread=%s", msg.ID, msg.ThreadID)

	var found int
	for _, m := range session.Sync.Window() {
		if m.IsTemporary() {
			t.Errorf("temporary message %s left in window", m.ID)
		}
		if strings.TrimSpace(m.Content) == content {
			found++
		}
	}
	if found != 1 {
		t.Errorf("expected exactly one copy of the sent message, got %d", found)
	}
}
