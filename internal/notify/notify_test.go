package notify

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifierToleratesMissingChannels(t *testing.T) {
	n := New(nil, nil, discardLogger())
	ctx := context.Background()

	// Must log and drop, never panic.
	n.FileProblem(ctx, []string{"owner@example.com"}, "orders_1.csv", "missing_columns", "boom")
	n.Internal(ctx, "database unreachable", "connection refused")
	n.RunSummary(ctx, "2 files loaded")
}

func TestFileProblemWithoutRecipientsIsDropped(t *testing.T) {
	sender := NewEmailSender("smtp.example.com", 25, "", "", "loader@example.com", "")
	n := New(sender, nil, discardLogger())

	// No recipients: nothing to send, no SMTP dial.
	n.FileProblem(context.Background(), nil, "orders_1.csv", "missing_header", "boom")
}

func TestSlackSenderPostsToWebhook(t *testing.T) {
	var body []byte

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error
		body, err = io.ReadAll(r.Body)
		require.NoError(t, err)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sender := NewSlackSender(server.URL)
	require.NoError(t, sender.Post(context.Background(), "stage merge failed for orders_1.csv"))
	assert.Contains(t, string(body), "stage merge failed for orders_1.csv")
}

func TestSlackSenderReportsHTTPFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	sender := NewSlackSender(server.URL)
	require.Error(t, sender.Post(context.Background(), "boom"))
}

func TestEmailRecipientsIncludeDataTeamCopy(t *testing.T) {
	sender := NewEmailSender("smtp.example.com", 25, "u", "p", "loader@example.com", "data-team@example.com")

	got := sender.recipients([]string{"owner@example.com"})
	assert.Equal(t, []string{"owner@example.com", "data-team@example.com"}, got)

	// Owner address equal to the data team address is not duplicated.
	got = sender.recipients([]string{"Data-Team@example.com"})
	assert.Equal(t, []string{"Data-Team@example.com"}, got)
}

func TestEmailMessageHeaders(t *testing.T) {
	sender := NewEmailSender("smtp.example.com", 25, "", "", "loader@example.com", "data-team@example.com")

	msg := sender.message([]string{"owner@example.com"}, "File load failed: orders_1.csv", "details")
	assert.Contains(t, msg, "From: loader@example.com\r\n")
	assert.Contains(t, msg, "To: owner@example.com\r\n")
	assert.Contains(t, msg, "Cc: data-team@example.com\r\n")
	assert.Contains(t, msg, "Subject: File load failed: orders_1.csv\r\n")
	assert.Contains(t, msg, "\r\n\r\ndetails")
}
