// Package notify sends job outcome notifications to Slack channels. A
// missing token degrades to a single logged warning; notification errors
// are never allowed to affect run results.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
)

const requestTimeout = 10 * time.Second

// SlackNotifier posts outcome messages via chat.postMessage.
type SlackNotifier struct {
	client   *slack.Client
	warnOnce sync.Once
}

// NewSlack creates a notifier from a token file path. An empty or
// unreadable path leaves the notifier in a disabled state that warns once
// and returns nil from every call.
func NewSlack(tokenPath string) *SlackNotifier {
	n := &SlackNotifier{}
	if tokenPath == "" {
		return n
	}
	data, err := os.ReadFile(tokenPath)
	if err != nil {
		slog.Warn("slack token not readable, notifications disabled", "path", tokenPath, "error", err)
		return n
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return n
	}
	n.client = slack.New(token, slack.OptionHTTPClient(&http.Client{Timeout: requestTimeout}))
	return n
}

// NotifySuccess posts a completion message to the channel.
func (n *SlackNotifier) NotifySuccess(ctx context.Context, jobName string, durationMS int64, channel string) error {
	return n.post(ctx, channel, FormatSuccess(jobName, durationMS))
}

// NotifyFailure posts a failure message to the channel.
func (n *SlackNotifier) NotifyFailure(ctx context.Context, jobName string, durationMS int64, errMsg, channel string) error {
	return n.post(ctx, channel, FormatFailure(jobName, durationMS, errMsg))
}

func (n *SlackNotifier) post(ctx context.Context, channel, text string) error {
	if n.client == nil {
		n.warnOnce.Do(func() {
			slog.Warn("slack token not configured, dropping notifications")
		})
		return nil
	}
	_, _, err := n.client.PostMessageContext(ctx, channel, slack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("slack post to %s: %w", channel, err)
	}
	return nil
}

// FormatSuccess renders the success message.
func FormatSuccess(jobName string, durationMS int64) string {
	return fmt.Sprintf("✅ *%s* completed (%s)", jobName, formatDuration(durationMS))
}

// FormatFailure renders the failure message; the error suffix is omitted
// when empty.
func FormatFailure(jobName string, durationMS int64, errMsg string) string {
	msg := fmt.Sprintf("⚠️ *%s* failed (%s)", jobName, formatDuration(durationMS))
	if errMsg != "" {
		msg += ": " + errMsg
	}
	return msg
}

func formatDuration(ms int64) string {
	return fmt.Sprintf("%.1fs", float64(ms)/1000.0)
}
