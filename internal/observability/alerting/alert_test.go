package alerting

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	xerrors "github.com/Xeros-AGiXT/Xeros/internal/errors"
)

type recordingEmail struct {
	calls   atomic.Int32
	subject string
	content string
}

func (r *recordingEmail) Send(_ context.Context, subject, content string, _ []string) error {
	r.calls.Add(1)
	r.subject = subject
	r.content = content
	return nil
}

type failingSlack struct{}

func (failingSlack) Send(context.Context, string, string) error { return errors.New("slack down") }

func TestFanoutDeliversToEveryChannel(t *testing.T) {
	email := &recordingEmail{}
	dispatcher := NewFanout(
		&LogNotifier{},
		&EmailNotifier{Sender: email, To: []string{"ops@example.com"}, SubjectPrefix: "[xeros]"},
		nil,
	)
	if got := dispatcher.Channels(); len(got) != 2 || got[0] != ChannelEmail || got[1] != ChannelLog {
		t.Fatalf("unexpected channels: %v", got)
	}

	event := Event{
		Code:       "CHAIN_ABORTED",
		Message:    "required step failed",
		Severity:   xerrors.SeverityCritical,
		RunID:      "deploy_1",
		ChainID:    "deployment",
		Status:     "failed",
		FailedStep: "code_review",
		Metadata:   map[string]string{"b": "2", "a": "1"},
		OccurredAt: time.Unix(0, 0).UTC(),
	}
	if err := dispatcher.Notify(context.Background(), event); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if email.calls.Load() != 1 {
		t.Fatalf("email notifier should be called once")
	}
	if !strings.Contains(email.subject, "deployment") || !strings.HasPrefix(email.subject, "[xeros]") {
		t.Fatalf("unexpected subject %q", email.subject)
	}
	if !strings.Contains(email.content, "失败步骤: code_review") || strings.Index(email.content, "- a: 1") > strings.Index(email.content, "- b: 2") {
		t.Fatalf("unexpected content %q", email.content)
	}
}

func TestFanoutJoinsChannelErrors(t *testing.T) {
	dispatcher := NewFanout(&SlackNotifier{Sender: failingSlack{}, ChannelID: "C1"}, &LogNotifier{})
	err := dispatcher.Notify(context.Background(), Event{Code: "X"})
	if err == nil || !strings.Contains(err.Error(), "channel slack") {
		t.Fatalf("expected slack error, got %v", err)
	}
}

func TestUnconfiguredNotifiersAreSkipped(t *testing.T) {
	for _, n := range []Notifier{&EmailNotifier{}, &DingTalkNotifier{}, &SlackNotifier{}} {
		if err := n.Notify(context.Background(), Event{RunID: "r"}); err != nil {
			t.Fatalf("%s: unconfigured notifier should not fail: %v", n.Channel(), err)
		}
	}
	var nilDispatcher *FanoutDispatcher
	if err := nilDispatcher.Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("nil dispatcher should be a no-op")
	}
}
