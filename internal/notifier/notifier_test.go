package notifier_test

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opsbutler/butler/internal/identity"
	"github.com/opsbutler/butler/internal/notifier"
)

type fakeSender struct {
	mu       sync.Mutex
	messages []string
}

func (f *fakeSender) Send(_ context.Context, channelType, destination, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, channelType+"|"+destination+"|"+message)
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifyOwnerUnknownSender_Delivers(t *testing.T) {
	sender := &fakeSender{}
	n := notifier.New(sender, notifier.Config{
		OwnerChannelType: "matrix",
		OwnerDestination: "!owner:example.com",
	}, quietLogger())

	err := n.NotifyOwnerUnknownSender(context.Background(), &identity.Contact{Name: "Mystery"}, "telegram", "9001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sender.count() != 1 {
		t.Fatalf("expected 1 message, got %d", sender.count())
	}
	if !strings.Contains(sender.messages[0], "telegram") || !strings.Contains(sender.messages[0], "9001") {
		t.Errorf("message missing channel details: %q", sender.messages[0])
	}
}

func TestNotifyApprovalPending_BatchesWithinWindow(t *testing.T) {
	sender := &fakeSender{}
	n := notifier.New(sender, notifier.Config{
		OwnerChannelType: "matrix",
		OwnerDestination: "!owner:example.com",
		BatchWindow:      30 * time.Millisecond,
	}, quietLogger())

	ctx := context.Background()
	n.NotifyApprovalPending(ctx, "ops-butler", "act_1", "send_email")
	n.NotifyApprovalPending(ctx, "ops-butler", "act_2", "post_calendar_event")

	if sender.count() != 0 {
		t.Fatalf("expected no immediate delivery before batch window elapses, got %d", sender.count())
	}

	time.Sleep(80 * time.Millisecond)

	if sender.count() != 1 {
		t.Fatalf("expected exactly one combined delivery, got %d", sender.count())
	}
	if !strings.Contains(sender.messages[0], "act_1") || !strings.Contains(sender.messages[0], "act_2") {
		t.Errorf("combined message missing one of the batched actions: %q", sender.messages[0])
	}
}

func TestNotifyScheduledFailure_NeverBatched(t *testing.T) {
	sender := &fakeSender{}
	n := notifier.New(sender, notifier.Config{
		OwnerChannelType: "matrix",
		OwnerDestination: "!owner:example.com",
		BatchWindow:      time.Minute,
	}, quietLogger())

	n.NotifyScheduledFailure(context.Background(), "daily-report", "worker timed out")

	if sender.count() != 1 {
		t.Fatalf("expected immediate delivery, got %d", sender.count())
	}
	if !strings.Contains(sender.messages[0], "daily-report") {
		t.Errorf("message missing task name: %q", sender.messages[0])
	}
}

func TestDeliver_RejectsNonOwnerDestination(t *testing.T) {
	sender := &fakeSender{}
	n := notifier.New(sender, notifier.Config{
		OwnerChannelType: "matrix",
		OwnerDestination: "!owner:example.com",
		Approver: fixedApprover{approve: false},
	}, quietLogger())

	err := n.NotifyOwnerUnknownSender(context.Background(), nil, "telegram", "9001")
	if err == nil {
		t.Fatal("expected delivery to be rejected by the approver")
	}
	if sender.count() != 0 {
		t.Fatalf("expected no delivery, got %d", sender.count())
	}
}

type fixedApprover struct{ approve bool }

func (f fixedApprover) AutoApproved(context.Context, string, string) bool { return f.approve }
