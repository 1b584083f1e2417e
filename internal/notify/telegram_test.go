package notify

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/aegis-soc/aegis/internal/bus"
	"github.com/aegis-soc/aegis/internal/investigation"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []tgbotapi.MessageConfig
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, msg)
	}
	return tgbotapi.Message{MessageID: len(f.sent)}, nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeSender) last() tgbotapi.MessageConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

type fakeReader struct {
	states map[string]*investigation.State
}

func (f *fakeReader) GetInvestigation(_ context.Context, incidentID string) (*investigation.State, error) {
	return f.states[incidentID], nil
}

// waitFor polls check at short intervals until it returns true or the deadline
// elapses. This avoids fixed time.Sleep calls that cause flaky tests.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func startTestNotifier(t *testing.T, minSeverity string, states map[string]*investigation.State) (*bus.Bus, *fakeSender) {
	t.Helper()
	eventBus := bus.New()
	sender := &fakeSender{}
	n := NewTelegramNotifier(Config{
		ChatIDs:     []int64{1001},
		MinSeverity: minSeverity,
		Store:       &fakeReader{states: states},
		Bus:         eventBus,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	n.bot = sender

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = n.Start(ctx) }()

	// Wait for the subscription so published events are not lost.
	waitFor(t, time.Second, func() bool { return eventBus.SubscriberCount() > 0 })
	return eventBus, sender
}

func highState(incidentID string) *investigation.State {
	return &investigation.State{
		IncidentID: incidentID,
		Status:     investigation.StatusCompleted,
		Verdict: &investigation.ThreatVerdict{
			Severity:           investigation.SeverityHigh,
			Confidence:         0.9,
			ThreatSummary:      "Brute force from a known malicious IP.",
			Evidence:           []string{"intel lookup: malicious, score 95"},
			RecommendedActions: []string{"Block the source IP"},
		},
	}
}

func TestNotifierForwardsHighSeverityVerdict(t *testing.T) {
	st := highState("inc-1")
	eventBus, sender := startTestNotifier(t, investigation.SeverityHigh,
		map[string]*investigation.State{"inc-1": st})

	eventBus.Publish(bus.TopicInvestigationCompleted, bus.InvestigationEvent{
		IncidentID: "inc-1",
		Status:     investigation.StatusCompleted,
		Severity:   investigation.SeverityHigh,
	})

	waitFor(t, 2*time.Second, func() bool { return sender.count() == 1 })
	msg := sender.last()
	if msg.ChatID != 1001 {
		t.Errorf("chat_id = %d, want 1001", msg.ChatID)
	}
	if !strings.Contains(msg.Text, "HIGH") {
		t.Errorf("message missing severity: %s", msg.Text)
	}
	if !strings.Contains(msg.Text, "inc\\-1") {
		t.Errorf("message missing escaped incident ID: %s", msg.Text)
	}
	if !strings.Contains(msg.Text, "Block the source IP") {
		t.Errorf("message missing recommended action: %s", msg.Text)
	}
}

func TestNotifierSuppressesBelowThreshold(t *testing.T) {
	eventBus, sender := startTestNotifier(t, investigation.SeverityHigh, nil)

	eventBus.Publish(bus.TopicInvestigationCompleted, bus.InvestigationEvent{
		IncidentID: "inc-2",
		Status:     investigation.StatusCompleted,
		Severity:   investigation.SeverityLow,
	})
	// Iteration events are never forwarded.
	eventBus.Publish(bus.TopicInvestigationIteration, bus.InvestigationEvent{
		IncidentID: "inc-2",
		Status:     investigation.StatusRunning,
	})

	time.Sleep(100 * time.Millisecond)
	if sender.count() != 0 {
		t.Fatalf("sent %d messages, want 0", sender.count())
	}
}

func TestNotifierAlwaysForwardsFailures(t *testing.T) {
	eventBus, sender := startTestNotifier(t, investigation.SeverityCritical, nil)

	eventBus.Publish(bus.TopicInvestigationFailed, bus.InvestigationEvent{
		IncidentID: "inc-3",
		Status:     investigation.StatusFailed,
	})

	waitFor(t, 2*time.Second, func() bool { return sender.count() == 1 })
	if !strings.Contains(sender.last().Text, "Investigation failed") {
		t.Errorf("unexpected failure message: %s", sender.last().Text)
	}
}

func TestEscapeMarkdownV2(t *testing.T) {
	got := escapeMarkdownV2("score > 80 (malicious). Block it!")
	want := `score \> 80 \(malicious\)\. Block it\!`
	if got != want {
		t.Errorf("escape = %q, want %q", got, want)
	}
}
