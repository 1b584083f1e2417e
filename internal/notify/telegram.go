// Package notify pushes terminal investigation outcomes to on-call
// channels. Telegram is the only backend; others hang off the same bus
// subscription pattern.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/aegis-soc/aegis/internal/bus"
	"github.com/aegis-soc/aegis/internal/investigation"
)

// Sender is the slice of the Telegram bot API the notifier uses.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// InvestigationReader loads the full record for a notification.
// *persistence.Store satisfies it.
type InvestigationReader interface {
	GetInvestigation(ctx context.Context, incidentID string) (*investigation.State, error)
}

// TelegramNotifier forwards completed and failed investigations to a set
// of Telegram chats. Verdicts below MinSeverity are suppressed; failures
// are always forwarded.
type TelegramNotifier struct {
	token       string
	chatIDs     []int64
	minSeverity string
	store       InvestigationReader
	eventBus    *bus.Bus
	logger      *slog.Logger
	bot         Sender
}

type Config struct {
	Token       string
	ChatIDs     []int64
	MinSeverity string // defaults to "high"
	Store       InvestigationReader
	Bus         *bus.Bus
	Logger      *slog.Logger
}

func NewTelegramNotifier(cfg Config) *TelegramNotifier {
	minSeverity := cfg.MinSeverity
	if minSeverity == "" {
		minSeverity = investigation.SeverityHigh
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramNotifier{
		token:       cfg.Token,
		chatIDs:     cfg.ChatIDs,
		minSeverity: minSeverity,
		store:       cfg.Store,
		eventBus:    cfg.Bus,
		logger:      logger,
	}
}

// Start connects the bot and consumes bus events until ctx is done.
func (n *TelegramNotifier) Start(ctx context.Context) error {
	if n.bot == nil {
		bot, err := tgbotapi.NewBotAPI(n.token)
		if err != nil {
			return fmt.Errorf("telegram init failed: %w", err)
		}
		n.bot = bot
		n.logger.Info("telegram notifier started", "user", bot.Self.UserName)
	}

	sub := n.eventBus.Subscribe("investigation.")
	defer n.eventBus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Ch():
			if !ok {
				return nil
			}
			n.handleEvent(ctx, ev)
		}
	}
}

func (n *TelegramNotifier) handleEvent(ctx context.Context, ev bus.Event) {
	payload, ok := ev.Payload.(bus.InvestigationEvent)
	if !ok {
		return
	}
	switch ev.Topic {
	case bus.TopicInvestigationCompleted:
		if !investigation.SeverityAtLeast(payload.Severity, n.minSeverity) {
			return
		}
		st, err := n.store.GetInvestigation(ctx, payload.IncidentID)
		if err != nil {
			n.logger.Warn("could not load investigation for notification",
				"incident_id", payload.IncidentID, "error", err)
			return
		}
		n.broadcast(formatVerdict(st))
	case bus.TopicInvestigationFailed:
		n.broadcast(fmt.Sprintf("🚨 *Investigation failed*\nIncident: `%s`\nCheck the daemon logs\\.",
			escapeMarkdownV2(payload.IncidentID)))
	}
}

func (n *TelegramNotifier) broadcast(text string) {
	for _, chatID := range n.chatIDs {
		msg := tgbotapi.NewMessage(chatID, text)
		msg.ParseMode = "MarkdownV2"
		if _, err := n.bot.Send(msg); err != nil {
			n.logger.Error("failed to send telegram notification",
				"chat_id", chatID, "error", err)
		}
	}
}

var severityEmoji = map[string]string{
	investigation.SeverityCritical: "🔥",
	investigation.SeverityHigh:     "🚨",
	investigation.SeverityMedium:   "⚠️",
	investigation.SeverityLow:      "ℹ️",
	investigation.SeverityInfo:     "ℹ️",
}

func formatVerdict(st *investigation.State) string {
	v := st.Verdict
	emoji := severityEmoji[v.Severity]
	if emoji == "" {
		emoji = "ℹ️"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s *%s* \\(confidence %s\\)\n",
		emoji,
		escapeMarkdownV2(strings.ToUpper(v.Severity)),
		escapeMarkdownV2(fmt.Sprintf("%.0f%%", v.Confidence*100)))
	fmt.Fprintf(&sb, "Incident: `%s`\n\n", escapeMarkdownV2(st.IncidentID))
	fmt.Fprintf(&sb, "%s\n", escapeMarkdownV2(v.ThreatSummary))

	if len(v.RecommendedActions) > 0 {
		sb.WriteString("\n*Recommended actions:*\n")
		for i, action := range v.RecommendedActions {
			fmt.Fprintf(&sb, "%d\\. %s\n", i+1, escapeMarkdownV2(action))
		}
	}
	return sb.String()
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
// Must escape: _ * [ ] ( ) ~ > # + - = | { } . !
func escapeMarkdownV2(s string) string {
	const specialChars = "_*[]()~>#+-=|{}.!"

	result := make([]byte, 0, len(s)*2)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if strings.IndexByte(specialChars, c) >= 0 {
			result = append(result, '\\')
		}
		result = append(result, c)
	}
	return string(result)
}
