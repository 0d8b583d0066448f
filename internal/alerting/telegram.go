package alerting

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/sentinel-agent/warden/internal/config"
	"github.com/sentinel-agent/warden/internal/enforcement"
	"github.com/sentinel-agent/warden/internal/posture"
	"github.com/sentinel-agent/warden/internal/types"
)

// Operator is the control surface the bot drives.
type Operator interface {
	SetMode(ctx context.Context, mode types.Mode, ttl time.Duration, actor string) (posture.Transition, error)
	ClearOverride(ctx context.Context, actor string) posture.Transition
	Summary() posture.Summary
	ActiveRules() []enforcement.Rule
}

const maxRulesListed = 20

// TelegramBot sends notifications and accepts /mode, /status and /rules
// from whitelisted chats.
type TelegramBot struct {
	bot    *tgbotapi.BotAPI
	cfg    config.TelegramConfig
	op     Operator
	logger zerolog.Logger
}

// NewTelegramBot creates and initializes a Telegram bot.
func NewTelegramBot(cfg config.TelegramConfig, op Operator, logger zerolog.Logger) (*TelegramBot, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("creating telegram bot: %w", err)
	}

	logger.Info().Str("username", bot.Self.UserName).Msg("telegram bot initialized")

	return &TelegramBot{
		bot:    bot,
		cfg:    cfg,
		op:     op,
		logger: logger.With().Str("component", "telegram").Logger(),
	}, nil
}

func (tb *TelegramBot) Name() string { return "telegram" }

// Start listens for commands until ctx is done.
func (tb *TelegramBot) Start(ctx context.Context) {
	if !tb.cfg.Commands || tb.op == nil {
		return
	}
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := tb.bot.GetUpdatesChan(u)

	go func() {
		<-ctx.Done()
		tb.bot.StopReceivingUpdates()
	}()

	for update := range updates {
		if update.Message == nil || !update.Message.IsCommand() {
			continue
		}

		if !tb.isAllowed(update.Message.Chat.ID) {
			tb.logger.Warn().Int64("chat_id", update.Message.Chat.ID).Msg("unauthorized telegram access attempt")
			continue
		}

		actor := "telegram"
		if update.Message.From != nil {
			actor = "telegram:" + update.Message.From.UserName
		}
		reply := tb.handleCommand(ctx, update.Message.Command(), update.Message.CommandArguments(), actor)
		tb.sendMarkdown(update.Message.Chat.ID, reply)
	}
}

// Notify sends n to every allowed chat.
func (tb *TelegramBot) Notify(_ context.Context, n Notification) error {
	text := formatNotification(n)
	var firstErr error
	for _, chatID := range tb.cfg.AllowedChats {
		m := tgbotapi.NewMessage(chatID, text)
		m.ParseMode = "Markdown"
		if _, err := tb.bot.Send(m); err != nil {
			tb.logger.Error().Err(err).Int64("chat_id", chatID).Msg("failed to send telegram message")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// handleCommand executes one command and returns the Markdown reply.
func (tb *TelegramBot) handleCommand(ctx context.Context, cmd, args, actor string) string {
	switch cmd {
	case "start", "help":
		return helpText
	case "status":
		return formatSummary(tb.op.Summary())
	case "rules":
		return formatRules(tb.op.ActiveRules())
	case "mode":
		return tb.handleMode(ctx, args, actor)
	default:
		return "Unknown command. Use /help for available commands."
	}
}

// handleMode parses "/mode <portal|shield|lockdown|auto> [minutes]".
func (tb *TelegramBot) handleMode(ctx context.Context, args, actor string) string {
	fields := strings.Fields(args)
	if len(fields) == 0 || len(fields) > 2 {
		return "Usage: /mode <portal|shield|lockdown|auto> [minutes]"
	}

	if strings.EqualFold(fields[0], "auto") {
		t := tb.op.ClearOverride(ctx, actor)
		return fmt.Sprintf("🔓 Override cleared. Mode: *%s*", t.New)
	}

	mode, err := types.ParseMode(fields[0])
	if err != nil {
		return fmt.Sprintf("⚠️ Error: %s", err.Error())
	}
	var ttl time.Duration
	if len(fields) == 2 {
		minutes, err := strconv.Atoi(fields[1])
		if err != nil || minutes <= 0 {
			return "⚠️ Error: minutes must be a positive integer"
		}
		ttl = time.Duration(minutes) * time.Minute
	}

	t, err := tb.op.SetMode(ctx, mode, ttl, actor)
	if err != nil {
		return fmt.Sprintf("⚠️ Error: %s", err.Error())
	}
	expires := ""
	if s := tb.op.Summary(); s.Override != nil {
		expires = fmt.Sprintf(" until %s", s.Override.ExpiresAt.UTC().Format("15:04 MST"))
	}
	return fmt.Sprintf("🔒 Mode set to *%s*%s", t.New, expires)
}

const helpText = "🛡 *Warden Bot Commands*\n\n" +
	"/status - Show posture and moving average\n" +
	"/rules - List active enforcement rules\n" +
	"/mode <portal|shield|lockdown> [minutes] - Override the posture\n" +
	"/mode auto - Clear the override\n" +
	"/help - Show this help"

func formatSummary(s posture.Summary) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "🛡 *Warden Status*\n\n*Mode:* %s %s\n", modeIcon(s.Mode), s.Mode)
	fmt.Fprintf(&sb, "*Moving average:* %.1f (%d/%d scores)\n", s.MovingAverage, len(s.Scores), s.WindowSize)
	fmt.Fprintf(&sb, "*Desired:* %s\n", s.Desired)
	if s.UnlockAt != nil {
		fmt.Fprintf(&sb, "*Step-down at:* %s\n", s.UnlockAt.UTC().Format(time.RFC3339))
	}
	if s.Override != nil {
		fmt.Fprintf(&sb, "*Override:* %s until %s\n", s.Override.Mode, s.Override.ExpiresAt.UTC().Format(time.RFC3339))
	}
	return sb.String()
}

func formatRules(rules []enforcement.Rule) string {
	if len(rules) == 0 {
		return "✅ No active rules."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "⛓ *Active Rules* (%d)\n\n", len(rules))
	for i, r := range rules {
		if i == maxRulesListed {
			fmt.Fprintf(&sb, "… and %d more\n", len(rules)-maxRulesListed)
			break
		}
		fmt.Fprintf(&sb, "• `%s` %s%s\n", r.Target, r.Kind, describeParams(r))
	}
	return sb.String()
}

func describeParams(r enforcement.Rule) string {
	switch r.Kind {
	case enforcement.KindDelay:
		return fmt.Sprintf(" %dms", r.Params.DelayMs)
	case enforcement.KindShape:
		return fmt.Sprintf(" %dkbps", r.Params.RateKbps)
	case enforcement.KindRedirect:
		return " → " + r.Params.Honeypot
	default:
		return ""
	}
}

func formatNotification(n Notification) string {
	switch {
	case n.Change != nil:
		c := n.Change
		msg := fmt.Sprintf("%s *Posture %s → %s*\n\n*Moving average:* %.1f\n*Reason:* %s",
			modeIcon(c.To), c.From, c.To, c.MovingAverage, escapeMarkdown(c.Reason))
		if c.Actor != "" {
			msg += fmt.Sprintf("\n*By:* %s", escapeMarkdown(c.Actor))
		}
		return msg
	case n.Decision != nil:
		d := n.Decision
		return fmt.Sprintf("%s *Alert scored %.0f*\n\n*Source:* `%s`\n*Signature:* %s\n*Category:* `%s`\n*Method:* `%s`\n*Mode:* %s",
			severityIcon(types.SeverityFromScore(d.Score)), d.Score, d.SrcIP,
			escapeMarkdown(d.Signature), d.Category, d.Method, d.NewMode)
	default:
		return n.Event
	}
}

func (tb *TelegramBot) sendMarkdown(chatID int64, text string) {
	m := tgbotapi.NewMessage(chatID, text)
	m.ParseMode = "Markdown"
	if _, err := tb.bot.Send(m); err != nil {
		tb.logger.Error().Err(err).Int64("chat_id", chatID).Msg("failed to send telegram reply")
	}
}

func (tb *TelegramBot) isAllowed(chatID int64) bool {
	for _, allowed := range tb.cfg.AllowedChats {
		if allowed == chatID {
			return true
		}
	}
	return false
}

func modeIcon(m types.Mode) string {
	switch m {
	case types.ModeLockdown:
		return "🔴"
	case types.ModeShield:
		return "🟡"
	default:
		return "🟢"
	}
}

func severityIcon(s types.Severity) string {
	switch s {
	case types.SeverityCritical:
		return "🔴"
	case types.SeverityHigh:
		return "🟠"
	case types.SeverityMedium:
		return "🟡"
	case types.SeverityLow:
		return "🟢"
	default:
		return "🔵"
	}
}

func escapeMarkdown(s string) string {
	replacer := strings.NewReplacer(
		"_", "\\_",
		"*", "\\*",
		"`", "\\`",
		"[", "\\[",
	)
	return replacer.Replace(s)
}
