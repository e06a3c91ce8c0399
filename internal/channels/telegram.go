// Package channels is the Telegram transport. Every active agent gets its
// own bot identity: the Supervisor keeps one Bot per agent id, restores them
// from the store at boot and reconciles on agent.changed events. Inbound
// messages are acknowledged immediately and executed on detached runs;
// operator approvals arrive as inline keyboard callbacks.
package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/cubicle/internal/approval"
	"github.com/basket/cubicle/internal/audit"
	"github.com/basket/cubicle/internal/budget"
	"github.com/basket/cubicle/internal/meeting"
	"github.com/basket/cubicle/internal/persistence"
	"github.com/basket/cubicle/internal/runner"
	"github.com/basket/cubicle/internal/safety"
)

// telegramMaxMessage is Telegram's hard cap per message body.
const telegramMaxMessage = 4096

// Inline keyboard callback data. Format: "<kind>:<reference>:<action>".
const (
	callbackKindApproval = "hitl"
	callbackKindMeeting  = "meet"
	callbackApprove      = "approve"
	callbackDeny         = "deny"
)

// Bot serves one agent identity over Telegram. It long-polls for updates,
// gates senders against the allowlist, hands messages to the dispatcher and
// answers approval keyboards.
type Bot struct {
	agent      persistence.AgentRecord
	store      *persistence.Store
	dispatcher *runner.Dispatcher
	approvals  *approval.Coordinator
	meetings   *meeting.Orchestrator
	logger     *slog.Logger
	screen     *safety.Sanitizer
	scrub      *safety.Scrubber

	mu  sync.RWMutex
	api *tgbotapi.BotAPI
}

// NewBot creates a bot bound to the given agent identity. Start must be
// called before any send.
func NewBot(agent persistence.AgentRecord, store *persistence.Store, dispatcher *runner.Dispatcher,
	approvals *approval.Coordinator, meetings *meeting.Orchestrator, logger *slog.Logger) *Bot {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bot{
		agent:      agent,
		store:      store,
		dispatcher: dispatcher,
		approvals:  approvals,
		meetings:   meetings,
		logger:     logger.With("agent_id", agent.AgentID),
		screen:     safety.NewSanitizer(),
		scrub:      safety.NewScrubber(),
	}
}

// Start connects to the Bot API and polls for updates until ctx is
// cancelled. Transient poll failures reconnect with exponential backoff.
func (b *Bot) Start(ctx context.Context) error {
	api, err := tgbotapi.NewBotAPI(b.agent.BotToken)
	if err != nil {
		return fmt.Errorf("telegram init for agent %d: %w", b.agent.AgentID, err)
	}
	b.mu.Lock()
	b.api = api
	b.mu.Unlock()

	b.logger.Info("telegram bot online", "agent", b.agent.Name, "bot", api.Self.UserName)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := api.GetUpdatesChan(u)

		pollErr := b.pollUpdates(ctx, updates)
		api.StopReceivingUpdates()

		if pollErr != nil {
			b.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		return nil
	}
}

// pollUpdates reads updates until ctx is done, the channel closes, or
// nothing arrives within the stall window. The library blocks rather than
// closing the channel on a dead connection, so silence past 2.5x the
// long-poll timeout forces a reconnect.
func (b *Bot) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message != nil {
				b.handleMessage(ctx, update.Message)
				continue
			}
			if update.CallbackQuery != nil {
				b.handleCallback(ctx, update.CallbackQuery)
				continue
			}
		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	text := strings.TrimSpace(msg.Text)
	if text == "" || msg.From == nil {
		return
	}

	role, err := b.store.UserRole(ctx, msg.From.ID)
	if err != nil {
		b.logger.Error("allowlist lookup failed", "user_id", msg.From.ID, "error", err)
		return
	}
	if role == "" {
		b.logger.Warn("telegram access denied", "user_id", msg.From.ID, "user_name", msg.From.UserName)
		return
	}

	if text == "/start" {
		b.sendPlain(msg.Chat.ID, fmt.Sprintf(
			"Hello, I'm %s, the %s. Message me and I'll get to work in my cubicle.",
			b.agent.Name, b.agent.Role))
		return
	}

	if verdict := b.screen.Check(text); verdict.Action != safety.ActionAllow {
		if verdict.Action == safety.ActionBlock {
			audit.Record("deny", "message.screen", verdict.Reason, "", fmt.Sprintf("user:%d", msg.From.ID))
			b.logger.Warn("message blocked by injection screen",
				"user_id", msg.From.ID, "reason", verdict.Reason)
			b.sendPlain(msg.Chat.ID, "That message looks like an attempt to rewire me, so I won't pass it on.")
			return
		}
		b.logger.Warn("suspicious message passed to sandbox",
			"user_id", msg.From.ID, "reason", verdict.Reason)
	}

	// Acknowledge before the run so the user sees the bot is alive; the
	// run itself happens on a detached goroutine.
	b.ack(msg.Chat.ID)

	chatID := msg.Chat.ID
	accepted := b.dispatcher.Dispatch(&b.agent, msg.From.ID, text, func(res *runner.Result, err error) {
		b.deliver(chatID, res, err)
	})
	if !accepted {
		b.sendPlain(chatID, "You're sending messages faster than I can run them. Give me a few seconds and try again.")
	}
}

// deliver turns a finished run into a reply. Runs outlive the poll loop's
// update handling, so this fires from the dispatcher's goroutine.
func (b *Bot) deliver(chatID int64, res *runner.Result, err error) {
	if err != nil {
		var exceeded *budget.ExceededError
		switch {
		case errors.As(err, &exceeded):
			b.sendPlain(chatID, fmt.Sprintf(
				"Daily budget reached: $%.2f of $%.2f spent. The counter resets at midnight UTC.",
				exceeded.Spent, exceeded.Limit))
		case errors.Is(err, context.Canceled):
			b.sendPlain(chatID, "I'm shutting down. Send that again in a moment.")
		default:
			b.logger.Error("run failed", "error", err)
			b.sendPlain(chatID, "I hit a problem running that. Please try again shortly.")
		}
		return
	}
	if res == nil || res.Text == "" {
		b.sendPlain(chatID, "Done, but I have nothing to report.")
		return
	}
	b.sendPlain(chatID, b.scrubOutbound(res.Text))
}

// scrubOutbound strips leaked credentials from text before it reaches a
// chat, logging and auditing what was removed.
func (b *Bot) scrubOutbound(text string) string {
	clean, leaks := b.scrub.Scrub(text)
	for _, leak := range leaks {
		b.logger.Warn("secret scrubbed from outbound message",
			"pattern", leak.Pattern, "sample", leak.Sample)
	}
	if len(leaks) > 0 {
		audit.Record("scrub", "message.deliver", leaks[0].Pattern, "",
			fmt.Sprintf("agent:%d", b.agent.AgentID))
	}
	return clean
}

func (b *Bot) handleCallback(ctx context.Context, query *tgbotapi.CallbackQuery) {
	kind, ref, action, err := parseCallback(query.Data)
	if err != nil || query.From == nil {
		return
	}

	role, err := b.store.UserRole(ctx, query.From.ID)
	if err != nil {
		b.logger.Error("allowlist lookup failed", "user_id", query.From.ID, "error", err)
		return
	}
	if role != persistence.AllowRoleOperator {
		b.answerCallback(query.ID, "Only the operator can resolve this", true)
		return
	}
	b.answerCallback(query.ID, "", false)

	approve := action == callbackApprove
	approver := approverLabel(query.From)

	switch kind {
	case callbackKindApproval:
		err = b.approvals.Resolve(ctx, ref, approve, approver, "")
	case callbackKindMeeting:
		meetingID, parseErr := strconv.ParseInt(ref, 10, 64)
		if parseErr != nil {
			return
		}
		err = b.meetings.Resolve(ctx, meetingID, approve, approver)
	}

	verdict := verdictLine(kind, approve, approver)
	if err != nil {
		if errors.Is(err, approval.ErrInvalidApprovalReference) {
			verdict = "⌛ Already resolved or expired"
		} else {
			b.logger.Error("callback resolution failed", "kind", kind, "ref", ref, "error", err)
			verdict = "⚠️ Resolution failed, check the daemon logs"
		}
	}
	b.appendVerdict(query, verdict)
}

// SendText delivers a plain message to a chat. Used by the supervisor for
// meeting outcomes and other asynchronous notices, which carry agent
// output and get the same scrub as direct replies.
func (b *Bot) SendText(ctx context.Context, chatID int64, text string) error {
	api := b.apiHandle()
	if api == nil {
		return fmt.Errorf("agent %d bot not connected", b.agent.AgentID)
	}
	_, err := api.Send(tgbotapi.NewMessage(chatID, clampMessage(b.scrubOutbound(text))))
	return err
}

// SendApprovalPrompt asks the operator to resolve a gated command with
// Approve/Deny inline buttons.
func (b *Bot) SendApprovalPrompt(ctx context.Context, chatID int64, rec persistence.ApprovalRecord) error {
	api := b.apiHandle()
	if api == nil {
		return fmt.Errorf("agent %d bot not connected", b.agent.AgentID)
	}
	keyboard := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("✅ Approve",
				fmt.Sprintf("%s:%s:%s", callbackKindApproval, rec.ApprovalID, callbackApprove)),
			tgbotapi.NewInlineKeyboardButtonData("🚫 Deny",
				fmt.Sprintf("%s:%s:%s", callbackKindApproval, rec.ApprovalID, callbackDeny)),
		),
	)
	msg := tgbotapi.NewMessage(chatID, approvalPromptText(b.agent.Name, rec))
	msg.ParseMode = "MarkdownV2"
	msg.ReplyMarkup = keyboard
	_, err := api.Send(msg)
	return err
}

// SendMeetingPrompt asks the operator to approve a meeting the bot's agent
// wants to hold.
func (b *Bot) SendMeetingPrompt(ctx context.Context, chatID int64, rec persistence.MeetingRecord) error {
	api := b.apiHandle()
	if api == nil {
		return fmt.Errorf("agent %d bot not connected", b.agent.AgentID)
	}
	keyboard := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("✅ Approve",
				fmt.Sprintf("%s:%d:%s", callbackKindMeeting, rec.MeetingID, callbackApprove)),
			tgbotapi.NewInlineKeyboardButtonData("🚫 Decline",
				fmt.Sprintf("%s:%d:%s", callbackKindMeeting, rec.MeetingID, callbackDeny)),
		),
	)
	msg := tgbotapi.NewMessage(chatID, meetingPromptText(b.agent.Name, rec))
	msg.ParseMode = "MarkdownV2"
	msg.ReplyMarkup = keyboard
	_, err := api.Send(msg)
	return err
}

func (b *Bot) apiHandle() *tgbotapi.BotAPI {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.api
}

// ack sends a typing indicator so the user knows the message landed before
// the sandbox run finishes.
func (b *Bot) ack(chatID int64) {
	api := b.apiHandle()
	if api == nil {
		return
	}
	if _, err := api.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
		b.logger.Debug("typing ack failed", "error", err)
	}
}

func (b *Bot) sendPlain(chatID int64, text string) {
	api := b.apiHandle()
	if api == nil {
		return
	}
	if _, err := api.Send(tgbotapi.NewMessage(chatID, clampMessage(text))); err != nil {
		b.logger.Error("failed to send telegram reply", "error", err)
	}
}

func (b *Bot) answerCallback(queryID, text string, alert bool) {
	api := b.apiHandle()
	if api == nil {
		return
	}
	var cb tgbotapi.CallbackConfig
	if alert {
		cb = tgbotapi.NewCallbackWithAlert(queryID, text)
	} else {
		cb = tgbotapi.NewCallback(queryID, text)
	}
	if _, err := api.Request(cb); err != nil {
		b.logger.Warn("failed to answer callback", "error", err)
	}
}

// appendVerdict rewrites the prompt message with the outcome so the
// keyboard disappears and the history shows who decided.
func (b *Bot) appendVerdict(query *tgbotapi.CallbackQuery, verdict string) {
	api := b.apiHandle()
	if api == nil || query.Message == nil {
		return
	}
	text := query.Message.Text + "\n\n" + verdict
	edit := tgbotapi.NewEditMessageText(query.Message.Chat.ID, query.Message.MessageID, clampMessage(text))
	if _, err := api.Send(edit); err != nil {
		b.logger.Warn("failed to edit prompt message", "error", err)
	}
}

func approvalPromptText(agentName string, rec persistence.ApprovalRecord) string {
	ttl := time.Until(rec.ExpiresAt).Round(time.Second)
	if ttl < 0 {
		ttl = 0
	}
	return fmt.Sprintf("🔐 *Approval needed*\n\n%s wants to run:\n```\n%s\n```\nRule: %s\nAuto denies in %s",
		escapeMarkdownV2(agentName),
		escapeCodeBlock(rec.Command),
		escapeMarkdownV2(rec.Rule),
		escapeMarkdownV2(ttl.String()))
}

func meetingPromptText(agentName string, rec persistence.MeetingRecord) string {
	return fmt.Sprintf("🤝 *Meeting request*\n\n%s asks to meet the %s\nTopic: %s",
		escapeMarkdownV2(agentName),
		escapeMarkdownV2(rec.ParticipantRole),
		escapeMarkdownV2(rec.Topic))
}

func verdictLine(kind string, approve bool, approver string) string {
	subject := "Command"
	if kind == callbackKindMeeting {
		subject = "Meeting"
	}
	if approve {
		return fmt.Sprintf("✅ %s approved by %s", subject, approver)
	}
	return fmt.Sprintf("🚫 %s denied by %s", subject, approver)
}

func approverLabel(from *tgbotapi.User) string {
	if from.UserName != "" {
		return "telegram:@" + from.UserName
	}
	return fmt.Sprintf("telegram:%d", from.ID)
}

// parseCallback splits inline keyboard callback data of the form
// "<kind>:<reference>:<action>".
func parseCallback(data string) (kind, ref, action string, err error) {
	parts := strings.SplitN(strings.TrimSpace(data), ":", 3)
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("malformed callback data")
	}
	kind, ref, action = parts[0], parts[1], parts[2]
	if kind != callbackKindApproval && kind != callbackKindMeeting {
		return "", "", "", fmt.Errorf("unknown callback kind %q", kind)
	}
	if ref == "" {
		return "", "", "", fmt.Errorf("callback reference missing")
	}
	if action != callbackApprove && action != callbackDeny {
		return "", "", "", fmt.Errorf("unknown callback action %q", action)
	}
	return kind, ref, action, nil
}

// clampMessage trims text to Telegram's per-message cap without splitting a
// rune.
func clampMessage(text string) string {
	if len(text) <= telegramMaxMessage {
		return text
	}
	cut := telegramMaxMessage - len("…")
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "…"
}

// escapeCodeBlock escapes only what MarkdownV2 still parses inside a
// ``` fence, so commands render verbatim.
func escapeCodeBlock(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, "`", "\\`")
}

// escapeMarkdownV2 escapes the characters Telegram's MarkdownV2 parser
// treats as markup.
func escapeMarkdownV2(s string) string {
	const specialChars = "_*[]()~`>#+-=|{}.!"

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
