package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"leobot/internal/dialog"
	"leobot/internal/llm"
	"leobot/internal/metrics"
	"leobot/internal/sessions"
	"leobot/internal/users"
	"leobot/pkg/config"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"unicode/utf16"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"
)

// Телеграм ограничивает длину одного сообщения.
const maxMessageLength = 4096

const (
	welcomeText = "👋 Привет! Я — бот с поддержкой AI. Я могу помочь вам с различными задачами и ответить на ваши вопросы.\n\nИспользуйте /help чтобы увидеть список доступных команд."

	adminOnlyText     = "❌ Эта команда доступна только администраторам."
	resetDoneText     = "✅ История разговора очищена!"
	fatalText         = "❌ Я видимо сплю, попробуй спросить позже."
	promptUpdatedText = "✅ Системный промпт успешно обновлен!"
	promptFailedText  = "❌ Не удалось обновить системный промпт."
	promptCancelText  = "❌ Установка системного промпта отменена."
	promptAskText     = "Пожалуйста, отправьте новый системный промпт следующим сообщением.\nДля отмены используйте команду /cancel"
)

// Маркер роли, который некоторые модели дописывают в начало реплики.
var assistantMarker = regexp.MustCompile(`(?i)^\s*\[assistant\]\s*`)

// Разделители, после которых обращение по имени считается адресованным боту.
var nameSeparators = []string{":", ",", "-", "—"}

type responder interface {
	Respond(ctx context.Context, userID int64, text string) (string, error)
}

type userDirectory interface {
	GetOrCreate(ctx context.Context, profile users.Profile) (*users.User, error)
	IsAdmin(ctx context.Context, id int64) bool
	GetUsageStats(ctx context.Context) (*users.UsageStats, error)
}

type historyStore interface {
	Clear(ctx context.Context, userID int64) error
}

type promptAdmin interface {
	Current(ctx context.Context, hasTools bool) string
	Update(ctx context.Context, prompt string, setByUserID int64) error
}

type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

type Handler struct {
	bot     botAPI
	self    tgbotapi.User
	dialog  responder
	users   userDirectory
	history historyStore
	prompts promptAdmin
	cfg     *config.Config

	mu            sync.Mutex
	waitingPrompt map[int64]int64 // чат -> администратор, от которого ждём промпт
}

func NewHandler(
	cfg *config.Config,
	orchestrator *dialog.Orchestrator,
	userService *users.Service,
	sessionService *sessions.Service,
	promptService *llm.PromptService,
) (*Handler, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.TelegramToken)
	if err != nil {
		return nil, fmt.Errorf("ошибка при инициализации Telegram бота: %v", err)
	}

	logrus.Infof("Telegram бот запущен: %s", bot.Self.UserName)

	return newHandler(bot, bot.Self, orchestrator, userService, sessionService, promptService, cfg), nil
}

func newHandler(
	bot botAPI,
	self tgbotapi.User,
	dialogService responder,
	userService userDirectory,
	history historyStore,
	prompts promptAdmin,
	cfg *config.Config,
) *Handler {
	return &Handler{
		bot:           bot,
		self:          self,
		dialog:        dialogService,
		users:         userService,
		history:       history,
		prompts:       prompts,
		cfg:           cfg,
		waitingPrompt: make(map[int64]int64),
	}
}

// SetupWebhook регистрирует вебхук у Telegram по адресу из конфигурации.
func (h *Handler) SetupWebhook() error {
	base := strings.TrimRight(h.cfg.TelegramWebhookURL, "/")

	wh, err := tgbotapi.NewWebhook(base + "/webhook")
	if err != nil {
		return fmt.Errorf("ошибка при создании вебхука: %w", err)
	}
	if _, err := h.bot.Request(wh); err != nil {
		return fmt.Errorf("ошибка при установке вебхука: %w", err)
	}

	logrus.Infof("Вебхук установлен: %s/webhook", base)
	return nil
}

// HandleWebhook принимает обновление от Telegram и обрабатывает его в фоне.
func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var update tgbotapi.Update
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		logrus.Errorf("Ошибка при разборе обновления от Telegram: %v", err)
		http.Error(w, "некорректное обновление", http.StatusBadRequest)
		return
	}

	go h.ProcessUpdate(context.Background(), update)
	w.WriteHeader(http.StatusOK)
}

// StartPolling получает обновления через long polling, пока не отменён ctx.
// Накопившиеся за время простоя обновления сбрасываются.
func (h *Handler) StartPolling(ctx context.Context) {
	if _, err := h.bot.Request(tgbotapi.DeleteWebhookConfig{DropPendingUpdates: true}); err != nil {
		logrus.Warnf("Не удалось сбросить вебхук перед polling: %v", err)
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := h.bot.GetUpdatesChan(u)

	logrus.Info("Запущен приём обновлений через long polling")

	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			go h.ProcessUpdate(ctx, update)
		}
	}
}

func (h *Handler) StopPolling() {
	h.bot.StopReceivingUpdates()
}

// ProcessUpdate разбирает одно обновление: регистрирует пользователя,
// выполняет команду или передаёт текст в диалог.
func (h *Handler) ProcessUpdate(ctx context.Context, update tgbotapi.Update) {
	message := update.Message
	if message == nil || message.From == nil {
		return
	}

	if _, err := h.users.GetOrCreate(ctx, users.Profile{
		ID:        message.From.ID,
		Username:  message.From.UserName,
		FirstName: message.From.FirstName,
		LastName:  message.From.LastName,
	}); err != nil {
		if errors.Is(err, users.ErrUserBlocked) {
			logrus.Infof("Сообщение от заблокированного пользователя %d отклонено", message.From.ID)
			return
		}
		logrus.Errorf("Ошибка при регистрации пользователя %d: %v", message.From.ID, err)
	}

	if message.IsCommand() {
		h.handleCommand(ctx, message)
		return
	}

	if message.Text == "" {
		return
	}

	if h.takePromptUpdate(ctx, message) {
		return
	}

	text := message.Text
	if isGroup(message.Chat) {
		addressed, cleaned := h.addressedInGroup(message)
		if !addressed {
			return
		}
		text = cleaned
	}

	text = strings.TrimSpace(assistantMarker.ReplaceAllString(text, ""))
	if text == "" {
		return
	}

	h.respond(ctx, message, text)
}

func (h *Handler) handleCommand(ctx context.Context, message *tgbotapi.Message) {
	switch message.Command() {
	case "start":
		h.send(message.Chat.ID, welcomeText)

	case "help":
		h.sendMarkdown(message.Chat.ID, h.helpText(ctx, message.From.ID))

	case "reset":
		if err := h.history.Clear(ctx, message.From.ID); err != nil {
			logrus.Errorf("Ошибка при очистке истории пользователя %d: %v", message.From.ID, err)
			h.send(message.Chat.ID, fatalText)
			return
		}
		h.send(message.Chat.ID, resetDoneText)

	case "stats":
		h.sendStats(ctx, message)

	case "get_system_prompt":
		if !h.users.IsAdmin(ctx, message.From.ID) {
			h.send(message.Chat.ID, adminOnlyText)
			return
		}
		prompt := h.prompts.Current(ctx, false)
		h.sendMarkdown(message.Chat.ID, fmt.Sprintf("Текущий системный промпт:\n\n```\n%s\n```", prompt))

	case "set_system_prompt":
		if !h.users.IsAdmin(ctx, message.From.ID) {
			h.send(message.Chat.ID, adminOnlyText)
			return
		}
		h.mu.Lock()
		h.waitingPrompt[message.Chat.ID] = message.From.ID
		h.mu.Unlock()
		h.send(message.Chat.ID, promptAskText)

	case "cancel":
		h.mu.Lock()
		_, waiting := h.waitingPrompt[message.Chat.ID]
		delete(h.waitingPrompt, message.Chat.ID)
		h.mu.Unlock()
		if waiting {
			h.send(message.Chat.ID, promptCancelText)
		}

	default:
		logrus.Infof("Неизвестная команда /%s от пользователя %d", message.Command(), message.From.ID)
	}
}

func (h *Handler) helpText(ctx context.Context, userID int64) string {
	var b strings.Builder
	b.WriteString("*Bot Commands*\n\n")
	b.WriteString("/start - Start the bot\n")
	b.WriteString("/help - Show this help\n")
	b.WriteString("/reset - Clear conversation history\n")

	if h.users.IsAdmin(ctx, userID) {
		b.WriteString("\n*Admin Commands*\n\n")
		b.WriteString("/stats - Show usage statistics\n")
		b.WriteString("/get_system_prompt - Show current system prompt\n")
		b.WriteString("/set_system_prompt - Set new system prompt\n")
	}

	b.WriteString("\nJust send me a message to get started!")
	return b.String()
}

func (h *Handler) sendStats(ctx context.Context, message *tgbotapi.Message) {
	if !h.users.IsAdmin(ctx, message.From.ID) {
		h.send(message.Chat.ID, adminOnlyText)
		return
	}

	stats, err := h.users.GetUsageStats(ctx)
	if err != nil {
		logrus.Errorf("Ошибка при получении статистики: %v", err)
		h.send(message.Chat.ID, "❌ Не удалось получить статистику.")
		return
	}

	h.sendMarkdown(message.Chat.ID, fmt.Sprintf(
		"*Статистика бота*\n\n"+
			"👤 Пользователей: %d (активны за сутки: %d)\n"+
			"✉️ Сообщений: %d (за сутки: %d)\n"+
			"🔧 Вызовов инструментов за сутки: %d (ошибок: %d)",
		stats.TotalUsers, stats.ActiveUsers24h,
		stats.TotalMessages, stats.Messages24h,
		stats.ToolCalls24h, stats.ToolFailures24h))
}

// takePromptUpdate принимает новый системный промпт, если в этом чате его
// ждут от этого администратора. Возвращает true, когда сообщение поглощено.
func (h *Handler) takePromptUpdate(ctx context.Context, message *tgbotapi.Message) bool {
	h.mu.Lock()
	waitingFor, ok := h.waitingPrompt[message.Chat.ID]
	if !ok || waitingFor != message.From.ID {
		h.mu.Unlock()
		return false
	}
	delete(h.waitingPrompt, message.Chat.ID)
	h.mu.Unlock()

	if err := h.prompts.Update(ctx, message.Text, message.From.ID); err != nil {
		logrus.Errorf("Ошибка при обновлении системного промпта: %v", err)
		h.send(message.Chat.ID, promptFailedText)
		return true
	}
	h.send(message.Chat.ID, promptUpdatedText)
	return true
}

func isGroup(chat *tgbotapi.Chat) bool {
	return chat != nil && (chat.IsGroup() || chat.IsSuperGroup())
}

// addressedInGroup решает, обращено ли групповое сообщение к боту, и отдаёт
// текст без упоминания. Бот считается адресатом при упоминании @username,
// обращении по имени с разделителем или ответе на его сообщение.
func (h *Handler) addressedInGroup(message *tgbotapi.Message) (bool, string) {
	text := message.Text
	username := "@" + h.self.UserName

	for _, entity := range message.Entities {
		if entity.Type != "mention" && entity.Type != "text_mention" {
			continue
		}
		mention := entityText(text, entity)
		if strings.EqualFold(mention, username) {
			return true, strings.TrimSpace(strings.Replace(text, mention, "", 1))
		}
	}

	// упоминание, набранное без entity (пересланный или отредактированный текст)
	if idx := strings.Index(asciiLower(text), strings.ToLower(username)); idx >= 0 {
		return true, strings.TrimSpace(text[:idx] + text[idx+len(username):])
	}

	if first := h.self.FirstName; first != "" {
		for _, sep := range nameSeparators {
			prefix := first + sep
			if len(text) >= len(prefix) && strings.EqualFold(text[:len(prefix)], prefix) {
				return true, strings.TrimSpace(text[len(prefix):])
			}
		}
	}

	if reply := message.ReplyToMessage; reply != nil && reply.From != nil && reply.From.ID == h.self.ID {
		return true, strings.TrimSpace(text)
	}

	return false, text
}

func (h *Handler) respond(ctx context.Context, message *tgbotapi.Message, text string) {
	h.sendTyping(message.Chat.ID)

	reply, err := h.dialog.Respond(ctx, message.From.ID, text)
	if err != nil {
		h.replyFailure(message, err)
		return
	}

	metrics.MessagesProcessed.WithLabelValues("ok").Inc()
	h.deliver(message.Chat.ID, reply)
}

func (h *Handler) replyFailure(message *tgbotapi.Message, err error) {
	var admission *dialog.AdmissionError
	switch {
	case errors.As(err, &admission):
		metrics.MessagesProcessed.WithLabelValues("rate_limited").Inc()
		seconds := int(admission.RetryAfter.Seconds())
		if seconds < 1 {
			seconds = 1
		}
		h.send(message.Chat.ID, fmt.Sprintf("⏱️ Rate limit exceeded. Please try again in %d seconds.", seconds))
	case errors.Is(err, context.Canceled):
		metrics.MessagesProcessed.WithLabelValues("cancelled").Inc()
		logrus.Infof("Обработка сообщения пользователя %d прервана", message.From.ID)
	default:
		metrics.MessagesProcessed.WithLabelValues("error").Inc()
		logrus.Errorf("Ошибка при обработке сообщения пользователя %d: %v", message.From.ID, err)
		h.send(message.Chat.ID, fatalText)
	}
}

// sendTyping показывает индикатор набора; его отказ не прерывает обработку.
func (h *Handler) sendTyping(chatID int64) {
	action := tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)
	if _, err := h.bot.Request(action); err != nil {
		logrus.Warnf("Не удалось отправить индикатор набора: %v", err)
	}
}

// deliver отправляет ответ модели, разрезая его по лимиту Telegram.
func (h *Handler) deliver(chatID int64, text string) {
	for _, chunk := range splitMessage(text, maxMessageLength) {
		h.sendWithFallback(chatID, chunk)
	}
}

// sendWithFallback пытается отправить текст как Markdown, при отказе
// Telegram понижает форматирование до HTML и простого текста, в крайнем
// случае экранирует разметку.
func (h *Handler) sendWithFallback(chatID int64, text string) {
	for _, mode := range []string{tgbotapi.ModeMarkdown, tgbotapi.ModeHTML, ""} {
		msg := tgbotapi.NewMessage(chatID, text)
		msg.ParseMode = mode
		if _, err := h.bot.Send(msg); err != nil {
			logrus.Warnf("Не удалось отправить ответ в режиме %q: %v", mode, err)
			continue
		}
		return
	}

	msg := tgbotapi.NewMessage(chatID, escapeMarkup(text))
	if _, err := h.bot.Send(msg); err != nil {
		logrus.Errorf("Не удалось отправить ответ в чат %d: %v", chatID, err)
	}
}

func (h *Handler) send(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := h.bot.Send(msg); err != nil {
		logrus.Errorf("Ошибка при отправке сообщения: %v", err)
	}
}

func (h *Handler) sendMarkdown(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := h.bot.Send(msg); err != nil {
		logrus.Warnf("Не удалось отправить Markdown, отправляем простым текстом: %v", err)
		h.send(chatID, text)
	}
}

// NotifyStartup сообщает администраторам о запуске бота.
func (h *Handler) NotifyStartup(model string, toolNames []string) {
	names := "нет"
	if len(toolNames) > 0 {
		names = strings.Join(toolNames, ", ")
	}
	mode := "Polling"
	if h.cfg.TelegramUseWebhook {
		mode = "Webhook"
	}

	h.notifyAdmins(fmt.Sprintf(
		"🤖 *Bot Updated and Started*\n\n"+
			"🧠 Model: `%s`\n"+
			"🔌 Tools: %d (%s)\n"+
			"⚡ Mode: %s\n\n"+
			"Bot is now online and ready to accept messages.",
		model, len(toolNames), names, mode))
}

// NotifyShutdown сообщает администраторам об остановке бота.
func (h *Handler) NotifyShutdown() {
	h.notifyAdmins(fmt.Sprintf("🛑 *Bot Shutting Down*\n\nBot `%s` is stopping.", h.self.UserName))
}

func (h *Handler) notifyAdmins(text string) {
	for _, adminID := range h.cfg.AdminUserIDs {
		msg := tgbotapi.NewMessage(adminID, text)
		msg.ParseMode = tgbotapi.ModeMarkdown
		if _, err := h.bot.Send(msg); err != nil {
			logrus.Warnf("Не удалось уведомить администратора %d: %v", adminID, err)
		}
	}
}

// entityText вырезает фрагмент по offset/length, которые Telegram считает
// в кодовых единицах UTF-16.
func entityText(text string, entity tgbotapi.MessageEntity) string {
	units := utf16.Encode([]rune(text))
	if entity.Offset < 0 || entity.Length < 0 || entity.Offset+entity.Length > len(units) {
		return ""
	}
	return string(utf16.Decode(units[entity.Offset : entity.Offset+entity.Length]))
}

// asciiLower понижает регистр латиницы, сохраняя байтовые смещения.
func asciiLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + 'a' - 'A'
		}
	}
	return string(b)
}

// splitMessage режет текст на части не длиннее limit символов, по
// возможности по границе строки.
func splitMessage(text string, limit int) []string {
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}

	var parts []string
	for len(runes) > limit {
		cut := limit
		for i := limit; i > limit/2; i-- {
			if runes[i-1] == '\n' {
				cut = i
				break
			}
		}
		parts = append(parts, strings.TrimRight(string(runes[:cut]), "\n"))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}

func escapeMarkup(text string) string {
	replacer := strings.NewReplacer(
		"*", "\\*",
		"_", "\\_",
		"`", "\\`",
		"[", "\\[",
		"]", "\\]",
		"(", "\\(",
		")", "\\)",
	)
	return replacer.Replace(text)
}
