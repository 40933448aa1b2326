package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/sync/errgroup"

	"emoji-sticker-bot/internal/mediagroup"
	"emoji-sticker-bot/internal/session"
	"emoji-sticker-bot/internal/sticker"
)

// Messenger is the part of the Telegram client the wizard drives.
type Messenger interface {
	SendText(chatID int64, text string) error
	SendTextWithKeyboard(chatID int64, text string, kb tgbotapi.InlineKeyboardMarkup) (int, error)
	EditTextWithKeyboard(chatID int64, messageID int, text string, kb tgbotapi.InlineKeyboardMarkup) error
	AnswerCallback(callbackID, text string, alert bool) error
	SendPhoto(chatID int64, name string, data []byte, caption string, kb *tgbotapi.InlineKeyboardMarkup) error
	SendDocument(chatID int64, name string, data []byte) error
	SendTyping(chatID int64)
	DownloadFile(ctx context.Context, fileID string) ([]byte, string, error)
}

type Options struct {
	Telegram   Messenger
	Workspaces *session.Store
	// RunTimeout bounds one generation run, delays included.
	RunTimeout time.Duration
	Logger     *slog.Logger
}

type Handler struct {
	tg         Messenger
	workspaces *session.Store
	runTimeout time.Duration
	logger     *slog.Logger
	aggregator *mediagroup.Aggregator
	runs       sync.WaitGroup
}

func New(opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	runTimeout := opts.RunTimeout
	if runTimeout <= 0 {
		runTimeout = 30 * time.Minute
	}

	return &Handler{
		tg:         opts.Telegram,
		workspaces: opts.Workspaces,
		runTimeout: runTimeout,
		logger:     logger,
	}
}

func (h *Handler) SetMediaGroupAggregator(ag *mediagroup.Aggregator) {
	h.aggregator = ag
}

// Wait blocks until every generation run started by the handler has ended.
func (h *Handler) Wait() {
	h.runs.Wait()
}

func (h *Handler) HandleUpdate(ctx context.Context, update tgbotapi.Update) error {
	if update.CallbackQuery != nil {
		return h.handleCallback(ctx, update.CallbackQuery)
	}
	if update.Message == nil || update.Message.From == nil {
		return nil
	}

	msg := update.Message
	chatID := msg.Chat.ID
	userID := msg.From.ID

	switch {
	case msg.IsCommand():
		return h.handleCommand(ctx, chatID, userID, msg)
	case len(msg.Photo) > 0:
		return h.handlePhoto(ctx, chatID, userID, msg)
	case msg.Document != nil:
		return h.handleDocument(ctx, chatID, userID, msg.Document)
	}
	return nil
}

// HandleMediaGroup takes the first album photo that decodes as an image.
func (h *Handler) HandleMediaGroup(ctx context.Context, group mediagroup.Group) {
	type downloaded struct {
		data []byte
		mime string
	}

	downloads := make([]downloaded, len(group.FileIDs))
	eg, egCtx := errgroup.WithContext(ctx)
	for i, fileID := range group.FileIDs {
		eg.Go(func() error {
			data, mimeType, err := h.tg.DownloadFile(egCtx, fileID)
			if err != nil {
				return err
			}
			downloads[i] = downloaded{data: data, mime: mimeType}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		h.logger.Error("album download failed", "chat_id", group.ChatID, "err", err)
		_ = h.tg.SendText(group.ChatID, "❌ 图片下载失败，请重新发送。")
		return
	}

	for _, d := range downloads {
		img, ok, err := sticker.DecodeUpload(bytes.NewReader(d.data), d.mime)
		if err != nil || !ok {
			continue
		}
		if err := h.acceptImage(group.ChatID, group.UserID, img); err != nil {
			h.logger.Error("album image rejected", "chat_id", group.ChatID, "err", err)
		}
		return
	}
}

func (h *Handler) handleCommand(ctx context.Context, chatID, userID int64, msg *tgbotapi.Message) error {
	ws, err := h.workspaces.Get(session.TelegramKey(chatID, userID))
	if err != nil {
		return err
	}

	switch msg.Command() {
	case "start":
		ws.UpdateUI(func(ui *session.UIState) {
			ui.Menu = "main"
			ui.MessageID = 0
		})
		return h.render(chatID, userID, 0, false)
	case "help":
		return h.tg.SendText(chatID, helpText)
	case "custom":
		slot, text, err := parseCustomArgs(msg.CommandArguments())
		if err != nil {
			return h.tg.SendText(chatID, "❌ "+err.Error()+"\n用法: /custom <1-6> <表情描述>")
		}
		if err := ws.UpdateSelection(func(sel *sticker.Selection) error {
			return sel.SetCustom(slot, text)
		}); err != nil {
			return h.tg.SendText(chatID, "❌ "+err.Error())
		}
		return h.render(chatID, userID, 0, false)
	case "reset":
		ws.Reset()
		return h.render(chatID, userID, 0, false)
	default:
		return h.tg.SendText(chatID, "❌ 未知命令，请使用 /help 查看帮助。")
	}
}

func (h *Handler) handlePhoto(ctx context.Context, chatID, userID int64, msg *tgbotapi.Message) error {
	fileID := msg.Photo[len(msg.Photo)-1].FileID

	if msg.MediaGroupID != "" && h.aggregator != nil {
		h.aggregator.Add(mediagroup.Item{
			ChatID:       chatID,
			UserID:       userID,
			MediaGroupID: msg.MediaGroupID,
			FileID:       fileID,
		})
		return nil
	}

	return h.loadImage(ctx, chatID, userID, fileID, "")
}

// handleDocument accepts images sent as files. Anything else is ignored.
func (h *Handler) handleDocument(ctx context.Context, chatID, userID int64, doc *tgbotapi.Document) error {
	if doc.MimeType != "" && !sticker.IsImageMime(doc.MimeType) {
		return nil
	}
	return h.loadImage(ctx, chatID, userID, doc.FileID, doc.MimeType)
}

func (h *Handler) loadImage(ctx context.Context, chatID, userID int64, fileID, declaredType string) error {
	h.tg.SendTyping(chatID)

	data, mimeType, err := h.tg.DownloadFile(ctx, fileID)
	if err != nil {
		h.logger.Error("photo download failed", "chat_id", chatID, "err", err)
		return h.tg.SendText(chatID, "❌ 图片下载失败，请重新发送。")
	}
	if declaredType == "" {
		declaredType = mimeType
	}

	img, ok, err := sticker.DecodeUpload(bytes.NewReader(data), declaredType)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return h.acceptImage(chatID, userID, img)
}

func (h *Handler) acceptImage(chatID, userID int64, img sticker.UploadedImage) error {
	ws, err := h.workspaces.Get(session.TelegramKey(chatID, userID))
	if err != nil {
		return err
	}
	ws.SetImage(img)
	ws.UpdateUI(func(ui *session.UIState) { ui.Menu = "main" })

	h.logger.Info("portrait uploaded", "chat_id", chatID, "user_id", userID, "mime", img.MimeType)
	return h.render(chatID, userID, 0, false)
}

func parseCustomArgs(args string) (int, string, error) {
	args = strings.TrimSpace(args)
	head, rest, _ := strings.Cut(args, " ")
	n, err := strconv.Atoi(head)
	if err != nil {
		return 0, "", errors.New("请提供槽位编号")
	}
	if n < 1 || n > sticker.CustomSlots {
		return 0, "", fmt.Errorf("槽位编号必须在 1 到 %d 之间", sticker.CustomSlots)
	}
	return n - 1, strings.TrimSpace(rest), nil
}

const helpText = "🎨 AI 表情包生成器\n\n" +
	"1. 发送一张清晰的人像照片。\n" +
	"2. 在菜单中选择表情、风格和背景。\n" +
	"3. 点击「生成」，每个表情之间会间隔几秒。\n" +
	"4. 在图库中选择图片并下载。\n\n" +
	"命令:\n" +
	"/start - 打开菜单\n" +
	"/custom <1-6> <描述> - 设置自定义表情 (描述留空即清除)\n" +
	"/reset - 恢复默认选择\n" +
	"/help - 帮助"
