package handlers

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"emoji-sticker-bot/internal/download"
	"emoji-sticker-bot/internal/generation"
	"emoji-sticker-bot/internal/session"
	"emoji-sticker-bot/internal/sticker"
)

const callbackPrefix = "st"

const (
	menuMain        = "main"
	menuExpressions = "expressions"
	menuStyle       = "style"
	menuBackground  = "background"
	menuGallery     = "gallery"
)

func (h *Handler) handleCallback(ctx context.Context, q *tgbotapi.CallbackQuery) error {
	if q == nil || q.Message == nil || q.From == nil {
		return nil
	}

	ownerID, action, args, ok := parseCallback(q.Data)
	if !ok {
		return nil
	}
	if ownerID != q.From.ID {
		_ = h.tg.AnswerCallback(q.ID, "这个菜单不属于你。", true)
		return nil
	}

	chatID := q.Message.Chat.ID
	ws, err := h.workspaces.Get(session.TelegramKey(chatID, ownerID))
	if err != nil {
		return err
	}

	// buttons under a generated photo re-render the menu message, not the photo
	msgID := q.Message.MessageID
	if len(q.Message.Photo) > 0 {
		msgID = ws.UI().MessageID
	}

	answer := ""
	rerender := true

	switch action {
	case "menu":
		ws.UpdateUI(func(ui *session.UIState) { ui.Menu = argAt(args, 0, menuMain) })
	case "expr":
		if idx, ok := indexArg(args, len(sticker.PresetExpressions())); ok {
			_ = ws.UpdateSelection(func(sel *sticker.Selection) error {
				sel.TogglePreset(sticker.PresetExpressions()[idx])
				return nil
			})
		}
	case "style":
		if idx, ok := indexArg(args, len(sticker.Styles())); ok {
			_ = ws.UpdateSelection(func(sel *sticker.Selection) error {
				return sel.SetStyle(sticker.Styles()[idx].Name)
			})
			ws.UpdateUI(func(ui *session.UIState) { ui.Menu = menuMain })
		}
	case "bg":
		if err := ws.UpdateSelection(func(sel *sticker.Selection) error {
			return sel.SetBackground(argAt(args, 0, ""))
		}); err == nil {
			ws.UpdateUI(func(ui *session.UIState) { ui.Menu = menuMain })
		}
	case "photo":
		ws.UpdateUI(func(ui *session.UIState) { ui.AwaitingPhoto = true })
		answer = "请发送一张人像照片。"
	case "reset":
		ws.Reset()
	case "gen":
		answer = h.startRun(ctx, chatID, ownerID, ws)
	case "pick":
		rerender = false
		run, runErr := strconv.Atoi(argAt(args, 0, ""))
		idx, idxErr := strconv.Atoi(argAt(args, 1, ""))
		if runErr != nil || idxErr != nil {
			break
		}
		selected, ok := ws.Gallery().ToggleIndex(run, idx)
		switch {
		case !ok:
			answer = "已过期"
		case selected:
			answer = fmt.Sprintf("已选择 #%d", idx+1)
		default:
			answer = fmt.Sprintf("已取消 #%d", idx+1)
		}
		rerender = ok && ws.UI().Menu == menuGallery
	case "all":
		ws.Gallery().ToggleAll()
	case "dl":
		answer = h.sendSelected(ctx, chatID, ws)
	}

	_ = h.tg.AnswerCallback(q.ID, answer, false)
	if !rerender {
		return nil
	}
	return h.render(chatID, ownerID, msgID, true)
}

// startRun launches a generation run in the background and returns the
// callback answer. ctx must outlive the update; the bot passes its process
// context.
func (h *Handler) startRun(ctx context.Context, chatID, userID int64, ws *session.Workspace) string {
	runCtx, cancel := context.WithTimeout(ctx, h.runTimeout)

	produced := 0
	done, err := ws.Start(runCtx, func(img sticker.GeneratedImage) {
		h.sendGenerated(chatID, userID, ws.Gallery().Run(), produced, img)
		produced++
	})
	if err != nil {
		cancel()
		var runErr *generation.RunError
		switch {
		case errors.Is(err, generation.ErrRunInProgress):
			return "正在生成中，请稍候…"
		case errors.As(err, &runErr):
			_ = h.tg.SendText(chatID, "❌ "+runErr.Message)
		default:
			h.logger.Error("generation run not started", "chat_id", chatID, "err", err)
		}
		return ""
	}

	ws.UpdateUI(func(ui *session.UIState) { ui.Menu = menuGallery })

	h.runs.Add(1)
	go func() {
		defer h.runs.Done()
		defer cancel()
		h.finishRun(chatID, userID, <-done)
	}()

	return fmt.Sprintf("开始生成 %d 个表情…", len(ws.View().Effective))
}

func (h *Handler) sendGenerated(chatID, userID int64, run, idx int, img sticker.GeneratedImage) {
	_, b64, err := sticker.ParseDataURL(img.URL)
	if err != nil {
		h.logger.Error("generated image unreadable", "id", img.ID, "err", err)
		return
	}
	data, err := (sticker.UploadedImage{Data: b64}).Bytes()
	if err != nil {
		h.logger.Error("generated image unreadable", "id", img.ID, "err", err)
		return
	}

	kb := tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData(fmt.Sprintf("☑️ 选择 #%d", idx+1), cb(userID, "pick", strconv.Itoa(run), strconv.Itoa(idx))),
	))
	caption := fmt.Sprintf("#%d %s", idx+1, img.Prompt)
	if err := h.tg.SendPhoto(chatID, download.FileName(idx), data, caption, &kb); err != nil {
		h.logger.Error("send generated image failed", "chat_id", chatID, "err", err)
	}
}

func (h *Handler) finishRun(chatID, userID int64, err error) {
	var runErr *generation.RunError
	switch {
	case err == nil:
	case errors.As(err, &runErr):
		_ = h.tg.SendText(chatID, "❌ "+runErr.Message)
	default:
		h.logger.Error("generation run failed", "chat_id", chatID, "err", err)
		_ = h.tg.SendText(chatID, "❌ 生成失败，请稍后重试。")
	}

	// the finished run gets a fresh menu under the streamed photos
	if err := h.render(chatID, userID, 0, false); err != nil {
		h.logger.Error("render menu failed", "chat_id", chatID, "err", err)
	}
}

func (h *Handler) sendSelected(ctx context.Context, chatID int64, ws *session.Workspace) string {
	if ws.Running() {
		return "正在生成中，请稍候…"
	}
	urls := ws.Gallery().Selected()
	if len(urls) == 0 {
		return "请先选择要下载的表情。"
	}

	d, err := download.New(download.Options{
		Saver: download.SaverFunc(func(_ context.Context, name string, data []byte, _ string) error {
			return h.tg.SendDocument(chatID, name, data)
		}),
		Logger: h.logger,
	})
	if err != nil {
		return "下载失败。"
	}

	n, err := d.Dispatch(ctx, urls)
	if err != nil {
		h.logger.Error("download dispatch failed", "chat_id", chatID, "sent", n, "err", err)
		return fmt.Sprintf("已发送 %d 个，其余失败。", n)
	}
	return fmt.Sprintf("已发送 %d 个表情。", n)
}

// render shows the wizard menu, editing messageID when possible.
func (h *Handler) render(chatID, userID int64, messageID int, edit bool) error {
	ws, err := h.workspaces.Get(session.TelegramKey(chatID, userID))
	if err != nil {
		return err
	}
	ui := ws.UI()
	v := ws.View()

	text := menuText(ui, v)
	kb := menuKeyboard(userID, ui, v)

	if edit && messageID != 0 {
		if err := h.tg.EditTextWithKeyboard(chatID, messageID, text, kb); err == nil {
			return nil
		}
	}

	msgID, err := h.tg.SendTextWithKeyboard(chatID, text, kb)
	if err != nil {
		return err
	}
	ws.UpdateUI(func(ui *session.UIState) { ui.MessageID = msgID })
	return nil
}

func menuText(ui session.UIState, v session.View) string {
	var b strings.Builder
	b.WriteString("🎨 AI 表情包生成器\n\n")

	if v.HasImage {
		b.WriteString("照片: 已上传 ✅\n")
	} else {
		b.WriteString("照片: (未上传)\n")
	}
	if len(v.Effective) == 0 {
		b.WriteString("表情: (未选择)\n")
	} else {
		b.WriteString(fmt.Sprintf("表情 (%d): %s\n", len(v.Effective), strings.Join(v.Effective, "、")))
	}
	b.WriteString("风格: " + v.Style + "\n")
	b.WriteString("背景: " + v.Background.Name() + "\n")

	switch {
	case v.Running:
		b.WriteString("\n⏳ 正在生成，图片会逐张发送…\n")
	case v.ErrorText != "":
		b.WriteString("\n❌ " + v.ErrorText + "\n")
	}

	if ui.Menu == menuGallery && !v.Running {
		if len(v.Images) == 0 {
			b.WriteString("\n图库为空。\n")
		} else {
			b.WriteString(fmt.Sprintf("\n图库: %d 张, 已选择 %d 张\n", len(v.Images), v.Selected))
		}
	}

	if !v.HasImage || ui.AwaitingPhoto {
		b.WriteString("\n📷 请发送一张人像照片。\n")
	}

	return strings.TrimSpace(b.String())
}

func menuKeyboard(ownerID int64, ui session.UIState, v session.View) tgbotapi.InlineKeyboardMarkup {
	switch ui.Menu {
	case menuExpressions:
		return expressionsKeyboard(ownerID, v)
	case menuStyle:
		return styleKeyboard(ownerID, v)
	case menuBackground:
		return backgroundKeyboard(ownerID, v)
	case menuGallery:
		return galleryKeyboard(ownerID, v)
	default:
		return mainKeyboard(ownerID, v)
	}
}

func mainKeyboard(ownerID int64, v session.View) tgbotapi.InlineKeyboardMarkup {
	genLabel := "🎨 生成"
	if v.Running {
		genLabel = "⏳ 生成中…"
	}

	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(fmt.Sprintf("😀 表情 (%d)", len(v.Effective)), cb(ownerID, "menu", menuExpressions)),
			tgbotapi.NewInlineKeyboardButtonData("🖌 风格", cb(ownerID, "menu", menuStyle)),
			tgbotapi.NewInlineKeyboardButtonData("🔲 背景", cb(ownerID, "menu", menuBackground)),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("📷 换照片", cb(ownerID, "photo")),
			tgbotapi.NewInlineKeyboardButtonData(genLabel, cb(ownerID, "gen")),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🖼 图库", cb(ownerID, "menu", menuGallery)),
			tgbotapi.NewInlineKeyboardButtonData("重置", cb(ownerID, "reset")),
		),
	)
}

func expressionsKeyboard(ownerID int64, v session.View) tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton
	var row []tgbotapi.InlineKeyboardButton
	for i, expr := range sticker.PresetExpressions() {
		label := expr
		if contains(v.Presets, expr) {
			label = "✅ " + label
		}
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(label, cb(ownerID, "expr", strconv.Itoa(i))))
		if len(row) == 3 {
			rows = append(rows, row)
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}
	rows = append(rows, backRow(ownerID))
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func styleKeyboard(ownerID int64, v session.View) tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton
	var row []tgbotapi.InlineKeyboardButton
	for i, st := range sticker.Styles() {
		label := st.Name
		if st.Name == v.Style {
			label = "✅ " + label
		}
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(label, cb(ownerID, "style", strconv.Itoa(i))))
		if len(row) == 2 {
			rows = append(rows, row)
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}
	rows = append(rows, backRow(ownerID))
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func backgroundKeyboard(ownerID int64, v session.View) tgbotapi.InlineKeyboardMarkup {
	var row []tgbotapi.InlineKeyboardButton
	for _, opt := range sticker.Backgrounds() {
		label := opt.Name
		if opt.ID == v.Background {
			label = "✅ " + label
		}
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(label, cb(ownerID, "bg", string(opt.ID))))
	}
	return tgbotapi.NewInlineKeyboardMarkup(row, backRow(ownerID))
}

func galleryKeyboard(ownerID int64, v session.View) tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton
	var row []tgbotapi.InlineKeyboardButton
	for i, tile := range v.Images {
		label := fmt.Sprintf("⬜ %d", i+1)
		if tile.Selected {
			label = fmt.Sprintf("✅ %d", i+1)
		}
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(label, cb(ownerID, "pick", strconv.Itoa(v.Run), strconv.Itoa(i))))
		if len(row) == 4 {
			rows = append(rows, row)
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}

	if len(v.Images) > 0 {
		allLabel := "全选"
		if v.AllSelected {
			allLabel = "取消全选"
		}
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(allLabel, cb(ownerID, "all")),
			tgbotapi.NewInlineKeyboardButtonData(fmt.Sprintf("⬇ 下载 (%d)", v.Selected), cb(ownerID, "dl")),
		))
	}
	rows = append(rows, backRow(ownerID))
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func backRow(ownerID int64) []tgbotapi.InlineKeyboardButton {
	return tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("⬅ 返回", cb(ownerID, "menu", menuMain)),
	)
}

func cb(ownerID int64, parts ...string) string {
	return fmt.Sprintf("%s:%d:%s", callbackPrefix, ownerID, strings.Join(parts, ":"))
}

func parseCallback(data string) (ownerID int64, action string, args []string, ok bool) {
	parts := strings.Split(strings.TrimSpace(data), ":")
	if len(parts) < 3 || parts[0] != callbackPrefix {
		return 0, "", nil, false
	}
	ownerID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, "", nil, false
	}
	return ownerID, parts[2], parts[3:], true
}

func argAt(args []string, i int, fallback string) string {
	if i < len(args) && args[i] != "" {
		return args[i]
	}
	return fallback
}

func indexArg(args []string, n int) (int, bool) {
	idx, err := strconv.Atoi(argAt(args, 0, ""))
	if err != nil || idx < 0 || idx >= n {
		return 0, false
	}
	return idx, true
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
