package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/artforge/genbot/internal/config"
	"github.com/artforge/genbot/internal/models"
	"github.com/artforge/genbot/internal/pricing"
	"github.com/artforge/genbot/internal/service"
)

const maxReferenceImages = 8

const modelCallbackPrefix = "model:"

var errReferenceNotImage = errors.New("reference not image")

type ImageStorage interface {
	Upload(ctx context.Context, userID int64, data []byte, contentType string) (string, error)
}

// QuotaReader reports the free allowance left; used for the balance view.
type QuotaReader interface {
	Remaining(ctx context.Context, userID int64, class models.Category) (int, error)
}

type Bot struct {
	cfg        config.Config
	api        *tgbotapi.BotAPI
	log        *slog.Logger
	users      *service.UserService
	billing    *service.BillingService
	stats      *service.StatsService
	promo      *service.PromoService
	payments   *service.PaymentService
	quota      QuotaReader
	storage    ImageStorage
	state      *StateManager
	httpClient *http.Client
}

func NewBot(cfg config.Config, api *tgbotapi.BotAPI, log *slog.Logger, users *service.UserService, billing *service.BillingService, stats *service.StatsService, promo *service.PromoService, payments *service.PaymentService, quota QuotaReader, storage ImageStorage) *Bot {
	return &Bot{
		cfg:        cfg,
		api:        api,
		log:        log,
		users:      users,
		billing:    billing,
		stats:      stats,
		promo:      promo,
		payments:   payments,
		quota:      quota,
		storage:    storage,
		state:      NewStateManager(),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)
	b.log.Info("telegram bot started")

	for {
		select {
		case update := <-updates:
			if update.Message != nil {
				b.handleMessage(ctx, update.Message)
			} else if update.CallbackQuery != nil {
				b.handleCallback(ctx, update.CallbackQuery)
			} else if update.PreCheckoutQuery != nil {
				if err := b.payments.HandlePreCheckout(b.api, update.PreCheckoutQuery); err != nil {
					b.log.Error("pre-checkout failed", "err", err)
				}
			}
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return ctx.Err()
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.SuccessfulPayment != nil {
		b.handleSuccessfulPayment(ctx, msg)
		return
	}

	if len(msg.Photo) > 0 || msg.Document != nil {
		if err := b.handleReferenceImage(ctx, msg); err != nil {
			if errors.Is(err, errReferenceNotImage) {
				b.sendText(msg.Chat.ID, "Это не изображение. Пришлите фото или картинку.")
			} else {
				b.log.Error("reference upload failed", "err", err)
				b.sendText(msg.Chat.ID, "Не удалось сохранить референс, попробуйте снова.")
			}
		}
		return
	}

	if msg.IsCommand() {
		b.handleCommand(ctx, msg)
		return
	}

	session := b.state.Get(msg.Chat.ID)
	switch session.State {
	case StateAwaitingPrompt:
		b.handlePrompt(ctx, msg, session)
	default:
		b.sendText(msg.Chat.ID, "Нажмите /generate, чтобы начать генерацию.")
	}
}

func (b *Bot) handleSuccessfulPayment(ctx context.Context, msg *tgbotapi.Message) {
	user, _, err := b.ensureUser(ctx, msg.From, msg.Chat.ID)
	if err != nil {
		b.log.Error("ensure user payment", "err", err)
		return
	}
	if err := b.payments.HandleSuccessfulPayment(ctx, user, msg.SuccessfulPayment); err != nil {
		b.log.Error("process successful payment", "err", err)
		return
	}
	balance, err := b.users.Balance(ctx, user.ID)
	if err != nil {
		b.sendText(msg.Chat.ID, "Оплата получена! Баланс пополнен.")
		return
	}
	b.sendText(msg.Chat.ID, fmt.Sprintf("Оплата получена! Баланс: %s", pricing.FormatKopecks(balance)))
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	switch msg.Command() {
	case "start":
		user, created, err := b.ensureUser(ctx, msg.From, msg.Chat.ID)
		if err != nil {
			b.log.Error("ensure user", "err", err)
			return
		}
		greeting := fmt.Sprintf(
			"Привет, %s!\n\nЯ генерирую изображения нейросетями. Часть моделей бесплатна (%d генераций в день), остальные списываются с баланса.\n\nКоманды:\n/generate — начать генерацию\n/balance — баланс и бесплатные генерации\n/buy — пополнить баланс\n/promo <код> — активировать промокод\n/mystats — моя статистика\n/clearrefs — очистить референсы",
			user.FirstName, b.cfg.FreeDailyGenerations,
		)
		if created && b.cfg.StartBonusKopecks > 0 {
			greeting += fmt.Sprintf("\n\nНа баланс зачислен приветственный бонус %s.", pricing.FormatKopecks(b.cfg.StartBonusKopecks))
		}
		b.sendText(msg.Chat.ID, greeting)
	case "generate":
		user, _, err := b.ensureUser(ctx, msg.From, msg.Chat.ID)
		if err != nil {
			b.log.Error("ensure user", "err", err)
			return
		}
		b.promptModelSelection(ctx, user, msg.Chat.ID)
	case "promo":
		b.handlePromo(ctx, msg)
	case "balance":
		b.handleBalance(ctx, msg)
	case "buy":
		user, _, err := b.ensureUser(ctx, msg.From, msg.Chat.ID)
		if err != nil {
			b.log.Error("ensure user buy", "err", err)
			return
		}
		if err := b.payments.SendInvoice(ctx, b.api, user, msg.Chat.ID); err != nil {
			b.log.Error("send invoice", "err", err)
			b.sendText(msg.Chat.ID, "Не удалось отправить счет. Попробуйте позже.")
		}
	case "mystats":
		b.handleMyStats(ctx, msg)
	case "clearrefs":
		b.state.ClearReferences(msg.Chat.ID)
		b.sendText(msg.Chat.ID, "Референсы очищены.")
	default:
		b.sendText(msg.Chat.ID, "Неизвестная команда. Используйте /generate.")
	}
}

func (b *Bot) handlePromo(ctx context.Context, msg *tgbotapi.Message) {
	user, _, err := b.ensureUser(ctx, msg.From, msg.Chat.ID)
	if err != nil {
		b.log.Error("ensure user promo", "err", err)
		return
	}
	code := strings.TrimSpace(msg.CommandArguments())
	if code == "" {
		b.sendText(msg.Chat.ID, "Формат: /promo КОД")
		return
	}
	if err := b.promo.Apply(ctx, user.ID, code, b.cfg.PromoBonusKopecks); err != nil {
		switch {
		case errors.Is(err, service.ErrPromoInvalid):
			b.sendText(msg.Chat.ID, "Промокод недействителен.")
		case errors.Is(err, service.ErrPromoAlreadyRedeemed):
			b.sendText(msg.Chat.ID, "Этот промокод уже использован.")
		default:
			b.log.Error("apply promo", "err", err)
			b.sendText(msg.Chat.ID, "Не удалось применить промокод, попробуйте позже.")
		}
		return
	}
	b.sendText(msg.Chat.ID, fmt.Sprintf("Промокод активирован! На баланс зачислено %s.", pricing.FormatKopecks(b.cfg.PromoBonusKopecks)))
}

func (b *Bot) handleBalance(ctx context.Context, msg *tgbotapi.Message) {
	user, _, err := b.ensureUser(ctx, msg.From, msg.Chat.ID)
	if err != nil {
		b.log.Error("ensure user balance", "err", err)
		return
	}
	remaining, err := b.quota.Remaining(ctx, user.ID, models.CategoryImage)
	if err != nil {
		b.log.Error("read quota", "err", err)
		remaining = 0
	}
	text := fmt.Sprintf("Баланс: %s\nБесплатных генераций в этом окне: %d", pricing.FormatKopecks(user.BalanceKopecks), remaining)
	b.sendText(msg.Chat.ID, text)
}

func (b *Bot) handleMyStats(ctx context.Context, msg *tgbotapi.Message) {
	user, _, err := b.ensureUser(ctx, msg.From, msg.Chat.ID)
	if err != nil {
		b.log.Error("ensure user stats", "err", err)
		return
	}
	stats, err := b.stats.UserStats(ctx, user.ID)
	if err != nil {
		b.log.Error("user stats", "err", err)
		b.sendText(msg.Chat.ID, "Не удалось получить статистику.")
		return
	}
	text := fmt.Sprintf(
		"Всего генераций: %d\nУспешных: %d\nНеудачных: %d\nПо таймауту: %d\nПотрачено: %s",
		stats.Total, stats.Success, stats.Failed, stats.Timeout, pricing.FormatKopecks(stats.TotalKopecks),
	)
	b.sendText(msg.Chat.ID, text)
}

// promptModelSelection renders the model menu. Every shown price comes
// from the same quote the charge will use.
func (b *Bot) promptModelSelection(ctx context.Context, user *models.User, chatID int64) {
	session := newSession()
	session.State = StateAwaitingModel
	b.state.Set(chatID, session)

	table := b.billing.Pricing().Table()
	var rows [][]tgbotapi.InlineKeyboardButton
	for _, m := range table.List() {
		display, err := b.billing.Pricing().DisplayPrice(ctx, user.ID, m.ID)
		if err != nil {
			b.log.Error("display price", "model", m.ID, "err", err)
			continue
		}
		label := fmt.Sprintf("%s — %s", m.Title, display)
		btn := tgbotapi.NewInlineKeyboardButtonData(label, modelCallbackPrefix+m.ID)
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(btn))
	}
	if len(rows) == 0 {
		b.sendText(chatID, "Нет доступных моделей. Попробуйте позже.")
		return
	}

	msg := tgbotapi.NewMessage(chatID, fmt.Sprintf("Выберите модель. Можно добавить до %d референсов, затем отправьте промпт.", maxReferenceImages))
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send keyboard", "err", err)
	}
}

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	if !strings.HasPrefix(cb.Data, modelCallbackPrefix) {
		if _, err := b.api.Request(tgbotapi.NewCallback(cb.ID, "Неизвестный выбор")); err != nil {
			b.log.Error("callback error", "err", err)
		}
		return
	}

	modelID := strings.TrimPrefix(cb.Data, modelCallbackPrefix)
	if _, err := b.billing.Pricing().Table().Get(modelID); err != nil {
		if _, err := b.api.Request(tgbotapi.NewCallback(cb.ID, "Модель недоступна")); err != nil {
			b.log.Error("callback error", "err", err)
		}
		return
	}

	session := b.state.Get(cb.Message.Chat.ID)
	session.State = StateAwaitingPrompt
	session.SelectedModel = modelID
	b.state.Set(cb.Message.Chat.ID, session)
	if _, err := b.api.Request(tgbotapi.NewCallback(cb.ID, "Модель выбрана")); err != nil {
		b.log.Error("callback ack", "err", err)
	}
	b.sendText(cb.Message.Chat.ID, fmt.Sprintf("Пришлите до %d изображений (если нужны референсы), затем отправьте промпт.", maxReferenceImages))
}

func (b *Bot) handlePrompt(ctx context.Context, msg *tgbotapi.Message, session *Session) {
	if session.SelectedModel == "" {
		b.sendText(msg.Chat.ID, "Сначала выберите модель через /generate.")
		return
	}
	if strings.TrimSpace(msg.Text) == "" {
		b.sendText(msg.Chat.ID, "Промпт не может быть пустым.")
		return
	}
	user, _, err := b.ensureUser(ctx, msg.From, msg.Chat.ID)
	if err != nil {
		b.log.Error("ensure user prompt", "err", err)
		return
	}

	chatID := msg.Chat.ID
	req := service.GenerationRequest{
		ModelID:     session.SelectedModel,
		ChatID:      &chatID,
		Prompt:      msg.Text,
		AspectRatio: session.AspectRatio,
		Resolution:  session.Resolution,
	}
	if len(session.ReferenceURLs) > 0 {
		req.InputURLs = append([]string(nil), session.ReferenceURLs...)
	}

	b.sendText(msg.Chat.ID, "Генерация началась, это может занять до пары минут. Я пришлю результат, как только он будет готов.")

	result, err := b.billing.Generate(ctx, user, req)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInsufficientFunds):
			b.sendText(msg.Chat.ID, "Недостаточно средств. Используйте /buy для пополнения или /promo для ввода промокода.")
		case errors.Is(err, service.ErrQuotaExhausted):
			b.sendText(msg.Chat.ID, "Бесплатные генерации на сегодня закончились. Попробуйте завтра.")
		default:
			// Full detail lives in the event record; the user gets a
			// generic message.
			b.log.Error("generate", "err", err)
			b.sendText(msg.Chat.ID, "Генерация не удалась, средства не списаны. Попробуйте позже.")
		}
		return
	}

	b.deliverImage(msg.Chat.ID, result)
	b.state.Reset(msg.Chat.ID)
}

func (b *Bot) deliverImage(chatID int64, result *service.GenerationResult) {
	if result.URL == "" {
		b.sendText(chatID, "Не удалось получить результат.")
		return
	}
	cfg := tgbotapi.NewPhoto(chatID, tgbotapi.FileURL(result.URL))
	cfg.Caption = fmt.Sprintf("Модель: %s\nСписано: %s", result.Quote.Title, result.Quote.Display())
	if _, err := b.api.Send(cfg); err != nil {
		b.log.Error("send image", "err", err)
	}
}

func (b *Bot) handleReferenceImage(ctx context.Context, msg *tgbotapi.Message) error {
	var fileID string
	contentType := "image/jpeg"

	switch {
	case len(msg.Photo) > 0:
		photo := msg.Photo[len(msg.Photo)-1]
		fileID = photo.FileID
	case msg.Document != nil:
		if mt := strings.ToLower(msg.Document.MimeType); mt != "" && !strings.HasPrefix(mt, "image/") {
			return errReferenceNotImage
		}
		fileID = msg.Document.FileID
		if msg.Document.MimeType != "" {
			contentType = msg.Document.MimeType
		}
	default:
		return nil
	}

	user, _, err := b.ensureUser(ctx, msg.From, msg.Chat.ID)
	if err != nil {
		return err
	}

	data, detectedType, err := b.downloadFile(ctx, fileID)
	if err != nil {
		return err
	}
	if detectedType != "" {
		contentType = detectedType
	}

	url, err := b.storage.Upload(ctx, user.ID, data, contentType)
	if err != nil {
		return err
	}

	session := b.state.Get(msg.Chat.ID)
	session.ReferenceURLs = append(session.ReferenceURLs, url)
	if len(session.ReferenceURLs) > maxReferenceImages {
		session.ReferenceURLs = session.ReferenceURLs[len(session.ReferenceURLs)-maxReferenceImages:]
	}
	b.state.Set(msg.Chat.ID, session)

	b.sendText(msg.Chat.ID, fmt.Sprintf("Референс сохранён (%d/%d). Можно отправить промпт.", len(session.ReferenceURLs), maxReferenceImages))
	return nil
}

func (b *Bot) downloadFile(ctx context.Context, fileID string) ([]byte, string, error) {
	file, err := b.api.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return nil, "", fmt.Errorf("get file: %w", err)
	}
	if file.FilePath == "" {
		return nil, "", fmt.Errorf("file path empty")
	}
	url := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", b.api.Token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("telegram file status: %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read file body: %w", err)
	}
	ct, err := normalizeImageContentType(resp.Header.Get("Content-Type"), body)
	if err != nil {
		return nil, "", err
	}
	return body, ct, nil
}

func (b *Bot) ensureUser(ctx context.Context, from *tgbotapi.User, chatID int64) (*models.User, bool, error) {
	username := ""
	firstName := ""
	lastName := ""
	telegramID := chatID
	if from != nil {
		username = from.UserName
		firstName = from.FirstName
		lastName = from.LastName
		telegramID = int64(from.ID)
	}
	return b.users.Ensure(ctx, telegramID, username, firstName, lastName)
}

func (b *Bot) sendText(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send text", "err", err)
	}
}

func normalizeImageContentType(headerCT string, data []byte) (string, error) {
	ct := strings.ToLower(strings.TrimSpace(headerCT))
	if idx := strings.Index(ct, ";"); idx > 0 {
		ct = ct[:idx]
	}
	if ct == "" || ct == "application/octet-stream" || !strings.HasPrefix(ct, "image/") {
		if len(data) > 0 {
			ct = http.DetectContentType(data)
			if idx := strings.Index(ct, ";"); idx > 0 {
				ct = ct[:idx]
			}
		}
	}

	switch ct {
	case "image/jpeg", "image/jpg":
		return "image/jpeg", nil
	case "image/png":
		return "image/png", nil
	case "image/webp":
		return "image/webp", nil
	default:
		return "", errReferenceNotImage
	}
}
