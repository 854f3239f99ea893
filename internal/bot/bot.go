package bot

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"
	log "github.com/sirupsen/logrus"
	"github.com/skip2/go-qrcode"

	"faucet-bot/internal/faucet"
	"faucet-bot/internal/models"
)

const historyLimit = 10

// WithdrawalHistory lists completed payouts for /history.
type WithdrawalHistory interface {
	Withdrawals(ctx context.Context, userID int64, limit int) ([]models.Withdrawal, error)
}

type Bot struct {
	Instance *telego.Bot
	Service  *faucet.Service
	History  WithdrawalHistory
	Username string
	Currency string
}

func NewBot(instance *telego.Bot, service *faucet.Service, history WithdrawalHistory, username, currency string) *Bot {
	return &Bot{
		Instance: instance,
		Service:  service,
		History:  history,
		Username: username,
		Currency: currency,
	}
}

// Start polls for updates until ctx is cancelled.
func (b *Bot) Start(ctx context.Context) error {
	if b.Username == "" {
		me, err := b.Instance.GetMe(ctx)
		if err != nil {
			return fmt.Errorf("failed to get bot info: %w", err)
		}
		b.Username = me.Username
	}

	updates, err := b.Instance.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start long polling: %w", err)
	}

	handler, err := th.NewBotHandler(b.Instance, updates)
	if err != nil {
		return fmt.Errorf("failed to create handler: %w", err)
	}
	handler.Use(th.PanicRecovery())

	handler.Handle(b.handleStart, th.CommandEqual("start"))
	handler.Handle(b.handleHelp, th.CommandEqual("help"))
	handler.Handle(b.handleBalance, th.CommandEqual("balance"))
	handler.Handle(b.handleBonus, th.CommandEqual("bonus"))
	handler.Handle(b.handleRefStats, th.CommandEqual("refstats"))
	handler.Handle(b.handleWithdraw, th.CommandEqual("withdraw"))
	handler.Handle(b.handleEmail, th.CommandEqual("email"))
	handler.Handle(b.handleCancel, th.CommandEqual("cancel"))
	handler.Handle(b.handleHistory, th.CommandEqual("history"))
	handler.Handle(b.handleJoined, th.CallbackDataPrefix(callbackJoined))
	handler.Handle(b.handleJoined, th.CallbackDataEqual(callbackNewCaptcha))
	handler.Handle(b.handleNewMembers, newChatMembers)
	handler.Handle(b.handleText, th.AnyMessageWithText())

	go func() {
		<-ctx.Done()
		handler.Stop()
	}()

	log.WithField("username", b.Username).Info("Bot started")
	handler.Start()
	return nil
}

func newChatMembers(_ context.Context, update telego.Update) bool {
	return update.Message != nil && len(update.Message.NewChatMembers) > 0
}

func (b *Bot) handleStart(ctx *th.Context, update telego.Update) error {
	message := update.Message
	from := message.From
	if from == nil {
		return nil
	}

	code := ""
	if args := commandArgs(message.Text); len(args) > 0 {
		code = args[0]
	}

	res, err := b.Service.Start(ctx, from.ID, from.Username, code)
	if err != nil {
		b.replyError(ctx, message.Chat.ID, err)
		return nil
	}

	if res.Referrer != nil {
		bonus := b.Service.Ledger().Rewards().ReferralBonus
		b.send(ctx, tu.Message(tu.ID(res.Referrer.ID), referralCreditedText(bonus, b.Currency, res.Referrer.ReferralCount)))
	}

	if res.Prompt != nil {
		b.send(ctx, tu.Message(tu.ID(message.Chat.ID), joinPromptText(from.FirstName)).
			WithReplyMarkup(joinKeyboard(res.Prompt.Channels)))
		return nil
	}

	b.send(ctx, tu.Message(tu.ID(message.Chat.ID), welcomeText(from.FirstName, referralLink(b.Username, res.User.ReferralCode))))
	return nil
}

func (b *Bot) handleHelp(ctx *th.Context, update telego.Update) error {
	b.send(ctx, tu.Message(tu.ID(update.Message.Chat.ID), helpText))
	return nil
}

func (b *Bot) handleBalance(ctx *th.Context, update telego.Update) error {
	message := update.Message
	if message.From == nil {
		return nil
	}
	u, err := b.Service.Balance(ctx, message.From.ID)
	if err != nil {
		b.replyError(ctx, message.Chat.ID, err)
		return nil
	}
	b.send(ctx, tu.Message(tu.ID(message.Chat.ID), balanceText(u.Balance, b.Currency)))
	return nil
}

func (b *Bot) handleBonus(ctx *th.Context, update telego.Update) error {
	message := update.Message
	if message.From == nil {
		return nil
	}
	if _, err := b.Service.ClaimBonus(ctx, message.From.ID); err != nil {
		b.replyError(ctx, message.Chat.ID, err)
		return nil
	}
	bonus := b.Service.Ledger().Rewards().DailyBonus
	b.send(ctx, tu.Message(tu.ID(message.Chat.ID), bonusText(bonus, b.Currency)))
	return nil
}

func (b *Bot) handleRefStats(ctx *th.Context, update telego.Update) error {
	message := update.Message
	if message.From == nil {
		return nil
	}
	stats, err := b.Service.ReferralStats(ctx, message.From.ID)
	if err != nil {
		b.replyError(ctx, message.Chat.ID, err)
		return nil
	}

	link := referralLink(b.Username, stats.Code)
	text := refStatsText(stats, b.Currency, link)

	png, err := referralQR(link)
	if err != nil {
		log.WithError(err).WithField("user_id", message.From.ID).Warn("Failed to render referral QR code")
		b.send(ctx, tu.Message(tu.ID(message.Chat.ID), text))
		return nil
	}
	photo := tu.Photo(tu.ID(message.Chat.ID), tu.File(tu.NameReader(bytes.NewReader(png), "referral.png"))).
		WithCaption(text)
	if _, err := ctx.Bot().SendPhoto(ctx, photo); err != nil {
		log.WithError(err).WithField("chat_id", message.Chat.ID).Warn("Failed to send referral QR code")
		b.send(ctx, tu.Message(tu.ID(message.Chat.ID), text))
	}
	return nil
}

func referralQR(link string) ([]byte, error) {
	qr, err := qrcode.New(link, qrcode.Medium)
	if err != nil {
		return nil, err
	}
	return qr.PNG(256)
}

func (b *Bot) handleWithdraw(ctx *th.Context, update telego.Update) error {
	message := update.Message
	if message.From == nil {
		return nil
	}
	destination, amount := withdrawArgs(commandArgs(message.Text))
	step, err := b.Service.RequestWithdrawal(ctx, message.From.ID, destination, amount)
	b.replyWithdrawStep(ctx, message.Chat.ID, step, err)
	return nil
}

func (b *Bot) handleEmail(ctx *th.Context, update telego.Update) error {
	message := update.Message
	if message.From == nil {
		return nil
	}
	args := commandArgs(message.Text)
	if len(args) == 0 {
		u, err := b.Service.Balance(ctx, message.From.ID)
		if err != nil {
			b.replyError(ctx, message.Chat.ID, err)
			return nil
		}
		text := "No payout email set. Use /email your.email@example.com"
		if u.PayoutDestination != "" {
			text = "Your payout email: " + u.PayoutDestination
		}
		b.send(ctx, tu.Message(tu.ID(message.Chat.ID), text))
		return nil
	}

	u, err := b.Service.SetDestination(ctx, message.From.ID, args[0])
	if err != nil {
		b.replyError(ctx, message.Chat.ID, err)
		return nil
	}
	b.send(ctx, tu.Message(tu.ID(message.Chat.ID), "✅ Payout email set to "+u.PayoutDestination))
	return nil
}

func (b *Bot) handleCancel(ctx *th.Context, update telego.Update) error {
	message := update.Message
	if message.From == nil {
		return nil
	}
	if err := b.Service.Cancel(ctx, message.From.ID); err != nil {
		b.replyError(ctx, message.Chat.ID, err)
		return nil
	}
	b.send(ctx, tu.Message(tu.ID(message.Chat.ID), "Cancelled."))
	return nil
}

func (b *Bot) handleHistory(ctx *th.Context, update telego.Update) error {
	message := update.Message
	if message.From == nil {
		return nil
	}
	if _, err := b.Service.Balance(ctx, message.From.ID); err != nil {
		b.replyError(ctx, message.Chat.ID, err)
		return nil
	}
	if b.History == nil {
		b.send(ctx, tu.Message(tu.ID(message.Chat.ID), "History is not available."))
		return nil
	}
	rows, err := b.History.Withdrawals(ctx, message.From.ID, historyLimit)
	if err != nil {
		log.WithError(err).WithField("user_id", message.From.ID).Error("Failed to load withdrawals")
		b.replyError(ctx, message.Chat.ID, err)
		return nil
	}
	b.send(ctx, tu.Message(tu.ID(message.Chat.ID), historyText(rows)))
	return nil
}

func (b *Bot) handleJoined(ctx *th.Context, update telego.Update) error {
	callback := update.CallbackQuery
	_ = ctx.Bot().AnswerCallbackQuery(ctx, tu.CallbackQuery(callback.ID))

	userID := callback.From.ID
	res, err := b.Service.ConfirmJoin(ctx, userID)
	if err != nil {
		b.replyError(ctx, userID, err)
		return nil
	}

	switch res.State {
	case faucet.Verified:
		b.send(ctx, tu.Message(tu.ID(userID), verifiedText()))
		b.send(ctx, tu.Message(tu.ID(userID), welcomeText(callback.From.FirstName, referralLink(b.Username, res.User.ReferralCode))))
	case faucet.AwaitingCaptcha:
		photo := tu.Photo(tu.ID(userID), tu.File(tu.NameReader(bytes.NewReader(res.CaptchaImage), "captcha.png"))).
			WithCaption(captchaCaption(res.AttemptsLeft)).
			WithReplyMarkup(captchaKeyboard())
		if _, err := ctx.Bot().SendPhoto(ctx, photo); err != nil {
			log.WithError(err).WithField("user_id", userID).Error("Failed to send captcha")
		}
	}
	return nil
}

func (b *Bot) handleNewMembers(ctx *th.Context, update telego.Update) error {
	for _, member := range update.Message.NewChatMembers {
		if member.IsBot {
			continue
		}
		res, err := b.Service.NewMember(ctx, member.ID, member.Username)
		if err != nil {
			log.WithError(err).WithField("user_id", member.ID).Error("Failed to register new member")
			continue
		}
		if res.Prompt == nil {
			continue
		}
		// Fails until the member has opened a private chat with the bot.
		msg := tu.Message(tu.ID(member.ID), joinPromptText(member.FirstName)).WithReplyMarkup(joinKeyboard(res.Prompt.Channels))
		if _, err := ctx.Bot().SendMessage(ctx, msg); err != nil {
			log.WithError(err).WithField("user_id", member.ID).Debug("Could not message new member")
		}
	}
	return nil
}

// handleText routes free text by the sender's session state.
func (b *Bot) handleText(ctx *th.Context, update telego.Update) error {
	message := update.Message
	if message.From == nil || message.Chat.Type != "private" || isCommand(message.Text) {
		return nil
	}
	userID := message.From.ID

	sess, err := b.Service.Session(ctx, userID)
	if err != nil {
		log.WithError(err).WithField("user_id", userID).Error("Failed to load session")
		return nil
	}

	switch sess.State {
	case models.StateAwaitingCaptcha:
		res, err := b.Service.SubmitCaptcha(ctx, userID, message.Text)
		if err != nil {
			b.replyError(ctx, message.Chat.ID, err)
			return nil
		}
		b.send(ctx, tu.Message(tu.ID(message.Chat.ID), captchaResultText(res)))
		if res.State == faucet.Verified {
			b.send(ctx, tu.Message(tu.ID(message.Chat.ID), welcomeText(message.From.FirstName, referralLink(b.Username, res.User.ReferralCode))))
		}
	case models.StateAwaitingEmail:
		step, err := b.Service.CaptureDestination(ctx, userID, message.Text)
		b.replyWithdrawStep(ctx, message.Chat.ID, step, err)
	case models.StateAwaitingAmount:
		step, err := b.Service.CaptureAmount(ctx, userID, message.Text)
		b.replyWithdrawStep(ctx, message.Chat.ID, step, err)
	}
	return nil
}

func (b *Bot) replyWithdrawStep(ctx context.Context, chatID int64, step *faucet.WithdrawStep, err error) {
	if errors.Is(err, faucet.ErrInconsistent) && step != nil && step.Result != nil {
		b.send(ctx, tu.Message(tu.ID(chatID), inconsistentText(step.Result)))
		return
	}
	if err != nil {
		b.replyError(ctx, chatID, err)
		return
	}
	if step.Result != nil {
		b.send(ctx, tu.Message(tu.ID(chatID), withdrawSuccessText(step.Result)))
		return
	}
	b.send(ctx, tu.Message(tu.ID(chatID), withdrawPromptText(step, b.Currency)))
}

func (b *Bot) replyError(ctx context.Context, chatID int64, err error) {
	text := errorText(err)
	if text == genericErrorText {
		log.WithError(err).WithField("chat_id", chatID).Error("Request failed")
	}
	b.send(ctx, tu.Message(tu.ID(chatID), text))
}

// Notify sends a plain message to a user's private chat.
func (b *Bot) Notify(ctx context.Context, userID int64, text string) error {
	_, err := b.Instance.SendMessage(ctx, tu.Message(tu.ID(userID), text))
	return err
}

func (b *Bot) send(ctx context.Context, msg *telego.SendMessageParams) {
	if _, err := b.Instance.SendMessage(ctx, msg); err != nil {
		log.WithError(err).WithField("chat_id", msg.ChatID.ID).Warn("Failed to send message")
	}
}

func isCommand(text string) bool {
	return len(text) > 0 && text[0] == '/'
}
