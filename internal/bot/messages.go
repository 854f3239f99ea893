package bot

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"github.com/shopspring/decimal"

	"faucet-bot/internal/config"
	"faucet-bot/internal/faucet"
	"faucet-bot/internal/models"
)

const (
	callbackJoined     = "joined_groups"
	callbackNewCaptcha = "new_captcha"
)

const genericErrorText = "Something went wrong. Please try again later."

const helpText = "Commands:\n" +
	"/balance - show your balance\n" +
	"/bonus - claim the daily bonus\n" +
	"/refstats - referral statistics and invite link\n" +
	"/withdraw [email] [amount|all] - withdraw to FaucetPay\n" +
	"/email <address> - set your FaucetPay email\n" +
	"/history - recent withdrawals\n" +
	"/cancel - cancel a pending withdrawal"

func referralLink(botUsername, code string) string {
	return fmt.Sprintf("https://t.me/%s?start=%s", botUsername, code)
}

func joinPromptText(firstName string) string {
	return fmt.Sprintf("Welcome, %s! Please join our social media groups:\n\n"+
		"After joining, tap 'Joined All Groups' to proceed.", firstName)
}

func joinKeyboard(channels []config.Channel) *telego.InlineKeyboardMarkup {
	rows := make([][]telego.InlineKeyboardButton, 0, len(channels)+1)
	for _, ch := range channels {
		rows = append(rows, tu.InlineKeyboardRow(
			tu.InlineKeyboardButton(ch.Name).WithURL(ch.URL),
		))
	}
	rows = append(rows, tu.InlineKeyboardRow(
		tu.InlineKeyboardButton("✅ Joined All Groups").WithCallbackData(callbackJoined),
	))
	return tu.InlineKeyboard(rows...)
}

func captchaKeyboard() *telego.InlineKeyboardMarkup {
	return tu.InlineKeyboard(tu.InlineKeyboardRow(
		tu.InlineKeyboardButton("🔄 New captcha").WithCallbackData(callbackNewCaptcha),
	))
}

func welcomeText(firstName, link string) string {
	return fmt.Sprintf("Hi %s! Use /balance to check your balance and /bonus for your daily bonus.\n\n"+
		"Your referral link: %s", firstName, link)
}

func verifiedText() string {
	return "✅ Thank you for joining the groups! Use /balance to check your balance."
}

func captchaCaption(attemptsLeft int) string {
	return fmt.Sprintf("Type the characters shown in the image. Attempts left: %d", attemptsLeft)
}

func captchaResultText(res *faucet.GateResult) string {
	switch {
	case res.State == faucet.Verified:
		return verifiedText()
	case res.LockedFor > 0:
		return fmt.Sprintf("❌ Too many wrong answers. Try again in %s.", formatWait(res.LockedFor))
	default:
		return fmt.Sprintf("❌ Wrong answer. Attempts left: %d", res.AttemptsLeft)
	}
}

func balanceText(balance decimal.Decimal, currency string) string {
	return fmt.Sprintf("💰 Your balance: %s %s", balance.String(), currency)
}

func bonusText(bonus decimal.Decimal, currency string) string {
	return fmt.Sprintf("🎁 You claimed your daily bonus of %s %s! Use /balance to check your balance.", bonus.String(), currency)
}

func referralCreditedText(bonus decimal.Decimal, currency string, count int) string {
	return fmt.Sprintf("🎉 New referral! You earned %s %s. Total referrals: %d", bonus.String(), currency, count)
}

func refStatsText(stats *faucet.ReferralStats, currency, link string) string {
	return fmt.Sprintf("Referral Stats:\nTotal Referrals: %d\nReferral Bonus Earned: %s %s\n\nYour link: %s",
		stats.Count, stats.Earned.String(), currency, link)
}

func withdrawPromptText(step *faucet.WithdrawStep, currency string) string {
	switch step.Need {
	case models.StateAwaitingEmail:
		return "📧 Send your FaucetPay email address, or /cancel."
	case models.StateAwaitingAmount:
		return fmt.Sprintf("Paying out to %s.\nSend the amount to withdraw (balance %s %s), or 'all'. /cancel to abort.",
			step.Destination, step.Balance.String(), currency)
	}
	return ""
}

func withdrawSuccessText(res *faucet.WithdrawalResult) string {
	return fmt.Sprintf("✅ Withdrawal of %s %s to %s successful! Payout ID: %s\nYour balance is now %s %s.",
		res.Amount.String(), res.Currency, res.Destination, res.Reference, res.User.Balance.String(), res.Currency)
}

func historyText(rows []models.Withdrawal) string {
	if len(rows) == 0 {
		return "No withdrawals yet."
	}
	var sb strings.Builder
	sb.WriteString("Recent withdrawals:\n")
	for _, w := range rows {
		fmt.Fprintf(&sb, "%s  %s %s  -> %s  (ID %s)\n",
			w.CreatedAt.UTC().Format("2006-01-02 15:04"), w.Amount.String(), w.Currency, w.Destination, w.PayoutID)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// errorText maps service errors to the reply shown to the user.
func errorText(err error) string {
	var (
		cooldown   *faucet.CooldownError
		locked     *faucet.LockedError
		validation *faucet.ValidationError
		provider   *faucet.ProviderError
	)
	switch {
	case errors.Is(err, faucet.ErrNotStarted):
		return "Please start the bot with /start first."
	case errors.Is(err, faucet.ErrNotVerified):
		return "Please join the required groups first. Use /start to get the group links."
	case errors.As(err, &cooldown):
		h, m := faucet.HoursMinutes(cooldown.Remaining)
		return fmt.Sprintf("⏳ You can claim your next bonus in %d hours and %d minutes.", h, m)
	case errors.As(err, &locked):
		return fmt.Sprintf("❌ Too many wrong answers. Try again in %s.", formatWait(locked.Remaining))
	case errors.Is(err, faucet.ErrNoChallenge):
		return "No captcha is pending. Tap 'Joined All Groups' first."
	case errors.Is(err, faucet.ErrNotMember):
		return "You have not joined all required groups yet. Join them and tap the button again."
	case errors.As(err, &validation):
		return "❌ " + capitalize(validation.Reason) + "."
	case errors.Is(err, faucet.ErrProviderInsufficientFunds):
		return "Insufficient funds in the faucet to process your withdrawal. Please try again later."
	case errors.As(err, &provider):
		if provider.Retryable {
			return "⚠️ Could not confirm the payout with FaucetPay. Your balance was not changed, please try again later."
		}
		return fmt.Sprintf("❌ Withdrawal failed: %s. Please try again or check your email.", provider.Body)
	default:
		return genericErrorText
	}
}

func inconsistentText(res *faucet.WithdrawalResult) string {
	return fmt.Sprintf("⚠️ Your payout of %s %s was sent (Payout ID: %s) but your balance could not be updated. "+
		"Please contact support with this ID.", res.Amount.String(), res.Currency, res.Reference)
}

// formatWait renders d rounded up to whole minutes.
func formatWait(d time.Duration) string {
	minutes := int((d + time.Minute - 1) / time.Minute)
	if minutes <= 1 {
		return "1 minute"
	}
	return fmt.Sprintf("%d minutes", minutes)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// withdrawArgs splits "/withdraw [destination] [amount]". A lone argument that
// reads as an amount is taken as the amount.
func withdrawArgs(args []string) (destination, amount string) {
	switch len(args) {
	case 0:
		return "", ""
	case 1:
		if looksLikeAmount(args[0]) {
			return "", args[0]
		}
		return args[0], ""
	default:
		return args[0], args[1]
	}
}

func looksLikeAmount(s string) bool {
	switch strings.ToLower(s) {
	case "all", "max":
		return true
	}
	_, err := decimal.NewFromString(s)
	return err == nil
}

// commandArgs returns the words after the command.
func commandArgs(text string) []string {
	fields := strings.Fields(text)
	if len(fields) < 2 {
		return nil
	}
	return fields[1:]
}
