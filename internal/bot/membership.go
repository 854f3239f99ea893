package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

// MembershipChecker asks Telegram whether a user is in a chat. The bot must be
// an administrator of private channels for this to work.
type MembershipChecker struct {
	instance *telego.Bot
}

func NewMembershipChecker(instance *telego.Bot) *MembershipChecker {
	return &MembershipChecker{instance: instance}
}

func (m *MembershipChecker) IsMember(ctx context.Context, chat string, userID int64) (bool, error) {
	chatID, err := parseChatID(chat)
	if err != nil {
		return false, err
	}
	member, err := m.instance.GetChatMember(ctx, &telego.GetChatMemberParams{
		ChatID: chatID,
		UserID: userID,
	})
	if err != nil {
		return false, err
	}
	return isJoinedStatus(member.MemberStatus()), nil
}

func isJoinedStatus(status string) bool {
	switch status {
	case "creator", "administrator", "member", "restricted":
		return true
	}
	return false
}

// parseChatID accepts "@username" or a numeric chat id.
func parseChatID(chat string) (telego.ChatID, error) {
	chat = strings.TrimSpace(chat)
	if strings.HasPrefix(chat, "@") {
		return tu.Username(chat), nil
	}
	id, err := strconv.ParseInt(chat, 10, 64)
	if err != nil {
		return telego.ChatID{}, fmt.Errorf("invalid chat %q", chat)
	}
	return tu.ID(id), nil
}
