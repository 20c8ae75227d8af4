// Package channels builds the opaque subagents.Origin / announce-target
// descriptors transport adapters hand to the orchestrator. The core never
// inspects an Origin's contents; only the matching adapter in this package
// knows how to turn one back into a reply.
package channels

import (
	"fmt"
	"strconv"

	"github.com/bwmarrin/discordgo"
	"github.com/mymmrac/telego"
	"github.com/slack-go/slack"

	"github.com/nextlevelbuilder/goclaw/internal/subagents"
)

const (
	channelDiscord  = "discord"
	channelTelegram = "telegram"
	channelSlack    = "slack"
)

// FromDiscordMessage builds an Origin that can route an announcement back
// to the channel a Discord message arrived on.
func FromDiscordMessage(msg *discordgo.Message) subagents.Origin {
	return subagents.Origin{Channel: channelDiscord, Ref: msg.ChannelID}
}

// FromTelegramMessage builds an Origin from the chat a Telegram message
// belongs to.
func FromTelegramMessage(msg *telego.Message) subagents.Origin {
	return subagents.Origin{Channel: channelTelegram, Ref: strconv.FormatInt(msg.Chat.ID, 10)}
}

// FromSlackMessage builds an Origin from a Slack message event, keeping the
// thread timestamp so a reply lands in the same thread when present.
func FromSlackMessage(msg *slack.Msg) subagents.Origin {
	ref := msg.Channel
	if msg.ThreadTimestamp != "" {
		ref = fmt.Sprintf("%s:%s", msg.Channel, msg.ThreadTimestamp)
	}
	return subagents.Origin{Channel: channelSlack, Ref: ref}
}

// ParseSlackRef splits an Origin.Ref produced by FromSlackMessage back into
// its channel and thread components. ok is false for a non-threaded ref.
func ParseSlackRef(ref string) (channelID, threadTS string, ok bool) {
	for i := 0; i < len(ref); i++ {
		if ref[i] == ':' {
			return ref[:i], ref[i+1:], true
		}
	}
	return ref, "", false
}
