package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/bwmarrin/discordgo"
	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"github.com/slack-go/slack"

	"github.com/nextlevelbuilder/goclaw/internal/subagents"
)

// Dispatcher implements subagents.AnnounceFunc by turning a finished run's
// Origin back into a reply on whichever channel it came from. A nil
// adapter field is simply skipped; an Origin naming a channel this
// Dispatcher has no client for is logged and reported as not announced;
// the registry then clears the run's cleanup guard, and the run is
// announced again when a later Registry.Init resumes it.
type Dispatcher struct {
	Discord  *discordgo.Session
	Telegram *telego.Bot
	Slack    *slack.Client

	// Render formats a finished run's summary for delivery. Defaults to a
	// one-line outcome/label summary when nil.
	Render func(rec subagents.Record) string
}

// Announce satisfies subagents.AnnounceFunc.
func (d *Dispatcher) Announce(ctx context.Context, rec subagents.Record) bool {
	text := d.render(rec)
	switch rec.RequesterOrigin.Channel {
	case channelDiscord:
		return d.announceDiscord(rec.RequesterOrigin.Ref, text)
	case channelTelegram:
		return d.announceTelegram(ctx, rec.RequesterOrigin.Ref, text)
	case channelSlack:
		return d.announceSlack(rec.RequesterOrigin.Ref, text)
	default:
		slog.Warn("channels: announce skipped, unrecognized origin channel", "channel", rec.RequesterOrigin.Channel, "run_id", rec.RunID)
		return false
	}
}

func (d *Dispatcher) render(rec subagents.Record) string {
	if d.Render != nil {
		return d.Render(rec)
	}
	if rec.Outcome == subagents.OutcomeError {
		return fmt.Sprintf("subagent %s failed: %s", rec.RunID, rec.ErrorMessage)
	}
	return fmt.Sprintf("subagent %s finished (%s)", rec.RunID, rec.Outcome)
}

func (d *Dispatcher) announceDiscord(channelID, text string) bool {
	if d.Discord == nil {
		slog.Warn("channels: discord announce skipped, no session configured", "channel_id", channelID)
		return false
	}
	if _, err := d.Discord.ChannelMessageSend(channelID, text); err != nil {
		slog.Error("channels: discord announce failed", "channel_id", channelID, "error", err)
		return false
	}
	return true
}

func (d *Dispatcher) announceTelegram(ctx context.Context, chatRef, text string) bool {
	if d.Telegram == nil {
		slog.Warn("channels: telegram announce skipped, no bot configured", "chat_ref", chatRef)
		return false
	}
	chatID, err := strconv.ParseInt(chatRef, 10, 64)
	if err != nil {
		slog.Error("channels: telegram announce failed, bad chat ref", "chat_ref", chatRef, "error", err)
		return false
	}
	if _, err := d.Telegram.SendMessage(ctx, tu.Message(tu.ID(chatID), text)); err != nil {
		slog.Error("channels: telegram announce failed", "chat_ref", chatRef, "error", err)
		return false
	}
	return true
}

func (d *Dispatcher) announceSlack(ref, text string) bool {
	if d.Slack == nil {
		slog.Warn("channels: slack announce skipped, no client configured", "ref", ref)
		return false
	}
	channelID, threadTS, hasThread := ParseSlackRef(ref)
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if hasThread {
		opts = append(opts, slack.MsgOptionTS(threadTS))
	}
	if _, _, err := d.Slack.PostMessage(channelID, opts...); err != nil {
		slog.Error("channels: slack announce failed", "ref", ref, "error", err)
		return false
	}
	return true
}
