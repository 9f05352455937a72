package olliebot

import (
	"context"
	"fmt"
	"math"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	// clearMax is the most messages a single clear removes
	clearMax = 20

	// clearSearchDepth is how far back in the channel clear looks
	clearSearchDepth = 100
)

// clearCommand deletes the bot's own recent messages from the channel.
// Only the bot's messages are touched, regardless of who asks.
func clearCommand(ctx context.Context, cc *CommandContext) error {
	n, ok := cc.Args.Number(0)
	if !ok {
		_, err := cc.Reply("Please supply a number to delete.")
		return err
	}
	if math.IsNaN(n) || n < 1 {
		_, err := cc.Reply("Amount invalid.")
		return err
	}
	amount := min(int(n), clearMax)

	botUser := cc.session().BotUser()
	if botUser == nil {
		return fmt.Errorf("bot user not available")
	}
	recent, err := cc.session().ChannelMessages(cc.Message.ChannelID, clearSearchDepth, "", "", "")
	if err != nil {
		return fmt.Errorf("error fetching messages: %w", err)
	}
	ids := ownMessageIDs(recent, botUser.ID, amount)

	logger := cc.logger(ctx)
	if err = deleteMessages(cc.session(), cc.Message.ChannelID, ids); err != nil {
		logger.WarnContext(ctx, "error clearing messages", "count", len(ids), tint.Err(err))
		_, err = cc.Reply("I'm not allowed to do this")
		return err
	}
	logger.InfoContext(ctx, "cleared messages", "count", len(ids))
	return nil
}

// ownMessageIDs returns the IDs of up to limit messages authored by
// userID, in the order given
func ownMessageIDs(messages []*discordgo.Message, userID string, limit int) []string {
	var ids []string
	for _, m := range messages {
		if len(ids) >= limit {
			break
		}
		if m.Author != nil && m.Author.ID == userID {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

func pingCommand(_ context.Context, cc *CommandContext) error {
	latency := cc.session().HeartbeatLatency()
	_, err := cc.Reply(fmt.Sprintf("pong (%dms)", latency.Milliseconds()))
	return err
}

func newUtilGroup() *CommandGroup {
	return MustCommandGroup(
		"util",
		Command{
			Name:    "clear",
			Pattern: "{number}",
			Guards: []Middleware{
				RequirePermission(discordgo.PermissionManageMessages, "no"),
			},
			Help: &HelpEntry{
				Tagline:     "Clear my recent messages",
				Usage:       []string{"clear [number]"},
				Description: fmt.Sprintf(
					"Deletes up to %d of my messages from the last %d in this channel. "+
						"Requires the Manage Messages permission.",
					clearMax,
					clearSearchDepth,
				),
				Examples: []string{"clear 5"},
			},
			Handler: clearCommand,
		},
		Command{
			Name: "ping",
			Help: &HelpEntry{
				Tagline:     "Check that I'm awake",
				Usage:       []string{"ping"},
				Description: "Replies with the current gateway latency.",
				Examples:    []string{"ping"},
			},
			Handler: pingCommand,
		},
	)
}
