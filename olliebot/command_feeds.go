package olliebot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	youtubeIcon = "https://www.youtube.com/s/desktop/3748dff5/img/favicon_48.png"

	youtubeColor Color = 0xf7000b
)

func feedsDisabled(cc *CommandContext) (bool, error) {
	if cc.Bot.youtube != nil {
		return false, nil
	}
	_, err := cc.Reply("YouTube feeds aren't enabled for this bot.")
	return true, err
}

func youtubeFeedCommand(_ context.Context, cc *CommandContext) error {
	_, err := cc.Reply(
		fmt.Sprintf("Please supply an argument. Call `%shelp youtube_feed` for more info", cc.Prefix),
	)
	return err
}

func youtubeFeedAddCommand(ctx context.Context, cc *CommandContext) error {
	if disabled, err := feedsDisabled(cc); disabled {
		return err
	}
	link, _ := cc.Args.String(0)
	if link == "" {
		_, err := cc.Reply("Please supply a channel link or a video link from the channel.")
		return err
	}
	feeds := cc.Guild.Feeds()
	if feeds.Max() > 0 && feeds.Len() >= feeds.Max() {
		_, err := cc.Reply(
			fmt.Sprintf(
				"Sorry, the maximum youtube feeds count (**%d**) has already been reached. "+
					"Please remove one before adding another.",
				feeds.Max(),
			),
		)
		return err
	}

	logger := cc.logger(ctx)
	channel, err := ResolveYouTubeChannel(ctx, cc.Bot.youtube, link)
	if err != nil {
		logger.InfoContext(ctx, "error resolving youtube channel", "url", link, tint.Err(err))
		reply := "Sorry, I didn't understand that 🙁 Make sure to pass a channel or video link."
		if errors.Is(err, ErrChannelNotFound) {
			reply = fmt.Sprintf(
				"Sorry, I didn't find any channels for `%s` 🙁 Make sure to provide the channel link "+
					"or a video link from the desired channel.",
				link,
			)
		}
		_, err = cc.Reply(reply)
		return err
	}

	latest, err := cc.Bot.youtube.LatestVideo(ctx, channel.ID)
	if err != nil {
		logger.WarnContext(ctx, "error fetching latest video", "youtube_channel_id", channel.ID, tint.Err(err))
		latest = ""
	}

	err = feeds.Add(ctx, channel, cc.Message.ChannelID, latest)
	var existsErr *ExistenceError
	switch {
	case err == nil:
		logger.InfoContext(ctx, "added youtube feed", "youtube_channel_id", channel.ID, "title", channel.Title)
		_, err = cc.Reply(
			fmt.Sprintf("Adding youtube feed updates for channel **%s** to <#%s>", channel.Title, cc.Message.ChannelID),
		)
		return err
	case errors.As(err, &existsErr):
		_, err = cc.Reply(
			fmt.Sprintf(
				"Sorry, this guild already has a feed for channel **%s** somewhere. "+
					"Please remove it first if you would like to change the discord channel.",
				channel.Title,
			),
		)
		return err
	case errors.Is(err, ErrFeedLimit):
		_, err = cc.Reply(fmt.Sprintf("Sorry, the maximum youtube feeds count (**%d**) has already been reached.", feeds.Max()))
		return err
	default:
		return err
	}
}

func youtubeFeedListCommand(_ context.Context, cc *CommandContext) error {
	em := &discordgo.MessageEmbed{
		Color:  youtubeColor.Int(),
		Author: &discordgo.MessageEmbedAuthor{Name: "Youtube Feeds", IconURL: youtubeIcon},
	}
	if lines := cc.Guild.Feeds().Strings(); len(lines) > 0 {
		em.Description = strings.Join(lines, "\n")
	} else {
		em.Description = "No youtube feeds set for this guild 😕"
	}
	_, err := cc.ReplyEmbed(em)
	return err
}

// youtubeFeedRemoveCommand removes a feed by its title, falling back to
// resolving the argument as a channel link
func youtubeFeedRemoveCommand(ctx context.Context, cc *CommandContext) error {
	feeds := cc.Guild.Feeds()
	if feeds.Len() == 0 {
		_, err := cc.Reply("There are no feeds to remove. 😕")
		return err
	}
	identifier, _ := cc.Args.String(0)
	identifier = unquote(strings.TrimSpace(identifier))
	if identifier == "" {
		_, err := cc.Reply("Please supply the title or channel link of a feed.")
		return err
	}

	feed, ok := feeds.GetByTitle(identifier)
	if !ok && cc.Bot.youtube != nil {
		channel, err := ResolveYouTubeChannel(ctx, cc.Bot.youtube, identifier)
		if err == nil {
			feed, ok = feeds.Get(channel.ID)
		} else {
			cc.logger(ctx).DebugContext(ctx, "identifier is not a channel link", "identifier", identifier, tint.Err(err))
		}
	}
	if !ok {
		_, err := cc.Reply(
			"Sorry, that didn't match any title or channel url 🙁 Make sure to provide the feed's title " +
				"or a channel link.",
		)
		return err
	}

	err := feeds.Remove(ctx, feed.YouTubeChannelID)
	var existsErr *ExistenceError
	switch {
	case err == nil:
		_, err = cc.Reply(fmt.Sprintf("Removed youtube feed **%s** from <#%s>", feed.Title, feed.DiscordChannelID))
		return err
	case errors.As(err, &existsErr):
		_, err = cc.Reply("This feed doesn't exist for this guild 🙁 Make sure the link or title is correct.")
		return err
	default:
		return err
	}
}

func newFeedsGroup() *CommandGroup {
	return MustCommandGroup(
		"feeds",
		Command{
			Name:    "youtube_feed",
			Aliases: []string{"youtubefeed", "youtube_feeds", "youtubefeeds"},
			Guards:  []Middleware{GuildOnly, ModOnly},
			Help: &HelpEntry{
				Tagline: "Manage youtube feed updates in each channel",
				Usage: []string{
					"youtube_feed add [channel_url]",
					"youtube_feed list",
					"youtube_feed remove [channel_url/title]",
				},
				Description: "Manage youtube feed updates for a particular channel. To add a feed, open the " +
					"channel you would like to see updates in and use the `add` subcommand. You can remove " +
					"a feed using its channel link or title.",
				Examples: []string{
					"youtube_feed add https://www.youtube.com/channel/UC0aanx5rpr7D1M7KCFYzrLQ",
					"youtube_feed add https://www.youtube.com/@handle",
					"youtube_feed list",
					"youtube_feed remove Shoe0nHead",
				},
			},
			Handler: youtubeFeedCommand,
			Subcommands: []Subcommand{
				{Name: "add", Pattern: "{string}", Handler: youtubeFeedAddCommand},
				{Name: "list", Handler: youtubeFeedListCommand},
				{Name: "remove", Pattern: "{group}", Handler: youtubeFeedRemoveCommand},
			},
		},
	)
}
