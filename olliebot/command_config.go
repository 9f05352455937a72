package olliebot

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/samber/lo"
)

const (
	configIcon = "https://abs.twimg.com/emoji/v2/72x72/2699.png"

	configColor Color = 0x99aab5

	guildPrefixMaxLength = 5
	notSet               = "*not set*"
)

// replyResult replies with done when err is nil, or with the matching
// message when err is an ExistenceError. Other errors are returned.
func replyResult(ctx context.Context, cc *CommandContext, err error, done, exists, missing string) error {
	var existsErr *ExistenceError
	switch {
	case err == nil:
		cc.Bot.guildChanged(ctx, cc.Guild.ID())
		cc.Bot.audit(ctx, cc.Guild, fmt.Sprintf("**%s** (`%s %s`): %s", cc.Author().Username, cc.Command, cc.Subcommand, done))
		_, err = cc.Reply(done)
		return err
	case errors.As(err, &existsErr) && existsErr.Exists:
		_, err = cc.Reply(exists)
		return err
	case errors.As(err, &existsErr):
		_, err = cc.Reply(missing)
		return err
	default:
		return err
	}
}

func orNotSet(s string, format func(string) string) string {
	if s == "" {
		return notSet
	}
	return format(s)
}

func channelMention(id string) string {
	return "<#" + id + ">"
}

func roleMention(id string) string {
	return "<@&" + id + ">"
}

func configCommand(_ context.Context, cc *CommandContext) error {
	_, err := cc.Reply(
		fmt.Sprintf("Please supply a setting. Call `%shelp config` for more info", cc.Prefix),
	)
	return err
}

func configShowCommand(_ context.Context, cc *CommandContext) error {
	settings := cc.Guild.Settings()
	identity := func(s string) string { return s }
	quoted := func(s string) string { return "`" + s + "`" }

	rateLimits := cc.Guild.RateLimits()
	limited := lo.Keys(rateLimits)
	slices.Sort(limited)
	limitLines := lo.Map(limited, func(command string, _ int) string {
		return fmt.Sprintf("`%s`: %dm", command, rateLimits[command])
	})

	modRoles := lo.Map(cc.Guild.ModRoles(), func(id string, _ int) string { return roleMention(id) })
	blocked := lo.Map(cc.Guild.BlockedCommands(), func(c string, _ int) string { return quoted(c) })

	field := func(name, value string) *discordgo.MessageEmbedField {
		return &discordgo.MessageEmbedField{Name: name, Value: truncate(value, 1024), Inline: true}
	}
	em := &discordgo.MessageEmbed{
		Color:  configColor.Int(),
		Author: &discordgo.MessageEmbedAuthor{Name: "Settings", IconURL: configIcon},
		Fields: []*discordgo.MessageEmbedField{
			field("Prefix", quoted(cc.Prefix)),
			field("Join Channel", orNotSet(settings.JoinChannel, channelMention)),
			field("Leave Channel", orNotSet(settings.LeaveChannel, channelMention)),
			field("Audit Channel", orNotSet(settings.AuditChannel, channelMention)),
			field("Default Role", orNotSet(settings.DefaultRole, roleMention)),
			field("Mod Roles", orNotSet(strings.Join(modRoles, ", "), identity)),
			field("Blocked Commands", orNotSet(strings.Join(blocked, ", "), identity)),
			field("Rate Limits", orNotSet(strings.Join(limitLines, "\n"), identity)),
			field("Join Message", orNotSet(settings.JoinMessage, identity)),
			field("Leave Message", orNotSet(settings.LeaveMessage, identity)),
		},
	}
	_, err := cc.ReplyEmbed(em)
	return err
}

// commandArgument resolves the first argument to a canonical command
// name, replying when it doesn't name one
func commandArgument(cc *CommandContext) (string, bool, error) {
	name, _ := cc.Args.String(0)
	if name == "" {
		_, err := cc.Reply("Please supply a command name.")
		return "", false, err
	}
	_, command, ok := cc.Bot.dispatcher.ResolveCommand(name)
	if !ok {
		_, err := cc.Reply(fmt.Sprintf("There's no command `%s`.", name))
		return "", false, err
	}
	return command, true, nil
}

func configBlockCommand(ctx context.Context, cc *CommandContext) error {
	command, ok, err := commandArgument(cc)
	if !ok {
		return err
	}
	return replyResult(
		ctx,
		cc,
		cc.Guild.AddBlockedCommand(ctx, command),
		fmt.Sprintf("Blocked `%s`", command),
		fmt.Sprintf("`%s` is already blocked.", command),
		"",
	)
}

func configUnblockCommand(ctx context.Context, cc *CommandContext) error {
	command, ok, err := commandArgument(cc)
	if !ok {
		return err
	}
	return replyResult(
		ctx,
		cc,
		cc.Guild.RemoveBlockedCommand(ctx, command),
		fmt.Sprintf("Unblocked `%s`", command),
		"",
		fmt.Sprintf("`%s` isn't blocked.", command),
	)
}

func configAddModRoleCommand(ctx context.Context, cc *CommandContext) error {
	role := cc.Args.Role(0)
	if role == nil {
		_, err := cc.Reply("I couldn't find that role.")
		return err
	}
	return replyResult(
		ctx,
		cc,
		cc.Guild.AddModRole(ctx, role.ID),
		fmt.Sprintf("Members with **%s** now have moderator standing", role.Name),
		fmt.Sprintf("**%s** is already a mod role.", role.Name),
		"",
	)
}

func configRemoveModRoleCommand(ctx context.Context, cc *CommandContext) error {
	role := cc.Args.Role(0)
	if role == nil {
		_, err := cc.Reply("I couldn't find that role.")
		return err
	}
	return replyResult(
		ctx,
		cc,
		cc.Guild.RemoveModRole(ctx, role.ID),
		fmt.Sprintf("**%s** is no longer a mod role", role.Name),
		"",
		fmt.Sprintf("**%s** isn't a mod role.", role.Name),
	)
}

func configRateLimitCommand(ctx context.Context, cc *CommandContext) error {
	command, ok, err := commandArgument(cc)
	if !ok {
		return err
	}
	minutes, ok := cc.Args.Number(1)
	if !ok || math.IsNaN(minutes) || minutes < 1 {
		_, err = cc.Reply("Please supply a number of minutes, at least 1.")
		return err
	}
	return replyResult(
		ctx,
		cc,
		cc.Guild.AddRateLimit(ctx, command, int(minutes)),
		fmt.Sprintf("`%s` can now be used once every %d minutes per member", command, int(minutes)),
		fmt.Sprintf("`%s` already has a rate limit. Remove it first to change it.", command),
		"",
	)
}

func configRemoveRateLimitCommand(ctx context.Context, cc *CommandContext) error {
	command, ok, err := commandArgument(cc)
	if !ok {
		return err
	}
	return replyResult(
		ctx,
		cc,
		cc.Guild.RemoveRateLimit(ctx, command),
		fmt.Sprintf("Removed the rate limit on `%s`", command),
		"",
		fmt.Sprintf("`%s` doesn't have a rate limit.", command),
	)
}

// configChannelCommand sets a channel setting from a text channel argument
func configChannelCommand(
	set func(*GuildRecord, context.Context, string) error,
	done string,
) HandlerFunc {
	return func(ctx context.Context, cc *CommandContext) error {
		channel := cc.Args.Channel(0)
		if channel == nil {
			_, err := cc.Reply("I couldn't find that text channel.")
			return err
		}
		return replyResult(ctx, cc, set(cc.Guild, ctx, channel.ID), fmt.Sprintf(done, channel.Mention()), "", "")
	}
}

// configMessageCommand sets a message template. {member} and {name} are
// replaced when the message is sent.
func configMessageCommand(
	set func(*GuildRecord, context.Context, string) error,
	current func(Guild) string,
	label string,
) HandlerFunc {
	return func(ctx context.Context, cc *CommandContext) error {
		message, _ := cc.Args.String(0)
		message = strings.TrimSpace(message)
		if message == "" {
			_, err := cc.Reply(
				fmt.Sprintf("The %s message is: %s", label, orNotSet(current(cc.Guild.Settings()), strings.TrimSpace)),
			)
			return err
		}
		return replyResult(ctx, cc, set(cc.Guild, ctx, message), fmt.Sprintf("Updated the %s message", label), "", "")
	}
}

func configDefaultRoleCommand(ctx context.Context, cc *CommandContext) error {
	role := cc.Args.Role(0)
	if role == nil {
		_, err := cc.Reply("I couldn't find that role.")
		return err
	}
	return replyResult(
		ctx,
		cc,
		cc.Guild.SetDefaultRole(ctx, role.ID),
		fmt.Sprintf("New members will be given **%s**", role.Name),
		"",
		"",
	)
}

// configPrefixCommand overrides the bot-wide prefix in this guild. The
// word "reset" removes the override.
func configPrefixCommand(ctx context.Context, cc *CommandContext) error {
	prefix, _ := cc.Args.String(0)
	switch {
	case prefix == "":
		_, err := cc.Reply(fmt.Sprintf("The prefix here is `%s`", cc.Prefix))
		return err
	case strings.EqualFold(prefix, "reset"):
		return replyResult(
			ctx,
			cc,
			cc.Guild.SetPrefix(ctx, ""),
			fmt.Sprintf("Reset the prefix to `%s`", cc.Bot.State().Prefix),
			"",
			"",
		)
	case len(prefix) > guildPrefixMaxLength:
		_, err := cc.Reply(fmt.Sprintf("Prefixes can be at most %d characters.", guildPrefixMaxLength))
		return err
	default:
		return replyResult(ctx, cc, cc.Guild.SetPrefix(ctx, prefix), fmt.Sprintf("Updated prefix to %s", prefix), "", "")
	}
}

func newConfigGroup() *CommandGroup {
	return MustCommandGroup(
		"config",
		Command{
			Name:    "config",
			Aliases: []string{"settings"},
			Guards:  []Middleware{GuildOnly, ModOnly},
			Help: &HelpEntry{
				Tagline: "Change my settings for this server",
				Usage: []string{
					"config show",
					"config block [command]",
					"config unblock [command]",
					"config add_mod_role [role]",
					"config remove_mod_role [role]",
					"config rate_limit [command] [minutes]",
					"config remove_rate_limit [command]",
					"config join_channel [channel]",
					"config join_message [message]",
					"config leave_channel [channel]",
					"config leave_message [message]",
					"config default_role [role]",
					"config audit_channel [channel]",
					"config prefix [prefix]",
				},
				Description: "Configure the bot for this server. Blocked and rate-limited commands " +
					"still work for moderators. In join and leave messages, `{member}` is replaced " +
					"with a mention of the member and `{name}` with their username.",
				Examples: []string{
					"config block hug",
					"config rate_limit pat 5",
					"config join_message Welcome {member}!",
					"config prefix !",
				},
			},
			Handler: configCommand,
			Subcommands: []Subcommand{
				{Name: "show", Handler: configShowCommand},
				{Name: "block", Pattern: "{string}", Handler: configBlockCommand},
				{Name: "unblock", Pattern: "{string}", Handler: configUnblockCommand},
				{Name: "add_mod_role", Pattern: "{role}", Handler: configAddModRoleCommand},
				{Name: "remove_mod_role", Pattern: "{role}", Handler: configRemoveModRoleCommand},
				{Name: "rate_limit", Pattern: "{string} {number}", Handler: configRateLimitCommand},
				{Name: "remove_rate_limit", Pattern: "{string}", Handler: configRemoveRateLimitCommand},
				{
					Name:    "join_channel",
					Pattern: "{textchannel}",
					Handler: configChannelCommand((*GuildRecord).SetJoinChannel, "Join messages will be posted in %s"),
				},
				{
					Name:    "join_message",
					Pattern: "{group}",
					Handler: configMessageCommand(
						(*GuildRecord).SetJoinMessage,
						func(g Guild) string { return g.JoinMessage },
						"join",
					),
				},
				{
					Name:    "leave_channel",
					Pattern: "{textchannel}",
					Handler: configChannelCommand((*GuildRecord).SetLeaveChannel, "Leave messages will be posted in %s"),
				},
				{
					Name:    "leave_message",
					Pattern: "{group}",
					Handler: configMessageCommand(
						(*GuildRecord).SetLeaveMessage,
						func(g Guild) string { return g.LeaveMessage },
						"leave",
					),
				},
				{Name: "default_role", Pattern: "{role}", Handler: configDefaultRoleCommand},
				{
					Name:    "audit_channel",
					Pattern: "{textchannel}",
					Handler: configChannelCommand((*GuildRecord).SetAuditChannel, "Audit messages will be posted in %s"),
				},
				{Name: "prefix", Pattern: "{string}", Handler: configPrefixCommand},
			},
		},
	)
}
