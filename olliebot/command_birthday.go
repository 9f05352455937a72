package olliebot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
)

const (
	birthdayIcon = "https://abs.twimg.com/emoji/v2/72x72/1f382.png"

	birthdayColor Color = 0xf4a4c0
)

func birthdayCommand(_ context.Context, cc *CommandContext) error {
	_, err := cc.Reply(
		fmt.Sprintf("Please supply an argument. Call `%shelp birthday` for more info", cc.Prefix),
	)
	return err
}

func birthdayAddCommand(ctx context.Context, cc *CommandContext) error {
	member := cc.Args.Member(0)
	if member == nil || member.User == nil {
		_, err := cc.Reply("I couldn't find that member.")
		return err
	}
	date, _ := cc.Args.String(1)
	month, day, err := ParseBirthday(date)
	if err != nil {
		_, err = cc.Reply("I didn't understand that date. Try a format like `January 2`.")
		return err
	}

	err = cc.Guild.Birthdays().Add(ctx, member.User.ID, month, day)
	var existsErr *ExistenceError
	switch {
	case err == nil:
		_, err = cc.Reply(fmt.Sprintf("Set **%s**'s birthday to %s %d 🎂", memberName(member), month, day))
		return err
	case errors.As(err, &existsErr):
		_, err = cc.Reply(
			fmt.Sprintf("**%s** already has a birthday set. Remove it first to change it.", memberName(member)),
		)
		return err
	default:
		return err
	}
}

func birthdayGetCommand(ctx context.Context, cc *CommandContext) error {
	userID := cc.Author().ID
	name := authorDisplayName(ctx, cc)
	if m := cc.Args.Member(0); m != nil && m.User != nil {
		userID = m.User.ID
		name = memberName(m)
	}
	b, ok := cc.Guild.Birthdays().Get(userID)
	if !ok {
		_, err := cc.Reply(fmt.Sprintf("I don't know **%s**'s birthday 😕", name))
		return err
	}
	_, err := cc.Reply(fmt.Sprintf("**%s**'s birthday is %s", name, b))
	return err
}

func birthdayRemoveCommand(ctx context.Context, cc *CommandContext) error {
	member := cc.Args.Member(0)
	if member == nil || member.User == nil {
		_, err := cc.Reply("I couldn't find that member.")
		return err
	}
	err := cc.Guild.Birthdays().Remove(ctx, member.User.ID)
	var existsErr *ExistenceError
	switch {
	case err == nil:
		_, err = cc.Reply(fmt.Sprintf("Removed **%s**'s birthday", memberName(member)))
		return err
	case errors.As(err, &existsErr):
		_, err = cc.Reply(fmt.Sprintf("**%s** doesn't have a birthday set.", memberName(member)))
		return err
	default:
		return err
	}
}

func birthdayListCommand(_ context.Context, cc *CommandContext) error {
	em := &discordgo.MessageEmbed{
		Color:  birthdayColor.Int(),
		Author: &discordgo.MessageEmbedAuthor{Name: "Birthdays", IconURL: birthdayIcon},
	}
	birthdays := cc.Guild.Birthdays().List()
	if len(birthdays) == 0 {
		em.Description = "No birthdays set for this guild 😕"
	} else {
		lines := make([]string, len(birthdays))
		for i, b := range birthdays {
			lines[i] = fmt.Sprintf("<@%s>: %s", b.UserID, b)
		}
		em.Description = truncate(strings.Join(lines, "\n"), discordMaxEmbedDescription)
	}
	_, err := cc.ReplyEmbed(em)
	return err
}

func newBirthdayGroup() *CommandGroup {
	return MustCommandGroup(
		"birthday",
		Command{
			Name:    "birthday",
			Aliases: []string{"birthdays", "bdays", "b_days"},
			Guards:  []Middleware{GuildOnly},
			Help: &HelpEntry{
				Tagline: "Keep track of birthdays",
				Usage: []string{
					"birthday add [member] [date]",
					"birthday get [member:optional]",
					"birthday remove [member]",
					"birthday list",
				},
				Description: "I'll wish members a happy birthday in the join channel on their day. " +
					"Adding and removing birthdays requires moderator standing.",
				Examples: []string{
					"birthday add {mention} January 2",
					"birthday get",
					"birthday list",
				},
			},
			Handler: birthdayCommand,
			Subcommands: []Subcommand{
				{
					Name:    "add",
					Pattern: "{member} {group}",
					Guards:  []Middleware{ModOnly},
					Handler: birthdayAddCommand,
				},
				{Name: "get", Pattern: "{member}", Handler: birthdayGetCommand},
				{
					Name:    "remove",
					Pattern: "{member}",
					Guards:  []Middleware{ModOnly},
					Handler: birthdayRemoveCommand,
				},
				{Name: "list", Handler: birthdayListCommand},
			},
		},
	)
}
