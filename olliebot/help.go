package olliebot

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
)

const (
	helpIcon     = "https://abs.twimg.com/emoji/v2/72x72/2753.png"
	helpPageSize = 4

	helpColor Color = 0x00ff00
	infoColor Color = 0x20c5d4
)

const commandSyntaxHelp = "Commands follow the format\n\n" +
	"`%[1]scommand <keyword arguments> [variable arguments]`\n\n" +
	"A `<keyword argument>` must be one of the listed words, while a " +
	"`[variable argument]` can be anything. For example, in\n\n" +
	"`%[1]sresponse <add_text_command> [name] [text]`\n\n" +
	"`add_text_command` must be typed as shown, but the name and text are up to you.\n\n" +
	"To pass an argument with whitespace, surround it in double quotes like " +
	"`\"some argument\"`. To learn more about a command, use `%[1]shelp [command]`"

func commandSyntaxEmbed(prefix string) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:  menuRule,
		Color:  infoColor.Int(),
		Author: &discordgo.MessageEmbedAuthor{Name: "Command Help", IconURL: helpIcon},
		Fields: []*discordgo.MessageEmbedField{
			{Name: "__Command Syntax:__", Value: fmt.Sprintf(commandSyntaxHelp, prefix)},
		},
	}
}

// helpFields lists every command with help, group by group
func helpFields(groups []*CommandGroup) []*discordgo.MessageEmbedField {
	var fields []*discordgo.MessageEmbedField
	for _, g := range groups {
		for _, name := range g.Commands() {
			if h, ok := g.Help(name); ok {
				fields = append(fields, &discordgo.MessageEmbedField{Name: name, Value: h.Tagline})
			}
		}
	}
	return fields
}

// newHelpPaginator builds the help menu, with the syntax guide as an
// info page
func newHelpPaginator(prefix string, groups []*CommandGroup) *Paginator {
	p := NewPaginator(NewPages(helpFields(groups), helpPageSize), "Help", helpIcon, helpColor)
	p.AddInfoPage(menuInfoEmoji, commandSyntaxEmbed(prefix))
	return p
}

// renderHelpEntry formats the detailed help for one command
func renderHelpEntry(
	prefix string,
	command string,
	entry HelpEntry,
	aliases []string,
	mention string,
) *discordgo.MessageEmbed {
	var sb strings.Builder
	sb.WriteString(entry.Description)
	if len(entry.Usage) > 0 {
		sb.WriteString("\n\n")
		for _, u := range entry.Usage {
			fmt.Fprintf(&sb, "`%s%s`\n", prefix, u)
		}
	}
	if len(entry.Examples) > 0 {
		sb.WriteString("\n__**Examples**__\n")
		for _, e := range entry.Examples {
			fmt.Fprintf(&sb, "`%s%s`\n", prefix, e)
		}
	}
	if len(aliases) > 0 {
		fmt.Fprintf(&sb, "\n__Aliases__\n%s", strings.Join(aliases, ", "))
	}
	return &discordgo.MessageEmbed{
		Title:       menuRule,
		Color:       helpColor.Int(),
		Author:      &discordgo.MessageEmbedAuthor{Name: prefix + command, IconURL: helpIcon},
		Description: strings.ReplaceAll(sb.String(), "{mention}", mention),
	}
}

func helpCommand(ctx context.Context, cc *CommandContext) error {
	dm, err := cc.session().UserChannelCreate(cc.Author().ID)
	if err != nil {
		return fmt.Errorf("error opening dm: %w", err)
	}
	groups := cc.Bot.dispatcher.Groups()

	term, _ := cc.Args.String(0)
	if term == "" {
		return cc.Bot.runMenu(ctx, dm.ID, cc.Author().ID, newHelpPaginator(cc.Prefix, groups))
	}

	if g, command, ok := cc.Bot.dispatcher.ResolveCommand(term); ok {
		if entry, found := g.Help(command); found {
			mention := ""
			if u := cc.session().BotUser(); u != nil {
				mention = u.Mention()
			}
			em := renderHelpEntry(cc.Prefix, command, entry, g.Aliases(command), mention)
			_, err = cc.session().ChannelMessageSendEmbed(dm.ID, em)
			return err
		}
	}
	_, err = cc.session().ChannelMessageSend(dm.ID, fmt.Sprintf("No command `%s` found!", term))
	return err
}

func newHelpGroup() *CommandGroup {
	return MustCommandGroup(
		"help",
		Command{
			Name:    "help",
			Pattern: "{string}",
			Help: &HelpEntry{
				Tagline:     "Show this menu, or details about a command",
				Usage:       []string{"help", "help [command]"},
				Description: "Sends you the command menu, or the details of one command.",
				Examples:    []string{"help", "help hug"},
			},
			Handler: helpCommand,
		},
	)
}
