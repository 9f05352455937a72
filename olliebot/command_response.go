package olliebot

import (
	"context"
	"errors"
	"fmt"
)

const (
	responseListIcon     = "https://abs.twimg.com/emoji/v2/72x72/1f4d1.png"
	responseListPageSize = 6

	responseListColor Color = 0xd254e3
)

// responseAdder is one of the ResponseLibrary add methods
type responseAdder func(lib *ResponseLibrary, ctx context.Context, name, content string) error

func responseCommand(_ context.Context, cc *CommandContext) error {
	_, err := cc.Reply(
		fmt.Sprintf("Please supply a subcommand. Call `%shelp response` for more info", cc.Prefix),
	)
	return err
}

func responseListCommand(ctx context.Context, cc *CommandContext) error {
	lib := cc.Guild.Responses()
	if lib.Len() == 0 {
		_, err := cc.Reply("No responses set for this guild 😕")
		return err
	}
	p := NewPaginator(
		NewPages(lib.EmbedFields(), responseListPageSize),
		"Responses",
		responseListIcon,
		responseListColor,
	)
	return cc.Bot.runMenu(ctx, cc.Message.ChannelID, cc.Author().ID, p)
}

// responseAddCommand adds a response with the given adder. Names that
// would shadow a bot command are refused.
func responseAddCommand(add responseAdder, image bool) HandlerFunc {
	return func(ctx context.Context, cc *CommandContext) error {
		name, _ := cc.Args.String(0)
		content, _ := cc.Args.String(1)
		if name == "" || content == "" {
			_, err := cc.Reply("Please supply a name and a response.")
			return err
		}
		if _, command, ok := cc.Bot.dispatcher.ResolveCommand(name); ok {
			_, err := cc.Reply(fmt.Sprintf("`%s` is already the name of a command.", command))
			return err
		}
		if image && !isHTTPURL(content) {
			_, err := cc.Reply("Image responses need an image link.")
			return err
		}

		err := add(cc.Guild.Responses(), ctx, name, content)
		var existsErr *ExistenceError
		switch {
		case err == nil:
			cc.logger(ctx).InfoContext(ctx, "added response", "name", name)
			_, err = cc.Reply(fmt.Sprintf("Added response `%s`", name))
			return err
		case errors.As(err, &existsErr):
			_, err = cc.Reply(fmt.Sprintf("A response named `%s` already exists.", existsErr.Name))
			return err
		default:
			return err
		}
	}
}

func responseRemoveCommand(ctx context.Context, cc *CommandContext) error {
	name, _ := cc.Args.String(0)
	if name == "" {
		_, err := cc.Reply("Please supply the name of a response.")
		return err
	}
	err := cc.Guild.Responses().Remove(ctx, name)
	var existsErr *ExistenceError
	switch {
	case err == nil:
		_, err = cc.Reply(fmt.Sprintf("Removed response `%s`", name))
		return err
	case errors.As(err, &existsErr):
		_, err = cc.Reply(fmt.Sprintf("There's no response named `%s`.", existsErr.Name))
		return err
	default:
		return err
	}
}

func newResponseGroup() *CommandGroup {
	return MustCommandGroup(
		"response",
		Command{
			Name:    "response",
			Aliases: []string{"responses"},
			Guards:  []Middleware{GuildOnly},
			Help: &HelpEntry{
				Tagline: "Manage custom responses",
				Usage: []string{
					"response list",
					"response add_text_command [name] [text]",
					"response add_image_command [name] [image link]",
					"response add_text_keyword [keyword] [text]",
					"response add_image_keyword [keyword] [image link]",
					"response remove [name]",
				},
				Description: "Custom responses reply to `<prefix><name>` commands, or to " +
					"keywords anywhere in a message. Adding and removing responses " +
					"requires moderator standing.",
				Examples: []string{
					"response list",
					"response add_text_command hello Hi there!",
					"response add_image_keyword cat https://example.com/cat.png",
					"response remove hello",
				},
			},
			Handler: responseCommand,
			Subcommands: []Subcommand{
				{Name: "list", Handler: responseListCommand},
				{
					Name:    "add_text_command",
					Pattern: "{string} {group}",
					Guards:  []Middleware{ModOnly},
					Handler: responseAddCommand((*ResponseLibrary).AddTextCommand, false),
				},
				{
					Name:    "add_image_command",
					Pattern: "{string} {string}",
					Guards:  []Middleware{ModOnly},
					Handler: responseAddCommand((*ResponseLibrary).AddImageCommand, true),
				},
				{
					Name:    "add_text_keyword",
					Pattern: "{string} {group}",
					Guards:  []Middleware{ModOnly},
					Handler: responseAddCommand((*ResponseLibrary).AddTextKeyword, false),
				},
				{
					Name:    "add_image_keyword",
					Pattern: "{string} {string}",
					Guards:  []Middleware{ModOnly},
					Handler: responseAddCommand((*ResponseLibrary).AddImageKeyword, true),
				},
				{
					Name:    "remove",
					Pattern: "{string}",
					Guards:  []Middleware{ModOnly},
					Handler: responseRemoveCommand,
				},
			},
		},
	)
}
