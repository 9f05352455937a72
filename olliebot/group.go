package olliebot

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// HandlerFunc runs a command. A returned error is logged and otherwise
// ignored; handlers reply to the user themselves.
type HandlerFunc func(ctx context.Context, cc *CommandContext) error

// Middleware wraps a handler, typically to check permissions before
// calling it.
type Middleware func(HandlerFunc) HandlerFunc

// HelpEntry describes a command for the help menu. Usage lines and
// examples may contain "{mention}", which is replaced with the bot's
// mention when rendered.
type HelpEntry struct {
	Tagline     string   `json:"tagline"`
	Usage       []string `json:"usage"`
	Description string   `json:"description"`
	Examples    []string `json:"examples"`
}

// Command declares a command for NewCommandGroup.
type Command struct {
	Name    string
	Aliases []string

	// Pattern declares typed arguments, ex: "{member} {number}"
	Pattern string

	// Strict skips the handler entirely when Pattern doesn't fully match
	Strict bool

	Help    *HelpEntry
	Guards  []Middleware
	Handler HandlerFunc

	// Subcommands run with the parent's guards applied first
	Subcommands []Subcommand
}

type Subcommand struct {
	Name    string
	Pattern string
	Strict  bool
	Guards  []Middleware
	Handler HandlerFunc
}

// CommandContext is created for each dispatched command, and discarded
// when the handler returns.
type CommandContext struct {
	Bot     *Bot
	Message *discordgo.Message

	// Guild is nil for direct messages
	Guild *GuildRecord

	Prefix     string
	Command    string
	Subcommand string

	// RawArgs is the text following the command, or following the
	// subcommand when one was invoked
	RawArgs string

	Args Arguments
}

func (cc *CommandContext) session() DiscordSessionHandler {
	return cc.Bot.discord.session
}

func (cc *CommandContext) logger(ctx context.Context) *slog.Logger {
	return getLogger(ctx)
}

// Author returns the user who sent the message
func (cc *CommandContext) Author() *discordgo.User {
	return cc.Message.Author
}

// patternInput is the text a command pattern is matched against: the
// invoked (sub)command name followed by its arguments.
func (cc *CommandContext) patternInput() string {
	name := cc.Command
	if cc.Subcommand != "" {
		name = cc.Subcommand
	}
	if cc.RawArgs == "" {
		return name
	}
	return name + " " + cc.RawArgs
}

// Reply sends content to the channel the command was sent in
func (cc *CommandContext) Reply(content string) (*discordgo.Message, error) {
	return cc.session().ChannelMessageSend(cc.Message.ChannelID, content)
}

func (cc *CommandContext) ReplyEmbed(embed *discordgo.MessageEmbed) (*discordgo.Message, error) {
	return cc.session().ChannelMessageSendEmbed(cc.Message.ChannelID, embed)
}

var commandNamePattern = regexp.MustCompile(`^[a-z_]+$`)

// CommandGroup maps command names to handlers and help metadata for one
// set of related commands. It is populated at construction and read-only
// afterward, so lookups are safe for concurrent use.
type CommandGroup struct {
	name        string
	order       []string
	commands    map[string]HandlerFunc
	aliases     map[string]string
	subcommands map[string]map[string]HandlerFunc
	help        map[string]HelpEntry
}

// NewCommandGroup builds a group from a command table. Names, aliases
// and subcommand names must be lowercase letters and underscores, and
// aliases can't collide with each other or with primary names.
func NewCommandGroup(name string, commands ...Command) (*CommandGroup, error) {
	g := &CommandGroup{
		name:        name,
		commands:    map[string]HandlerFunc{},
		aliases:     map[string]string{},
		subcommands: map[string]map[string]HandlerFunc{},
		help:        map[string]HelpEntry{},
	}
	for _, c := range commands {
		if err := g.register(c); err != nil {
			return nil, fmt.Errorf("group %s: %w", name, err)
		}
	}
	return g, nil
}

// MustCommandGroup is like NewCommandGroup but panics on error
func MustCommandGroup(name string, commands ...Command) *CommandGroup {
	g, err := NewCommandGroup(name, commands...)
	if err != nil {
		panic(err)
	}
	return g
}

func (g *CommandGroup) register(c Command) error {
	if !commandNamePattern.MatchString(c.Name) {
		return fmt.Errorf("invalid command name %q", c.Name)
	}
	if c.Handler == nil {
		return fmt.Errorf("command %q has no handler", c.Name)
	}
	if g.HasCommand(c.Name) {
		return fmt.Errorf("command %q already registered", c.Name)
	}
	pattern, err := CompilePattern(c.Pattern, c.Strict)
	if err != nil {
		return fmt.Errorf("command %q: %w", c.Name, err)
	}

	for _, alias := range c.Aliases {
		if !commandNamePattern.MatchString(alias) {
			return fmt.Errorf("command %q: invalid alias %q", c.Name, alias)
		}
		if alias == c.Name || g.HasCommand(alias) {
			return fmt.Errorf("command %q: alias %q already registered", c.Name, alias)
		}
	}
	subs := map[string]HandlerFunc{}
	for _, sub := range c.Subcommands {
		if !commandNamePattern.MatchString(sub.Name) {
			return fmt.Errorf("command %q: invalid subcommand name %q", c.Name, sub.Name)
		}
		if sub.Handler == nil {
			return fmt.Errorf("command %q: subcommand %q has no handler", c.Name, sub.Name)
		}
		if _, exists := subs[sub.Name]; exists {
			return fmt.Errorf("command %q: duplicate subcommand %q", c.Name, sub.Name)
		}
		subPattern, subErr := CompilePattern(sub.Pattern, sub.Strict)
		if subErr != nil {
			return fmt.Errorf("command %q subcommand %q: %w", c.Name, sub.Name, subErr)
		}
		guards := append(append([]Middleware{}, c.Guards...), sub.Guards...)
		subs[sub.Name] = chain(guards...)(bindPattern(subPattern, sub.Handler))
	}

	g.order = append(g.order, c.Name)
	g.commands[c.Name] = chain(c.Guards...)(bindPattern(pattern, c.Handler))
	for _, alias := range c.Aliases {
		g.aliases[alias] = c.Name
	}
	if len(subs) > 0 {
		g.subcommands[c.Name] = subs
	}
	if c.Help != nil {
		g.help[c.Name] = *c.Help
	}
	return nil
}

// chain composes middleware so the first one listed runs first
func chain(middleware ...Middleware) Middleware {
	return func(h HandlerFunc) HandlerFunc {
		for i := len(middleware) - 1; i >= 0; i-- {
			h = middleware[i](h)
		}
		return h
	}
}

// bindPattern matches the command's arguments against the pattern and
// resolves them before calling h. A strict pattern that doesn't match
// skips h.
func bindPattern(pattern *CommandPattern, h HandlerFunc) HandlerFunc {
	return func(ctx context.Context, cc *CommandContext) error {
		tokens, ok := pattern.Match(cc.patternInput())
		if !ok {
			if pattern.Strict() {
				cc.logger(ctx).DebugContext(ctx, "strict pattern did not match", "pattern", pattern.String())
				return nil
			}
			tokens = nil
		}
		cc.Args = resolveArguments(ctx, cc, pattern.slots, tokens)
		return h(ctx, cc)
	}
}

func (g *CommandGroup) Name() string {
	return g.name
}

// HasCommand reports whether name is a primary command or an alias
func (g *CommandGroup) HasCommand(name string) bool {
	if _, ok := g.commands[name]; ok {
		return true
	}
	_, ok := g.aliases[name]
	return ok
}

// ResolveCommand returns the primary name for name, which may be an
// alias. Unknown names return "".
func (g *CommandGroup) ResolveCommand(name string) string {
	if _, ok := g.commands[name]; ok {
		return name
	}
	return g.aliases[name]
}

// HasSubcommand reports whether candidate is registered under the given
// command, which may be an alias.
func (g *CommandGroup) HasSubcommand(command, candidate string) bool {
	_, ok := g.subcommands[g.ResolveCommand(command)][candidate]
	return ok
}

// Commands returns primary command names in registration order
func (g *CommandGroup) Commands() []string {
	return append([]string(nil), g.order...)
}

// Subcommands returns the sorted subcommand names of a command
func (g *CommandGroup) Subcommands(command string) []string {
	subs := g.subcommands[g.ResolveCommand(command)]
	names := make([]string, 0, len(subs))
	for name := range subs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Aliases returns the sorted aliases of a command
func (g *CommandGroup) Aliases(command string) []string {
	primary := g.ResolveCommand(command)
	var aliases []string
	for alias, target := range g.aliases {
		if target == primary {
			aliases = append(aliases, alias)
		}
	}
	slices.Sort(aliases)
	return aliases
}

// Help returns the help entry for a command or alias
func (g *CommandGroup) Help(command string) (HelpEntry, bool) {
	h, ok := g.help[g.ResolveCommand(strings.ToLower(command))]
	return h, ok
}

// Execute runs the handler for name, resolving aliases. Errors and
// panics from the handler are logged and contained.
func (g *CommandGroup) Execute(ctx context.Context, name string, cc *CommandContext) {
	primary := g.ResolveCommand(name)
	h, ok := g.commands[primary]
	if !ok {
		getLogger(ctx).WarnContext(ctx, "execute called for unknown command", "command", name, "group", g.name)
		return
	}
	cc.Command = primary
	g.run(ctx, cc, h)
}

// ExecuteSub runs a subcommand of the given command. The subcommand name
// must already be normalized.
func (g *CommandGroup) ExecuteSub(ctx context.Context, command, sub string, cc *CommandContext) {
	primary := g.ResolveCommand(command)
	h, ok := g.subcommands[primary][sub]
	if !ok {
		getLogger(ctx).WarnContext(
			ctx,
			"execute called for unknown subcommand",
			"command", command,
			"subcommand", sub,
			"group", g.name,
		)
		return
	}
	cc.Command = primary
	cc.Subcommand = sub
	g.run(ctx, cc, h)
}

func (g *CommandGroup) run(ctx context.Context, cc *CommandContext, h HandlerFunc) {
	defer func() {
		if rc := recover(); rc != nil {
			handleRecover(ctx, rc)
		}
	}()
	if err := h(ctx, cc); err != nil {
		getLogger(ctx).ErrorContext(
			ctx,
			"command failed",
			"group", g.name,
			"command", cc.Command,
			"subcommand", cc.Subcommand,
			tint.Err(err),
		)
	}
}
