package olliebot

import (
	"context"
	"log/slog"
	"strings"
	"unicode"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// Dispatcher routes messages to the command group that owns the command
// they invoke.
//
// For each message, in order:
//
//   - messages from the bot itself are dropped
//   - passive behaviors run (vote channel reactions)
//   - the guild is registered, if this is the first message seen from it
//   - custom responses get first refusal, and stop dispatch if they match
//   - messages without the prefix, or from other bots, stop here
//   - blocked and rate-limited commands are silently dropped, unless the
//     author has moderator standing
//   - the first group (in registration order) that has the command runs
//     it, or its subcommand if the next word names one
//
// Failures are logged and never reach the caller.
type Dispatcher struct {
	bot    *Bot
	groups []*CommandGroup
	logger *slog.Logger
}

// NewDispatcher creates a dispatcher for the given groups. When more than
// one group registers the same name, the first group wins.
func NewDispatcher(b *Bot, logger *slog.Logger, groups ...*CommandGroup) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{bot: b, logger: logger}
	for _, g := range groups {
		d.AddGroup(g)
	}
	return d
}

// AddGroup appends a group. Its commands are only reachable where no
// earlier group claims the same name.
func (d *Dispatcher) AddGroup(g *CommandGroup) {
	for _, name := range g.Commands() {
		names := append([]string{name}, g.Aliases(name)...)
		for _, n := range names {
			if owner, ok := d.FindGroup(n); ok {
				d.logger.Debug(
					"command shadowed by earlier group",
					"command", n,
					"group", g.Name(),
					"owner", owner.Name(),
				)
			}
		}
	}
	d.groups = append(d.groups, g)
}

func (d *Dispatcher) Groups() []*CommandGroup {
	return append([]*CommandGroup(nil), d.groups...)
}

// FindGroup returns the first group that has name as a command or alias
func (d *Dispatcher) FindGroup(name string) (*CommandGroup, bool) {
	for _, g := range d.groups {
		if g.HasCommand(name) {
			return g, true
		}
	}
	return nil, false
}

// ResolveCommand returns the owning group and canonical name for a
// command as typed by a user. Hyphens are accepted in place of
// underscores.
func (d *Dispatcher) ResolveCommand(name string) (*CommandGroup, string, bool) {
	name = strings.ToLower(name)
	for _, candidate := range separatorVariants(name) {
		if g, ok := d.FindGroup(candidate); ok {
			return g, g.ResolveCommand(candidate), true
		}
	}
	return nil, "", false
}

// separatorVariants returns name as given, and with hyphens replaced
// by underscores when that differs
func separatorVariants(name string) []string {
	if normalized := strings.ReplaceAll(name, "-", "_"); normalized != name {
		return []string{name, normalized}
	}
	return []string{name}
}

// splitFirstWord splits s at the first run of whitespace, returning the
// word and the remainder with leading whitespace removed.
func splitFirstWord(s string) (word, rest string) {
	i := strings.IndexFunc(s, unicode.IsSpace)
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimLeftFunc(s[i:], unicode.IsSpace)
}

// HandleMessage handles one inbound message.
func (d *Dispatcher) HandleMessage(ctx context.Context, m *discordgo.Message) {
	defer func() {
		if rc := recover(); rc != nil {
			handleRecover(ctx, rc)
		}
	}()
	if m == nil || m.Author == nil {
		return
	}
	ctx = WithLogger(ctx, d.logger.With(messageLogAttrs(m)...))
	logger := getLogger(ctx)

	if botUser := d.bot.discord.session.BotUser(); botUser != nil && m.Author.ID == botUser.ID {
		return
	}

	d.bot.runPassiveBehaviors(ctx, m)

	var guild *GuildRecord
	if m.GuildID != "" {
		var err error
		guild, err = d.bot.registerGuild(ctx, m.GuildID)
		if err != nil {
			logger.ErrorContext(ctx, "error registering guild", tint.Err(err))
		}
	}

	prefix := d.bot.prefixFor(guild)
	body, hasPrefix := strings.CutPrefix(m.Content, prefix)

	if guild != nil && !m.Author.Bot {
		text := m.Content
		if hasPrefix {
			text = body
		}
		if r, ok := guild.Responses().Match(text, hasPrefix); ok {
			logger.DebugContext(ctx, "matched response", "response", r.Name)
			d.bot.respond(ctx, guild, m, r)
			return
		}
	}

	if !hasPrefix || m.Author.Bot {
		return
	}

	typed, rest := splitFirstWord(body)
	if typed == "" {
		return
	}
	group, command, ok := d.ResolveCommand(typed)
	if !ok {
		logger.DebugContext(ctx, "unknown command", "command", typed)
		return
	}

	if guild != nil && !d.allowed(ctx, guild, m, command) {
		return
	}

	cc := &CommandContext{
		Bot:     d.bot,
		Message: m,
		Guild:   guild,
		Prefix:  prefix,
		RawArgs: rest,
	}

	if candidate, subRest := splitFirstWord(rest); candidate != "" {
		for _, sub := range separatorVariants(strings.ToLower(candidate)) {
			if group.HasSubcommand(command, sub) {
				cc.RawArgs = subRest
				logger.InfoContext(ctx, "running subcommand", "command", command, "subcommand", sub)
				group.ExecuteSub(ctx, command, sub, cc)
				return
			}
		}
	}
	logger.InfoContext(ctx, "running command", "command", command)
	group.Execute(ctx, command, cc)
}

// allowed applies the guild's blocked list and rate limits. Moderators
// bypass both. Refusals are silent.
func (d *Dispatcher) allowed(
	ctx context.Context,
	guild *GuildRecord,
	m *discordgo.Message,
	command string,
) bool {
	blocked := guild.IsBlocked(command)
	limited := guild.RateLimited(command)
	if !blocked && !limited {
		return true
	}
	if d.bot.IsModerator(ctx, guild, m) {
		return true
	}
	logger := getLogger(ctx)
	if blocked {
		logger.InfoContext(ctx, "dropped blocked command", "command", command)
		return false
	}
	if !guild.AllowCommand(command, m.Author.ID) {
		logger.InfoContext(ctx, "dropped rate limited command", "command", command)
		return false
	}
	return true
}
