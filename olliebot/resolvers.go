package olliebot

import (
	"context"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// resolveFunc converts a raw token into a typed value. A nil return means
// the token couldn't be resolved, which handlers treat as a missing
// argument.
type resolveFunc func(ctx context.Context, cc *CommandContext, token string) any

var resolvers map[SlotKind]resolveFunc

func init() {
	resolvers = map[SlotKind]resolveFunc{
		SlotString:          resolveIdentity,
		SlotGroup:           resolveIdentity,
		SlotNumber:          resolveNumber,
		SlotMember:          resolveMember,
		SlotRole:            resolveRole,
		SlotTextChannel:     channelResolver(discordgo.ChannelTypeGuildText, discordgo.ChannelTypeGuildNews),
		SlotVoiceChannel:    channelResolver(discordgo.ChannelTypeGuildVoice, discordgo.ChannelTypeGuildStageVoice),
		SlotCategoryChannel: channelResolver(discordgo.ChannelTypeGuildCategory),
		SlotEmoji:           resolveEmoji,
		SlotInvite:          resolveInvite,
		SlotColor:           resolveColor,
		SlotMessage:         resolveMessage,
	}
}

var (
	idPattern             = regexp.MustCompile(`^([0-9]{15,21})$`)
	memberMentionPattern  = regexp.MustCompile(`^<@!?([0-9]+)>$`)
	channelMentionPattern = regexp.MustCompile(`^<#([0-9]+)>$`)
	roleMentionPattern    = regexp.MustCompile(`^<@&([0-9]+)>$`)
	emojiMentionPattern   = regexp.MustCompile(`^<(a)?:([A-Za-z0-9_]+):([0-9]+)>$`)
	messageIDPattern      = regexp.MustCompile(`^(?:([0-9]{15,21})-)?([0-9]{15,21})$`)
	messageURLPattern     = regexp.MustCompile(
		`^https?://(?:(?:ptb|canary)\.)?discord(?:app)?\.com/channels/(?:[0-9]{15,21}|@me)/([0-9]{15,21})/([0-9]{15,21})/?$`,
	)
	invitePattern = regexp.MustCompile(
		`^(?:https?://)?(?:www\.)?(?:discord\.gg|discord(?:app)?\.com/invite)/([A-Za-z0-9-]+)/?$`,
	)
)

// variationSelector16 requests emoji presentation for the preceding rune
const variationSelector16 = '\uFE0F'

// Arguments holds the resolved values of a command's pattern slots, in
// slot order. A slot whose token was absent or couldn't be resolved
// holds nil.
type Arguments []any

func (a Arguments) Len() int {
	return len(a)
}

func (a Arguments) value(i int) any {
	if i < 0 || i >= len(a) {
		return nil
	}
	return a[i]
}

// Present reports whether slot i resolved to a value.
func (a Arguments) Present(i int) bool {
	return a.value(i) != nil
}

func (a Arguments) String(i int) (string, bool) {
	s, ok := a.value(i).(string)
	return s, ok
}

// Number returns the numeric value of slot i. A present but non-numeric
// token yields NaN with ok=true, which callers must check for.
func (a Arguments) Number(i int) (float64, bool) {
	n, ok := a.value(i).(float64)
	return n, ok
}

func (a Arguments) Member(i int) *discordgo.Member {
	m, _ := a.value(i).(*discordgo.Member)
	return m
}

func (a Arguments) Role(i int) *discordgo.Role {
	r, _ := a.value(i).(*discordgo.Role)
	return r
}

func (a Arguments) Channel(i int) *discordgo.Channel {
	c, _ := a.value(i).(*discordgo.Channel)
	return c
}

func (a Arguments) Emoji(i int) (Emoji, bool) {
	e, ok := a.value(i).(Emoji)
	return e, ok
}

func (a Arguments) Invite(i int) *discordgo.Invite {
	inv, _ := a.value(i).(*discordgo.Invite)
	return inv
}

func (a Arguments) Color(i int) (Color, bool) {
	c, ok := a.value(i).(Color)
	return c, ok
}

func (a Arguments) Message(i int) *discordgo.Message {
	m, _ := a.value(i).(*discordgo.Message)
	return m
}

// resolveArguments converts tokens in slot order. Resolution is
// sequential, as later lookups assume the message context is unchanged.
func resolveArguments(
	ctx context.Context,
	cc *CommandContext,
	slots []SlotKind,
	tokens []string,
) Arguments {
	args := make(Arguments, len(tokens))
	for i, token := range tokens {
		args[i] = resolvers[slots[i]](ctx, cc, token)
	}
	return args
}

func resolveIdentity(_ context.Context, _ *CommandContext, token string) any {
	return token
}

func resolveNumber(_ context.Context, _ *CommandContext, token string) any {
	n, err := strconv.ParseFloat(strings.TrimSpace(token), 64)
	if err != nil {
		return math.NaN()
	}
	return n
}

func resolveColor(_ context.Context, _ *CommandContext, token string) any {
	c, err := ParseColor(token)
	if err != nil {
		return nil
	}
	return c
}

// matchSnowflake returns the ID from a bare snowflake or from the given
// mention syntax, or "" if the token is neither.
func matchSnowflake(token string, mention *regexp.Regexp) string {
	if m := idPattern.FindStringSubmatch(token); m != nil {
		return m[1]
	}
	if m := mention.FindStringSubmatch(token); m != nil {
		return m[1]
	}
	return ""
}

// memberName is the name a member is shown under in the guild: their
// nickname, then their global display name, then their username.
func memberName(m *discordgo.Member) string {
	switch {
	case m == nil:
		return ""
	case m.Nick != "":
		return m.Nick
	case m.User == nil:
		return ""
	case m.User.GlobalName != "":
		return m.User.GlobalName
	default:
		return m.User.Username
	}
}

func resolveMember(ctx context.Context, cc *CommandContext, token string) any {
	guildID := cc.Message.GuildID
	if guildID == "" {
		return nil
	}
	session := cc.session()

	if id := matchSnowflake(token, memberMentionPattern); id != "" {
		member, err := session.GuildMember(guildID, id)
		if err != nil {
			cc.logger(ctx).DebugContext(ctx, "member lookup failed", "user_id", id, tint.Err(err))
			return nil
		}
		return member
	}

	members, err := session.GuildMembers(guildID)
	if err != nil {
		cc.logger(ctx).WarnContext(ctx, "error listing members", tint.Err(err))
		return nil
	}
	if m := matchMemberByName(members, token); m != nil {
		return m
	}
	return nil
}

// matchMemberByName finds a member by username, then by nickname, then
// by "username#discriminator".
func matchMemberByName(members []*discordgo.Member, name string) *discordgo.Member {
	for _, m := range members {
		if m.User != nil && m.User.Username == name {
			return m
		}
	}
	for _, m := range members {
		if m.Nick != "" && m.Nick == name {
			return m
		}
	}
	if i := strings.LastIndex(name, "#"); i > 0 {
		username, discrim := name[:i], name[i+1:]
		for _, m := range members {
			if m.User != nil && m.User.Username == username && m.User.Discriminator == discrim {
				return m
			}
		}
	}
	return nil
}

func resolveRole(ctx context.Context, cc *CommandContext, token string) any {
	guildID := cc.Message.GuildID
	if guildID == "" {
		return nil
	}
	roles, err := cc.session().GuildRoles(guildID)
	if err != nil {
		cc.logger(ctx).WarnContext(ctx, "error listing roles", tint.Err(err))
		return nil
	}

	if id := matchSnowflake(token, roleMentionPattern); id != "" {
		for _, r := range roles {
			if r.ID == id {
				return r
			}
		}
		return nil
	}
	for _, r := range roles {
		if r.Name == token {
			return r
		}
	}
	return nil
}

// channelResolver returns a resolver that only accepts channels of the
// given types.
func channelResolver(types ...discordgo.ChannelType) resolveFunc {
	return func(ctx context.Context, cc *CommandContext, token string) any {
		c := findChannel(ctx, cc, token)
		if c == nil {
			return nil
		}
		for _, t := range types {
			if c.Type == t {
				return c
			}
		}
		return nil
	}
}

// scopeGuildIDs returns the guild the message was sent in, or every
// guild the bot can see when there is none.
func scopeGuildIDs(cc *CommandContext) []string {
	if cc.Message.GuildID != "" {
		return []string{cc.Message.GuildID}
	}
	return cc.session().GuildIDs()
}

func findChannel(ctx context.Context, cc *CommandContext, token string) *discordgo.Channel {
	session := cc.session()
	id := matchSnowflake(token, channelMentionPattern)

	if id != "" && cc.Message.GuildID == "" {
		c, err := session.Channel(id)
		if err != nil {
			return nil
		}
		return c
	}

	for _, guildID := range scopeGuildIDs(cc) {
		channels, err := session.GuildChannels(guildID)
		if err != nil {
			cc.logger(ctx).WarnContext(ctx, "error listing channels", "guild_id", guildID, tint.Err(err))
			continue
		}
		for _, c := range channels {
			if (id != "" && c.ID == id) || (id == "" && c.Name == token) {
				return c
			}
		}
	}
	return nil
}

// Emoji is either a custom guild emoji or a unicode emoji. Unicode
// emojis have no ID.
type Emoji struct {
	ID       string
	Name     string
	Animated bool
}

func (e Emoji) IsUnicode() bool {
	return e.ID == ""
}

// APIName is the form used when adding reactions
func (e Emoji) APIName() string {
	if e.IsUnicode() {
		return e.Name
	}
	return e.Name + ":" + e.ID
}

// MessageFormat is the form used to render the emoji in message content
func (e Emoji) MessageFormat() string {
	switch {
	case e.IsUnicode():
		return e.Name
	case e.Animated:
		return "<a:" + e.Name + ":" + e.ID + ">"
	default:
		return "<:" + e.Name + ":" + e.ID + ">"
	}
}

func emojiFromDiscord(e *discordgo.Emoji) Emoji {
	return Emoji{ID: e.ID, Name: e.Name, Animated: e.Animated}
}

func resolveEmoji(ctx context.Context, cc *CommandContext, token string) any {
	var id string
	if m := emojiMentionPattern.FindStringSubmatch(token); m != nil {
		id = m[3]
	} else if m := idPattern.FindStringSubmatch(token); m != nil {
		id = m[1]
	}

	for _, guildID := range scopeGuildIDs(cc) {
		emojis, err := cc.session().GuildEmojis(guildID)
		if err != nil {
			cc.logger(ctx).WarnContext(ctx, "error listing emojis", "guild_id", guildID, tint.Err(err))
			continue
		}
		for _, e := range emojis {
			if (id != "" && e.ID == id) || (id == "" && e.Name == token) {
				return emojiFromDiscord(e)
			}
		}
	}
	if id != "" {
		return nil
	}
	if isUnicodeEmoji(token) {
		return Emoji{Name: token}
	}
	return nil
}

// isUnicodeEmoji accepts a single non-ASCII rune, optionally followed by
// an emoji presentation selector.
func isUnicodeEmoji(s string) bool {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError || r < utf8.RuneSelf {
		return false
	}
	rest := s[size:]
	if rest == "" {
		return true
	}
	next, nsize := utf8.DecodeRuneInString(rest)
	return next == variationSelector16 && nsize == len(rest)
}

func resolveInvite(ctx context.Context, cc *CommandContext, token string) any {
	code := token
	if m := invitePattern.FindStringSubmatch(token); m != nil {
		code = m[1]
	}
	invite, err := cc.session().Invite(code)
	if err != nil {
		cc.logger(ctx).DebugContext(ctx, "invite lookup failed", "code", code, tint.Err(err))
		return nil
	}
	return invite
}

// resolveMessage accepts a message ID, "channelID-messageID", or a
// message link. The current channel is checked first, then the channel
// named by the token.
func resolveMessage(ctx context.Context, cc *CommandContext, token string) any {
	var channelID, messageID string
	if m := messageIDPattern.FindStringSubmatch(token); m != nil {
		channelID, messageID = m[1], m[2]
	} else if m := messageURLPattern.FindStringSubmatch(token); m != nil {
		channelID, messageID = m[1], m[2]
	} else {
		return nil
	}

	session := cc.session()
	if msg, err := session.ChannelMessage(cc.Message.ChannelID, messageID); err == nil {
		return msg
	}
	if channelID == "" || channelID == cc.Message.ChannelID {
		return nil
	}
	msg, err := session.ChannelMessage(channelID, messageID)
	if err != nil {
		cc.logger(ctx).DebugContext(ctx, "message lookup failed", "message_id", messageID, tint.Err(err))
		return nil
	}
	return msg
}
