package olliebot

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	// discordMemberPageSize is the maximum number of members returned by
	// a single guild member list request
	discordMemberPageSize = 1000

	// discordBulkDeleteMin is the fewest messages the bulk delete
	// endpoint accepts
	discordBulkDeleteMin = 2
)

// Discord manages the gateway session and its event handlers.
type Discord struct {
	session                     DiscordSessionHandler
	config                      *DiscordConfig
	logger                      *slog.Logger
	metricConnects              atomic.Int64
	metricDisconnects           atomic.Int64
	connected                   atomic.Bool
	discordgoRemoveHandlerFuncs []func()
	bot                         *Bot
}

func newDiscord(config *DiscordConfig) *Discord {
	return &Discord{
		config:                      config,
		discordgoRemoveHandlerFuncs: []func(){},
	}
}

// newSession initializes a new discordgo session with state tracking
// enabled, since member, channel and role lookups read from it.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = true
	disc.Identify.Intents = d.config.GatewayIntents
	session.session = disc
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}

	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}
	return session, nil
}

func (d *Discord) addHandler(handler any) {
	d.discordgoRemoveHandlerFuncs = append(
		d.discordgoRemoveHandlerFuncs,
		d.session.AddHandler(handler),
	)
}

func (d *Discord) removeHandlers() {
	for _, remove := range d.discordgoRemoveHandlerFuncs {
		remove()
	}
	d.discordgoRemoveHandlerFuncs = []func(){}
}

func (d *Discord) handlerReady() func(s *discordgo.Session, r *discordgo.Ready) {
	return func(s *discordgo.Session, r *discordgo.Ready) {
		d.logger.Info(
			"ready",
			"session_id", r.SessionID,
			"user_id", r.User.ID,
			"username", r.User.Username,
			"guilds", len(r.Guilds),
		)
	}
}

func (d *Discord) handlerConnect() func(s *discordgo.Session, r *discordgo.Connect) {
	return func(s *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		d.logger.Info("connected", sessionUserAttrs(s)...)

		if status := d.bot.State().Status; status != "" {
			if err := d.session.UpdateGameStatus(0, status); err != nil {
				d.logger.Error("error setting status", tint.Err(err))
			}
		}
	}
}

func (d *Discord) handlerDisconnect() func(s *discordgo.Session, r *discordgo.Disconnect) {
	return func(s *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)
		d.logger.Info("disconnected", sessionUserAttrs(s)...)
	}
}

func sessionUserAttrs(s *discordgo.Session) []any {
	var sessionID, userID, username string
	if s != nil && s.State != nil {
		sessionID = s.State.SessionID
		if s.State.User != nil {
			userID = s.State.User.ID
			username = s.State.User.Username
		}
	}
	return []any{
		"session_id", sessionID,
		slog.Group("user", "id", userID, "username", username),
	}
}

// DiscordSessionHandler defines the methods from `discordgo.Session`
// used by the bot, to enable testing/mocking. Lookups of guilds, members,
// channels, roles and emojis consult the gateway state cache before
// falling back to the REST API.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error

	// BotUser returns the connected bot user, or nil before Ready
	BotUser() *discordgo.User

	// GuildIDs returns the IDs of guilds the bot is currently in
	GuildIDs() []string

	// HeartbeatLatency returns the latency of the last gateway heartbeat
	HeartbeatLatency() time.Duration

	// UpdateGameStatus sets the "Playing ..." presence
	UpdateGameStatus(idle int, name string) error

	ChannelMessageSend(
		channelID string,
		content string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ChannelMessageSendEmbed(
		channelID string,
		embed *discordgo.MessageEmbed,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ChannelMessageEditEmbed(
		channelID string,
		messageID string,
		embed *discordgo.MessageEmbed,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ChannelMessageDelete(
		channelID string,
		messageID string,
		opts ...discordgo.RequestOption,
	) error

	// ChannelMessages returns up to limit messages from the channel,
	// newest first
	ChannelMessages(
		channelID string,
		limit int,
		beforeID string,
		afterID string,
		aroundID string,
		opts ...discordgo.RequestOption,
	) ([]*discordgo.Message, error)

	ChannelMessagesBulkDelete(
		channelID string,
		messages []string,
		opts ...discordgo.RequestOption,
	) error

	ChannelMessage(
		channelID string,
		messageID string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	MessageReactionAdd(
		channelID string,
		messageID string,
		emojiID string,
		opts ...discordgo.RequestOption,
	) error

	MessageReactionsRemoveAll(
		channelID string,
		messageID string,
		opts ...discordgo.RequestOption,
	) error

	// UserChannelCreate opens (or returns) a DM channel with the user
	UserChannelCreate(recipientID string, opts ...discordgo.RequestOption) (*discordgo.Channel, error)

	// UserChannelPermissions returns the permission bitset of the user
	// in the given channel
	UserChannelPermissions(
		userID string,
		channelID string,
		opts ...discordgo.RequestOption,
	) (int64, error)

	Guild(guildID string, opts ...discordgo.RequestOption) (*discordgo.Guild, error)
	GuildMember(guildID string, userID string, opts ...discordgo.RequestOption) (*discordgo.Member, error)
	GuildMembers(guildID string, opts ...discordgo.RequestOption) ([]*discordgo.Member, error)
	GuildMemberRoleAdd(guildID, userID, roleID string, opts ...discordgo.RequestOption) error
	GuildRoles(guildID string, opts ...discordgo.RequestOption) ([]*discordgo.Role, error)
	GuildChannels(guildID string, opts ...discordgo.RequestOption) ([]*discordgo.Channel, error)
	GuildEmojis(guildID string, opts ...discordgo.RequestOption) ([]*discordgo.Emoji, error)
	Channel(channelID string, opts ...discordgo.RequestOption) (*discordgo.Channel, error)
	Invite(inviteID string, opts ...discordgo.RequestOption) (*discordgo.Invite, error)
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) BotUser() *discordgo.User {
	if d.session.State == nil {
		return nil
	}
	return d.session.State.User
}

func (d DiscordSession) GuildIDs() []string {
	if d.session.State == nil {
		return nil
	}
	d.session.State.RLock()
	defer d.session.State.RUnlock()
	ids := make([]string, 0, len(d.session.State.Guilds))
	for _, g := range d.session.State.Guilds {
		ids = append(ids, g.ID)
	}
	return ids
}

func (d DiscordSession) HeartbeatLatency() time.Duration {
	return d.session.HeartbeatLatency()
}

func (d DiscordSession) UpdateGameStatus(idle int, name string) error {
	return d.session.UpdateGameStatus(idle, name)
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	content string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSend(channelID, content, opts...)
	if err != nil {
		d.logger.Error(
			"error sending message",
			tint.Err(err),
			"channel_id", channelID,
			"content", truncate(content, 100),
		)
	}
	return msg, err
}

func (d DiscordSession) ChannelMessageSendEmbed(
	channelID string,
	embed *discordgo.MessageEmbed,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendEmbed(channelID, embed, opts...)
	if err != nil {
		d.logger.Error("error sending embed", tint.Err(err), "channel_id", channelID)
	}
	return msg, err
}

func (d DiscordSession) ChannelMessageEditEmbed(
	channelID string,
	messageID string,
	embed *discordgo.MessageEmbed,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageEditEmbed(channelID, messageID, embed, opts...)
}

func (d DiscordSession) ChannelMessageDelete(
	channelID string,
	messageID string,
	opts ...discordgo.RequestOption,
) error {
	return d.session.ChannelMessageDelete(channelID, messageID, opts...)
}

func (d DiscordSession) ChannelMessages(
	channelID string,
	limit int,
	beforeID string,
	afterID string,
	aroundID string,
	opts ...discordgo.RequestOption,
) ([]*discordgo.Message, error) {
	return d.session.ChannelMessages(channelID, limit, beforeID, afterID, aroundID, opts...)
}

func (d DiscordSession) ChannelMessagesBulkDelete(
	channelID string,
	messages []string,
	opts ...discordgo.RequestOption,
) error {
	return d.session.ChannelMessagesBulkDelete(channelID, messages, opts...)
}

func (d DiscordSession) ChannelMessage(
	channelID string,
	messageID string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	if d.session.State != nil {
		if msg, err := d.session.State.Message(channelID, messageID); err == nil {
			return msg, nil
		}
	}
	return d.session.ChannelMessage(channelID, messageID, opts...)
}

func (d DiscordSession) MessageReactionAdd(
	channelID string,
	messageID string,
	emojiID string,
	opts ...discordgo.RequestOption,
) error {
	return d.session.MessageReactionAdd(channelID, messageID, emojiID, opts...)
}

func (d DiscordSession) MessageReactionsRemoveAll(
	channelID string,
	messageID string,
	opts ...discordgo.RequestOption,
) error {
	return d.session.MessageReactionsRemoveAll(channelID, messageID, opts...)
}

func (d DiscordSession) UserChannelCreate(
	recipientID string,
	opts ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.UserChannelCreate(recipientID, opts...)
}

func (d DiscordSession) UserChannelPermissions(
	userID string,
	channelID string,
	opts ...discordgo.RequestOption,
) (int64, error) {
	return d.session.UserChannelPermissions(userID, channelID, opts...)
}

func (d DiscordSession) Guild(guildID string, opts ...discordgo.RequestOption) (*discordgo.Guild, error) {
	if d.session.State != nil {
		if g, err := d.session.State.Guild(guildID); err == nil {
			return g, nil
		}
	}
	return d.session.Guild(guildID, opts...)
}

func (d DiscordSession) GuildMember(
	guildID string,
	userID string,
	opts ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	if d.session.State != nil {
		if m, err := d.session.State.Member(guildID, userID); err == nil {
			return m, nil
		}
	}
	return d.session.GuildMember(guildID, userID, opts...)
}

// GuildMembers returns the cached member list, or pages through the
// REST endpoint when the cache is empty.
func (d DiscordSession) GuildMembers(
	guildID string,
	opts ...discordgo.RequestOption,
) ([]*discordgo.Member, error) {
	if d.session.State != nil {
		if g, err := d.session.State.Guild(guildID); err == nil && len(g.Members) > 0 {
			d.session.State.RLock()
			members := make([]*discordgo.Member, len(g.Members))
			copy(members, g.Members)
			d.session.State.RUnlock()
			return members, nil
		}
	}

	var members []*discordgo.Member
	after := ""
	for {
		page, err := d.session.GuildMembers(guildID, after, discordMemberPageSize, opts...)
		if err != nil {
			return members, err
		}
		members = append(members, page...)
		if len(page) < discordMemberPageSize {
			return members, nil
		}
		after = page[len(page)-1].User.ID
	}
}

func (d DiscordSession) GuildMemberRoleAdd(
	guildID, userID, roleID string,
	opts ...discordgo.RequestOption,
) error {
	return d.session.GuildMemberRoleAdd(guildID, userID, roleID, opts...)
}

func (d DiscordSession) GuildRoles(guildID string, opts ...discordgo.RequestOption) ([]*discordgo.Role, error) {
	if d.session.State != nil {
		if g, err := d.session.State.Guild(guildID); err == nil && len(g.Roles) > 0 {
			return g.Roles, nil
		}
	}
	return d.session.GuildRoles(guildID, opts...)
}

func (d DiscordSession) GuildChannels(
	guildID string,
	opts ...discordgo.RequestOption,
) ([]*discordgo.Channel, error) {
	if d.session.State != nil {
		if g, err := d.session.State.Guild(guildID); err == nil && len(g.Channels) > 0 {
			return g.Channels, nil
		}
	}
	return d.session.GuildChannels(guildID, opts...)
}

func (d DiscordSession) GuildEmojis(guildID string, opts ...discordgo.RequestOption) ([]*discordgo.Emoji, error) {
	if d.session.State != nil {
		if g, err := d.session.State.Guild(guildID); err == nil && len(g.Emojis) > 0 {
			return g.Emojis, nil
		}
	}
	return d.session.GuildEmojis(guildID, opts...)
}

func (d DiscordSession) Channel(channelID string, opts ...discordgo.RequestOption) (*discordgo.Channel, error) {
	if d.session.State != nil {
		if c, err := d.session.State.Channel(channelID); err == nil {
			return c, nil
		}
	}
	return d.session.Channel(channelID, opts...)
}

func (d DiscordSession) Invite(inviteID string, opts ...discordgo.RequestOption) (*discordgo.Invite, error) {
	return d.session.Invite(inviteID, opts...)
}

// deleteAfter removes the message once delay has passed. Errors are
// logged, as the message may already be gone.
func deleteAfter(
	session DiscordSessionHandler,
	logger *slog.Logger,
	msg *discordgo.Message,
	delay time.Duration,
) {
	if msg == nil || delay <= 0 {
		return
	}
	time.AfterFunc(
		delay, func() {
			if err := session.ChannelMessageDelete(msg.ChannelID, msg.ID); err != nil {
				logger.Warn("error deleting message", "message_id", msg.ID, tint.Err(err))
			}
		},
	)
}

// deleteMessages removes the given message IDs from the channel, using
// the bulk endpoint when more than one message is given.
func deleteMessages(session DiscordSessionHandler, channelID string, ids []string) error {
	switch {
	case len(ids) == 0:
		return nil
	case len(ids) < discordBulkDeleteMin:
		return session.ChannelMessageDelete(channelID, ids[0])
	default:
		return session.ChannelMessagesBulkDelete(channelID, ids)
	}
}
