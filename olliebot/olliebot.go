package olliebot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

const (
	voteUpEmoji   = "👍"
	voteDownEmoji = "👎"

	shutdownAnnouncementInterval = 10 * time.Second
	auditSendTimeout             = 10 * time.Second
)

var (
	// Version, CommitSHA and BuildTime are set at build time:
	// -ldflags "-X github.com/sierra-m/olliebot/olliebot.Version=$$(date +'%Y%m%d')"
	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// Bot is the OllieBot runtime. It owns the gateway session, the database,
// the in-memory guild records and the background workers, and routes
// gateway events to the dispatcher.
//
// A Bot is created with New and started with Run. Run blocks until its
// context is canceled or an owner asks the bot to sleep or nap, and the
// process should then exit with ExitCode.
type Bot struct {
	config *Config

	// Standard logger. Missing loggers will try to use this,
	// and fall back to slog.Default()
	logger *slog.Logger

	// Handler to use for the above, and for component loggers
	logHandler slog.Handler

	// GORM connection for reads
	db *gorm.DB

	// gorm.DB wrapper for writes. When using sqlite, writes are
	// serialized with a mutex.
	writeDB DBI

	// dbNotifier tells other instances sharing a postgres database
	// about guild and bot state changes
	dbNotifier DBNotifier

	discord    *Discord
	dispatcher *Dispatcher
	api        *API

	guilds         *GuildStore
	reactionImages *ReactionLibrary

	// reactionWaiters routes reactions to open paginated menus
	reactionWaiters *reactionWaiters

	// youtube is nil when no API key is configured, which disables feeds
	youtube YouTubeAPI

	stateMu sync.RWMutex
	state   *BotState

	// prevents Run from executing concurrently
	runMu sync.Mutex

	// The time Run was called
	startedAt time.Time

	// exitCode is set by RequestStop
	exitCode atomic.Int32

	// signalStop stops a running bot, either from RequestStop or a stop
	// notification from another instance
	signalStop chan struct{}

	// signalReady has a value sent on it once the gateway session is
	// open and background workers are started
	signalReady chan struct{}

	// messagesInFlight is the number of messages currently being
	// dispatched
	messagesInFlight atomic.Int64

	triggerGuildReloadCh chan string
	triggerStateReloadCh chan struct{}
}

// New creates a Bot from config. The database isn't opened and the
// gateway isn't contacted until Run.
func New(config *Config) (*Bot, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	b := &Bot{
		config:               config,
		signalStop:           make(chan struct{}, 1),
		signalReady:          make(chan struct{}, 1),
		triggerGuildReloadCh: make(chan string, 1),
		triggerStateReloadCh: make(chan struct{}, 1),
		reactionWaiters:      newReactionWaiters(),
	}

	b.logHandler = tint.NewHandler(
		os.Stdout, &tint.Options{
			Level:     b.config.LogLevel,
			AddSource: true,
		},
	)
	b.logger = slog.New(b.logHandler)
	slog.SetDefault(b.logger)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		&levelHandler{level: b.config.Discord.DiscordGoLogLevel, Handler: b.logHandler},
	)

	b.config.Discord.httpClient = b.config.HTTPClient
	disc := newDiscord(b.config.Discord)
	disc.logger = componentLogger(b.logHandler, "discord", b.config.Discord.LogLevel)
	disc.bot = b
	b.discord = disc

	b.dispatcher = NewDispatcher(
		b,
		componentLogger(b.logHandler, "dispatcher", nil),
		newHelpGroup(),
		newFunGroup(),
		newUtilGroup(),
		newAdminGroup(),
		newReactionGroup(),
		newResponseGroup(),
		newBirthdayGroup(),
		newFeedsGroup(),
		newConfigGroup(),
	)

	if config.API != nil && config.API.Enabled {
		api, err := newAPI(b, config.API)
		errs = append(errs, err)
		b.api = api
	}

	return b, errors.Join(errs...)
}

// ValidateConfig checks the config's `binding` tags
func (b *Bot) ValidateConfig() error {
	return structValidator.Struct(b.config)
}

// RequestStop asks a running bot to shut down, and sets the code the
// process should exit with.
func (b *Bot) RequestStop(code int) {
	b.exitCode.Store(int32(code))
	select {
	case b.signalStop <- struct{}{}:
	default:
	}
}

// ExitCode returns the exit code requested with RequestStop, or 0
func (b *Bot) ExitCode() int {
	return int(b.exitCode.Load())
}

// Run opens the database and gateway session, starts the background
// workers, and blocks until ctx is canceled or a stop is requested. It
// then waits up to Config.ShutdownTimeout for in-flight messages before
// closing connections.
func (b *Bot) Run(ctx context.Context) error {
	b.runMu.Lock()
	defer b.runMu.Unlock()

	b.startedAt = time.Now()
	logger := b.logger

	if err := b.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-b.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			logger.Warn("context canceled")
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()

	if err := b.initRun(startCtx); err != nil {
		logger.ErrorContext(ctx, "init error", tint.Err(err))
		return err
	}

	notifier, err := newDBNotifier(b)
	if err != nil {
		logger.Error("error creating db notifier", tint.Err(err))
		return err
	}
	b.dbNotifier = notifier

	runtimeWG := &sync.WaitGroup{}

	if discErr := b.initDiscordSession(ctx, runtimeWG); discErr != nil {
		logger.ErrorContext(ctx, "error creating discord session", tint.Err(discErr))
		return discErr
	}
	logger.InfoContext(ctx, "connecting to discord")
	if err = b.discord.session.Open(); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
		return fmt.Errorf("error connecting to discord: %w", err)
	}

	b.startWorkers(ctx, runtimeWG)

	select {
	case b.signalReady <- struct{}{}:
	default:
	}
	logger.InfoContext(ctx, "ready")

	// block until something cancels the main runtime context, generally
	// an interrupt or the sleep/nap commands
	<-ctx.Done()
	return b.shutdown(ctx, runtimeWG)
}

// initRun opens the database and loads everything kept in memory
func (b *Bot) initRun(ctx context.Context) error {
	b.logger.DebugContext(ctx, "initializing DB...")
	if err := b.initDB(ctx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	if err := b.loadState(ctx); err != nil {
		return err
	}

	b.guilds = NewGuildStore(
		b.writeDB,
		b.config.YouTube.FeedsMax,
		componentLogger(b.logHandler, "guilds", nil),
	)
	if err := b.guilds.Load(ctx); err != nil {
		return fmt.Errorf("error loading guilds: %w", err)
	}

	images, err := loadReactionLibrary(ctx, b.writeDB)
	if err != nil {
		return err
	}
	b.reactionImages = images

	if b.youtube == nil && b.config.YouTube.APIKey != "" {
		yt, ytErr := newYouTubeClient(
			ctx,
			b.config.YouTube.APIKey,
			b.config.HTTPClient,
			componentLogger(b.logHandler, "youtube", b.config.YouTube.LogLevel),
		)
		if ytErr != nil {
			return ytErr
		}
		b.youtube = yt
	}
	b.logger.InfoContext(
		ctx,
		"loaded state",
		"guilds", b.guilds.Len(),
		"hug_images", images.Len(ReactionHug),
		"pat_images", images.Len(ReactionPat),
		"youtube_enabled", b.youtube != nil,
	)
	return nil
}

func (b *Bot) initDB(ctx context.Context) error {
	if b.writeDB != nil {
		return nil
	}
	gormLogger := newGORMLogger(
		&levelHandler{level: b.config.DatabaseLogLevel, Handler: b.logHandler},
		b.config.DatabaseSlowThreshold,
	)
	db, err := getDB(b.config.DatabaseType, b.config.Database, gormLogger)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}
	if err = migrate(ctx, db); err != nil {
		return fmt.Errorf("error migrating database: %w", err)
	}
	b.db = db
	b.writeDB = NewDatabase(
		db,
		componentLogger(b.logHandler, "database", b.config.DatabaseLogLevel),
		b.config.DatabaseType == dbTypePostgres,
	)
	return nil
}

// initDiscordSession creates the session if needed, and adds the
// gateway event handlers. Message handling runs on a context that
// isn't canceled at shutdown, so in-flight commands can finish.
func (b *Bot) initDiscordSession(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	if b.discord.session == nil {
		disc, err := b.discord.newSession()
		if err != nil {
			return err
		}
		b.discord.session = disc
	}
	b.discord.removeHandlers()

	handlerCtx := context.WithoutCancel(ctx)

	b.discord.addHandler(b.discord.handlerConnect())
	b.discord.addHandler(b.discord.handlerDisconnect())
	b.discord.addHandler(b.discord.handlerReady())
	b.discord.addHandler(
		func(_ *discordgo.Session, m *discordgo.MessageCreate) {
			runtimeWG.Add(1)
			b.messagesInFlight.Add(1)
			go func() {
				defer func() {
					b.messagesInFlight.Add(-1)
					runtimeWG.Done()
				}()
				b.dispatcher.HandleMessage(handlerCtx, m.Message)
			}()
		},
	)
	b.discord.addHandler(
		func(_ *discordgo.Session, r *discordgo.MessageReactionAdd) {
			b.reactionWaiters.dispatch(r.MessageReaction)
		},
	)
	b.discord.addHandler(
		func(_ *discordgo.Session, r *discordgo.MessageReactionRemove) {
			b.reactionWaiters.dispatch(r.MessageReaction)
		},
	)
	b.discord.addHandler(
		func(_ *discordgo.Session, g *discordgo.GuildCreate) {
			if _, _, err := b.guilds.Register(handlerCtx, g.ID, g.SystemChannelID); err != nil {
				b.logger.ErrorContext(ctx, "error registering guild", "guild_id", g.ID, tint.Err(err))
			}
		},
	)
	b.discord.addHandler(
		func(_ *discordgo.Session, m *discordgo.GuildMemberAdd) {
			runtimeWG.Add(1)
			go func() {
				defer runtimeWG.Done()
				b.handleMemberJoin(handlerCtx, m.Member)
			}()
		},
	)
	b.discord.addHandler(
		func(_ *discordgo.Session, m *discordgo.GuildMemberRemove) {
			runtimeWG.Add(1)
			go func() {
				defer runtimeWG.Done()
				b.handleMemberLeave(handlerCtx, m.Member)
			}()
		},
	)
	return nil
}

// startWorkers starts the feed poller, birthday announcer, notification
// listeners, reload handlers and the admin API
func (b *Bot) startWorkers(ctx context.Context, runtimeWG *sync.WaitGroup) {
	goWorker := func(name string, f func()) {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			defer func() {
				if rc := recover(); rc != nil {
					handleRecover(WithLogger(ctx, b.logger.With("worker", name)), rc)
				}
			}()
			f()
		}()
	}

	if b.youtube != nil {
		poller := newFeedPoller(b)
		goWorker("youtube_feeds", func() { poller.Run(ctx) })
	} else {
		b.logger.WarnContext(ctx, "youtube api key not set, feeds disabled")
	}

	announcer := newBirthdayAnnouncer(b)
	goWorker("birthdays", func() { announcer.Run(ctx) })

	for _, channel := range b.dbNotifier.Channels() {
		goWorker(
			"notifier", func() {
				if err := b.dbNotifier.Listen(ctx, channel); err != nil {
					b.logger.ErrorContext(ctx, "error listening for notifications", "channel", channel, tint.Err(err))
				}
			},
		)
	}

	goWorker("reloader", func() { b.watchReloads(ctx) })

	if b.api != nil {
		goWorker(
			"api", func() {
				if err := b.api.Serve(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
					b.logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(err))
				}
			},
		)
	}
}

// watchReloads reloads guild records and bot state when another instance
// reports changing them
func (b *Bot) watchReloads(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case guildID := <-b.triggerGuildReloadCh:
			if _, err := b.guilds.Reload(ctx, guildID); err != nil {
				b.logger.ErrorContext(ctx, "error reloading guild", "guild_id", guildID, tint.Err(err))
			}
		case <-b.triggerStateReloadCh:
			b.reloadState(ctx)
		}
	}
}

func (b *Bot) shutdown(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	shutdownStart := time.Now()
	shutdownDeadline := shutdownStart.Add(b.config.ShutdownTimeout)
	b.logger.WarnContext(
		ctx,
		"shutting down",
		"shutdown_timeout", b.config.ShutdownTimeout,
		"shutdown_deadline", shutdownDeadline,
		"exit_code", b.ExitCode(),
	)

	// no new events are accepted past this point
	b.discord.removeHandlers()

	done := make(chan struct{})
	go func() {
		runtimeWG.Wait()
		close(done)
	}()

	ticker := time.NewTicker(shutdownAnnouncementInterval)
	defer ticker.Stop()
	timeout := time.NewTimer(b.config.ShutdownTimeout)
	defer timeout.Stop()

	var errs []error
wait:
	for {
		select {
		case <-done:
			b.logger.InfoContext(
				ctx,
				"finished handling in-flight requests",
				"runtime_stop_duration", time.Since(shutdownStart),
			)
			break wait
		case <-ticker.C:
			b.logger.InfoContext(ctx, "waiting on in-flight messages", "count", b.messagesInFlight.Load())
		case <-timeout.C:
			b.logger.WarnContext(ctx, "shutdown timed out", "in_flight", b.messagesInFlight.Load())
			errs = append(errs, errors.New("in-flight messages did not finish in time"))
			break wait
		}
	}

	if err := b.discord.session.Close(); err != nil {
		errs = append(errs, fmt.Errorf("error closing discord session: %w", err))
	}
	if b.db != nil {
		if sqlDB, err := b.db.DB(); err == nil {
			errs = append(errs, sqlDB.Close())
		}
	}
	b.logger.InfoContext(ctx, "shutdown complete", "duration", time.Since(shutdownStart))
	return errors.Join(errs...)
}

// runPassiveBehaviors reacts to messages that aren't commands. Currently
// that's vote reactions on media posted in vote channels.
func (b *Bot) runPassiveBehaviors(ctx context.Context, m *discordgo.Message) {
	if !slices.Contains(b.config.Discord.VoteChannels, m.ChannelID) {
		return
	}
	if len(m.Attachments) == 0 && len(m.Embeds) == 0 {
		return
	}
	for _, emoji := range []string{voteUpEmoji, voteDownEmoji} {
		if err := b.discord.session.MessageReactionAdd(m.ChannelID, m.ID, emoji); err != nil {
			getLogger(ctx).WarnContext(ctx, "error adding vote reaction", "emoji", emoji, tint.Err(err))
		}
	}
}

// registerGuild returns the guild's record, creating one the first time
// the guild is seen. New records use the guild's system channel as the
// join channel.
func (b *Bot) registerGuild(ctx context.Context, guildID string) (*GuildRecord, error) {
	if rec, ok := b.guilds.Get(guildID); ok {
		return rec, nil
	}
	var joinChannel string
	if g, err := b.discord.session.Guild(guildID); err == nil {
		joinChannel = g.SystemChannelID
	} else {
		getLogger(ctx).WarnContext(ctx, "error fetching guild", "guild_id", guildID, tint.Err(err))
	}
	rec, _, err := b.guilds.Register(ctx, guildID, joinChannel)
	return rec, err
}

// prefixFor returns the command prefix in effect for a guild, which is
// the bot-wide prefix unless the guild overrides it
func (b *Bot) prefixFor(guild *GuildRecord) string {
	if guild != nil {
		if p := guild.Settings().Prefix; p != "" {
			return p
		}
	}
	return b.State().Prefix
}

// guildChanged tells other instances to reload a guild's record
func (b *Bot) guildChanged(ctx context.Context, guildID string) {
	if b.dbNotifier == nil {
		return
	}
	b.dbNotifier.GuildUpdated(ctx, guildID)
}

// audit posts content to the guild's audit channel, if one is set
func (b *Bot) audit(ctx context.Context, guild *GuildRecord, content string) {
	channelID := guild.Settings().AuditChannel
	if channelID == "" {
		return
	}
	_, err := b.discord.session.ChannelMessageSend(
		channelID,
		truncate(content, discordMaxMessageLength),
		discordgo.WithContext(ctx),
		discordgo.WithRetryOnRatelimit(false),
	)
	if err != nil {
		getLogger(ctx).WarnContext(ctx, "error sending audit message", "channel_id", channelID, tint.Err(err))
	}
}

// expandMemberTemplate fills in a join or leave message
func expandMemberTemplate(template string, user *discordgo.User) string {
	return strings.NewReplacer(
		"{member}", user.Mention(),
		"{name}", user.Username,
	).Replace(template)
}

// handleMemberJoin posts the join message and assigns the default role
func (b *Bot) handleMemberJoin(ctx context.Context, member *discordgo.Member) {
	if member == nil || member.User == nil {
		return
	}
	logger := getLogger(ctx).With("guild_id", member.GuildID, "user_id", member.User.ID)
	guild, err := b.registerGuild(ctx, member.GuildID)
	if err != nil {
		logger.ErrorContext(ctx, "error registering guild", tint.Err(err))
		return
	}
	settings := guild.Settings()
	if settings.JoinChannel != "" && settings.JoinMessage != "" {
		content := expandMemberTemplate(settings.JoinMessage, member.User)
		if _, err = b.discord.session.ChannelMessageSend(settings.JoinChannel, content); err != nil {
			logger.ErrorContext(ctx, "error sending join message", tint.Err(err))
		}
	}
	if settings.DefaultRole != "" && !member.User.Bot {
		err = b.discord.session.GuildMemberRoleAdd(member.GuildID, member.User.ID, settings.DefaultRole)
		if err != nil {
			logger.ErrorContext(ctx, "error assigning default role", "role_id", settings.DefaultRole, tint.Err(err))
		}
	}
	logger.InfoContext(ctx, "member joined")
}

func (b *Bot) handleMemberLeave(ctx context.Context, member *discordgo.Member) {
	if member == nil || member.User == nil {
		return
	}
	logger := getLogger(ctx).With("guild_id", member.GuildID, "user_id", member.User.ID)
	guild, ok := b.guilds.Get(member.GuildID)
	if !ok {
		return
	}
	settings := guild.Settings()
	if settings.LeaveChannel != "" && settings.LeaveMessage != "" {
		content := expandMemberTemplate(settings.LeaveMessage, member.User)
		if _, err := b.discord.session.ChannelMessageSend(settings.LeaveChannel, content); err != nil {
			logger.ErrorContext(ctx, "error sending leave message", tint.Err(err))
		}
	}
	logger.InfoContext(ctx, "member left")
}

// handleRecover logs a recovered panic with its stack trace
func handleRecover(ctx context.Context, rc any) {
	logger := getLogger(ctx)
	stackTrace := string(debug.Stack())
	switch v := rc.(type) {
	case error:
		logger.ErrorContext(ctx, "recovered from panic", tint.Err(v), "stack_trace", stackTrace)
	case string:
		logger.ErrorContext(ctx, "recovered from panic", tint.Err(errors.New(v)), "stack_trace", stackTrace)
	default:
		logger.ErrorContext(ctx, "recovered from panic", "panic_arg", rc, "stack_trace", stackTrace)
	}
}
