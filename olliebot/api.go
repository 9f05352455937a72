package olliebot

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/securecookie"
	gsessions "github.com/gorilla/sessions"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

const (
	pprofPrefix        = "/debug/pprof"
	apiPrefix          = "/api"
	apiPathLogin       = "/login"
	apiPathLogout      = "/logout"
	apiPathHealthCheck = "/healthz"
	apiPathLoggedIn    = "/logged_in"
	apiPathBot         = "/bot"
	apiPathGuilds      = "/guilds"
	apiPathGuild       = "/guilds/:id"
	apiPathGuildReload = "/guilds/:id/reload"
	apiPathQuit        = "/quit"
)

const (
	xRequestIDHeader = "X-Request-ID"
	sessionVarName   = "user"
	sessionVarField  = "username"

	apiShutdownTimeout   = 10 * time.Second
	apiStopSignalTimeout = 30 * time.Second
)

var structValidator = validator.New()

// API is the admin HTTP server. It lets a logged-in admin view and edit
// the bot state and guild settings, and stop the bot.
type API struct {
	config              *APIConfig
	bot                 *Bot
	httpServer          *http.Server
	listener            net.Listener
	engine              *gin.Engine
	store               CookieStore
	loginRequestLimiter *rate.Limiter
	logger              *slog.Logger
}

type httpError struct {
	Error string `json:"error"`
}

type httpReply struct {
	Message string `json:"message"`
}

type userLogin struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type loggedInResponse struct {
	Username string `json:"username"`
}

type healthCheckResponse struct {
	DiscordGatewayConnected bool          `json:"discord_gateway_connected"`
	Guilds                  int           `json:"guilds"`
	Uptime                  time.Duration `json:"uptime"`
}

// guildResponse is the admin view of a guild's configuration
type guildResponse struct {
	Guild
	ModRoles        []string       `json:"mod_roles"`
	BlockedCommands []string       `json:"blocked_commands"`
	RateLimits      map[string]int `json:"rate_limits"`
	Responses       []*Response    `json:"responses"`
	Birthdays       []Birthday     `json:"birthdays"`
	Feeds           []YouTubeFeed  `json:"feeds"`
}

func newGuildResponse(rec *GuildRecord) guildResponse {
	return guildResponse{
		Guild:           rec.Settings(),
		ModRoles:        rec.ModRoles(),
		BlockedCommands: rec.BlockedCommands(),
		RateLimits:      rec.RateLimits(),
		Responses:       rec.Responses().List(),
		Birthdays:       rec.Birthdays().List(),
		Feeds:           rec.Feeds().List(),
	}
}

// GuildUpdate is a partial update of a guild's settings. Nil fields are
// left unchanged, and an empty string clears the setting.
type GuildUpdate struct {
	Prefix       *string `json:"prefix,omitempty" binding:"omitnil,max=5,excludesall= "`
	JoinChannel  *string `json:"join_channel,omitempty" binding:"omitnil,max=32"`
	JoinMessage  *string `json:"join_message,omitempty" binding:"omitnil,max=2000"`
	LeaveChannel *string `json:"leave_channel,omitempty" binding:"omitnil,max=32"`
	LeaveMessage *string `json:"leave_message,omitempty" binding:"omitnil,max=2000"`
	MusicChannel *string `json:"music_channel,omitempty" binding:"omitnil,max=32"`
	DefaultRole  *string `json:"default_role,omitempty" binding:"omitnil,max=32"`
	AuditChannel *string `json:"audit_channel,omitempty" binding:"omitnil,max=32"`
}

// snowflakes returns the ID fields, which must be numeric when set
func (u GuildUpdate) snowflakes() map[string]*string {
	return map[string]*string{
		"join_channel":  u.JoinChannel,
		"leave_channel": u.LeaveChannel,
		"music_channel": u.MusicChannel,
		"default_role":  u.DefaultRole,
		"audit_channel": u.AuditChannel,
	}
}

func (u GuildUpdate) validate() error {
	if err := structValidator.Struct(u); err != nil {
		return err
	}
	for field, v := range u.snowflakes() {
		if v == nil || *v == "" {
			continue
		}
		if err := structValidator.Var(*v, "numeric"); err != nil {
			return fmt.Errorf("%s: must be an ID", field)
		}
	}
	return nil
}

// apply persists each set field, stopping at the first error
func (u GuildUpdate) apply(ctx context.Context, rec *GuildRecord) error {
	setters := []struct {
		v   *string
		set func(context.Context, string) error
	}{
		{u.Prefix, rec.SetPrefix},
		{u.JoinChannel, rec.SetJoinChannel},
		{u.JoinMessage, rec.SetJoinMessage},
		{u.LeaveChannel, rec.SetLeaveChannel},
		{u.LeaveMessage, rec.SetLeaveMessage},
		{u.MusicChannel, rec.SetMusicChannel},
		{u.DefaultRole, rec.SetDefaultRole},
		{u.AuditChannel, rec.SetAuditChannel},
	}
	for _, s := range setters {
		if s.v == nil {
			continue
		}
		if err := s.set(ctx, *s.v); err != nil {
			return err
		}
	}
	return nil
}

// newAPI sets up the gin engine and HTTP server. TLS is used when both a
// cert and key are configured.
func newAPI(b *Bot, config *APIConfig) (*API, error) {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	api := &API{
		config:              config,
		bot:                 b,
		engine:              r,
		loginRequestLimiter: rate.NewLimiter(rate.Every(time.Second), 3),
		logger:              componentLogger(b.logHandler, "api", config.LogLevel),
	}

	var secretKey []byte
	switch sk := config.Secret; {
	case sk == "":
		api.logger.Warn(
			"api secret not set, generating random secret " +
				"(sessions will not persist across restarts)",
		)
		secretKey = securecookie.GenerateRandomKey(64)
	default:
		secretKey = derive64ByteKey(sk)
	}
	store := NewCookieStore(secretKey)
	sameSite := http.SameSiteStrictMode
	if config.Development {
		sameSite = http.SameSiteNoneMode
	}
	store.Options(
		sessions.Options{
			Path:     "/",
			HttpOnly: true,
			Secure:   !config.Development,
			MaxAge:   int(config.SessionMaxAge.Seconds()),
			SameSite: sameSite,
		},
	)
	api.store = store

	var tlsCfg *tls.Config
	if config.SSL.Cert != "" && config.SSL.Key != "" {
		cfg, err := tlsConfig(config.SSL.Cert, config.SSL.Key, config.SSL.TLSMinVersion)
		if err != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", err)
		}
		tlsCfg = cfg
	}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 {
		if config.Development {
			corsConfig.AllowOrigins = []string{"*"}
			corsConfig.AllowCredentials = false
		} else {
			corsConfig.AllowOriginFunc = func(string) bool { return false }
		}
	}

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(api.logger),
		cors.New(corsConfig),
		sessions.Sessions(sessionVarName, store),
	)

	r.POST(apiPathLogin, api.loginHandler)
	r.POST(apiPathLogout, api.logoutHandler)
	r.GET(apiPathHealthCheck, api.healthCheck)

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware())
	protected.GET(apiPathLoggedIn, api.loggedIn)
	protected.GET(apiPathBot, api.getBotState)
	protected.PATCH(apiPathBot, api.updateBotState)
	protected.GET(apiPathGuilds, api.getGuilds)
	protected.GET(apiPathGuild, api.getGuild)
	protected.PATCH(apiPathGuild, api.updateGuild)
	protected.POST(apiPathGuildReload, api.reloadGuild)
	protected.POST(apiPathQuit, api.botQuit)

	return api, nil
}

// Serve listens on the configured address until ctx is canceled
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		if a.httpServer.TLSConfig != nil {
			ln = tls.NewListener(ln, a.httpServer.TLSConfig)
		}
		a.listener = ln
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), apiShutdownTimeout)
		defer cancel()
		if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("error shutting down api server", tint.Err(err))
		}
	}()

	a.logger.InfoContext(ctx, "api listening", "address", a.listener.Addr().String())
	return a.httpServer.Serve(a.listener)
}

type CookieStore interface {
	sessions.Store
}

func NewCookieStore(keyPairs ...[]byte) CookieStore {
	return &cookieStore{gsessions.NewCookieStore(keyPairs...)}
}

type cookieStore struct {
	*gsessions.CookieStore
}

func (c *cookieStore) Options(options sessions.Options) {
	c.CookieStore.Options = options.ToGorillaOptions()
}

// loginHandler checks the admin credentials stored in the bot state and
// starts a session.
//
// Responses:
//   - 200 OK: logged in
//   - 400 Bad Request: invalid payload
//   - 401 Unauthorized: bad credentials, or no admin credentials set
//   - 429 Too Many Requests: login attempts are rate limited
func (a *API) loginHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	if !a.loginRequestLimiter.Allow() {
		logger.Warn("login rate limited")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, httpError{Error: "too many requests"})
		return
	}

	var login userLogin
	if err := c.ShouldBindJSON(&login); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	state := a.bot.State()
	if state.AdminUsername == "" || state.AdminPassword == "" {
		logger.Warn("admin username and password not set")
		c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}
	if login.Username != state.AdminUsername {
		logger.Warn("invalid login attempt", "username", login.Username)
		c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}
	valid, err := VerifyPassword(state.AdminPassword, login.Password)
	if err != nil {
		logger.Error("error verifying password", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	if !valid {
		logger.Warn("invalid login attempt", "username", login.Username)
		c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}

	session := sessions.Default(c)
	session.Set(sessionVarField, login.Username)
	if err = session.Save(); err != nil {
		logger.Error("error saving session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	logger.Info("saved user session", "username", login.Username)
	c.JSON(http.StatusOK, loggedInResponse{Username: login.Username})
}

func (a *API) logoutHandler(c *gin.Context) {
	session := sessions.Default(c)
	session.Clear()
	session.Options(sessions.Options{Path: "/", MaxAge: -1})
	if err := session.Save(); err != nil {
		ginContextLogger(c).Error("error saving cookie", tint.Err(err))
	}
	ginReplyMessage(c, "logged out")
}

func (a *API) healthCheck(c *gin.Context) {
	resp := healthCheckResponse{
		DiscordGatewayConnected: a.bot.discord != nil && a.bot.discord.connected.Load(),
	}
	if a.bot.guilds != nil {
		resp.Guilds = a.bot.guilds.Len()
	}
	if !a.bot.startedAt.IsZero() {
		resp.Uptime = time.Since(a.bot.startedAt).Round(time.Second)
	}
	c.JSON(http.StatusOK, resp)
}

func (a *API) loggedIn(c *gin.Context) {
	username, _ := c.Get(sessionVarField)
	name, _ := username.(string)
	c.JSON(http.StatusOK, loggedInResponse{Username: name})
}

func (a *API) getBotState(c *gin.Context) {
	c.JSON(http.StatusOK, a.bot.State())
}

// updateBotState applies a BotStateUpdate, which also notifies other
// instances and refreshes the gateway presence.
//
// Responses:
//   - 200 OK: the updated state
//   - 400 Bad Request: invalid payload
func (a *API) updateBotState(c *gin.Context) {
	logger := ginContextLogger(c)
	var update BotStateUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	var validationErrs validator.ValidationErrors
	if err := a.bot.UpdateState(c.Request.Context(), update); err != nil {
		if errors.As(err, &validationErrs) {
			c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
			return
		}
		logger.Error("error updating bot state", tint.Err(err))
		ginReplyError(c, "error updating bot state")
		return
	}
	logger.Info("updated bot state", "update", update)
	c.JSON(http.StatusOK, a.bot.State())
}

func (a *API) getGuilds(c *gin.Context) {
	records := a.bot.guilds.All()
	guilds := make([]Guild, len(records))
	for i, rec := range records {
		guilds[i] = rec.Settings()
	}
	c.JSON(http.StatusOK, guilds)
}

func (a *API) guildFromPath(c *gin.Context) (*GuildRecord, bool) {
	rec, ok := a.bot.guilds.Get(c.Param("id"))
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, httpError{Error: "guild not found"})
	}
	return rec, ok
}

func (a *API) getGuild(c *gin.Context) {
	rec, ok := a.guildFromPath(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, newGuildResponse(rec))
}

// updateGuild applies a GuildUpdate to a guild's settings.
//
// Responses:
//   - 200 OK: the updated guild
//   - 400 Bad Request: invalid payload
//   - 404 Not Found: unknown guild
func (a *API) updateGuild(c *gin.Context) {
	logger := ginContextLogger(c)
	rec, ok := a.guildFromPath(c)
	if !ok {
		return
	}
	var update GuildUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if err := update.validate(); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	ctx := WithLogger(c.Request.Context(), logger)
	if err := update.apply(ctx, rec); err != nil {
		logger.Error("error updating guild", "guild_id", rec.ID(), tint.Err(err))
		ginReplyError(c, "error updating guild")
		return
	}
	logger.Info("updated guild", "guild_id", rec.ID())
	a.bot.guildChanged(ctx, rec.ID())
	c.JSON(http.StatusOK, newGuildResponse(rec))
}

func (a *API) reloadGuild(c *gin.Context) {
	guildID := c.Param("id")
	rec, err := a.bot.guilds.Reload(c.Request.Context(), guildID)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, newGuildResponse(rec))
	case errors.Is(err, gorm.ErrRecordNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, httpError{Error: "guild not found"})
	default:
		ginContextLogger(c).Error("error reloading guild", "guild_id", guildID, tint.Err(err))
		ginReplyError(c, "error reloading guild")
	}
}

// botQuit stops this bot, and any other instances sharing the database
func (a *API) botQuit(c *gin.Context) {
	log := ginContextLogger(c)
	log.Warn("sending stop signal")
	ctx, cancel := context.WithTimeout(context.Background(), apiStopSignalTimeout)
	defer cancel()

	if a.bot.dbNotifier != nil && !a.bot.dbNotifier.Stop(ctx) {
		log.Warn("timeout sending stop signal")
	}
	a.bot.RequestStop(exitCodeSleep)
	ginReplyMessage(c, "quitting")
}

// authMiddleware rejects requests without a logged-in session, and sets
// the session username on the gin context.
func authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		username, _ := sessions.Default(c).Get(sessionVarField).(string)
		if username == "" {
			ginContextLogger(c).Warn("username not found in session")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		c.Set(sessionVarField, username)
		c.Next()
	}
}

// requestIDMiddleware assigns a random request ID to each request, and
// echoes it in the response headers.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the request logger from the gin context,
// creating it on first use.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if v, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, ok := v.(*slog.Logger); ok {
			return requestLogger
		}
	}
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}
	requestLogger := slog.Default().With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request after it's handled
func ginLoggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID, _ := c.Get(xRequestIDHeader)
		requestLogger := logger.With(
			slog.Group(
				"request",
				"method", c.Request.Method,
				"path", c.Request.URL.Path,
				"remote_ip", c.RemoteIP(),
			),
			slog.Any(xRequestIDHeader, requestID),
		)
		c.Set(string(loggerContextKey), requestLogger)
		c.Next()

		attrs := []any{
			"duration", time.Since(start),
			slog.Group(
				"response",
				"status_code", c.Writer.Status(),
				"body_size", c.Writer.Size(),
			),
		}
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL.Path),
				append(attrs, "errors", errs.Errors())...,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL.Path),
			attrs...,
		)
	}
}

func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

//nolint:gochecknoinits // validators use gin's tag name
func init() {
	structValidator.SetTagName("binding")
}
