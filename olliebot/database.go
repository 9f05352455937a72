package olliebot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	dbTypeSQLite                 = "sqlite"
	dbTypePostgres               = "postgres"
	postgresNotifyChannelGuild   = "olliebot_guild_reload"
	postgresNotifyChannelState   = "olliebot_bot_state_reload"
	postgresNotifyChannelStop    = "olliebot_stop"
	recordSeparator              = string(rune(30))
	notifierListenRetryInterval  = 5 * time.Second
	sqliteMaxOpenConns           = 1
	sqliteMaxIdleConns           = 1
	sqliteMaxConnLifetime        = 5 * time.Minute
	defaultCreateDBSlowThreshold = 500 * time.Millisecond
)

var (
	sqliteExecPragma = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
	}
	dbOperationTimeout    = 30 * time.Second
	dbNotifierSendTimeout = 15 * time.Second
)

// ModelUnixTime is an embeddable model with Unix millisecond timestamps
// for creation and update, and a soft-delete marker.
type ModelUnixTime struct {
	CreatedAt int64          `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64          `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// allModels lists every table migrated by CreateDB.
func allModels() []any {
	return []any{
		&BotState{},
		&Guild{},
		&GuildModRole{},
		&GuildBlockedCommand{},
		&GuildRateLimit{},
		&Response{},
		&Birthday{},
		&YouTubeFeed{},
		&ReactionImage{},
	}
}

// DBI is the write path to the database. Implementations serialize
// writes when the backing database can't handle concurrent writers,
// and apply a default timeout when the context has no deadline.
type DBI interface {
	Lock()
	Unlock()

	DB() *gorm.DB
	Create(ctx context.Context, value any, omit ...string) (rowsAffected int64, err error)
	Updates(ctx context.Context, model any, values any) (rowsAffected int64, err error)
	Delete(ctx context.Context, value any, conds ...any) (rowsAffected int64, err error)
	Transaction(
		ctx context.Context,
		fc func(tx *gorm.DB) error,
		opts ...*sql.TxOptions,
	) (err error)
	Save(ctx context.Context, value any, omit ...string) (rowsAffected int64, err error)
	Update(ctx context.Context, model any, column string, value any) (
		rowsAffected int64,
		err error,
	)
}

type database struct {
	db                     *gorm.DB
	mu                     sync.Mutex
	logger                 *slog.Logger
	enableConcurrentWrites bool
}

// NewDatabase wraps db in a DBI. When enableConcurrentWrites is false,
// every write holds a lock for its duration.
func NewDatabase(db *gorm.DB, log *slog.Logger, enableConcurrentWrites bool) DBI {
	if log == nil {
		log = slog.Default()
	}
	return &database{
		db:                     db,
		logger:                 log,
		enableConcurrentWrites: enableConcurrentWrites,
	}
}

func (d *database) DB() *gorm.DB {
	return d.db
}

func (d *database) Lock() {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
	}
}

func (d *database) Unlock() {
	if !d.enableConcurrentWrites {
		d.mu.Unlock()
	}
}

// withTimeout applies dbOperationTimeout if ctx has no deadline
func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, dbOperationTimeout)
}

func (d *database) Create(ctx context.Context, value any, omit ...string) (
	rowsAffected int64,
	err error,
) {
	d.Lock()
	defer d.Unlock()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	db := d.db.WithContext(ctx)
	if len(omit) > 0 {
		db = db.Omit(omit...)
	}
	rv := db.Create(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Updates(ctx context.Context, model, values any) (
	rowsAffected int64,
	err error,
) {
	d.Lock()
	defer d.Unlock()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).Model(model).Updates(values)
	return rv.RowsAffected, rv.Error
}

func (d *database) Transaction(
	ctx context.Context,
	fc func(tx *gorm.DB) error,
	opts ...*sql.TxOptions,
) (err error) {
	d.Lock()
	defer d.Unlock()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	return d.db.WithContext(ctx).Transaction(fc, opts...)
}

func (d *database) Save(ctx context.Context, value any, omit ...string) (
	rowsAffected int64,
	err error,
) {
	d.Lock()
	defer d.Unlock()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	db := d.db.WithContext(ctx)
	if len(omit) > 0 {
		db = db.Omit(omit...)
	}
	rv := db.Save(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Update(
	ctx context.Context,
	model any,
	column string,
	value any,
) (rowsAffected int64, err error) {
	d.Lock()
	defer d.Unlock()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).Model(model).Update(column, value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Delete(
	ctx context.Context,
	value any,
	conds ...any,
) (rowsAffected int64, err error) {
	d.Lock()
	defer d.Unlock()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).Delete(value, conds...)
	return rv.RowsAffected, rv.Error
}

// CreateDB opens the database and migrates every model.
//
// Parameters:
//   - databaseType: The type of the database, must be 'sqlite' or 'postgres'.
//   - database: The database connection string, or SQLite file path.
func CreateDB(ctx context.Context, databaseType string, database string) (*gorm.DB, error) {
	handler := tint.NewHandler(
		os.Stdout,
		&tint.Options{
			Level:     slog.LevelWarn,
			AddSource: true,
		},
	)

	gormLogger := newGORMLogger(handler, defaultCreateDBSlowThreshold)
	dbLogger := slog.New(handler).With(loggerNameKey, "database")

	dbLogger.InfoContext(
		ctx,
		"initializing database",
		"database_type", databaseType,
		"database", database,
	)
	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return db, err
	}

	if err = migrate(ctx, db); err != nil {
		return db, err
	}
	return db, nil
}

func migrate(ctx context.Context, db *gorm.DB) error {
	txn := db.WithContext(ctx).Begin()
	if txn.Error != nil {
		return txn.Error
	}
	if err := txn.Migrator().AutoMigrate(allModels()...); err != nil {
		txn.Rollback()
		return fmt.Errorf("auto-migrate: %w", err)
	}
	return txn.Commit().Error
}

// getDB opens a GORM connection for the given database type.
func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0o755); err != nil && !errors.Is(err, os.ErrExist) {
				return nil, err
			}
		}
		db, err := gorm.Open(sqlite.Open(database), gormConfig)
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)
		for _, pragma := range sqliteExecPragma {
			if err = db.Exec(pragma).Error; err != nil {
				return nil, fmt.Errorf("error executing %q: %w", pragma, err)
			}
		}
		return db, nil
	case dbTypePostgres:
		return gorm.Open(postgres.Open(database), gormConfig)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}

// DBNotifier tells bot instances sharing a database that records changed.
// Notifications published by an instance are ignored by that same
// instance's listener.
type DBNotifier interface {
	ID() string

	// Channels returns the channels Listen should be called with
	Channels() []string

	// GuildUpdated announces that a guild's records changed and should
	// be reloaded.
	GuildUpdated(ctx context.Context, guildID string) bool

	// BotStateUpdated announces a prefix or status change
	BotStateUpdated(ctx context.Context) bool

	// Stop sends a shutdown signal to all bots
	Stop(ctx context.Context) bool

	Listen(ctx context.Context, channel string) error
}

func newDBNotifier(b *Bot) (DBNotifier, error) {
	notifyID, err := generateRandomHexString(16)
	if err != nil {
		return nil, err
	}
	log := b.logger.With(loggerNameKey, "db_notifier")
	switch b.config.DatabaseType {
	case dbTypeSQLite:
		return &sqliteNotifier{logger: log, b: b, id: notifyID}, nil
	case dbTypePostgres:
		return &postgresNotifier{logger: log, b: b, id: notifyID}, nil
	default:
		return nil, errors.New("invalid database type")
	}
}

// sqliteNotifier delivers notifications in-process, as a sqlite
// database is only ever used by a single bot.
type sqliteNotifier struct {
	logger *slog.Logger
	b      *Bot
	id     string
}

func (s *sqliteNotifier) ID() string {
	return s.id
}

func (*sqliteNotifier) Channels() []string {
	return nil
}

func (s *sqliteNotifier) Listen(_ context.Context, channel string) error {
	s.logger.Debug("listener called", "channel", channel)
	return nil
}

// GuildUpdated is a no-op, since the only bot using the database made
// the change through its own in-memory record.
func (s *sqliteNotifier) GuildUpdated(ctx context.Context, guildID string) bool {
	s.logger.DebugContext(ctx, "guild updated", "guild_id", guildID)
	return true
}

func (s *sqliteNotifier) BotStateUpdated(ctx context.Context) bool {
	s.logger.DebugContext(ctx, "bot state updated")
	return true
}

func (s *sqliteNotifier) Stop(ctx context.Context) bool {
	s.logger.Info("notifying stop signal")
	return sendSignal(ctx, s.logger, s.b.signalStop, struct{}{})
}

func sendSignal[T any](ctx context.Context, logger *slog.Logger, ch chan<- T, v T) bool {
	select {
	case ch <- v:
		return true
	case <-ctx.Done():
		logger.WarnContext(ctx, "timeout sending signal", "value", v)
		return false
	}
}

type postgresNotifier struct {
	b      *Bot
	logger *slog.Logger
	id     string
}

func (p *postgresNotifier) ID() string {
	return p.id
}

func (*postgresNotifier) Channels() []string {
	return []string{
		postgresNotifyChannelGuild,
		postgresNotifyChannelState,
		postgresNotifyChannelStop,
	}
}

func (p *postgresNotifier) notify(ctx context.Context, channel, payload string) bool {
	err := p.b.writeDB.DB().WithContext(ctx).Exec(
		"SELECT pg_notify(?, ?)",
		channel,
		payload,
	).Error
	if err != nil {
		p.logger.ErrorContext(
			ctx,
			"error sending NOTIFY",
			"channel", channel,
			tint.Err(err),
		)
		return false
	}
	p.logger.InfoContext(ctx, "sent notification", "channel", channel, "pg_notify_id", p.id)
	return true
}

func (p *postgresNotifier) GuildUpdated(ctx context.Context, guildID string) bool {
	return p.notify(ctx, postgresNotifyChannelGuild, newGuildNotification(p.id, guildID))
}

func (p *postgresNotifier) BotStateUpdated(ctx context.Context) bool {
	return p.notify(ctx, postgresNotifyChannelState, p.id)
}

func (p *postgresNotifier) Stop(ctx context.Context) bool {
	return p.notify(ctx, postgresNotifyChannelStop, p.id)
}

func newGuildNotification(notifierID, guildID string) string {
	return strings.Join([]string{notifierID, guildID}, recordSeparator)
}

func parseGuildNotification(s string) (notifierID, guildID string) {
	notifierID, guildID, _ = strings.Cut(s, recordSeparator)
	return notifierID, guildID
}

// Listen blocks on LISTEN for the given channel until ctx is done,
// forwarding notifications from other instances to the bot.
func (p *postgresNotifier) Listen(ctx context.Context, channel string) error {
	logger := p.logger.With("channel", channel)

	config, err := pgxpool.ParseConfig(p.b.config.Database)
	if err != nil {
		return fmt.Errorf("error parsing database config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return fmt.Errorf("error creating connection pool: %w", err)
	}
	defer pool.Close()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("error acquiring connection: %w", err)
	}
	defer conn.Release()

	if _, err = conn.Exec(ctx, fmt.Sprintf("LISTEN %s", channel)); err != nil {
		return fmt.Errorf("error setting up listener: %w", err)
	}
	logger.InfoContext(ctx, "started listening on channel")

	for ctx.Err() == nil {
		notification, e := conn.Conn().WaitForNotification(ctx)
		if e != nil {
			if ctx.Err() != nil {
				break
			}
			logger.ErrorContext(ctx, "error waiting for notification", tint.Err(e))
			time.Sleep(notifierListenRetryInterval)
			continue
		}

		switch notification.Channel {
		case postgresNotifyChannelGuild:
			notifierID, guildID := parseGuildNotification(notification.Payload)
			if notifierID == p.id {
				continue
			}
			select {
			case p.b.triggerGuildReloadCh <- guildID:
				logger.InfoContext(ctx, "forwarded guild reload", "guild_id", guildID)
			case <-time.After(dbNotifierSendTimeout):
				logger.WarnContext(ctx, "timed out forwarding guild reload", "guild_id", guildID)
			}
		case postgresNotifyChannelState:
			if notification.Payload == p.id {
				continue
			}
			select {
			case p.b.triggerStateReloadCh <- struct{}{}:
				logger.InfoContext(ctx, "forwarded bot state reload")
			case <-time.After(dbNotifierSendTimeout):
				logger.WarnContext(ctx, "timed out forwarding bot state reload")
			}
		case postgresNotifyChannelStop:
			if notification.Payload == p.id {
				continue
			}
			select {
			case p.b.signalStop <- struct{}{}:
				logger.InfoContext(ctx, "forwarded stop signal")
			case <-time.After(dbNotifierSendTimeout):
				logger.WarnContext(ctx, "timed out forwarding stop signal")
			}
		default:
			logger.WarnContext(ctx, "received unknown notification", "notify_channel", notification.Channel)
		}
	}
	return nil
}
