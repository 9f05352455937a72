package olliebot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

const (
	columnGuildID       = "guild_id"
	guildLoadConcurrency = 4
)

// Guild holds per-guild settings. Empty strings mean "not configured".
type Guild struct {
	ID string `gorm:"primaryKey" json:"id"`
	ModelUnixTime

	// Prefix overrides the bot-wide command prefix when set
	Prefix       string `json:"prefix"`
	JoinChannel  string `json:"join_channel"`
	JoinMessage  string `json:"join_message"`
	LeaveChannel string `json:"leave_channel"`
	LeaveMessage string `json:"leave_message"`
	MusicChannel string `json:"music_channel"`
	DefaultRole  string `json:"default_role"`
	AuditChannel string `json:"audit_channel"`
}

type GuildModRole struct {
	GuildID   string `gorm:"primaryKey" json:"guild_id"`
	RoleID    string `gorm:"primaryKey" json:"role_id"`
	CreatedAt int64  `gorm:"autoCreateTime:milli" json:"created_at"`
}

type GuildBlockedCommand struct {
	GuildID   string `gorm:"primaryKey" json:"guild_id"`
	Command   string `gorm:"primaryKey" json:"command"`
	CreatedAt int64  `gorm:"autoCreateTime:milli" json:"created_at"`
}

// GuildRateLimit allows each member one use of Command per Minutes.
type GuildRateLimit struct {
	GuildID   string `gorm:"primaryKey" json:"guild_id"`
	Command   string `gorm:"primaryKey" json:"command"`
	Minutes   int    `json:"minutes"`
	CreatedAt int64  `gorm:"autoCreateTime:milli" json:"created_at"`
}

// ExistenceError reports adding something that already exists, or
// removing something that doesn't.
type ExistenceError struct {
	Kind   string
	Name   string
	Exists bool
}

func (e *ExistenceError) Error() string {
	if e.Exists {
		return fmt.Sprintf("%s %q already exists", e.Kind, e.Name)
	}
	return fmt.Sprintf("%s %q does not exist", e.Kind, e.Name)
}

func alreadyExists(kind, name string) error {
	return &ExistenceError{Kind: kind, Name: name, Exists: true}
}

func doesNotExist(kind, name string) error {
	return &ExistenceError{Kind: kind, Name: name, Exists: false}
}

// commandLimit tracks per-member limiters for one rate-limited command
type commandLimit struct {
	minutes  int
	limiters map[string]*rate.Limiter
}

func newCommandLimit(minutes int) *commandLimit {
	return &commandLimit{minutes: minutes, limiters: map[string]*rate.Limiter{}}
}

func (c *commandLimit) allow(userID string) bool {
	l, ok := c.limiters[userID]
	if !ok {
		l = rate.NewLimiter(rate.Every(time.Duration(c.minutes)*time.Minute), 1)
		c.limiters[userID] = l
	}
	return l.Allow()
}

// GuildRecord is the in-memory view of one guild's configuration. All
// access goes through its mutex, so concurrent commands touching the same
// guild are serialized; mutators persist before returning.
type GuildRecord struct {
	mu         sync.RWMutex
	db         DBI
	settings   Guild
	modRoles   []string
	blocked    []string
	rateLimits map[string]*commandLimit

	responses *ResponseLibrary
	birthdays *BirthdayBook
	feeds     *FeedLibrary
}

func (g *GuildRecord) ID() string {
	return g.settings.ID
}

// Settings returns a copy of the guild's settings
func (g *GuildRecord) Settings() Guild {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.settings
}

func (g *GuildRecord) Responses() *ResponseLibrary {
	return g.responses
}

func (g *GuildRecord) Birthdays() *BirthdayBook {
	return g.birthdays
}

func (g *GuildRecord) Feeds() *FeedLibrary {
	return g.feeds
}

func (g *GuildRecord) IsBlocked(command string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return slices.Contains(g.blocked, command)
}

func (g *GuildRecord) BlockedCommands() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return slices.Clone(g.blocked)
}

func (g *GuildRecord) HasModRole(roleID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return slices.Contains(g.modRoles, roleID)
}

func (g *GuildRecord) ModRoles() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return slices.Clone(g.modRoles)
}

// RateLimits returns command → minutes
func (g *GuildRecord) RateLimits() map[string]int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	rv := make(map[string]int, len(g.rateLimits))
	for cmd, l := range g.rateLimits {
		rv[cmd] = l.minutes
	}
	return rv
}

func (g *GuildRecord) RateLimited(command string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.rateLimits[command]
	return ok
}

// AllowCommand consumes one use of a rate-limited command for the user.
// Commands without a limit are always allowed.
func (g *GuildRecord) AllowCommand(command, userID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.rateLimits[command]
	if !ok {
		return true
	}
	return l.allow(userID)
}

func (g *GuildRecord) AddModRole(ctx context.Context, roleID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if slices.Contains(g.modRoles, roleID) {
		return alreadyExists("mod role", roleID)
	}
	if _, err := g.db.Create(ctx, &GuildModRole{GuildID: g.settings.ID, RoleID: roleID}); err != nil {
		return err
	}
	g.modRoles = append(g.modRoles, roleID)
	return nil
}

func (g *GuildRecord) RemoveModRole(ctx context.Context, roleID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	i := slices.Index(g.modRoles, roleID)
	if i < 0 {
		return doesNotExist("mod role", roleID)
	}
	_, err := g.db.Delete(
		ctx,
		&GuildModRole{},
		"guild_id = ? AND role_id = ?",
		g.settings.ID,
		roleID,
	)
	if err != nil {
		return err
	}
	g.modRoles = slices.Delete(g.modRoles, i, i+1)
	return nil
}

func (g *GuildRecord) AddBlockedCommand(ctx context.Context, command string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if slices.Contains(g.blocked, command) {
		return alreadyExists("blocked command", command)
	}
	_, err := g.db.Create(ctx, &GuildBlockedCommand{GuildID: g.settings.ID, Command: command})
	if err != nil {
		return err
	}
	g.blocked = append(g.blocked, command)
	return nil
}

func (g *GuildRecord) RemoveBlockedCommand(ctx context.Context, command string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	i := slices.Index(g.blocked, command)
	if i < 0 {
		return doesNotExist("blocked command", command)
	}
	_, err := g.db.Delete(
		ctx,
		&GuildBlockedCommand{},
		"guild_id = ? AND command = ?",
		g.settings.ID,
		command,
	)
	if err != nil {
		return err
	}
	g.blocked = slices.Delete(g.blocked, i, i+1)
	return nil
}

func (g *GuildRecord) AddRateLimit(ctx context.Context, command string, minutes int) error {
	if minutes < 1 {
		return fmt.Errorf("rate limit must be at least one minute, got %d", minutes)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.rateLimits[command]; ok {
		return alreadyExists("rate limit", command)
	}
	_, err := g.db.Create(
		ctx,
		&GuildRateLimit{GuildID: g.settings.ID, Command: command, Minutes: minutes},
	)
	if err != nil {
		return err
	}
	g.rateLimits[command] = newCommandLimit(minutes)
	return nil
}

func (g *GuildRecord) RemoveRateLimit(ctx context.Context, command string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.rateLimits[command]; !ok {
		return doesNotExist("rate limit", command)
	}
	_, err := g.db.Delete(
		ctx,
		&GuildRateLimit{},
		"guild_id = ? AND command = ?",
		g.settings.ID,
		command,
	)
	if err != nil {
		return err
	}
	delete(g.rateLimits, command)
	return nil
}

// updateSetting persists one column and applies it in memory
func (g *GuildRecord) updateSetting(
	ctx context.Context,
	column string,
	value string,
	apply func(*Guild),
) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, err := g.db.Update(ctx, &Guild{ID: g.settings.ID}, column, value); err != nil {
		return fmt.Errorf("error updating %s: %w", column, err)
	}
	apply(&g.settings)
	return nil
}

func (g *GuildRecord) SetPrefix(ctx context.Context, prefix string) error {
	return g.updateSetting(ctx, "prefix", prefix, func(s *Guild) { s.Prefix = prefix })
}

func (g *GuildRecord) SetJoinChannel(ctx context.Context, channelID string) error {
	return g.updateSetting(ctx, "join_channel", channelID, func(s *Guild) { s.JoinChannel = channelID })
}

func (g *GuildRecord) SetJoinMessage(ctx context.Context, message string) error {
	return g.updateSetting(ctx, "join_message", message, func(s *Guild) { s.JoinMessage = message })
}

func (g *GuildRecord) SetLeaveChannel(ctx context.Context, channelID string) error {
	return g.updateSetting(ctx, "leave_channel", channelID, func(s *Guild) { s.LeaveChannel = channelID })
}

func (g *GuildRecord) SetLeaveMessage(ctx context.Context, message string) error {
	return g.updateSetting(ctx, "leave_message", message, func(s *Guild) { s.LeaveMessage = message })
}

func (g *GuildRecord) SetMusicChannel(ctx context.Context, channelID string) error {
	return g.updateSetting(ctx, "music_channel", channelID, func(s *Guild) { s.MusicChannel = channelID })
}

func (g *GuildRecord) SetDefaultRole(ctx context.Context, roleID string) error {
	return g.updateSetting(ctx, "default_role", roleID, func(s *Guild) { s.DefaultRole = roleID })
}

func (g *GuildRecord) SetAuditChannel(ctx context.Context, channelID string) error {
	return g.updateSetting(ctx, "audit_channel", channelID, func(s *Guild) { s.AuditChannel = channelID })
}

// GuildStore holds the GuildRecord of every known guild.
type GuildStore struct {
	mu       sync.RWMutex
	guilds   map[string]*GuildRecord
	db       DBI
	feedsMax int
	logger   *slog.Logger
}

func NewGuildStore(db DBI, feedsMax int, logger *slog.Logger) *GuildStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &GuildStore{
		guilds:   map[string]*GuildRecord{},
		db:       db,
		feedsMax: feedsMax,
		logger:   logger,
	}
}

// Load reads every guild from the database, replacing anything already
// in the store.
func (s *GuildStore) Load(ctx context.Context) error {
	var settings []Guild
	if err := s.db.DB().WithContext(ctx).Find(&settings).Error; err != nil {
		return fmt.Errorf("error loading guilds: %w", err)
	}

	records := make([]*GuildRecord, len(settings))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(guildLoadConcurrency)
	for i, gs := range settings {
		eg.Go(
			func() error {
				rec, err := s.loadRecord(egCtx, gs)
				if err != nil {
					return fmt.Errorf("guild %s: %w", gs.ID, err)
				}
				records[i] = rec
				return nil
			},
		)
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	guilds := make(map[string]*GuildRecord, len(records))
	for _, rec := range records {
		guilds[rec.ID()] = rec
	}
	s.mu.Lock()
	s.guilds = guilds
	s.mu.Unlock()
	s.logger.InfoContext(ctx, "loaded guilds", "count", len(guilds))
	return nil
}

// loadRecord reads the lists and libraries belonging to one guild
func (s *GuildStore) loadRecord(ctx context.Context, settings Guild) (*GuildRecord, error) {
	db := s.db.DB().WithContext(ctx)
	where := fmt.Sprintf("%s = ?", columnGuildID)

	var modRoles []GuildModRole
	if err := db.Where(where, settings.ID).Order("created_at").Find(&modRoles).Error; err != nil {
		return nil, err
	}
	var blocked []GuildBlockedCommand
	if err := db.Where(where, settings.ID).Order("created_at").Find(&blocked).Error; err != nil {
		return nil, err
	}
	var limits []GuildRateLimit
	if err := db.Where(where, settings.ID).Find(&limits).Error; err != nil {
		return nil, err
	}

	rec := &GuildRecord{
		db:         s.db,
		settings:   settings,
		rateLimits: make(map[string]*commandLimit, len(limits)),
	}
	for _, r := range modRoles {
		rec.modRoles = append(rec.modRoles, r.RoleID)
	}
	for _, b := range blocked {
		rec.blocked = append(rec.blocked, b.Command)
	}
	for _, l := range limits {
		rec.rateLimits[l.Command] = newCommandLimit(l.Minutes)
	}

	var err error
	if rec.responses, err = loadResponseLibrary(ctx, s.db, settings.ID); err != nil {
		return nil, err
	}
	if rec.birthdays, err = loadBirthdayBook(ctx, s.db, settings.ID); err != nil {
		return nil, err
	}
	if rec.feeds, err = loadFeedLibrary(ctx, s.db, settings.ID, s.feedsMax); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *GuildStore) Get(guildID string) (*GuildRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.guilds[guildID]
	return g, ok
}

// IDs returns the sorted IDs of all known guilds
func (s *GuildStore) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.guilds))
	for id := range s.guilds {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// All returns every record, sorted by guild ID
func (s *GuildStore) All() []*GuildRecord {
	ids := s.IDs()
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := make([]*GuildRecord, 0, len(ids))
	for _, id := range ids {
		if g, ok := s.guilds[id]; ok {
			records = append(records, g)
		}
	}
	return records
}

func (s *GuildStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.guilds)
}

// Register returns the record for guildID, creating it with the given
// join channel if it doesn't exist yet. created is true if a new record
// was made.
func (s *GuildStore) Register(
	ctx context.Context,
	guildID string,
	joinChannel string,
) (rec *GuildRecord, created bool, err error) {
	if rec, ok := s.Get(guildID); ok {
		return rec, false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.guilds[guildID]; ok {
		return rec, false, nil
	}

	settings := Guild{ID: guildID, JoinChannel: joinChannel}
	var existing Guild
	findErr := s.db.DB().WithContext(ctx).Unscoped().Where("id = ?", guildID).Take(&existing).Error
	switch {
	case findErr == nil:
		// another instance registered it, or it was soft-deleted
		if existing.DeletedAt.Valid {
			err = s.db.DB().WithContext(ctx).Unscoped().Model(&existing).Update("deleted_at", nil).Error
			if err != nil {
				return nil, false, err
			}
		}
		settings = existing
		settings.DeletedAt = gorm.DeletedAt{}
	case errors.Is(findErr, gorm.ErrRecordNotFound):
		if _, err = s.db.Create(ctx, &settings); err != nil {
			return nil, false, fmt.Errorf("error creating guild: %w", err)
		}
		created = true
	default:
		return nil, false, findErr
	}

	rec, err = s.loadRecord(ctx, settings)
	if err != nil {
		return nil, false, err
	}
	s.guilds[guildID] = rec
	s.logger.InfoContext(ctx, "registered guild", "guild_id", guildID, "created", created)
	return rec, created, nil
}

// Reload replaces the in-memory record for guildID with the database copy
func (s *GuildStore) Reload(ctx context.Context, guildID string) (*GuildRecord, error) {
	var settings Guild
	if err := s.db.DB().WithContext(ctx).Where("id = ?", guildID).Take(&settings).Error; err != nil {
		return nil, err
	}
	rec, err := s.loadRecord(ctx, settings)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.guilds[guildID] = rec
	s.mu.Unlock()
	s.logger.InfoContext(ctx, "reloaded guild", "guild_id", guildID)
	return rec, nil
}
