package olliebot

import (
	"context"
	"errors"
	"fmt"

	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

const (
	botStateID = 1

	columnBotStatePrefix        = "prefix"
	columnBotStateStatus        = "status"
	columnBotStateAdminUsername = "admin_username"
	columnBotStateAdminPassword = "admin_password"
)

// BotState is the single row of bot-wide settings that survive restarts.
// It's seeded from Config the first time the bot runs.
//
//nolint:lll // struct tags can't be split
type BotState struct {
	ModelUintID
	ModelUnixTime

	// Prefix is the default command prefix, used unless a guild overrides it
	Prefix string `json:"prefix" gorm:"not null" binding:"min=1,max=5"`

	// Status is shown as the bot's "Playing" presence
	Status string `json:"status" gorm:"type:string" binding:"max=128"`

	// AdminUsername for the admin API
	AdminUsername string `json:"admin_username" gorm:"type:string" log:"[redacted]"`

	// AdminPassword stores the hashed password for the admin user
	AdminPassword string `json:"-" gorm:"type:string" log:"[redacted]"`
}

func (BotState) TableName() string {
	return "bot_state"
}

// BotStateUpdate is a partial update, where nil fields are left unchanged.
type BotStateUpdate struct {
	Prefix *string `json:"prefix,omitempty" binding:"omitnil,min=1,max=5,excludesall= "`
	Status *string `json:"status,omitempty" binding:"omitnil,max=128"`
}

func (u BotStateUpdate) validate() error {
	return structValidator.Struct(u)
}

// State returns a copy of the current bot state
func (b *Bot) State() BotState {
	b.stateMu.RLock()
	defer b.stateMu.RUnlock()
	if b.state == nil {
		return BotState{
			Prefix: b.config.Discord.DefaultPrefix,
			Status: b.config.Discord.DefaultStatus,
		}
	}
	return *b.state
}

// loadState reads the bot_state row, creating it from config defaults
// when missing.
func (b *Bot) loadState(ctx context.Context) error {
	state, err := LoadOrCreateBotState(ctx, b.writeDB.DB(), b.config.Discord)
	if err != nil {
		return err
	}
	b.stateMu.Lock()
	b.state = state
	b.stateMu.Unlock()
	b.logger.InfoContext(ctx, "loaded bot state", "state", state)
	return nil
}

// LoadOrCreateBotState reads the bot_state row, creating it with the
// prefix and status from cfg when missing.
func LoadOrCreateBotState(
	ctx context.Context,
	db *gorm.DB,
	cfg *DiscordConfig,
) (*BotState, error) {
	var state BotState
	err := db.WithContext(ctx).Take(&state, botStateID).Error
	switch {
	case err == nil:
		return &state, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		state = BotState{
			ModelUintID: ModelUintID{ID: botStateID},
			Prefix:      cfg.DefaultPrefix,
			Status:      cfg.DefaultStatus,
		}
		if err = structValidator.Struct(state); err != nil {
			return nil, fmt.Errorf("invalid default bot state: %w", err)
		}
		if err = db.WithContext(ctx).Create(&state).Error; err != nil {
			return nil, fmt.Errorf("error creating bot state: %w", err)
		}
		return &state, nil
	default:
		return nil, fmt.Errorf("error loading bot state: %w", err)
	}
}

// SetAdminCredentials sets the admin API login, storing an Argon2id hash
// of the password
func SetAdminCredentials(ctx context.Context, db *gorm.DB, state *BotState, username, password string) error {
	if username == "" || password == "" {
		return errors.New("username and password are required")
	}
	hashed, err := HashPassword(password)
	if err != nil {
		return fmt.Errorf("error hashing password: %w", err)
	}
	err = db.WithContext(ctx).Model(state).Updates(
		map[string]any{
			columnBotStateAdminUsername: username,
			columnBotStateAdminPassword: hashed,
		},
	).Error
	if err != nil {
		return fmt.Errorf("error updating admin credentials: %w", err)
	}
	state.AdminUsername = username
	state.AdminPassword = hashed
	return nil
}

// SetPrefix persists a new default command prefix
func (b *Bot) SetPrefix(ctx context.Context, prefix string) error {
	return b.UpdateState(ctx, BotStateUpdate{Prefix: &prefix})
}

// SetStatus persists a new presence status and pushes it to the gateway
func (b *Bot) SetStatus(ctx context.Context, status string) error {
	return b.UpdateState(ctx, BotStateUpdate{Status: &status})
}

// UpdateState applies a partial update to the bot state, then notifies
// other instances sharing the database.
func (b *Bot) UpdateState(ctx context.Context, update BotStateUpdate) error {
	if err := update.validate(); err != nil {
		return err
	}

	b.stateMu.Lock()
	if b.state == nil {
		b.stateMu.Unlock()
		return errors.New("bot state not loaded")
	}
	values := map[string]any{}
	if update.Prefix != nil {
		values[columnBotStatePrefix] = *update.Prefix
	}
	if update.Status != nil {
		values[columnBotStateStatus] = *update.Status
	}
	if len(values) == 0 {
		b.stateMu.Unlock()
		return nil
	}
	if _, err := b.writeDB.Updates(ctx, b.state, values); err != nil {
		b.stateMu.Unlock()
		return fmt.Errorf("error updating bot state: %w", err)
	}
	if update.Prefix != nil {
		b.state.Prefix = *update.Prefix
	}
	if update.Status != nil {
		b.state.Status = *update.Status
	}
	state := *b.state
	b.stateMu.Unlock()

	b.logger.InfoContext(ctx, "updated bot state", "state", state)
	if update.Status != nil {
		b.updatePresence(ctx, state.Status)
	}
	if b.dbNotifier != nil {
		b.dbNotifier.BotStateUpdated(ctx)
	}
	return nil
}

// reloadState re-reads the bot state after another instance changed it
func (b *Bot) reloadState(ctx context.Context) {
	previous := b.State()
	if err := b.loadState(ctx); err != nil {
		b.logger.ErrorContext(ctx, "error reloading bot state", tint.Err(err))
		return
	}
	if current := b.State(); current.Status != previous.Status {
		b.updatePresence(ctx, current.Status)
	}
}

func (b *Bot) updatePresence(ctx context.Context, status string) {
	if b.discord == nil || b.discord.session == nil || !b.discord.connected.Load() {
		return
	}
	if err := b.discord.session.UpdateGameStatus(0, status); err != nil {
		b.logger.ErrorContext(ctx, "error updating presence", tint.Err(err))
	}
}
