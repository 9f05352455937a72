package olliebot

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGuildStore(t testing.TB) (*GuildStore, *Bot) {
	t.Helper()
	bot, _ := newTestBot(t)
	store := NewGuildStore(bot.writeDB, 3, nil)
	require.NoError(t, store.Load(context.Background()))
	return store, bot
}

func requireExistenceError(t testing.TB, err error, exists bool) {
	t.Helper()
	var existenceErr *ExistenceError
	require.ErrorAs(t, err, &existenceErr)
	assert.Equal(t, exists, existenceErr.Exists)
}

func TestGuildStoreRegister(t *testing.T) {
	store, bot := newTestGuildStore(t)
	ctx := context.Background()

	rec, created, err := store.Register(ctx, testGuildID, testChannelID)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, testGuildID, rec.ID())
	assert.Equal(t, testChannelID, rec.Settings().JoinChannel)
	assert.NotNil(t, rec.Responses())
	assert.NotNil(t, rec.Birthdays())
	assert.NotNil(t, rec.Feeds())
	assert.Equal(t, 3, rec.Feeds().Max())

	again, created, err := store.Register(ctx, testGuildID, "ignored")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, rec, again)

	// a second store finds the existing row instead of creating one
	other := NewGuildStore(bot.writeDB, 3, nil)
	found, created, err := other.Register(ctx, testGuildID, "ignored")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, testChannelID, found.Settings().JoinChannel)

	_, _, err = store.Register(ctx, "100000000000000050", "")
	require.NoError(t, err)
	assert.Equal(t, []string{testGuildID, "100000000000000050"}, store.IDs())
	assert.Equal(t, 2, store.Len())

	all := store.All()
	require.Len(t, all, 2)
	assert.Equal(t, testGuildID, all[0].ID())
}

func TestGuildStoreRegisterSoftDeleted(t *testing.T) {
	store, bot := newTestGuildStore(t)
	ctx := context.Background()

	_, _, err := store.Register(ctx, testGuildID, testChannelID)
	require.NoError(t, err)
	require.NoError(t, bot.db.Delete(&Guild{ID: testGuildID}).Error)

	fresh := NewGuildStore(bot.writeDB, 3, nil)
	require.NoError(t, fresh.Load(ctx))
	assert.Equal(t, 0, fresh.Len())

	rec, created, err := fresh.Register(ctx, testGuildID, "ignored")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, testChannelID, rec.Settings().JoinChannel)

	reloaded := NewGuildStore(bot.writeDB, 3, nil)
	require.NoError(t, reloaded.Load(ctx))
	assert.Equal(t, 1, reloaded.Len())
}

func TestGuildRecordPersistence(t *testing.T) {
	store, bot := newTestGuildStore(t)
	ctx := context.Background()

	rec, _, err := store.Register(ctx, testGuildID, testChannelID)
	require.NoError(t, err)

	require.NoError(t, rec.SetPrefix(ctx, "!"))
	require.NoError(t, rec.SetJoinChannel(ctx, testAuditID))
	require.NoError(t, rec.SetJoinMessage(ctx, "hi {member}"))
	require.NoError(t, rec.SetLeaveChannel(ctx, testChannelID))
	require.NoError(t, rec.SetLeaveMessage(ctx, "bye {name}"))
	require.NoError(t, rec.SetMusicChannel(ctx, "100000000000000004"))
	require.NoError(t, rec.SetDefaultRole(ctx, testPlainRole))
	require.NoError(t, rec.SetAuditChannel(ctx, testAuditID))
	require.NoError(t, rec.AddModRole(ctx, testModRoleID))
	require.NoError(t, rec.AddModRole(ctx, testAdminRole))
	require.NoError(t, rec.AddBlockedCommand(ctx, "hug"))
	require.NoError(t, rec.AddRateLimit(ctx, "pat", 10))

	fresh := NewGuildStore(bot.writeDB, 3, nil)
	require.NoError(t, fresh.Load(ctx))
	loaded, ok := fresh.Get(testGuildID)
	require.True(t, ok)

	settings := loaded.Settings()
	assert.Equal(t, "!", settings.Prefix)
	assert.Equal(t, testAuditID, settings.JoinChannel)
	assert.Equal(t, "hi {member}", settings.JoinMessage)
	assert.Equal(t, testChannelID, settings.LeaveChannel)
	assert.Equal(t, "bye {name}", settings.LeaveMessage)
	assert.Equal(t, "100000000000000004", settings.MusicChannel)
	assert.Equal(t, testPlainRole, settings.DefaultRole)
	assert.Equal(t, testAuditID, settings.AuditChannel)

	assert.ElementsMatch(t, []string{testModRoleID, testAdminRole}, loaded.ModRoles())
	assert.Equal(t, []string{"hug"}, loaded.BlockedCommands())
	assert.Equal(t, map[string]int{"pat": 10}, loaded.RateLimits())
	assert.True(t, loaded.IsBlocked("hug"))
	assert.True(t, loaded.RateLimited("pat"))
	assert.False(t, loaded.RateLimited("hug"))
}

func TestGuildRecordLists(t *testing.T) {
	store, bot := newTestGuildStore(t)
	ctx := context.Background()
	rec, _, err := store.Register(ctx, testGuildID, "")
	require.NoError(t, err)

	t.Run(
		"mod roles", func(t *testing.T) {
			require.NoError(t, rec.AddModRole(ctx, testModRoleID))
			assert.True(t, rec.HasModRole(testModRoleID))
			requireExistenceError(t, rec.AddModRole(ctx, testModRoleID), true)

			require.NoError(t, rec.RemoveModRole(ctx, testModRoleID))
			assert.False(t, rec.HasModRole(testModRoleID))
			requireExistenceError(t, rec.RemoveModRole(ctx, testModRoleID), false)
		},
	)

	t.Run(
		"blocked commands", func(t *testing.T) {
			require.NoError(t, rec.AddBlockedCommand(ctx, "hug"))
			requireExistenceError(t, rec.AddBlockedCommand(ctx, "hug"), true)
			require.NoError(t, rec.RemoveBlockedCommand(ctx, "hug"))
			assert.False(t, rec.IsBlocked("hug"))
			requireExistenceError(t, rec.RemoveBlockedCommand(ctx, "hug"), false)
		},
	)

	t.Run(
		"rate limits", func(t *testing.T) {
			err := rec.AddRateLimit(ctx, "hug", 0)
			require.Error(t, err)
			var existenceErr *ExistenceError
			assert.False(t, errors.As(err, &existenceErr))

			require.NoError(t, rec.AddRateLimit(ctx, "hug", 1))
			requireExistenceError(t, rec.AddRateLimit(ctx, "hug", 5), true)

			require.NoError(t, rec.RemoveRateLimit(ctx, "hug"))
			assert.False(t, rec.RateLimited("hug"))
			requireExistenceError(t, rec.RemoveRateLimit(ctx, "hug"), false)

			var count int64
			require.NoError(
				t,
				bot.db.Model(&GuildRateLimit{}).Where("guild_id = ?", testGuildID).Count(&count).Error,
			)
			assert.Equal(t, int64(0), count)
		},
	)
}

func TestGuildRecordAllowCommand(t *testing.T) {
	store, _ := newTestGuildStore(t)
	ctx := context.Background()
	rec, _, err := store.Register(ctx, testGuildID, "")
	require.NoError(t, err)

	assert.True(t, rec.AllowCommand("hug", testUserID))
	assert.True(t, rec.AllowCommand("hug", testUserID))

	require.NoError(t, rec.AddRateLimit(ctx, "hug", 60))
	assert.True(t, rec.AllowCommand("hug", testUserID))
	assert.False(t, rec.AllowCommand("hug", testUserID))
	assert.True(t, rec.AllowCommand("hug", testModID))
	assert.True(t, rec.AllowCommand("pat", testUserID))
}

func TestGuildStoreReload(t *testing.T) {
	store, bot := newTestGuildStore(t)
	ctx := context.Background()
	rec, _, err := store.Register(ctx, testGuildID, "")
	require.NoError(t, err)

	require.NoError(
		t,
		bot.db.Model(&Guild{}).Where("id = ?", testGuildID).Update("prefix", "?").Error,
	)
	require.NoError(t, bot.db.Create(&GuildModRole{GuildID: testGuildID, RoleID: testModRoleID}).Error)
	assert.Empty(t, rec.Settings().Prefix)

	reloaded, err := store.Reload(ctx, testGuildID)
	require.NoError(t, err)
	assert.Equal(t, "?", reloaded.Settings().Prefix)
	assert.True(t, reloaded.HasModRole(testModRoleID))

	current, ok := store.Get(testGuildID)
	require.True(t, ok)
	assert.Same(t, reloaded, current)

	_, err = store.Reload(ctx, "100000000000000099")
	assert.Error(t, err)
}

func TestExistenceError(t *testing.T) {
	assert.Equal(t, `mod role "1" already exists`, alreadyExists("mod role", "1").Error())
	assert.Equal(t, `rate limit "hug" does not exist`, doesNotExist("rate limit", "hug").Error())
}
