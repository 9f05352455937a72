package cmd

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sierra-m/olliebot/olliebot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func TestInitCommand(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	t.Setenv("OB_DATABASE_TYPE", "sqlite")
	t.Setenv("OB_DATABASE", dbPath)

	passwords := []string{"mismatch", "testpassword", "testpassword", "testpassword"}
	passwordIndex := 0
	customPasswordReader = func() ([]byte, error) {
		if passwordIndex >= len(passwords) {
			return nil, errors.New("no more passwords")
		}
		password := passwords[passwordIndex]
		passwordIndex++
		return []byte(password), nil
	}
	t.Cleanup(func() { customPasswordReader = nil })

	currentOut := rootCmd.OutOrStdout()
	currentErr := rootCmd.ErrOrStderr()
	t.Cleanup(
		func() {
			rootCmd.SetOut(currentOut)
			rootCmd.SetErr(currentErr)
			rootCmd.SetIn(nil)
		},
	)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader("testadmin\n"))

	rootCmd.SetArgs([]string{"init"})
	require.NoError(t, rootCmd.Execute())

	output := out.String()
	t.Logf("output: %s", output)
	assert.Contains(t, output, "Admin credentials are not set. Let's set them up.")
	assert.Contains(t, output, "Enter admin username:")
	assert.Contains(t, output, "Passwords are empty or do not match")
	assert.Contains(t, output, "Admin credentials set successfully")
	assert.Contains(t, output, "Initialization complete")

	db, err := gorm.Open(sqlite.Open(dbPath))
	require.NoError(t, err)
	t.Cleanup(
		func() {
			if sqlDB, _ := db.DB(); sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)

	var state olliebot.BotState
	require.NoError(t, db.First(&state).Error)
	assert.Equal(t, "testadmin", state.AdminUsername)
	assert.NotEqual(t, "testpassword", state.AdminPassword)
	assert.Equal(t, olliebot.DefaultCommandPrefix, state.Prefix)

	mg := db.Migrator()
	assert.True(t, mg.HasTable(&olliebot.Guild{}))
	assert.True(t, mg.HasTable(&olliebot.Response{}))
	assert.True(t, mg.HasTable(&olliebot.Birthday{}))
	assert.True(t, mg.HasTable(&olliebot.YouTubeFeed{}))
	assert.True(t, mg.HasTable(&olliebot.ReactionImage{}))

	valid, err := olliebot.VerifyPassword(state.AdminPassword, "testpassword")
	require.NoError(t, err)
	assert.True(t, valid)
}
