package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeEnvFile writes content to a temporary env file, and unsets
// whatever it loads into the environment when the test ends
func writeEnvFile(t testing.TB, content string) string {
	t.Helper()
	envFile := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(envFile, []byte(content), 0o600))

	vars, err := godotenv.Read(envFile)
	require.NoError(t, err)
	for k := range vars {
		_, alreadySet := os.LookupEnv(k)
		require.Falsef(t, alreadySet, "%s is already set in the environment", k)
	}
	t.Cleanup(
		func() {
			for k := range vars {
				_ = os.Unsetenv(k)
			}
		},
	)
	return envFile
}

func TestLoadConfigFromEnvFile(t *testing.T) {
	envFile := writeEnvFile(
		t, `
# General/database config

OB_DATABASE=/home/foo/olliebot.sqlite3
OB_DATABASE_TYPE=sqlite
OB_DATABASE_LOG_LEVEL=WARN
OB_DATABASE_SLOW_THRESHOLD=250ms
OB_LOG_LEVEL=DEBUG
OB_STARTUP_TIMEOUT=30s
OB_SHUTDOWN_TIMEOUT=60s

# Discord bot config

OB_DISCORD_TOKEN=your-discord-bot-token
OB_DISCORD_OWNER_ID=123456789012345678
OB_DISCORD_DEFAULT_PREFIX=!
OB_DISCORD_DEFAULT_STATUS="with yarn"
OB_DISCORD_LOG_LEVEL=WARN
OB_DISCORD_DISCORDGO_LOG_LEVEL=ERROR
OB_DISCORD_GATEWAY_INTENTS=3243773
OB_DISCORD_VOTE_CHANNELS=111 222
OB_DISCORD_MENU_TIMEOUT=20s

# YouTube feeds

OB_YOUTUBE_API_KEY=your-youtube-key
OB_YOUTUBE_POLL_INTERVAL=10m
OB_YOUTUBE_FEEDS_MAX=5
OB_YOUTUBE_MAX_CONCURRENT=2

OB_BIRTHDAYS_CHECK_INTERVAL=1h

# API server

OB_API_ENABLED=true
OB_API_LISTEN=127.0.0.1:5050
OB_API_SSL_CERT=/etc/ssl/cert.pem
OB_API_SSL_KEY=/etc/ssl/key.pem
OB_API_SSL_TLS_MIN_VERSION=772
OB_API_SECRET=your-api-secret
OB_API_LOG_LEVEL=DEBUG
OB_API_CORS_ALLOW_ORIGINS=https://127.0.0.1:5000 https://localhost:5000
OB_API_CORS_ALLOW_METHODS=GET POST PUT PATCH OPTIONS
OB_API_SESSION_MAX_AGE=2h
`,
	)

	rootCmd.SetArgs([]string{fmt.Sprintf("--config=%s", envFile), "version"})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, "/home/foo/olliebot.sqlite3", viper.GetString("database"))
	assert.Equal(t, "sqlite", viper.GetString("database_type"))
	assert.Equal(t, 250*time.Millisecond, viper.GetDuration("database_slow_threshold"))
	assert.Equal(t, []string{"111", "222"}, viper.GetStringSlice("discord.vote_channels"))
	assert.Equal(t, 772, viper.GetInt("api.ssl.tls_min_version"))

	assert.Equal(t, "/home/foo/olliebot.sqlite3", cfg.Database)
	assert.Equal(t, "sqlite", cfg.DatabaseType)
	assert.Equal(t, slog.LevelWarn, cfg.DatabaseLogLevel.Level())
	assert.Equal(t, 250*time.Millisecond, cfg.DatabaseSlowThreshold)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel.Level())
	assert.Equal(t, 30*time.Second, cfg.StartupTimeout)
	assert.Equal(t, 60*time.Second, cfg.ShutdownTimeout)

	assert.Equal(t, "your-discord-bot-token", cfg.Discord.Token)
	assert.Equal(t, "123456789012345678", cfg.Discord.OwnerID)
	assert.Equal(t, "!", cfg.Discord.DefaultPrefix)
	assert.Equal(t, "with yarn", cfg.Discord.DefaultStatus)
	assert.Equal(t, slog.LevelWarn, cfg.Discord.LogLevel.Level())
	assert.Equal(t, slog.LevelError, cfg.Discord.DiscordGoLogLevel.Level())
	assert.Equal(t, discordgo.Intent(3243773), cfg.Discord.GatewayIntents)
	assert.Equal(t, []string{"111", "222"}, cfg.Discord.VoteChannels)
	assert.Equal(t, 20*time.Second, cfg.Discord.MenuTimeout)

	assert.Equal(t, "your-youtube-key", cfg.YouTube.APIKey)
	assert.Equal(t, 10*time.Minute, cfg.YouTube.PollInterval)
	assert.Equal(t, 5, cfg.YouTube.FeedsMax)
	assert.Equal(t, 2, cfg.YouTube.MaxConcurrent)
	assert.Equal(t, time.Hour, cfg.Birthdays.CheckInterval)

	assert.True(t, cfg.API.Enabled)
	assert.Equal(t, "127.0.0.1:5050", cfg.API.Listen)
	assert.Equal(t, "/etc/ssl/cert.pem", cfg.API.SSL.Cert)
	assert.Equal(t, "/etc/ssl/key.pem", cfg.API.SSL.Key)
	assert.Equal(t, uint16(772), cfg.API.SSL.TLSMinVersion)
	assert.Equal(t, "your-api-secret", cfg.API.Secret)
	assert.Equal(t, slog.LevelDebug, cfg.API.LogLevel.Level())
	assert.Equal(t, 2*time.Hour, cfg.API.SessionMaxAge)
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5000", "https://localhost:5000"},
		cfg.API.CORS.AllowOrigins,
	)
	assert.Equal(t, []string{"GET", "POST", "PUT", "PATCH", "OPTIONS"}, cfg.API.CORS.AllowMethods)
}

func TestLevelToStringHookFunc(t *testing.T) {
	type levels struct {
		Level *slog.LevelVar `mapstructure:"level"`
	}

	tests := []struct {
		input    string
		expected slog.Level
		wantErr  bool
	}{
		{input: "DEBUG", expected: slog.LevelDebug},
		{input: "info", expected: slog.LevelInfo},
		{input: "WARN", expected: slog.LevelWarn},
		{input: "ERROR", expected: slog.LevelError},
		{input: "loud", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(
			tc.input, func(t *testing.T) {
				var out levels
				decoder, err := mapstructure.NewDecoder(
					&mapstructure.DecoderConfig{
						DecodeHook: LevelToStringHookFunc(),
						Result:     &out,
					},
				)
				require.NoError(t, err)

				err = decoder.Decode(map[string]any{"level": tc.input})
				if tc.wantErr {
					assert.Error(t, err)
					return
				}
				require.NoError(t, err)
				require.NotNil(t, out.Level)
				assert.Equal(t, tc.expected, out.Level.Level())

				// a field that already holds a level is updated in place
				existing := &slog.LevelVar{}
				existing.Set(slog.LevelError + 4)
				prefilled := levels{Level: existing}
				decoder, err = mapstructure.NewDecoder(
					&mapstructure.DecoderConfig{
						DecodeHook: LevelToStringHookFunc(),
						Result:     &prefilled,
					},
				)
				require.NoError(t, err)
				require.NoError(t, decoder.Decode(map[string]any{"level": tc.input}))
				assert.Same(t, existing, prefilled.Level)
				assert.Equal(t, tc.expected, existing.Level())
			},
		)
	}
}

func TestLogLevelFromEnv(t *testing.T) {
	t.Setenv("OB_LOG_LEVEL", "DEBUG")
	t.Setenv("OB_API_LOG_LEVEL", "ERROR")

	rootCmd.SetArgs([]string{"--config=", "version"})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, slog.LevelDebug, cfg.LogLevel.Level())
	assert.Equal(t, slog.LevelError, cfg.API.LogLevel.Level())
}
