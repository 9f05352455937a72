package olliebot

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPasswordHash(t *testing.T) {
	hash, err := HashPassword("carrots")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "$argon2id$v=19$m=65536,t=1,p=4$"))

	ok, err := VerifyPassword(hash, "carrots")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyPassword(hash, "hay")
	require.NoError(t, err)
	assert.False(t, ok)

	other, err := HashPassword("carrots")
	require.NoError(t, err)
	assert.NotEqual(t, hash, other, "salt should differ")

	invalid := []string{
		"",
		"plaintext",
		"$bcrypt$v=19$m=65536,t=1,p=4$c2FsdA$aGFzaA",
		"$argon2id$v=19$bogus$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=65536,t=1,p=4$!!!$aGFzaA",
		"$argon2id$v=19$m=65536,t=1,p=4$c2FsdA$!!!",
	}
	for _, h := range invalid {
		_, err = VerifyPassword(h, "carrots")
		assert.Error(t, err, h)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		input    string
		n        int
		expected string
	}{
		{input: "hello", n: 10, expected: "hello"},
		{input: "hello", n: 5, expected: "hello"},
		{input: "hello", n: 3, expected: "hel"},
		{input: "héllo", n: 2, expected: "hé"},
		{input: "🐰🐰🐰", n: 1, expected: "🐰"},
		{input: "", n: 0, expected: ""},
	}
	for _, tc := range tests {
		t.Run(
			tc.input, func(t *testing.T) {
				assert.Equal(t, tc.expected, truncate(tc.input, tc.n))
			},
		)
	}
}

type logInner struct {
	Count int `json:"count"`
}

type logOuter struct {
	Name     string    `json:"name,omitempty"`
	Secret   string    `json:"secret" log:"[redacted]"`
	Empty    string    `json:"empty"`
	NoTag    bool
	Inner    *logInner `json:"inner"`
	Missing  *logInner `json:"missing"`
	Tags     []string  `json:"tags"`
	internal string
}

func TestStructToSlogValue(t *testing.T) {
	v := structToSlogValue(
		&logOuter{
			Name:     "ollie",
			Secret:   "hunter2",
			NoTag:    true,
			Inner:    &logInner{Count: 3},
			internal: "hidden",
		},
	)
	require.Equal(t, slog.KindGroup, v.Kind())

	attrs := map[string]slog.Value{}
	for _, a := range v.Group() {
		attrs[a.Key] = a.Value
	}
	assert.Len(t, attrs, 4)
	assert.Equal(t, "ollie", attrs["name"].String())
	assert.Equal(t, "[redacted]", attrs["secret"].String())
	assert.True(t, attrs["NoTag"].Bool())
	require.Equal(t, slog.KindGroup, attrs["inner"].Kind())
	assert.Equal(t, int64(3), attrs["inner"].Group()[0].Value.Int64())

	assert.Equal(t, slog.KindAny, structToSlogValue(nil).Kind())
	assert.Nil(t, structToSlogValue((*logOuter)(nil)).Any())
	assert.Equal(t, "plain", structToSlogValue("plain").String())
}

func TestContextLogger(t *testing.T) {
	_, ok := ContextLogger(context.Background())
	assert.False(t, ok)
	assert.Same(t, slog.Default(), getLogger(context.Background()))

	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	ctx := WithLogger(context.Background(), logger)
	got, ok := ContextLogger(ctx)
	require.True(t, ok)
	assert.Same(t, logger, got)
	assert.Same(t, logger, getLogger(ctx))

	assert.Same(t, slog.Default(), getLogger(WithLogger(context.Background(), nil)))
}

func TestGenerateRandomHexString(t *testing.T) {
	s, err := generateRandomHexString(16)
	require.NoError(t, err)
	assert.Len(t, s, 16)
	assert.Regexp(t, "^[0-9a-f]+$", s)

	odd, err := generateRandomHexString(7)
	require.NoError(t, err)
	assert.Len(t, odd, 8)

	again, err := generateRandomHexString(16)
	require.NoError(t, err)
	assert.NotEqual(t, s, again)
}

func TestDerive64ByteKey(t *testing.T) {
	key := derive64ByteKey("secret")
	assert.Len(t, key, 64)
	assert.Equal(t, key, derive64ByteKey("secret"))
	assert.NotEqual(t, key, derive64ByteKey("other"))
}

func TestMessageLogAttrs(t *testing.T) {
	attrs := messageLogAttrs(newGuildMessage(testUserID, "hi"))
	assert.Contains(t, attrs, "guild_id")
	assert.Contains(t, attrs, testGuildID)
	assert.Contains(t, attrs, "author_id")

	dm := messageLogAttrs(&discordgo.Message{ID: "1", ChannelID: "2"})
	assert.Equal(t, []any{"message_id", "1", "channel_id", "2"}, dm)
}

func TestComponentLogger(t *testing.T) {
	buf := &bytes.Buffer{}
	handler := slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})

	level := &slog.LevelVar{}
	level.Set(slog.LevelWarn)
	logger := componentLogger(handler, "feeds", level)

	logger.Info("quiet")
	assert.Empty(t, buf.String())

	logger.With("x", 1).WithGroup("g").Warn("loud", "y", 2)
	out := buf.String()
	assert.Contains(t, out, "loud")
	assert.Contains(t, out, "logger=feeds")
	assert.Contains(t, out, "x=1")
	assert.Contains(t, out, "g.y=2")

	buf.Reset()
	level.Set(slog.LevelDebug)
	logger.Debug("now visible")
	assert.Contains(t, buf.String(), "now visible")

	buf.Reset()
	componentLogger(handler, "plain", nil).Debug("uses handler level")
	assert.Contains(t, buf.String(), "uses handler level")
}

func TestDiscordgoLoggerFunc(t *testing.T) {
	buf := &bytes.Buffer{}
	handler := slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logf := discordgoLoggerFunc(context.Background(), handler)

	logf(discordgo.LogWarning, 0, "heartbeat %s\nlate", "very")
	out := buf.String()
	assert.Contains(t, out, "level=WARN")
	assert.Contains(t, out, `msg="heartbeat verylate"`)
	assert.Contains(t, out, "logger=discordgo")

	buf.Reset()
	logf(99, 0, "unknown level")
	assert.Contains(t, buf.String(), "level=INFO")
}
