package olliebot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

const (
	testAdminUsername = "ollie"
	testAdminPassword = "carrots-and-hay"
)

// setTestAdmin stores admin API credentials in the bot state
func setTestAdmin(t testing.TB, bot *Bot) {
	t.Helper()
	bot.stateMu.Lock()
	defer bot.stateMu.Unlock()
	require.NoError(
		t,
		SetAdminCredentials(context.Background(), bot.db, bot.state, testAdminUsername, testAdminPassword),
	)
}

// apiRequest serves a request with the bot's API engine. body, when not
// nil, is sent as JSON.
func apiRequest(
	t testing.TB,
	bot *Bot,
	method string,
	path string,
	body any,
	cookies ...*http.Cookie,
) *http.Response {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	bot.api.engine.ServeHTTP(w, req)
	return w.Result()
}

func decodeResponse(t testing.TB, resp *http.Response, v any) {
	t.Helper()
	t.Cleanup(
		func() {
			if e := resp.Body.Close(); e != nil {
				t.Logf("error closing body: %s", e.Error())
			}
		},
	)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

// apiLogin logs in as the test admin and returns the session cookie
func apiLogin(t testing.TB, bot *Bot) *http.Cookie {
	t.Helper()
	resp := apiRequest(
		t,
		bot,
		http.MethodPost,
		apiPathLogin,
		userLogin{Username: testAdminUsername, Password: testAdminPassword},
	)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cookies := resp.Cookies()
	require.Len(t, cookies, 1)
	return cookies[0]
}

func TestAPILogin(t *testing.T) {
	bot, _ := newTestBot(t)
	bot.api.loginRequestLimiter = rate.NewLimiter(rate.Every(time.Hour), 3)

	resp := apiRequest(
		t,
		bot,
		http.MethodPost,
		apiPathLogin,
		userLogin{Username: testAdminUsername, Password: testAdminPassword},
	)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "no admin credentials set")

	setTestAdmin(t, bot)
	resp = apiRequest(
		t,
		bot,
		http.MethodPost,
		apiPathLogin,
		userLogin{Username: testAdminUsername, Password: "wrong"},
	)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	cookie := apiLogin(t, bot)
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, int(bot.config.API.SessionMaxAge.Seconds()), cookie.MaxAge)

	resp = apiRequest(t, bot, http.MethodGet, apiPrefix+apiPathLoggedIn, nil, cookie)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var loggedIn loggedInResponse
	decodeResponse(t, resp, &loggedIn)
	assert.Equal(t, testAdminUsername, loggedIn.Username)
	assert.NotEmpty(t, resp.Header.Get(xRequestIDHeader))

	// the limiter allows a burst of three attempts
	resp = apiRequest(
		t,
		bot,
		http.MethodPost,
		apiPathLogin,
		userLogin{Username: testAdminUsername, Password: testAdminPassword},
	)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	resp = apiRequest(t, bot, http.MethodPost, apiPathLogout, nil, cookie)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var cleared *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == sessionVarName {
			cleared = c
		}
	}
	require.NotNil(t, cleared)
	assert.Less(t, cleared.MaxAge, 0)
}

func TestAPIBadLogin(t *testing.T) {
	bot, _ := newTestBot(t)
	setTestAdmin(t, bot)

	resp := apiRequest(t, bot, http.MethodPost, apiPathLogin, map[string]string{"username": testAdminUsername})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = apiRequest(
		t,
		bot,
		http.MethodPost,
		apiPathLogin,
		userLogin{Username: "someone", Password: testAdminPassword},
	)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAPINotLoggedIn(t *testing.T) {
	bot, _ := newTestBot(t)
	paths := []struct {
		method string
		path   string
	}{
		{http.MethodGet, apiPrefix + apiPathLoggedIn},
		{http.MethodGet, apiPrefix + apiPathBot},
		{http.MethodPatch, apiPrefix + apiPathBot},
		{http.MethodGet, apiPrefix + apiPathGuilds},
		{http.MethodGet, apiPrefix + "/guilds/" + testGuildID},
		{http.MethodPost, apiPrefix + apiPathQuit},
	}
	for _, p := range paths {
		t.Run(
			p.method+" "+p.path, func(t *testing.T) {
				resp := apiRequest(t, bot, p.method, p.path, nil)
				assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			},
		)
	}
}

func TestAPIHealthCheck(t *testing.T) {
	bot, _ := newTestBot(t)
	testGuild(t, bot)
	bot.startedAt = time.Now().Add(-time.Hour)

	resp := apiRequest(t, bot, http.MethodGet, apiPathHealthCheck, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health healthCheckResponse
	decodeResponse(t, resp, &health)
	assert.False(t, health.DiscordGatewayConnected)
	assert.Equal(t, 1, health.Guilds)
	assert.GreaterOrEqual(t, health.Uptime, time.Hour)
}

func TestAPIProfiler(t *testing.T) {
	bot, _ := newTestBot(t)
	resp := apiRequest(t, bot, http.MethodGet, "/debug/pprof/cmdline", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cfg := *bot.config.API
	cfg.Development = false
	api, err := newAPI(bot, &cfg)
	require.NoError(t, err)
	bot.api = api
	resp = apiRequest(t, bot, http.MethodGet, "/debug/pprof/cmdline", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPIBotState(t *testing.T) {
	bot, _ := newTestBot(t)
	setTestAdmin(t, bot)
	cookie := apiLogin(t, bot)

	resp := apiRequest(t, bot, http.MethodGet, apiPrefix+apiPathBot, nil, cookie)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var state BotState
	decodeResponse(t, resp, &state)
	assert.Equal(t, ".", state.Prefix)
	assert.Equal(t, testAdminUsername, state.AdminUsername)
	assert.Empty(t, state.AdminPassword)

	prefix := "?"
	status := "hopping around"
	resp = apiRequest(
		t,
		bot,
		http.MethodPatch,
		apiPrefix+apiPathBot,
		BotStateUpdate{Prefix: &prefix, Status: &status},
		cookie,
	)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeResponse(t, resp, &state)
	assert.Equal(t, "?", state.Prefix)
	assert.Equal(t, "hopping around", state.Status)
	assert.Equal(t, "?", bot.State().Prefix)

	badUpdates := []map[string]any{
		{"prefix": "toolong"},
		{"prefix": ""},
		{"prefix": "a b"},
		{"status": string(bytes.Repeat([]byte("a"), 129))},
	}
	for _, update := range badUpdates {
		t.Run(
			fmt.Sprintf("%v", update), func(t *testing.T) {
				resp := apiRequest(t, bot, http.MethodPatch, apiPrefix+apiPathBot, update, cookie)
				assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			},
		)
	}
	assert.Equal(t, "?", bot.State().Prefix)
	assert.Equal(t, "hopping around", bot.State().Status)
}

func TestAPIGuilds(t *testing.T) {
	bot, _ := newTestBot(t)
	setTestAdmin(t, bot)
	cookie := apiLogin(t, bot)
	ctx := context.Background()

	rec := testGuild(t, bot)
	require.NoError(t, rec.AddModRole(ctx, testModRoleID))
	require.NoError(t, rec.Responses().AddTextCommand(ctx, "rules", "be nice"))
	guildPath := apiPrefix + "/guilds/" + testGuildID

	resp := apiRequest(t, bot, http.MethodGet, apiPrefix+apiPathGuilds, nil, cookie)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var guilds []Guild
	decodeResponse(t, resp, &guilds)
	require.Len(t, guilds, 1)
	assert.Equal(t, testGuildID, guilds[0].ID)

	resp = apiRequest(t, bot, http.MethodGet, guildPath, nil, cookie)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var guild guildResponse
	decodeResponse(t, resp, &guild)
	assert.Equal(t, testChannelID, guild.JoinChannel)
	assert.Equal(t, []string{testModRoleID}, guild.ModRoles)
	require.Len(t, guild.Responses, 1)
	assert.Equal(t, "rules", guild.Responses[0].Name)

	resp = apiRequest(t, bot, http.MethodGet, apiPrefix+"/guilds/1", nil, cookie)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	t.Run(
		"update", func(t *testing.T) {
			prefix := "ob!"
			joinMessage := "Welcome {member}!"
			audit := testAuditID
			resp := apiRequest(
				t,
				bot,
				http.MethodPatch,
				guildPath,
				GuildUpdate{Prefix: &prefix, JoinMessage: &joinMessage, AuditChannel: &audit},
				cookie,
			)
			require.Equal(t, http.StatusOK, resp.StatusCode)
			var updated guildResponse
			decodeResponse(t, resp, &updated)
			assert.Equal(t, "ob!", updated.Prefix)
			assert.Equal(t, joinMessage, updated.JoinMessage)
			assert.Equal(t, testAuditID, updated.AuditChannel)
			assert.Equal(t, testChannelID, updated.JoinChannel)

			settings := rec.Settings()
			assert.Equal(t, "ob!", settings.Prefix)
			assert.Equal(t, testAuditID, settings.AuditChannel)

			empty := ""
			resp = apiRequest(t, bot, http.MethodPatch, guildPath, GuildUpdate{JoinChannel: &empty}, cookie)
			require.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Empty(t, rec.Settings().JoinChannel)
		},
	)

	t.Run(
		"bad update", func(t *testing.T) {
			notAnID := "general"
			tooLong := "abcdef"
			updates := []GuildUpdate{
				{JoinChannel: &notAnID},
				{DefaultRole: &notAnID},
				{Prefix: &tooLong},
			}
			for _, update := range updates {
				resp := apiRequest(t, bot, http.MethodPatch, guildPath, update, cookie)
				assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			}
			resp := apiRequest(t, bot, http.MethodPatch, apiPrefix+"/guilds/1", GuildUpdate{}, cookie)
			assert.Equal(t, http.StatusNotFound, resp.StatusCode)
			assert.Equal(t, "ob!", rec.Settings().Prefix)
		},
	)

	t.Run(
		"reload", func(t *testing.T) {
			require.NoError(
				t,
				bot.db.Model(&Guild{}).Where("id = ?", testGuildID).Update("leave_message", "Bye {name}").Error,
			)
			resp := apiRequest(t, bot, http.MethodPost, guildPath+"/reload", nil, cookie)
			require.Equal(t, http.StatusOK, resp.StatusCode)
			var reloaded guildResponse
			decodeResponse(t, resp, &reloaded)
			assert.Equal(t, "Bye {name}", reloaded.LeaveMessage)

			current, ok := bot.guilds.Get(testGuildID)
			require.True(t, ok)
			assert.Equal(t, "Bye {name}", current.Settings().LeaveMessage)

			resp = apiRequest(t, bot, http.MethodPost, apiPrefix+"/guilds/1/reload", nil, cookie)
			assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		},
	)
}

func TestAPIQuit(t *testing.T) {
	bot, _ := newTestBot(t)
	setTestAdmin(t, bot)
	cookie := apiLogin(t, bot)

	resp := apiRequest(t, bot, http.MethodPost, apiPrefix+apiPathQuit, nil, cookie)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var reply httpReply
	decodeResponse(t, resp, &reply)
	assert.Equal(t, "quitting", reply.Message)
	assert.Equal(t, exitCodeSleep, bot.ExitCode())

	select {
	case <-bot.signalStop:
	case <-time.After(time.Second):
		t.Fatal("expected a stop signal")
	}
}

func TestGuildUpdateValidate(t *testing.T) {
	s := func(v string) *string { return &v }
	tests := []struct {
		name    string
		update  GuildUpdate
		wantErr bool
	}{
		{name: "empty", update: GuildUpdate{}},
		{name: "clear channel", update: GuildUpdate{JoinChannel: s("")}},
		{name: "channel id", update: GuildUpdate{LeaveChannel: s(testChannelID)}},
		{name: "prefix", update: GuildUpdate{Prefix: s("!")}},
		{name: "message", update: GuildUpdate{JoinMessage: s("hi {member}")}},
		{name: "channel name", update: GuildUpdate{MusicChannel: s("music")}, wantErr: true},
		{name: "role name", update: GuildUpdate{DefaultRole: s("Members")}, wantErr: true},
		{name: "prefix with space", update: GuildUpdate{Prefix: s("o b")}, wantErr: true},
		{name: "long prefix", update: GuildUpdate{Prefix: s("ollie!")}, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				err := tc.update.validate()
				if tc.wantErr {
					assert.Error(t, err)
				} else {
					assert.NoError(t, err)
				}
			},
		)
	}
}
