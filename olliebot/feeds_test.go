package olliebot

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"
)

// stubYouTube is an in-memory YouTubeAPI. Channels are keyed by ID, and
// lookups by username, handle or video map to a channel ID.
type stubYouTube struct {
	mu        sync.Mutex
	channels  map[string]YouTubeChannel
	usernames map[string]string
	handles   map[string]string
	videos    map[string]string
	latest    map[string]string
	failing   map[string]bool
	calls     []string
}

func newStubYouTube() *stubYouTube {
	return &stubYouTube{
		channels:  map[string]YouTubeChannel{},
		usernames: map[string]string{},
		handles:   map[string]string{},
		videos:    map[string]string{},
		latest:    map[string]string{},
		failing:   map[string]bool{},
	}
}

func (s *stubYouTube) addChannel(id, title string) YouTubeChannel {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := YouTubeChannel{ID: id, Title: title}
	s.channels[id] = ch
	return ch
}

func (s *stubYouTube) setLatest(channelID, videoID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest[channelID] = videoID
}

func (s *stubYouTube) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *stubYouTube) lookup(call, id string) (YouTubeChannel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call+":"+id)
	ch, ok := s.channels[id]
	if !ok {
		return YouTubeChannel{}, ErrChannelNotFound
	}
	return ch, nil
}

func (s *stubYouTube) ChannelByID(_ context.Context, id string) (YouTubeChannel, error) {
	return s.lookup("id", id)
}

func (s *stubYouTube) ChannelByUsername(_ context.Context, username string) (YouTubeChannel, error) {
	s.mu.Lock()
	id := s.usernames[username]
	s.mu.Unlock()
	ch, err := s.lookup("username", id)
	if err != nil {
		return ch, fmt.Errorf("username %s: %w", username, err)
	}
	return ch, nil
}

func (s *stubYouTube) ChannelByVideo(_ context.Context, videoID string) (YouTubeChannel, error) {
	s.mu.Lock()
	id := s.videos[videoID]
	s.mu.Unlock()
	return s.lookup("video", id)
}

func (s *stubYouTube) ChannelByHandle(_ context.Context, handle string) (YouTubeChannel, error) {
	s.mu.Lock()
	id := s.handles[handle]
	s.mu.Unlock()
	return s.lookup("handle", id)
}

func (s *stubYouTube) LatestVideo(_ context.Context, channelID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "latest:"+channelID)
	if s.failing[channelID] {
		return "", errors.New("quota exceeded")
	}
	return s.latest[channelID], nil
}

func TestFeedLibrary(t *testing.T) {
	bot, _ := newTestBot(t)
	ctx := context.Background()
	lib, err := loadFeedLibrary(ctx, bot.writeDB, testGuildID, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, lib.Max())

	ollie := YouTubeChannel{ID: "UCollie", Title: "Ollie Clips"}
	bunny := YouTubeChannel{ID: "UCbunny", Title: "Bunny TV"}

	require.NoError(t, lib.Add(ctx, ollie, testChannelID, "vid1"))
	require.NoError(t, lib.Add(ctx, bunny, testAuditID, ""))
	requireExistenceError(t, lib.Add(ctx, ollie, testAuditID, "vid2"), true)
	assert.ErrorIs(t, lib.Add(ctx, YouTubeChannel{ID: "UCmore", Title: "More"}, testChannelID, ""), ErrFeedLimit)
	assert.Equal(t, 2, lib.Len())

	feed, ok := lib.Get("UCbunny")
	require.True(t, ok)
	assert.Equal(t, noVideoID, feed.LastVideoID)
	assert.Equal(t, testAuditID, feed.DiscordChannelID)

	feed, ok = lib.GetByTitle("ollie clips")
	require.True(t, ok)
	assert.Equal(t, "UCollie", feed.YouTubeChannelID)
	_, ok = lib.GetByTitle("nobody")
	assert.False(t, ok)

	assert.Equal(
		t,
		[]string{
			"Channel: **Ollie Clips**, Location: <#" + testChannelID + ">",
			"Channel: **Bunny TV**, Location: <#" + testAuditID + ">",
		},
		lib.Strings(),
	)

	require.NoError(t, lib.UpdateVideo(ctx, "UCbunny", "vid9"))
	requireExistenceError(t, lib.UpdateVideo(ctx, "UCmissing", "vid9"), false)

	loaded, err := loadFeedLibrary(ctx, bot.writeDB, testGuildID, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.Len())
	feed, ok = loaded.Get("UCbunny")
	require.True(t, ok)
	assert.Equal(t, "vid9", feed.LastVideoID)
	feed, ok = loaded.Get("UCollie")
	require.True(t, ok)
	assert.Equal(t, "vid1", feed.LastVideoID)

	require.NoError(t, lib.Remove(ctx, "UCollie"))
	requireExistenceError(t, lib.Remove(ctx, "UCollie"), false)
	require.NoError(t, lib.Add(ctx, YouTubeChannel{ID: "UCmore", Title: "More"}, testChannelID, ""))

	loaded, err = loadFeedLibrary(ctx, bot.writeDB, testGuildID, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.Len())
	_, ok = loaded.Get("UCollie")
	assert.False(t, ok)
}

func TestFeedPoller(t *testing.T) {
	bot, session := newTestBot(t)
	ctx := context.Background()
	yt := newStubYouTube()
	bot.youtube = yt

	lib := testGuild(t, bot).Feeds()
	require.NoError(t, lib.Add(ctx, yt.addChannel("UCnew", "New Uploads"), testChannelID, "old"))
	require.NoError(t, lib.Add(ctx, yt.addChannel("UCempty", "Empty"), testAuditID, ""))
	require.NoError(t, lib.Add(ctx, yt.addChannel("UCbroken", "Broken"), testChannelID, "x"))
	yt.failing["UCbroken"] = true

	p := newFeedPoller(bot)
	p.maxConcurrent = 2

	yt.setLatest("UCnew", "old")
	assert.Equal(t, 0, p.poll(ctx))
	assert.Empty(t, session.Sent())

	yt.setLatest("UCnew", "fresh")
	yt.setLatest("UCempty", "first")
	assert.Equal(t, 1, p.poll(ctx))
	sent := session.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, testChannelID, sent[0].ChannelID)
	assert.Equal(t, "https://www.youtube.com/watch?v=fresh", sent[0].Content)

	// the first video of an empty channel was recorded without posting
	feed, _ := lib.Get("UCempty")
	assert.Equal(t, "first", feed.LastVideoID)
	feed, _ = lib.Get("UCnew")
	assert.Equal(t, "fresh", feed.LastVideoID)

	yt.setLatest("UCempty", "second")
	assert.Equal(t, 1, p.poll(ctx))
	assert.Equal(t, "https://www.youtube.com/watch?v=second", session.LastSent(t).Content)
	assert.Equal(t, testAuditID, session.LastSent(t).ChannelID)

	t.Run(
		"canceled context", func(t *testing.T) {
			canceled, cancel := context.WithCancel(ctx)
			cancel()
			before := len(yt.Calls())
			yt.setLatest("UCnew", "newer")
			assert.Equal(t, 0, p.poll(canceled))
			assert.Len(t, yt.Calls(), before)
		},
	)
}

func TestResolveYouTubeChannel(t *testing.T) {
	ctx := context.Background()
	yt := newStubYouTube()
	ch := yt.addChannel("UC123abc", "Ollie")
	yt.usernames["olliebunny"] = ch.ID
	yt.handles["@ollie.bunny"] = ch.ID
	yt.videos["dQw4w9WgXcQ"] = ch.ID

	tests := []struct {
		url  string
		call string
	}{
		{url: "https://www.youtube.com/channel/UC123abc", call: "id:UC123abc"},
		{url: "https://youtube.com/channel/UC123abc/videos", call: "id:UC123abc"},
		{url: "https://www.youtube.com/user/olliebunny", call: "username:UC123abc"},
		{url: "https://www.youtube.com/c/olliebunny", call: "username:UC123abc"},
		{url: "https://www.youtube.com/watch?v=dQw4w9WgXcQ", call: "video:UC123abc"},
		{url: "https://www.youtube.com/watch?feature=share&v=dQw4w9WgXcQ", call: "video:UC123abc"},
		{url: "https://youtu.be/dQw4w9WgXcQ", call: "video:UC123abc"},
		{url: "https://www.youtube.com/@ollie.bunny", call: "handle:UC123abc"},
		{url: "https://www.youtube.com/olliebunny", call: "username:UC123abc"},
	}
	for _, tc := range tests {
		t.Run(
			tc.url, func(t *testing.T) {
				before := len(yt.Calls())
				got, err := ResolveYouTubeChannel(ctx, yt, tc.url)
				require.NoError(t, err)
				assert.Equal(t, ch, got)
				calls := yt.Calls()
				require.Len(t, calls, before+1)
				assert.Equal(t, tc.call, calls[before])
			},
		)
	}

	_, err := ResolveYouTubeChannel(ctx, yt, "https://example.com/video")
	assert.ErrorIs(t, err, ErrChannelNotFound)

	_, err = ResolveYouTubeChannel(ctx, yt, "https://www.youtube.com/channel/UCmissing")
	assert.ErrorIs(t, err, ErrChannelNotFound)
}

// newTestYouTubeServer serves canned Data API responses and channel pages
func newTestYouTubeServer(t testing.TB) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc(
		"/", func(w http.ResponseWriter, r *http.Request) {
			path := r.URL.Path
			switch {
			case strings.HasSuffix(path, "/channels"):
				w.Header().Set("Content-Type", "application/json")
				if r.URL.Query().Get("id") == "UCmissing" || r.URL.Query().Get("forUsername") == "nobody" {
					_, _ = w.Write([]byte(`{"items":[]}`))
					return
				}
				id := r.URL.Query().Get("id")
				if id == "" {
					id = "UCfromuser"
				}
				_, _ = fmt.Fprintf(w, `{"items":[{"id":%q,"snippet":{"title":"Ollie"}}]}`, id)
			case strings.HasSuffix(path, "/videos"):
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(`{"items":[{"id":"vid1","snippet":{"channelId":"UCvideo","channelTitle":"Uploader"}}]}`))
			case strings.HasSuffix(path, "/search"):
				w.Header().Set("Content-Type", "application/json")
				if r.URL.Query().Get("channelId") == "UCempty" {
					_, _ = w.Write([]byte(`{"items":[]}`))
					return
				}
				_, _ = w.Write([]byte(`{"items":[{"id":{"kind":"youtube#video","videoId":"latest1"}}]}`))
			case path == "/@ollie":
				_, _ = w.Write(
					[]byte(`<html><head><link rel="canonical" href="https://www.youtube.com/channel/UChandle"></head></html>`),
				)
			case path == "/@ogonly":
				_, _ = w.Write(
					[]byte(`<html><head><meta property="og:url" content="https://www.youtube.com/channel/UCog"></head></html>`),
				)
			case path == "/@blank":
				_, _ = w.Write([]byte(`<html><head></head></html>`))
			default:
				http.NotFound(w, r)
			}
		},
	)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestYouTubeClient(t *testing.T) {
	ctx := context.Background()
	srv := newTestYouTubeServer(t)

	service, err := youtube.NewService(
		ctx,
		option.WithHTTPClient(srv.Client()),
		option.WithEndpoint(srv.URL+"/"),
	)
	require.NoError(t, err)
	bot, _ := newTestBot(t)
	client := &youtubeClient{
		service:    service,
		httpClient: srv.Client(),
		baseURL:    srv.URL,
		logger:     bot.logger,
	}

	ch, err := client.ChannelByID(ctx, "UC123")
	require.NoError(t, err)
	assert.Equal(t, YouTubeChannel{ID: "UC123", Title: "Ollie"}, ch)

	_, err = client.ChannelByID(ctx, "UCmissing")
	assert.ErrorIs(t, err, ErrChannelNotFound)

	ch, err = client.ChannelByUsername(ctx, "olliebunny")
	require.NoError(t, err)
	assert.Equal(t, "UCfromuser", ch.ID)

	_, err = client.ChannelByUsername(ctx, "nobody")
	assert.ErrorIs(t, err, ErrChannelNotFound)

	ch, err = client.ChannelByVideo(ctx, "vid1")
	require.NoError(t, err)
	assert.Equal(t, YouTubeChannel{ID: "UCvideo", Title: "Uploader"}, ch)

	video, err := client.LatestVideo(ctx, "UC123")
	require.NoError(t, err)
	assert.Equal(t, "latest1", video)

	video, err = client.LatestVideo(ctx, "UCempty")
	require.NoError(t, err)
	assert.Empty(t, video)

	t.Run(
		"handles", func(t *testing.T) {
			ch, err := client.ChannelByHandle(ctx, "ollie")
			require.NoError(t, err)
			assert.Equal(t, "UChandle", ch.ID)

			ch, err = client.ChannelByHandle(ctx, "@ogonly")
			require.NoError(t, err)
			assert.Equal(t, "UCog", ch.ID)

			_, err = client.ChannelByHandle(ctx, "@blank")
			assert.ErrorIs(t, err, ErrChannelNotFound)

			_, err = client.ChannelByHandle(ctx, "@nobody")
			assert.ErrorIs(t, err, ErrChannelNotFound)
		},
	)

	_, err = newYouTubeClient(ctx, "", nil, bot.logger)
	assert.Error(t, err)
}
