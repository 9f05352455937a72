package olliebot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"
)

const (
	youtubeBaseURL  = "https://www.youtube.com"
	youtubeWatchURL = youtubeBaseURL + "/watch?v="
)

var ErrChannelNotFound = errors.New("youtube channel not found")

var (
	youtubeChannelURL  = regexp.MustCompile(`youtube\.com/channel/([\w-]+)`)
	youtubeUserURL     = regexp.MustCompile(`youtube\.com/(?:user|c)/([\w-]+)`)
	youtubeWatchURLRe  = regexp.MustCompile(`youtube\.com/watch\?(?:[^#]*&)?v=([\w-]+)`)
	youtubeShortURL    = regexp.MustCompile(`youtu\.be/([\w-]+)`)
	youtubeHandleURL   = regexp.MustCompile(`youtube\.com/(@[\w.-]+)`)
	youtubeCustomURL   = regexp.MustCompile(`youtube\.com/([\w-]+)`)
	youtubeCanonicalID = regexp.MustCompile(`/channel/([\w-]+)`)
)

// YouTubeChannel identifies a channel a feed follows
type YouTubeChannel struct {
	ID    string
	Title string
}

// YouTubeAPI is the subset of the YouTube Data API used for feeds.
// Lookups that find nothing return ErrChannelNotFound, and LatestVideo
// returns "" for a channel with no videos.
type YouTubeAPI interface {
	ChannelByID(ctx context.Context, id string) (YouTubeChannel, error)
	ChannelByUsername(ctx context.Context, username string) (YouTubeChannel, error)
	ChannelByVideo(ctx context.Context, videoID string) (YouTubeChannel, error)
	ChannelByHandle(ctx context.Context, handle string) (YouTubeChannel, error)
	LatestVideo(ctx context.Context, channelID string) (string, error)
}

// youtubeClient implements YouTubeAPI with the Data API v3, scraping
// channel pages for @handles.
type youtubeClient struct {
	service    *youtube.Service
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
}

func newYouTubeClient(
	ctx context.Context,
	apiKey string,
	httpClient *http.Client,
	logger *slog.Logger,
) (*youtubeClient, error) {
	if apiKey == "" {
		return nil, errors.New("youtube API key is required")
	}
	service, err := youtube.NewService(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("error creating youtube service: %w", err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &youtubeClient{
		service:    service,
		httpClient: httpClient,
		baseURL:    youtubeBaseURL,
		logger:     logger,
	}, nil
}

func firstChannel(resp *youtube.ChannelListResponse) (YouTubeChannel, error) {
	if resp == nil || len(resp.Items) == 0 || resp.Items[0].Snippet == nil {
		return YouTubeChannel{}, ErrChannelNotFound
	}
	ch := resp.Items[0]
	return YouTubeChannel{ID: ch.Id, Title: ch.Snippet.Title}, nil
}

func (c *youtubeClient) ChannelByID(ctx context.Context, id string) (YouTubeChannel, error) {
	c.logger.DebugContext(ctx, "fetching channel by id", "channel_id", id)
	resp, err := c.service.Channels.List([]string{"snippet"}).Id(id).Context(ctx).Do()
	if err != nil {
		return YouTubeChannel{}, err
	}
	return firstChannel(resp)
}

func (c *youtubeClient) ChannelByUsername(ctx context.Context, username string) (YouTubeChannel, error) {
	c.logger.DebugContext(ctx, "fetching channel by username", "username", username)
	resp, err := c.service.Channels.List([]string{"snippet"}).ForUsername(username).Context(ctx).Do()
	if err != nil {
		return YouTubeChannel{}, err
	}
	return firstChannel(resp)
}

func (c *youtubeClient) ChannelByVideo(ctx context.Context, videoID string) (YouTubeChannel, error) {
	c.logger.DebugContext(ctx, "fetching channel by video", "video_id", videoID)
	resp, err := c.service.Videos.List([]string{"snippet"}).Id(videoID).Context(ctx).Do()
	if err != nil {
		return YouTubeChannel{}, err
	}
	if len(resp.Items) == 0 || resp.Items[0].Snippet == nil {
		return YouTubeChannel{}, ErrChannelNotFound
	}
	snippet := resp.Items[0].Snippet
	return YouTubeChannel{ID: snippet.ChannelId, Title: snippet.ChannelTitle}, nil
}

// ChannelByHandle reads the channel ID from the canonical link of the
// handle's channel page, then looks the channel up by ID.
func (c *youtubeClient) ChannelByHandle(ctx context.Context, handle string) (YouTubeChannel, error) {
	if !strings.HasPrefix(handle, "@") {
		handle = "@" + handle
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+handle, nil)
	if err != nil {
		return YouTubeChannel{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return YouTubeChannel{}, fmt.Errorf("error fetching channel page: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode == http.StatusNotFound {
		return YouTubeChannel{}, ErrChannelNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return YouTubeChannel{}, fmt.Errorf("unexpected status fetching channel page: %s", resp.Status)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return YouTubeChannel{}, fmt.Errorf("error parsing channel page: %w", err)
	}
	channelID := canonicalChannelID(doc)
	if channelID == "" {
		return YouTubeChannel{}, ErrChannelNotFound
	}
	return c.ChannelByID(ctx, channelID)
}

// canonicalChannelID finds the channel ID in the page's canonical link,
// falling back to the og:url meta tag
func canonicalChannelID(doc *goquery.Document) string {
	candidates := []string{
		doc.Find(`link[rel="canonical"]`).AttrOr("href", ""),
		doc.Find(`meta[property="og:url"]`).AttrOr("content", ""),
	}
	for _, href := range candidates {
		if m := youtubeCanonicalID.FindStringSubmatch(href); m != nil {
			return m[1]
		}
	}
	return ""
}

func (c *youtubeClient) LatestVideo(ctx context.Context, channelID string) (string, error) {
	resp, err := c.service.Search.List([]string{"snippet"}).
		ChannelId(channelID).
		Order("date").
		MaxResults(1).
		Type("video").
		Context(ctx).
		Do()
	if err != nil {
		return "", err
	}
	if len(resp.Items) == 0 || resp.Items[0].Id == nil {
		return "", nil
	}
	return resp.Items[0].Id.VideoId, nil
}

// ResolveYouTubeChannel finds the channel a URL refers to. Channel, user,
// custom, handle, video and short video links are understood.
func ResolveYouTubeChannel(ctx context.Context, api YouTubeAPI, rawURL string) (YouTubeChannel, error) {
	if m := youtubeChannelURL.FindStringSubmatch(rawURL); m != nil {
		return api.ChannelByID(ctx, m[1])
	}
	if m := youtubeUserURL.FindStringSubmatch(rawURL); m != nil {
		return api.ChannelByUsername(ctx, m[1])
	}
	if m := youtubeWatchURLRe.FindStringSubmatch(rawURL); m != nil {
		return api.ChannelByVideo(ctx, m[1])
	}
	if m := youtubeShortURL.FindStringSubmatch(rawURL); m != nil {
		return api.ChannelByVideo(ctx, m[1])
	}
	if m := youtubeHandleURL.FindStringSubmatch(rawURL); m != nil {
		return api.ChannelByHandle(ctx, m[1])
	}
	if m := youtubeCustomURL.FindStringSubmatch(rawURL); m != nil {
		return api.ChannelByUsername(ctx, m[1])
	}
	return YouTubeChannel{}, fmt.Errorf("%w: unrecognized url %q", ErrChannelNotFound, rawURL)
}
