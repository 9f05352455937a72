package olliebot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lmittmann/tint"
	"github.com/sourcegraph/conc/pool"
)

// noVideoID marks a feed whose channel had no videos when last checked
const noVideoID = "none"

var ErrFeedLimit = errors.New("feed limit reached")

// YouTubeFeed posts new uploads from a YouTube channel to a Discord
// channel.
type YouTubeFeed struct {
	GuildID          string `gorm:"primaryKey" json:"guild_id"`
	YouTubeChannelID string `gorm:"primaryKey;column:youtube_channel_id" json:"youtube_channel_id"`
	DiscordChannelID string `gorm:"not null" json:"discord_channel_id"`
	Title            string `gorm:"not null" json:"title"`
	LastVideoID      string `gorm:"not null;default:none" json:"last_video_id"`
	CreatedAt        int64  `gorm:"autoCreateTime:milli" json:"created_at"`
	UpdatedAt        int64  `gorm:"autoUpdateTime:milli" json:"updated_at"`
}

func (YouTubeFeed) TableName() string {
	return "youtube_feeds"
}

func (f YouTubeFeed) String() string {
	return fmt.Sprintf("Channel: **%s**, Location: <#%s>", f.Title, f.DiscordChannelID)
}

// FeedLibrary holds a guild's YouTube feeds, in the order they were added.
type FeedLibrary struct {
	mu      sync.RWMutex
	db      DBI
	guildID string
	max     int
	feeds   []*YouTubeFeed
}

func loadFeedLibrary(ctx context.Context, db DBI, guildID string, maxFeeds int) (*FeedLibrary, error) {
	lib := &FeedLibrary{db: db, guildID: guildID, max: maxFeeds}
	err := db.DB().WithContext(ctx).
		Where("guild_id = ?", guildID).
		Order("created_at").
		Find(&lib.feeds).Error
	if err != nil {
		return nil, fmt.Errorf("error loading youtube feeds: %w", err)
	}
	return lib, nil
}

func (l *FeedLibrary) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.feeds)
}

func (l *FeedLibrary) Max() int {
	return l.max
}

func (l *FeedLibrary) find(youtubeChannelID string) int {
	return slices.IndexFunc(
		l.feeds,
		func(f *YouTubeFeed) bool { return f.YouTubeChannelID == youtubeChannelID },
	)
}

// Add subscribes discordChannelID to a YouTube channel. lastVideoID is
// the channel's newest upload, or "" if it has none.
func (l *FeedLibrary) Add(
	ctx context.Context,
	channel YouTubeChannel,
	discordChannelID string,
	lastVideoID string,
) error {
	if lastVideoID == "" {
		lastVideoID = noVideoID
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.find(channel.ID) >= 0 {
		return alreadyExists("youtube feed", channel.Title)
	}
	if l.max > 0 && len(l.feeds) >= l.max {
		return fmt.Errorf("%w: %d feeds", ErrFeedLimit, l.max)
	}
	feed := &YouTubeFeed{
		GuildID:          l.guildID,
		YouTubeChannelID: channel.ID,
		DiscordChannelID: discordChannelID,
		Title:            channel.Title,
		LastVideoID:      lastVideoID,
	}
	if _, err := l.db.Create(ctx, feed); err != nil {
		return fmt.Errorf("error saving youtube feed: %w", err)
	}
	l.feeds = append(l.feeds, feed)
	return nil
}

func (l *FeedLibrary) Remove(ctx context.Context, youtubeChannelID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := l.find(youtubeChannelID)
	if i < 0 {
		return doesNotExist("youtube feed", youtubeChannelID)
	}
	_, err := l.db.Delete(
		ctx,
		&YouTubeFeed{},
		"guild_id = ? AND youtube_channel_id = ?",
		l.guildID,
		youtubeChannelID,
	)
	if err != nil {
		return fmt.Errorf("error deleting youtube feed: %w", err)
	}
	l.feeds = slices.Delete(l.feeds, i, i+1)
	return nil
}

func (l *FeedLibrary) Get(youtubeChannelID string) (YouTubeFeed, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if i := l.find(youtubeChannelID); i >= 0 {
		return *l.feeds[i], true
	}
	return YouTubeFeed{}, false
}

// GetByTitle finds a feed by its channel title, ignoring case
func (l *FeedLibrary) GetByTitle(title string) (YouTubeFeed, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, f := range l.feeds {
		if strings.EqualFold(f.Title, title) {
			return *f, true
		}
	}
	return YouTubeFeed{}, false
}

// UpdateVideo records the newest video seen for a feed
func (l *FeedLibrary) UpdateVideo(ctx context.Context, youtubeChannelID, videoID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := l.find(youtubeChannelID)
	if i < 0 {
		return doesNotExist("youtube feed", youtubeChannelID)
	}
	feed := l.feeds[i]
	if _, err := l.db.Update(ctx, feed, "last_video_id", videoID); err != nil {
		return fmt.Errorf("error updating youtube feed: %w", err)
	}
	feed.LastVideoID = videoID
	return nil
}

func (l *FeedLibrary) List() []YouTubeFeed {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rv := make([]YouTubeFeed, 0, len(l.feeds))
	for _, f := range l.feeds {
		rv = append(rv, *f)
	}
	return rv
}

// Strings describes each feed, one per line of the feed list
func (l *FeedLibrary) Strings() []string {
	feeds := l.List()
	rv := make([]string, len(feeds))
	for i, f := range feeds {
		rv[i] = f.String()
	}
	return rv
}

// feedPoller checks every feed for new uploads on an interval.
type feedPoller struct {
	bot           *Bot
	api           YouTubeAPI
	logger        *slog.Logger
	interval      time.Duration
	maxConcurrent int
}

func newFeedPoller(b *Bot) *feedPoller {
	return &feedPoller{
		bot:           b,
		api:           b.youtube,
		logger:        componentLogger(b.logHandler, "youtube_feeds", b.config.YouTube.LogLevel),
		interval:      b.config.YouTube.PollInterval,
		maxConcurrent: b.config.YouTube.MaxConcurrent,
	}
}

func (p *feedPoller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	p.logger.InfoContext(ctx, "feed poller started", "interval", p.interval)
	for {
		select {
		case <-ctx.Done():
			p.logger.InfoContext(ctx, "feed poller stopped")
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

// poll checks every feed of every guild once, returning the number of
// new videos posted
func (p *feedPoller) poll(ctx context.Context) int {
	var posted atomic.Int64
	workers := pool.New().WithMaxGoroutines(p.maxConcurrent)
	for _, guild := range p.bot.guilds.All() {
		lib := guild.Feeds()
		for _, feed := range lib.List() {
			workers.Go(
				func() {
					if p.check(ctx, lib, feed) {
						posted.Add(1)
					}
				},
			)
		}
	}
	workers.Wait()
	n := int(posted.Load())
	p.logger.DebugContext(ctx, "polled feeds", "posted", n)
	return n
}

// check fetches the feed channel's newest video, and posts it if it
// changed. A feed that had no videos records its first one silently.
func (p *feedPoller) check(ctx context.Context, lib *FeedLibrary, feed YouTubeFeed) bool {
	logger := p.logger.With("guild_id", feed.GuildID, "youtube_channel_id", feed.YouTubeChannelID)
	if ctx.Err() != nil {
		return false
	}
	videoID, err := p.api.LatestVideo(ctx, feed.YouTubeChannelID)
	if err != nil {
		logger.ErrorContext(ctx, "error fetching latest video", tint.Err(err))
		return false
	}
	if videoID == "" || videoID == feed.LastVideoID {
		return false
	}

	if err = lib.UpdateVideo(ctx, feed.YouTubeChannelID, videoID); err != nil {
		logger.ErrorContext(ctx, "error recording video", tint.Err(err))
		return false
	}
	if feed.LastVideoID == noVideoID {
		logger.InfoContext(ctx, "recorded first video", "video_id", videoID)
		return false
	}

	_, err = p.bot.discord.session.ChannelMessageSend(feed.DiscordChannelID, youtubeWatchURL+videoID)
	if err != nil {
		logger.ErrorContext(ctx, "error posting video", "video_id", videoID, tint.Err(err))
		return false
	}
	logger.InfoContext(ctx, "posted new video", "video_id", videoID)
	return true
}
