package olliebot

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const birthdayAnnouncement = "Happy birthday %s! 🎂"

// birthdayLayouts are tried in order by ParseBirthday
var birthdayLayouts = []string{
	"January 2",
	"Jan 2",
	"2 January",
	"2 Jan",
	"1/2",
	"2006-01-02",
}

// Birthday is a member's birthday in one guild. The year isn't kept.
type Birthday struct {
	GuildID   string     `gorm:"primaryKey" json:"guild_id"`
	UserID    string     `gorm:"primaryKey" json:"user_id"`
	Month     time.Month `gorm:"not null;check:month between 1 and 12" json:"month"`
	Day       int        `gorm:"not null;check:day between 1 and 31" json:"day"`
	CreatedAt int64      `gorm:"autoCreateTime:milli" json:"created_at"`
	UpdatedAt int64      `gorm:"autoUpdateTime:milli" json:"updated_at"`
}

// On reports whether the birthday falls on t's day, in UTC
func (b Birthday) On(t time.Time) bool {
	t = t.UTC()
	return t.Month() == b.Month && t.Day() == b.Day
}

func (b Birthday) String() string {
	return fmt.Sprintf("%s %d", b.Month, b.Day)
}

// ParseBirthday reads a month and day from input such as "January 2",
// "2 Jan", "1/2" (month/day) or "2006-01-02".
func ParseBirthday(s string) (time.Month, int, error) {
	s = strings.Join(strings.Fields(s), " ")
	for _, layout := range birthdayLayouts {
		// year 0 is a leap year, so February 29 parses
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.Month(), t.Day(), nil
		}
	}
	return 0, 0, fmt.Errorf("unrecognized date %q, try a format like 'January 2'", s)
}

// BirthdayBook holds a guild's birthdays, keyed by user ID.
type BirthdayBook struct {
	mu        sync.RWMutex
	db        DBI
	guildID   string
	birthdays map[string]*Birthday
}

func loadBirthdayBook(ctx context.Context, db DBI, guildID string) (*BirthdayBook, error) {
	book := &BirthdayBook{db: db, guildID: guildID, birthdays: map[string]*Birthday{}}
	var rows []*Birthday
	if err := db.DB().WithContext(ctx).Where("guild_id = ?", guildID).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("error loading birthdays: %w", err)
	}
	for _, b := range rows {
		book.birthdays[b.UserID] = b
	}
	return book, nil
}

func (bb *BirthdayBook) Get(userID string) (Birthday, bool) {
	bb.mu.RLock()
	defer bb.mu.RUnlock()
	b, ok := bb.birthdays[userID]
	if !ok {
		return Birthday{}, false
	}
	return *b, true
}

// Add records a new birthday, failing if the user already has one
func (bb *BirthdayBook) Add(ctx context.Context, userID string, month time.Month, day int) error {
	bb.mu.Lock()
	defer bb.mu.Unlock()
	if _, ok := bb.birthdays[userID]; ok {
		return alreadyExists("birthday", userID)
	}
	b := &Birthday{GuildID: bb.guildID, UserID: userID, Month: month, Day: day}
	if _, err := bb.db.Create(ctx, b); err != nil {
		return fmt.Errorf("error saving birthday: %w", err)
	}
	bb.birthdays[userID] = b
	return nil
}

// Set changes an existing birthday
func (bb *BirthdayBook) Set(ctx context.Context, userID string, month time.Month, day int) error {
	bb.mu.Lock()
	defer bb.mu.Unlock()
	b, ok := bb.birthdays[userID]
	if !ok {
		return doesNotExist("birthday", userID)
	}
	_, err := bb.db.Updates(ctx, b, map[string]any{"month": month, "day": day})
	if err != nil {
		return fmt.Errorf("error updating birthday: %w", err)
	}
	b.Month = month
	b.Day = day
	return nil
}

func (bb *BirthdayBook) Remove(ctx context.Context, userID string) error {
	bb.mu.Lock()
	defer bb.mu.Unlock()
	if _, ok := bb.birthdays[userID]; !ok {
		return doesNotExist("birthday", userID)
	}
	_, err := bb.db.Delete(ctx, &Birthday{}, "guild_id = ? AND user_id = ?", bb.guildID, userID)
	if err != nil {
		return fmt.Errorf("error deleting birthday: %w", err)
	}
	delete(bb.birthdays, userID)
	return nil
}

// Matches returns the sorted IDs of users whose birthday is on t's day
func (bb *BirthdayBook) Matches(t time.Time) []string {
	bb.mu.RLock()
	defer bb.mu.RUnlock()
	var ids []string
	for id, b := range bb.birthdays {
		if b.On(t) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// List returns every birthday in calendar order
func (bb *BirthdayBook) List() []Birthday {
	bb.mu.RLock()
	defer bb.mu.RUnlock()
	rv := make([]Birthday, 0, len(bb.birthdays))
	for _, b := range bb.birthdays {
		rv = append(rv, *b)
	}
	slices.SortFunc(
		rv, func(a, b Birthday) int {
			if a.Month != b.Month {
				return int(a.Month) - int(b.Month)
			}
			if a.Day != b.Day {
				return a.Day - b.Day
			}
			return strings.Compare(a.UserID, b.UserID)
		},
	)
	return rv
}

// birthdayAnnouncer posts birthday greetings once per UTC day.
type birthdayAnnouncer struct {
	bot      *Bot
	logger   *slog.Logger
	interval time.Duration
	lastDate string
	now      func() time.Time
}

func newBirthdayAnnouncer(b *Bot) *birthdayAnnouncer {
	return &birthdayAnnouncer{
		bot:      b,
		logger:   componentLogger(b.logHandler, "birthdays", b.config.Birthdays.LogLevel),
		interval: b.config.Birthdays.CheckInterval,
		now:      time.Now,
	}
}

// Run checks the date every interval until ctx is done. The day the bot
// starts on isn't announced, so restarts don't repeat greetings.
func (a *birthdayAnnouncer) Run(ctx context.Context) {
	a.lastDate = a.now().UTC().Format(time.DateOnly)
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	a.logger.InfoContext(ctx, "birthday announcer started", "interval", a.interval)
	for {
		select {
		case <-ctx.Done():
			a.logger.InfoContext(ctx, "birthday announcer stopped")
			return
		case <-ticker.C:
			a.check(ctx)
		}
	}
}

// check announces birthdays if the UTC date changed since the last check
func (a *birthdayAnnouncer) check(ctx context.Context) int {
	now := a.now().UTC()
	today := now.Format(time.DateOnly)
	if today == a.lastDate {
		return 0
	}
	a.lastDate = today

	sent := 0
	for _, guild := range a.bot.guilds.All() {
		channelID := guild.Settings().JoinChannel
		if channelID == "" {
			continue
		}
		for _, userID := range guild.Birthdays().Matches(now) {
			content := fmt.Sprintf(birthdayAnnouncement, (&discordgo.User{ID: userID}).Mention())
			if _, err := a.bot.discord.session.ChannelMessageSend(channelID, content); err != nil {
				a.logger.ErrorContext(
					ctx,
					"error sending birthday announcement",
					"guild_id", guild.ID(),
					"user_id", userID,
					tint.Err(err),
				)
				continue
			}
			sent++
		}
	}
	a.logger.InfoContext(ctx, "checked birthdays", "date", today, "announced", sent)
	return sent
}
