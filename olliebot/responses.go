package olliebot

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

// SearchType controls how a keyword response is matched against a message
type SearchType string

const (
	SearchContains SearchType = "contains"
	SearchExact    SearchType = "exact"
	SearchPhrase   SearchType = "phrase"
	SearchRegex    SearchType = "regex"
)

var searchPatternFormat = regexp.MustCompile(`^/(.*)/([a-z]*)$`)

// Response is a custom reply configured by a guild's moderators. Commands
// (RequiresPrefix) are triggered by "<prefix><name>", keywords by the name
// appearing anywhere in a message.
type Response struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	CreatedAt int64  `gorm:"autoCreateTime:milli" json:"created_at"`
	UpdatedAt int64  `gorm:"autoUpdateTime:milli" json:"updated_at"`
	GuildID   string `gorm:"not null;uniqueIndex:idx_response_guild_name" json:"guild_id"`
	Name      string `gorm:"not null;uniqueIndex:idx_response_guild_name" json:"name"`
	Content   string `gorm:"not null" json:"content"`

	IsImage        bool `gorm:"not null;default:false" json:"is_image"`
	Restricted     bool `gorm:"not null;default:false" json:"restricted"`
	RequiresPrefix bool `gorm:"not null" json:"requires_prefix"`

	// RateLimit is the minimum number of seconds between uses. Moderators
	// aren't limited.
	RateLimit int `gorm:"not null;default:0" json:"rate_limit"`

	SearchType SearchType `gorm:"type:string;not null;default:phrase" json:"search_type"`

	// SearchPattern is a regular expression in "/pattern/flags" form. When
	// set, SearchType is treated as SearchRegex.
	SearchPattern string `json:"search_pattern"`

	// DeleteAfter removes the reply after this many seconds, when set
	DeleteAfter int `gorm:"not null;default:0" json:"delete_after"`

	matcher *regexp.Regexp
	limiter *rate.Limiter
}

// compile prepares the keyword matcher and rate limiter
func (r *Response) compile() error {
	if r.RateLimit > 0 {
		r.limiter = rate.NewLimiter(rate.Every(time.Duration(r.RateLimit)*time.Second), 1)
	}
	if r.RequiresPrefix {
		return nil
	}

	var expr string
	if r.SearchPattern != "" {
		m := searchPatternFormat.FindStringSubmatch(r.SearchPattern)
		if m == nil {
			return fmt.Errorf("invalid search pattern %q", r.SearchPattern)
		}
		r.SearchType = SearchRegex
		expr = regexFlags(m[2]) + m[1]
	} else {
		quoted := regexp.QuoteMeta(r.Name)
		switch r.SearchType {
		case SearchContains:
			expr = "(?i)" + quoted
		case SearchExact:
			expr = "(?i)^" + quoted + "$"
		case SearchPhrase, "":
			r.SearchType = SearchPhrase
			expr = `(?i)\b` + quoted + `\b`
		default:
			return fmt.Errorf("unknown search type %q", r.SearchType)
		}
	}
	matcher, err := regexp.Compile(expr)
	if err != nil {
		return fmt.Errorf("invalid search pattern for %q: %w", r.Name, err)
	}
	r.matcher = matcher
	return nil
}

// regexFlags converts trailing "/re/flags" flags to an inline group.
// Flags without an equivalent, such as g, are ignored.
func regexFlags(flags string) string {
	var inline []rune
	for _, f := range flags {
		switch f {
		case 'i', 'm', 's':
			if !slices.Contains(inline, f) {
				inline = append(inline, f)
			}
		}
	}
	if len(inline) == 0 {
		return ""
	}
	return "(?" + string(inline) + ")"
}

// Matches reports whether a keyword response matches the message content
func (r *Response) Matches(content string) bool {
	return r.matcher != nil && r.matcher.MatchString(content)
}

// allow consumes a use from the response's rate limit
func (r *Response) allow() bool {
	return r.limiter == nil || r.limiter.Allow()
}

func (r *Response) kind() string {
	if r.RequiresPrefix {
		return "Command"
	}
	return "Keyword"
}

// ResponseLibrary holds a guild's custom responses.
type ResponseLibrary struct {
	mu        sync.RWMutex
	db        DBI
	guildID   string
	responses map[string]*Response
}

func loadResponseLibrary(ctx context.Context, db DBI, guildID string) (*ResponseLibrary, error) {
	lib := &ResponseLibrary{db: db, guildID: guildID, responses: map[string]*Response{}}
	var rows []*Response
	if err := db.DB().WithContext(ctx).Where("guild_id = ?", guildID).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("error loading responses: %w", err)
	}
	for _, r := range rows {
		if err := r.compile(); err != nil {
			getLogger(ctx).WarnContext(
				ctx,
				"skipping response",
				"guild_id", guildID,
				"name", r.Name,
				tint.Err(err),
			)
			continue
		}
		lib.responses[r.Name] = r
	}
	return lib, nil
}

func (l *ResponseLibrary) add(ctx context.Context, r *Response) error {
	r.GuildID = l.guildID
	r.Name = strings.ToLower(strings.TrimSpace(r.Name))
	if r.Name == "" {
		return fmt.Errorf("response name can't be empty")
	}
	if err := r.compile(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.responses[r.Name]; exists {
		return alreadyExists("response", r.Name)
	}
	if _, err := l.db.Create(ctx, r); err != nil {
		return fmt.Errorf("error saving response: %w", err)
	}
	l.responses[r.Name] = r
	return nil
}

// AddTextCommand adds a response sent when "<prefix><name>" is used
func (l *ResponseLibrary) AddTextCommand(ctx context.Context, name, content string) error {
	return l.add(ctx, &Response{Name: name, Content: content, RequiresPrefix: true})
}

// AddImageCommand adds an image response sent when "<prefix><name>" is used
func (l *ResponseLibrary) AddImageCommand(ctx context.Context, name, imageURL string) error {
	return l.add(
		ctx,
		&Response{Name: name, Content: imageURL, IsImage: true, RequiresPrefix: true},
	)
}

// AddTextKeyword adds a response sent when name appears as a phrase in
// any message
func (l *ResponseLibrary) AddTextKeyword(ctx context.Context, name, content string) error {
	return l.add(ctx, &Response{Name: name, Content: content, SearchType: SearchPhrase})
}

func (l *ResponseLibrary) AddImageKeyword(ctx context.Context, name, imageURL string) error {
	return l.add(
		ctx,
		&Response{Name: name, Content: imageURL, IsImage: true, SearchType: SearchPhrase},
	)
}

func (l *ResponseLibrary) Remove(ctx context.Context, name string) error {
	name = strings.ToLower(strings.TrimSpace(name))
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.responses[name]
	if !ok {
		return doesNotExist("response", name)
	}
	if _, err := l.db.Delete(ctx, &Response{}, r.ID); err != nil {
		return fmt.Errorf("error deleting response: %w", err)
	}
	delete(l.responses, name)
	return nil
}

func (l *ResponseLibrary) Get(name string) (*Response, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.responses[strings.ToLower(name)]
	return r, ok
}

func (l *ResponseLibrary) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.responses)
}

// List returns all responses sorted by name
func (l *ResponseLibrary) List() []*Response {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rv := make([]*Response, 0, len(l.responses))
	for _, r := range l.responses {
		rv = append(rv, r)
	}
	slices.SortFunc(rv, func(a, b *Response) int { return strings.Compare(a.Name, b.Name) })
	return rv
}

// Match finds the response for a message. With hasPrefix, body is the
// message without the prefix and only commands are considered: its first
// word must equal a command's name. Otherwise keywords are tested against
// body in name order.
func (l *ResponseLibrary) Match(body string, hasPrefix bool) (*Response, bool) {
	if hasPrefix {
		fields := strings.Fields(body)
		if len(fields) == 0 {
			return nil, false
		}
		r, ok := l.Get(fields[0])
		if !ok || !r.RequiresPrefix {
			return nil, false
		}
		return r, true
	}
	for _, r := range l.List() {
		if !r.RequiresPrefix && r.Matches(body) {
			return r, true
		}
	}
	return nil, false
}

// EmbedFields describes each response for the paginated list
func (l *ResponseLibrary) EmbedFields() []*discordgo.MessageEmbedField {
	responses := l.List()
	fields := make([]*discordgo.MessageEmbedField, 0, len(responses))
	for _, r := range responses {
		image := "False"
		if r.IsImage {
			image = "True"
		}
		fields = append(
			fields, &discordgo.MessageEmbedField{
				Name:  r.Name,
				Value: fmt.Sprintf("Type: %s\nImage: %s", r.kind(), image),
			},
		)
	}
	return fields
}

// isHTTPURL reports whether s is a single absolute http(s) URL
func isHTTPURL(s string) bool {
	if strings.ContainsAny(s, " \n\t") {
		return false
	}
	u, err := url.ParseRequestURI(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// respond sends a matched response, if the author may use it. It reports
// whether the response was sent.
func (b *Bot) respond(
	ctx context.Context,
	guild *GuildRecord,
	m *discordgo.Message,
	r *Response,
) bool {
	logger := getLogger(ctx)
	isMod := b.IsModerator(ctx, guild, m)
	if r.Restricted && !isMod {
		logger.DebugContext(ctx, "restricted response", "response", r.Name)
		return false
	}
	if !isMod && !r.allow() {
		logger.DebugContext(ctx, "response rate limited", "response", r.Name)
		return false
	}

	session := b.discord.session
	var sent *discordgo.Message
	var err error
	if r.IsImage && isHTTPURL(r.Content) {
		sent, err = session.ChannelMessageSendEmbed(
			m.ChannelID, &discordgo.MessageEmbed{
				Color: RandomColor().Int(),
				Image: &discordgo.MessageEmbedImage{URL: r.Content},
			},
		)
	} else {
		sent, err = session.ChannelMessageSend(m.ChannelID, r.Content)
	}
	if err != nil {
		logger.ErrorContext(ctx, "error sending response", "response", r.Name, tint.Err(err))
		return true
	}
	if r.DeleteAfter > 0 {
		deleteAfter(session, logger, sent, time.Duration(r.DeleteAfter)*time.Second)
	}
	return true
}
