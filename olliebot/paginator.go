package olliebot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	menuRule        = "───────────────────────"
	menuCloseEmoji  = "❌"
	menuInfoEmoji   = "ℹ️"
	menuTimedOut    = "Menu timed out ❌"
	reactionBufSize = 8
)

// pageEmojis are the page buttons, in page order
var pageEmojis = []string{"1️⃣", "2️⃣", "3️⃣", "4️⃣", "5️⃣", "6️⃣", "7️⃣", "8️⃣", "9️⃣", "🔟"}

var errPageOutOfRange = errors.New("page out of range")

// normalizeEmoji drops variation selectors, which clients don't send
// consistently
func normalizeEmoji(s string) string {
	return strings.ReplaceAll(s, string(variationSelector16), "")
}

// Pages splits embed fields into pages of at most limit fields.
type Pages struct {
	fields []*discordgo.MessageEmbedField
	limit  int
}

func NewPages(fields []*discordgo.MessageEmbedField, limit int) *Pages {
	if limit < 1 {
		limit = 1
	}
	return &Pages{fields: fields, limit: limit}
}

// Len returns the number of pages
func (p *Pages) Len() int {
	return (len(p.fields) + p.limit - 1) / p.limit
}

// Get returns the fields on a page, indexed from 1. Out of range pages
// are empty.
func (p *Pages) Get(page int) []*discordgo.MessageEmbedField {
	if page < 1 || page > p.Len() {
		return nil
	}
	start := (page - 1) * p.limit
	end := min(start+p.limit, len(p.fields))
	return p.fields[start:end]
}

// Paginator renders Pages as embeds, with optional info pages shown by
// their own reaction.
type Paginator struct {
	pages     *Pages
	title     string
	icon      string
	color     Color
	inline    bool
	infoOrder []string
	infoPages map[string]*discordgo.MessageEmbed
}

func NewPaginator(pages *Pages, title, icon string, color Color) *Paginator {
	return &Paginator{
		pages:     pages,
		title:     title,
		icon:      icon,
		color:     color,
		infoPages: map[string]*discordgo.MessageEmbed{},
	}
}

func (p *Paginator) Len() int {
	return p.pages.Len()
}

// Render returns the embed for a page, indexed from 1
func (p *Paginator) Render(page int) (*discordgo.MessageEmbed, error) {
	if page < 1 || page > p.Len() {
		return nil, fmt.Errorf("%w: %d not in 1-%d", errPageOutOfRange, page, p.Len())
	}
	em := &discordgo.MessageEmbed{
		Title: menuRule,
		Color: p.color.Int(),
		Author: &discordgo.MessageEmbedAuthor{
			Name:    fmt.Sprintf("%s - %d/%d", p.title, page, p.Len()),
			IconURL: p.icon,
		},
	}
	for _, f := range p.pages.Get(page) {
		em.Fields = append(
			em.Fields,
			&discordgo.MessageEmbedField{Name: f.Name, Value: f.Value, Inline: p.inline},
		)
	}
	return em, nil
}

func (p *Paginator) AddInfoPage(emoji string, embed *discordgo.MessageEmbed) {
	if _, exists := p.infoPages[emoji]; !exists {
		p.infoOrder = append(p.infoOrder, emoji)
	}
	p.infoPages[emoji] = embed
}

func (p *Paginator) RenderInfo(emoji string) (*discordgo.MessageEmbed, error) {
	for e, embed := range p.infoPages {
		if normalizeEmoji(e) == normalizeEmoji(emoji) {
			return embed, nil
		}
	}
	return nil, fmt.Errorf("no info page for %s", emoji)
}

// Buttons returns the menu's reactions: info pages, one per page up to
// ten, and the close button.
func (p *Paginator) Buttons() []string {
	buttons := append([]string{}, p.infoOrder...)
	buttons = append(buttons, pageEmojis[:min(p.Len(), len(pageEmojis))]...)
	return append(buttons, menuCloseEmoji)
}

// pageForEmoji returns the page a page button leads to, or 0
func pageForEmoji(emoji string) int {
	emoji = normalizeEmoji(emoji)
	for i, e := range pageEmojis {
		if normalizeEmoji(e) == emoji {
			return i + 1
		}
	}
	return 0
}

// reactionWaiters routes reaction events to menus waiting on a message.
type reactionWaiters struct {
	mu      sync.Mutex
	waiters map[string]chan *discordgo.MessageReaction
}

func newReactionWaiters() *reactionWaiters {
	return &reactionWaiters{waiters: map[string]chan *discordgo.MessageReaction{}}
}

// wait registers interest in reactions on messageID. The returned func
// must be called to stop waiting.
func (r *reactionWaiters) wait(messageID string) (<-chan *discordgo.MessageReaction, func()) {
	ch := make(chan *discordgo.MessageReaction, reactionBufSize)
	r.mu.Lock()
	r.waiters[messageID] = ch
	r.mu.Unlock()
	return ch, func() {
		r.mu.Lock()
		delete(r.waiters, messageID)
		r.mu.Unlock()
	}
}

// dispatch hands a reaction to its waiter, if any, without blocking
func (r *reactionWaiters) dispatch(reaction *discordgo.MessageReaction) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.waiters[reaction.MessageID]
	if !ok {
		return false
	}
	select {
	case ch <- reaction:
		return true
	default:
		return false
	}
}

// runMenu sends the paginator's first page to channelID and lets userID
// flip pages by reacting, until they close it or it times out. Adding
// or removing a reaction both count as a press, since the bot can't
// remove reactions in direct messages.
func (b *Bot) runMenu(ctx context.Context, channelID, userID string, p *Paginator) error {
	session := b.discord.session
	logger := getLogger(ctx)

	current, err := p.Render(1)
	if err != nil {
		return err
	}
	msg, err := session.ChannelMessageSendEmbed(channelID, current)
	if err != nil {
		return fmt.Errorf("error sending menu: %w", err)
	}
	reactions, stop := b.reactionWaiters.wait(msg.ID)
	defer stop()

	buttons := p.Buttons()
	for _, emoji := range buttons {
		if err = session.MessageReactionAdd(channelID, msg.ID, emoji); err != nil {
			logger.WarnContext(ctx, "error adding menu reaction", "emoji", emoji, tint.Err(err))
		}
	}

	timeout := b.config.Discord.MenuTimeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			_, err = session.ChannelMessageEditEmbed(
				channelID,
				msg.ID,
				&discordgo.MessageEmbed{Description: menuTimedOut, Color: p.color.Int()},
			)
			return err
		case r := <-reactions:
			if r.UserID != userID {
				continue
			}
			emoji := r.Emoji.Name
			var next *discordgo.MessageEmbed
			switch page := pageForEmoji(emoji); {
			case normalizeEmoji(emoji) == normalizeEmoji(menuCloseEmoji):
				return session.ChannelMessageDelete(channelID, msg.ID)
			case page > 0 && page <= p.Len():
				next, err = p.Render(page)
			default:
				next, err = p.RenderInfo(emoji)
			}
			if err != nil {
				logger.DebugContext(ctx, "ignoring menu reaction", "emoji", emoji)
				continue
			}
			if _, err = session.ChannelMessageEditEmbed(channelID, msg.ID, next); err != nil {
				return fmt.Errorf("error updating menu: %w", err)
			}
			timer.Reset(timeout)
		}
	}
}
