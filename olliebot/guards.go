package olliebot

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	guardReplyLifetime = 4 * time.Second

	ownerOnlyReply = "I'm sorry %s, I'm afraid I can't do that."
	modOnlyReply   = "You need moderator standing to use that."
	guildOnlyReply = "This command only works in a server."
)

// OwnerOnly only lets the configured bot owner run the command. Anyone
// else gets a short-lived refusal.
func OwnerOnly(next HandlerFunc) HandlerFunc {
	return func(ctx context.Context, cc *CommandContext) error {
		if cc.Bot.IsOwner(cc.Author().ID) {
			return next(ctx, cc)
		}
		return refuse(ctx, cc, fmt.Sprintf(ownerOnlyReply, cc.Author().Mention()))
	}
}

// ModOnly requires moderator standing: bot owner, guild owner, guild
// administrator, or a configured moderator role.
func ModOnly(next HandlerFunc) HandlerFunc {
	return func(ctx context.Context, cc *CommandContext) error {
		if cc.Bot.IsModerator(ctx, cc.Guild, cc.Message) {
			return next(ctx, cc)
		}
		return refuse(ctx, cc, modOnlyReply)
	}
}

// GuildOnly rejects commands sent in direct messages
func GuildOnly(next HandlerFunc) HandlerFunc {
	return func(ctx context.Context, cc *CommandContext) error {
		if cc.Message.GuildID != "" && cc.Guild != nil {
			return next(ctx, cc)
		}
		_, err := cc.Reply(guildOnlyReply)
		return err
	}
}

// RequirePermission only runs the command when the author holds the
// given permission in the channel, replying with denied otherwise.
func RequirePermission(permission int64, denied string) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, cc *CommandContext) error {
			perms, err := cc.session().UserChannelPermissions(cc.Author().ID, cc.Message.ChannelID)
			if err != nil {
				return fmt.Errorf("error checking permissions: %w", err)
			}
			if perms&permission == permission || perms&discordgo.PermissionAdministrator != 0 {
				return next(ctx, cc)
			}
			_, err = cc.Reply(denied)
			return err
		}
	}
}

func refuse(ctx context.Context, cc *CommandContext, content string) error {
	msg, err := cc.Reply(content)
	if err != nil {
		return err
	}
	deleteAfter(cc.session(), cc.logger(ctx), msg, guardReplyLifetime)
	return nil
}

// IsOwner reports whether userID is the configured bot owner
func (b *Bot) IsOwner(userID string) bool {
	return userID != "" && userID == b.config.Discord.OwnerID
}

// IsModerator reports whether the message author has moderator standing
// in the guild. Lookup errors count as no standing.
func (b *Bot) IsModerator(ctx context.Context, guild *GuildRecord, m *discordgo.Message) bool {
	if m.Author == nil {
		return false
	}
	if b.IsOwner(m.Author.ID) {
		return true
	}
	if guild == nil || m.GuildID == "" {
		return false
	}
	logger := getLogger(ctx)
	session := b.discord.session

	member := m.Member
	if member == nil {
		var err error
		member, err = session.GuildMember(m.GuildID, m.Author.ID)
		if err != nil {
			logger.WarnContext(ctx, "error fetching member", "user_id", m.Author.ID, tint.Err(err))
			return false
		}
	}
	for _, roleID := range member.Roles {
		if guild.HasModRole(roleID) {
			return true
		}
	}

	if g, err := session.Guild(m.GuildID); err == nil && g.OwnerID == m.Author.ID {
		return true
	}
	roles, err := session.GuildRoles(m.GuildID)
	if err != nil {
		logger.WarnContext(ctx, "error fetching roles", tint.Err(err))
		return false
	}
	return memberPermissions(m.GuildID, member, roles)&discordgo.PermissionAdministrator != 0
}

// memberPermissions combines the guild-wide permissions of the member's
// roles, including @everyone, whose ID is the guild ID.
func memberPermissions(guildID string, member *discordgo.Member, roles []*discordgo.Role) int64 {
	var perms int64
	for _, r := range roles {
		if r.ID == guildID || slices.Contains(member.Roles, r.ID) {
			perms |= r.Permissions
		}
	}
	return perms
}
