package olliebot

import (
	"context"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/samber/lo"
)

// reactionPhrases are the captions for a reaction command. Solo phrases
// are used when no member is given, and contain {user}; duo phrases also
// contain {member}.
type reactionPhrases struct {
	solo []string
	duo  []string
}

var (
	hugPhrases = reactionPhrases{
		solo: []string{
			"**{user}** gets a hug",
			"Here, **{user}**, have a hug",
			"*Hugs* for **{user}**",
			"**{user}**, you deserve a hug",
		},
		duo: []string{
			"**{member}** gets a hug from **{user}**",
			"**{user}** hugs **{member}**",
			"**{user}** gives **{member}** a hug",
		},
	}
	patPhrases = reactionPhrases{
		solo: []string{
			"**{user}** gets a pat",
			"Here, **{user}**, have a pat",
			"*Headpats* for **{user}**",
		},
		duo: []string{
			"**{member}** gets a pat from **{user}**",
			"**{user}** pats **{member}**",
			"**{user}** gives **{member}** headpats",
		},
	}
)

// caption picks a random phrase, naming member when it's non-empty
func (p reactionPhrases) caption(user, member string) string {
	if member == "" {
		return strings.ReplaceAll(lo.Sample(p.solo), "{user}", user)
	}
	return strings.NewReplacer("{user}", user, "{member}", member).Replace(lo.Sample(p.duo))
}

// authorDisplayName returns the author's name as shown in the guild
func authorDisplayName(ctx context.Context, cc *CommandContext) string {
	member, err := cc.session().GuildMember(cc.Message.GuildID, cc.Author().ID)
	if err != nil || member.User == nil {
		if err != nil {
			cc.logger(ctx).DebugContext(ctx, "error fetching author member", tint.Err(err))
		}
		return cc.Author().Username
	}
	return memberName(member)
}

func reactionCommand(kind ReactionKind, phrases reactionPhrases) HandlerFunc {
	return func(ctx context.Context, cc *CommandContext) error {
		var target string
		if m := cc.Args.Member(0); m != nil && m.User != nil {
			target = memberName(m)
		}
		em := &discordgo.MessageEmbed{
			Color:       RandomColor().Int(),
			Description: phrases.caption(authorDisplayName(ctx, cc), target),
		}
		if image, ok := cc.Bot.reactionImages.Random(kind); ok {
			em.Image = &discordgo.MessageEmbedImage{URL: image}
		} else {
			cc.logger(ctx).WarnContext(ctx, "no reaction images", "kind", kind)
		}
		_, err := cc.ReplyEmbed(em)
		return err
	}
}

func newReactionGroup() *CommandGroup {
	return MustCommandGroup(
		"reactions",
		Command{
			Name:    "hug",
			Aliases: []string{"hugs"},
			Pattern: "{member}",
			Guards:  []Middleware{GuildOnly},
			Help: &HelpEntry{
				Tagline:     "Give yourself or someone else a hug",
				Usage:       []string{"hug [member:optional]"},
				Description: "Get a hug for yourself or give one to someone else :blush:",
				Examples:    []string{"hug", "hug {mention}"},
			},
			Handler: reactionCommand(ReactionHug, hugPhrases),
		},
		Command{
			Name:    "pat",
			Aliases: []string{"pats"},
			Pattern: "{member}",
			Guards:  []Middleware{GuildOnly},
			Help: &HelpEntry{
				Tagline:     "Give yourself or someone else a pat",
				Usage:       []string{"pat [member:optional]"},
				Description: "Get a pat for yourself or give one to someone else :blush:",
				Examples:    []string{"pat", "pat {mention}"},
			},
			Handler: reactionCommand(ReactionPat, patPhrases),
		},
	)
}
