package olliebot

import (
	"context"
	"fmt"
	"strings"

	"github.com/samber/lo"
)

var notGoodReplies = []string{"no u", "U(◠﹏◠)U"}

func goodCommand(_ context.Context, cc *CommandContext) error {
	who, _ := cc.Args.String(0)
	reply := "good human"
	if !strings.EqualFold(who, "bot") {
		reply = lo.Sample(notGoodReplies)
	}
	_, err := cc.Reply(reply)
	return err
}

// getMemberCommand echoes back the members resolved from its arguments,
// to check member lookups against a live guild.
func getMemberCommand(_ context.Context, cc *CommandContext) error {
	first, second := cc.Args.Member(0), cc.Args.Member(1)
	var reply string
	switch {
	case first != nil && second != nil:
		reply = fmt.Sprintf("Received members %s and %s", memberName(first), memberName(second))
	case first != nil:
		reply = fmt.Sprintf("Only received %s", memberName(first))
	case second != nil:
		reply = fmt.Sprintf("Only received %s", memberName(second))
	default:
		reply = "There was no extraction."
	}
	_, err := cc.Reply(reply)
	return err
}

func newFunGroup() *CommandGroup {
	return MustCommandGroup(
		"fun",
		Command{
			Name:    "good",
			Pattern: "{string}",
			Help: &HelpEntry{
				Tagline:     "Tell me I'm good",
				Usage:       []string{"good bot"},
				Description: "Praise the bot. It may or may not accept.",
				Examples:    []string{"good bot"},
			},
			Handler: goodCommand,
		},
		Command{
			Name:    "getmember",
			Aliases: []string{"getmembers", "get_members"},
			Pattern: "{member} {member}",
			Guards:  []Middleware{OwnerOnly},
			Handler: getMemberCommand,
		},
	)
}
