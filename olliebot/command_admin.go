package olliebot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

const (
	exitCodeSleep = 0

	// exitCodeNap is non-zero so a process supervisor restarts the bot
	exitCodeNap = 1

	statsColor Color = 0x7289da
	bytesPerMB       = 1024 * 1024
)

func prefixCommand(ctx context.Context, cc *CommandContext) error {
	prefix, ok := cc.Args.String(0)
	if !ok || prefix == "" {
		_, err := cc.Reply(fmt.Sprintf("The current prefix is `%s`", cc.Bot.State().Prefix))
		return err
	}
	if err := cc.Bot.SetPrefix(ctx, prefix); err != nil {
		cc.logger(ctx).WarnContext(ctx, "error setting prefix", "prefix", prefix, tint.Err(err))
		_, err = cc.Reply(fmt.Sprintf("Couldn't use `%s` as the prefix, it must be 1-5 characters with no spaces", prefix))
		return err
	}
	_, err := cc.Reply(fmt.Sprintf("Updated prefix to %s", prefix))
	return err
}

func statusCommand(ctx context.Context, cc *CommandContext) error {
	status, _ := cc.Args.String(0)
	if err := cc.Bot.SetStatus(ctx, status); err != nil {
		cc.logger(ctx).WarnContext(ctx, "error setting status", tint.Err(err))
		_, err = cc.Reply("That status is too long.")
		return err
	}
	reply := fmt.Sprintf("Updated status to %s", status)
	if status == "" {
		reply = "Cleared status"
	}
	_, err := cc.Reply(reply)
	return err
}

func listGuildsCommand(_ context.Context, cc *CommandContext) error {
	ids := cc.Bot.guilds.IDs()
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		if g, err := cc.session().Guild(id); err == nil && g.Name != "" {
			names = append(names, g.Name)
		}
	}
	reply := fmt.Sprintf(
		"I have guild IDs **%s**\nThese correspond to the server names **%s**",
		strings.Join(ids, ", "),
		strings.Join(names, ", "),
	)
	_, err := cc.Reply(truncate(reply, discordMaxMessageLength))
	return err
}

func testModOnlyCommand(_ context.Context, cc *CommandContext) error {
	_, err := cc.Reply("It worked! You have permission :blush:")
	return err
}

// stopCommand replies, then asks the bot to shut down and exit with code
func stopCommand(reply string, code int) HandlerFunc {
	return func(ctx context.Context, cc *CommandContext) error {
		_, err := cc.Reply(reply)
		cc.logger(ctx).InfoContext(ctx, "stop requested", "exit_code", code)
		cc.Bot.RequestStop(code)
		return err
	}
}

func statsCommand(ctx context.Context, cc *CommandContext) error {
	logger := cc.logger(ctx)
	em := &discordgo.MessageEmbed{
		Title:  "Stats",
		Color:  statsColor.Int(),
		Fields: []*discordgo.MessageEmbedField{},
	}
	addField := func(name, value string) {
		em.Fields = append(em.Fields, &discordgo.MessageEmbedField{Name: name, Value: value, Inline: true})
	}

	addField("Guilds", fmt.Sprintf("%d", cc.Bot.guilds.Len()))
	addField("Uptime", time.Since(cc.Bot.startedAt).Round(time.Second).String())
	addField("Latency", fmt.Sprintf("%dms", cc.session().HeartbeatLatency().Milliseconds()))
	addField("Goroutines", fmt.Sprintf("%d", runtime.NumGoroutine()))

	var errs []error
	if info, err := host.InfoWithContext(ctx); err == nil {
		addField("Host", fmt.Sprintf("%s %s", info.Platform, info.PlatformVersion))
		addField("Host Uptime", (time.Duration(info.Uptime) * time.Second).String())
	} else {
		errs = append(errs, err)
	}
	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		addField("CPU", fmt.Sprintf("%.1f%%", percents[0]))
	} else if err != nil {
		errs = append(errs, err)
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		addField(
			"Memory",
			fmt.Sprintf("%d/%d MB (%.1f%%)", vm.Used/bytesPerMB, vm.Total/bytesPerMB, vm.UsedPercent),
		)
	} else {
		errs = append(errs, err)
	}
	if proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid())); err == nil {
		if mi, miErr := proc.MemoryInfoWithContext(ctx); miErr == nil {
			addField("Bot Memory", fmt.Sprintf("%d MB", mi.RSS/bytesPerMB))
		} else {
			errs = append(errs, miErr)
		}
	} else {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		logger.WarnContext(ctx, "error collecting stats", tint.Err(err))
	}

	_, err := cc.ReplyEmbed(em)
	return err
}

// addReactionImageCommand adds an image to the hug or pat library
func addReactionImageCommand(kind ReactionKind) HandlerFunc {
	return func(ctx context.Context, cc *CommandContext) error {
		imageURL, _ := cc.Args.String(0)
		if imageURL == "" {
			_, err := cc.Reply(fmt.Sprintf("Please supply a %s image link.", kind))
			return err
		}
		err := cc.Bot.reactionImages.Add(ctx, kind, imageURL)
		var existsErr *ExistenceError
		switch {
		case err == nil:
			_, err = cc.Reply(
				fmt.Sprintf("Added %s image, I now have %d", kind, cc.Bot.reactionImages.Len(kind)),
			)
			return err
		case errors.As(err, &existsErr):
			_, err = cc.Reply(fmt.Sprintf("I already have that %s image.", kind))
			return err
		case !isHTTPURL(imageURL):
			_, err = cc.Reply("That doesn't look like an image link.")
			return err
		default:
			return err
		}
	}
}

func newAdminGroup() *CommandGroup {
	return MustCommandGroup(
		"admin",
		Command{
			Name:    "prefix",
			Pattern: "{string}",
			Guards:  []Middleware{OwnerOnly},
			Handler: prefixCommand,
		},
		Command{
			Name:    "status",
			Pattern: "{group}",
			Guards:  []Middleware{OwnerOnly},
			Handler: statusCommand,
		},
		Command{
			Name:    "listguilds",
			Guards:  []Middleware{OwnerOnly},
			Handler: listGuildsCommand,
		},
		Command{
			Name:    "testmodonly",
			Guards:  []Middleware{ModOnly},
			Handler: testModOnlyCommand,
		},
		Command{
			Name:    "sleep",
			Guards:  []Middleware{OwnerOnly},
			Handler: stopCommand("Nightie night... 🌃", exitCodeSleep),
		},
		Command{
			Name:    "nap",
			Guards:  []Middleware{OwnerOnly},
			Handler: stopCommand("Taking a short nap... 💤 🐰", exitCodeNap),
		},
		Command{
			Name:    "stats",
			Guards:  []Middleware{OwnerOnly},
			Handler: statsCommand,
		},
		Command{
			Name:    "addhug",
			Pattern: "{string}",
			Guards:  []Middleware{OwnerOnly},
			Handler: addReactionImageCommand(ReactionHug),
		},
		Command{
			Name:    "addpat",
			Pattern: "{string}",
			Guards:  []Middleware{OwnerOnly},
			Handler: addReactionImageCommand(ReactionPat),
		},
	)
}
