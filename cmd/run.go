package cmd

import (
	"log"
	"os"

	"github.com/sierra-m/olliebot/olliebot"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run [flags]",
	Short: "Connects to Discord and starts the bot, background workers and (optionally) the admin API",
	Run: func(cmd *cobra.Command, _ []string) {
		ctx := cmd.Context()
		bot, err := olliebot.New(cfg)
		if err != nil {
			log.Fatalf("error creating bot: %s", err.Error())
		}

		if err = bot.Run(ctx); err != nil {
			log.Printf("error running bot: %s", err.Error())
		}
		// the sleep and nap commands pick the exit code, so a supervisor
		// can decide whether to restart
		if code := bot.ExitCode(); code != 0 || err != nil {
			if code == 0 {
				code = 1
			}
			os.Exit(code)
		}
	},
}

//nolint:gochecknoinits // cobra registration
func init() {
	rootCmd.AddCommand(runCmd)
}
