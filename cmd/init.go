package cmd

import (
	"bufio"
	"fmt"
	"log"
	"strings"
	"syscall"

	"github.com/sierra-m/olliebot/olliebot"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// passwordReader reads a password without echoing it. It's swapped out
// in tests.
type passwordReader func() ([]byte, error)

var customPasswordReader passwordReader

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database and set admin API credentials",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			log.Fatal("Environment variable OB_DATABASE_TYPE not set (must be one of: sqlite, postgres)")
		}
		if cfg.Database == "" {
			log.Fatal(
				"Environment variable OB_DATABASE not set (must be a valid " +
					"database connection string or sqlite file path)",
			)
		}
		db, err := olliebot.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			log.Fatalf("Error creating database: %v", err)
		}
		defer func() {
			if sqlDB, dbErr := db.DB(); dbErr == nil {
				_ = sqlDB.Close()
			}
		}()

		state, err := olliebot.LoadOrCreateBotState(ctx, db, cfg.Discord)
		if err != nil {
			log.Fatalf("Error loading bot state: %v", err)
		}

		out := cmd.OutOrStdout()
		if state.AdminUsername != "" && state.AdminPassword != "" {
			fmt.Fprintln(out, "Admin credentials are already set.")
		} else {
			fmt.Fprintln(out, "Admin credentials are not set. Let's set them up.")

			reader := bufio.NewReader(cmd.InOrStdin())
			fmt.Fprint(out, "Enter admin username: ")
			username, _ := reader.ReadString('\n')
			username = strings.TrimSpace(username)

			if customPasswordReader == nil {
				customPasswordReader = func() ([]byte, error) {
					return term.ReadPassword(int(syscall.Stdin))
				}
			}

			var password string
			for {
				fmt.Fprint(out, "Enter admin password: ")
				passwordBytes, _ := customPasswordReader()
				password = string(passwordBytes)
				fmt.Fprintln(out)

				fmt.Fprint(out, "Confirm admin password: ")
				confirmBytes, _ := customPasswordReader()
				fmt.Fprintln(out)

				if password != "" && password == string(confirmBytes) {
					break
				}
				fmt.Fprintln(out, "Passwords are empty or do not match. Please try again.")
			}

			if err = olliebot.SetAdminCredentials(ctx, db, state, username, password); err != nil {
				log.Fatalf("Error setting admin credentials: %v", err)
			}
			fmt.Fprintln(out, "Admin credentials set successfully.")
		}

		fmt.Fprintf(out, "Command prefix: %s\n", state.Prefix)
		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
	},
}

//nolint:gochecknoinits // cobra registration
func init() {
	rootCmd.AddCommand(initCmd)
}
