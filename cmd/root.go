package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/sierra-m/olliebot/olliebot"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = olliebot.DefaultConfig()
	configFile string
)

// logLevelKeys are the config keys holding a *slog.LevelVar
var logLevelKeys = []string{
	"log_level",
	"database_log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"youtube.log_level",
	"birthdays.log_level",
	"api.log_level",
}

var rootCmd = &cobra.Command{
	Use:   "olliebot [flags]",
	Short: "OllieBot, a Discord bot for community servers",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					mapstructure.StringToSliceHookFunc(" "),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
	return lvl, nil
}

var levelVarType = reflect.TypeOf(slog.LevelVar{})

// LevelToStringHookFunc decodes level names like "INFO" or "debug" into
// a *slog.LevelVar. mapstructure hands the hook the slog.LevelVar itself
// when the field already holds a non-nil pointer, so both are matched.
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t != levelVarType && (t.Kind() != reflect.Ptr || t.Elem() != levelVarType) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, err
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

// Execute runs the root command, canceling its context on SIGINT,
// SIGTERM or SIGHUP.
func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		if err := godotenv.Load(configFile); err != nil {
			log.Printf("error loading %s: %v", configFile, err)
		}
	}

	viper.SetDefault("database", olliebot.DefaultDatabase)
	viper.SetDefault("database_type", olliebot.DefaultDatabaseType)
	viper.SetDefault("database_slow_threshold", olliebot.DefaultDatabaseSlowThreshold)
	viper.SetDefault("database_log_level", olliebot.DefaultDatabaseLogLevel.String())
	viper.SetDefault("log_level", olliebot.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", olliebot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", olliebot.DefaultShutdownTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.owner_id", "")
	viper.SetDefault("discord.default_prefix", olliebot.DefaultCommandPrefix)
	viper.SetDefault("discord.default_status", olliebot.DefaultDiscordStatus)
	viper.SetDefault("discord.log_level", olliebot.DefaultDiscordLogLevel.String())
	viper.SetDefault("discord.discordgo_log_level", olliebot.DefaultDiscordgoLogLevel.String())
	viper.SetDefault("discord.gateway_intents", int(olliebot.DefaultDiscordIntents))
	viper.SetDefault("discord.vote_channels", []string{})
	viper.SetDefault("discord.menu_timeout", olliebot.DefaultMenuTimeout)

	// YouTube feeds
	viper.SetDefault("youtube.api_key", "")
	viper.SetDefault("youtube.poll_interval", olliebot.DefaultYouTubePollInterval)
	viper.SetDefault("youtube.feeds_max", olliebot.DefaultYouTubeFeedsMax)
	viper.SetDefault("youtube.max_concurrent", olliebot.DefaultYouTubeMaxConcurrent)
	viper.SetDefault("youtube.log_level", olliebot.DefaultYouTubeLogLevel.String())

	// Birthdays
	viper.SetDefault("birthdays.check_interval", olliebot.DefaultBirthdayCheckInterval)
	viper.SetDefault("birthdays.log_level", olliebot.DefaultBirthdayLogLevel.String())

	// API config
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.listen", olliebot.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.log_level", olliebot.DefaultAPILogLevel.String())
	viper.SetDefault("api.session_max_age", olliebot.DefaultAPISessionMaxAge)
	viper.SetDefault("api.read_timeout", olliebot.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", olliebot.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", olliebot.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", olliebot.DefaultIdleTimeout)
	viper.SetDefault("api.development", false)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// API: SSL config
	fatalErr(viper.BindEnv("api.ssl.cert"))
	fatalErr(viper.BindEnv("api.ssl.key"))
	viper.SetDefault("api.ssl.tls_min_version", olliebot.DefaultAPITLSMinVersion)

	// API: CORS config
	viper.SetDefault("api.cors.allow_headers", olliebot.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.allow_methods", olliebot.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.expose_headers", olliebot.DefaultCORSExposeHeaders)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", olliebot.DefaultCORSMaxAge)
	viper.SetDefault("api.cors.allow_credentials", olliebot.DefaultAPICORSAllowCredentials)

	envPrefix := os.Getenv(olliebot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = olliebot.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// levels are decoded by LevelToStringHookFunc, but invalid ones
	// should fail before anything runs
	for _, key := range logLevelKeys {
		if _, err := levelStringToLevelVar(viper.GetString(key)); err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//nolint:gochecknoinits // cobra registration
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to load config from",
	)
}
