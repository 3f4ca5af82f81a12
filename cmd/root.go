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

	"github.com/arj01638/YakDiscBot/yakbot"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = yakbot.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "yakbot [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
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
	switch level {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
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
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("database", yakbot.DefaultDatabase)
	viper.SetDefault("database_type", yakbot.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		yakbot.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		yakbot.DefaultDatabaseLogLevel.String(),
	)

	viper.SetDefault("log_level", yakbot.DefaultLogLevel.String())
	viper.SetDefault("static_config", "")

	viper.SetDefault("startup_timeout", yakbot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", yakbot.DefaultShutdownTimeout)

	// OpenAI config
	viper.SetDefault("openai.log_level", yakbot.DefaultOpenAILogLevel.String())
	viper.SetDefault("openai.token", "")
	viper.SetDefault("openai.default_model", yakbot.DefaultOpenAIModel)
	viper.SetDefault(
		"openai.default_temperature",
		yakbot.DefaultOpenAITemperature,
	)
	viper.SetDefault("openai.default_top_p", yakbot.DefaultOpenAITopP)
	viper.SetDefault(
		"openai.request_timeout",
		yakbot.DefaultOpenAIRequestTimeout,
	)
	viper.SetDefault(
		"openai.max_requests_per_second",
		yakbot.DefaultOpenAIMaxRequestsPerSecond,
	)
	viper.SetDefault(
		"openai.max_tool_rounds",
		yakbot.DefaultOpenAIMaxToolRounds,
	)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.admin_user_id", "")
	viper.SetDefault("discord.upvote_emoji", yakbot.DefaultUpvoteEmoji)
	viper.SetDefault("discord.downvote_emoji", yakbot.DefaultDownvoteEmoji)
	viper.SetDefault(
		"discord.reply_chunk_size",
		yakbot.DefaultReplyChunkSize,
	)
	viper.SetDefault(
		"discord.log_level",
		yakbot.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		yakbot.DefaultDiscordgoLogLevel.String(),
	)

	// Credit config
	viper.SetDefault(
		"credit.initial_allowance",
		yakbot.DefaultInitialAllowance,
	)
	viper.SetDefault(
		"credit.admin_allowance_multiplier",
		yakbot.DefaultAdminAllowanceMultiplier,
	)
	viper.SetDefault("credit.reset_timezone", yakbot.DefaultResetTimezone)

	// API config
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.listen", yakbot.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.log_level", yakbot.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", yakbot.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		yakbot.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", yakbot.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", yakbot.DefaultIdleTimeout)

	// API: CORS config
	viper.SetDefault(
		"api.cors.allow_headers",
		yakbot.DefaultCORSAllowHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_methods",
		yakbot.DefaultCORSAllowMethods,
	)
	viper.SetDefault(
		"api.cors.expose_headers",
		yakbot.DefaultCORSExposeHeaders,
	)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", yakbot.DefaultCORSMaxAge)
	viper.SetDefault("api.cors.allow_credentials", false)

	envPrefix := os.Getenv(yakbot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = yakbot.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	viper.Set(
		"api.cors.allow_headers",
		viper.GetStringSlice("api.cors.allow_headers"),
	)
	viper.Set(
		"api.cors.allow_origins",
		viper.GetStringSlice("api.cors.allow_origins"),
	)
	viper.Set(
		"api.cors.allow_methods",
		viper.GetStringSlice("api.cors.allow_methods"),
	)
	viper.Set(
		"api.cors.expose_headers",
		viper.GetStringSlice("api.cors.expose_headers"),
	)

	for _, key := range []string{
		"log_level",
		"database_log_level",
		"discord.log_level",
		"discord.discordgo_log_level",
		"openai.log_level",
		"api.log_level",
	} {
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//goland:noinspection GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
