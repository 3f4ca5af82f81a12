package cmd

import (
	"fmt"
	"github.com/arj01638/YakDiscBot/yakbot"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func assertLogLevel(t *testing.T, expected slog.Level, actual any) {
	t.Helper()

	lvl, ok := actual.(*slog.LevelVar)
	require.Truef(t, ok, "expected *slog.LevelVar, got %T (%#v)", actual, actual)
	assert.Equal(t, expected, lvl.Level())
}

func TestLoadConfigFromEnvFile(t *testing.T) {
	// Save the original environment
	originalEnv := os.Environ()
	t.Cleanup(
		func() {
			os.Clearenv()
			for _, envVar := range originalEnv {
				parts := strings.SplitN(envVar, "=", 2)
				os.Setenv(parts[0], parts[1])
			}
		},
	)

	// Clear the environment before the test
	os.Clearenv()

	tmpdir := t.TempDir()

	// Set up the test environment file
	envFile := filepath.Join(tmpdir, "test.env")

	envContent := `
# General/database config

YAK_DATABASE=/home/foo/yakbot.sqlite3
YAK_DATABASE_TYPE=sqlite
YAK_DATABASE_LOG_LEVEL=INFO
YAK_DATABASE_SLOW_THRESHOLD=200ms
YAK_LOG_LEVEL=INFO
YAK_STARTUP_TIMEOUT=30s
YAK_SHUTDOWN_TIMEOUT=60s
YAK_STATIC_CONFIG=/etc/yakbot/static.json

# OpenAI config

YAK_OPENAI_TOKEN=your-openai-token
YAK_OPENAI_LOG_LEVEL=INFO
YAK_OPENAI_DEFAULT_MODEL=gpt-4.1
YAK_OPENAI_DEFAULT_TEMPERATURE=0.7
YAK_OPENAI_DEFAULT_TOP_P=0.9
YAK_OPENAI_REQUEST_TIMEOUT=45s
YAK_OPENAI_MAX_REQUESTS_PER_SECOND=2
YAK_OPENAI_MAX_TOOL_ROUNDS=4

# Discord bot config

YAK_DISCORD_TOKEN=your-discord-bot-token
YAK_DISCORD_GUILD_ID=
YAK_DISCORD_ADMIN_USER_ID=123456789012345678
YAK_DISCORD_UPVOTE_EMOJI=🔥
YAK_DISCORD_DOWNVOTE_EMOJI=🍅
YAK_DISCORD_REPLY_CHUNK_SIZE=1950
YAK_DISCORD_LOG_LEVEL=WARN
YAK_DISCORD_DISCORDGO_LOG_LEVEL=WARN

# Credit config

YAK_CREDIT_INITIAL_ALLOWANCE=0.5
YAK_CREDIT_ADMIN_ALLOWANCE_MULTIPLIER=10
YAK_CREDIT_RESET_TIMEZONE=US/Eastern

# API server

YAK_API_ENABLED=true
YAK_API_LISTEN=127.0.0.1:5000
YAK_API_LISTEN_NETWORK=tcp
YAK_API_LOG_LEVEL=DEBUG
YAK_API_CORS_ALLOW_ORIGINS=https://127.0.0.1:5000 https://localhost:5000
YAK_API_CORS_ALLOW_METHODS=GET POST OPTIONS HEAD
YAK_API_CORS_ALLOW_HEADERS=Origin Content-Length Content-Type Accept Authorization X-Requested-With X-Request-ID
YAK_API_CORS_EXPOSE_HEADERS=Content-Type Content-Length X-Request-ID
YAK_API_CORS_ALLOW_CREDENTIALS=true
YAK_API_CORS_MAX_AGE=12h
YAK_API_READ_TIMEOUT=5s
YAK_API_READ_HEADER_TIMEOUT=5s
YAK_API_WRITE_TIMEOUT=10s
YAK_API_IDLE_TIMEOUT=30s
`

	err := os.WriteFile(envFile, []byte(envContent), 0644)
	assert.NoError(t, err)

	rootCmd.SetArgs([]string{fmt.Sprintf("--config=%s", envFile), "version"})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, "/home/foo/yakbot.sqlite3", cfg.Database)
	assert.Equal(t, "/home/foo/yakbot.sqlite3", viper.GetString("database"))
	assert.Equal(t, "sqlite", viper.GetString("database_type"))

	assertLogLevel(t, slog.LevelInfo, viper.Get("database_log_level"))

	assert.Equal(t, 200*time.Millisecond, viper.GetDuration("database_slow_threshold"))
	assertLogLevel(t, slog.LevelInfo, viper.Get("log_level"))
	assert.Equal(t, 30*time.Second, viper.GetDuration("startup_timeout"))
	assert.Equal(t, 60*time.Second, viper.GetDuration("shutdown_timeout"))
	assert.Equal(t, "/etc/yakbot/static.json", viper.GetString("static_config"))

	assert.Equal(t, "your-openai-token", viper.GetString("openai.token"))

	assertLogLevel(t, slog.LevelInfo, viper.Get("openai.log_level"))

	assert.Equal(t, "gpt-4.1", viper.GetString("openai.default_model"))
	assert.Equal(t, 45*time.Second, viper.GetDuration("openai.request_timeout"))
	assert.Equal(t, 2, viper.GetInt("openai.max_requests_per_second"))
	assert.Equal(t, 4, viper.GetInt("openai.max_tool_rounds"))

	assert.Equal(t, "your-discord-bot-token", viper.GetString("discord.token"))
	assert.Equal(t, "", viper.GetString("discord.guild_id"))
	assert.Equal(t, "123456789012345678", viper.GetString("discord.admin_user_id"))
	assert.Equal(t, "🔥", viper.GetString("discord.upvote_emoji"))
	assert.Equal(t, "🍅", viper.GetString("discord.downvote_emoji"))
	assert.Equal(t, 1950, viper.GetInt("discord.reply_chunk_size"))

	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.log_level"))
	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.discordgo_log_level"))

	assert.Equal(t, 0.5, viper.GetFloat64("credit.initial_allowance"))
	assert.Equal(t, 10.0, viper.GetFloat64("credit.admin_allowance_multiplier"))
	assert.Equal(t, "US/Eastern", viper.GetString("credit.reset_timezone"))

	assert.True(t, viper.GetBool("api.enabled"))
	assert.Equal(t, "127.0.0.1:5000", viper.GetString("api.listen"))
	assert.Equal(t, "tcp", viper.GetString("api.listen_network"))
	assertLogLevel(t, slog.LevelDebug, viper.Get("api.log_level"))
	assert.Equal(t, slog.LevelDebug, cfg.API.LogLevel.Level())
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5000", "https://localhost:5000"},
		viper.GetStringSlice("api.cors.allow_origins"),
	)
	assert.Equal(
		t,
		[]string{"GET", "POST", "OPTIONS", "HEAD"},
		viper.GetStringSlice("api.cors.allow_methods"),
	)
	assert.Equal(
		t,
		[]string{"GET", "POST", "OPTIONS", "HEAD"},
		cfg.API.CORS.AllowMethods,
	)
	assert.Equal(
		t,
		[]string{
			"Origin",
			"Content-Length",
			"Content-Type",
			"Accept",
			"Authorization",
			"X-Requested-With",
			"X-Request-ID",
		},
		viper.GetStringSlice("api.cors.allow_headers"),
	)
	assert.Equal(
		t,
		[]string{
			"Content-Type",
			"Content-Length",
			"X-Request-ID",
		},
		viper.GetStringSlice("api.cors.expose_headers"),
	)
	assert.True(t, viper.GetBool("api.cors.allow_credentials"))
	assert.Equal(t, 12*time.Hour, viper.GetDuration("api.cors.max_age"))
	assert.Equal(t, 5*time.Second, viper.GetDuration("api.read_timeout"))
	assert.Equal(t, 5*time.Second, viper.GetDuration("api.read_header_timeout"))
	assert.Equal(t, 10*time.Second, viper.GetDuration("api.write_timeout"))
	assert.Equal(t, 30*time.Second, viper.GetDuration("api.idle_timeout"))

	// Unmarshal the configuration into a yakbot.Config struct
	var config yakbot.Config
	err = viper.Unmarshal(
		&config, viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				LevelToStringHookFunc(),
			),
		),
	)
	assert.NoError(t, err)

	// Verify some key fields in the Config struct
	assert.Equal(t, "/home/foo/yakbot.sqlite3", config.Database)
	assert.Equal(t, "sqlite", config.DatabaseType)
	assert.Equal(t, slog.LevelInfo, config.DatabaseLogLevel.Level())
	assert.Equal(t, 200*time.Millisecond, config.DatabaseSlowThreshold)
	assert.Equal(t, slog.LevelInfo, config.LogLevel.Level())
	assert.Equal(t, 30*time.Second, config.StartupTimeout)
	assert.Equal(t, 60*time.Second, config.ShutdownTimeout)
	assert.Equal(t, "/etc/yakbot/static.json", config.StaticConfig)

	assert.Equal(t, "your-openai-token", config.OpenAI.Token)
	assert.Equal(t, slog.LevelInfo, config.OpenAI.LogLevel.Level())
	assert.Equal(t, "gpt-4.1", config.OpenAI.DefaultModel)
	assert.Equal(t, float32(0.7), config.OpenAI.DefaultTemperature)
	assert.Equal(t, float32(0.9), config.OpenAI.DefaultTopP)
	assert.Equal(t, 45*time.Second, config.OpenAI.RequestTimeout)
	assert.Equal(t, 2, config.OpenAI.MaxRequestsPerSecond)
	assert.Equal(t, 4, config.OpenAI.MaxToolRounds)

	assert.Equal(t, "your-discord-bot-token", config.Discord.Token)
	assert.Equal(t, "", config.Discord.GuildID)
	assert.Equal(t, "123456789012345678", config.Discord.AdminUserID)
	assert.Equal(t, "🔥", config.Discord.UpvoteEmoji)
	assert.Equal(t, "🍅", config.Discord.DownvoteEmoji)
	assert.Equal(t, 1950, config.Discord.ReplyChunkSize)
	assert.Equal(t, slog.LevelWarn, config.Discord.LogLevel.Level())
	assert.Equal(t, slog.LevelWarn, config.Discord.DiscordGoLogLevel.Level())

	assert.Equal(t, 0.5, config.Credit.InitialAllowance)
	assert.Equal(t, 10.0, config.Credit.AdminAllowanceMultiplier)
	assert.Equal(t, "US/Eastern", config.Credit.ResetTimezone)

	assert.True(t, config.API.Enabled)
	assert.Equal(t, "127.0.0.1:5000", config.API.Listen)
	assert.Equal(t, "tcp", config.API.ListenNetwork)
	assert.Equal(t, slog.LevelDebug, config.API.LogLevel.Level())
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5000", "https://localhost:5000"},
		config.API.CORS.AllowOrigins,
	)
	assert.Equal(
		t,
		[]string{"GET", "POST", "OPTIONS", "HEAD"},
		config.API.CORS.AllowMethods,
	)
	assert.Equal(
		t,
		[]string{
			"Origin",
			"Content-Length",
			"Content-Type",
			"Accept",
			"Authorization",
			"X-Requested-With",
			"X-Request-ID",
		},
		config.API.CORS.AllowHeaders,
	)
}
