//nolint:lll // struct tags can't be split
package yakbot

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
)

const (
	EnvvarSetEnvPrefix = "YAKBOT_ENV_PREFIX"
	DefaultEnvPrefix   = "YAK"

	DefaultDatabaseType          = "sqlite"
	DefaultDatabase              = "yakbot.sqlite3"
	DefaultLogLevel              = slog.LevelInfo
	DefaultDatabaseLogLevel      = slog.LevelInfo
	DefaultDiscordLogLevel       = slog.LevelWarn
	DefaultDiscordgoLogLevel     = slog.LevelWarn
	DefaultOpenAILogLevel        = slog.LevelInfo
	DefaultAPILogLevel           = slog.LevelInfo
	DefaultDatabaseSlowThreshold = 200 * time.Millisecond

	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 60 * time.Second

	// DefaultInitialAllowance is the daily spendable balance, in dollars,
	// granted to each account at the daily reset.
	DefaultInitialAllowance = 0.5

	// DefaultAdminAllowanceMultiplier is applied to the initial allowance
	// for the operator account at reset time.
	DefaultAdminAllowanceMultiplier = 10.0

	// DefaultResetTimezone is the timezone whose calendar date drives the
	// daily allowance reset.
	DefaultResetTimezone = "US/Eastern"

	DefaultUpvoteEmoji   = "🔥"
	DefaultDownvoteEmoji = "🍅"

	DefaultOpenAIModel                = "gpt-4.1-mini"
	DefaultOpenAITemperature          = 1.0
	DefaultOpenAITopP                 = 1.0
	DefaultOpenAIRequestTimeout       = 90 * time.Second
	DefaultOpenAIMaxRequestsPerSecond = 1
	DefaultOpenAIMaxToolRounds        = 8

	// DefaultReplyChunkSize is the per-message ceiling when splitting long
	// replies into chained follow-ups.
	DefaultReplyChunkSize = 1950

	// DefaultMaxChainDepth caps the reply-chain walk against pathological
	// data.
	DefaultMaxChainDepth = 50

	DefaultAPIListen         = "127.0.0.1:5000"
	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second
	defaultListenNetwork     = "tcp"

	DefaultCORSMaxAge = 12 * time.Hour
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-Requested-With",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		xRequestIDHeader,
	}
)

type Config struct {
	// Database connection string, or SQLite file path
	Database string `yaml:"database" mapstructure:"database" json:"database"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// Discord configures aspects of the Discord bot itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// OpenAI holds the configuration for OpenAI integration
	OpenAI *OpenAIConfig `yaml:"openai" mapstructure:"openai" json:"openai"`

	// Credit configures the dabloon economy
	Credit *CreditConfig `yaml:"credit" mapstructure:"credit" json:"credit"`

	// API configures the operational HTTP API server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	// StaticConfig is the path to the read-only JSON file holding the
	// default personality and phrase lists. Loaded once at startup.
	StaticConfig string `yaml:"static_config" mapstructure:"static_config" json:"static_config"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// initialize. If this is passed, the bot will abort startup.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After this
	// elapses, the bot will force close all connections and exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DiscordConfig configures the discord bot itself.
//
//nolint:lll // can't break tags
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// GuildID, if set, restricts conversational handling to one guild.
	// Leave empty to respond in any guild the bot is a member of.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// AdminUserID is the bot operator's user ID. Admin verbs are only
	// honored from this user, and the account gets a boosted allowance.
	AdminUserID string `yaml:"admin_user_id" mapstructure:"admin_user_id" json:"admin_user_id"`

	// UpvoteEmoji is the reaction counted as +1 karma
	UpvoteEmoji string `yaml:"upvote_emoji" mapstructure:"upvote_emoji" json:"upvote_emoji"`

	// DownvoteEmoji is the reaction counted as -1 karma
	DownvoteEmoji string `yaml:"downvote_emoji" mapstructure:"downvote_emoji" json:"downvote_emoji"`

	// ReplyChunkSize is the per-message length ceiling for reply delivery
	ReplyChunkSize int `yaml:"reply_chunk_size" mapstructure:"reply_chunk_size" json:"reply_chunk_size"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	httpClient *http.Client
}

// OpenAIConfig configures OpenAI API integration and generation defaults
type OpenAIConfig struct {
	// OpenAI API token
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// OpenAI base log level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// DefaultModel is used when no usemodel directive appears in a chain
	DefaultModel string `yaml:"default_model" mapstructure:"default_model" json:"default_model"`

	// DefaultTemperature is the sampling temperature default
	DefaultTemperature float32 `yaml:"default_temperature" mapstructure:"default_temperature" json:"default_temperature"`

	// DefaultTopP is the nucleus sampling default
	DefaultTopP float32 `yaml:"default_top_p" mapstructure:"default_top_p" json:"default_top_p"`

	// RequestTimeout bounds each completion round trip
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout" json:"request_timeout"`

	// MaxRequestsPerSecond limits outbound OpenAI API calls
	MaxRequestsPerSecond int `yaml:"max_requests_per_second" mapstructure:"max_requests_per_second" json:"max_requests_per_second"`

	// MaxToolRounds caps the number of function-call round trips per prompt
	MaxToolRounds int `yaml:"max_tool_rounds" mapstructure:"max_tool_rounds" json:"max_tool_rounds"`
}

// CreditConfig configures the dabloon economy.
type CreditConfig struct {
	// InitialAllowance is the daily spendable balance granted at reset
	InitialAllowance float64 `yaml:"initial_allowance" mapstructure:"initial_allowance" json:"initial_allowance"`

	// AdminAllowanceMultiplier scales the operator account's allowance
	AdminAllowanceMultiplier float64 `yaml:"admin_allowance_multiplier" mapstructure:"admin_allowance_multiplier" json:"admin_allowance_multiplier"`

	// ResetTimezone is the IANA timezone whose date drives the daily reset
	ResetTimezone string `yaml:"reset_timezone" mapstructure:"reset_timezone" json:"reset_timezone"`
}

// APIConfig configures the operational HTTP API server
type APIConfig struct {
	// Enabled determines whether the API server is started
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true,hostname|filepath"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required_if=Enabled true,oneof=tcp tcp4 tcp6 unix"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"required_if=Enabled true,min=1s"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"  binding:"required_if=Enabled true,min=1s"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"  binding:"required_if=Enabled true,min=1s"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"  binding:"required_if=Enabled true,min=1s"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	defaultMethods := make([]string, len(DefaultCORSAllowMethods))
	copy(defaultMethods, DefaultCORSAllowMethods)

	defaultHeaders := make([]string, len(DefaultCORSAllowHeaders))
	copy(defaultHeaders, DefaultCORSAllowHeaders)

	defaultExpose := make([]string, len(DefaultCORSExposeHeaders))
	copy(defaultExpose, DefaultCORSExposeHeaders)

	return CORSConfig{
		AllowOrigins:  []string{},
		AllowMethods:  defaultMethods,
		AllowHeaders:  defaultHeaders,
		ExposeHeaders: defaultExpose,
		MaxAge:        DefaultCORSMaxAge,
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	openaiLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	openaiLogLevel.Set(DefaultOpenAILogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Discord: &DiscordConfig{
			UpvoteEmoji:       DefaultUpvoteEmoji,
			DownvoteEmoji:     DefaultDownvoteEmoji,
			ReplyChunkSize:    DefaultReplyChunkSize,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
		},
		OpenAI: &OpenAIConfig{
			LogLevel:             openaiLogLevel,
			DefaultModel:         DefaultOpenAIModel,
			DefaultTemperature:   DefaultOpenAITemperature,
			DefaultTopP:          DefaultOpenAITopP,
			RequestTimeout:       DefaultOpenAIRequestTimeout,
			MaxRequestsPerSecond: DefaultOpenAIMaxRequestsPerSecond,
			MaxToolRounds:        DefaultOpenAIMaxToolRounds,
		},
		Credit: &CreditConfig{
			InitialAllowance:         DefaultInitialAllowance,
			AdminAllowanceMultiplier: DefaultAdminAllowanceMultiplier,
			ResetTimezone:            DefaultResetTimezone,
		},
		API: &APIConfig{
			Listen:            DefaultAPIListen,
			ListenNetwork:     defaultListenNetwork,
			LogLevel:          apiLogLevel,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			CORS:              DefaultCORSConfig(),
		},
	}
}
