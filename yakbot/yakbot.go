package yakbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const insufficientCreditReply = "You're out of dabloons for today. " +
	"Your allowance refills at the daily reset."

// chatCostEstimate is the static per-request estimate checked before a
// completion; the real measured cost is debited afterward.
const chatCostEstimate = 0.001

// Overridden at build time via:
// -ldflags "-X github.com/arj01638/YakDiscBot/yakbot.Version=$$(date +'%Y%m%d')"
var (
	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// YakBot is the root application object, wiring the gateway, the
// completion client, and the ledger-backed components together.
type YakBot struct {
	config *Config
	logger *slog.Logger
	db     DBI

	discord       *Discord
	openai        *OpenAI
	creditGate    *CreditGate
	ledger        *ReactionLedger
	resolver      *IdentityResolver
	abbreviations *AbbreviationStore
	compiler      *PromptCompiler
	safety        *SafetyHandler
	scheduler     *ResetScheduler
	api           *API
	static        *StaticConfig

	runMu      sync.Mutex
	signalStop chan struct{}
	startedAt  time.Time
}

// New creates a YakBot from config. The database is not opened until
// Run.
func New(config *Config) (*YakBot, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}
	if config.Discord == nil || config.Discord.Token == "" {
		errs = append(errs, errors.New("discord token is required"))
	}
	if config.OpenAI == nil || config.OpenAI.Token == "" {
		errs = append(errs, errors.New("openai token is required"))
	}
	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	b := &YakBot{config: config}
	b.logger = newLogger(config.LogLevel, "yakbot")
	slog.SetDefault(b.logger)

	static, err := LoadStaticConfig(config.StaticConfig)
	if err != nil {
		errs = append(errs, err)
	}
	b.static = static

	config.Discord.httpClient = config.HTTPClient
	b.discord = newDiscord(
		config.Discord,
		newLogger(config.Discord.LogLevel, "discord"),
	)
	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogger(config.Discord.DiscordGoLogLevel, "discordgo").Handler(),
	)

	if len(errs) > 0 {
		return b, errors.Join(errs...)
	}
	return b, nil
}

// initComponents builds everything that needs the opened database.
func (b *YakBot) initComponents(db DBI) error {
	config := b.config
	b.db = db

	b.creditGate = NewCreditGate(
		db,
		config.Credit,
		config.Discord.AdminUserID,
		b.logger,
	)
	b.ledger = NewReactionLedger(
		db,
		config.Discord.UpvoteEmoji,
		config.Discord.DownvoteEmoji,
		b.logger,
	)
	b.resolver = NewIdentityResolver(db, b.discord, b.logger)
	b.abbreviations = NewAbbreviationStore(db, b.logger)
	b.openai = newOpenAI(
		config.OpenAI,
		b.resolver,
		config.HTTPClient,
		newLogger(config.OpenAI.LogLevel, "openai"),
	)
	b.compiler = NewPromptCompiler(
		b.discord,
		b.resolver,
		b.abbreviations,
		b.static,
		config.OpenAI,
		b.discord.BotUserID,
		ModelKnown,
		b.logger,
	)
	b.safety = NewSafetyHandler(db, b.ledger, b.static, b.logger)

	scheduler, err := NewResetScheduler(
		b.creditGate,
		db,
		config.Credit.ResetTimezone,
		b.logger,
	)
	if err != nil {
		return err
	}
	b.scheduler = scheduler

	if config.API != nil && config.API.Enabled {
		api, apiErr := newAPI(b, config.API)
		if apiErr != nil {
			return apiErr
		}
		b.api = api
	}
	return nil
}

// Run starts the bot and blocks until ctx is canceled or Stop is
// called, then shuts down gracefully.
func (b *YakBot) Run(ctx context.Context) error {
	b.runMu.Lock()
	defer b.runMu.Unlock()

	b.signalStop = make(chan struct{}, 1)
	b.startedAt = time.Now()
	logger := b.logger
	ctx = WithLogger(ctx, logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-b.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
		}
	}()

	logger.LogAttrs(
		ctx, slog.LevelInfo, "starting", slog.Any("config", b.config),
	)

	startCtx, startCancel := context.WithTimeout(
		ctx, b.config.StartupTimeout,
	)
	defer startCancel()

	gormDB, err := CreateDB(
		startCtx, b.config.DatabaseType, b.config.Database,
	)
	if err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	db := NewDatabase(
		gormDB,
		newLogger(b.config.DatabaseLogLevel, "database"),
		b.config.DatabaseType == dbTypePostgres,
	)
	if err = b.initComponents(db); err != nil {
		return err
	}

	session, err := b.discord.newSession()
	if err != nil {
		return err
	}
	b.discord.session = session

	b.discord.discordgoRemoveHandlerFuncs = []func(){
		session.AddHandler(b.discord.handlerReady()),
		session.AddHandler(b.discord.handlerConnect()),
		session.AddHandler(b.discord.handlerDisconnect()),
		session.AddHandler(b.handlerMessageCreate(ctx)),
		session.AddHandler(b.handlerReactionAdd(ctx)),
		session.AddHandler(b.handlerReactionRemove(ctx)),
	}

	if err = session.Open(); err != nil {
		return fmt.Errorf("error opening discord session: %w", err)
	}

	if err = b.scheduler.Start(ctx); err != nil {
		return errors.Join(err, session.Close())
	}

	if b.api != nil {
		go func() {
			httpErr := b.api.Serve(ctx)
			if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
				logger.ErrorContext(
					ctx, "error serving api HTTP", tint.Err(httpErr),
				)
			}
		}()
	}

	logger.InfoContext(ctx, "startup complete")
	<-ctx.Done()
	return b.shutdown()
}

// Stop triggers a graceful shutdown of a running bot.
func (b *YakBot) Stop() {
	select {
	case b.signalStop <- struct{}{}:
	default:
	}
}

func (b *YakBot) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(
		context.Background(), b.config.ShutdownTimeout,
	)
	defer cancel()

	var errs []error
	for _, removeHandler := range b.discord.discordgoRemoveHandlerFuncs {
		removeHandler()
	}
	if b.discord.session != nil {
		if err := b.discord.session.Close(); err != nil {
			errs = append(
				errs, fmt.Errorf("error closing discord session: %w", err),
			)
		}
	}
	b.scheduler.Stop()
	if b.api != nil {
		if err := b.api.Shutdown(shutdownCtx); err != nil {
			errs = append(
				errs, fmt.Errorf("error shutting down api: %w", err),
			)
		}
	}
	b.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

// mentionPrefix strips a leading mention of the bot from content. The
// second return is false when content doesn't start with one.
func mentionPrefix(content string, botID string) (string, bool) {
	if botID == "" {
		return "", false
	}
	trimmed := strings.TrimSpace(content)
	for _, prefix := range []string{
		"<@" + botID + ">",
		"<@!" + botID + ">",
	} {
		if strings.HasPrefix(trimmed, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(trimmed, prefix)), true
		}
	}
	return "", false
}

func (b *YakBot) handlerMessageCreate(ctx context.Context) func(
	s *discordgo.Session,
	m *discordgo.MessageCreate,
) {
	return func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.Bot {
			return
		}
		if b.config.Discord.GuildID != "" &&
			m.GuildID != b.config.Discord.GuildID {
			return
		}
		logger := b.logger.With(
			"message_id", m.ID,
			"author_id", m.Author.ID,
		)
		msgCtx := WithLogger(ctx, logger)

		if m.GuildID != "" {
			reply, err := b.safety.Check(
				msgCtx, m.GuildID, m.Author.ID, m.Content,
			)
			if err != nil {
				logger.ErrorContext(
					msgCtx, "safety check failed", tint.Err(err),
				)
			}
			if reply != "" {
				if err = b.discord.Deliver(
					msgCtx, m.ChannelID, m.Reference(), reply, nil,
				); err != nil {
					logger.ErrorContext(
						msgCtx, "error sending safety reply", tint.Err(err),
					)
				}
				return
			}
		}

		rest, mentioned := mentionPrefix(m.Content, b.discord.BotUserID())
		if !mentioned {
			return
		}
		if b.dispatchCommand(msgCtx, m, rest) {
			return
		}
		b.handlePromptChain(msgCtx, m)
	}
}

// handlePromptChain runs the full conversational flow for one message:
// credit check, chain compilation, completion, debit, delivery.
func (b *YakBot) handlePromptChain(
	ctx context.Context,
	m *discordgo.MessageCreate,
) {
	logger, _ := ContextLogger(ctx)
	if logger == nil {
		logger = b.logger
	}

	if err := b.creditGate.Authorize(ctx, m.Author.ID, chatCostEstimate); err != nil {
		if errors.Is(err, ErrInsufficientCredit) {
			b.replyText(ctx, m, insufficientCreditReply)
			return
		}
		logger.ErrorContext(ctx, "authorization failed", tint.Err(err))
		return
	}

	b.discord.Typing(ctx, m.ChannelID)

	prompt, err := b.compiler.Compile(ctx, m.GuildID, m.Message)
	if err != nil {
		logger.ErrorContext(ctx, "prompt compilation failed", tint.Err(err))
		return
	}
	logger.InfoContext(
		ctx,
		"compiled prompt",
		"turns", len(prompt.Turns),
		"params", prompt.Params,
	)

	result, err := b.openai.ChatResponse(ctx, prompt)
	if err != nil {
		logger.ErrorContext(ctx, "completion failed", tint.Err(err))
		b.replyText(
			ctx, m, fmt.Sprintf("Error getting a response: %s", err.Error()),
		)
		return
	}

	if _, err = b.creditGate.Debit(
		ctx, m.Author.ID, result.Cost,
	); err != nil {
		// Reply anyway - the user shouldn't eat a silent failure over a
		// billing bookkeeping error.
		logger.ErrorContext(ctx, "debit failed", tint.Err(err))
	}

	if err = b.discord.Deliver(
		ctx, m.ChannelID, m.Reference(), result.Text, nil,
	); err != nil {
		logger.ErrorContext(ctx, "error delivering reply", tint.Err(err))
	}
}

func (b *YakBot) replyText(
	ctx context.Context,
	m *discordgo.MessageCreate,
	text string,
) {
	if err := b.discord.Deliver(
		ctx, m.ChannelID, m.Reference(), text, nil,
	); err != nil {
		b.logger.ErrorContext(ctx, "error sending reply", tint.Err(err))
	}
}

func (b *YakBot) handlerReactionAdd(ctx context.Context) func(
	s *discordgo.Session,
	r *discordgo.MessageReactionAdd,
) {
	return func(_ *discordgo.Session, r *discordgo.MessageReactionAdd) {
		value, tracked := b.ledger.ValueForEmoji(r.Emoji.Name)
		if !tracked || r.GuildID == "" {
			return
		}
		logger := b.logger.With(
			"message_id", r.MessageID,
			"reactor_id", r.UserID,
		)
		evtCtx := WithLogger(ctx, logger)

		// the event doesn't carry the message author, so fetch it
		message, err := b.discord.Message(evtCtx, r.ChannelID, r.MessageID)
		if err != nil {
			logger.ErrorContext(
				evtCtx,
				"error fetching reacted message",
				tint.Err(err),
			)
			return
		}
		if message.Author == nil {
			return
		}
		if _, err = b.ledger.AddReaction(
			evtCtx, ReactionRecord{
				MessageID: r.MessageID,
				ReactorID: r.UserID,
				Value:     value,
				ReacteeID: message.Author.ID,
				GuildID:   r.GuildID,
			},
		); err != nil {
			logger.ErrorContext(evtCtx, "error adding reaction", tint.Err(err))
		}
	}
}

func (b *YakBot) handlerReactionRemove(ctx context.Context) func(
	s *discordgo.Session,
	r *discordgo.MessageReactionRemove,
) {
	return func(_ *discordgo.Session, r *discordgo.MessageReactionRemove) {
		value, tracked := b.ledger.ValueForEmoji(r.Emoji.Name)
		if !tracked || r.GuildID == "" {
			return
		}
		logger := b.logger.With(
			"message_id", r.MessageID,
			"reactor_id", r.UserID,
		)
		evtCtx := WithLogger(ctx, logger)
		if _, err := b.ledger.RemoveReaction(
			evtCtx, r.MessageID, r.UserID, value,
		); err != nil {
			logger.ErrorContext(
				evtCtx, "error removing reaction", tint.Err(err),
			)
		}
	}
}
