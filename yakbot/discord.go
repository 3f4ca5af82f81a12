package yakbot

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// discordRequestTimeout bounds individual REST calls to Discord, so a
// hung fetch degrades (truncated chain, ID fallback) instead of
// stalling a handler.
const discordRequestTimeout = 10 * time.Second

// DiscordSessionHandler defines the methods used from
// [discordgo.Session], to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// ChannelMessage fetches a single message
	ChannelMessage(
		channelID string,
		messageID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessages fetches a page of channel history
	ChannelMessages(
		channelID string,
		limit int,
		beforeID string,
		afterID string,
		aroundID string,
		options ...discordgo.RequestOption,
	) ([]*discordgo.Message, error)

	// ChannelMessageSendReply sends a message to the given channel, as a
	// reply to the referenced message
	ChannelMessageSendReply(
		channelID string,
		content string,
		reference *discordgo.MessageReference,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSendComplex sends a full MessageSend payload,
	// used for replies carrying file attachments or embeds
	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelTyping broadcasts a typing indicator in the channel
	ChannelTyping(
		channelID string,
		options ...discordgo.RequestOption,
	) error

	// GuildMember fetches a guild member
	GuildMember(
		guildID string,
		userID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Member, error)

	// MessageReactions fetches the users behind one reaction on a message
	MessageReactions(
		channelID string,
		messageID string,
		emojiID string,
		limit int,
		beforeID string,
		afterID string,
		options ...discordgo.RequestOption,
	) ([]*discordgo.User, error)

	// UpdateCustomStatus sets the bot's user status to the given string
	UpdateCustomStatus(status string) error

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) ChannelMessage(
	channelID string,
	messageID string,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessage(channelID, messageID, options...)
}

func (d DiscordSession) ChannelMessages(
	channelID string,
	limit int,
	beforeID string,
	afterID string,
	aroundID string,
	options ...discordgo.RequestOption,
) ([]*discordgo.Message, error) {
	return d.session.ChannelMessages(
		channelID, limit, beforeID, afterID, aroundID, options...,
	)
}

func (d DiscordSession) ChannelMessageSendReply(
	channelID string,
	content string,
	reference *discordgo.MessageReference,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSendReply(
		channelID, content, reference, options...,
	)
}

func (d DiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSendComplex(channelID, data, options...)
}

func (d DiscordSession) ChannelTyping(
	channelID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.ChannelTyping(channelID, options...)
}

func (d DiscordSession) GuildMember(
	guildID string,
	userID string,
	options ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	return d.session.GuildMember(guildID, userID, options...)
}

func (d DiscordSession) MessageReactions(
	channelID string,
	messageID string,
	emojiID string,
	limit int,
	beforeID string,
	afterID string,
	options ...discordgo.RequestOption,
) ([]*discordgo.User, error) {
	return d.session.MessageReactions(
		channelID, messageID, emojiID, limit, beforeID, afterID, options...,
	)
}

func (d DiscordSession) UpdateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl {
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("unknown log level: %v", lvl)
	}
	return nil
}

// Discord manages the gateway connection and provides the message,
// member and delivery primitives the rest of the bot builds on.
type Discord struct {
	session DiscordSessionHandler
	config  *DiscordConfig
	logger  *slog.Logger

	connected         atomic.Bool
	metricConnects    atomic.Int64
	metricDisconnects atomic.Int64

	// botUserID is populated by the Ready event
	botUserID atomic.Value

	discordgoRemoveHandlerFuncs []func()
}

func newDiscord(config *DiscordConfig, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Discord{
		config:                      config,
		logger:                      logger.With(loggerNameKey, "discord"),
		discordgoRemoveHandlerFuncs: []func(){},
	}
	d.botUserID.Store("")
	return d
}

// newSession initializes a discordgo session with the intents the bot
// needs: guild messages with content, and reactions.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{
		logger: d.logger.With(loggerNameKey, "discord_session_handler"),
	}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMessageReactions |
		discordgo.IntentMessageContent
	session.session = disc
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}
	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}
	return session, nil
}

// BotUserID returns the bot's own user ID, or "" before the Ready
// event has arrived.
func (d *Discord) BotUserID() string {
	id, _ := d.botUserID.Load().(string)
	return id
}

func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(_ *discordgo.Session, r *discordgo.Ready) {
		if r.User != nil {
			d.botUserID.Store(r.User.ID)
		}
		d.logger.Info("discord ready", "user", r.User)
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	c *discordgo.Connect,
) {
	return func(_ *discordgo.Session, _ *discordgo.Connect) {
		d.connected.Store(true)
		d.metricConnects.Add(1)
		d.logger.Info("discord connected")
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	dc *discordgo.Disconnect,
) {
	return func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)
		d.logger.Warn("discord disconnected")
	}
}

// Message fetches a single message, bounded by the request timeout.
// Implements MessageFetcher.
func (d *Discord) Message(
	ctx context.Context,
	channelID string,
	messageID string,
) (*discordgo.Message, error) {
	reqCtx, cancel := context.WithTimeout(ctx, discordRequestTimeout)
	defer cancel()
	return d.session.ChannelMessage(
		channelID, messageID, discordgo.WithContext(reqCtx),
	)
}

// MemberName fetches a member and derives a display name from their
// nickname, global name, or username. Implements MemberDirectory.
func (d *Discord) MemberName(
	ctx context.Context,
	guildID string,
	userID string,
) (string, error) {
	if guildID == "" {
		return "", fmt.Errorf("no guild for member lookup")
	}
	reqCtx, cancel := context.WithTimeout(ctx, discordRequestTimeout)
	defer cancel()
	member, err := d.session.GuildMember(
		guildID, userID, discordgo.WithContext(reqCtx),
	)
	if err != nil {
		return "", fmt.Errorf("error fetching guild member: %w", err)
	}
	switch {
	case member.Nick != "":
		return member.Nick, nil
	case member.User != nil && member.User.GlobalName != "":
		return member.User.GlobalName, nil
	case member.User != nil:
		return member.User.Username, nil
	default:
		return "", fmt.Errorf("member %s has no user data", userID)
	}
}

// Deliver sends text as a reply to the referenced message, splitting it
// into chained follow-up replies when it exceeds the length ceiling.
// An image, if any, is attached only to the final chunk.
func (d *Discord) Deliver(
	ctx context.Context,
	channelID string,
	reference *discordgo.MessageReference,
	text string,
	imagePNG []byte,
) error {
	chunkSize := d.config.ReplyChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultReplyChunkSize
	}
	chunks := chunkString(text, chunkSize)
	if len(chunks) == 0 && imagePNG != nil {
		chunks = []string{""}
	}

	for i, chunk := range chunks {
		final := i == len(chunks)-1

		reqCtx, cancel := context.WithTimeout(ctx, discordRequestTimeout)
		var sent *discordgo.Message
		var err error
		if final && imagePNG != nil {
			sent, err = d.session.ChannelMessageSendComplex(
				channelID, &discordgo.MessageSend{
					Content:   chunk,
					Reference: reference,
					Files: []*discordgo.File{
						{
							Name:        "image.png",
							ContentType: "image/png",
							Reader:      bytes.NewReader(imagePNG),
						},
					},
				}, discordgo.WithContext(reqCtx),
			)
		} else {
			sent, err = d.session.ChannelMessageSendReply(
				channelID, chunk, reference, discordgo.WithContext(reqCtx),
			)
		}
		cancel()
		if err != nil {
			return fmt.Errorf(
				"error sending reply chunk %d/%d: %w", i+1, len(chunks), err,
			)
		}
		// chain the next chunk onto the one just sent
		if sent != nil {
			reference = sent.Reference()
		}
	}
	return nil
}

// Typing broadcasts a typing indicator, best-effort.
func (d *Discord) Typing(ctx context.Context, channelID string) {
	reqCtx, cancel := context.WithTimeout(ctx, discordRequestTimeout)
	defer cancel()
	if err := d.session.ChannelTyping(
		channelID, discordgo.WithContext(reqCtx),
	); err != nil {
		d.logger.WarnContext(
			ctx,
			"error sending typing indicator",
			"channel_id", channelID,
			tint.Err(err),
		)
	}
}
