package yakbot

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/sashabaranov/go-openai"
)

const (
	directiveModel            = "usemodel"
	directiveTemperature      = "usetemp"
	directiveTopP             = "usetopp"
	directiveFrequencyPenalty = "usefreq"
	directivePresencePenalty  = "usepres"
)

var (
	// directivePattern matches inline generation overrides anywhere in a
	// message, case-insensitively: `usemodel gpt-4.1`, `usetemp 0.7`, etc.
	directivePattern = regexp.MustCompile(
		`(?i)\b(usemodel|usetemp|usetopp|usefreq|usepres)\s+(\S+)`,
	)

	// mentionPattern matches user mention tokens, capturing the snowflake.
	mentionPattern = regexp.MustCompile(`<@!?(\d{17,19})>`)
)

// GenerationParams are the per-conversation completion settings,
// starting from configured defaults and overridden by inline directives
// found in the reply chain.
type GenerationParams struct {
	Model            string  `json:"model"`
	Temperature      float32 `json:"temperature"`
	TopP             float32 `json:"top_p"`
	FrequencyPenalty float32 `json:"frequency_penalty"`
	PresencePenalty  float32 `json:"presence_penalty"`
}

func (g GenerationParams) LogValue() slog.Value {
	return structToSlogValue(g)
}

// Turn is one role-tagged entry in a compiled prompt.
type Turn struct {
	Role      string
	Name      string
	Text      string
	ImageURLs []string
}

// CompiledPrompt is the finished output of a chain compilation: an
// optional system message plus the ordered turns, and the effective
// generation parameters.
type CompiledPrompt struct {
	System string
	Turns  []Turn
	Params GenerationParams

	// ParticipantIDs are the user IDs seen in the chain, including the
	// bot's own.
	ParticipantIDs []string
}

// MessageFetcher retrieves a single message by channel and ID.
// Implemented by the Discord layer, mocked in tests.
type MessageFetcher interface {
	Message(ctx context.Context, channelID string, messageID string) (
		*discordgo.Message,
		error,
	)
}

// chainLine is one message mid-compilation, before role tagging.
type chainLine struct {
	authorID  string
	text      string
	imageURLs []string
}

// PromptCompiler walks reply chains backward and assembles role-tagged
// conversations for the completion client.
type PromptCompiler struct {
	fetcher       MessageFetcher
	resolver      *IdentityResolver
	abbreviations *AbbreviationStore
	static        *StaticConfig
	config        *OpenAIConfig
	maxChainDepth int

	// botUserID is deferred because the bot's own ID isn't known until
	// the gateway session is ready
	botUserID func() string
	logger    *slog.Logger

	// modelKnown reports whether a model name has a known cost. Unknown
	// models can't be metered, so their directives are ignored.
	modelKnown func(model string) bool
}

func NewPromptCompiler(
	fetcher MessageFetcher,
	resolver *IdentityResolver,
	abbreviations *AbbreviationStore,
	static *StaticConfig,
	config *OpenAIConfig,
	botUserID func() string,
	modelKnown func(string) bool,
	logger *slog.Logger,
) *PromptCompiler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PromptCompiler{
		fetcher:       fetcher,
		resolver:      resolver,
		abbreviations: abbreviations,
		static:        static,
		config:        config,
		botUserID:     botUserID,
		maxChainDepth: DefaultMaxChainDepth,
		modelKnown:    modelKnown,
		logger:        logger.With(loggerNameKey, "prompt_compiler"),
	}
}

// walkChain follows replied-to backlinks from leaf, returning the chain
// oldest first. A fetch failure or the depth cap truncates the walk at
// that point rather than failing.
func (p *PromptCompiler) walkChain(
	ctx context.Context,
	leaf *discordgo.Message,
) []*discordgo.Message {
	chain := []*discordgo.Message{leaf}
	current := leaf
	for len(chain) < p.maxChainDepth {
		var parent *discordgo.Message
		switch {
		case current.ReferencedMessage != nil:
			parent = current.ReferencedMessage
		case current.MessageReference != nil &&
			current.MessageReference.MessageID != "":
			ref := current.MessageReference
			fetched, err := p.fetcher.Message(
				ctx, ref.ChannelID, ref.MessageID,
			)
			if err != nil {
				p.logger.WarnContext(
					ctx,
					"chain truncated on fetch failure",
					"message_id", ref.MessageID,
					"depth", len(chain),
					tint.Err(err),
				)
				parent = nil
			} else {
				parent = fetched
			}
		}
		if parent == nil {
			break
		}
		chain = append(chain, parent)
		current = parent
	}

	// reverse to causal order, oldest first
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

// applyDirective folds a single directive into params, logging and
// ignoring values that don't parse or name an unmeterable model.
func (p *PromptCompiler) applyDirective(
	ctx context.Context,
	params *GenerationParams,
	name string,
	value string,
) {
	name = strings.ToLower(name)
	if name == directiveModel {
		if p.modelKnown != nil && !p.modelKnown(value) {
			p.logger.WarnContext(
				ctx,
				"ignoring directive for unknown model",
				"model", value,
			)
			return
		}
		params.Model = value
		return
	}

	parsed, err := strconv.ParseFloat(value, 32)
	if err != nil {
		p.logger.WarnContext(
			ctx,
			"ignoring unparseable directive value",
			"directive", name,
			"value", value,
		)
		return
	}
	f := float32(parsed)
	switch name {
	case directiveTemperature:
		params.Temperature = f
	case directiveTopP:
		params.TopP = f
	case directiveFrequencyPenalty:
		params.FrequencyPenalty = f
	case directivePresencePenalty:
		params.PresencePenalty = f
	}
}

// messageImageURLs collects image attachment and embed image URLs from
// a single message.
func messageImageURLs(msg *discordgo.Message) []string {
	var urls []string
	for _, attachment := range msg.Attachments {
		if attachment == nil {
			continue
		}
		if strings.HasPrefix(attachment.ContentType, "image/") {
			urls = append(urls, attachment.URL)
		}
	}
	for _, embed := range msg.Embeds {
		if embed == nil {
			continue
		}
		if embed.Image != nil && embed.Image.URL != "" {
			urls = append(urls, embed.Image.URL)
		}
		if embed.Thumbnail != nil && embed.Thumbnail.URL != "" {
			urls = append(urls, embed.Thumbnail.URL)
		}
	}
	return urls
}

// Compile walks the reply chain ending at leaf and produces the
// role-tagged prompt for it.
func (p *PromptCompiler) Compile(
	ctx context.Context,
	guildID string,
	leaf *discordgo.Message,
) (*CompiledPrompt, error) {
	if leaf == nil {
		return nil, fmt.Errorf("nil leaf message")
	}

	chain := p.walkChain(ctx, leaf)
	botID := p.botUserID()

	params := GenerationParams{
		Model:       p.config.DefaultModel,
		Temperature: p.config.DefaultTemperature,
		TopP:        p.config.DefaultTopP,
	}

	participantIDs := map[string]bool{botID: true}
	lines := make([]chainLine, 0, len(chain))

	for _, msg := range chain {
		text := msg.Content

		// later messages override earlier ones per directive, so fold
		// in chain order
		for _, match := range directivePattern.FindAllStringSubmatch(
			text, -1,
		) {
			p.applyDirective(ctx, &params, match[1], match[2])
		}
		text = directivePattern.ReplaceAllString(text, "")

		// collapse mention tokens to their bare IDs so the identity
		// substitution pass can rewrite them
		for _, match := range mentionPattern.FindAllStringSubmatch(
			text, -1,
		) {
			participantIDs[match[1]] = true
		}
		text = mentionPattern.ReplaceAllString(text, "$1")

		text = strings.TrimSpace(strings.TrimPrefix(text, "!"))

		authorID := ""
		if msg.Author != nil {
			authorID = msg.Author.ID
			participantIDs[authorID] = true
		}
		if authorID != "" && authorID != botID {
			text = p.abbreviations.Expand(ctx, guildID, authorID, text)
		}

		lines = append(
			lines, chainLine{
				authorID:  authorID,
				text:      text,
				imageURLs: messageImageURLs(msg),
			},
		)
	}

	// Resolve every participant, then substitute longest IDs first so a
	// shorter ID that happens to be a substring of a longer one can't
	// corrupt it mid-pass.
	ids := make([]string, 0, len(participantIDs))
	for id := range participantIDs {
		if id != "" {
			ids = append(ids, id)
		}
	}
	sort.Slice(
		ids, func(i, j int) bool {
			if len(ids[i]) != len(ids[j]) {
				return len(ids[i]) > len(ids[j])
			}
			return ids[i] < ids[j]
		},
	)
	names := make(map[string]string, len(ids))
	for _, id := range ids {
		names[id] = p.resolver.Resolve(ctx, guildID, id)
	}
	for i := range lines {
		for _, id := range ids {
			lines[i].text = strings.ReplaceAll(
				lines[i].text, id, names[id],
			)
		}
	}

	// Role tagging, merging consecutive assistant turns.
	var turns []Turn
	for _, line := range lines {
		if line.authorID == botID {
			if n := len(turns); n > 0 &&
				turns[n-1].Role == openai.ChatMessageRoleAssistant {
				prev := &turns[n-1]
				prev.Text = strings.TrimSpace(prev.Text + "\n" + line.text)
				prev.ImageURLs = append(prev.ImageURLs, line.imageURLs...)
				continue
			}
			turns = append(
				turns, Turn{
					Role:      openai.ChatMessageRoleAssistant,
					Text:      line.text,
					ImageURLs: line.imageURLs,
				},
			)
			continue
		}
		turns = append(
			turns, Turn{
				Role:      openai.ChatMessageRoleUser,
				Name:      names[line.authorID],
				Text:      line.text,
				ImageURLs: line.imageURLs,
			},
		)
	}

	return &CompiledPrompt{
		System:         p.systemMessage(ctx, guildID, ids, names),
		Turns:          turns,
		Params:         params,
		ParticipantIDs: ids,
	}, nil
}

// systemMessage assembles the persona, the name-to-ID directory, and
// the memory section for the chain's participants.
func (p *PromptCompiler) systemMessage(
	ctx context.Context,
	guildID string,
	ids []string,
	names map[string]string,
) string {
	var b strings.Builder
	b.WriteString(p.static.PersonalityFor(guildID))

	sorted := make([]string, len(ids))
	copy(sorted, ids)
	sort.Strings(sorted)

	if len(sorted) > 0 {
		b.WriteString("\n\nUsers in this conversation (name: ID):\n")
		for _, id := range sorted {
			fmt.Fprintf(&b, "%s: %s\n", names[id], id)
		}
	}

	var memories []string
	for _, id := range sorted {
		memory, err := p.resolver.Memory(ctx, id)
		if err != nil {
			p.logger.WarnContext(
				ctx,
				"error fetching memory",
				"user_id", id,
				tint.Err(err),
			)
			continue
		}
		if memory != "" {
			memories = append(
				memories, fmt.Sprintf("%s: %s", names[id], memory),
			)
		}
	}
	if len(memories) > 0 {
		b.WriteString("\nWhat you remember about them:\n")
		for _, m := range memories {
			b.WriteString(m)
			b.WriteString("\n")
		}
	}
	return strings.TrimSpace(b.String())
}
