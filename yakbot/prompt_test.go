package yakbot

import (
	"context"
	"fmt"
	"log/slog"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testBotID   = "111111111111111111"
	testAliceID = "222222222222222222"
	testBobID   = "333333333333333333"
)

// mockMessageFetcher serves messages from a map keyed by message ID.
type mockMessageFetcher struct {
	messages map[string]*discordgo.Message
	fetches  int
}

func (m *mockMessageFetcher) Message(
	_ context.Context,
	_ string,
	messageID string,
) (*discordgo.Message, error) {
	m.fetches++
	msg, ok := m.messages[messageID]
	if !ok {
		return nil, fmt.Errorf("message not found: %s", messageID)
	}
	return msg, nil
}

func testMessage(id, authorID, content string) *discordgo.Message {
	return &discordgo.Message{
		ID:      id,
		Content: content,
		Author:  &discordgo.User{ID: authorID},
	}
}

// replyTo links child to parent by reference only, forcing a fetch.
func replyTo(child *discordgo.Message, parentID string) *discordgo.Message {
	child.MessageReference = &discordgo.MessageReference{
		MessageID: parentID,
		ChannelID: "channel-1",
	}
	return child
}

func newTestCompiler(
	t testing.TB,
	fetcher MessageFetcher,
) (*PromptCompiler, *IdentityResolver) {
	t.Helper()
	db := testDBI(t)
	logger := slog.Default().With("test", t.Name())
	resolver := NewIdentityResolver(db, nil, logger)
	abbreviations := NewAbbreviationStore(db, logger)
	static := &StaticConfig{Personality: "You are a helpful yak."}
	config := &OpenAIConfig{
		DefaultModel:       DefaultOpenAIModel,
		DefaultTemperature: DefaultOpenAITemperature,
		DefaultTopP:        DefaultOpenAITopP,
	}
	compiler := NewPromptCompiler(
		fetcher,
		resolver,
		abbreviations,
		static,
		config,
		func() string { return testBotID },
		ModelKnown,
		logger,
	)
	return compiler, resolver
}

func TestCompileSingleMessage(t *testing.T) {
	ctx := context.Background()
	compiler, resolver := newTestCompiler(t, &mockMessageFetcher{})

	require.NoError(t, resolver.SetName(ctx, testAliceID, "Alice"))

	prompt, err := compiler.Compile(
		ctx, "guild-1", testMessage("m1", testAliceID, "hello there"),
	)
	require.NoError(t, err)

	require.Len(t, prompt.Turns, 1)
	assert.Equal(t, openai.ChatMessageRoleUser, prompt.Turns[0].Role)
	assert.Equal(t, "Alice", prompt.Turns[0].Name)
	assert.Equal(t, "hello there", prompt.Turns[0].Text)

	assert.Equal(t, DefaultOpenAIModel, prompt.Params.Model)
	assert.Equal(t, float32(DefaultOpenAITemperature), prompt.Params.Temperature)
	assert.Contains(t, prompt.System, "You are a helpful yak.")
}

func TestCompileWalksReferencedChain(t *testing.T) {
	ctx := context.Background()
	fetcher := &mockMessageFetcher{messages: map[string]*discordgo.Message{}}
	compiler, resolver := newTestCompiler(t, fetcher)

	require.NoError(t, resolver.SetName(ctx, testAliceID, "Alice"))

	root := testMessage("m1", testAliceID, "first question")
	middle := testMessage("m2", testBotID, "bot answer")
	middle.ReferencedMessage = root
	leaf := testMessage("m3", testAliceID, "followup")
	leaf.ReferencedMessage = middle

	prompt, err := compiler.Compile(ctx, "guild-1", leaf)
	require.NoError(t, err)

	require.Len(t, prompt.Turns, 3)
	assert.Equal(t, openai.ChatMessageRoleUser, prompt.Turns[0].Role)
	assert.Equal(t, "first question", prompt.Turns[0].Text)
	assert.Equal(t, openai.ChatMessageRoleAssistant, prompt.Turns[1].Role)
	assert.Equal(t, "bot answer", prompt.Turns[1].Text)
	assert.Equal(t, openai.ChatMessageRoleUser, prompt.Turns[2].Role)
	assert.Equal(t, "followup", prompt.Turns[2].Text)
}

func TestCompileFetchesUnresolvedReferences(t *testing.T) {
	ctx := context.Background()

	root := testMessage("m1", testAliceID, "the root")
	fetcher := &mockMessageFetcher{
		messages: map[string]*discordgo.Message{"m1": root},
	}
	compiler, _ := newTestCompiler(t, fetcher)

	leaf := replyTo(testMessage("m2", testBobID, "a reply"), "m1")

	prompt, err := compiler.Compile(ctx, "guild-1", leaf)
	require.NoError(t, err)
	assert.Equal(t, 1, fetcher.fetches)
	require.Len(t, prompt.Turns, 2)
	assert.Equal(t, "the root", prompt.Turns[0].Text)
}

func TestCompileTruncatesOnFetchFailure(t *testing.T) {
	ctx := context.Background()
	fetcher := &mockMessageFetcher{}
	compiler, _ := newTestCompiler(t, fetcher)

	// References a message the fetcher can't return; the chain is cut
	// there instead of failing the compile
	leaf := replyTo(testMessage("m2", testAliceID, "orphaned reply"), "gone")

	prompt, err := compiler.Compile(ctx, "guild-1", leaf)
	require.NoError(t, err)
	require.Len(t, prompt.Turns, 1)
	assert.Equal(t, "orphaned reply", prompt.Turns[0].Text)
}

func TestCompileDepthCap(t *testing.T) {
	ctx := context.Background()
	compiler, _ := newTestCompiler(t, &mockMessageFetcher{})
	compiler.maxChainDepth = 3

	// Build a linked chain much longer than the cap
	var current *discordgo.Message
	for i := 0; i < 10; i++ {
		msg := testMessage(
			fmt.Sprintf("m%d", i), testAliceID, fmt.Sprintf("line %d", i),
		)
		msg.ReferencedMessage = current
		current = msg
	}

	prompt, err := compiler.Compile(ctx, "guild-1", current)
	require.NoError(t, err)
	require.Len(t, prompt.Turns, 3)
	// The most recent messages survive, oldest ones fall off
	assert.Equal(t, "line 7", prompt.Turns[0].Text)
	assert.Equal(t, "line 9", prompt.Turns[2].Text)
}

func TestCompileDirectives(t *testing.T) {
	ctx := context.Background()
	compiler, _ := newTestCompiler(t, &mockMessageFetcher{})

	root := testMessage(
		"m1", testAliceID, "usetemp 0.3 usemodel gpt-4.1 hello",
	)
	leaf := testMessage("m2", testAliceID, "USETEMP 0.9 and again")
	leaf.ReferencedMessage = root

	prompt, err := compiler.Compile(ctx, "guild-1", leaf)
	require.NoError(t, err)

	// Later directives override earlier ones; model carries through
	assert.Equal(t, "gpt-4.1", prompt.Params.Model)
	assert.Equal(t, float32(0.9), prompt.Params.Temperature)

	// Directive tokens are stripped from the compiled text
	require.Len(t, prompt.Turns, 2)
	assert.Equal(t, "hello", prompt.Turns[0].Text)
	assert.Equal(t, "and again", prompt.Turns[1].Text)
}

func TestCompileUnknownModelIgnored(t *testing.T) {
	ctx := context.Background()
	compiler, _ := newTestCompiler(t, &mockMessageFetcher{})

	prompt, err := compiler.Compile(
		ctx,
		"guild-1",
		testMessage("m1", testAliceID, "usemodel not-a-real-model hi"),
	)
	require.NoError(t, err)
	assert.Equal(t, DefaultOpenAIModel, prompt.Params.Model)
	assert.Equal(t, "hi", prompt.Turns[0].Text)
}

func TestCompileUnparseableDirectiveIgnored(t *testing.T) {
	ctx := context.Background()
	compiler, _ := newTestCompiler(t, &mockMessageFetcher{})

	prompt, err := compiler.Compile(
		ctx,
		"guild-1",
		testMessage("m1", testAliceID, "usetemp spicy please"),
	)
	require.NoError(t, err)
	assert.Equal(
		t, float32(DefaultOpenAITemperature), prompt.Params.Temperature,
	)
	assert.Equal(t, "please", prompt.Turns[0].Text)
}

func TestCompileMentionSubstitution(t *testing.T) {
	ctx := context.Background()
	compiler, resolver := newTestCompiler(t, &mockMessageFetcher{})

	require.NoError(t, resolver.SetName(ctx, testAliceID, "Alice"))
	require.NoError(t, resolver.SetName(ctx, testBobID, "Bob"))

	prompt, err := compiler.Compile(
		ctx,
		"guild-1",
		testMessage(
			"m1",
			testAliceID,
			fmt.Sprintf("hey <@%s> and <@!%s>", testBobID, testBobID),
		),
	)
	require.NoError(t, err)
	require.Len(t, prompt.Turns, 1)
	assert.Equal(t, "hey Bob and Bob", prompt.Turns[0].Text)
	assert.Contains(t, prompt.ParticipantIDs, testBobID)
}

func TestCompileBareIDSubstitution(t *testing.T) {
	ctx := context.Background()
	compiler, resolver := newTestCompiler(t, &mockMessageFetcher{})

	require.NoError(t, resolver.SetName(ctx, testAliceID, "Alice"))

	// The author's own ID appearing as raw text is rewritten too
	prompt, err := compiler.Compile(
		ctx,
		"guild-1",
		testMessage(
			"m1", testAliceID, fmt.Sprintf("my id is %s", testAliceID),
		),
	)
	require.NoError(t, err)
	assert.Equal(t, "my id is Alice", prompt.Turns[0].Text)
}

func TestCompileStripsCommandPrefix(t *testing.T) {
	ctx := context.Background()
	compiler, _ := newTestCompiler(t, &mockMessageFetcher{})

	prompt, err := compiler.Compile(
		ctx, "guild-1", testMessage("m1", testAliceID, "!tell me a joke"),
	)
	require.NoError(t, err)
	assert.Equal(t, "tell me a joke", prompt.Turns[0].Text)
}

func TestCompileMergesConsecutiveAssistantTurns(t *testing.T) {
	ctx := context.Background()
	compiler, _ := newTestCompiler(t, &mockMessageFetcher{})

	m1 := testMessage("m1", testAliceID, "question")
	m2 := testMessage("m2", testBotID, "part one")
	m2.ReferencedMessage = m1
	m3 := testMessage("m3", testBotID, "part two")
	m3.ReferencedMessage = m2
	m4 := testMessage("m4", testAliceID, "followup")
	m4.ReferencedMessage = m3

	prompt, err := compiler.Compile(ctx, "guild-1", m4)
	require.NoError(t, err)

	require.Len(t, prompt.Turns, 3)
	assert.Equal(t, openai.ChatMessageRoleUser, prompt.Turns[0].Role)
	assert.Equal(t, openai.ChatMessageRoleAssistant, prompt.Turns[1].Role)
	assert.Equal(t, "part one\npart two", prompt.Turns[1].Text)
	assert.Equal(t, openai.ChatMessageRoleUser, prompt.Turns[2].Role)
}

func TestCompileExpandsAbbreviations(t *testing.T) {
	ctx := context.Background()
	fetcher := &mockMessageFetcher{}
	compiler, _ := newTestCompiler(t, fetcher)

	require.NoError(
		t,
		compiler.abbreviations.Set(
			ctx, "guild-1", testAliceID, "wdyt", "what do you think",
		),
	)

	prompt, err := compiler.Compile(
		ctx, "guild-1", testMessage("m1", testAliceID, "wdyt about yaks"),
	)
	require.NoError(t, err)
	assert.Equal(t, "what do you think about yaks", prompt.Turns[0].Text)
}

func TestCompileImageURLs(t *testing.T) {
	ctx := context.Background()
	compiler, _ := newTestCompiler(t, &mockMessageFetcher{})

	msg := testMessage("m1", testAliceID, "look at this")
	msg.Attachments = []*discordgo.MessageAttachment{
		{
			URL:         "https://cdn.example.com/cat.png",
			ContentType: "image/png",
		},
		{
			URL:         "https://cdn.example.com/notes.txt",
			ContentType: "text/plain",
		},
	}
	msg.Embeds = []*discordgo.MessageEmbed{
		{
			Image: &discordgo.MessageEmbedImage{
				URL: "https://cdn.example.com/embedded.jpg",
			},
		},
	}

	prompt, err := compiler.Compile(ctx, "guild-1", msg)
	require.NoError(t, err)
	require.Len(t, prompt.Turns, 1)
	assert.Equal(
		t,
		[]string{
			"https://cdn.example.com/cat.png",
			"https://cdn.example.com/embedded.jpg",
		},
		prompt.Turns[0].ImageURLs,
	)
}

func TestSystemMessageDirectoryAndMemory(t *testing.T) {
	ctx := context.Background()
	compiler, resolver := newTestCompiler(t, &mockMessageFetcher{})

	require.NoError(t, resolver.SetName(ctx, testAliceID, "Alice"))
	require.NoError(t, resolver.SetMemory(ctx, testAliceID, "likes yaks"))

	prompt, err := compiler.Compile(
		ctx, "guild-1", testMessage("m1", testAliceID, "hi"),
	)
	require.NoError(t, err)

	assert.Contains(t, prompt.System, "You are a helpful yak.")
	assert.Contains(t, prompt.System, "Users in this conversation (name: ID):")
	assert.Contains(
		t, prompt.System, fmt.Sprintf("Alice: %s", testAliceID),
	)
	assert.Contains(t, prompt.System, "What you remember about them:")
	assert.Contains(t, prompt.System, "Alice: likes yaks")
}

func TestSystemMessageGuildPersonality(t *testing.T) {
	ctx := context.Background()
	compiler, _ := newTestCompiler(t, &mockMessageFetcher{})
	compiler.static.GuildPersonalities = map[string]string{
		"guild-2": "You are a grumpy yak.",
	}

	prompt, err := compiler.Compile(
		ctx, "guild-2", testMessage("m1", testAliceID, "hi"),
	)
	require.NoError(t, err)
	assert.Contains(t, prompt.System, "You are a grumpy yak.")
	assert.NotContains(t, prompt.System, "helpful")
}
