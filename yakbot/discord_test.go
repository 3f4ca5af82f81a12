package yakbot

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sentMessage captures one outbound reply for assertions.
type sentMessage struct {
	channelID string
	content   string
	reference *discordgo.MessageReference
	hasFile   bool
	fileData  []byte
}

// mockSessionHandler implements DiscordSessionHandler in memory.
type mockSessionHandler struct {
	sent     []sentMessage
	sendErr  error
	messages map[string]*discordgo.Message
	members  map[string]*discordgo.Member
	typing   int

	// history is channel history, newest first, for ChannelMessages
	history []*discordgo.Message

	// reactionUsers maps "messageID/emoji" to the reacting users
	reactionUsers map[string][]*discordgo.User

	nextMessageID int
}

func (m *mockSessionHandler) Open() error  { return nil }
func (m *mockSessionHandler) Close() error { return nil }

func (m *mockSessionHandler) AddHandler(any) func() {
	return func() {}
}

func (m *mockSessionHandler) ChannelMessage(
	_ string,
	messageID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, ok := m.messages[messageID]
	if !ok {
		return nil, fmt.Errorf("message not found: %s", messageID)
	}
	return msg, nil
}

func (m *mockSessionHandler) ChannelMessages(
	_ string,
	limit int,
	beforeID string,
	_ string,
	_ string,
	_ ...discordgo.RequestOption,
) ([]*discordgo.Message, error) {
	start := 0
	if beforeID != "" {
		for i, msg := range m.history {
			if msg.ID == beforeID {
				start = i + 1
				break
			}
		}
	}
	if start >= len(m.history) {
		return nil, nil
	}
	end := start + limit
	if end > len(m.history) {
		end = len(m.history)
	}
	return m.history[start:end], nil
}

func (m *mockSessionHandler) record(
	channelID string,
	content string,
	reference *discordgo.MessageReference,
	fileData []byte,
) *discordgo.Message {
	m.sent = append(
		m.sent, sentMessage{
			channelID: channelID,
			content:   content,
			reference: reference,
			hasFile:   fileData != nil,
			fileData:  fileData,
		},
	)
	m.nextMessageID++
	return &discordgo.Message{
		ID:        fmt.Sprintf("sent-%d", m.nextMessageID),
		ChannelID: channelID,
	}
}

func (m *mockSessionHandler) ChannelMessageSendReply(
	channelID string,
	content string,
	reference *discordgo.MessageReference,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	return m.record(channelID, content, reference, nil), nil
}

func (m *mockSessionHandler) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	var fileData []byte
	if len(data.Files) > 0 {
		fileData, _ = io.ReadAll(data.Files[0].Reader)
	}
	return m.record(channelID, data.Content, data.Reference, fileData), nil
}

func (m *mockSessionHandler) ChannelTyping(
	string, ...discordgo.RequestOption,
) error {
	m.typing++
	return nil
}

func (m *mockSessionHandler) GuildMember(
	_ string,
	userID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	member, ok := m.members[userID]
	if !ok {
		return nil, fmt.Errorf("member not found: %s", userID)
	}
	return member, nil
}

func (m *mockSessionHandler) MessageReactions(
	_ string,
	messageID string,
	emojiID string,
	limit int,
	_ string,
	afterID string,
	_ ...discordgo.RequestOption,
) ([]*discordgo.User, error) {
	users := m.reactionUsers[messageID+"/"+emojiID]
	start := 0
	if afterID != "" {
		for i, user := range users {
			if user.ID == afterID {
				start = i + 1
				break
			}
		}
	}
	if start >= len(users) {
		return nil, nil
	}
	end := start + limit
	if end > len(users) {
		end = len(users)
	}
	return users[start:end], nil
}

func (m *mockSessionHandler) UpdateCustomStatus(string) error { return nil }
func (m *mockSessionHandler) SetHTTPClient(*http.Client)     {}
func (m *mockSessionHandler) SetLogLevel(slog.Level) error   { return nil }

func newTestDiscord(t testing.TB, session *mockSessionHandler) *Discord {
	t.Helper()
	d := newDiscord(
		&DiscordConfig{ReplyChunkSize: 10},
		slog.Default().With("test", t.Name()),
	)
	d.session = session
	return d
}

func TestDeliverSingleChunk(t *testing.T) {
	ctx := context.Background()
	session := &mockSessionHandler{}
	d := newTestDiscord(t, session)

	reference := &discordgo.MessageReference{
		MessageID: "m1",
		ChannelID: "channel-1",
	}
	require.NoError(t, d.Deliver(ctx, "channel-1", reference, "short", nil))

	require.Len(t, session.sent, 1)
	assert.Equal(t, "short", session.sent[0].content)
	assert.Equal(t, reference, session.sent[0].reference)
	assert.False(t, session.sent[0].hasFile)
}

func TestDeliverChunksAndChains(t *testing.T) {
	ctx := context.Background()
	session := &mockSessionHandler{}
	d := newTestDiscord(t, session)

	text := strings.Repeat("a", 25)
	reference := &discordgo.MessageReference{
		MessageID: "m1",
		ChannelID: "channel-1",
	}
	require.NoError(t, d.Deliver(ctx, "channel-1", reference, text, nil))

	// 25 runes at a 10-rune ceiling: three chunks
	require.Len(t, session.sent, 3)
	assert.Equal(t, strings.Repeat("a", 10), session.sent[0].content)
	assert.Equal(t, strings.Repeat("a", 10), session.sent[1].content)
	assert.Equal(t, strings.Repeat("a", 5), session.sent[2].content)

	// The first chunk replies to the original; each later chunk chains
	// onto the previously sent one
	assert.Equal(t, "m1", session.sent[0].reference.MessageID)
	assert.Equal(t, "sent-1", session.sent[1].reference.MessageID)
	assert.Equal(t, "sent-2", session.sent[2].reference.MessageID)
}

func TestDeliverImageOnFinalChunk(t *testing.T) {
	ctx := context.Background()
	session := &mockSessionHandler{}
	d := newTestDiscord(t, session)

	image := []byte("png data")
	text := strings.Repeat("b", 15)
	reference := &discordgo.MessageReference{
		MessageID: "m1",
		ChannelID: "channel-1",
	}
	require.NoError(t, d.Deliver(ctx, "channel-1", reference, text, image))

	require.Len(t, session.sent, 2)
	assert.False(t, session.sent[0].hasFile)
	assert.True(t, session.sent[1].hasFile)
	assert.Equal(t, image, session.sent[1].fileData)
}

func TestDeliverImageOnly(t *testing.T) {
	ctx := context.Background()
	session := &mockSessionHandler{}
	d := newTestDiscord(t, session)

	image := []byte("png data")
	require.NoError(t, d.Deliver(ctx, "channel-1", nil, "", image))

	require.Len(t, session.sent, 1)
	assert.Empty(t, session.sent[0].content)
	assert.True(t, session.sent[0].hasFile)
}

func TestDeliverEmpty(t *testing.T) {
	ctx := context.Background()
	session := &mockSessionHandler{}
	d := newTestDiscord(t, session)

	require.NoError(t, d.Deliver(ctx, "channel-1", nil, "", nil))
	assert.Empty(t, session.sent)
}

func TestDeliverSendError(t *testing.T) {
	ctx := context.Background()
	session := &mockSessionHandler{sendErr: fmt.Errorf("rate limited")}
	d := newTestDiscord(t, session)

	err := d.Deliver(ctx, "channel-1", nil, "hello", nil)
	assert.Error(t, err)
}

func TestMemberName(t *testing.T) {
	ctx := context.Background()
	session := &mockSessionHandler{
		members: map[string]*discordgo.Member{
			"with-nick": {
				Nick: "Nickname",
				User: &discordgo.User{
					Username:   "username1",
					GlobalName: "Global One",
				},
			},
			"with-global": {
				User: &discordgo.User{
					Username:   "username2",
					GlobalName: "Global Two",
				},
			},
			"username-only": {
				User: &discordgo.User{Username: "username3"},
			},
		},
	}
	d := newTestDiscord(t, session)

	name, err := d.MemberName(ctx, "guild-1", "with-nick")
	require.NoError(t, err)
	assert.Equal(t, "Nickname", name)

	name, err = d.MemberName(ctx, "guild-1", "with-global")
	require.NoError(t, err)
	assert.Equal(t, "Global Two", name)

	name, err = d.MemberName(ctx, "guild-1", "username-only")
	require.NoError(t, err)
	assert.Equal(t, "username3", name)

	_, err = d.MemberName(ctx, "guild-1", "missing")
	assert.Error(t, err)

	_, err = d.MemberName(ctx, "", "with-nick")
	assert.Error(t, err, "member lookups require a guild")
}

func TestDiscordMessageFetch(t *testing.T) {
	ctx := context.Background()
	session := &mockSessionHandler{
		messages: map[string]*discordgo.Message{
			"m1": {ID: "m1", Content: "stored"},
		},
	}
	d := newTestDiscord(t, session)

	msg, err := d.Message(ctx, "channel-1", "m1")
	require.NoError(t, err)
	assert.Equal(t, "stored", msg.Content)

	_, err = d.Message(ctx, "channel-1", "gone")
	assert.Error(t, err)
}

func TestBotUserID(t *testing.T) {
	d := newTestDiscord(t, &mockSessionHandler{})
	assert.Empty(t, d.BotUserID())

	handler := d.handlerReady()
	handler(nil, &discordgo.Ready{User: &discordgo.User{ID: testBotID}})
	assert.Equal(t, testBotID, d.BotUserID())
}

func TestTyping(t *testing.T) {
	session := &mockSessionHandler{}
	d := newTestDiscord(t, session)
	d.Typing(context.Background(), "channel-1")
	assert.Equal(t, 1, session.typing)
}
