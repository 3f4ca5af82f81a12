package yakbot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	// reconcileDefaultMessages caps how much channel history a plain
	// `reconcile` scans.
	reconcileDefaultMessages = 500
	reconcileMaxMessages     = 5000
	historyPageSize          = 100
	reactionPageSize         = 100

	defaultImageModel = "dall-e-3"
	defaultImageSize  = "1024x1024"

	leaderboardLimit = 10
	reactorListLimit = 10
)

// parseUserArg accepts either a raw snowflake or a mention token and
// returns the user ID.
func parseUserArg(arg string) (string, bool) {
	if match := mentionPattern.FindStringSubmatch(arg); match != nil {
		return match[1], true
	}
	if arg == "" {
		return "", false
	}
	for _, r := range arg {
		if r < '0' || r > '9' {
			return "", false
		}
	}
	return arg, true
}

// dispatchCommand routes a mention-prefixed verb. It returns false when
// the text isn't a recognized command, in which case the caller treats
// the message as a conversational prompt.
func (b *YakBot) dispatchCommand(
	ctx context.Context,
	m *discordgo.MessageCreate,
	rest string,
) bool {
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return false
	}
	verb := strings.ToLower(fields[0])
	args := fields[1:]

	switch verb {
	case "dabloons", "tokens":
		b.cmdBalance(ctx, m)
	case "leaderboard":
		b.cmdLeaderboard(ctx, m)
	case "stats":
		b.cmdStats(ctx, m)
	case "reactors":
		b.cmdReactors(ctx, m)
	case "reactees":
		b.cmdReactees(ctx, m)
	case "setabbr":
		b.cmdSetAbbr(ctx, m, args)
	case "getabbr":
		b.cmdGetAbbr(ctx, m, args)
	case "listabbr":
		b.cmdListAbbr(ctx, m)
	case "delabbr":
		b.cmdDelAbbr(ctx, m, args)
	case "image":
		b.cmdImage(ctx, m, strings.TrimSpace(
			strings.TrimPrefix(strings.TrimSpace(rest), fields[0]),
		))
	case "adddabloons":
		b.cmdAdminGrant(ctx, m, args, false)
	case "addbank":
		b.cmdAdminGrant(ctx, m, args, true)
	case "resetusage":
		b.cmdAdminResetUsage(ctx, m)
	case "modifykarma":
		b.cmdAdminModifyKarma(ctx, m, args)
	case "reconcile":
		b.cmdAdminReconcile(ctx, m, args)
	default:
		return false
	}
	return true
}

func (b *YakBot) isAdmin(userID string) bool {
	admin := b.config.Discord.AdminUserID
	return admin != "" && userID == admin
}

func (b *YakBot) requireAdmin(
	ctx context.Context,
	m *discordgo.MessageCreate,
) bool {
	if b.isAdmin(m.Author.ID) {
		return true
	}
	b.replyText(ctx, m, "You're not allowed to do that.")
	return false
}

func (b *YakBot) cmdBalance(ctx context.Context, m *discordgo.MessageCreate) {
	account, err := b.creditGate.Account(ctx, m.Author.ID)
	if err != nil {
		b.commandError(ctx, m, err)
		return
	}
	b.replyText(
		ctx, m, fmt.Sprintf(
			"Dabloons: %.4f\nBank: %.4f\nLifetime spend: %.4f",
			account.UsageBalance, account.Bank, account.TotalUsage,
		),
	)
}

func (b *YakBot) cmdLeaderboard(
	ctx context.Context,
	m *discordgo.MessageCreate,
) {
	records, err := b.ledger.Leaderboard(ctx, m.GuildID, leaderboardLimit)
	if err != nil {
		b.commandError(ctx, m, err)
		return
	}
	if len(records) == 0 {
		b.replyText(ctx, m, "No karma recorded here yet.")
		return
	}
	var sb strings.Builder
	sb.WriteString("Karma leaderboard:\n")
	for i, record := range records {
		fmt.Fprintf(
			&sb, "%d. %s: %d\n",
			i+1,
			b.resolver.Resolve(ctx, m.GuildID, record.UserID),
			record.Karma,
		)
	}
	b.replyText(ctx, m, sb.String())
}

func (b *YakBot) cmdStats(ctx context.Context, m *discordgo.MessageCreate) {
	karma, err := b.ledger.Karma(ctx, m.GuildID, m.Author.ID)
	if err != nil {
		b.commandError(ctx, m, err)
		return
	}
	upGiven, upReceived, err := b.ledger.GivenReceived(
		ctx, m.GuildID, m.Author.ID, reactionUpvote,
	)
	if err != nil {
		b.commandError(ctx, m, err)
		return
	}
	downGiven, downReceived, err := b.ledger.GivenReceived(
		ctx, m.GuildID, m.Author.ID, reactionDownvote,
	)
	if err != nil {
		b.commandError(ctx, m, err)
		return
	}
	b.replyText(
		ctx, m, fmt.Sprintf(
			"Karma: %d\nUpvotes given/received: %d/%d\n"+
				"Downvotes given/received: %d/%d",
			karma, upGiven, upReceived, downGiven, downReceived,
		),
	)
}

func (b *YakBot) formatReactorCounts(
	ctx context.Context,
	guildID string,
	header string,
	counts []ReactorCount,
) string {
	if len(counts) == 0 {
		return "Nothing recorded yet."
	}
	var sb strings.Builder
	sb.WriteString(header)
	sb.WriteString("\n")
	for i, count := range counts {
		fmt.Fprintf(
			&sb, "%d. %s: %d\n",
			i+1,
			b.resolver.Resolve(ctx, guildID, count.UserID),
			count.Count,
		)
	}
	return sb.String()
}

func (b *YakBot) cmdReactors(ctx context.Context, m *discordgo.MessageCreate) {
	counts, err := b.ledger.Reactors(
		ctx, m.GuildID, m.Author.ID, reactionUpvote, reactorListLimit,
	)
	if err != nil {
		b.commandError(ctx, m, err)
		return
	}
	b.replyText(ctx, m, b.formatReactorCounts(
		ctx, m.GuildID, "Your biggest fans:", counts,
	))
}

func (b *YakBot) cmdReactees(ctx context.Context, m *discordgo.MessageCreate) {
	counts, err := b.ledger.Reactees(
		ctx, m.GuildID, m.Author.ID, reactionUpvote, reactorListLimit,
	)
	if err != nil {
		b.commandError(ctx, m, err)
		return
	}
	b.replyText(ctx, m, b.formatReactorCounts(
		ctx, m.GuildID, "People you upvote most:", counts,
	))
}

func (b *YakBot) cmdSetAbbr(
	ctx context.Context,
	m *discordgo.MessageCreate,
	args []string,
) {
	if len(args) < 2 {
		b.replyText(ctx, m, "Usage: setabbr <key> <expansion>")
		return
	}
	key := args[0]
	value := strings.Join(args[1:], " ")
	if err := b.abbreviations.Set(
		ctx, m.GuildID, m.Author.ID, key, value,
	); err != nil {
		b.commandError(ctx, m, err)
		return
	}
	b.replyText(ctx, m, fmt.Sprintf("Saved %q.", key))
}

func (b *YakBot) cmdGetAbbr(
	ctx context.Context,
	m *discordgo.MessageCreate,
	args []string,
) {
	if len(args) != 1 {
		b.replyText(ctx, m, "Usage: getabbr <key>")
		return
	}
	value, err := b.abbreviations.Get(ctx, m.GuildID, m.Author.ID, args[0])
	if err != nil {
		b.commandError(ctx, m, err)
		return
	}
	if value == "" {
		b.replyText(ctx, m, fmt.Sprintf("No abbreviation %q.", args[0]))
		return
	}
	b.replyText(ctx, m, fmt.Sprintf("%s → %s", args[0], value))
}

func (b *YakBot) cmdListAbbr(ctx context.Context, m *discordgo.MessageCreate) {
	records, err := b.abbreviations.List(ctx, m.GuildID, m.Author.ID)
	if err != nil {
		b.commandError(ctx, m, err)
		return
	}
	if len(records) == 0 {
		b.replyText(ctx, m, "You have no abbreviations.")
		return
	}
	var sb strings.Builder
	for _, record := range records {
		fmt.Fprintf(&sb, "%s → %s\n", record.Key, record.Value)
	}
	b.replyText(ctx, m, sb.String())
}

func (b *YakBot) cmdDelAbbr(
	ctx context.Context,
	m *discordgo.MessageCreate,
	args []string,
) {
	if len(args) != 1 {
		b.replyText(ctx, m, "Usage: delabbr <key>")
		return
	}
	if err := b.abbreviations.Delete(
		ctx, m.GuildID, m.Author.ID, args[0],
	); err != nil {
		b.commandError(ctx, m, err)
		return
	}
	b.replyText(ctx, m, fmt.Sprintf("Deleted %q.", args[0]))
}

// cmdImage generates an image, credit-gated like the chat flow but with
// a flat price known up front.
func (b *YakBot) cmdImage(
	ctx context.Context,
	m *discordgo.MessageCreate,
	prompt string,
) {
	logger, _ := ContextLogger(ctx)
	if logger == nil {
		logger = b.logger
	}
	if prompt == "" {
		b.replyText(ctx, m, "Usage: image <prompt>")
		return
	}
	estimate, _ := ImageCost(defaultImageModel, defaultImageSize, 1)
	if err := b.creditGate.Authorize(ctx, m.Author.ID, estimate); err != nil {
		if errors.Is(err, ErrInsufficientCredit) {
			b.replyText(ctx, m, insufficientCreditReply)
			return
		}
		b.commandError(ctx, m, err)
		return
	}

	b.discord.Typing(ctx, m.ChannelID)
	imagePNG, cost, err := b.openai.GenerateImage(
		ctx, prompt, defaultImageModel, defaultImageSize,
	)
	if err != nil {
		b.commandError(ctx, m, err)
		return
	}
	if _, err = b.creditGate.Debit(ctx, m.Author.ID, cost); err != nil {
		logger.ErrorContext(ctx, "image debit failed", tint.Err(err))
	}
	if err = b.discord.Deliver(
		ctx, m.ChannelID, m.Reference(), "", imagePNG,
	); err != nil {
		logger.ErrorContext(ctx, "error delivering image", tint.Err(err))
	}
}

func (b *YakBot) cmdAdminGrant(
	ctx context.Context,
	m *discordgo.MessageCreate,
	args []string,
	bank bool,
) {
	if !b.requireAdmin(ctx, m) {
		return
	}
	if len(args) != 2 {
		b.replyText(ctx, m, "Usage: <user> <amount>")
		return
	}
	userID, ok := parseUserArg(args[0])
	if !ok {
		b.replyText(ctx, m, fmt.Sprintf("Not a user: %q", args[0]))
		return
	}
	amount, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		b.replyText(ctx, m, fmt.Sprintf("Not a number: %q", args[1]))
		return
	}

	var account *UsageAccount
	if bank {
		account, err = b.creditGate.AddBank(ctx, userID, amount)
	} else {
		account, err = b.creditGate.AddAllowance(ctx, userID, amount)
	}
	if err != nil {
		b.commandError(ctx, m, err)
		return
	}
	b.replyText(
		ctx, m, fmt.Sprintf(
			"Balance for %s: %.4f dabloons, %.4f banked.",
			b.resolver.Resolve(ctx, m.GuildID, userID),
			account.UsageBalance,
			account.Bank,
		),
	)
}

func (b *YakBot) cmdAdminResetUsage(
	ctx context.Context,
	m *discordgo.MessageCreate,
) {
	if !b.requireAdmin(ctx, m) {
		return
	}
	if err := b.creditGate.ResetAllowances(ctx); err != nil {
		b.commandError(ctx, m, err)
		return
	}
	b.replyText(ctx, m, "Allowances reset.")
}

func (b *YakBot) cmdAdminModifyKarma(
	ctx context.Context,
	m *discordgo.MessageCreate,
	args []string,
) {
	if !b.requireAdmin(ctx, m) {
		return
	}
	if len(args) != 2 {
		b.replyText(ctx, m, "Usage: modifykarma <user> <delta>")
		return
	}
	userID, ok := parseUserArg(args[0])
	if !ok {
		b.replyText(ctx, m, fmt.Sprintf("Not a user: %q", args[0]))
		return
	}
	delta, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		b.replyText(ctx, m, fmt.Sprintf("Not a number: %q", args[1]))
		return
	}
	karma, err := b.ledger.ModifyKarma(ctx, m.GuildID, userID, delta)
	if err != nil {
		b.commandError(ctx, m, err)
		return
	}
	b.replyText(
		ctx, m, fmt.Sprintf(
			"Karma for %s is now %d.",
			b.resolver.Resolve(ctx, m.GuildID, userID),
			karma,
		),
	)
}

// cmdAdminReconcile replays reactions from channel history through the
// ledger. The ledger's idempotent add makes re-scanning already-counted
// reactions safe.
func (b *YakBot) cmdAdminReconcile(
	ctx context.Context,
	m *discordgo.MessageCreate,
	args []string,
) {
	if !b.requireAdmin(ctx, m) {
		return
	}
	limit := reconcileDefaultMessages
	if len(args) > 0 {
		parsed, err := strconv.Atoi(args[0])
		if err != nil || parsed <= 0 {
			b.replyText(ctx, m, "Usage: reconcile [message count]")
			return
		}
		limit = parsed
	}
	if limit > reconcileMaxMessages {
		limit = reconcileMaxMessages
	}

	scanned, applied, err := b.reconcileChannel(
		ctx, m.GuildID, m.ChannelID, limit,
	)
	if err != nil {
		b.commandError(ctx, m, err)
		return
	}
	b.replyText(
		ctx, m, fmt.Sprintf(
			"Reconciled %d messages, %d reactions newly counted.",
			scanned, applied,
		),
	)
}

// reconcileChannel walks up to limit messages of channel history and
// feeds every tracked reaction through the ledger, returning the number
// of messages scanned and the number of reactions newly applied.
func (b *YakBot) reconcileChannel(
	ctx context.Context,
	guildID string,
	channelID string,
	limit int,
) (int, int, error) {
	logger, _ := ContextLogger(ctx)
	if logger == nil {
		logger = b.logger
	}
	scanned := 0
	applied := 0
	beforeID := ""

	for scanned < limit {
		pageSize := historyPageSize
		if remaining := limit - scanned; remaining < pageSize {
			pageSize = remaining
		}
		messages, err := b.discord.session.ChannelMessages(
			channelID, pageSize, beforeID, "", "",
			discordgo.WithContext(ctx),
		)
		if err != nil {
			return scanned, applied, fmt.Errorf(
				"error fetching channel history: %w", err,
			)
		}
		if len(messages) == 0 {
			break
		}

		for _, message := range messages {
			scanned++
			beforeID = message.ID
			if message.Author == nil || len(message.Reactions) == 0 {
				continue
			}
			for _, reaction := range message.Reactions {
				if reaction == nil || reaction.Emoji == nil {
					continue
				}
				value, tracked := b.ledger.ValueForEmoji(reaction.Emoji.Name)
				if !tracked {
					continue
				}
				newlyApplied, reactErr := b.reconcileReaction(
					ctx, guildID, channelID, message, reaction.Emoji.Name,
					value,
				)
				if reactErr != nil {
					logger.WarnContext(
						ctx,
						"error reconciling reaction",
						"message_id", message.ID,
						tint.Err(reactErr),
					)
					continue
				}
				applied += newlyApplied
			}
		}
	}
	return scanned, applied, nil
}

// reconcileReaction pages through the users behind one reaction on one
// message and records each through the idempotent ledger.
func (b *YakBot) reconcileReaction(
	ctx context.Context,
	guildID string,
	channelID string,
	message *discordgo.Message,
	emojiName string,
	value int64,
) (int, error) {
	applied := 0
	afterID := ""
	for {
		users, err := b.discord.session.MessageReactions(
			channelID, message.ID, emojiName,
			reactionPageSize, "", afterID,
			discordgo.WithContext(ctx),
		)
		if err != nil {
			return applied, fmt.Errorf(
				"error fetching reaction users: %w", err,
			)
		}
		if len(users) == 0 {
			return applied, nil
		}
		for _, user := range users {
			if user == nil {
				continue
			}
			afterID = user.ID
			wasApplied, addErr := b.ledger.AddReaction(
				ctx, ReactionRecord{
					MessageID: message.ID,
					ReactorID: user.ID,
					Value:     value,
					ReacteeID: message.Author.ID,
					GuildID:   guildID,
				},
			)
			if addErr != nil {
				return applied, addErr
			}
			if wasApplied {
				applied++
			}
		}
		if len(users) < reactionPageSize {
			return applied, nil
		}
	}
}

func (b *YakBot) commandError(
	ctx context.Context,
	m *discordgo.MessageCreate,
	err error,
) {
	logger, _ := ContextLogger(ctx)
	if logger == nil {
		logger = b.logger
	}
	logger.ErrorContext(ctx, "command failed", tint.Err(err))
	b.replyText(ctx, m, "Something went wrong, try again later.")
}
