package yakbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	columnKarmaRecordKarma        = "karma"
	columnReactionRecordReacteeID = "reactee_id"

	// reactionUpvote and reactionDownvote are the two recognized vote
	// values. The emoji-to-value mapping lives in config.
	reactionUpvote   int64 = 1
	reactionDownvote int64 = -1
)

// KarmaRecord is a user's karma score within one guild.
type KarmaRecord struct {
	GuildID string `json:"guild_id" gorm:"primaryKey"`
	UserID  string `json:"user_id" gorm:"primaryKey"`
	Karma   int64  `json:"karma"`
	ModelUnixTime
}

func (KarmaRecord) TableName() string {
	return "karma_records"
}

func (k KarmaRecord) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("guild_id", k.GuildID),
		slog.String("user_id", k.UserID),
		slog.Int64("karma", k.Karma),
	)
}

// ReactionRecord is a single live vote: reactor ReactorID currently has
// a reaction worth Value on message MessageID, authored by ReacteeID.
// The composite key makes replays of the same reaction event no-ops.
type ReactionRecord struct {
	MessageID string `json:"message_id" gorm:"primaryKey"`
	ReactorID string `json:"reactor_id" gorm:"primaryKey"`
	Value     int64  `json:"value" gorm:"primaryKey;autoIncrement:false"`
	ReacteeID string `json:"reactee_id"`
	GuildID   string `json:"guild_id"`
	ModelUnixTime
}

func (ReactionRecord) TableName() string {
	return "reaction_records"
}

func (r ReactionRecord) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("message_id", r.MessageID),
		slog.String("reactor_id", r.ReactorID),
		slog.Int64("value", r.Value),
		slog.String("reactee_id", r.ReacteeID),
		slog.String("guild_id", r.GuildID),
	)
}

// ReactorCount aggregates reaction counts between a user pair.
type ReactorCount struct {
	UserID string `json:"user_id"`
	Count  int64  `json:"count"`
}

// ReactionLedger records votes and keeps karma consistent with them.
// Each (message, reactor, value) triple transitions between absent and
// present; the karma delta is applied exactly once per transition, so
// both live gateway events and bulk history replays can feed it.
type ReactionLedger struct {
	db            DBI
	upvoteEmoji   string
	downvoteEmoji string
	logger        *slog.Logger
}

func NewReactionLedger(
	db DBI,
	upvoteEmoji string,
	downvoteEmoji string,
	logger *slog.Logger,
) *ReactionLedger {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReactionLedger{
		db:            db,
		upvoteEmoji:   upvoteEmoji,
		downvoteEmoji: downvoteEmoji,
		logger:        logger.With(loggerNameKey, "reaction_ledger"),
	}
}

// ValueForEmoji maps an emoji name to its vote value. The second return
// is false for emoji the ledger doesn't track.
func (r *ReactionLedger) ValueForEmoji(emoji string) (int64, bool) {
	switch emoji {
	case r.upvoteEmoji:
		return reactionUpvote, true
	case r.downvoteEmoji:
		return reactionDownvote, true
	default:
		return 0, false
	}
}

func adjustKarma(
	tx *gorm.DB,
	guildID string,
	userID string,
	delta int64,
) error {
	record := &KarmaRecord{}
	err := tx.Where(
		"guild_id = ? AND user_id = ?", guildID, userID,
	).First(record).Error
	switch {
	case err == nil:
		return tx.Model(record).Update(
			columnKarmaRecordKarma, record.Karma+delta,
		).Error
	case errors.Is(err, gorm.ErrRecordNotFound):
		return tx.Create(
			&KarmaRecord{GuildID: guildID, UserID: userID, Karma: delta},
		).Error
	default:
		return err
	}
}

// AddReaction records a vote transitioning to present. If the triple is
// already recorded, only the stored reactee is refreshed and no karma
// moves, so duplicate delivery and reconciliation replays are safe. The
// returned bool reports whether karma was actually applied.
func (r *ReactionLedger) AddReaction(
	ctx context.Context,
	record ReactionRecord,
) (bool, error) {
	applied := false
	err := r.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			existing := &ReactionRecord{}
			txErr := tx.Where(
				"message_id = ? AND reactor_id = ? AND value = ?",
				record.MessageID, record.ReactorID, record.Value,
			).First(existing).Error

			if txErr == nil {
				if existing.ReacteeID == record.ReacteeID {
					return nil
				}
				// A stored reactee can go stale if an earlier pass
				// recorded the wrong author. Fix the row without
				// touching karma.
				return tx.Model(existing).Update(
					columnReactionRecordReacteeID, record.ReacteeID,
				).Error
			}
			if !errors.Is(txErr, gorm.ErrRecordNotFound) {
				return txErr
			}

			if txErr = tx.Create(&record).Error; txErr != nil {
				return txErr
			}
			if txErr = adjustKarma(
				tx, record.GuildID, record.ReacteeID, record.Value,
			); txErr != nil {
				return txErr
			}
			applied = true
			return nil
		},
	)
	if err != nil {
		return false, fmt.Errorf("error recording reaction: %w", err)
	}
	if applied {
		r.logger.InfoContext(ctx, "reaction recorded", "reaction", record)
	}
	return applied, nil
}

// RemoveReaction records a vote transitioning to absent, reversing its
// karma. Removing a vote that was never recorded is a no-op.
func (r *ReactionLedger) RemoveReaction(
	ctx context.Context,
	messageID string,
	reactorID string,
	value int64,
) (bool, error) {
	reversed := false
	err := r.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			existing := &ReactionRecord{}
			txErr := tx.Where(
				"message_id = ? AND reactor_id = ? AND value = ?",
				messageID, reactorID, value,
			).First(existing).Error
			if errors.Is(txErr, gorm.ErrRecordNotFound) {
				return nil
			}
			if txErr != nil {
				return txErr
			}

			// Hard delete: the composite key must be free for the
			// next absent-to-present transition.
			if txErr = tx.Unscoped().Delete(existing).Error; txErr != nil {
				return txErr
			}
			if txErr = adjustKarma(
				tx, existing.GuildID, existing.ReacteeID, -existing.Value,
			); txErr != nil {
				return txErr
			}
			reversed = true
			return nil
		},
	)
	if err != nil {
		return false, fmt.Errorf("error removing reaction: %w", err)
	}
	if reversed {
		r.logger.InfoContext(
			ctx,
			"reaction removed",
			"message_id", messageID,
			"reactor_id", reactorID,
			"value", value,
		)
	}
	return reversed, nil
}

// Karma returns userID's karma in guildID. Users with no record have
// zero karma.
func (r *ReactionLedger) Karma(
	ctx context.Context,
	guildID string,
	userID string,
) (int64, error) {
	record := &KarmaRecord{}
	err := r.db.DB().WithContext(ctx).Where(
		"guild_id = ? AND user_id = ?", guildID, userID,
	).First(record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("error fetching karma: %w", err)
	}
	return record.Karma, nil
}

// ModifyKarma applies an arbitrary delta to userID's karma outside the
// reaction flow. Intended for operator adjustments.
func (r *ReactionLedger) ModifyKarma(
	ctx context.Context,
	guildID string,
	userID string,
	delta int64,
) (int64, error) {
	var karma int64
	err := r.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			if txErr := adjustKarma(tx, guildID, userID, delta); txErr != nil {
				return txErr
			}
			record := &KarmaRecord{}
			if txErr := tx.Where(
				"guild_id = ? AND user_id = ?", guildID, userID,
			).First(record).Error; txErr != nil {
				return txErr
			}
			karma = record.Karma
			return nil
		},
	)
	if err != nil {
		return 0, fmt.Errorf("error modifying karma: %w", err)
	}
	return karma, nil
}

// Leaderboard returns guild karma records ordered highest first.
func (r *ReactionLedger) Leaderboard(
	ctx context.Context,
	guildID string,
	limit int,
) ([]KarmaRecord, error) {
	var records []KarmaRecord
	q := r.db.DB().WithContext(ctx).Where("guild_id = ?", guildID).Order(
		clause.OrderByColumn{
			Column: clause.Column{Name: columnKarmaRecordKarma},
			Desc:   true,
		},
	)
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("error fetching leaderboard: %w", err)
	}
	return records, nil
}

// GivenReceived counts the votes userID has given and received in
// guildID, per vote value.
func (r *ReactionLedger) GivenReceived(
	ctx context.Context,
	guildID string,
	userID string,
	value int64,
) (given int64, received int64, err error) {
	db := r.db.DB().WithContext(ctx)
	err = db.Model(&ReactionRecord{}).Where(
		"guild_id = ? AND reactor_id = ? AND value = ?",
		guildID, userID, value,
	).Count(&given).Error
	if err != nil {
		return 0, 0, fmt.Errorf("error counting given reactions: %w", err)
	}
	err = db.Model(&ReactionRecord{}).Where(
		"guild_id = ? AND reactee_id = ? AND value = ?",
		guildID, userID, value,
	).Count(&received).Error
	if err != nil {
		return 0, 0, fmt.Errorf("error counting received reactions: %w", err)
	}
	return given, received, nil
}

// Reactors returns who reacts to userID's messages most, by vote value.
func (r *ReactionLedger) Reactors(
	ctx context.Context,
	guildID string,
	userID string,
	value int64,
	limit int,
) ([]ReactorCount, error) {
	var counts []ReactorCount
	q := r.db.DB().WithContext(ctx).Model(&ReactionRecord{}).Select(
		"reactor_id AS user_id, COUNT(*) AS count",
	).Where(
		"guild_id = ? AND reactee_id = ? AND value = ?",
		guildID, userID, value,
	).Group("reactor_id").Order("count DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(&counts).Error; err != nil {
		return nil, fmt.Errorf("error fetching reactors: %w", err)
	}
	return counts, nil
}

// Reactees returns whose messages userID reacts to most, by vote value.
func (r *ReactionLedger) Reactees(
	ctx context.Context,
	guildID string,
	userID string,
	value int64,
	limit int,
) ([]ReactorCount, error) {
	var counts []ReactorCount
	q := r.db.DB().WithContext(ctx).Model(&ReactionRecord{}).Select(
		"reactee_id AS user_id, COUNT(*) AS count",
	).Where(
		"guild_id = ? AND reactor_id = ? AND value = ?",
		guildID, userID, value,
	).Group("reactee_id").Order("count DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(&counts).Error; err != nil {
		return nil, fmt.Errorf("error fetching reactees: %w", err)
	}
	return counts, nil
}
