package yakbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

// Abbreviation is a per-user text shortcut. Occurrences of Key in the
// user's messages are expanded to Value before prompt compilation.
type Abbreviation struct {
	GuildID string `json:"guild_id" gorm:"primaryKey"`
	UserID  string `json:"user_id" gorm:"primaryKey"`
	Key     string `json:"key" gorm:"primaryKey"`
	Value   string `json:"value"`
	ModelUnixTime
}

func (Abbreviation) TableName() string {
	return "abbreviations"
}

func (a Abbreviation) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("guild_id", a.GuildID),
		slog.String("user_id", a.UserID),
		slog.String("key", a.Key),
		slog.String("value", truncate(a.Value, 64)),
	)
}

// AbbreviationStore manages abbreviations and applies them to message
// text.
type AbbreviationStore struct {
	db     DBI
	logger *slog.Logger
}

func NewAbbreviationStore(db DBI, logger *slog.Logger) *AbbreviationStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &AbbreviationStore{
		db:     db,
		logger: logger.With(loggerNameKey, "abbreviation_store"),
	}
}

// Set creates or replaces the abbreviation for key.
func (s *AbbreviationStore) Set(
	ctx context.Context,
	guildID string,
	userID string,
	key string,
	value string,
) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("abbreviation key cannot be empty")
	}
	_, err := s.db.Save(
		ctx, &Abbreviation{
			GuildID: guildID,
			UserID:  userID,
			Key:     key,
			Value:   value,
		},
	)
	if err != nil {
		return fmt.Errorf("error saving abbreviation: %w", err)
	}
	return nil
}

// Get returns the abbreviation value for key, or "" if unset.
func (s *AbbreviationStore) Get(
	ctx context.Context,
	guildID string,
	userID string,
	key string,
) (string, error) {
	record := &Abbreviation{}
	err := s.db.DB().WithContext(ctx).Where(
		"guild_id = ? AND user_id = ? AND key = ?", guildID, userID, key,
	).First(record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("error fetching abbreviation: %w", err)
	}
	return record.Value, nil
}

// List returns the user's abbreviations ordered by key.
func (s *AbbreviationStore) List(
	ctx context.Context,
	guildID string,
	userID string,
) ([]Abbreviation, error) {
	var records []Abbreviation
	err := s.db.DB().WithContext(ctx).Where(
		"guild_id = ? AND user_id = ?", guildID, userID,
	).Order("key").Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("error listing abbreviations: %w", err)
	}
	return records, nil
}

// Delete removes an abbreviation. Deleting a missing key is a no-op.
func (s *AbbreviationStore) Delete(
	ctx context.Context,
	guildID string,
	userID string,
	key string,
) error {
	_, err := s.db.Delete(
		&Abbreviation{},
		"guild_id = ? AND user_id = ? AND key = ?", guildID, userID, key,
	)
	if err != nil {
		return fmt.Errorf("error deleting abbreviation: %w", err)
	}
	return nil
}

// Expand replaces each of the user's abbreviation keys appearing in
// text with its value. Longer keys are applied first so a key that is a
// substring of another can't clobber it.
func (s *AbbreviationStore) Expand(
	ctx context.Context,
	guildID string,
	userID string,
	text string,
) string {
	records, err := s.List(ctx, guildID, userID)
	if err != nil {
		s.logger.WarnContext(
			ctx,
			"abbreviation expansion skipped",
			"user_id", userID,
			tint.Err(err),
		)
		return text
	}
	sort.Slice(
		records, func(i, j int) bool {
			return len(records[i].Key) > len(records[j].Key)
		},
	)
	for _, record := range records {
		text = strings.ReplaceAll(text, record.Key, record.Value)
	}
	return text
}
