package yakbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

const (
	columnIdentityName        = "name"
	columnIdentityDescription = "description"
)

// Identity is what the bot knows about a user: the display name used
// when rendering conversations, and a free-form description accumulated
// through model tool calls.
type Identity struct {
	UserID      string `json:"user_id" gorm:"primaryKey"`
	Name        string `json:"name"`
	Description string `json:"description"`
	ModelUnixTime
}

func (Identity) TableName() string {
	return "identities"
}

func (i Identity) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("user_id", i.UserID),
		slog.String("name", i.Name),
		slog.String("description", truncate(i.Description, 64)),
	)
}

// MemberDirectory looks up a member's display name from the chat
// platform. Implemented by the Discord layer, mocked in tests.
type MemberDirectory interface {
	MemberName(ctx context.Context, guildID string, userID string) (
		string,
		error,
	)
}

// IdentityResolver turns user IDs into display names. Resolution order:
// the stored identity, then the member directory (persisting whatever
// it returns), then the raw ID itself. It never fails the caller; an
// unresolvable user just renders as their ID.
type IdentityResolver struct {
	db        DBI
	directory MemberDirectory
	logger    *slog.Logger

	cache map[string]string
	mu    sync.RWMutex
}

func NewIdentityResolver(
	db DBI,
	directory MemberDirectory,
	logger *slog.Logger,
) *IdentityResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &IdentityResolver{
		db:        db,
		directory: directory,
		logger:    logger.With(loggerNameKey, "identity_resolver"),
		cache:     map[string]string{},
	}
}

// Identity returns the stored identity for userID, or nil if none
// exists yet.
func (r *IdentityResolver) Identity(
	ctx context.Context,
	userID string,
) (*Identity, error) {
	identity := &Identity{}
	err := r.db.DB().WithContext(ctx).Where(
		"user_id = ?", userID,
	).First(identity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error fetching identity: %w", err)
	}
	return identity, nil
}

func (r *IdentityResolver) upsert(
	ctx context.Context,
	userID string,
	column string,
	value string,
) error {
	identity, err := r.Identity(ctx, userID)
	if err != nil {
		return err
	}
	if identity == nil {
		identity = &Identity{UserID: userID}
		switch column {
		case columnIdentityName:
			identity.Name = value
		case columnIdentityDescription:
			identity.Description = value
		}
		_, err = r.db.Create(ctx, identity)
		return err
	}
	_, err = r.db.Update(ctx, identity, column, value)
	return err
}

// SetName stores userID's display name and refreshes the cache.
func (r *IdentityResolver) SetName(
	ctx context.Context,
	userID string,
	name string,
) error {
	if err := r.upsert(ctx, userID, columnIdentityName, name); err != nil {
		return fmt.Errorf("error setting name: %w", err)
	}
	r.mu.Lock()
	r.cache[userID] = name
	r.mu.Unlock()
	return nil
}

// SetMemory replaces userID's stored description.
func (r *IdentityResolver) SetMemory(
	ctx context.Context,
	userID string,
	memory string,
) error {
	err := r.upsert(ctx, userID, columnIdentityDescription, memory)
	if err != nil {
		return fmt.Errorf("error setting memory: %w", err)
	}
	return nil
}

// Resolve returns the display name for userID. Results are cached for
// the life of the process; SetName invalidates through the cache.
func (r *IdentityResolver) Resolve(
	ctx context.Context,
	guildID string,
	userID string,
) string {
	r.mu.RLock()
	cached, ok := r.cache[userID]
	r.mu.RUnlock()
	if ok {
		return cached
	}

	name := r.resolveUncached(ctx, guildID, userID)
	r.mu.Lock()
	r.cache[userID] = name
	r.mu.Unlock()
	return name
}

func (r *IdentityResolver) resolveUncached(
	ctx context.Context,
	guildID string,
	userID string,
) string {
	identity, err := r.Identity(ctx, userID)
	if err != nil {
		r.logger.WarnContext(
			ctx,
			"identity lookup failed",
			"user_id", userID,
			tint.Err(err),
		)
	} else if identity != nil && identity.Name != "" {
		return identity.Name
	}

	if r.directory != nil {
		name, dirErr := r.directory.MemberName(ctx, guildID, userID)
		if dirErr == nil && name != "" {
			if saveErr := r.upsert(
				ctx, userID, columnIdentityName, name,
			); saveErr != nil {
				r.logger.WarnContext(
					ctx,
					"error persisting resolved name",
					"user_id", userID,
					tint.Err(saveErr),
				)
			}
			return name
		}
		if dirErr != nil {
			r.logger.WarnContext(
				ctx,
				"member directory lookup failed",
				"user_id", userID,
				"guild_id", guildID,
				tint.Err(dirErr),
			)
		}
	}

	r.logger.WarnContext(
		ctx,
		"could not resolve user, using raw ID",
		"user_id", userID,
	)
	return userID
}

// Memory returns userID's stored description, or an empty string.
func (r *IdentityResolver) Memory(
	ctx context.Context,
	userID string,
) (string, error) {
	identity, err := r.Identity(ctx, userID)
	if err != nil {
		return "", err
	}
	if identity == nil {
		return "", nil
	}
	return identity.Description, nil
}
