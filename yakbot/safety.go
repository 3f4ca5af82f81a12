package yakbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

const (
	// Insult probability scales from insultChanceFloor to
	// insultChanceCeiling over insultChanceWindow since the last insult.
	insultChanceFloor   = 0.001
	insultChanceCeiling = 0.1
	insultChanceWindow  = 48 * time.Hour

	defaultCrisisReply = "Please check out crisis resources. If you're in " +
		"danger, call emergency services immediately or text HOME to 741741 " +
		"for free crisis counseling."
)

// defaultAlarmingPhrases is used when the static config doesn't supply
// its own list.
var defaultAlarmingPhrases = []string{
	"kill myself", "kms", "am going to commit suicide",
	"am gonna commit suicide", "i will commit suicide",
	"i want to commit suicide", "i wanna commit suicide",
	"shoot myself", "hang myself", "drown myself", "i should die",
	"end my life", "i want to die", "i crave death", "sewer slide",
	"i hope i die", "decapitate myself", "stab myself", "im gonna jump",
	"blow myself up", "i wish for the sweet release of death",
}

// SafetyHandler watches messages for alarming phrases. The usual
// response is a crisis-resources reply; a sender with negative karma
// may instead draw a randomly escalating insult, whose probability
// grows with time since the last insult was issued anywhere. The
// last-insult timestamp is durable so restarts don't reset the clock.
type SafetyHandler struct {
	db     DBI
	ledger *ReactionLedger
	static *StaticConfig
	logger *slog.Logger

	mu sync.Mutex

	// swappable for tests
	now     func() time.Time
	randomf func() float64
}

func NewSafetyHandler(
	db DBI,
	ledger *ReactionLedger,
	static *StaticConfig,
	logger *slog.Logger,
) *SafetyHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SafetyHandler{
		db:      db,
		ledger:  ledger,
		static:  static,
		logger:  logger.With(loggerNameKey, "safety"),
		now:     time.Now,
		randomf: rand.Float64,
	}
}

func (s *SafetyHandler) phrases() []string {
	if s.static != nil && len(s.static.AlarmingPhrases) > 0 {
		return s.static.AlarmingPhrases
	}
	return defaultAlarmingPhrases
}

func (s *SafetyHandler) crisisReply() string {
	if s.static != nil && s.static.CrisisReply != "" {
		return s.static.CrisisReply
	}
	return defaultCrisisReply
}

// containsAlarmingPhrase reports whether content matches any watched
// phrase, case-insensitively.
func (s *SafetyHandler) containsAlarmingPhrase(content string) bool {
	lowered := strings.ToLower(content)
	for _, phrase := range s.phrases() {
		if strings.Contains(lowered, phrase) {
			return true
		}
	}
	return false
}

// insultProc rolls for an insult. The chance grows linearly from the
// floor to the ceiling over the window since the last insult; a hit
// persists the new timestamp, resetting the clock.
func (s *SafetyHandler) insultProc(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lastInsult time.Time
	stored, err := s.db.GetMeta(ctx, metaKeyLastInsult)
	switch {
	case err == nil && stored != "":
		unixSeconds, parseErr := strconv.ParseInt(stored, 10, 64)
		if parseErr != nil {
			s.logger.WarnContext(
				ctx,
				"invalid last insult marker",
				"value", stored,
				tint.Err(parseErr),
			)
		} else {
			lastInsult = time.Unix(unixSeconds, 0)
		}
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		return false, fmt.Errorf("error reading last insult marker: %w", err)
	}

	elapsed := s.now().Sub(lastInsult)
	chance := insultChanceFloor + (insultChanceCeiling-insultChanceFloor)*
		(elapsed.Seconds()/insultChanceWindow.Seconds())
	if chance > insultChanceCeiling {
		chance = insultChanceCeiling
	}
	roll := s.randomf()
	s.logger.InfoContext(
		ctx,
		"insult chance check",
		"roll", roll,
		"chance", chance,
	)
	if roll >= chance {
		return false, nil
	}
	err = s.db.SetMeta(
		ctx,
		metaKeyLastInsult,
		strconv.FormatInt(s.now().Unix(), 10),
	)
	if err != nil {
		return false, fmt.Errorf("error saving last insult marker: %w", err)
	}
	return true, nil
}

// Check inspects one message. It returns the reply to send, or an
// empty string when the message doesn't trigger anything.
func (s *SafetyHandler) Check(
	ctx context.Context,
	guildID string,
	userID string,
	content string,
) (string, error) {
	if !s.containsAlarmingPhrase(content) {
		return "", nil
	}

	karma, err := s.ledger.Karma(ctx, guildID, userID)
	if err != nil {
		return "", err
	}
	if karma < 0 && s.static != nil && len(s.static.Insults) > 0 {
		insult, procErr := s.insultProc(ctx)
		if procErr != nil {
			return "", procErr
		}
		if insult {
			i := int(s.randomf() * float64(len(s.static.Insults)))
			if i >= len(s.static.Insults) {
				i = len(s.static.Insults) - 1
			}
			return s.static.Insults[i], nil
		}
	}
	return s.crisisReply(), nil
}
