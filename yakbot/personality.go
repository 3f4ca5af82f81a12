package yakbot

import (
	"encoding/json"
	"fmt"
	"os"
)

// StaticConfig holds the read-only personality snapshot loaded from a
// JSON file at startup. It is never written back.
type StaticConfig struct {
	// Personality is the default system-prompt persona text
	Personality string `json:"personality"`

	// GuildPersonalities overrides the persona per guild ID
	GuildPersonalities map[string]string `json:"guild_personalities"`

	// Insults are candidate lines for the escalating-insult response
	Insults []string `json:"insults"`

	// AlarmingPhrases trigger the crisis reply when present in a message
	AlarmingPhrases []string `json:"alarming_phrases"`

	// CrisisReply is sent verbatim when an alarming phrase is detected
	CrisisReply string `json:"crisis_reply"`
}

// PersonalityFor returns the persona for guildID, falling back to the
// default.
func (s *StaticConfig) PersonalityFor(guildID string) string {
	if s == nil {
		return ""
	}
	if p, ok := s.GuildPersonalities[guildID]; ok && p != "" {
		return p
	}
	return s.Personality
}

// LoadStaticConfig reads the snapshot from path. An empty path yields
// an empty (but usable) config.
func LoadStaticConfig(path string) (*StaticConfig, error) {
	cfg := &StaticConfig{}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return nil, fmt.Errorf("error reading static config: %w", err)
	}
	if err = json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing static config: %w", err)
	}
	return cfg, nil
}
