package bot

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Role identifies who produced a conversation entry.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// referenceDelimiter separates a user's question from the message they
// replied to, inside a single user turn.
const referenceDelimiter = "\n## Referenced message\n"

// ImageRef is one image attached to a turn, with the resolution hint
// sent to OpenAI.
type ImageRef struct {
	URL    string      `json:"url"`
	Detail ImageDetail `json:"detail"`
}

// Turn is one entry in a guild's conversation history. Content is the
// text body; Images is only populated on image turns.
type Turn struct {
	Role    Role       `json:"role"`
	Content string     `json:"content"`
	Images  []ImageRef `json:"images,omitempty"`
}

func (t Turn) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("role", string(t.Role)),
		slog.String("content", truncate(t.Content, historyPreviewLength)),
		slog.Int("images", len(t.Images)),
	)
}

// UsageEntry is one row of a guild's token-usage leaderboard.
type UsageEntry struct {
	UserID string `json:"user_id"`
	Tokens uint64 `json:"tokens"`
}

// session is one guild's conversation state. turns[0] is always the
// system persona and is never evicted by trimming. All fields are
// guarded by mu; the store hands out copies, never the live slice.
type session struct {
	mu           sync.Mutex
	turns        []Turn
	lastActivity time.Time
	usage        map[string]uint64
}

// SessionStore owns every guild's conversation history and usage
// ledger. All mutation of either goes through it. Operations on
// different guilds proceed independently; operations on the same guild
// are serialized by the session's own mutex, so two near-simultaneous
// messages for one guild can't lose updates.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*session
	logger   *slog.Logger

	// now is swappable for tests
	now func() time.Time
}

func NewSessionStore(logger *slog.Logger) *SessionStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionStore{
		sessions: map[string]*session{},
		logger:   logger.With(loggerNameKey, "session_store"),
		now:      time.Now,
	}
}

// get returns the live session for a guild, or nil.
func (s *SessionStore) get(guildID string) *session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[guildID]
}

// Ensure creates a session for the guild if none exists, seeded with a
// single system turn carrying the given persona. Idempotent.
func (s *SessionStore) Ensure(guildID string, persona string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[guildID]; ok {
		return
	}
	s.sessions[guildID] = &session{
		turns:        []Turn{{Role: RoleSystem, Content: persona}},
		lastActivity: s.now(),
		usage:        map[string]uint64{},
	}
	s.logger.Info("created session", "guild_id", guildID)
}

// AppendUserTurn appends the user's question to the guild history. If
// reference is non-empty (the user replied to another message), it's
// concatenated into the same turn under a delimited section rather than
// stored as a separate entry.
func (s *SessionStore) AppendUserTurn(
	guildID string,
	text string,
	reference string,
) error {
	sess := s.get(guildID)
	if sess == nil {
		return fmt.Errorf("%w: %s", ErrNoSession, guildID)
	}
	content := text
	if reference != "" {
		content = fmt.Sprintf("%s%s%s", text, referenceDelimiter, reference)
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.turns = append(sess.turns, Turn{Role: RoleUser, Content: content})
	sess.lastActivity = s.now()
	return nil
}

// AppendAssistantTurn commits an assistant reply to the guild history.
// Only called when RuntimeConfig.SaveResponses is set.
func (s *SessionStore) AppendAssistantTurn(guildID string, text string) error {
	sess := s.get(guildID)
	if sess == nil {
		return fmt.Errorf("%w: %s", ErrNoSession, guildID)
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.turns = append(sess.turns, Turn{Role: RoleAssistant, Content: text})
	sess.lastActivity = s.now()
	return nil
}

// AppendImageTurn commits a user turn carrying image parts. Only called
// when RuntimeConfig.SaveImageInput is set - otherwise the image turn
// exists solely in the outgoing request payload, which keeps image
// token cost from being re-billed on every later request.
func (s *SessionStore) AppendImageTurn(guildID string, images []ImageRef) error {
	sess := s.get(guildID)
	if sess == nil {
		return fmt.Errorf("%w: %s", ErrNoSession, guildID)
	}
	refs := make([]ImageRef, len(images))
	copy(refs, images)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.turns = append(sess.turns, Turn{Role: RoleUser, Images: refs})
	sess.lastActivity = s.now()
	return nil
}

// Snapshot returns a copy of the guild's history, safe to read while
// other goroutines mutate the session. Returns nil if the guild has no
// session.
func (s *SessionStore) Snapshot(guildID string) []Turn {
	sess := s.get(guildID)
	if sess == nil {
		return nil
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	turns := make([]Turn, len(sess.turns))
	copy(turns, sess.turns)
	return turns
}

// ResetHistory collapses the guild's history to just the persona entry
// and refreshes the last-activity timestamp (a user asked for this, so
// it counts as activity - reaper-driven expiry goes through ExpireIdle
// instead, which deliberately leaves the timestamp alone).
// Returns false if the guild has no session.
func (s *SessionStore) ResetHistory(guildID string) bool {
	sess := s.get(guildID)
	if sess == nil {
		return false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if len(sess.turns) == 0 {
		return false
	}
	sess.turns = sess.turns[:1]
	sess.lastActivity = s.now()
	s.logger.Info("history reset", "guild_id", guildID)
	return true
}

// ResetPersona overwrites the guild's persona entry with the given
// default. Returns false if the guild has no session.
func (s *SessionStore) ResetPersona(guildID string, persona string) bool {
	sess := s.get(guildID)
	if sess == nil {
		return false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.turns[0] = Turn{Role: RoleSystem, Content: persona}
	sess.lastActivity = s.now()
	s.logger.Info("persona reset", "guild_id", guildID)
	return true
}

// SetPersona overwrites the guild's persona entry with the given text,
// creating the session if the guild has none.
func (s *SessionStore) SetPersona(guildID string, text string) {
	s.mu.Lock()
	sess, ok := s.sessions[guildID]
	if !ok {
		s.sessions[guildID] = &session{
			turns:        []Turn{{Role: RoleSystem, Content: text}},
			lastActivity: s.now(),
			usage:        map[string]uint64{},
		}
		s.mu.Unlock()
		s.logger.Info("persona set for new guild", "guild_id", guildID)
		return
	}
	s.mu.Unlock()

	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.turns[0] = Turn{Role: RoleSystem, Content: text}
	sess.lastActivity = s.now()
	s.logger.Info("persona changed", "guild_id", guildID)
}

// Persona returns the guild's current persona text, or "" if the guild
// has no session.
func (s *SessionStore) Persona(guildID string) string {
	sess := s.get(guildID)
	if sess == nil {
		return ""
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if len(sess.turns) == 0 {
		return ""
	}
	return sess.turns[0].Content
}

// Size returns the guild's current turn count, including the persona
// entry. Zero if the guild has no session.
func (s *SessionStore) Size(guildID string) int {
	sess := s.get(guildID)
	if sess == nil {
		return 0
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return len(sess.turns)
}

// Trim evicts the oldest non-persona entries until the guild's history
// is within maxLength. turns[0] is never evicted. Returns the number of
// evicted turns. Runs after an exchange settles, never mid-request.
func (s *SessionStore) Trim(guildID string, maxLength int) int {
	sess := s.get(guildID)
	if sess == nil || maxLength < 1 {
		return 0
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	evicted := 0
	for len(sess.turns) > maxLength {
		sess.turns = append(sess.turns[:1], sess.turns[2:]...)
		evicted++
	}
	if evicted > 0 {
		s.logger.Debug(
			"trimmed history",
			"guild_id", guildID,
			"evicted", evicted,
			"size", len(sess.turns),
		)
	}
	return evicted
}

// AddUsage adds the provider-reported token count to the user's
// cumulative total for the guild. Entries are created on first use and
// only ever grow while the process runs.
func (s *SessionStore) AddUsage(guildID string, userID string, tokens int) error {
	sess := s.get(guildID)
	if sess == nil {
		return fmt.Errorf("%w: %s", ErrNoSession, guildID)
	}
	if tokens < 0 {
		tokens = 0
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.usage[userID] += uint64(tokens)
	return nil
}

// Usage returns the user's cumulative token count for the guild.
func (s *SessionStore) Usage(guildID string, userID string) uint64 {
	sess := s.get(guildID)
	if sess == nil {
		return 0
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.usage[userID]
}

// Leaderboard returns the guild's top-n users by cumulative token
// usage, descending. Ties break on user ID so the ordering is stable.
func (s *SessionStore) Leaderboard(guildID string, n int) []UsageEntry {
	sess := s.get(guildID)
	if sess == nil {
		return nil
	}
	sess.mu.Lock()
	entries := make([]UsageEntry, 0, len(sess.usage))
	for userID, tokens := range sess.usage {
		entries = append(entries, UsageEntry{UserID: userID, Tokens: tokens})
	}
	sess.mu.Unlock()

	sort.Slice(
		entries, func(i, j int) bool {
			if entries[i].Tokens != entries[j].Tokens {
				return entries[i].Tokens > entries[j].Tokens
			}
			return entries[i].UserID < entries[j].UserID
		},
	)
	if n > 0 && len(entries) > n {
		entries = entries[:n]
	}
	return entries
}

// LastActivity returns the guild's last-activity timestamp, and whether
// the guild has a session at all.
func (s *SessionStore) LastActivity(guildID string) (time.Time, bool) {
	sess := s.get(guildID)
	if sess == nil {
		return time.Time{}, false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.lastActivity, true
}

// ExpireIdle resets the history of every guild whose last activity is
// older than threshold, without refreshing their timestamps. Returns
// the expired guild IDs. Called by the idle reaper.
func (s *SessionStore) ExpireIdle(threshold time.Duration) []string {
	s.mu.RLock()
	guildIDs := make([]string, 0, len(s.sessions))
	for guildID := range s.sessions {
		guildIDs = append(guildIDs, guildID)
	}
	s.mu.RUnlock()

	cutoff := s.now().Add(-threshold)
	var expired []string
	for _, guildID := range guildIDs {
		sess := s.get(guildID)
		if sess == nil {
			continue
		}
		// check and reset under one lock, so an append that lands
		// mid-sweep can't be wiped out
		sess.mu.Lock()
		if len(sess.turns) > 1 && sess.lastActivity.Before(cutoff) {
			sess.turns = sess.turns[:1]
			expired = append(expired, guildID)
		}
		sess.mu.Unlock()
	}
	if len(expired) > 0 {
		s.logger.Info("expired idle guilds", "guild_ids", expired)
	}
	return expired
}

// GuildIDs returns the IDs of every guild with a session.
func (s *SessionStore) GuildIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
