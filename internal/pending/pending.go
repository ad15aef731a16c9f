// Package pending holds the short-lived, two-phase confirmation state for
// staged configuration changes. Actions live in a primary store keyed by a
// random action id, with a secondary index from conversation key to the one
// live action per conversation. Entries expire 300 seconds after their last
// write; expiry is enforced on read rather than by a sweeper.
package pending

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind names the staged configuration change.
type Kind string

const (
	KindSSID     Kind = "ssid"
	KindPassword Kind = "password"
)

// Stage tracks the two-phase flow. An action starts awaiting a value and
// moves to confirm once a candidate value passes validation.
type Stage string

const (
	StageAwaitingValue Stage = "awaiting_value"
	StageConfirm       Stage = "confirm"
)

// Action is one staged configuration change. ContextStatus and ContextPage
// preserve the subscriber-list view the operator came from so the reply can
// point back at it after the flow ends.
type Action struct {
	Kind          Kind
	CustomerID    int
	ContextStatus string
	ContextPage   int
	DeviceID      string
	Value         string
	Stage         Stage
}

// DefaultTTL is how long an action survives without a write.
const DefaultTTL = 300 * time.Second

type record struct {
	action    Action
	expiresAt time.Time
}

type indexRecord struct {
	actionID  string
	expiresAt time.Time
}

// Store is safe for concurrent use.
type Store struct {
	ttl time.Duration

	mu     sync.Mutex
	byID   map[string]record
	byConv map[string]indexRecord

	now func() time.Time
}

// NewStore builds a store with the given TTL, falling back to DefaultTTL.
func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		ttl:    ttl,
		byID:   make(map[string]record),
		byConv: make(map[string]indexRecord),
		now:    time.Now,
	}
}

// ConversationKey derives the index key for a chat/user pair.
func ConversationKey(chatID, userID int64) string {
	return fmt.Sprintf("%d:%d", chatID, userID)
}

// Start registers a new action for the conversation and returns its id.
// A prior live action for the same conversation loses its index entry but
// stays addressable by id until its own TTL lapses.
func (s *Store) Start(convKey string, action Action) string {
	id := uuid.NewString()
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[id] = record{action: action, expiresAt: now.Add(s.ttl)}
	s.byConv[convKey] = indexRecord{actionID: id, expiresAt: now.Add(s.ttl)}
	return id
}

// ByID returns the action when it exists and has not expired.
func (s *Store) ByID(actionID string) (Action, bool) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[actionID]
	if !ok {
		return Action{}, false
	}
	if now.After(rec.expiresAt) {
		delete(s.byID, actionID)
		return Action{}, false
	}
	return rec.action, true
}

// SetByID overwrites the action and refreshes its TTL.
func (s *Store) SetByID(actionID string, action Action) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[actionID] = record{action: action, expiresAt: now.Add(s.ttl)}
}

// DeleteByID removes the action from the primary store.
func (s *Store) DeleteByID(actionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, actionID)
}

// ByConversation resolves the conversation's live action, if any.
func (s *Store) ByConversation(convKey string) (string, Action, bool) {
	now := s.now()

	s.mu.Lock()
	idx, ok := s.byConv[convKey]
	if ok && now.After(idx.expiresAt) {
		delete(s.byConv, convKey)
		ok = false
	}
	s.mu.Unlock()
	if !ok {
		return "", Action{}, false
	}

	action, ok := s.ByID(idx.actionID)
	if !ok {
		return "", Action{}, false
	}
	return idx.actionID, action, true
}

// ClearConversation drops the conversation's index entry and its action.
func (s *Store) ClearConversation(convKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx, ok := s.byConv[convKey]; ok {
		delete(s.byID, idx.actionID)
	}
	delete(s.byConv, convKey)
}
