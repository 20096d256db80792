package proxy

import (
	"context"
	"sync"

	"github.com/thanhnt-sm/LMArenaBridge-2/pkg/arena"
	"github.com/thanhnt-sm/LMArenaBridge-2/pkg/config"
)

type ctxKey int

const apiKeyCtxKey ctxKey = iota

func withAPIKey(ctx context.Context, rec config.APIKeyRecord) context.Context {
	return context.WithValue(ctx, apiKeyCtxKey, rec)
}

func apiKeyFrom(ctx context.Context) (config.APIKeyRecord, bool) {
	rec, ok := ctx.Value(apiKeyCtxKey).(config.APIKeyRecord)
	return rec, ok
}

type sessionKey struct {
	apiKey       string
	conversation string
}

// SessionRegistry remembers which upstream evaluation a (key, conversation)
// pair maps to, so follow-up turns post into the same evaluation instead of
// opening a new one. Last write wins when two turns race on a conversation.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[sessionKey]arena.Session
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: map[sessionKey]arena.Session{}}
}

func (r *SessionRegistry) Lookup(apiKey, conversationID string) (arena.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[sessionKey{apiKey, conversationID}]
	return sess, ok
}

// Commit stores the session state after a successful turn.
func (r *SessionRegistry) Commit(apiKey, conversationID string, sess arena.Session) {
	r.mu.Lock()
	r.sessions[sessionKey{apiKey, conversationID}] = sess
	r.mu.Unlock()
}

func (r *SessionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
