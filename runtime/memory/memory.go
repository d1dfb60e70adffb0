// Package memory maintains short conversational context per thread and
// resolves follow-up questions against it. Threads are identified by opaque
// caller-supplied IDs; turns live in the runtime store alongside the rest of
// the session state so snapshots and tests see one source of truth.
package memory

import (
	"strings"

	"github.com/trellishq/trellis/runtime/store"
)

const (
	// RoleUser marks a turn authored by the person asking questions.
	RoleUser = "user"
	// RoleAssistant marks a turn holding a produced answer.
	RoleAssistant = "assistant"

	// DefaultRecentLimit bounds how many trailing turns a follow-up
	// resolution inspects.
	DefaultRecentLimit = 6
)

// followUpHints are lowercase fragments that signal the question leans on an
// earlier turn instead of naming its subject outright.
var followUpHints = []string{
	"that movie",
	"that film",
	"that title",
	"that relationship",
	"that document",
	"that file",
	"that evidence",
	"what about",
	"tell me more",
	"more about that",
}

// ContextNote is attached to a query whenever a follow-up reference was
// expanded from conversation memory.
const ContextNote = "Expanded follow-up reference using conversation memory."

// Service stores conversation turns and expands follow-up references.
type Service struct {
	store *store.Store
	limit int
}

// New returns a memory service over the given runtime store. A non-positive
// recentLimit falls back to DefaultRecentLimit.
func New(st *store.Store, recentLimit int) *Service {
	if recentLimit <= 0 {
		recentLimit = DefaultRecentLimit
	}
	return &Service{store: st, limit: recentLimit}
}

// AppendTurn records one conversation turn. Empty thread IDs are ignored so
// stateless callers can skip memory without branching.
func (s *Service) AppendTurn(threadID, role, content string) {
	if threadID == "" {
		return
	}
	_ = s.store.AppendTurn(threadID, store.Turn{Role: role, Content: content})
}

// RecentTurns returns up to limit trailing turns for the thread, oldest
// first. A non-positive limit uses the service default.
func (s *Service) RecentTurns(threadID string, limit int) []store.Turn {
	if limit <= 0 {
		limit = s.limit
	}
	return s.store.RecentTurns(threadID, limit)
}

// ResolveFollowUp rewrites a question that references earlier conversation
// ("that movie", "tell me more") by appending the most recent user turn as
// explicit context. It returns the resolved question plus a note describing
// the rewrite; when no hint matches or no prior user turn exists, the
// question passes through unchanged and the note is empty.
func (s *Service) ResolveFollowUp(threadID, question string) (string, string) {
	if threadID == "" {
		return question, ""
	}
	lowered := strings.ToLower(question)
	hinted := false
	for _, hint := range followUpHints {
		if strings.Contains(lowered, hint) {
			hinted = true
			break
		}
	}
	if !hinted {
		return question, ""
	}
	prior := s.lastUserTurn(threadID)
	if prior == "" {
		return question, ""
	}
	resolved := question + "\n" + "Follow-up context from prior user turn: " + prior
	return resolved, ContextNote
}

func (s *Service) lastUserTurn(threadID string) string {
	turns := s.store.RecentTurns(threadID, s.limit)
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == RoleUser {
			return turns[i].Content
		}
	}
	return ""
}
