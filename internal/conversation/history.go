// Package conversation holds per-connection chat transcripts.
package conversation

import (
	"errors"
	"fmt"
	"sync"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

var ErrOutOfTurn = errors.New("conversation: role out of turn")

type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// History is an append-only transcript that alternates user and assistant
// turns, starting with user. It is safe for concurrent use, although in the
// relay only the owning connection's receive loop writes to it.
type History struct {
	mu    sync.RWMutex
	turns []Turn
}

func NewHistory() *History {
	return &History{}
}

func (h *History) Append(role Role, content string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if want := h.nextRoleLocked(); role != want {
		return fmt.Errorf("%w: got %s, want %s", ErrOutOfTurn, role, want)
	}
	h.turns = append(h.turns, Turn{Role: role, Content: content})
	return nil
}

func (h *History) AppendUser(content string) error {
	return h.Append(RoleUser, content)
}

func (h *History) AppendAssistant(content string) error {
	return h.Append(RoleAssistant, content)
}

// Snapshot returns a copy of the turns recorded so far.
func (h *History) Snapshot() []Turn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Turn, len(h.turns))
	copy(out, h.turns)
	return out
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.turns)
}

func (h *History) nextRoleLocked() Role {
	if len(h.turns)%2 == 0 {
		return RoleUser
	}
	return RoleAssistant
}

// LastUser returns the content of the most recent user turn.
func LastUser(turns []Turn) (string, bool) {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == RoleUser {
			return turns[i].Content, true
		}
	}
	return "", false
}
