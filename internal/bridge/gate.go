package bridge

import (
	"errors"
	"sync"

	"github.com/asheshgoplani/threadbridge/internal/chat"
)

// Gate admits exactly the posts that belong to the bridge's owned thread.
// The owned thread is set once, from the announcement post, and never
// changes for the life of the process.
type Gate struct {
	channelID string
	botUserID string

	mu          sync.RWMutex
	ownedThread string
}

// NewGate creates a gate for the given channel. Posts are rejected until
// Own is called with the announcement post ID.
func NewGate(channelID, botUserID string) *Gate {
	return &Gate{channelID: channelID, botUserID: botUserID}
}

// Own sets the owned thread root. Calling it a second time is a programming
// error and fails.
func (g *Gate) Own(threadID string) error {
	if threadID == "" {
		return errors.New("gate: empty thread id")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ownedThread != "" {
		return errors.New("gate: thread already owned")
	}
	g.ownedThread = threadID
	return nil
}

// OwnedThread returns the owned thread root, or "" before Own.
func (g *Gate) OwnedThread() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.ownedThread
}

// Admit reports whether a post belongs to the owned thread and should be
// forwarded to the assistant. The reason names the failing check for
// aggregated logging.
func (g *Gate) Admit(p chat.Post) (bool, string) {
	g.mu.RLock()
	owned := g.ownedThread
	g.mu.RUnlock()

	switch {
	case owned == "":
		return false, "thread_not_owned"
	case p.ChannelID != g.channelID:
		return false, "other_channel"
	case p.UserID == g.botUserID:
		return false, "own_post"
	case p.RootID != owned:
		return false, "other_thread"
	default:
		return true, ""
	}
}
