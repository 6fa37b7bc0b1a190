package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/threadbridge/internal/chat"
)

func TestGateOwnOnce(t *testing.T) {
	g := NewGate("chan-1", "bot-1")

	assert.Equal(t, "", g.OwnedThread())
	require.NoError(t, g.Own("root-1"))
	assert.Equal(t, "root-1", g.OwnedThread())

	assert.Error(t, g.Own("root-2"), "ownership must be immutable")
	assert.Error(t, NewGate("c", "b").Own(""))
}

func TestGateAdmit(t *testing.T) {
	g := NewGate("chan-1", "bot-1")
	require.NoError(t, g.Own("root-1"))

	cases := []struct {
		name   string
		post   chat.Post
		admit  bool
		reason string
	}{
		{
			name:  "thread reply admitted",
			post:  chat.Post{ID: "p1", ChannelID: "chan-1", RootID: "root-1", UserID: "user-1"},
			admit: true,
		},
		{
			name:   "other channel",
			post:   chat.Post{ID: "p2", ChannelID: "chan-2", RootID: "root-1", UserID: "user-1"},
			reason: "other_channel",
		},
		{
			name:   "other thread",
			post:   chat.Post{ID: "p3", ChannelID: "chan-1", RootID: "root-9", UserID: "user-1"},
			reason: "other_thread",
		},
		{
			name:   "top level post",
			post:   chat.Post{ID: "p4", ChannelID: "chan-1", RootID: "", UserID: "user-1"},
			reason: "other_thread",
		},
		{
			name:   "own reply ignored",
			post:   chat.Post{ID: "p5", ChannelID: "chan-1", RootID: "root-1", UserID: "bot-1"},
			reason: "own_post",
		},
		{
			name:   "announcement post itself",
			post:   chat.Post{ID: "root-1", ChannelID: "chan-1", RootID: "", UserID: "bot-1"},
			reason: "own_post",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ok, reason := g.Admit(tc.post)
			assert.Equal(t, tc.admit, ok)
			assert.Equal(t, tc.reason, reason)
		})
	}
}

func TestGateRejectsBeforeOwn(t *testing.T) {
	g := NewGate("chan-1", "bot-1")
	ok, reason := g.Admit(chat.Post{ID: "p1", ChannelID: "chan-1", RootID: "root-1", UserID: "user-1"})
	assert.False(t, ok)
	assert.Equal(t, "thread_not_owned", reason)
}
