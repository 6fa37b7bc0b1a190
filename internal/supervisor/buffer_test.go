package supervisor

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCappedBufferKeepsNewestHalf(t *testing.T) {
	b := newCappedBuffer(100)

	_, err := b.Write([]byte(strings.Repeat("a", 80)))
	require.NoError(t, err)
	_, err = b.Write([]byte(strings.Repeat("b", 40)))
	require.NoError(t, err)

	out := b.TakeAll()
	assert.LessOrEqual(t, len(out), 100)
	assert.True(t, strings.HasSuffix(out, strings.Repeat("b", 40)),
		"newest bytes must survive the discard")
}

func TestCappedBufferHasLine(t *testing.T) {
	b := newCappedBuffer(0)

	assert.False(t, b.HasLine())

	b.Write([]byte("partial"))
	assert.False(t, b.HasLine(), "no newline yet")

	b.Write([]byte("\n"))
	assert.True(t, b.HasLine())

	b.Discard()
	b.Write([]byte("   \n"))
	assert.False(t, b.HasLine(), "blank lines do not count")
}

func TestCappedBufferTakeAll(t *testing.T) {
	b := newCappedBuffer(0)
	b.Write([]byte("hello\n"))

	assert.Equal(t, "hello\n", b.TakeAll())
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, "", b.TakeAll())
}

func TestTakeThroughMarker(t *testing.T) {
	b := newCappedBuffer(0)
	b.Write([]byte("first line\nsecond line\n<<END>>\ntrailing"))

	reply, ok := b.TakeThroughMarker("<<END>>")
	require.True(t, ok)
	assert.Equal(t, "first line\nsecond line\n", reply)
	assert.Equal(t, "trailing", b.TakeAll())
}

func TestTakeThroughMarkerNotYet(t *testing.T) {
	b := newCappedBuffer(0)
	b.Write([]byte("still going\n<<EN"))

	_, ok := b.TakeThroughMarker("<<END>>")
	assert.False(t, ok)
	assert.Equal(t, "still going\n<<EN", b.TakeAll(), "nothing consumed on miss")
}

func TestTakeThroughMarkerIgnoresPadding(t *testing.T) {
	b := newCappedBuffer(0)
	b.Write([]byte("reply\n  <<END>>  \n"))

	reply, ok := b.TakeThroughMarker("<<END>>")
	require.True(t, ok)
	assert.Equal(t, "reply\n", reply)
}
