package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeScript drops an executable shell script into a temp dir and returns
// its path. The supervisor runs it via /bin/sh so the exec bit is optional,
// but set it anyway.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "assistant.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func newTestSupervisor(t *testing.T, cfg Config) *Supervisor {
	t.Helper()
	if cfg.ResponseTimeout == 0 {
		cfg.ResponseTimeout = 5 * time.Second
	}
	if cfg.IdleWindow == 0 {
		cfg.IdleWindow = 50 * time.Millisecond
	}
	if cfg.RestartBase == 0 {
		cfg.RestartBase = 10 * time.Millisecond
	}
	if cfg.RestartCap == 0 {
		cfg.RestartCap = 50 * time.Millisecond
	}
	s := New(cfg)
	s.Start()
	t.Cleanup(s.Stop)
	return s
}

const echoLoop = `while IFS= read -r line; do echo "echo: $line"; done`

func TestSendEchoReply(t *testing.T) {
	s := newTestSupervisor(t, Config{
		Command: "/bin/sh",
		Args:    []string{writeScript(t, echoLoop)},
	})

	reply, err := s.Send(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "echo: hello", reply)
}

func TestSendFIFOOrder(t *testing.T) {
	s := newTestSupervisor(t, Config{
		Command: "/bin/sh",
		Args:    []string{writeScript(t, echoLoop)},
	})

	var pendings []*Pending
	for i := 0; i < 3; i++ {
		p, err := s.Enqueue(fmt.Sprintf("msg-%d", i))
		require.NoError(t, err)
		pendings = append(pendings, p)
	}

	ctx := context.Background()
	for i, p := range pendings {
		reply, err := p.Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("echo: msg-%d", i), reply)
	}
}

func TestEndMarkerReply(t *testing.T) {
	script := `while IFS= read -r line; do
  echo "line one"
  echo "line two"
  echo "<<DONE>>"
done`
	s := newTestSupervisor(t, Config{
		Command:   "/bin/sh",
		Args:      []string{writeScript(t, script)},
		EndMarker: "<<DONE>>",
	})

	reply, err := s.Send(context.Background(), "go")
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two", reply)
}

func TestMidTurnDeathThenRecovery(t *testing.T) {
	// First read kills the process; after restart the loop answers normally.
	dir := t.TempDir()
	flag := filepath.Join(dir, "crashed")
	script := fmt.Sprintf(`if [ ! -f %q ]; then
  touch %q
  IFS= read -r line
  exit 1
fi
%s`, flag, flag, echoLoop)
	s := newTestSupervisor(t, Config{
		Command:     "/bin/sh",
		Args:        []string{writeScript(t, script)},
		MaxRestarts: 5,
	})

	_, err := s.Send(context.Background(), "doomed")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProcessTerminated), "got %v", err)

	// The supervisor restarts on its own; the next turn succeeds.
	reply, err := s.Send(context.Background(), "alive?")
	require.NoError(t, err)
	assert.Equal(t, "echo: alive?", reply)
}

func TestRestartExhaustionAndReset(t *testing.T) {
	// Exits immediately until the flag file appears.
	dir := t.TempDir()
	flag := filepath.Join(dir, "healthy")
	script := fmt.Sprintf(`if [ ! -f %q ]; then exit 1; fi
%s`, flag, echoLoop)
	s := newTestSupervisor(t, Config{
		Command:     "/bin/sh",
		Args:        []string{writeScript(t, script)},
		MaxRestarts: 2,
	})

	require.Eventually(t, func() bool {
		return s.Status().Unavailable
	}, 5*time.Second, 10*time.Millisecond, "supervisor should exhaust restarts")

	_, err := s.Enqueue("ignored")
	assert.True(t, errors.Is(err, ErrUnavailable), "got %v", err)

	// Heal the script, then reset.
	require.NoError(t, os.WriteFile(flag, nil, 0o644))
	s.Reset()

	reply, err := s.Send(context.Background(), "back")
	require.NoError(t, err)
	assert.Equal(t, "echo: back", reply)
}

func TestQueuedTurnsFailOnExhaustion(t *testing.T) {
	dir := t.TempDir()
	flag := filepath.Join(dir, "first-run")
	// Answers once, dies, and never comes back.
	script := fmt.Sprintf(`if [ ! -f %q ]; then
  touch %q
  IFS= read -r line
  echo "echo: $line"
  sleep 0.2
  exit 1
fi
exit 1`, flag, flag)
	s := newTestSupervisor(t, Config{
		Command:     "/bin/sh",
		Args:        []string{writeScript(t, script)},
		MaxRestarts: 1,
	})

	first, err := s.Enqueue("one")
	require.NoError(t, err)
	second, err := s.Enqueue("two")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	reply, err := first.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "echo: one", reply)

	_, err = second.Wait(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable) || errors.Is(err, ErrProcessTerminated),
		"queued turn must fail with a typed error, got %v", err)
}

func TestResponseTimeout(t *testing.T) {
	// Swallows input and never replies.
	s := newTestSupervisor(t, Config{
		Command:         "/bin/sh",
		Args:            []string{writeScript(t, `while IFS= read -r line; do :; done`)},
		ResponseTimeout: 200 * time.Millisecond,
	})

	_, err := s.Send(context.Background(), "anyone there?")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout), "got %v", err)
}

func TestStaleOutputDiscarded(t *testing.T) {
	// Prints a banner on startup before reading anything.
	script := `echo "WELCOME BANNER"
sleep 0.2
` + echoLoop
	s := newTestSupervisor(t, Config{
		Command: "/bin/sh",
		Args:    []string{writeScript(t, script)},
	})

	// Let the banner land before the first turn.
	time.Sleep(400 * time.Millisecond)

	reply, err := s.Send(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "echo: hi", reply)
	assert.NotContains(t, reply, "WELCOME BANNER")
}

func TestEnqueueAfterStop(t *testing.T) {
	s := New(Config{
		Command: "/bin/sh",
		Args:    []string{writeScript(t, echoLoop)},
	})
	s.Start()
	s.Stop()

	_, err := s.Enqueue("too late")
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func TestPTYModeReply(t *testing.T) {
	// A pty echoes input back and may decorate output, so only assert the
	// reply carries the expected text.
	s := newTestSupervisor(t, Config{
		Command:    "/bin/sh",
		Args:       []string{writeScript(t, echoLoop)},
		UsePTY:     true,
		IdleWindow: 150 * time.Millisecond,
	})

	reply, err := s.Send(context.Background(), "pty-check")
	require.NoError(t, err)
	assert.Contains(t, reply, "echo: pty-check")
}

func TestStatusSnapshot(t *testing.T) {
	s := newTestSupervisor(t, Config{
		Command: "/bin/sh",
		Args:    []string{writeScript(t, echoLoop)},
	})

	require.Eventually(t, func() bool {
		return s.Status().ProcessAlive
	}, 5*time.Second, 10*time.Millisecond)

	st := s.Status()
	assert.False(t, st.Unavailable)
	assert.Equal(t, 0, st.QueueDepth)
}

func TestWaitContextCancel(t *testing.T) {
	s := newTestSupervisor(t, Config{
		Command:         "/bin/sh",
		Args:            []string{writeScript(t, `while IFS= read -r line; do :; done`)},
		ResponseTimeout: 5 * time.Second,
	})

	p, err := s.Enqueue("never answered")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = p.Wait(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestLongReplyMultiline(t *testing.T) {
	script := `while IFS= read -r line; do
  i=0
  while [ $i -lt 5 ]; do
    echo "part $i"
    i=$((i+1))
  done
done`
	s := newTestSupervisor(t, Config{
		Command: "/bin/sh",
		Args:    []string{writeScript(t, script)},
	})

	reply, err := s.Send(context.Background(), "expand")
	require.NoError(t, err)
	lines := strings.Split(reply, "\n")
	assert.Len(t, lines, 5)
	assert.Equal(t, "part 0", lines[0])
	assert.Equal(t, "part 4", lines[4])
}
