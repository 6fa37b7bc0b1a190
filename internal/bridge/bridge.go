// Package bridge wires the chat transport, thread gate, sanitizer and
// assistant supervisor into one long-running session bound to a single
// thread.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/asheshgoplani/threadbridge/internal/chat"
	"github.com/asheshgoplani/threadbridge/internal/config"
	"github.com/asheshgoplani/threadbridge/internal/logging"
	"github.com/asheshgoplani/threadbridge/internal/sanitize"
	"github.com/asheshgoplani/threadbridge/internal/statedb"
	"github.com/asheshgoplani/threadbridge/internal/supervisor"
)

var bridgeLog = logging.ForComponent(logging.CompBridge)

// resolveTimeout bounds the startup directory lookups.
const resolveTimeout = 10 * time.Second

// supervisionInterval paces the periodic health log line.
const supervisionInterval = 30 * time.Second

// User-facing replies for failed turns. Posted best-effort into the thread
// so the author is not left waiting on silence.
const (
	replyTimeout     = "The assistant did not respond in time. Try again in a moment."
	replyTerminated  = "The assistant process ended while handling this message. It is being restarted."
	replyUnavailable = "The assistant is unavailable right now. An operator needs to reset it."
)

// Bridge is one bridge session: a resolved channel, an owned thread, and a
// supervised assistant process behind a FIFO turn queue.
type Bridge struct {
	cfg    *config.Config
	client *chat.Client
	sup    *supervisor.Supervisor
	db     *statedb.StateDB // nil when the ledger is disabled

	gate  *Gate
	runID string

	// completions carries turns in enqueue order to the single publisher
	// goroutine, so replies land in the thread in arrival order.
	completions chan *completion
}

type completion struct {
	turnID  string
	postID  string
	pending *supervisor.Pending

	// err is set when the turn never reached the queue; the publish loop
	// posts the failure notice instead of waiting on pending.
	err error
}

// New assembles a bridge from validated config. db may be nil.
func New(cfg *config.Config, db *statedb.StateDB) (*Bridge, error) {
	client, err := chat.NewClient(cfg.ServerURL, cfg.Token, chat.Options{
		Timeout:     time.Duration(cfg.Publish.TimeoutSecs) * time.Second,
		PublishRate: cfg.Publish.RatePerSec,
	})
	if err != nil {
		return nil, err
	}

	sup := supervisor.New(supervisor.Config{
		Command:         cfg.Assistant.Command,
		Args:            cfg.Assistant.Args,
		UsePTY:          cfg.Assistant.UsePTY,
		ResponseTimeout: time.Duration(cfg.Assistant.ResponseTimeoutSecs) * time.Second,
		IdleWindow:      time.Duration(cfg.Assistant.IdleWindowMillis) * time.Millisecond,
		EndMarker:       cfg.Assistant.EndMarker,
		RestartBase:     time.Duration(cfg.Assistant.RestartBaseSecs) * time.Second,
		MaxRestarts:     cfg.Assistant.MaxRestarts,
		BufferCap:       cfg.Assistant.OutputBufferKB * 1024,
	})

	return &Bridge{
		cfg:         cfg,
		client:      client,
		sup:         sup,
		db:          db,
		runID:       uuid.NewString(),
		completions: make(chan *completion, 128),
	}, nil
}

// Run resolves the channel, announces the thread, starts the assistant and
// serves events until ctx is cancelled. Returns ctx.Err() on clean shutdown;
// any other error is fatal.
func (b *Bridge) Run(ctx context.Context) error {
	channelID, err := b.startup(ctx)
	if err != nil {
		return err
	}

	b.sup.Start()
	defer b.sup.Stop()

	sock, err := chat.NewSocket(chat.SocketConfig{
		ServerURL:     b.cfg.ServerURL,
		Token:         b.cfg.Token,
		ReconnectBase: time.Duration(b.cfg.Socket.ReconnectBaseSecs) * time.Second,
		ReconnectCap:  time.Duration(b.cfg.Socket.ReconnectCapSecs) * time.Second,
		OnEvent:       b.handleEvent,
	})
	if err != nil {
		return err
	}

	dir, err := config.Dir()
	if err != nil {
		return err
	}
	watcher, err := NewResetWatcher(dir, b.sup.Reset)
	if err != nil {
		return err
	}

	bridgeLog.Info("bridge_running",
		slog.String("run_id", b.runID),
		slog.String("channel_id", channelID),
		slog.String("thread_id", b.gate.OwnedThread()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sock.Run(gctx) })
	g.Go(func() error { return b.publishLoop(gctx) })
	g.Go(func() error { return b.supervisionLoop(gctx) })
	g.Go(func() error { return watcher.Run(gctx) })

	err = g.Wait()
	if b.db != nil {
		_ = b.db.EndRun(b.runID, time.Now())
	}
	return err
}

// startup performs the ordered boot sequence: identity, directory
// resolution, announcement, thread ownership. Every failure here is fatal.
func (b *Bridge) startup(ctx context.Context) (string, error) {
	rctx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()

	me, err := b.client.Me(rctx)
	if err != nil {
		return "", fmt.Errorf("identify bot account: %w", err)
	}

	teamID, err := b.client.ResolveTeam(rctx, b.cfg.Team)
	if err != nil {
		return "", fmt.Errorf("resolve team %q: %w", b.cfg.Team, err)
	}
	channelID, err := b.client.ResolveChannel(rctx, teamID, b.cfg.Channel)
	if err != nil {
		return "", fmt.Errorf("resolve channel %q: %w", b.cfg.Channel, err)
	}
	bridgeLog.Info("channel_resolved",
		slog.String("team_id", teamID),
		slog.String("channel_id", channelID))

	if b.db != nil {
		if err := b.db.BeginRun(&statedb.RunRow{
			ID: b.runID, TeamID: teamID, ChannelID: channelID, StartedAt: time.Now(),
		}); err != nil {
			return "", err
		}
	}

	announceID, err := b.client.CreatePost(rctx, channelID, "", b.cfg.Announcement)
	if err != nil {
		return "", fmt.Errorf("announce thread: %w", err)
	}
	bridgeLog.Info("thread_announced", slog.String("post_id", announceID))

	b.gate = NewGate(channelID, me.ID)
	if err := b.gate.Own(announceID); err != nil {
		return "", err
	}
	if b.db != nil {
		_ = b.db.SetRunThread(b.runID, announceID)
	}
	return channelID, nil
}

// handleEvent is the socket callback. It runs on the read loop, so it only
// gates, sanitizes and enqueues; it never blocks on the assistant.
func (b *Bridge) handleEvent(ev chat.Event) {
	switch e := ev.(type) {
	case chat.HelloEvent:
		bridgeLog.Info("server_hello", slog.String("server_version", e.ServerVersion))
	case chat.PostedEvent:
		b.handlePost(e.Post)
	}
}

func (b *Bridge) handlePost(post chat.Post) {
	if ok, reason := b.gate.Admit(post); !ok {
		logging.Aggregate(logging.CompBridge, "post_rejected", slog.String("reason", reason))
		return
	}

	text := sanitize.Sanitize(post.Message)
	if text == "" {
		logging.Aggregate(logging.CompBridge, "post_rejected", slog.String("reason", "empty_after_sanitize"))
		return
	}
	if !sanitize.IsSafe(text) {
		bridgeLog.Warn("post_rejected_unsafe", slog.String("post_id", post.ID))
		return
	}

	pending, err := b.sup.Enqueue(text)
	if err != nil {
		bridgeLog.Warn("turn_rejected",
			slog.String("post_id", post.ID),
			slog.String("error", err.Error()))
		// Hand the notice to the publish loop; this callback runs on the
		// socket read loop and must not touch the network.
		b.submit(&completion{postID: post.ID, err: err})
		return
	}

	c := &completion{turnID: pending.ID.String(), postID: post.ID, pending: pending}
	if b.db != nil {
		_ = b.db.BeginTurn(&statedb.TurnRow{
			ID: c.turnID, RunID: b.runID, PostID: post.ID,
			AuthorID: post.UserID, ReceivedAt: time.Now(),
		})
	}

	b.submit(c)
}

// submit hands a completion to the publish loop without blocking. The
// channel outsizes the turn queue, so a full channel is a bug worth a loud
// log rather than a stalled read loop.
func (b *Bridge) submit(c *completion) {
	select {
	case b.completions <- c:
	default:
		bridgeLog.Error("completion_queue_full", slog.String("post_id", c.postID))
	}
}

// publishLoop resolves turns in order and posts their replies. One turn at
// a time keeps the thread strictly ordered.
func (b *Bridge) publishLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c := <-b.completions:
			b.resolve(ctx, c)
		}
	}
}

func (b *Bridge) resolve(ctx context.Context, c *completion) {
	if c.err != nil {
		b.publishFailure(ctx, c.postID, c.err)
		return
	}

	reply, err := c.pending.Wait(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		b.recordTurn(c.turnID, outcomeFor(err), "", 0)
		b.publishFailure(ctx, c.postID, err)
		return
	}

	postID, err := b.publish(ctx, reply)
	if err != nil {
		bridgeLog.Error("reply_publish_failed",
			slog.String("post_id", c.postID),
			slog.String("error", err.Error()))
		b.recordTurn(c.turnID, statedb.OutcomePublishFail, "", len(reply))
		return
	}
	b.recordTurn(c.turnID, statedb.OutcomeReplied, postID, len(reply))
}

// publish posts one reply into the owned thread. No retry on failure; the
// caller logs and moves on.
func (b *Bridge) publish(ctx context.Context, message string) (string, error) {
	pctx, cancel := context.WithTimeout(ctx, time.Duration(b.cfg.Publish.TimeoutSecs)*time.Second)
	defer cancel()
	return b.client.CreatePost(pctx, b.gate.channelID, b.gate.OwnedThread(), message)
}

// publishFailure posts a short notice for a failed turn. Best-effort only.
func (b *Bridge) publishFailure(ctx context.Context, postID string, turnErr error) {
	var msg string
	switch {
	case errors.Is(turnErr, supervisor.ErrTimeout):
		msg = replyTimeout
	case errors.Is(turnErr, supervisor.ErrProcessTerminated):
		msg = replyTerminated
	default:
		msg = replyUnavailable
	}
	if _, err := b.publish(ctx, msg); err != nil {
		bridgeLog.Warn("failure_notice_dropped",
			slog.String("post_id", postID),
			slog.String("error", err.Error()))
	}
}

func (b *Bridge) recordTurn(turnID, outcome, replyPostID string, replyBytes int) {
	if b.db == nil {
		return
	}
	_ = b.db.ResolveTurn(turnID, outcome, replyPostID, replyBytes, time.Now())
}

func outcomeFor(err error) string {
	switch {
	case errors.Is(err, supervisor.ErrTimeout):
		return statedb.OutcomeTimeout
	case errors.Is(err, supervisor.ErrProcessTerminated):
		return statedb.OutcomeTerminated
	default:
		return statedb.OutcomeUnavailable
	}
}

// supervisionLoop logs a periodic health snapshot.
func (b *Bridge) supervisionLoop(ctx context.Context) error {
	ticker := time.NewTicker(supervisionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			st := b.sup.Status()
			bridgeLog.Info("supervision_tick",
				slog.Bool("process_alive", st.ProcessAlive),
				slog.Bool("unavailable", st.Unavailable),
				slog.Int("queue_depth", st.QueueDepth),
				slog.Int("restart_streak", st.RestartStreak),
				slog.Int("pending_publishes", len(b.completions)))
		}
	}
}
