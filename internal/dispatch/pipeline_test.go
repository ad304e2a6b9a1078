package dispatch

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay/internal/config"
	"relay/internal/learning"
	"relay/internal/persona"
	"relay/internal/policy"
	"relay/internal/reasoner"
	"relay/internal/transport"
)

// fixture wires a full pipeline over a real store and an in-memory transport.
type fixture struct {
	t        *testing.T
	cfg      *config.Config
	pipeline *Pipeline
	tp       *transport.ChannelTransport
	store    *learning.Store
}

func baseConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Dispatch.ItemDeadline = "5s"
	cfg.Dispatch.DrainWindow = "2s"
	cfg.Dispatch.ProgressInterval = "1ms"

	cfg.Personas["Trading"] = config.PersonaConfig{
		SystemPrompt:    "You analyze markets.",
		AllowedSkills:   []string{"all"},
		GuardPolicyName: "default",
		MemoryScope:     "trading",
	}
	cfg.Personas["Dev"] = config.PersonaConfig{
		GuardPolicyName: "dev",
		AllowedSkills:   []string{"all"},
		MemoryScope:     "dev",
	}
	cfg.Personas["Guarded"] = config.PersonaConfig{
		GuardPolicyName: "guard",
		AllowedSkills:   []string{"all"},
		MemoryScope:     "general",
	}
	cfg.Mappings.Rules = []config.MappingRule{
		{Pattern: "^Trading.*|.*Crypto.*", PersonaID: "Trading", Priority: 2},
		{Pattern: ".*", PersonaID: "General", Priority: 99},
	}

	cfg.Policies = map[string]config.PolicyConfig{
		"default": {
			Blacklist: config.BlacklistConfig{Patterns: []string{`rm\s+-rf\s+/`}},
			Classification: config.ClassificationConfig{
				Green: config.TierConfig{Patterns: []string{`^ls$`}},
			},
		},
		"dev": {
			Classification: config.ClassificationConfig{
				Green: config.TierConfig{Patterns: []string{`.*`}},
			},
		},
		"guard": {
			Classification: config.ClassificationConfig{
				Red: config.RedTierConfig{Patterns: []string{`^ls$`, `^deploy`}, ApprovalTimeout: 60},
			},
		},
	}
	return cfg
}

func newFixture(t *testing.T, cfg *config.Config, engine reasoner.Reasoner) *fixture {
	t.Helper()

	resolver, err := persona.NewResolver(cfg)
	require.NoError(t, err)
	registry, err := policy.NewRegistry(cfg.Policies)
	require.NoError(t, err)
	classifier := policy.NewClassifier(registry, resolver)

	store, err := learning.NewStore(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)

	tp := transport.NewChannelTransport(256)
	p := NewPipeline(cfg, resolver, classifier, store, learning.NewAnalyzer(store), engine, tp)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		p.Shutdown(ctx)
		store.Close()
	})

	return &fixture{t: t, cfg: cfg, pipeline: p, tp: tp, store: store}
}

// promptBody extracts the raw payload from an enriched prompt.
func promptBody(prompt string) string {
	if i := strings.LastIndex(prompt, "## Request\n"); i >= 0 {
		return prompt[i+len("## Request\n"):]
	}
	return prompt
}

// echoEngine succeeds after a delay, echoing the request body.
func echoEngine(delay time.Duration) reasoner.Func {
	return func(ctx context.Context, req reasoner.Request, _ reasoner.ProgressSink) (*reasoner.Result, error) {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return &reasoner.Result{Success: false}, nil
			}
		}
		return &reasoner.Result{Success: true, Output: "done: " + promptBody(req.Prompt)}, nil
	}
}

// recordingEngine captures prompts and counts invocations.
type recordingEngine struct {
	mu      sync.Mutex
	prompts []string
	inner   reasoner.Func
}

func (r *recordingEngine) Execute(ctx context.Context, req reasoner.Request, sink reasoner.ProgressSink) (*reasoner.Result, error) {
	r.mu.Lock()
	r.prompts = append(r.prompts, req.Prompt)
	r.mu.Unlock()
	if r.inner != nil {
		return r.inner(ctx, req, sink)
	}
	return &reasoner.Result{Success: true, Output: "ok"}, nil
}

func (r *recordingEngine) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.prompts)
}

func (r *recordingEngine) prompt(i int) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.prompts[i]
}

func (f *fixture) nextReply(timeout time.Duration) transport.OutboundMessage {
	f.t.Helper()
	select {
	case m := <-f.tp.Outbound():
		return m
	case <-time.After(timeout):
		f.t.Fatal("timed out waiting for a reply")
		return transport.OutboundMessage{}
	}
}

func waitStatus(t *testing.T, it *Item, want Status, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if it.Status() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("item %s never reached %s (stuck at %s: %s)", it.ID, want, it.Status(), it.StatusReason())
}

func TestPersonaRoutingByGroupName(t *testing.T) {
	f := newFixture(t, baseConfig(), echoEngine(0))

	f.pipeline.handleEvent(transport.InboundEvent{
		MessageID:   "m1",
		ChatID:      "C1",
		IsGroup:     true,
		DisplayName: "Crypto Signals",
		SenderID:    "alice",
		Kind:        transport.KindText,
		Body:        "hi",
	}, nil)

	reply := f.nextReply(3 * time.Second)
	assert.Equal(t, "C1", reply.ChatID)
	assert.True(t, strings.HasPrefix(reply.Text, "[Trading]"), "reply should carry the resolved persona: %q", reply.Text)

	// The history row lands after the reply is sent.
	require.Eventually(t, func() bool {
		rows, err := f.store.TaskHistoryForPersona("Trading", 10)
		return err == nil && len(rows) == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestFromSelfEventsDiscarded(t *testing.T) {
	engine := &recordingEngine{}
	f := newFixture(t, baseConfig(), engine)

	f.pipeline.handleEvent(transport.InboundEvent{
		ChatID:   "C1",
		FromSelf: true,
		Kind:     transport.KindText,
		Body:     "echo from ourselves",
	}, nil)

	require.Eventually(t, func() bool { return f.pipeline.Idle() }, time.Second, 10*time.Millisecond)
	assert.Zero(t, engine.calls())
}

func TestPersonaRedOverridesGlobalGreen(t *testing.T) {
	engine := &recordingEngine{}
	f := newFixture(t, baseConfig(), engine)

	it := NewItem("C2", "Guarded", "C2", "bob", "Guarded Chat", "ls", PayloadCommand)
	require.NoError(t, f.pipeline.Enqueue(it))

	reply := f.nextReply(3 * time.Second)
	assert.Contains(t, reply.Text, "approval required")
	assert.Contains(t, reply.Text, "guard")

	waitStatus(t, it, StatusBlocked, time.Second)
	assert.Equal(t, "awaiting approval", it.StatusReason())
	assert.Zero(t, engine.calls(), "reasoner must not run before approval")
}

func TestFIFOPerKeyUnderContention(t *testing.T) {
	f := newFixture(t, baseConfig(), echoEngine(20*time.Millisecond))

	items := []*Item{
		NewItem("C1", "General", "C1", "alice", "", "A", PayloadCommand),
		NewItem("C1", "General", "C1", "alice", "", "B", PayloadCommand),
		NewItem("C1", "General", "C1", "alice", "", "C", PayloadCommand),
	}
	for _, it := range items {
		require.NoError(t, f.pipeline.Enqueue(it))
	}

	var order []string
	for i := 0; i < 3; i++ {
		reply := f.nextReply(3 * time.Second)
		order = append(order, strings.TrimPrefix(reply.Text, "[General] done: "))
	}
	assert.Equal(t, []string{"A", "B", "C"}, order)

	assert.True(t, items[0].StartedAt.Before(items[1].StartedAt), "A must start before B")
	assert.True(t, items[1].StartedAt.Before(items[2].StartedAt), "B must start before C")
}

func TestParallelismAcrossKeys(t *testing.T) {
	gate := make(chan struct{})
	blocking := reasoner.Func(func(ctx context.Context, req reasoner.Request, _ reasoner.ProgressSink) (*reasoner.Result, error) {
		select {
		case <-gate:
			return &reasoner.Result{Success: true, Output: "done: " + promptBody(req.Prompt)}, nil
		case <-ctx.Done():
			return &reasoner.Result{Success: false}, nil
		}
	})
	f := newFixture(t, baseConfig(), blocking)

	// A stuck item on C1 must not delay C2.
	stuck := NewItem("C1", "General", "C1", "a", "", "stuck", PayloadCommand)
	quick := NewItem("C2", "General", "C2", "b", "", "quick", PayloadCommand)
	require.NoError(t, f.pipeline.Enqueue(stuck))
	require.NoError(t, f.pipeline.Enqueue(quick))

	waitStatus(t, quick, StatusRunning, time.Second)
	close(gate)

	first := f.nextReply(3 * time.Second)
	second := f.nextReply(3 * time.Second)
	chats := []string{first.ChatID, second.ChatID}
	assert.ElementsMatch(t, []string{"C1", "C2"}, chats)
}

func TestLearningInjection(t *testing.T) {
	engine := &recordingEngine{}
	f := newFixture(t, baseConfig(), engine)

	lessonID, err := f.store.SaveLesson(&learning.Lesson{
		TaskType:        "command",
		Category:        "general",
		Success:         true,
		TaskDescription: "deploy the service",
		Solution:        "run with --dry-run first",
		LessonSummary:   "deploys need a dry run",
	})
	require.NoError(t, err)

	it := NewItem("C1", "General", "C1", "alice", "", "please deploy the service", PayloadCommand)
	require.NoError(t, f.pipeline.Enqueue(it))

	f.nextReply(3 * time.Second)
	waitStatus(t, it, StatusCompleted, time.Second)

	require.Equal(t, 1, engine.calls())
	assert.Contains(t, engine.prompt(0), "run with --dry-run first")
	assert.Contains(t, engine.prompt(0), "# Persona: General")

	rows, err := f.store.TaskHistoryForPersona("General", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Contains(t, rows[0].LessonsApplied, lessonID)
}

func TestGlobalBlacklistPrecedence(t *testing.T) {
	engine := &recordingEngine{}
	f := newFixture(t, baseConfig(), engine)

	// Dev's own policy marks everything GREEN; the global blacklist still wins.
	it := NewItem("C3", "Dev", "C3", "bob", "", "rm -rf /", PayloadCommand)
	require.NoError(t, f.pipeline.Enqueue(it))

	reply := f.nextReply(3 * time.Second)
	assert.Contains(t, reply.Text, "command blocked")

	waitStatus(t, it, StatusBlocked, time.Second)
	assert.Zero(t, engine.calls(), "reasoner must never run for blacklisted commands")
}

func TestDeadlineProducesFailure(t *testing.T) {
	cfg := baseConfig()
	cfg.Dispatch.ItemDeadline = "100ms"

	hang := reasoner.Func(func(ctx context.Context, _ reasoner.Request, _ reasoner.ProgressSink) (*reasoner.Result, error) {
		<-ctx.Done()
		return &reasoner.Result{Success: false}, nil
	})
	f := newFixture(t, cfg, hang)

	it := NewItem("C1", "General", "C1", "alice", "", "never finishes", PayloadCommand)
	require.NoError(t, f.pipeline.Enqueue(it))

	reply := f.nextReply(3 * time.Second)
	assert.Contains(t, reply.Text, "deadline exceeded")
	waitStatus(t, it, StatusFailed, time.Second)
	assert.Equal(t, "deadline exceeded", it.StatusReason())
}

func TestRetryWithRememberedSolution(t *testing.T) {
	var attempts int
	var mu sync.Mutex
	engine := &recordingEngine{inner: func(ctx context.Context, req reasoner.Request, _ reasoner.ProgressSink) (*reasoner.Result, error) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n == 1 {
			return &reasoner.Result{Success: false, Error: "waiting for selector '#item-3' failed"}, nil
		}
		return &reasoner.Result{Success: true, Output: "recovered"}, nil
	}}
	f := newFixture(t, baseConfig(), engine)

	_, err := f.store.SaveLesson(&learning.Lesson{
		TaskType:      "command",
		Success:       true,
		ErrorMessage:  "waiting for selector '#item-7' failed",
		Solution:      "wait for network idle before clicking",
		LessonSummary: "late-rendering selectors",
	})
	require.NoError(t, err)

	it := NewItem("C1", "General", "C1", "alice", "", "click the item button", PayloadCommand)
	require.NoError(t, f.pipeline.Enqueue(it))

	reply := f.nextReply(3 * time.Second)
	assert.Contains(t, reply.Text, "recovered")
	waitStatus(t, it, StatusCompleted, time.Second)

	require.Equal(t, 2, engine.calls())
	assert.NotContains(t, engine.prompt(0), "remembered solution")
	assert.Contains(t, engine.prompt(1), "wait for network idle before clicking")
}

func TestFailureWithoutLessonDoesNotRetry(t *testing.T) {
	engine := &recordingEngine{inner: func(ctx context.Context, _ reasoner.Request, _ reasoner.ProgressSink) (*reasoner.Result, error) {
		return &reasoner.Result{Success: false, Error: "element '#cart' not found"}, nil
	}}
	f := newFixture(t, baseConfig(), engine)

	it := NewItem("C1", "General", "C1", "alice", "", "open the cart", PayloadCommand)
	require.NoError(t, f.pipeline.Enqueue(it))

	reply := f.nextReply(3 * time.Second)
	assert.Contains(t, reply.Text, "task failed")
	assert.Contains(t, reply.Text, "needs human attention")
	waitStatus(t, it, StatusFailed, time.Second)
	assert.Equal(t, 1, engine.calls())
}

func TestReplyTruncation(t *testing.T) {
	huge := strings.Repeat("x", 10000)
	engine := reasoner.Func(func(ctx context.Context, _ reasoner.Request, _ reasoner.ProgressSink) (*reasoner.Result, error) {
		return &reasoner.Result{Success: true, Output: huge}, nil
	})
	f := newFixture(t, baseConfig(), engine)

	it := NewItem("C1", "General", "C1", "alice", "", "talk a lot", PayloadCommand)
	require.NoError(t, f.pipeline.Enqueue(it))

	reply := f.nextReply(3 * time.Second)
	assert.Len(t, reply.Text, 4000)
}

func TestReplyTruncationKeepsRuneBoundary(t *testing.T) {
	// 4-byte runes that do not divide the byte bound evenly once the
	// persona prefix is prepended, so a byte-index cut would split one.
	huge := strings.Repeat("\U0001F642", 1500)
	engine := reasoner.Func(func(ctx context.Context, _ reasoner.Request, _ reasoner.ProgressSink) (*reasoner.Result, error) {
		return &reasoner.Result{Success: true, Output: huge}, nil
	})
	f := newFixture(t, baseConfig(), engine)

	it := NewItem("C1", "General", "C1", "alice", "", "emoji storm", PayloadCommand)
	require.NoError(t, f.pipeline.Enqueue(it))

	reply := f.nextReply(3 * time.Second)
	assert.True(t, utf8.ValidString(reply.Text), "truncated reply must stay valid UTF-8")
	assert.LessOrEqual(t, len(reply.Text), 4000)
	// "[General] " is 10 bytes; the cut backs off from 4000 to the last
	// whole rune at byte 3998.
	assert.Len(t, reply.Text, 3998)
}

func TestProgressThrottleAndApprovalMarker(t *testing.T) {
	cfg := baseConfig()
	cfg.Dispatch.ProgressInterval = "10s"

	engine := reasoner.Func(func(ctx context.Context, _ reasoner.Request, sink reasoner.ProgressSink) (*reasoner.Result, error) {
		for i := 0; i < 5; i++ {
			sink("working on it")
		}
		sink("APPROVAL_REQUIRED: confirm wire transfer")
		return &reasoner.Result{Success: true, Output: "done"}, nil
	})
	f := newFixture(t, cfg, engine)

	it := NewItem("C1", "General", "C1", "alice", "", "do slow work", PayloadCommand)
	require.NoError(t, f.pipeline.Enqueue(it))

	// First progress line passes, four are throttled, the approval marker
	// bypasses the throttle, then the final reply arrives.
	first := f.nextReply(3 * time.Second)
	assert.Equal(t, "working on it", first.Text)
	second := f.nextReply(3 * time.Second)
	assert.Equal(t, "APPROVAL_REQUIRED: confirm wire transfer", second.Text)
	final := f.nextReply(3 * time.Second)
	assert.Contains(t, final.Text, "done")

	waitStatus(t, it, StatusCompleted, time.Second)
	select {
	case m := <-f.tp.Outbound():
		t.Fatalf("unexpected extra reply: %q", m.Text)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSlashCommandKindFromIntake(t *testing.T) {
	engine := &recordingEngine{}
	f := newFixture(t, baseConfig(), engine)

	f.pipeline.handleEvent(transport.InboundEvent{
		ChatID:  "C1",
		IsGroup: false,
		Kind:    transport.KindText,
		Body:    "/status now",
	}, nil)

	f.nextReply(3 * time.Second)

	rows, err := f.store.TaskHistoryForPersona("General", 5)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "slash", rows[0].TaskType)
}

func TestMediaEventResolvedToMarker(t *testing.T) {
	engine := &recordingEngine{}
	f := newFixture(t, baseConfig(), engine)

	f.pipeline.handleEvent(transport.InboundEvent{
		ChatID:   "C1",
		Kind:     transport.KindImage,
		Body:     "what is this chart",
		MediaRef: "blob-17",
	}, mediaResolverFunc(func(ref string) (string, error) {
		return "[image: " + ref + "]", nil
	}))

	f.nextReply(3 * time.Second)

	require.Eventually(t, func() bool { return engine.calls() == 1 }, 2*time.Second, 10*time.Millisecond)
	body := promptBody(engine.prompt(0))
	assert.Equal(t, "[image: blob-17]\nwhat is this chart", body)
}

// mediaResolverFunc adapts a function to transport.MediaResolver.
type mediaResolverFunc func(ref string) (string, error)

func (f mediaResolverFunc) Resolve(ref string) (string, error) { return f(ref) }

func TestIntakeStopsWhenStreamCloses(t *testing.T) {
	f := newFixture(t, baseConfig(), echoEngine(0))

	events := make(chan transport.InboundEvent)
	done := make(chan struct{})
	go func() {
		f.pipeline.Intake(context.Background(), events, nil)
		close(done)
	}()

	events <- transport.InboundEvent{ChatID: "C1", Kind: transport.KindText, Body: "hello"}
	close(events)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Intake did not stop on stream close")
	}
	f.nextReply(3 * time.Second)
}
