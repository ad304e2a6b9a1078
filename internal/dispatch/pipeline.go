package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/semaphore"

	"relay/internal/config"
	"relay/internal/learning"
	"relay/internal/logging"
	"relay/internal/persona"
	"relay/internal/policy"
	"relay/internal/reasoner"
	"relay/internal/transport"
)

// ErrQueueFull is returned when an item is rejected by backpressure.
var ErrQueueFull = errors.New("queue full")

// ErrShuttingDown is returned for enqueues after shutdown has begun.
var ErrShuttingDown = errors.New("pipeline shutting down")

// longTaskThreshold marks a success as lesson-worthy.
const longTaskThreshold = 30 * time.Second

// sendRetryDelay is the pause before the single reply-send retry.
const sendRetryDelay = 500 * time.Millisecond

// Pipeline routes queue items through classification, lesson injection,
// reasoner execution, and outcome recording. One worker goroutine serves
// each serialization key; at most one item per key is ever running.
type Pipeline struct {
	cfg        *config.Config
	personas   *persona.Resolver
	classifier *policy.Classifier
	store      *learning.Store
	analyzer   *learning.Analyzer
	engine     reasoner.Reasoner
	transport  transport.Transport

	queueBound       int
	lessonLimit      int
	itemDeadline     time.Duration
	drainWindow      time.Duration
	progressInterval time.Duration
	replyMaxBytes    int
	retryLimit       int

	baseCtx    context.Context
	baseCancel context.CancelFunc

	// Optional global cap on concurrently active workers.
	sem *semaphore.Weighted

	mu        sync.Mutex
	queues    map[string]*keyQueue
	workers   map[string]bool
	running   map[string]*Item
	cancels   map[string]context.CancelFunc
	approvals map[string]*approvalRequest
	seq       uint64
	shutting  bool

	wg sync.WaitGroup
}

// NewPipeline wires the pipeline. All collaborators are injected; the
// pipeline holds no global state.
func NewPipeline(
	cfg *config.Config,
	personas *persona.Resolver,
	classifier *policy.Classifier,
	store *learning.Store,
	analyzer *learning.Analyzer,
	engine reasoner.Reasoner,
	tp transport.Transport,
) *Pipeline {
	baseCtx, baseCancel := context.WithCancel(context.Background())

	p := &Pipeline{
		cfg:        cfg,
		personas:   personas,
		classifier: classifier,
		store:      store,
		analyzer:   analyzer,
		engine:     engine,
		transport:  tp,

		queueBound:       cfg.Dispatch.QueueSoftBound,
		lessonLimit:      cfg.Learning.LessonLimit,
		itemDeadline:     cfg.GetItemDeadline(),
		drainWindow:      cfg.GetDrainWindow(),
		progressInterval: cfg.GetProgressInterval(),
		replyMaxBytes:    cfg.Dispatch.ReplyMaxBytes,
		retryLimit:       cfg.Dispatch.RetryLimit,

		baseCtx:    baseCtx,
		baseCancel: baseCancel,

		queues:    make(map[string]*keyQueue),
		workers:   make(map[string]bool),
		running:   make(map[string]*Item),
		cancels:   make(map[string]context.CancelFunc),
		approvals: make(map[string]*approvalRequest),
	}

	if p.queueBound <= 0 {
		p.queueBound = 16
	}
	if p.lessonLimit <= 0 {
		p.lessonLimit = 3
	}
	if p.replyMaxBytes <= 0 {
		p.replyMaxBytes = 4000
	}
	if p.retryLimit < 0 {
		p.retryLimit = 1
	}
	if cfg.Dispatch.MaxWorkers > 0 {
		p.sem = semaphore.NewWeighted(int64(cfg.Dispatch.MaxWorkers))
	}

	return p
}

// Enqueue admits an item under its serialization key. On a full queue the
// newcomer either displaces the oldest lower-priority pending item (which
// gets a busy reply) or is itself rejected with a busy reply.
func (p *Pipeline) Enqueue(it *Item) error {
	p.mu.Lock()
	if p.shutting {
		p.mu.Unlock()
		it.setStatus(StatusBlocked, "shutting down")
		p.reply(it, "shutting down, request dropped")
		return ErrShuttingDown
	}

	p.seq++
	it.mu.Lock()
	it.seq = p.seq
	it.mu.Unlock()

	key := it.SerializationKey
	q, ok := p.queues[key]
	if !ok {
		q = &keyQueue{}
		p.queues[key] = q
	}

	var displaced *Item
	rejected := false
	if q.len() >= p.queueBound {
		idx, candidate := q.displacementCandidate()
		if candidate != nil && it.Priority < candidate.Priority {
			q.remove(idx)
			q.insert(it)
			displaced = candidate
		} else {
			rejected = true
		}
	} else {
		q.insert(it)
	}

	startWorker := false
	if !rejected && !p.workers[key] {
		p.workers[key] = true
		p.wg.Add(1)
		startWorker = true
	}
	p.mu.Unlock()

	if startWorker {
		go p.worker(key)
	}

	if displaced != nil {
		displaced.setStatus(StatusBlocked, "displaced by higher priority item")
		logging.Audit().ItemTransition(logging.AuditItemDisplaced, displaced.ID, "displaced by higher priority item")
		p.reply(displaced, "busy: your request was displaced by a more urgent one, please resend")
	}

	if rejected {
		it.setStatus(StatusBlocked, "queue full")
		logging.Audit().ItemTransition(logging.AuditItemRejected, it.ID, "queue full")
		p.reply(it, "busy: too many queued requests for this chat, try again shortly")
		return ErrQueueFull
	}

	logging.DispatchDebug("Enqueued item %s key=%s persona=%s kind=%s priority=%d",
		it.ID, key, it.PersonaID, it.PayloadKind, it.Priority)
	logging.AuditWithContext(it.ChatID, it.PersonaID).ItemTransition(logging.AuditItemEnqueued, it.ID, "")
	return nil
}

// worker drains one key's queue to empty, then exits and removes itself.
func (p *Pipeline) worker(key string) {
	defer p.wg.Done()

	if p.sem != nil {
		if err := p.sem.Acquire(p.baseCtx, 1); err != nil {
			p.mu.Lock()
			delete(p.workers, key)
			p.mu.Unlock()
			return
		}
		defer p.sem.Release(1)
	}

	for {
		p.mu.Lock()
		q := p.queues[key]
		var it *Item
		if q != nil {
			it = q.pop()
		}
		if it == nil {
			delete(p.workers, key)
			p.mu.Unlock()
			return
		}
		p.running[key] = it
		p.mu.Unlock()

		p.process(it)

		p.mu.Lock()
		delete(p.running, key)
		p.mu.Unlock()
	}
}

// process runs one item through the pre-hook, execution, and post-hook.
func (p *Pipeline) process(it *Item) {
	it.StartedAt = time.Now()
	it.setStatus(StatusRunning, "")
	logging.Dispatch("Item %s started: key=%s persona=%s", it.ID, it.SerializationKey, it.PersonaID)
	logging.AuditWithContext(it.ChatID, it.PersonaID).ItemTransition(logging.AuditItemStarted, it.ID, "")

	if !it.isApproved() {
		decision := p.classifier.Classify(it.PayloadText, it.PersonaID)
		logging.AuditWithContext(it.ChatID, it.PersonaID).Classified(
			it.ID, string(decision.Level), decision.PolicyUsed, decision.MatchedPattern)

		switch {
		case decision.Level == policy.LevelBlacklisted:
			it.setStatus(StatusBlocked, decision.Reason)
			logging.Audit().ItemTransition(logging.AuditItemBlocked, it.ID, decision.Reason)
			p.reply(it, fmt.Sprintf("command blocked: %s", decision.Reason))
			return
		case decision.RequiresApproval():
			p.requestApproval(it, decision)
			return
		}
	}

	profile := p.personas.Profile(it.PersonaID)
	lessons := p.lookupLessons(it, profile)
	lessonIDs := make([]int64, 0, len(lessons))
	for _, l := range lessons {
		lessonIDs = append(lessonIDs, l.ID)
	}

	prompt := buildPrompt(profile, lessons, it.PayloadText)

	for {
		attempt := it.nextAttempt()
		result := p.execute(it, prompt)
		duration := time.Since(it.StartedAt)

		p.recordHistory(it, profile, result, duration, lessonIDs)

		if result.Success {
			it.CompletedAt = time.Now()
			it.setStatus(StatusCompleted, "")
			logging.Dispatch("Item %s completed in %s (attempt %d)", it.ID, duration.Round(time.Millisecond), attempt)
			logging.Audit().ItemTransition(logging.AuditItemCompleted, it.ID, "")

			if duration >= longTaskThreshold {
				p.extractLesson(it, profile, result, duration)
			}
			p.reply(it, result.Output)
			return
		}

		analysis := p.analyzer.Analyze(false, result.Error)
		p.extractLesson(it, profile, result, duration)

		if analysis.RetryEligible && attempt <= p.retryLimit {
			logging.Dispatch("Item %s retrying (class=%s): remembered solution available",
				it.ID, analysis.FailureClass)
			prompt = appendRememberedSolution(prompt, analysis.RememberedSolution)
			continue
		}

		it.CompletedAt = time.Now()
		it.setStatus(StatusFailed, result.Error)
		logging.DispatchError("Item %s failed: %s", it.ID, result.Error)
		logging.Audit().ItemTransition(logging.AuditItemFailed, it.ID, result.Error)

		text := fmt.Sprintf("task failed: %s", result.Error)
		if analysis.NeedsHuman {
			text += " (needs human attention)"
		}
		p.reply(it, text)
		return
	}
}

// lookupLessons queries prior experience for the pre-hook. A degraded store
// yields no lessons and no error surfaced to the user.
func (p *Pipeline) lookupLessons(it *Item, profile *persona.Profile) []learning.Lesson {
	lessons, err := p.store.QueryLessons(learning.Filter{
		TaskType:   string(it.PayloadKind),
		Category:   profile.MemoryScope,
		SearchText: it.PayloadText,
		Limit:      p.lessonLimit,
	})
	if err != nil {
		logging.DispatchDebug("Lesson lookup unavailable for item %s: %v", it.ID, err)
		return nil
	}
	logging.DispatchDebug("Item %s: %d lessons injected", it.ID, len(lessons))
	return lessons
}

// execute invokes the reasoner under the item deadline with throttled
// progress forwarding.
func (p *Pipeline) execute(it *Item, prompt string) *reasoner.Result {
	ctx, cancel := context.WithTimeout(p.baseCtx, p.itemDeadline)
	p.mu.Lock()
	p.cancels[it.ID] = cancel
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.cancels, it.ID)
		p.mu.Unlock()
		cancel()
	}()

	throttle := newProgressThrottle(p.progressInterval)
	sink := func(line string) {
		// Approval markers bypass the throttle; they must reach the user.
		if strings.HasPrefix(line, reasoner.ApprovalMarker) {
			p.send(it, it.ChatID, line)
			return
		}
		if throttle.allow() {
			p.send(it, it.ChatID, line)
		}
	}

	logging.Audit().ItemTransition(logging.AuditReasonerInvoked, it.ID, "")
	start := time.Now()

	result, err := p.engine.Execute(ctx, reasoner.Request{
		Prompt:         prompt,
		ToolConfigPath: p.cfg.Reasoner.ToolConfigPath,
	}, sink)

	switch {
	case err != nil:
		result = &reasoner.Result{Success: false, Error: err.Error()}
	case result == nil:
		result = &reasoner.Result{Success: false, Error: "reasoner returned no result"}
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		result.Success = false
		result.Error = "deadline exceeded"
	} else if errors.Is(ctx.Err(), context.Canceled) {
		result.Success = false
		result.Error = "canceled"
	}

	logging.Audit().Log(logging.AuditEvent{
		EventType:  logging.AuditReasonerDone,
		ItemID:     it.ID,
		Success:    result.Success,
		DurationMs: time.Since(start).Milliseconds(),
		Error:      result.Error,
	})
	return result
}

// recordHistory appends the outcome to task history. Store outages are
// logged and swallowed.
func (p *Pipeline) recordHistory(it *Item, profile *persona.Profile, res *reasoner.Result, duration time.Duration, lessonIDs []int64) {
	_, err := p.store.SaveTaskHistory(&learning.TaskHistoryEntry{
		TaskType:        string(it.PayloadKind),
		TaskDescription: it.PayloadText,
		Success:         res.Success,
		ErrorMessage:    res.Error,
		Output:          res.Output,
		DurationMs:      duration.Milliseconds(),
		LessonsApplied:  lessonIDs,
		Category:        profile.MemoryScope,
		PersonaID:       it.PersonaID,
	})
	if err != nil {
		logging.DispatchDebug("Task history unavailable for item %s: %v", it.ID, err)
	}
}

// extractLesson records a lesson for a failure or a long-running success.
func (p *Pipeline) extractLesson(it *Item, profile *persona.Profile, res *reasoner.Result, duration time.Duration) {
	lesson := &learning.Lesson{
		TaskType:           string(it.PayloadKind),
		Category:           profile.MemoryScope,
		TaskDescription:    it.PayloadText,
		Success:            res.Success,
		TimeToResolutionMs: duration.Milliseconds(),
	}
	if res.Success {
		lesson.LessonSummary = fmt.Sprintf("long-running task succeeded after %s: %.80s",
			duration.Round(time.Second), it.PayloadText)
	} else {
		lesson.ErrorMessage = res.Error
		lesson.LessonSummary = fmt.Sprintf("task failed: %.120s", res.Error)
	}

	if _, err := p.store.SaveLesson(lesson); err != nil {
		logging.DispatchDebug("Lesson extraction unavailable for item %s: %v", it.ID, err)
	}
}

// reply formats and sends the terminal message for an item. Truncation backs
// off to a rune boundary so the transport never sees a split UTF-8 sequence.
func (p *Pipeline) reply(it *Item, text string) {
	formatted := fmt.Sprintf("[%s] %s", it.PersonaID, text)
	if len(formatted) > p.replyMaxBytes {
		cut := p.replyMaxBytes
		for cut > 0 && !utf8.RuneStart(formatted[cut]) {
			cut--
		}
		formatted = formatted[:cut]
	}
	p.send(it, it.ChatID, formatted)
}

// send delivers one message, retrying once after a short delay. A second
// failure is recorded and swallowed: the pipeline never crashes on a
// transport fault.
func (p *Pipeline) send(it *Item, chatID, text string) {
	start := time.Now()
	err := p.transport.Send(chatID, text)
	if err != nil {
		logging.DispatchWarn("Reply send failed for chat %s, retrying: %v", chatID, err)
		time.Sleep(sendRetryDelay)
		err = p.transport.Send(chatID, text)
	}
	if err != nil {
		logging.DispatchError("Reply send failed twice for chat %s: %v", chatID, err)
		logging.Audit().Log(logging.AuditEvent{
			EventType: logging.AuditReplyFailed,
			ItemID:    it.ID,
			ChatID:    chatID,
			Error:     err.Error(),
		})
		if _, herr := p.store.SaveTaskHistory(&learning.TaskHistoryEntry{
			TaskType:        "reply",
			TaskDescription: fmt.Sprintf("reply delivery to %s", chatID),
			Success:         false,
			ErrorMessage:    err.Error(),
			PersonaID:       it.PersonaID,
		}); herr != nil {
			logging.DispatchDebug("Could not record reply failure: %v", herr)
		}
		return
	}
	logging.Audit().ReplySent(it.ID, len(text), time.Since(start).Milliseconds())
}

// Cancel drops a pending item or cancels a running one. Returns false when
// the item is unknown or already terminal.
func (p *Pipeline) Cancel(itemID string) bool {
	p.mu.Lock()
	for _, q := range p.queues {
		for i, it := range q.items {
			if it.ID == itemID {
				q.remove(i)
				p.mu.Unlock()
				it.setStatus(StatusBlocked, "canceled")
				p.reply(it, "request canceled")
				return true
			}
		}
	}
	if cancel, ok := p.cancels[itemID]; ok {
		p.mu.Unlock()
		cancel()
		return true
	}
	p.mu.Unlock()
	return false
}

// QueueDepth reports pending items for a key.
func (p *Pipeline) QueueDepth(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if q, ok := p.queues[key]; ok {
		return q.len()
	}
	return 0
}

// Idle reports whether no worker is active and nothing is pending.
func (p *Pipeline) Idle() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.workers) > 0 {
		return false
	}
	for _, q := range p.queues {
		if q.len() > 0 {
			return false
		}
	}
	return true
}

// Shutdown drops pending items with a shutdown reply, grants running items
// the drain window, then force-cancels their reasoner calls.
func (p *Pipeline) Shutdown(ctx context.Context) {
	p.mu.Lock()
	p.shutting = true
	var dropped []*Item
	for _, q := range p.queues {
		dropped = append(dropped, q.drain()...)
	}
	pending := make([]*approvalRequest, 0, len(p.approvals))
	for id, req := range p.approvals {
		pending = append(pending, req)
		delete(p.approvals, id)
	}
	p.mu.Unlock()

	for _, req := range pending {
		req.timer.Stop()
	}
	for _, it := range dropped {
		it.setStatus(StatusBlocked, "shutting down")
		p.reply(it, "shutting down, request dropped")
	}

	logging.Dispatch("Shutdown: %d pending items dropped, draining running items (window %s)",
		len(dropped), p.drainWindow)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(p.drainWindow):
		logging.DispatchWarn("Drain window expired, force-cancelling running items")
		p.baseCancel()
		<-done
	case <-ctx.Done():
		p.baseCancel()
		<-done
	}

	p.baseCancel()
	logging.Dispatch("Shutdown complete")
}
