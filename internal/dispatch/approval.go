package dispatch

import (
	"fmt"
	"time"

	"relay/internal/logging"
	"relay/internal/policy"
)

// approvalRequest tracks a RED item waiting for an out-of-band decision.
type approvalRequest struct {
	item     *Item
	decision policy.Decision
	timer    *time.Timer
}

// requestApproval blocks the item, notifies the user, and starts the policy's
// approval window. The approval UX itself is external; the pipeline only
// keeps the books.
func (p *Pipeline) requestApproval(it *Item, decision policy.Decision) {
	timeout := decision.ApprovalTimeout
	if timeout <= 0 {
		timeout = 300 * time.Second
	}

	it.setStatus(StatusBlocked, "awaiting approval")
	logging.Approval("Item %s awaiting approval: policy=%s pattern=%q timeout=%s",
		it.ID, decision.PolicyUsed, decision.MatchedPattern, timeout)
	logging.AuditWithContext(it.ChatID, it.PersonaID).Log(logging.AuditEvent{
		EventType: logging.AuditApprovalRequested,
		ItemID:    it.ID,
		Level:     string(decision.Level),
		Policy:    decision.PolicyUsed,
		Message:   decision.Reason,
	})

	p.reply(it, fmt.Sprintf("approval required: %s (policy %s). Approve item %s within %s.",
		decision.Reason, decision.PolicyUsed, it.ID, timeout))

	p.mu.Lock()
	if p.shutting {
		p.mu.Unlock()
		return
	}
	req := &approvalRequest{item: it, decision: decision}
	req.timer = time.AfterFunc(timeout, func() { p.expireApproval(it.ID) })
	p.approvals[it.ID] = req
	p.mu.Unlock()
}

// expireApproval fires when the approval window closes without a decision.
func (p *Pipeline) expireApproval(itemID string) {
	p.mu.Lock()
	req, ok := p.approvals[itemID]
	if ok {
		delete(p.approvals, itemID)
	}
	p.mu.Unlock()
	if !ok {
		return
	}

	req.item.setStatus(StatusBlocked, "approval timed out")
	logging.Approval("Item %s approval timed out", itemID)
	logging.Audit().Log(logging.AuditEvent{
		EventType: logging.AuditApprovalTimedOut,
		ItemID:    itemID,
		Policy:    req.decision.PolicyUsed,
	})
	p.reply(req.item, "approval timed out, command not executed")
}

// Approve grants a pending approval and requeues the item. The item skips
// classification on its next run. Returns false for unknown or expired ids.
func (p *Pipeline) Approve(itemID string) bool {
	p.mu.Lock()
	req, ok := p.approvals[itemID]
	if ok {
		delete(p.approvals, itemID)
		req.timer.Stop()
	}
	p.mu.Unlock()
	if !ok {
		return false
	}

	req.item.markApproved()
	logging.Approval("Item %s approved, requeueing", itemID)
	p.requeue(req.item)
	return true
}

// Deny rejects a pending approval. Returns false for unknown or expired ids.
func (p *Pipeline) Deny(itemID string) bool {
	p.mu.Lock()
	req, ok := p.approvals[itemID]
	if ok {
		delete(p.approvals, itemID)
		req.timer.Stop()
	}
	p.mu.Unlock()
	if !ok {
		return false
	}

	req.item.setStatus(StatusBlocked, "approval denied")
	logging.Approval("Item %s approval denied", itemID)
	p.reply(req.item, "approval denied, command not executed")
	return true
}

// requeue puts an already-admitted item back on its key's queue, bypassing
// the backpressure bound.
func (p *Pipeline) requeue(it *Item) {
	p.mu.Lock()
	if p.shutting {
		p.mu.Unlock()
		it.setStatus(StatusBlocked, "shutting down")
		p.reply(it, "shutting down, request dropped")
		return
	}

	key := it.SerializationKey
	q, ok := p.queues[key]
	if !ok {
		q = &keyQueue{}
		p.queues[key] = q
	}
	p.seq++
	it.mu.Lock()
	it.seq = p.seq
	it.mu.Unlock()
	q.insert(it)

	startWorker := false
	if !p.workers[key] {
		p.workers[key] = true
		p.wg.Add(1)
		startWorker = true
	}
	p.mu.Unlock()

	if startWorker {
		go p.worker(key)
	}
}
