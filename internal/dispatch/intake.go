package dispatch

import (
	"context"
	"strings"

	"relay/internal/logging"
	"relay/internal/persona"
	"relay/internal/transport"
)

// Intake consumes inbound transport events until the context is cancelled or
// the channel closes. It owns persona resolution and enqueueing; media events
// are resolved to text markers before entering the queue.
func (p *Pipeline) Intake(ctx context.Context, events <-chan transport.InboundEvent, media transport.MediaResolver) {
	logging.Transport("Intake loop started")
	for {
		select {
		case <-ctx.Done():
			logging.Transport("Intake loop stopped: %v", ctx.Err())
			return
		case ev, ok := <-events:
			if !ok {
				logging.Transport("Intake loop stopped: event stream closed")
				return
			}
			p.handleEvent(ev, media)
		}
	}
}

// handleEvent routes one inbound event into the queue.
func (p *Pipeline) handleEvent(ev transport.InboundEvent, media transport.MediaResolver) {
	if ev.FromSelf {
		logging.TransportDebug("Dropping own message %s in chat %s", ev.MessageID, ev.ChatID)
		logging.AuditWithChat(ev.ChatID).Log(logging.AuditEvent{
			EventType: logging.AuditMessageDropped,
			Message:   "from self",
		})
		return
	}

	resolution := p.personas.Resolve(persona.ChatContext{
		ChatID:      ev.ChatID,
		DisplayName: ev.DisplayName,
		IsGroup:     ev.IsGroup,
	})
	logging.AuditWithContext(ev.ChatID, resolution.PersonaID).Log(logging.AuditEvent{
		EventType: logging.AuditPersonaResolved,
		Message:   string(resolution.MatchKind),
	})

	body := ev.Body
	kind := PayloadCommand

	switch ev.Kind {
	case transport.KindImage, transport.KindMedia:
		if ev.Kind == transport.KindImage {
			kind = PayloadImage
		} else {
			kind = PayloadMedia
		}
		if media == nil {
			logging.TransportWarn("Media event %s dropped: no media resolver configured", ev.MessageID)
			p.sendRaw(ev.ChatID, "media messages are not supported here")
			return
		}
		marker, err := media.Resolve(ev.MediaRef)
		if err != nil {
			logging.TransportWarn("Media resolution failed for %s: %v", ev.MessageID, err)
			p.sendRaw(ev.ChatID, "could not process the attached media")
			return
		}
		body = marker
		if ev.Body != "" {
			body = marker + "\n" + ev.Body
		}
	default:
		if strings.HasPrefix(strings.TrimSpace(body), "/") {
			kind = PayloadSlash
		}
	}

	logging.AuditWithContext(ev.ChatID, resolution.PersonaID).Log(logging.AuditEvent{
		EventType: logging.AuditMessageReceived,
		Message:   string(kind),
	})

	item := NewItem(ev.ChatID, resolution.PersonaID, ev.ChatID, ev.SenderID, ev.DisplayName, body, kind)
	// Backpressure rejections already replied inside Enqueue.
	_ = p.Enqueue(item)
}

// sendRaw delivers an intake-level notice with the usual single retry.
func (p *Pipeline) sendRaw(chatID, text string) {
	if err := p.transport.Send(chatID, text); err != nil {
		logging.TransportWarn("Notice send failed for chat %s: %v", chatID, err)
	}
}
