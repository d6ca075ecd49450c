// Package pipeline runs every client message operation through a fixed
// sequence of gates before anything is persisted or fanned out. The send
// path never reorders its stages: account standing, room authorization,
// block checks, content filtering, and rate limiting all pass before the
// message touches the database, so a rejected send leaves no trace beyond
// an audit record.
package pipeline

import (
	"context"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/campusfind/chat-service/internal/activity"
	"github.com/campusfind/chat-service/internal/message"
	"github.com/campusfind/chat-service/internal/metrics"
	"github.com/campusfind/chat-service/internal/moderation"
	"github.com/campusfind/chat-service/internal/protocol"
	"github.com/campusfind/chat-service/internal/ratelimit"
	"github.com/campusfind/chat-service/internal/room"
	apperr "github.com/campusfind/chat-service/pkg/errors"
)

// Pipeline owns the send, mark-read, and history operations. It composes
// the moderation gate, the rate limiter, the room manager, and the message
// tracker, and talks back to clients through a Broadcaster.
type Pipeline struct {
	rooms       *room.Manager
	gate        *moderation.Gate
	limiter     ratelimit.Limiter
	tracker     *message.Tracker
	cache       *message.RecentCache
	broadcaster Broadcaster
	audit       ActivitySink
	msgRule     ratelimit.Rule
	ttl         time.Duration
	now         func() time.Time
}

// New creates a Pipeline. msgRule bounds sends per user; ttl controls how
// long persisted messages live before the sweeper removes them, zero
// selecting the default retention.
func New(rooms *room.Manager, gate *moderation.Gate, limiter ratelimit.Limiter,
	tracker *message.Tracker, cache *message.RecentCache,
	broadcaster Broadcaster, audit ActivitySink,
	msgRule ratelimit.Rule, ttl time.Duration) *Pipeline {
	if ttl <= 0 {
		ttl = message.DefaultTTL
	}
	return &Pipeline{
		rooms:       rooms,
		gate:        gate,
		limiter:     limiter,
		tracker:     tracker,
		cache:       cache,
		broadcaster: broadcaster,
		audit:       audit,
		msgRule:     msgRule,
		ttl:         ttl,
		now:         time.Now,
	}
}

// HandleSend runs one send_message request through the full stage chain.
// Every failure is reported to the sender as a message_failed frame that
// echoes the client message id; HandleSend itself returns an error only
// when even that report could not be encoded.
func (p *Pipeline) HandleSend(ctx context.Context, senderID string, req protocol.SendMessageMsg) {
	start := p.now()

	if err := p.validateSend(req); err != nil {
		p.reject(senderID, req, err)
		return
	}

	// Account standing gates everything else: a suspended sender must not
	// learn anything about the room from later stage errors.
	if err := p.gate.CheckStanding(ctx, senderID); err != nil {
		p.reject(senderID, req, err)
		return
	}

	rm, err := p.rooms.AuthorizeSend(ctx, req.RoomID, senderID)
	if err != nil {
		p.reject(senderID, req, err)
		return
	}

	for _, counterpart := range rm.Counterparts(senderID) {
		if err := p.gate.CheckInteraction(ctx, senderID, counterpart); err != nil {
			p.reject(senderID, req, err)
			return
		}
	}

	clean, err := p.gate.CheckContent(req.Content)
	if err != nil {
		p.reject(senderID, req, err)
		return
	}

	decision, err := p.limiter.Allow(ctx, senderID, p.msgRule)
	if err != nil {
		log.Printf("pipeline: rate limiter unavailable, allowing send: %v", err)
	}
	if !decision.Allowed {
		metrics.RateLimited.WithLabelValues("message").Inc()
		retryAfter := int(decision.RetryAfter.Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		p.reject(senderID, req, apperr.RateLimited(retryAfter))
		return
	}

	contentType := req.ContentType
	if contentType == "" {
		contentType = message.TypeText
	}
	createdAt := p.now().UTC()
	msg := &message.Message{
		ID:              uuid.NewString(),
		RoomID:          rm.ID,
		SenderID:        senderID,
		Content:         clean,
		ContentType:     contentType,
		ClientMessageID: req.ClientMessageID,
		DeliveryStatus:  message.StatusSent,
		CreatedAt:       createdAt,
		ExpiresAt:       createdAt.Add(p.ttl),
	}

	stored, existed, err := p.tracker.Persist(ctx, msg)
	if err != nil {
		p.reject(senderID, req, err)
		return
	}
	if existed {
		// Retransmission of an already-persisted message: ack again with
		// the original server id, do not broadcast a duplicate.
		metrics.MessagesProcessed.WithLabelValues("duplicate").Inc()
		p.ack(senderID, req.ClientMessageID, stored.ID)
		return
	}

	p.cache.Add(stored)
	if err := p.rooms.RecordLastMessage(ctx, rm.ID, stored.Content); err != nil {
		log.Printf("pipeline: update last message summary for room %s: %v", rm.ID, err)
	}

	delivered := p.broadcast(rm, stored)
	if delivered {
		if err := p.tracker.MarkDelivered(ctx, stored.ID); err != nil {
			log.Printf("pipeline: mark message %s delivered: %v", stored.ID, err)
		}
		metrics.MessagesProcessed.WithLabelValues("delivered").Inc()
	} else {
		// Every counterpart is offline. The message stays "sent" and is
		// served from history when they reconnect.
		metrics.MessagesProcessed.WithLabelValues("sent").Inc()
	}

	p.ack(senderID, req.ClientMessageID, stored.ID)

	p.audit.Record(activity.Record{
		UserID:    senderID,
		Action:    activity.ActionMessageSent,
		RoomID:    rm.ID,
		Timestamp: p.now().UTC(),
		Metadata:  map[string]string{"message_id": stored.ID},
	})
	metrics.PipelineDuration.Observe(p.now().Sub(start).Seconds())
}

// HandleMarkRead marks the given messages read by readerID and notifies the
// other participants. Unknown ids and repeat reads are silently skipped.
func (p *Pipeline) HandleMarkRead(ctx context.Context, readerID string, req protocol.MarkReadMsg) error {
	rm, err := p.rooms.AuthorizeRead(ctx, req.RoomID, readerID)
	if err != nil {
		return err
	}

	var firstReads []string
	for _, id := range req.MessageIDs {
		first, err := p.tracker.MarkRead(ctx, rm.ID, id, readerID)
		if err != nil {
			log.Printf("pipeline: mark message %s read by %s: %v", id, readerID, err)
			continue
		}
		if first {
			firstReads = append(firstReads, id)
		}
	}
	if len(firstReads) == 0 {
		return nil
	}

	frame, err := protocol.NewServerMessage(protocol.TypeMessagesRead, protocol.MessagesReadMsg{
		RoomID:     rm.ID,
		MessageIDs: firstReads,
		UserID:     readerID,
	})
	if err != nil {
		return err
	}
	for _, counterpart := range rm.Counterparts(readerID) {
		p.broadcaster.SendToUser(counterpart, frame)
	}

	p.audit.Record(activity.Record{
		UserID:    readerID,
		Action:    activity.ActionMessagesRead,
		RoomID:    rm.ID,
		Timestamp: p.now().UTC(),
		Metadata:  map[string]string{"count": strconv.Itoa(len(firstReads))},
	})
	return nil
}

// History returns the most recent messages of a room, oldest first. It is
// served from the in-memory ring when the room is hot and falls back to the
// store otherwise.
func (p *Pipeline) History(ctx context.Context, userID string, req protocol.FetchHistoryMsg) ([]*message.Message, error) {
	rm, err := p.rooms.AuthorizeRead(ctx, req.RoomID, userID)
	if err != nil {
		return nil, err
	}

	limit := req.Limit
	if limit <= 0 || limit > message.DefaultCacheSize {
		limit = message.DefaultCacheSize
	}

	if msgs, ok := p.cache.Recent(rm.ID, limit); ok {
		return msgs, nil
	}
	return p.tracker.Recent(ctx, rm.ID, limit)
}

func (p *Pipeline) validateSend(req protocol.SendMessageMsg) error {
	if req.ClientMessageID == "" {
		return apperr.InvalidContent("client_message_id is required")
	}
	if req.RoomID == "" {
		return apperr.InvalidContent("room_id is required")
	}
	if req.ContentType != "" && !message.ValidContentType(req.ContentType) {
		return apperr.InvalidContent("unsupported content type")
	}
	return nil
}

// broadcast fans the persisted message out to every participant connection,
// including the sender's other devices. It reports whether at least one
// counterpart connection accepted the frame.
func (p *Pipeline) broadcast(rm *room.Room, msg *message.Message) bool {
	frame, err := protocol.NewServerMessage(protocol.TypeNewMessage, protocol.NewMessageMsg{
		Message: wireMessage(msg),
	})
	if err != nil {
		log.Printf("pipeline: encode new_message for %s: %v", msg.ID, err)
		return false
	}

	fanout := 0
	deliveredToCounterpart := false
	for _, participant := range rm.ParticipantIDs() {
		n := p.broadcaster.SendToUser(participant, frame)
		fanout += n
		if n > 0 && participant != msg.SenderID {
			deliveredToCounterpart = true
		}
	}
	metrics.BroadcastFanout.Observe(float64(fanout))
	return deliveredToCounterpart
}

func (p *Pipeline) ack(senderID, clientMessageID, serverMessageID string) {
	frame, err := protocol.NewServerMessage(protocol.TypeMessageDelivered, protocol.MessageDeliveredMsg{
		ClientMessageID: clientMessageID,
		ServerMessageID: serverMessageID,
	})
	if err != nil {
		log.Printf("pipeline: encode ack for %s: %v", clientMessageID, err)
		return
	}
	p.broadcaster.SendToUser(senderID, frame)
}

// reject reports a denied or failed send back to the sender and records the
// denial for audit.
func (p *Pipeline) reject(senderID string, req protocol.SendMessageMsg, cause error) {
	app := apperr.AsApp(cause)
	metrics.MessagesDenied.WithLabelValues(string(app.Code)).Inc()
	metrics.MessagesProcessed.WithLabelValues("failed").Inc()

	frame, err := protocol.NewServerMessage(protocol.TypeMessageFailed, protocol.MessageFailedMsg{
		ClientMessageID: req.ClientMessageID,
		Reason:          string(app.Code),
		Detail:          app.Message,
		RetryAfter:      app.RetryAfter,
	})
	if err != nil {
		log.Printf("pipeline: encode message_failed for %s: %v", req.ClientMessageID, err)
		return
	}
	p.broadcaster.SendToUser(senderID, frame)

	p.audit.Record(activity.Record{
		UserID:    senderID,
		Action:    activity.ActionMessageDenied,
		RoomID:    req.RoomID,
		Timestamp: p.now().UTC(),
		Metadata:  map[string]string{"reason": string(app.Code)},
	})
}

func wireMessage(msg *message.Message) protocol.WireMessage {
	return protocol.WireMessage{
		ID:          msg.ID,
		RoomID:      msg.RoomID,
		SenderID:    msg.SenderID,
		Content:     msg.Content,
		ContentType: msg.ContentType,
		CreatedAt:   msg.CreatedAt,
	}
}

