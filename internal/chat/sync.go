package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/driver-agent/internal/models"
	"github.com/example/driver-agent/internal/observability"
)

var ErrEmptyMessage = errors.New("chat: message text is empty")

// UpdateFunc receives the complete, ordered message list on every change.
// It is a replacement list, never a delta: redelivery of the same snapshot
// must be treated idempotently (replace, not append).
type UpdateFunc func(messages []models.ConversationMessage)

// Subscription identifies one attached consumer. Unsubscribing detaches
// exactly this handle; other handles on the same conversation are untouched.
type Subscription struct {
	conversationID string
	sync           *Sync
}

// Close unsubscribes the handle.
func (s *Subscription) Close() { s.sync.unsubscribe(s) }

type room struct {
	listener Listener
	subs     map[*Subscription]UpdateFunc
	last     []models.ConversationMessage
	hasLast  bool

	// attached closes once the stream attach has settled; attachErr is
	// set before it closes when the attach failed.
	attached  chan struct{}
	attachErr error
}

// Sync materializes ordered per-conversation message logs from the stream.
// It owns the ordered view, never the underlying store.
type Sync struct {
	stream Stream
	selfID string
	logger *slog.Logger
	now    func() time.Time
	newID  func() string

	mu    sync.Mutex
	rooms map[string]*room
}

func NewSync(stream Stream, selfID string, logger *slog.Logger) *Sync {
	return &Sync{
		stream: stream,
		selfID: selfID,
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
		rooms:  make(map[string]*room),
	}
}

// Subscribe attaches fn to the conversation. The first subscriber for a
// conversation attaches the single stream listener; later ones share it and
// immediately receive the latest known snapshot.
func (s *Sync) Subscribe(ctx context.Context, conversationID string, fn UpdateFunc) (*Subscription, error) {
	sub := &Subscription{conversationID: conversationID, sync: s}

	s.mu.Lock()
	if r, ok := s.rooms[conversationID]; ok {
		r.subs[sub] = fn
		s.mu.Unlock()

		// The room's stream attach may still be in flight; a handle on a
		// room whose attach then fails must report that failure, not sit
		// silently detached.
		<-r.attached
		if r.attachErr != nil {
			return nil, fmt.Errorf("attaching to conversation %s: %w", conversationID, r.attachErr)
		}

		s.mu.Lock()
		replay, hasReplay := r.last, r.hasLast
		s.mu.Unlock()
		if hasReplay {
			fn(replay)
		}
		return sub, nil
	}
	r := &room{subs: map[*Subscription]UpdateFunc{sub: fn}, attached: make(chan struct{})}
	s.rooms[conversationID] = r
	s.mu.Unlock()

	listener, err := s.stream.Listen(ctx, conversationID, func(snapshot []RawMessage) {
		s.fanout(conversationID, snapshot)
	})

	s.mu.Lock()
	switch {
	case err != nil:
		r.attachErr = err
		delete(s.rooms, conversationID)
	case s.rooms[conversationID] != r:
		// The Sync was closed while the attach was in flight; the room is
		// already gone, so the fresh listener has no home.
		defer listener.Close()
	default:
		r.listener = listener
	}
	close(r.attached)
	s.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("attaching to conversation %s: %w", conversationID, err)
	}
	return sub, nil
}

func (s *Sync) unsubscribe(sub *Subscription) {
	s.mu.Lock()
	r, ok := s.rooms[sub.conversationID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(r.subs, sub)
	var detach Listener
	if len(r.subs) == 0 {
		detach = r.listener
		delete(s.rooms, sub.conversationID)
	}
	s.mu.Unlock()

	if detach != nil {
		if err := detach.Close(); err != nil {
			s.logger.Warn("detaching stream listener", "conversation_id", sub.conversationID, "error", err)
		}
	}
}

// fanout maps, orders and replaces. Sorting the full snapshot on every
// update sidesteps partial-update ordering bugs; conversations are small
// enough that the re-sort is cheap.
func (s *Sync) fanout(conversationID string, snapshot []RawMessage) {
	messages := make([]models.ConversationMessage, 0, len(snapshot))
	for _, raw := range snapshot {
		messages = append(messages, decode(conversationID, raw))
	}
	sortMessages(messages)
	observability.SnapshotUpdatesTotal.Inc()

	s.mu.Lock()
	r, ok := s.rooms[conversationID]
	if !ok {
		s.mu.Unlock()
		return
	}
	r.last = messages
	r.hasLast = true
	fns := make([]UpdateFunc, 0, len(r.subs))
	for _, fn := range r.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(messages)
	}
}

// Send appends a message; the stream stamps the server time. The call
// returns on write acknowledgment, not on delivery.
func (s *Sync) Send(ctx context.Context, conversationID, receiverID, text string) (models.ConversationMessage, error) {
	if strings.TrimSpace(text) == "" {
		return models.ConversationMessage{}, ErrEmptyMessage
	}
	out := Outgoing{
		ID:         s.newID(),
		SenderID:   s.selfID,
		ReceiverID: receiverID,
		Text:       text,
		LocalTS:    s.now(),
		Status:     models.DeliverySent,
	}
	if err := s.stream.Append(ctx, conversationID, out); err != nil {
		return models.ConversationMessage{}, fmt.Errorf("appending to conversation %s: %w", conversationID, err)
	}
	observability.MessagesSentTotal.Inc()
	return models.ConversationMessage{
		ID:             out.ID,
		ConversationID: conversationID,
		SenderID:       out.SenderID,
		ReceiverID:     out.ReceiverID,
		Text:           out.Text,
		LocalTS:        out.LocalTS,
		Status:         out.Status,
	}, nil
}

// Snapshot returns the latest ordered view of a conversation, if one has
// been delivered yet.
func (s *Sync) Snapshot(conversationID string) ([]models.ConversationMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[conversationID]
	if !ok || !r.hasLast {
		return nil, false
	}
	return r.last, true
}

// Close detaches every listener. Safe to call with subscribers still
// holding handles; their callbacks simply stop firing.
func (s *Sync) Close() {
	s.mu.Lock()
	listeners := make([]Listener, 0, len(s.rooms))
	for id, r := range s.rooms {
		if r.listener != nil {
			listeners = append(listeners, r.listener)
		}
		delete(s.rooms, id)
	}
	s.mu.Unlock()

	for _, l := range listeners {
		_ = l.Close()
	}
}

// sortMessages orders ascending by server timestamp, falling back to the
// local timestamp when the server never stamped the message, with the local
// clock then the id as tie-breaks for determinism.
func sortMessages(messages []models.ConversationMessage) {
	sort.SliceStable(messages, func(i, j int) bool {
		ki, kj := messages[i].OrderKey(), messages[j].OrderKey()
		if !ki.Equal(kj) {
			return ki.Before(kj)
		}
		if !messages[i].LocalTS.Equal(messages[j].LocalTS) {
			return messages[i].LocalTS.Before(messages[j].LocalTS)
		}
		return messages[i].ID < messages[j].ID
	})
}
