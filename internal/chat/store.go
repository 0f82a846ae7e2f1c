package chat

import (
	"errors"
	"sync"
	"time"

	"github.com/RichardoC/confessional/internal/models"
	"github.com/RichardoC/confessional/internal/render"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrEmptyStore = errors.New("no message to update")

type EventKind string

const (
	EventAppend EventKind = "append"
	EventUpdate EventKind = "update"
	EventBusy   EventKind = "busy"
	EventScreen EventKind = "screen"
)

// Event is one change the page has to apply. The page scrolls to the newest
// message after every event.
type Event struct {
	Kind    EventKind       `json:"type"`
	Message *models.Message `json:"message,omitempty"`
	Busy    bool            `json:"busy"`
	Screen  Screen          `json:"screen,omitempty"`
}

const subscriberBuffer = 256

// Store is the ordered, append-only list of messages shown on the page.
// Formatted content is rendered here; plain content is never turned into
// markup.
type Store struct {
	renderer render.Renderer
	logger   *zap.Logger

	mu       sync.Mutex
	messages []models.Message
	subs     map[chan Event]struct{}
	closed   bool
}

func NewStore(renderer render.Renderer, logger *zap.Logger) *Store {
	return &Store{
		renderer: renderer,
		logger:   logger,
		subs:     make(map[chan Event]struct{}),
	}
}

// Append adds msg to the end of the list and returns the stored copy.
func (s *Store) Append(msg models.Message) models.Message {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	s.apply(&msg, models.Content{Text: msg.Text, Mode: msg.Mode, Pending: msg.Pending})

	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	s.publishLocked(Event{Kind: EventAppend, Message: &msg})
	return msg
}

// UpdateLast replaces the content of the newest message.
func (s *Store) UpdateLast(content models.Content) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.messages) == 0 {
		return models.Message{}, ErrEmptyStore
	}

	msg := s.messages[len(s.messages)-1]
	s.apply(&msg, content)
	s.messages[len(s.messages)-1] = msg
	s.publishLocked(Event{Kind: EventUpdate, Message: &msg})
	return msg, nil
}

func (s *Store) apply(msg *models.Message, content models.Content) {
	msg.Text = content.Text
	msg.Mode = content.Mode
	msg.Pending = content.Pending
	msg.Rendered = ""

	if msg.Mode != models.ModeFormatted || msg.Pending {
		return
	}
	html, err := s.renderer.Render(msg.Text)
	if err != nil {
		s.logger.Warn("render failed, showing plain text", zap.String("message_id", msg.ID), zap.Error(err))
		msg.Mode = models.ModePlain
		return
	}
	msg.Rendered = html
}

// Messages returns a snapshot of the list.
func (s *Store) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// Publish sends an event that is not a list mutation, such as a busy change.
func (s *Store) Publish(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishLocked(ev)
}

// Subscribe returns a channel of events and a function that cancels the
// subscription. A subscriber that falls behind has its channel closed and
// should re-read Messages before subscribing again.
func (s *Store) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	s.mu.Lock()
	if s.closed {
		close(ch)
	} else {
		s.subs[ch] = struct{}{}
	}
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
			close(ch)
		}
	}
}

// Close ends every subscription. Later subscribers get a closed channel.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for ch := range s.subs {
		delete(s.subs, ch)
		close(ch)
	}
}

func (s *Store) publishLocked(ev Event) {
	for ch := range s.subs {
		select {
		case ch <- ev:
		default:
			s.logger.Warn("dropping slow subscriber")
			delete(s.subs, ch)
			close(ch)
		}
	}
}
