// Package chat holds the per-page conversation state: the message list, the
// busy flag and the turn protocol that relays text to the model.
package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/RichardoC/confessional/internal/config"
	"github.com/RichardoC/confessional/internal/llm"
	"github.com/RichardoC/confessional/internal/models"
	"go.uber.org/zap"
)

type Screen string

const (
	ScreenIntro Screen = "intro"
	ScreenChat  Screen = "chat"
)

type TurnState string

const (
	TurnIdle      TurnState = "idle"
	TurnSending   TurnState = "sending"
	TurnStreaming TurnState = "streaming"
)

type Outcome string

const (
	OutcomeNone      Outcome = ""
	OutcomeCompleted Outcome = "completed"
	OutcomeEmpty     Outcome = "empty"
	OutcomeFailed    Outcome = "failed"
)

// EmptyReply is shown when the model finishes without producing text.
const EmptyReply = "..."

// TurnResult describes how one turn ended.
type TurnResult struct {
	Outcome   Outcome
	Text      string
	Fragments int
	Err       error
}

// State is a snapshot of the controller.
type State struct {
	Screen      Screen    `json:"screen"`
	Busy        bool      `json:"busy"`
	Turn        TurnState `json:"turn"`
	LastOutcome Outcome   `json:"last_outcome,omitempty"`
}

// Controller drives one page: the intro/chat screens, input gating and the
// turn protocol. At most one turn runs at a time; submissions made while a
// turn is running are dropped.
type Controller struct {
	id      string
	store   *Store
	session llm.Session
	persona config.Persona
	logger  *zap.Logger

	busy atomic.Bool

	mu          sync.Mutex
	screen      Screen
	turn        TurnState
	lastOutcome Outcome
}

func NewController(id string, store *Store, session llm.Session, persona config.Persona, logger *zap.Logger) *Controller {
	return &Controller{
		id:      id,
		store:   store,
		session: session,
		persona: persona,
		logger:  logger.With(zap.String("session_id", id)),
		screen:  ScreenIntro,
		turn:    TurnIdle,
	}
}

func (c *Controller) ID() string { return c.id }
func (c *Controller) Store() *Store { return c.store }
func (c *Controller) Busy() bool { return c.busy.Load() }

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		Screen:      c.screen,
		Busy:        c.busy.Load(),
		Turn:        c.turn,
		LastOutcome: c.lastOutcome,
	}
}

// Enter leaves the intro screen and greets the user. It reports false if the
// chat screen is already showing.
func (c *Controller) Enter() bool {
	c.mu.Lock()
	if c.screen == ScreenChat {
		c.mu.Unlock()
		return false
	}
	c.screen = ScreenChat
	c.mu.Unlock()

	c.store.Publish(Event{Kind: EventScreen, Screen: ScreenChat})
	c.store.Append(models.Message{
		Role:   models.RoleAssistant,
		Sender: c.persona.Name,
		Text:   c.persona.Greeting,
		Mode:   models.ModeFormatted,
	})
	c.logger.Debug("entered chat")
	return true
}

// Submit runs a turn for text and waits for it. The second result is false
// when the input was ignored: blank text, a turn already running, or the
// chat screen not shown yet.
func (c *Controller) Submit(ctx context.Context, text string) (TurnResult, bool) {
	done, ok := c.TrySubmit(ctx, text)
	if !ok {
		return TurnResult{}, false
	}
	return <-done, true
}

// TrySubmit takes the busy flag and starts the turn in the background. The
// channel delivers the result once the flag has been released.
func (c *Controller) TrySubmit(ctx context.Context, text string) (<-chan TurnResult, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, false
	}
	if c.State().Screen != ScreenChat {
		return nil, false
	}
	if !c.busy.CompareAndSwap(false, true) {
		c.logger.Debug("submission dropped, turn in flight")
		return nil, false
	}
	c.store.Publish(Event{Kind: EventBusy, Busy: true})

	done := make(chan TurnResult, 1)
	go func() {
		defer close(done)
		done <- c.sendTurn(ctx, text)
	}()
	return done, true
}

func (c *Controller) sendTurn(ctx context.Context, text string) (result TurnResult) {
	c.setTurn(TurnSending)
	placeholder := false

	defer func() {
		if r := recover(); r != nil {
			result = c.fail(fmt.Errorf("panic during turn: %v", r), placeholder, result.Fragments)
		}
		c.finish(result)
	}()

	c.store.Append(models.Message{
		Role:   models.RoleUser,
		Sender: c.persona.UserName,
		Text:   text,
		Mode:   models.ModePlain,
	})

	stream, err := c.session.SendStream(ctx, text)
	if err != nil {
		return c.fail(err, false, 0)
	}

	c.store.Append(models.Message{
		Role:    models.RoleAssistant,
		Sender:  c.persona.Name,
		Mode:    models.ModeFormatted,
		Pending: true,
	})
	placeholder = true
	c.setTurn(TurnStreaming)

	var reply strings.Builder
	for fragment, err := range stream {
		if err != nil {
			return c.fail(err, true, result.Fragments)
		}
		result.Fragments++
		// The first fragment always clears the indicator; later empty ones
		// change nothing.
		if fragment == "" && result.Fragments > 1 {
			continue
		}
		reply.WriteString(fragment)
		if _, err := c.store.UpdateLast(models.FormattedContent(reply.String())); err != nil {
			return c.fail(err, true, result.Fragments)
		}
	}

	if reply.Len() == 0 {
		if _, err := c.store.UpdateLast(models.PlainContent(EmptyReply)); err != nil {
			return c.fail(err, true, result.Fragments)
		}
		return TurnResult{Outcome: OutcomeEmpty, Fragments: result.Fragments}
	}
	return TurnResult{Outcome: OutcomeCompleted, Text: reply.String(), Fragments: result.Fragments}
}

// fail swaps the reply for the apology. Partial text is discarded.
func (c *Controller) fail(err error, placeholder bool, fragments int) TurnResult {
	c.logger.Error("failed to stream reply", zap.Error(err), zap.Int("fragments", fragments))

	apology := models.PlainContent(c.persona.Apology)
	if placeholder {
		if _, uerr := c.store.UpdateLast(apology); uerr == nil {
			return TurnResult{Outcome: OutcomeFailed, Fragments: fragments, Err: err}
		}
	}
	c.store.Append(models.Message{
		Role:   models.RoleAssistant,
		Sender: c.persona.Name,
		Text:   apology.Text,
		Mode:   apology.Mode,
	})
	return TurnResult{Outcome: OutcomeFailed, Fragments: fragments, Err: err}
}

func (c *Controller) finish(result TurnResult) {
	c.mu.Lock()
	c.turn = TurnIdle
	c.lastOutcome = result.Outcome
	c.mu.Unlock()

	c.busy.Store(false)
	c.store.Publish(Event{Kind: EventBusy, Busy: false})

	c.logger.Info("turn finished",
		zap.String("outcome", string(result.Outcome)),
		zap.Int("fragments", result.Fragments))
}

func (c *Controller) setTurn(state TurnState) {
	c.mu.Lock()
	c.turn = state
	c.mu.Unlock()
}
