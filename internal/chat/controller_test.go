package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/RichardoC/confessional/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func enteredController(t *testing.T, session *fakeSession) (*Controller, *recordingRenderer) {
	t.Helper()
	c, r := newTestController(session)
	require.True(t, c.Enter())
	r.Reset()
	return c, r
}

func TestEnterGreetsOnce(t *testing.T) {
	c, r := newTestController(&fakeSession{})
	assert.Equal(t, ScreenIntro, c.State().Screen)

	require.True(t, c.Enter())
	assert.False(t, c.Enter())

	msgs := c.Store().Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, models.RoleAssistant, msgs[0].Role)
	assert.Equal(t, "Sister Maria", msgs[0].Sender)
	assert.Equal(t, models.ModeFormatted, msgs[0].Mode)
	assert.Equal(t, "<p>What troubles you?</p>", msgs[0].Rendered)
	assert.Equal(t, ScreenChat, c.State().Screen)
	assert.Equal(t, []string{"What troubles you?"}, r.Calls())
}

func TestSubmitIgnoredInput(t *testing.T) {
	session := &fakeSession{fragments: []string{"hi"}}

	t.Run("before entering", func(t *testing.T) {
		c, _ := newTestController(session)
		_, ok := c.Submit(context.Background(), "hello")
		assert.False(t, ok)
		assert.Equal(t, 0, c.Store().Len())
	})

	for _, input := range []string{"", "   ", "\n\t "} {
		t.Run("blank "+input, func(t *testing.T) {
			c, _ := enteredController(t, session)
			_, ok := c.Submit(context.Background(), input)
			assert.False(t, ok)
			assert.Equal(t, 1, c.Store().Len())
		})
	}

	assert.Empty(t, session.Sends())
}

func TestSubmitStreamsCumulativeRender(t *testing.T) {
	session := &fakeSession{fragments: []string{"Hel", "lo, ", "world"}}
	c, r := enteredController(t, session)

	result, ok := c.Submit(context.Background(), "  hello there  ")
	require.True(t, ok)
	assert.Equal(t, OutcomeCompleted, result.Outcome)
	assert.Equal(t, "Hello, world", result.Text)
	assert.Equal(t, 3, result.Fragments)
	assert.NoError(t, result.Err)

	msgs := c.Store().Messages()
	require.Len(t, msgs, 3)

	user := msgs[1]
	assert.Equal(t, models.RoleUser, user.Role)
	assert.Equal(t, "You", user.Sender)
	assert.Equal(t, "hello there", user.Text)
	assert.Equal(t, models.ModePlain, user.Mode)

	reply := msgs[2]
	assert.Equal(t, models.RoleAssistant, reply.Role)
	assert.Equal(t, "Hello, world", reply.Text)
	assert.Equal(t, "<p>Hello, world</p>", reply.Rendered)
	assert.False(t, reply.Pending)

	// every render sees the whole reply so far, never a lone fragment
	assert.Equal(t, []string{"Hel", "Hello, ", "Hello, world"}, r.Calls())
	assert.Equal(t, []string{"hello there"}, session.Sends())

	state := c.State()
	assert.False(t, state.Busy)
	assert.Equal(t, TurnIdle, state.Turn)
	assert.Equal(t, OutcomeCompleted, state.LastOutcome)
}

func TestUserTextIsNeverRendered(t *testing.T) {
	c, r := enteredController(t, &fakeSession{fragments: []string{"**ok**"}})

	_, ok := c.Submit(context.Background(), "<img src=x onerror=alert(1)> *hi*")
	require.True(t, ok)

	user := c.Store().Messages()[1]
	assert.Equal(t, models.ModePlain, user.Mode)
	assert.Empty(t, user.Rendered)
	assert.Equal(t, "<img src=x onerror=alert(1)> *hi*", user.Text)
	assert.Equal(t, []string{"**ok**"}, r.Calls())
}

func TestSubmitZeroFragments(t *testing.T) {
	c, _ := enteredController(t, &fakeSession{})

	result, ok := c.Submit(context.Background(), "anyone there?")
	require.True(t, ok)
	assert.Equal(t, OutcomeEmpty, result.Outcome)

	msgs := c.Store().Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, EmptyReply, msgs[2].Text)
	assert.Equal(t, models.ModePlain, msgs[2].Mode)
	assert.False(t, msgs[2].Pending)
	assert.False(t, c.Busy())
}

func TestSubmitOnlyEmptyFragments(t *testing.T) {
	c, _ := enteredController(t, &fakeSession{fragments: []string{"", ""}})

	result, ok := c.Submit(context.Background(), "hello")
	require.True(t, ok)
	assert.Equal(t, OutcomeEmpty, result.Outcome)
	assert.Equal(t, 2, result.Fragments)
	assert.Equal(t, EmptyReply, c.Store().Messages()[2].Text)
}

func TestSubmitFailureAfterFragment(t *testing.T) {
	c, _ := enteredController(t, &fakeSession{fragments: []string{"partial"}, err: errBackend})

	result, ok := c.Submit(context.Background(), "hello")
	require.True(t, ok)
	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.ErrorIs(t, result.Err, errBackend)
	assert.Equal(t, 1, result.Fragments)

	msgs := c.Store().Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, testPersona.Apology, msgs[2].Text)
	assert.Equal(t, models.ModePlain, msgs[2].Mode)
	assert.Empty(t, msgs[2].Rendered)
	assert.NotContains(t, msgs[2].Text, "partial")
	assert.False(t, c.Busy())
	assert.Equal(t, OutcomeFailed, c.State().LastOutcome)
}

func TestSubmitFailureBeforePlaceholder(t *testing.T) {
	c, _ := enteredController(t, &fakeSession{openErr: errBackend})

	result, ok := c.Submit(context.Background(), "hello")
	require.True(t, ok)
	assert.Equal(t, OutcomeFailed, result.Outcome)

	msgs := c.Store().Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, models.RoleUser, msgs[1].Role)
	assert.Equal(t, models.RoleAssistant, msgs[2].Role)
	assert.Equal(t, testPersona.Apology, msgs[2].Text)
	assert.False(t, c.Busy())
}

func TestSubmitRecoversFromPanic(t *testing.T) {
	c, _ := enteredController(t, &fakeSession{panicMsg: "boom"})

	result, ok := c.Submit(context.Background(), "hello")
	require.True(t, ok)
	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.ErrorContains(t, result.Err, "boom")

	msgs := c.Store().Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, testPersona.Apology, msgs[2].Text)
	assert.False(t, c.Busy())
}

func TestSessionUsableAfterFailure(t *testing.T) {
	session := &fakeSession{fragments: []string{"x"}, err: errBackend}
	c, _ := enteredController(t, session)

	_, ok := c.Submit(context.Background(), "first")
	require.True(t, ok)

	session.err = nil
	result, ok := c.Submit(context.Background(), "second")
	require.True(t, ok)
	assert.Equal(t, OutcomeCompleted, result.Outcome)
	assert.Equal(t, 5, c.Store().Len())
}

func TestSubmitWhileBusyIsDropped(t *testing.T) {
	gate := make(chan struct{})
	session := &fakeSession{fragments: []string{"done"}, gate: gate}
	c, _ := enteredController(t, session)

	done, ok := c.TrySubmit(context.Background(), "first")
	require.True(t, ok)
	assert.True(t, c.Busy())

	_, ok = c.TrySubmit(context.Background(), "second")
	assert.False(t, ok)

	close(gate)
	select {
	case result := <-done:
		assert.Equal(t, OutcomeCompleted, result.Outcome)
	case <-time.After(5 * time.Second):
		t.Fatal("turn did not finish")
	}

	assert.False(t, c.Busy())
	assert.Equal(t, []string{"first"}, session.Sends())
	// greeting, user, reply
	assert.Equal(t, 3, c.Store().Len())
}

func TestConcurrentSubmitsRunOneTurn(t *testing.T) {
	gate := make(chan struct{})
	session := &fakeSession{fragments: []string{"done"}, gate: gate}
	c, _ := enteredController(t, session)

	var wg sync.WaitGroup
	results := make(chan (<-chan TurnResult), 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if done, ok := c.TrySubmit(context.Background(), "hello"); ok {
				results <- done
			}
		}()
	}
	wg.Wait()
	close(gate)
	close(results)

	accepted := 0
	for done := range results {
		<-done
		accepted++
	}
	assert.Equal(t, 1, accepted)
	assert.Len(t, session.Sends(), 1)
}

func TestTurnEventSequence(t *testing.T) {
	c, _ := enteredController(t, &fakeSession{fragments: []string{"a", "b"}})
	events, cancel := c.Store().Subscribe()
	defer cancel()

	_, ok := c.Submit(context.Background(), "hello")
	require.True(t, ok)

	var got []Event
	for len(events) > 0 {
		got = append(got, <-events)
	}
	require.Len(t, got, 6)

	assert.Equal(t, EventBusy, got[0].Kind)
	assert.True(t, got[0].Busy)

	assert.Equal(t, EventAppend, got[1].Kind)
	assert.Equal(t, models.RoleUser, got[1].Message.Role)

	assert.Equal(t, EventAppend, got[2].Kind)
	assert.True(t, got[2].Message.Pending)

	assert.Equal(t, EventUpdate, got[3].Kind)
	assert.Equal(t, "a", got[3].Message.Text)
	assert.Equal(t, EventUpdate, got[4].Kind)
	assert.Equal(t, "ab", got[4].Message.Text)
	assert.Equal(t, got[2].Message.ID, got[4].Message.ID)

	assert.Equal(t, EventBusy, got[5].Kind)
	assert.False(t, got[5].Busy)
}
