package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/companion/internal/memory"
	"github.com/ent0n29/companion/internal/prompt"
)

func userRequest(text string) Request {
	return Request{Messages: []prompt.Message{
		{Role: memory.RoleSystem, Content: "be nice"},
		{Role: memory.RoleUser, Content: text},
	}}
}

func TestMockStreamsEcho(t *testing.T) {
	m := NewMock()
	s, err := m.Stream(context.Background(), userRequest("Hi there!"))
	require.NoError(t, err)

	text, err := Collect(s)
	require.NoError(t, err)
	assert.Equal(t, "I hear you: Hi there!", text)
	assert.Equal(t, 1, m.Calls())
}

func TestStreamCloseStopsProducer(t *testing.T) {
	stopped := make(chan struct{})
	s := NewStream(context.Background(), func(ctx context.Context, emit func(string) bool) error {
		defer close(stopped)
		for i := 0; ; i++ {
			if !emit(fmt.Sprintf("f%d ", i)) {
				return ctx.Err()
			}
		}
	})

	require.True(t, s.Next())
	assert.Equal(t, "f0 ", s.Fragment())
	s.Close()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("producer kept running after Close")
	}
	assert.False(t, s.Next())
	assert.ErrorIs(t, s.Err(), context.Canceled)
}

func TestStreamParentCancelStopsProducer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Mock{Reply: "one two three four five six", Delay: 20 * time.Millisecond}
	s, err := m.Stream(ctx, Request{})
	require.NoError(t, err)

	require.True(t, s.Next())
	cancel()
	for s.Next() {
	}
	assert.ErrorIs(t, s.Err(), context.Canceled)
}

func TestStreamSurfacesMidStreamFailure(t *testing.T) {
	boom := errors.New("upstream reset")
	s := FromFragments(context.Background(), []string{"partial ", "reply"}, boom)

	text, err := Collect(s)
	assert.Equal(t, "partial reply", text)
	assert.ErrorIs(t, err, boom)
}

func TestFallbackSwitchesBeforeFirstFragment(t *testing.T) {
	primary := &Mock{Err: errors.New("primary down")}
	secondary := &Mock{Reply: "from secondary"}
	var switched atomic.Int32
	f := NewFallback(primary, secondary, 0, func(error) { switched.Add(1) })

	s, err := f.Stream(context.Background(), userRequest("hi"))
	require.NoError(t, err)
	text, err := Collect(s)
	require.NoError(t, err)
	assert.Equal(t, "from secondary", text)
	assert.Equal(t, int32(1), switched.Load())
}

func TestFallbackKeepsPrimaryAfterFirstFragment(t *testing.T) {
	boom := errors.New("primary broke mid-way")
	primary := &Mock{Reply: "hello there friend", Err: boom, FailAfter: 1}
	secondary := NewMock()
	f := NewFallback(primary, secondary, 0, nil)

	s, err := f.Stream(context.Background(), userRequest("hi"))
	require.NoError(t, err)
	text, err := Collect(s)
	assert.Equal(t, "hello ", text)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, secondary.Calls())
}

func TestFallbackSwitchesOnFirstFragmentTimeout(t *testing.T) {
	primary := &Mock{Reply: "slow", Delay: time.Second}
	secondary := &Mock{Reply: "fast"}
	var switchErr error
	f := NewFallback(primary, secondary, 30*time.Millisecond, func(err error) { switchErr = err })

	s, err := f.Stream(context.Background(), userRequest("hi"))
	require.NoError(t, err)
	text, err := Collect(s)
	require.NoError(t, err)
	assert.Equal(t, "fast", text)
	assert.ErrorIs(t, switchErr, ErrFirstFragmentTimeout)
}

func TestFallbackComplete(t *testing.T) {
	f := NewFallback(&Mock{Err: errors.New("down")}, &Mock{Reply: "summary"}, 0, nil)
	text, err := f.Complete(context.Background(), userRequest("x"))
	require.NoError(t, err)
	assert.Equal(t, "summary", text)
}

func TestRouterResolve(t *testing.T) {
	r := NewRouter("mock")
	m := NewMock()
	r.Register("mock", m)
	r.Register("OpenAI", &Mock{Reply: "oa"})

	b, model, err := r.Resolve("openai:gpt-4o-mini")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", model)
	assert.Equal(t, "mock", b.Name())

	b, model, err = r.Resolve("echo")
	require.NoError(t, err)
	assert.Same(t, m, b)
	assert.Equal(t, "echo", model)

	_, _, err = r.Resolve("cohere:command")
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

type modelRecorder struct {
	Mock
	model string
}

func (m *modelRecorder) Complete(ctx context.Context, req Request) (string, error) {
	m.model = req.Model
	return "ok", nil
}

func TestRoutedBackendPinsModel(t *testing.T) {
	r := NewRouter("")
	rec := &modelRecorder{}
	r.Register("anthropic", rec)

	b, err := r.Backend("anthropic:claude-3-5-haiku-latest")
	require.NoError(t, err)
	_, err = b.Complete(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "claude-3-5-haiku-latest", rec.model)
}

func TestHTTPBackendParsesSSE(t *testing.T) {
	var got httpRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"delta\":\"Hello\"}\n\n")
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\" world\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	h := NewHTTP(srv.URL)
	req := userRequest("hi")
	req.Model = "local"
	req.Sampling = DefaultSampling()
	s, err := h.Stream(context.Background(), req)
	require.NoError(t, err)
	text, err := Collect(s)
	require.NoError(t, err)
	assert.Equal(t, "Hello world", text)
	assert.True(t, got.Stream)
	assert.Equal(t, "local", got.Model)
	assert.Len(t, got.Messages, 2)
	assert.Equal(t, 512, got.MaxTokens)
}

func TestHTTPBackendParsesNDJSONAndPlainJSON(t *testing.T) {
	ndjson := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprint(w, "{\"text\":\"a\"}\n{\"text\":\"b\"}\n")
	}))
	defer ndjson.Close()
	s, err := NewHTTP(ndjson.URL).Stream(context.Background(), userRequest("x"))
	require.NoError(t, err)
	text, err := Collect(s)
	require.NoError(t, err)
	assert.Equal(t, "ab", text)

	plain := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices":[{"message":{"content":"whole reply"}}]}`)
	}))
	defer plain.Close()
	out, err := NewHTTP(plain.URL).Complete(context.Background(), userRequest("x"))
	require.NoError(t, err)
	assert.Equal(t, "whole reply", out)
}

func TestHTTPBackendRetriesRetryableStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"text":"second time lucky"}`)
	}))
	defer srv.Close()

	out, err := NewHTTP(srv.URL).Complete(context.Background(), userRequest("x"))
	require.NoError(t, err)
	assert.Equal(t, "second time lucky", out)
	assert.Equal(t, int32(2), calls.Load())
}

func TestHTTPBackendDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad model", http.StatusBadRequest)
	}))
	defer srv.Close()

	s, err := NewHTTP(srv.URL).Stream(context.Background(), userRequest("x"))
	require.NoError(t, err)
	_, err = Collect(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Equal(t, int32(1), calls.Load())
}

func TestAnthropicMessagesAlternate(t *testing.T) {
	msgs := anthropicMessages([]prompt.Message{
		{Role: memory.RoleAssistant, Content: "orphan"},
		{Role: memory.RoleUser, Content: "a"},
		{Role: memory.RoleUser, Content: "b"},
		{Role: memory.RoleAssistant, Content: "c"},
		{Role: memory.RoleUser, Content: "d"},
	})
	require.Len(t, msgs, 3)
	assert.Equal(t, "user", string(msgs[0].Role))
	assert.Equal(t, "assistant", string(msgs[1].Role))
	assert.Equal(t, "user", string(msgs[2].Role))
}

func TestSplitSystem(t *testing.T) {
	system, turns := splitSystem([]prompt.Message{
		{Role: memory.RoleSystem, Content: "persona"},
		{Role: memory.RoleSystem, Content: "context"},
		{Role: memory.RoleUser, Content: "hi"},
	})
	assert.Equal(t, []string{"persona", "context"}, system)
	assert.Len(t, turns, 1)
}
