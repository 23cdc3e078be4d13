package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"ebook-companion/internal/assistant"
	"ebook-companion/internal/contextstore"
	"ebook-companion/internal/models"
	"ebook-companion/internal/progress"
)

// scriptedGateway runs one scripted behavior per Stream call and records
// every request it receives.
type scriptedGateway struct {
	mu       sync.Mutex
	requests []models.AssistantRequest
	script   []func(ctx context.Context, onToken func(string)) error
}

func (g *scriptedGateway) Stream(ctx context.Context, req models.AssistantRequest, onToken func(string)) error {
	g.mu.Lock()
	g.requests = append(g.requests, req)
	idx := len(g.requests) - 1
	g.mu.Unlock()

	if idx < len(g.script) {
		return g.script[idx](ctx, onToken)
	}
	return nil
}

func (g *scriptedGateway) requestCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requests)
}

func (g *scriptedGateway) lastRequest() models.AssistantRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.requests[len(g.requests)-1]
}

func emit(tokens ...string) func(ctx context.Context, onToken func(string)) error {
	return func(ctx context.Context, onToken func(string)) error {
		for _, tok := range tokens {
			if err := ctx.Err(); err != nil {
				return err
			}
			onToken(tok)
		}
		return nil
	}
}

func newTestSession(gateway assistant.Gateway) (*Session, *contextstore.Store, *progress.Tracker) {
	store := contextstore.New()
	tracker := progress.NewTracker()
	book := models.BookInfo{ID: "b1", Title: "A Book", Author: "An Author"}
	return NewSession(book, store, tracker, gateway), store, tracker
}

func addChunk(store *contextstore.Store, pos int, text string) {
	store.AddChunk("b1", models.ContextChunk{
		Position:    models.PagePosition(pos),
		Text:        text,
		ExtractedAt: time.Now(),
	})
}

func TestSendStreamsAndFinalizes(t *testing.T) {
	gateway := &scriptedGateway{script: []func(context.Context, func(string)) error{emit("Hel", "lo", "!")}}
	session, store, tracker := newTestSession(gateway)
	addChunk(store, 1, "[Page 1] some text")
	tracker.SetPosition("b1", 1)

	var deltas []string
	msg, err := session.Send(context.Background(), "what happened?", nil, func(tok string) {
		deltas = append(deltas, tok)
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if msg == nil || msg.Content != "Hello!" {
		t.Fatalf("assistant message = %+v, want content %q", msg, "Hello!")
	}
	if strings.Join(deltas, "") != "Hello!" {
		t.Errorf("deltas = %v", deltas)
	}

	history := session.History()
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	if history[0].Role != models.RoleUser || history[1].Role != models.RoleAssistant {
		t.Errorf("history roles = %s, %s", history[0].Role, history[1].Role)
	}
	if session.StreamingBuffer() != "" {
		t.Error("buffer not cleared after finalize")
	}
	if session.IsLoading() {
		t.Error("still loading after finalize")
	}
	if session.Err() != "" {
		t.Errorf("unexpected error %q", session.Err())
	}
}

func TestEmptyContextBlocksRequest(t *testing.T) {
	gateway := &scriptedGateway{}
	session, _, _ := newTestSession(gateway)

	_, err := session.Send(context.Background(), "hello", nil, nil)
	if !errors.Is(err, ErrNoContext) {
		t.Fatalf("err = %v, want ErrNoContext", err)
	}
	if gateway.requestCount() != 0 {
		t.Error("gateway was contacted despite empty context")
	}
	if session.Err() != "No content has been read yet" {
		t.Errorf("user-visible error = %q", session.Err())
	}
	if session.IsLoading() {
		t.Error("loading flag left set")
	}
}

func TestEmptyTextIsNoOp(t *testing.T) {
	gateway := &scriptedGateway{}
	session, store, _ := newTestSession(gateway)
	addChunk(store, 1, "text")

	msg, err := session.Send(context.Background(), "   \n", nil, nil)
	if msg != nil || err != nil {
		t.Fatalf("got (%v, %v), want no-op", msg, err)
	}
	if len(session.History()) != 0 {
		t.Error("no-op send touched history")
	}
}

func TestStaleRequestEventsAreDropped(t *testing.T) {
	firstStarted := make(chan struct{})
	gateway := &scriptedGateway{script: []func(context.Context, func(string)) error{
		func(ctx context.Context, onToken func(string)) error {
			close(firstStarted)
			<-ctx.Done()
			// Late events from the superseded request.
			onToken("late token from A")
			return ctx.Err()
		},
		emit("answer to B"),
	}}
	session, store, tracker := newTestSession(gateway)
	addChunk(store, 1, "context text")
	tracker.SetPosition("b1", 1)

	done := make(chan struct{})
	var msgA *models.ChatMessage
	var errA error
	go func() {
		msgA, errA = session.Send(context.Background(), "question A", nil, nil)
		close(done)
	}()
	<-firstStarted

	msgB, errB := session.Send(context.Background(), "question B", nil, nil)
	<-done

	if errA != nil || msgA != nil {
		t.Errorf("superseded request returned (%v, %v), want (nil, nil)", msgA, errA)
	}
	if errB != nil || msgB == nil || msgB.Content != "answer to B" {
		t.Fatalf("request B returned (%+v, %v)", msgB, errB)
	}

	for _, msg := range session.History() {
		if strings.Contains(msg.Content, "late token") {
			t.Error("late event from superseded request reached history")
		}
	}
	// user A, user B, assistant B
	if got := len(session.History()); got != 3 {
		t.Errorf("history length = %d, want 3", got)
	}
}

func TestCancelDuringStreaming(t *testing.T) {
	tokenSeen := make(chan struct{})
	gateway := &scriptedGateway{script: []func(context.Context, func(string)) error{
		func(ctx context.Context, onToken func(string)) error {
			onToken("partial ")
			<-ctx.Done()
			return ctx.Err()
		},
	}}
	session, store, tracker := newTestSession(gateway)
	addChunk(store, 1, "context text")
	tracker.SetPosition("b1", 1)

	done := make(chan struct{})
	var msg *models.ChatMessage
	var err error
	go func() {
		var once sync.Once
		msg, err = session.Send(context.Background(), "question", nil, func(string) {
			once.Do(func() { close(tokenSeen) })
		})
		close(done)
	}()
	<-tokenSeen

	session.Cancel()
	<-done

	if msg != nil || err != nil {
		t.Errorf("cancelled request returned (%+v, %v), want (nil, nil)", msg, err)
	}
	history := session.History()
	if len(history) != 1 || history[0].Role != models.RoleUser {
		t.Errorf("history after cancel = %+v, want only the user message", history)
	}
	if session.StreamingBuffer() != "" {
		t.Error("streaming buffer survived cancellation")
	}
	if session.IsLoading() {
		t.Error("loading flag survived cancellation")
	}
	if session.Err() != "" {
		t.Errorf("cancellation populated error %q", session.Err())
	}
}

func TestTransportErrorIsDistinguished(t *testing.T) {
	gateway := &scriptedGateway{script: []func(context.Context, func(string)) error{
		func(ctx context.Context, onToken func(string)) error {
			return &assistant.TransportError{Err: errors.New("connection refused")}
		},
	}}
	session, store, tracker := newTestSession(gateway)
	addChunk(store, 1, "context text")
	tracker.SetPosition("b1", 1)

	_, err := session.Send(context.Background(), "question", nil, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(session.Err(), "Could not reach the assistant") {
		t.Errorf("user-visible error = %q", session.Err())
	}
}

func TestProviderErrorCarriesReason(t *testing.T) {
	gateway := &scriptedGateway{script: []func(context.Context, func(string)) error{
		func(ctx context.Context, onToken func(string)) error {
			return &assistant.ProviderError{StatusCode: 429, Reason: "quota exceeded"}
		},
	}}
	session, store, tracker := newTestSession(gateway)
	addChunk(store, 1, "context text")
	tracker.SetPosition("b1", 1)

	_, err := session.Send(context.Background(), "question", nil, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(session.Err(), "quota exceeded") {
		t.Errorf("user-visible error = %q, want provider reason included", session.Err())
	}

	// The next attempt clears the stale error.
	gateway.mu.Lock()
	gateway.script = append(gateway.script, emit("fine now"))
	gateway.mu.Unlock()
	if _, err := session.Send(context.Background(), "again", nil, nil); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if session.Err() != "" {
		t.Errorf("error not cleared by next attempt: %q", session.Err())
	}
}

func TestExplicitPositionNarrowsContext(t *testing.T) {
	gateway := &scriptedGateway{script: []func(context.Context, func(string)) error{emit("ok")}}
	session, store, tracker := newTestSession(gateway)
	addChunk(store, 1, "[Page 1] early text")
	addChunk(store, 5, "[Page 5] later text")
	tracker.SetPosition("b1", 5)

	position := 1
	if _, err := session.Send(context.Background(), "question", &position, nil); err != nil {
		t.Fatalf("Send: %v", err)
	}

	req := gateway.lastRequest()
	if !strings.Contains(req.Context, "early text") {
		t.Error("context missing in-bound chunk")
	}
	if strings.Contains(req.Context, "later text") {
		t.Error("explicit position did not narrow the context")
	}
	if req.Position != 1 {
		t.Errorf("request position = %d, want 1", req.Position)
	}
}

func TestHistoryWindowIsLastTen(t *testing.T) {
	var script []func(context.Context, func(string)) error
	for i := 0; i < 7; i++ {
		script = append(script, emit("reply"))
	}
	gateway := &scriptedGateway{script: script}
	session, store, tracker := newTestSession(gateway)
	addChunk(store, 1, "context text")
	tracker.SetPosition("b1", 1)

	for i := 0; i < 7; i++ {
		if _, err := session.Send(context.Background(), "question", nil, nil); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}

	// 6 completed exchanges = 12 prior messages; only the last 10 go out.
	req := gateway.lastRequest()
	if len(req.History) != models.HistoryWindow {
		t.Errorf("history window = %d entries, want %d", len(req.History), models.HistoryWindow)
	}
	for _, entry := range req.History {
		if entry.Role != models.RoleUser && entry.Role != models.RoleAssistant {
			t.Errorf("unexpected role %q", entry.Role)
		}
	}
}

func TestClearChatKeepsContext(t *testing.T) {
	gateway := &scriptedGateway{script: []func(context.Context, func(string)) error{emit("ok")}}
	session, store, tracker := newTestSession(gateway)
	addChunk(store, 1, "context text")
	tracker.SetPosition("b1", 1)

	if _, err := session.Send(context.Background(), "question", nil, nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	session.ClearChat()

	if len(session.History()) != 0 {
		t.Error("history survived ClearChat")
	}
	if !store.HasAnyContext("b1") {
		t.Error("ClearChat touched the context store")
	}
	if tracker.Position("b1") != 1 {
		t.Error("ClearChat touched the tracker")
	}
}
