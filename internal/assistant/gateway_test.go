package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"ebook-companion/internal/config"
	"ebook-companion/internal/models"
)

func newTestGateway(url string) *HTTPGateway {
	return NewHTTPGateway(&config.AssistantConfig{URL: url, Key: "test-key"})
}

func sseHandler(lines ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, line := range lines {
			fmt.Fprint(w, line)
			flusher.Flush()
		}
	}
}

func TestStreamRelaysTokensInOrder(t *testing.T) {
	srv := httptest.NewServer(sseHandler(
		"data: {\"content\": \"Hel\"}\n",
		"data: {\"content\": \"lo\"}\n",
		"data: {\"content\": \"!\"}\n",
		"data: [DONE]\n",
	))
	defer srv.Close()

	var tokens []string
	err := newTestGateway(srv.URL).Stream(context.Background(), models.AssistantRequest{
		Message: "hi", Context: "some context",
	}, func(tok string) {
		tokens = append(tokens, tok)
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if got := strings.Join(tokens, ""); got != "Hello!" {
		t.Errorf("tokens = %v", tokens)
	}
}

func TestStreamReassemblesSplitLines(t *testing.T) {
	// One SSE line delivered across two network writes.
	srv := httptest.NewServer(sseHandler(
		"data: {\"con",
		"tent\": \"whole\"}\n",
		"data: [DONE]\n",
	))
	defer srv.Close()

	var tokens []string
	err := newTestGateway(srv.URL).Stream(context.Background(), models.AssistantRequest{
		Message: "hi", Context: "some context",
	}, func(tok string) {
		tokens = append(tokens, tok)
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if len(tokens) != 1 || tokens[0] != "whole" {
		t.Errorf("tokens = %v, want [whole]", tokens)
	}
}

func TestStreamSkipsCommentsAndBlankLines(t *testing.T) {
	srv := httptest.NewServer(sseHandler(
		": keepalive\n",
		"\n",
		"data: {\"content\": \"ok\"}\n",
		"event: noise\n",
		"data: [DONE]\n",
		"data: {\"content\": \"after done\"}\n",
	))
	defer srv.Close()

	var tokens []string
	err := newTestGateway(srv.URL).Stream(context.Background(), models.AssistantRequest{
		Message: "hi", Context: "some context",
	}, func(tok string) {
		tokens = append(tokens, tok)
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if len(tokens) != 1 || tokens[0] != "ok" {
		t.Errorf("tokens = %v, want [ok]", tokens)
	}
}

func TestStreamEndsAtEOFWithoutDone(t *testing.T) {
	srv := httptest.NewServer(sseHandler("data: {\"content\": \"partial\"}\n"))
	defer srv.Close()

	var tokens []string
	err := newTestGateway(srv.URL).Stream(context.Background(), models.AssistantRequest{
		Message: "hi", Context: "some context",
	}, func(tok string) {
		tokens = append(tokens, tok)
	})
	if err != nil {
		t.Fatalf("Stream after plain EOF: %v", err)
	}
	if len(tokens) != 1 || tokens[0] != "partial" {
		t.Errorf("tokens = %v", tokens)
	}
}

func TestProviderErrorCarriesStatusAndReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error": "quota exceeded"}`)
	}))
	defer srv.Close()

	err := newTestGateway(srv.URL).Stream(context.Background(), models.AssistantRequest{
		Message: "hi", Context: "some context",
	}, func(string) {})

	var provider *ProviderError
	if !errors.As(err, &provider) {
		t.Fatalf("err = %v, want *ProviderError", err)
	}
	if provider.StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", provider.StatusCode)
	}
	if provider.Reason != "quota exceeded" {
		t.Errorf("reason = %q", provider.Reason)
	}
}

func TestProviderErrorWithoutParsableBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, "internal failure")
	}))
	defer srv.Close()

	err := newTestGateway(srv.URL).Stream(context.Background(), models.AssistantRequest{
		Message: "hi", Context: "some context",
	}, func(string) {})

	var provider *ProviderError
	if !errors.As(err, &provider) {
		t.Fatalf("err = %v, want *ProviderError", err)
	}
	if provider.StatusCode != http.StatusInternalServerError || provider.Reason != "" {
		t.Errorf("got status %d reason %q", provider.StatusCode, provider.Reason)
	}
}

func TestUnreachableEndpointIsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	err := newTestGateway(srv.URL).Stream(context.Background(), models.AssistantRequest{
		Message: "hi", Context: "some context",
	}, func(string) {})

	var transport *TransportError
	if !errors.As(err, &transport) {
		t.Fatalf("err = %v, want *TransportError", err)
	}
	if IsCancellation(err) {
		t.Error("transport error misread as cancellation")
	}
}

func TestRequestCarriesSystemInstructionAndAuth(t *testing.T) {
	var got models.AssistantRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&got)
		fmt.Fprint(w, "data: [DONE]\n")
	}))
	defer srv.Close()

	err := newTestGateway(srv.URL).Stream(context.Background(), models.AssistantRequest{
		Message: "who is this character?", Context: "some context",
	}, func(string) {})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if got.System != models.NoSpoilerInstruction {
		t.Errorf("system instruction missing, got %q", got.System)
	}
	if auth != "Bearer test-key" {
		t.Errorf("authorization header = %q", auth)
	}
}

func TestOversizedContextIsTruncatedWithMarker(t *testing.T) {
	var got models.AssistantRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		fmt.Fprint(w, "data: [DONE]\n")
	}))
	defer srv.Close()

	gateway := NewHTTPGateway(&config.AssistantConfig{URL: srv.URL, MaxContextChars: 100})
	err := gateway.Stream(context.Background(), models.AssistantRequest{
		Message: "hi", Context: strings.Repeat("x", 500),
	}, func(string) {})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if !strings.HasSuffix(got.Context, models.TruncationNote) {
		t.Error("truncated context missing the marker")
	}
	if len(got.Context) != 100+len(models.TruncationNote) {
		t.Errorf("context length = %d", len(got.Context))
	}
}

func TestCancellationMidStream(t *testing.T) {
	firstToken := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"content\": \"first\"}\n")
		flusher.Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var tokens []string
	errCh := make(chan error, 1)
	go func() {
		errCh <- newTestGateway(srv.URL).Stream(ctx, models.AssistantRequest{
			Message: "hi", Context: "some context",
		}, func(tok string) {
			tokens = append(tokens, tok)
			close(firstToken)
		})
	}()

	<-firstToken
	cancel()

	err := <-errCh
	if !IsCancellation(err) {
		t.Fatalf("err = %v, want cancellation", err)
	}
}
