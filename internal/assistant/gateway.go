package assistant

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"ebook-companion/internal/config"
	"ebook-companion/internal/models"
)

// Gateway turns an assembled request into an ordered token stream.
type Gateway interface {
	Stream(ctx context.Context, req models.AssistantRequest, onToken func(string)) error
}

// TransportError marks failures reaching the assistant endpoint at all, as
// opposed to failures the endpoint reported itself.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("assistant unreachable: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProviderError carries a non-2xx response and the reason string from its
// error body, when one was given.
type ProviderError struct {
	StatusCode int
	Reason     string
}

func (e *ProviderError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("assistant rejected request (%d): %s", e.StatusCode, e.Reason)
	}
	return fmt.Sprintf("assistant rejected request (%d)", e.StatusCode)
}

// HTTPGateway speaks the assistant's streaming protocol: a JSON POST
// answered with SSE lines `data: {"content": ...}` ended by `data: [DONE]`.
type HTTPGateway struct {
	url             string
	apiKey          string
	maxContextChars int
	client          *http.Client
}

func NewHTTPGateway(cfg *config.AssistantConfig) *HTTPGateway {
	maxChars := cfg.MaxContextChars
	if maxChars <= 0 {
		maxChars = 24000
	}
	return &HTTPGateway{
		url:             cfg.URL,
		apiKey:          cfg.Key,
		maxContextChars: maxChars,
		// No overall timeout: streams are open-ended and cancelled via ctx.
		client: &http.Client{Timeout: 0},
	}
}

// Stream sends the request and relays each streamed fragment to onToken.
// The no-spoiler instruction is always attached here so no caller can omit
// it, and the context is truncated to the provider limit with a marker when
// cut. Cancellation surfaces as the context's error, never as a
// TransportError, and stops consuming the response immediately.
func (g *HTTPGateway) Stream(ctx context.Context, req models.AssistantRequest, onToken func(string)) error {
	req.System = models.NoSpoilerInstruction
	if len(req.Context) > g.maxContextChars {
		req.Context = req.Context[:g.maxContextChars] + models.TruncationNote
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewBuffer(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if g.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+strings.TrimPrefix(g.apiKey, "Bearer "))
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &TransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return readProviderError(resp)
	}

	return g.relay(ctx, resp.Body, onToken)
}

// relay decodes the SSE line protocol. bufio buffers partial lines, so a
// fragment split across network chunks is reassembled before parsing.
func (g *HTTPGateway) relay(ctx context.Context, body io.Reader, onToken func(string)) error {
	reader := bufio.NewReader(body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &TransportError{Err: err}
		}

		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if line == "data: [DONE]" {
			return nil
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var fragment struct {
			Content string `json:"content"`
		}
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &fragment); err != nil {
			continue
		}
		if fragment.Content != "" {
			onToken(fragment.Content)
		}
	}
}

func readProviderError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	var parsed struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error != "" {
		return &ProviderError{StatusCode: resp.StatusCode, Reason: parsed.Error}
	}
	return &ProviderError{StatusCode: resp.StatusCode}
}

// IsCancellation reports whether err stems from an explicit cancellation
// rather than a genuine failure.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}
