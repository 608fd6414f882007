package assistant

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// ErrRequestFailed indicates the reply service rejected the send.
var ErrRequestFailed = errors.New("assistant request failed")

// Processor produces the incremental reply channel for one outgoing send.
// Implemented by Client; tests substitute fakes.
type Processor interface {
	Chat(ctx context.Context, req Request) iter.Seq2[*Chunk, error]
}

// Config holds client settings.
type Config struct {
	URL            string
	APIKey         string
	RequestTimeout time.Duration
}

// Client talks to the reply service over HTTP. Each send opens one
// text/event-stream response; chunks arrive as `data: {json}` lines of shape
// {content?, done?, final_text?}.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates an assistant client.
func NewClient(cfg Config) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimSuffix(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Chat sends one message and yields reply chunks in arrival order. The
// transport is order-preserving per channel; reordering is not handled. The
// sequence ends after a terminal chunk (done) or the first error.
func (c *Client) Chat(ctx context.Context, req Request) iter.Seq2[*Chunk, error] {
	return func(yield func(*Chunk, error) bool) {
		body, err := json.Marshal(req)
		if err != nil {
			yield(nil, fmt.Errorf("marshal assistant request: %w", err))
			return
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat", bytes.NewReader(body))
		if err != nil {
			yield(nil, fmt.Errorf("build assistant request: %w", err))
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "text/event-stream")
		if c.apiKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			yield(nil, fmt.Errorf("open assistant channel: %w", err))
			return
		}
		defer resp.Body.Close() //nolint:errcheck // read-side close

		if resp.StatusCode != http.StatusOK {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			yield(nil, fmt.Errorf("%w: %d %s", ErrRequestFailed, resp.StatusCode, strings.TrimSpace(string(msg))))
			return
		}

		c.consume(ctx, resp.Body, yield)
	}
}

// consume reads SSE lines off the channel and forwards them to yield.
func (c *Client) consume(ctx context.Context, reader io.Reader, yield func(*Chunk, error) bool) {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			yield(nil, ctx.Err())
			return
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			yield(&Chunk{Done: true}, nil)
			return
		}

		var chunk Chunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Malformed lines are skipped; a channel that never produces a
			// terminal event still fails below.
			slog.Debug("skipping malformed assistant chunk", "error", err)
			continue
		}

		if !yield(&chunk, nil) {
			return
		}
		if chunk.Done {
			return
		}
	}

	if err := scanner.Err(); err != nil {
		yield(nil, fmt.Errorf("read assistant channel: %w", err))
		return
	}
	// Channel close without a transport error is success, same as done:true.
	yield(&Chunk{Done: true}, nil)
}
