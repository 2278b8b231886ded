package kimi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/router-for-me/KimiProxyAPI/internal/errors"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const completionTemplate = `{"kimiplus_id":"kimi","extend":{"sidebar":true},"model":"","use_search":false,"messages":[],"refs":[],"history":[],"scene_labels":[],"use_semantic_memory":false,"use_deep_research":false}`

// Complete runs one completion against a fresh conversation and returns the text
// fragments in upstream order. Failures before the stream opens are returned directly,
// so a nil error means the stream is live. Read failures after that arrive as a Chunk
// with Err set, after which the channel is closed.
//
// The channel is unbuffered: the upstream is only read as fast as the caller consumes.
// Cancelling ctx stops the reader and releases the upstream connection.
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (<-chan Chunk, error) {
	streamCtx, cancel := context.WithCancel(ctx)

	var bootTimer *time.Timer
	if c.bootstrapTimeout > 0 {
		bootTimer = time.AfterFunc(c.bootstrapTimeout, cancel)
	}
	fail := func(err error) (<-chan Chunk, error) {
		if bootTimer != nil && !bootTimer.Stop() && ctx.Err() == nil {
			err = fmt.Errorf("kimi bootstrap exceeded %s: %w", c.bootstrapTimeout, err)
		}
		cancel()
		return nil, err
	}

	conversationID, err := c.CreateConversation(streamCtx)
	if err != nil {
		return fail(err)
	}
	c.conversationID = conversationID

	payload := c.buildCompletionPayload(LastUserMessage(req.Messages), req.WebSearch)
	resp, err := c.post(streamCtx, fmt.Sprintf(pathCompletionFmt, conversationID), payload, func(r *http.Request) {
		c.applyAuthHeaders(r)
		r.Header.Set("Accept", "text/event-stream")
	})
	if err != nil {
		err = errors.Request(0, "completion request failed", err)
		c.observer.ObserveUpstream("completion", err)
		return fail(err)
	}
	if !isSuccess(resp.StatusCode) {
		body := readBody(resp)
		log.Errorf("kimi client: %s", upstreamFailure("completion", resp.StatusCode, body))
		err = errors.Request(resp.StatusCode, "Request failed: "+http.StatusText(resp.StatusCode), nil)
		c.observer.ObserveUpstream("completion", err)
		return fail(err)
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		err = errors.Request(resp.StatusCode, "No response body", nil)
		c.observer.ObserveUpstream("completion", err)
		return fail(err)
	}
	if bootTimer != nil && !bootTimer.Stop() {
		readBody(resp)
		cancel()
		return nil, errors.Request(0, "completion request timed out", streamCtx.Err())
	}
	c.observer.ObserveUpstream("completion", nil)

	out := make(chan Chunk)
	go c.pump(ctx, cancel, resp.Body, out)
	return out, nil
}

// pump feeds decoded text fragments into out until the stream ends, fails or ctx is done.
func (c *Client) pump(ctx context.Context, cancel context.CancelFunc, body io.ReadCloser, out chan<- Chunk) {
	defer close(out)
	defer cancel()
	defer func() {
		if errClose := body.Close(); errClose != nil {
			log.Errorf("kimi client: close response body error: %v", errClose)
		}
	}()

	var idleFired atomic.Bool
	var idleTimer *time.Timer
	if c.idleTimeout > 0 {
		idleTimer = time.AfterFunc(c.idleTimeout, func() {
			idleFired.Store(true)
			cancel()
		})
		defer idleTimer.Stop()
	}

	send := func(chunk Chunk) bool {
		select {
		case out <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	// The idle timer only runs while waiting on the upstream. Time spent blocked in
	// send is the consumer's backpressure.
	decoder := NewDecoder(body)
	for {
		if idleTimer != nil {
			idleTimer.Reset(c.idleTimeout)
		}
		ev, err := decoder.Next()
		if idleTimer != nil {
			idleTimer.Stop()
		}
		if err == io.EOF {
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if idleFired.Load() {
				err = fmt.Errorf("kimi stream idle for %s: %w", c.idleTimeout, err)
			}
			log.Errorf("kimi client: stream read error: %v", err)
			send(Chunk{Err: errors.Server("upstream stream interrupted", err)})
			return
		}
		switch ev.Kind {
		case EventTextDelta:
			c.observer.ObserveFragment()
			if !send(Chunk{Text: ev.Text}) {
				return
			}
		case EventRename:
			log.WithField("title", gjson.GetBytes(ev.Raw, "text").String()).Debug("kimi client: conversation renamed")
		case EventDone:
			return
		}
	}
}

func (c *Client) buildCompletionPayload(message string, webSearch bool) []byte {
	payload := []byte(completionTemplate)
	payload, _ = sjson.SetBytes(payload, "model", c.upstreamModel)
	payload, _ = sjson.SetBytes(payload, "use_search", webSearch)
	payload, _ = sjson.SetBytes(payload, "messages.0.role", "user")
	payload, _ = sjson.SetBytes(payload, "messages.0.content", message)
	return payload
}

// LastUserMessage returns the content of the last message whose role is "user", or ""
// when there is none. Array content is flattened by concatenating its text parts.
func LastUserMessage(messages []ChatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != "user" {
			continue
		}
		return contentText(messages[i].Content)
	}
	return ""
}

func contentText(raw []byte) string {
	content := gjson.ParseBytes(raw)
	switch {
	case content.Type == gjson.String:
		return content.String()
	case content.IsArray():
		var b strings.Builder
		content.ForEach(func(_, part gjson.Result) bool {
			if part.Type == gjson.String {
				b.WriteString(part.String())
				return true
			}
			if t := part.Get("type").String(); t == "" || t == "text" {
				b.WriteString(part.Get("text").String())
			}
			return true
		})
		return b.String()
	case content.Type == gjson.Null || !content.Exists():
		return ""
	default:
		return content.Raw
	}
}
