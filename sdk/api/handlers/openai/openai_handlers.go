// Package openai provides HTTP handlers for the OpenAI-compatible endpoints backed by
// Kimi: model listing and chat completions in both streaming and non-streaming form.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/KimiProxyAPI/internal/errors"
	"github.com/router-for-me/KimiProxyAPI/internal/kimi"
	"github.com/router-for-me/KimiProxyAPI/internal/logging"
	translator "github.com/router-for-me/KimiProxyAPI/internal/translator/openai"
	"github.com/router-for-me/KimiProxyAPI/sdk/api/handlers"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// DefaultModel is used when the request omits the model field.
const DefaultModel = "kimi-k2"

// OwnedBy is reported for every listed model.
const OwnedBy = "kimi"

var supportedModels = []string{DefaultModel}

// OpenAIAPIHandler contains the handlers for OpenAI API endpoints.
type OpenAIAPIHandler struct {
	*handlers.BaseAPIHandler

	// created is reported as the creation time of every model.
	created int64
	now     func() time.Time
}

// NewOpenAIAPIHandler creates a new OpenAI API handlers instance.
func NewOpenAIAPIHandler(apiHandlers *handlers.BaseAPIHandler) *OpenAIAPIHandler {
	return &OpenAIAPIHandler{
		BaseAPIHandler: apiHandlers,
		created:        time.Now().Unix(),
		now:            time.Now,
	}
}

// IsSupportedModel reports whether model can be served.
func IsSupportedModel(model string) bool {
	for _, m := range supportedModels {
		if m == model {
			return true
		}
	}
	return false
}

// OpenAIModels handles GET /v1/models.
func (h *OpenAIAPIHandler) OpenAIModels(c *gin.Context) {
	data := make([]gin.H, 0, len(supportedModels))
	for _, id := range supportedModels {
		data = append(data, gin.H{
			"id":       id,
			"object":   "model",
			"created":  h.created,
			"owned_by": OwnedBy,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"object": "list",
		"data":   data,
	})
}

// ChatCompletions handles POST /v1/chat/completions. The request is validated, then
// answered either as one chat.completion object or as a chat.completion.chunk stream.
func (h *OpenAIAPIHandler) ChatCompletions(c *gin.Context) {
	rawJSON, err := c.GetRawData()
	if err != nil {
		h.WriteErrorResponse(c, errors.Server("failed to read request body", err))
		return
	}
	req, err := parseChatRequest(rawJSON)
	if err != nil {
		h.WriteErrorResponse(c, err)
		return
	}

	c.Set(logging.ContextKeyModel, req.Model)
	c.Set(logging.ContextKeyStream, req.Stream)

	if req.Stream {
		h.handleStreamingResponse(c, req)
	} else {
		h.handleNonStreamingResponse(c, req)
	}
}

// parseChatRequest validates the body and extracts the fields the upstream call needs.
// Unparsable JSON is a server error; an unknown model or a missing or empty messages
// array is a validation error.
func parseChatRequest(rawJSON []byte) (kimi.CompletionRequest, error) {
	if !gjson.ValidBytes(rawJSON) || !gjson.ParseBytes(rawJSON).IsObject() {
		return kimi.CompletionRequest{}, errors.Server("invalid JSON body", nil)
	}
	body := gjson.ParseBytes(rawJSON)

	model := DefaultModel
	if m := body.Get("model"); !isFalsy(m) {
		model = m.String()
	}
	if !IsSupportedModel(model) {
		return kimi.CompletionRequest{}, errors.Validation(fmt.Sprintf("Model '%s' not found", model))
	}

	messagesResult := body.Get("messages")
	if !messagesResult.IsArray() || len(messagesResult.Array()) == 0 {
		return kimi.CompletionRequest{}, errors.Validation("Messages must be a non-empty array")
	}
	messages := make([]kimi.ChatMessage, 0, len(messagesResult.Array()))
	messagesResult.ForEach(func(_, m gjson.Result) bool {
		msg := kimi.ChatMessage{Role: m.Get("role").String()}
		if content := m.Get("content"); content.Exists() {
			msg.Content = json.RawMessage(content.Raw)
		}
		messages = append(messages, msg)
		return true
	})

	return kimi.CompletionRequest{
		Model:     model,
		Messages:  messages,
		Stream:    body.Get("stream").Bool(),
		WebSearch: body.Get("web_search").Bool(),
	}, nil
}

// isFalsy treats missing, null, false, 0 and "" alike, so any of them selects the
// default model.
func isFalsy(r gjson.Result) bool {
	switch r.Type {
	case gjson.Null, gjson.False:
		return true
	case gjson.String:
		return r.Str == ""
	case gjson.Number:
		return r.Num == 0
	default:
		return false
	}
}

// handleNonStreamingResponse drains the fragment sequence and writes one
// chat.completion object. Any upstream failure fails the whole request.
func (h *OpenAIAPIHandler) handleNonStreamingResponse(c *gin.Context, req kimi.CompletionRequest) {
	cliCtx, cliCancel := h.GetContextWithCancel(c, c.Request.Context())
	defer cliCancel()

	client := h.NewKimiClient()
	chunks, err := client.Complete(cliCtx, req)
	if err != nil {
		h.WriteErrorResponse(c, err)
		return
	}
	c.Set(logging.ContextKeyConversation, client.ConversationID())

	var acc translator.Accumulator
	for chunk := range chunks {
		if chunk.Err != nil {
			h.WriteErrorResponse(c, chunk.Err)
			return
		}
		acc.Add(chunk.Text)
	}
	if cliCtx.Err() != nil {
		return
	}

	id := translator.NewCompletionID()
	c.Data(http.StatusOK, "application/json", translator.BuildCompletion(id, req.Model, acc.Content(), h.now().Unix()))
}

// handleStreamingResponse forwards each fragment as its own SSE frame. Failures before
// the first byte still produce a JSON error; later failures end the stream with an
// error event and no [DONE] marker.
func (h *OpenAIAPIHandler) handleStreamingResponse(c *gin.Context, req kimi.CompletionRequest) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		handlers.WriteError(c, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	cliCtx, cliCancel := h.GetContextWithCancel(c, c.Request.Context())
	client := h.NewKimiClient()
	chunks, err := client.Complete(cliCtx, req)
	if err != nil {
		cliCancel()
		h.WriteErrorResponse(c, err)
		return
	}
	c.Set(logging.ContextKeyConversation, client.ConversationID())

	handlers.SSEHeaders(c)
	c.Status(http.StatusOK)
	flusher.Flush()

	keepAlive := time.Duration(h.Config().Streaming.KeepAliveSeconds) * time.Second
	h.forwardChatStream(c, flusher, cliCancel, chunks, streamFrame{
		id:      translator.NewCompletionID(),
		model:   req.Model,
		created: h.now().Unix(),
	}, keepAlive)
}

type streamFrame struct {
	id      string
	model   string
	created int64
}

func (h *OpenAIAPIHandler) forwardChatStream(c *gin.Context, flusher http.Flusher, cancel context.CancelFunc, chunks <-chan kimi.Chunk, frame streamFrame, keepAlive time.Duration) {
	defer cancel()

	var keepAliveC <-chan time.Time
	if keepAlive > 0 {
		ticker := time.NewTicker(keepAlive)
		defer ticker.Stop()
		keepAliveC = ticker.C
	}

	for {
		select {
		case <-c.Request.Context().Done():
			log.Debug("chat completion stream: client disconnected")
			return
		case chunk, ok := <-chunks:
			if !ok {
				handlers.WriteSSEData(c.Writer, translator.BuildStopChunk(frame.id, frame.model, frame.created))
				handlers.WriteSSEDone(c.Writer)
				flusher.Flush()
				return
			}
			if chunk.Err != nil {
				log.WithError(chunk.Err).Error("chat completion stream interrupted")
				_ = c.Error(chunk.Err)
				payload, _ := json.Marshal(handlers.ErrorResponse{Error: handlers.ErrorDetail{
					Message: handlers.MessageInternalError,
					Type:    "server_error",
				}})
				handlers.WriteSSEError(c.Writer, payload)
				flusher.Flush()
				return
			}
			handlers.WriteSSEData(c.Writer, translator.BuildContentChunk(frame.id, frame.model, chunk.Text, frame.created))
			flusher.Flush()
		case <-keepAliveC:
			handlers.WriteSSEKeepAlive(c.Writer)
			flusher.Flush()
		}
	}
}
