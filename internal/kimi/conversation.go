package kimi

import (
	"context"
	"net/http"

	"github.com/router-for-me/KimiProxyAPI/internal/errors"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const createChatTemplate = `{"name":"","born_from":"home","kimiplus_id":"kimi","is_example":false,"source":"web","tags":[]}`

// CreateConversation opens a fresh upstream conversation and returns its id.
// It authenticates first if needed.
func (c *Client) CreateConversation(ctx context.Context) (string, error) {
	if _, err := c.EnsureAuthenticated(ctx); err != nil {
		return "", err
	}

	payload, _ := sjson.SetBytes([]byte(createChatTemplate), "name", c.conversationName)
	resp, err := c.post(ctx, pathCreateChat, payload, c.applyAuthHeaders)
	if err != nil {
		err = errors.Request(0, "conversation creation request failed", err)
		c.observer.ObserveUpstream("conversation", err)
		return "", err
	}
	body := readBody(resp)
	if !isSuccess(resp.StatusCode) {
		log.Errorf("kimi client: %s", upstreamFailure("conversation creation", resp.StatusCode, body))
		err = errors.Request(resp.StatusCode, "Request failed: "+http.StatusText(resp.StatusCode), nil)
		c.observer.ObserveUpstream("conversation", err)
		return "", err
	}

	id := gjson.GetBytes(body, "id").String()
	if id == "" {
		err = errors.Request(resp.StatusCode, "conversation response carried no id", nil)
		c.observer.ObserveUpstream("conversation", err)
		return "", err
	}
	c.observer.ObserveUpstream("conversation", nil)
	return id, nil
}
