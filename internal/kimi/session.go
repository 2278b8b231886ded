package kimi

import (
	"context"
	"crypto/rand"
	"math/big"
	"net/http"
	"strconv"

	"github.com/router-for-me/KimiProxyAPI/internal/errors"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

var (
	deviceIDMin   = big.NewInt(1_000_000_000_000_000)
	deviceIDRange = big.NewInt(9_000_000_000_000_000)
)

// EnsureAuthenticated registers an anonymous device unless the client already holds
// a complete credential. The credential is obtained at most once per Client.
func (c *Client) EnsureAuthenticated(ctx context.Context) (Session, error) {
	if c.session.Ready() {
		return c.session, nil
	}

	deviceID, err := newDeviceID()
	if err != nil {
		return Session{}, errors.Authentication(0, "failed to generate device id", err)
	}
	c.session = Session{DeviceID: deviceID}

	resp, err := c.post(ctx, pathDeviceRegister, []byte("{}"), c.applyDeviceHeaders)
	if err != nil {
		c.session = Session{}
		err = errors.Authentication(0, "device registration request failed", err)
		c.observer.ObserveUpstream("register", err)
		return Session{}, err
	}
	body := readBody(resp)
	if !isSuccess(resp.StatusCode) {
		c.session = Session{}
		log.Errorf("kimi client: %s", upstreamFailure("device registration", resp.StatusCode, body))
		err = errors.Authentication(resp.StatusCode, "Authentication failed: "+http.StatusText(resp.StatusCode), nil)
		c.observer.ObserveUpstream("register", err)
		return Session{}, err
	}

	token := gjson.GetBytes(body, "access_token").String()
	if token == "" {
		c.session = Session{}
		err = errors.Authentication(0, "No access token received", nil)
		c.observer.ObserveUpstream("register", err)
		return Session{}, err
	}

	c.session.AccessToken = token
	c.observer.ObserveUpstream("register", nil)
	log.WithField("device_id", deviceID).Debug("kimi client: device registered")
	return c.session, nil
}

// newDeviceID returns a random 16-digit decimal string, uniform over [10^15, 10^16).
func newDeviceID() (string, error) {
	n, err := rand.Int(rand.Reader, deviceIDRange)
	if err != nil {
		return "", err
	}
	n.Add(n, deviceIDMin)
	return strconv.FormatInt(n.Int64(), 10), nil
}
