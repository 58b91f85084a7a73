package direct

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/postalsys/pairlink/internal/logging"
	"github.com/postalsys/pairlink/internal/session"
	"github.com/postalsys/pairlink/internal/signing"
	"github.com/postalsys/pairlink/internal/transport"
)

// PairRequest is sent to the host to exchange a pairing code for a token.
type PairRequest struct {
	Code       string `json:"code"`
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name,omitempty"`
}

type pairResponse struct {
	DeviceID string `json:"device_id"`
	Token    string `json:"token"`
}

type refreshRequest struct {
	DeviceID string `json:"device_id"`
}

type refreshResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in,omitempty"`
}

// Pair exchanges a pairing code shown by the host for a credential. The
// credential is stamped with the local time of pairing.
func (c *Client) Pair(ctx context.Context, ep signing.Endpoint, req PairRequest) (session.Credential, error) {
	if err := ep.Validate(); err != nil {
		return session.Credential{}, err
	}
	if strings.TrimSpace(req.Code) == "" {
		return session.Credential{}, errors.New("pairing code is required")
	}

	var resp pairResponse
	if err := c.exchange(ctx, ep, PairPath, "", req, &resp); err != nil {
		return session.Credential{}, fmt.Errorf("pair: %w", err)
	}
	if resp.Token == "" {
		return session.Credential{}, errors.New("pair: host returned no token")
	}
	if resp.DeviceID == "" {
		resp.DeviceID = req.DeviceID
	}

	c.logger.Info("paired with host",
		logging.KeyEndpoint, ep.String(),
		logging.KeyDeviceID, resp.DeviceID)

	return session.Credential{
		DeviceID: resp.DeviceID,
		Token:    resp.Token,
		PairedAt: c.cfg.Now(),
		Endpoint: ep,
	}, nil
}

// Refresh exchanges a near-expiry credential for a fresh one. It
// implements session.Refresher.
func (c *Client) Refresh(ctx context.Context, cred session.Credential) (session.Credential, error) {
	var resp refreshResponse
	err := c.exchange(ctx, cred.Endpoint, RefreshPath, cred.Token, refreshRequest{DeviceID: cred.DeviceID}, &resp)
	if err == nil && resp.Token == "" {
		err = errors.New("host returned no token")
	}
	if err != nil {
		c.metrics.RecordSessionRefresh("failed")
		return session.Credential{}, fmt.Errorf("refresh: %w", err)
	}

	c.metrics.RecordSessionRefresh("ok")
	return session.Credential{
		DeviceID: cred.DeviceID,
		Token:    resp.Token,
		PairedAt: c.cfg.Now(),
		Endpoint: cred.Endpoint,
	}, nil
}

// exchange posts in as JSON and decodes the answer into out. The request is
// signed when token is set.
func (c *Client) exchange(ctx context.Context, ep signing.Endpoint, path, token string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}

	var resp *http.Response
	if token != "" {
		cred := session.Credential{Token: token, Endpoint: ep}
		resp, _, err = c.send(ctx, c.http, cred, http.MethodPost, path, body, "")
		if err != nil {
			return err
		}
	} else {
		url, err := transport.DirectAPIURL(ep, path)
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err = c.http.Do(req)
		if err != nil {
			return err
		}
	}
	defer resp.Body.Close()

	data, err := readBody(resp.Body, c.cfg.MaxBodySize)
	if err != nil {
		return err
	}
	if err := c.checkStatus(resp.StatusCode, "", data, false); err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
