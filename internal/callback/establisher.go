package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ErrEstablishRejected means the server refused the token pair.
var ErrEstablishRejected = errors.New("session establishment rejected")

const sessionPath = "/auth/session"

// HTTPEstablisher posts the token pair to the server's session endpoint.
type HTTPEstablisher struct {
	baseURL string
	client  *http.Client
}

// NewHTTPEstablisher creates an establisher for the server at baseURL.
// client should carry a cookie jar so the session cookies are kept.
func NewHTTPEstablisher(baseURL string, client *http.Client) *HTTPEstablisher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPEstablisher{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  client,
	}
}

type establishRequest struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	Type         string `json:"type,omitempty"`
}

type establishResponse struct {
	Success    bool   `json:"success"`
	RedirectTo string `json:"redirect_to"`
	Error      *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Establish implements SessionEstablisher.
func (e *HTTPEstablisher) Establish(ctx context.Context, tokens Tokens) (string, error) {
	payload, err := json.Marshal(establishRequest{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		Type:         tokens.Type,
	})
	if err != nil {
		return "", fmt.Errorf("encode session request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+sessionPath, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build session request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("post session: %w", err)
	}
	defer resp.Body.Close()

	var body establishResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err != nil {
		return "", fmt.Errorf("decode session response (status %d): %w", resp.StatusCode, err)
	}

	if resp.StatusCode != http.StatusOK || !body.Success {
		if body.Error != nil {
			return "", fmt.Errorf("%w: %s", ErrEstablishRejected, body.Error.Message)
		}
		return "", fmt.Errorf("%w: status %d", ErrEstablishRejected, resp.StatusCode)
	}
	if body.RedirectTo == "" {
		return "/", nil
	}
	return body.RedirectTo, nil
}
