package bot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/keepmind9/botgate/pkg/constants"
)

const messengerGraphBaseURL = "https://graph.facebook.com/v21.0"

// MessengerClient is the part of the Graph API the Messenger connector uses
type MessengerClient interface {
	GetUserProfile(ctx context.Context, psid string) (*MessengerProfile, error)
	SendText(ctx context.Context, psid, text string) error
}

// MessengerProfile is the user profile returned for a page-scoped id
type MessengerProfile struct {
	ID         string `json:"id"`
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	ProfilePic string `json:"profile_pic,omitempty"`
	Locale     string `json:"locale,omitempty"`
}

// graphError is the error envelope of Graph API responses
type graphError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// graphClient implements MessengerClient with plain HTTP calls
type graphClient struct {
	baseURL     string
	accessToken string
	client      *http.Client
}

// NewMessengerGraphClient creates a Graph API client for a page access token.
// An empty baseURL selects the public Graph endpoint and a nil httpClient a
// client with the default timeout.
func NewMessengerGraphClient(accessToken, baseURL string, httpClient *http.Client) MessengerClient {
	if baseURL == "" {
		baseURL = messengerGraphBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: constants.DefaultHTTPTimeout}
	}
	return &graphClient{
		baseURL:     baseURL,
		accessToken: accessToken,
		client:      httpClient,
	}
}

func (c *graphClient) GetUserProfile(ctx context.Context, psid string) (*MessengerProfile, error) {
	endpoint := fmt.Sprintf("%s/%s?fields=%s", c.baseURL, url.PathEscape(psid), url.QueryEscape("first_name,last_name,profile_pic,locale"))

	var profile MessengerProfile
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &profile); err != nil {
		return nil, fmt.Errorf("failed to get user profile %s: %w", psid, err)
	}
	if profile.ID == "" {
		profile.ID = psid
	}
	return &profile, nil
}

func (c *graphClient) SendText(ctx context.Context, psid, text string) error {
	body := map[string]any{
		"recipient":      map[string]string{"id": psid},
		"messaging_type": "RESPONSE",
		"message":        map[string]string{"text": text},
	}
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/me/messages", body, nil); err != nil {
		return fmt.Errorf("failed to send message to %s: %w", psid, err)
	}
	return nil
}

func (c *graphClient) do(ctx context.Context, method, endpoint string, in, out any) error {
	var reader io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr graphError
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error.Message != "" {
			return fmt.Errorf("graph API error (status %d, code %d): %s", resp.StatusCode, apiErr.Error.Code, apiErr.Error.Message)
		}
		return fmt.Errorf("graph API error (status %d)", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
