package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultBaseURL is the Graph API root used for Cloud API sends.
const DefaultBaseURL = "https://graph.facebook.com/v18.0"

// SendResult describes an accepted outbound message.
type SendResult struct {
	To        string `json:"to"`
	MessageID string `json:"message_id"`
}

// Client posts text messages to the Cloud API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type sendRequest struct {
	MessagingProduct string `json:"messaging_product"`
	To               string `json:"to"`
	Type             string `json:"type"`
	Text             struct {
		Body string `json:"body"`
	} `json:"text"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// SendText delivers body to the phone number to.
func (c *Client) SendText(ctx context.Context, token, phoneNumberID, to, body string) (SendResult, error) {
	if token == "" || phoneNumberID == "" {
		return SendResult{}, fmt.Errorf("whatsapp credentials are not configured")
	}

	in := sendRequest{MessagingProduct: "whatsapp", To: to, Type: "text"}
	in.Text.Body = body
	data, err := json.Marshal(in)
	if err != nil {
		return SendResult{}, err
	}

	url := fmt.Sprintf("%s/%s/messages", c.baseURL, phoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return SendResult{}, fmt.Errorf("creating send request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return SendResult{}, fmt.Errorf("sending message: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return SendResult{}, fmt.Errorf("reading send response: %w", err)
	}
	var out sendResponse
	_ = json.Unmarshal(raw, &out)

	if resp.StatusCode/100 != 2 {
		if out.Error != nil && out.Error.Message != "" {
			return SendResult{}, fmt.Errorf("whatsapp api error %d (%s): %s", resp.StatusCode, out.Error.Type, out.Error.Message)
		}
		return SendResult{}, fmt.Errorf("whatsapp api: unexpected status %d", resp.StatusCode)
	}

	res := SendResult{To: to}
	if len(out.Messages) > 0 {
		res.MessageID = out.Messages[0].ID
	}
	return res, nil
}
