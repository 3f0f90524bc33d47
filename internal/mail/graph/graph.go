// Package graph is a minimal Microsoft Graph mail client covering the two
// operations the gateway needs: listing folder messages and deleting one.
package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/nimbusmail/oauth-mail-gateway/internal/httpclient"
	"github.com/nimbusmail/oauth-mail-gateway/internal/util"
)

// Client talks to the Graph REST API on behalf of one bearer token at a time.
type Client struct {
	baseURL   string
	newClient func(httpclient.Config) (*http.Client, error)
}

// NewClient creates a Graph client rooted at baseURL
// (e.g. https://graph.microsoft.com/v1.0).
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		newClient: httpclient.New,
	}
}

// FolderPath maps a caller-facing folder name onto Graph's well-known folder
// ids. Anything that is not the junk folder reads from the inbox.
func FolderPath(folder string) string {
	if strings.EqualFold(folder, "junk") {
		return "junkemail"
	}
	return "inbox"
}

// Address is a Graph emailAddress object.
type Address struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// Item is a Graph message resource, trimmed to the fields the gateway
// normalizes.
type Item struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	From    struct {
		EmailAddress Address `json:"emailAddress"`
	} `json:"from"`
	Body struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
	BodyPreview      string `json:"bodyPreview"`
	ReceivedDateTime string `json:"receivedDateTime"`
}

type listResponse struct {
	Value []Item `json:"value"`
}

// ListMessages fetches up to top messages from the given folder, newest
// first (Graph's default ordering).
func (c *Client) ListMessages(ctx context.Context, accessToken, folder string, top int, proxy httpclient.Config) ([]Item, error) {
	endpoint := fmt.Sprintf("%s/me/mailFolders/%s/messages?%s",
		c.baseURL, FolderPath(folder), url.Values{"$top": {fmt.Sprint(top)}}.Encode())

	var parsed listResponse
	if err := c.getJSON(ctx, accessToken, endpoint, proxy, &parsed); err != nil {
		return nil, err
	}
	return parsed.Value, nil
}

// ListMessageIDs fetches only message ids, for bulk deletion.
func (c *Client) ListMessageIDs(ctx context.Context, accessToken, folder string, top int, proxy httpclient.Config) ([]string, error) {
	endpoint := fmt.Sprintf("%s/me/mailFolders/%s/messages?%s",
		c.baseURL, FolderPath(folder), url.Values{"$top": {fmt.Sprint(top)}, "$select": {"id"}}.Encode())

	var parsed listResponse
	if err := c.getJSON(ctx, accessToken, endpoint, proxy, &parsed); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(parsed.Value))
	for _, item := range parsed.Value {
		ids = append(ids, item.ID)
	}
	return ids, nil
}

// DeleteMessage removes a single message by id.
func (c *Client) DeleteMessage(ctx context.Context, accessToken, id string, proxy httpclient.Config) error {
	httpClient, err := c.newClient(proxy)
	if err != nil {
		return err
	}

	endpoint := c.baseURL + "/me/messages/" + url.PathEscape(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return &StatusError{StatusCode: resp.StatusCode, Body: util.TruncateBytes(body)}
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, accessToken, endpoint string, proxy httpclient.Config, out any) error {
	httpClient, err := c.newClient(proxy)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode, Body: util.TruncateBytes(body)}
	}
	return json.Unmarshal(body, out)
}

// StatusError is a non-2xx Graph response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("graph api returned %d: %s", e.StatusCode, e.Body)
}
