// Package mail retrieves and purges mailbox content for pool accounts. It
// routes between the Graph REST path and the IMAP fallback based on the
// scopes granted to the account's refresh token.
package mail

import "github.com/nimbusmail/oauth-mail-gateway/internal/httpclient"

// Retrieval methods reported in FetchResult.
const (
	MethodGraph = "graph_api"
	MethodIMAP  = "imap"
)

// DefaultLimit caps a fetch when the caller does not ask for one.
const DefaultLimit = 100

// Message is a normalized mailbox message. IDs from the IMAP path are
// synthetic and not durable across calls.
type Message struct {
	ID      string `json:"id"`
	From    string `json:"from"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
	HTML    string `json:"html"`
	Date    string `json:"date"`
}

// FetchOptions tunes a retrieval call.
type FetchOptions struct {
	Folder string
	Limit  int
	Proxy  httpclient.Config
}

// FetchResult is the outcome of one retrieval call.
type FetchResult struct {
	Address  string    `json:"email"`
	Folder   string    `json:"folder"`
	Count    int       `json:"count"`
	Messages []Message `json:"messages"`
	Method   string    `json:"method"`
}

// PurgeOptions tunes a purge call.
type PurgeOptions struct {
	Folder string
	Proxy  httpclient.Config
}

// PurgeResult is the outcome of a mailbox purge. Status is "success" or
// "error"; DeletedCount is valid either way (partial progress on error).
type PurgeResult struct {
	Message      string `json:"message"`
	Status       string `json:"status"`
	DeletedCount int    `json:"deletedCount"`
}
