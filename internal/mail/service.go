package mail

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/nimbusmail/oauth-mail-gateway/internal/accounts"
	"github.com/nimbusmail/oauth-mail-gateway/internal/httpclient"
	"github.com/nimbusmail/oauth-mail-gateway/internal/mail/graph"
	"github.com/nimbusmail/oauth-mail-gateway/internal/mail/imapmail"
	"github.com/nimbusmail/oauth-mail-gateway/internal/mail/token"
)

// ErrTokenAcquisition means no usable access token could be obtained for the
// account on any path. The account should be flagged for review.
var ErrTokenAcquisition = errors.New("token acquisition failed")

// GraphClient is the Graph REST surface the service consumes.
type GraphClient interface {
	ListMessages(ctx context.Context, accessToken, folder string, top int, proxy httpclient.Config) ([]graph.Item, error)
	ListMessageIDs(ctx context.Context, accessToken, folder string, top int, proxy httpclient.Config) ([]string, error)
	DeleteMessage(ctx context.Context, accessToken, id string, proxy httpclient.Config) error
}

// IMAPSource is the IMAP fallback surface the service consumes.
type IMAPSource interface {
	Fetch(address, accessToken, folder string, limit int) ([]imapmail.FetchedMessage, error)
}

// Service orchestrates token acquisition, path selection, and message
// normalization.
type Service struct {
	tokens *token.Manager
	graph  GraphClient
	imap   IMAPSource
}

// NewService wires the retrieval service.
func NewService(tokens *token.Manager, graphClient GraphClient, imapSource IMAPSource) *Service {
	return &Service{tokens: tokens, graph: graphClient, imap: imapSource}
}

// GetMessages retrieves up to opts.Limit messages for the account. The Graph
// path is used only when the exchanged token carries the mail-read scope;
// otherwise, or when Graph errors, it falls back to IMAP.
func (s *Service) GetMessages(ctx context.Context, creds *accounts.Credentials, opts FetchOptions) (*FetchResult, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	mailToken := s.tokens.GetMailToken(ctx, creds, opts.Proxy)
	if mailToken != nil && mailToken.HasMailRead {
		items, err := s.graph.ListMessages(ctx, mailToken.AccessToken, opts.Folder, limit, opts.Proxy)
		if err == nil {
			return s.graphResult(creds.Address, opts.Folder, items), nil
		}
		log.Printf("⚠️ Graph retrieval failed for %s, falling back to IMAP: %v", creds.Address, err)
	}

	imapToken, err := s.tokens.GetIMAPToken(ctx, creds, opts.Proxy)
	if err != nil {
		return nil, fmt.Errorf("%w for %s: %v", ErrTokenAcquisition, creds.Address, err)
	}

	fetched, err := s.imap.Fetch(creds.Address, imapToken, opts.Folder, limit)
	if err != nil {
		return nil, err
	}

	messages := make([]Message, 0, len(fetched))
	for _, m := range fetched {
		messages = append(messages, Message(m))
	}
	return &FetchResult{
		Address:  creds.Address,
		Folder:   graph.FolderPath(opts.Folder),
		Count:    len(messages),
		Messages: messages,
		Method:   MethodIMAP,
	}, nil
}

func (s *Service) graphResult(address, folder string, items []graph.Item) *FetchResult {
	messages := make([]Message, 0, len(items))
	for _, item := range items {
		msg := Message{
			ID:      item.ID,
			From:    item.From.EmailAddress.Address,
			Subject: item.Subject,
			Date:    item.ReceivedDateTime,
		}
		if item.Body.ContentType == "html" {
			msg.HTML = item.Body.Content
			msg.Text = item.BodyPreview
		} else {
			msg.Text = item.Body.Content
		}
		messages = append(messages, msg)
	}
	return &FetchResult{
		Address:  address,
		Folder:   graph.FolderPath(folder),
		Count:    len(messages),
		Messages: messages,
		Method:   MethodGraph,
	}
}
