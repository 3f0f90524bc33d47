// Package imapmail reads Outlook mailboxes over IMAP with XOAUTH2 bearer
// authentication. It is the fallback path for accounts whose refresh token
// was never consented for the Graph mail scope.
package imapmail

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"

	"github.com/nimbusmail/oauth-mail-gateway/internal/mail/token"
)

type session interface {
	Authenticate(saslClient sasl.Client) error
	Select(mailbox string, options *imap.SelectOptions) selectWaiter
	Search(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter
	Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter
	Logout() commandWaiter
	Close() error
}

type commandWaiter interface{ Wait() error }
type selectWaiter interface {
	Wait() (*imap.SelectData, error)
}
type searchWaiter interface {
	Wait() (*imap.SearchData, error)
}
type fetchWaiter interface {
	Collect() ([]*imapclient.FetchMessageBuffer, error)
}

// FetchedMessage is one parsed IMAP message. The ID is synthesized per call
// and carries no server-side meaning.
type FetchedMessage struct {
	ID      string
	From    string
	Subject string
	Text    string
	HTML    string
	Date    string
}

// Fetcher pulls the newest messages from a mailbox folder.
type Fetcher struct {
	addr        string
	dialTimeout time.Duration
	now         func() time.Time
	newSession  func() (session, error)
}

// NewFetcher creates a fetcher against the given IMAPS host:port.
func NewFetcher(addr string) *Fetcher {
	f := &Fetcher{
		addr:        addr,
		dialTimeout: 10 * time.Second,
		now:         time.Now,
	}
	f.newSession = f.dial
	return f
}

func (f *Fetcher) dial() (session, error) {
	if f.addr == "" {
		return nil, errors.New("imap host not configured")
	}
	opts := &imapclient.Options{Dialer: &net.Dialer{Timeout: f.dialTimeout}}
	client, err := imapclient.DialTLS(f.addr, opts)
	if err != nil {
		return nil, err
	}
	return &sessionWrapper{Client: client}, nil
}

// folderMailbox maps the caller-facing folder name onto Outlook's IMAP
// mailbox names.
func folderMailbox(folder string) string {
	if strings.EqualFold(folder, "junk") {
		return "Junk"
	}
	return "INBOX"
}

// Fetch authenticates as address with the given access token, reads the
// folder, and returns up to limit of its newest messages. Messages whose
// MIME structure cannot be parsed are logged and skipped.
func (f *Fetcher) Fetch(address, accessToken, folder string, limit int) ([]FetchedMessage, error) {
	client, err := f.newSession()
	if err != nil {
		return nil, fmt.Errorf("imap connect: %w", err)
	}
	defer client.Close()

	if err := client.Authenticate(token.NewXOAUTH2Client(address, accessToken)); err != nil {
		return nil, fmt.Errorf("imap auth: %w", err)
	}

	mailbox := folderMailbox(folder)
	if _, err := client.Select(mailbox, &imap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
		return nil, fmt.Errorf("imap select %s: %w", mailbox, err)
	}

	searchData, err := client.Search(&imap.SearchCriteria{}, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("imap search: %w", err)
	}
	seqNums := searchData.AllSeqNums()
	if len(seqNums) == 0 {
		return []FetchedMessage{}, nil
	}

	// Highest sequence numbers are the newest messages.
	if limit > 0 && len(seqNums) > limit {
		seqNums = seqNums[len(seqNums)-limit:]
	}

	fetchOpts := &imap.FetchOptions{
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{{}},
	}
	buffers, err := client.Fetch(imap.SeqSetNum(seqNums...), fetchOpts).Collect()
	if err != nil {
		return nil, fmt.Errorf("imap fetch: %w", err)
	}

	stamp := f.now().UnixMilli()
	messages := make([]FetchedMessage, 0, len(buffers))
	for i, buf := range buffers {
		raw := buf.FindBodySection(&imap.FetchItemBodySection{})
		if raw == nil {
			continue
		}
		msg, err := parseMessage(raw)
		if err != nil {
			log.Printf("⚠️ skipping unparseable message %d in %s: %v", buf.SeqNum, address, err)
			continue
		}
		msg.ID = fmt.Sprintf("imap_%d_%d", stamp, i)
		if msg.Date == "" && !buf.InternalDate.IsZero() {
			msg.Date = buf.InternalDate.UTC().Format(time.RFC3339)
		}
		messages = append(messages, msg)
	}

	if err := client.Logout().Wait(); err != nil {
		log.Printf("imap logout error for %s: %v", address, err)
	}
	return messages, nil
}

// parseMessage extracts sender, subject, date, and the text/html body parts
// from a raw RFC 5322 message.
func parseMessage(raw []byte) (FetchedMessage, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return FetchedMessage{}, err
	}
	defer mr.Close()

	var msg FetchedMessage
	msg.Subject, _ = mr.Header.Subject()
	if date, err := mr.Header.Date(); err == nil && !date.IsZero() {
		msg.Date = date.UTC().Format(time.RFC3339)
	}
	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		msg.From = from[0].Address
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
		header, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := header.ContentType()
		body, readErr := io.ReadAll(part.Body)
		if readErr != nil {
			continue
		}
		switch {
		case strings.HasPrefix(contentType, "text/plain"):
			msg.Text = string(body)
		case strings.HasPrefix(contentType, "text/html"):
			msg.HTML = string(body)
		}
	}
	return msg, nil
}

type sessionWrapper struct{ *imapclient.Client }

func (w *sessionWrapper) Select(mailbox string, options *imap.SelectOptions) selectWaiter {
	return w.Client.Select(mailbox, options)
}
func (w *sessionWrapper) Search(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter {
	return w.Client.Search(criteria, options)
}
func (w *sessionWrapper) Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter {
	return w.Client.Fetch(numSet, options)
}
func (w *sessionWrapper) Logout() commandWaiter { return w.Client.Logout() }
