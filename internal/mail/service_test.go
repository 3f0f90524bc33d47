package mail

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/nimbusmail/oauth-mail-gateway/internal/accounts"
	"github.com/nimbusmail/oauth-mail-gateway/internal/cache"
	"github.com/nimbusmail/oauth-mail-gateway/internal/httpclient"
	"github.com/nimbusmail/oauth-mail-gateway/internal/mail/graph"
	"github.com/nimbusmail/oauth-mail-gateway/internal/mail/imapmail"
	"github.com/nimbusmail/oauth-mail-gateway/internal/mail/token"
)

type fakeGraph struct {
	mu          sync.Mutex
	items       []graph.Item
	listErr     error
	listCalls   int
	pages       [][]string
	pageIdx     int
	idCalls     int
	pageErr     error
	deleteErr   error
	deleted     []string
	inFlight    int
	maxInFlight int
}

func (f *fakeGraph) ListMessages(_ context.Context, _, _ string, _ int, _ httpclient.Config) ([]graph.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.items, nil
}

func (f *fakeGraph) ListMessageIDs(_ context.Context, _, _ string, _ int, _ httpclient.Config) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.idCalls++
	if f.pageErr != nil && f.pageIdx == len(f.pages) {
		return nil, f.pageErr
	}
	if f.pageIdx >= len(f.pages) {
		return nil, nil
	}
	page := f.pages[f.pageIdx]
	f.pageIdx++
	return page, nil
}

func (f *fakeGraph) DeleteMessage(_ context.Context, _, id string, _ httpclient.Config) error {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.mu.Lock()
	f.deleted = append(f.deleted, id)
	f.mu.Unlock()
	return nil
}

type fakeIMAP struct {
	mu       sync.Mutex
	messages []imapmail.FetchedMessage
	err      error
	calls    int
	gotToken string
	gotLimit int
}

func (f *fakeIMAP) Fetch(_, accessToken, _ string, limit int) ([]imapmail.FetchedMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.gotToken = accessToken
	f.gotLimit = limit
	return f.messages, f.err
}

// scopedTokenServer fakes the provider token endpoint; scope is echoed back
// verbatim in the grant response.
func scopedTokenServer(t *testing.T, scope string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at-test","token_type":"Bearer","expires_in":3600,"scope":"` + scope + `"}`))
	}))
}

func serviceCreds() *accounts.Credentials {
	return &accounts.Credentials{AccountID: 7, Address: "box@outlook.com", ClientID: "cid", RefreshToken: "rt"}
}

func TestGetMessagesGraphPath(t *testing.T) {
	srv := scopedTokenServer(t, token.MailReadScope)
	defer srv.Close()

	g := &fakeGraph{items: []graph.Item{
		{ID: "m1", Subject: "hello", ReceivedDateTime: "2026-08-01T10:00:00Z"},
	}}
	g.items[0].From.EmailAddress.Address = "sender@example.com"
	g.items[0].Body.ContentType = "html"
	g.items[0].Body.Content = "<p>hi</p>"
	g.items[0].BodyPreview = "hi"

	imapSrc := &fakeIMAP{}
	svc := NewService(token.NewManager(cache.NewMemoryStore(), srv.URL), g, imapSrc)

	result, err := svc.GetMessages(context.Background(), serviceCreds(), FetchOptions{Folder: "inbox", Limit: 5})
	if err != nil {
		t.Fatalf("GetMessages error: %v", err)
	}
	if result.Method != MethodGraph {
		t.Errorf("method = %q, want %q", result.Method, MethodGraph)
	}
	if result.Count != 1 || len(result.Messages) != 1 {
		t.Fatalf("count = %d, messages = %d", result.Count, len(result.Messages))
	}
	msg := result.Messages[0]
	if msg.ID != "m1" || msg.From != "sender@example.com" || msg.HTML != "<p>hi</p>" || msg.Text != "hi" {
		t.Errorf("unexpected message: %+v", msg)
	}
	if imapSrc.calls != 0 {
		t.Errorf("IMAP source called %d times on the Graph path", imapSrc.calls)
	}
}

func TestGetMessagesIMAPFallbackWithoutScope(t *testing.T) {
	// Token endpoint never grants Mail.Read, so Graph must stay untouched.
	srv := scopedTokenServer(t, "https://graph.microsoft.com/User.Read")
	defer srv.Close()

	g := &fakeGraph{items: []graph.Item{{ID: "should-not-appear"}}}
	imapSrc := &fakeIMAP{messages: []imapmail.FetchedMessage{
		{ID: "imap_1_0", From: "a@b.c", Subject: "via imap", Text: "body"},
	}}
	svc := NewService(token.NewManager(cache.NewMemoryStore(), srv.URL), g, imapSrc)

	result, err := svc.GetMessages(context.Background(), serviceCreds(), FetchOptions{Folder: "inbox"})
	if err != nil {
		t.Fatalf("GetMessages error: %v", err)
	}
	if result.Method != MethodIMAP {
		t.Errorf("method = %q, want %q", result.Method, MethodIMAP)
	}
	if g.listCalls != 0 {
		t.Errorf("Graph listed %d times despite missing mail scope", g.listCalls)
	}
	if imapSrc.gotToken != "at-test" {
		t.Errorf("IMAP token = %q", imapSrc.gotToken)
	}
	if imapSrc.gotLimit != DefaultLimit {
		t.Errorf("default limit = %d, want %d", imapSrc.gotLimit, DefaultLimit)
	}
	if result.Count != 1 || result.Messages[0].Subject != "via imap" {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestGetMessagesGraphErrorFallsBack(t *testing.T) {
	srv := scopedTokenServer(t, token.MailReadScope)
	defer srv.Close()

	g := &fakeGraph{listErr: errors.New("503 from graph")}
	imapSrc := &fakeIMAP{messages: []imapmail.FetchedMessage{{ID: "imap_2_0", Subject: "fallback"}}}
	svc := NewService(token.NewManager(cache.NewMemoryStore(), srv.URL), g, imapSrc)

	result, err := svc.GetMessages(context.Background(), serviceCreds(), FetchOptions{})
	if err != nil {
		t.Fatalf("GetMessages error: %v", err)
	}
	if g.listCalls != 1 {
		t.Errorf("graph calls = %d, want 1", g.listCalls)
	}
	if result.Method != MethodIMAP || result.Messages[0].Subject != "fallback" {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestGetMessagesTokenAcquisitionFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	svc := NewService(token.NewManager(cache.NewMemoryStore(), srv.URL), &fakeGraph{}, &fakeIMAP{})
	_, err := svc.GetMessages(context.Background(), serviceCreds(), FetchOptions{})
	if !errors.Is(err, ErrTokenAcquisition) {
		t.Errorf("err = %v, want ErrTokenAcquisition", err)
	}
}

func TestGetMessagesEmptyMailbox(t *testing.T) {
	srv := scopedTokenServer(t, token.MailReadScope)
	defer srv.Close()

	svc := NewService(token.NewManager(cache.NewMemoryStore(), srv.URL), &fakeGraph{}, &fakeIMAP{})
	result, err := svc.GetMessages(context.Background(), serviceCreds(), FetchOptions{})
	if err != nil {
		t.Fatalf("GetMessages error: %v", err)
	}
	if result.Count != 0 || len(result.Messages) != 0 {
		t.Errorf("expected empty result, got %+v", result)
	}
}
