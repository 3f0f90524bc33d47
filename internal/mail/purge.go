package mail

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/nimbusmail/oauth-mail-gateway/internal/accounts"
)

const (
	purgeMaxPages  = 10
	purgePageSize  = 500
	purgeChunkSize = 10
)

// PurgeMailbox deletes every message in the folder, page by page. Pages are
// processed sequentially; deletes inside a page run in chunks of at most ten
// concurrent requests, and a chunk must finish before the next one starts.
// Individual delete failures are logged and skipped; a page listing failure
// ends the purge with the partial count. A non-nil error means no token
// could be obtained and nothing was attempted.
func (s *Service) PurgeMailbox(ctx context.Context, creds *accounts.Credentials, opts PurgeOptions) (*PurgeResult, error) {
	mailToken := s.tokens.GetMailToken(ctx, creds, opts.Proxy)
	if mailToken == nil {
		return nil, fmt.Errorf("%w for %s", ErrTokenAcquisition, creds.Address)
	}

	var deleted atomic.Int64
	for page := 0; page < purgeMaxPages; page++ {
		ids, err := s.graph.ListMessageIDs(ctx, mailToken.AccessToken, opts.Folder, purgePageSize, opts.Proxy)
		if err != nil {
			log.Printf("⚠️ purge listing failed for %s on page %d: %v", creds.Address, page+1, err)
			return &PurgeResult{
				Message:      fmt.Sprintf("purge aborted after %d deletions: %v", deleted.Load(), err),
				Status:       "error",
				DeletedCount: int(deleted.Load()),
			}, nil
		}
		if len(ids) == 0 {
			break
		}

		for start := 0; start < len(ids); start += purgeChunkSize {
			end := start + purgeChunkSize
			if end > len(ids) {
				end = len(ids)
			}
			g, gctx := errgroup.WithContext(ctx)
			for _, id := range ids[start:end] {
				id := id
				g.Go(func() error {
					if err := s.graph.DeleteMessage(gctx, mailToken.AccessToken, id, opts.Proxy); err != nil {
						log.Printf("delete failed for message in %s: %v", creds.Address, err)
						return nil
					}
					deleted.Add(1)
					return nil
				})
			}
			g.Wait()
		}

		// A short page means the folder is drained; skip the empty fetch.
		if len(ids) < purgePageSize {
			break
		}
	}

	return &PurgeResult{
		Message:      fmt.Sprintf("deleted %d messages from %s", deleted.Load(), creds.Address),
		Status:       "success",
		DeletedCount: int(deleted.Load()),
	}, nil
}
