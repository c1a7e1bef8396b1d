package content

import (
	"context"
	"fmt"
	"io"
	"strings"

	"cas-player/internal/media"

	shell "github.com/ipfs/go-ipfs-api"
	"golang.org/x/time/rate"
)

// IPFSStore reads content through the cat endpoint of an IPFS HTTP API.
type IPFSStore struct {
	sh      *shell.Shell
	limiter *rate.Limiter
}

// NewIPFSStore returns a Store backed by sh. A positive perSecond caps the
// request rate against the node; zero leaves requests unpaced.
func NewIPFSStore(sh *shell.Shell, perSecond float64) *IPFSStore {
	s := &IPFSStore{sh: sh}
	if perSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
	return s
}

// Get implements Store.Get.
func (s *IPFSStore) Get(ctx context.Context, ref media.Ref, path string) ([]byte, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	addr := Address(ref, path)
	rc, err := s.sh.Cat(addr)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("cat %s: %w", addr, ErrNotFound)
		}
		return nil, fmt.Errorf("cat %s: %w", addr, err)
	}

	// Cat takes no context; closing the body unblocks the read on cancel.
	stop := context.AfterFunc(ctx, func() { rc.Close() })
	defer stop()
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("read %s: %w", addr, err)
	}
	return data, nil
}

func isNotFound(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "no link named") || strings.Contains(msg, "not found")
}
