package sshpool

import (
	"context"
	"errors"
	"log"

	"github.com/gluk-w/claworc/scout/internal/endpoints"
	"github.com/gluk-w/claworc/scout/internal/logutil"
)

// AcquireWithRetry calls Acquire and, if it fails, purges whatever is pooled
// for the endpoint and tries exactly once more. Only the second failure is
// returned, as a *ConnectionError naming the endpoint.
func (p *Pool) AcquireWithRetry(ctx context.Context, ep endpoints.Endpoint) (Session, error) {
	sess, err := p.Acquire(ctx, ep)
	if err == nil {
		return sess, nil
	}
	log.Printf("[sshpool] acquire %s failed, retrying once: %v", logutil.SanitizeForLog(ep.Name), err)

	p.Remove(ep.Name)

	sess, err = p.Acquire(ctx, ep)
	if err == nil {
		return sess, nil
	}

	cause := err
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		cause = connErr.Err
	}
	return nil, &ConnectionError{Endpoint: ep.Name, Err: cause}
}
