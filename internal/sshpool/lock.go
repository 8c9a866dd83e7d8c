package sshpool

import "context"

// endpointLock is a mutex whose Lock can be abandoned when ctx is done, so a
// cancelled caller never ends up holding it.
type endpointLock chan struct{}

func newEndpointLock() endpointLock {
	return make(endpointLock, 1)
}

func (l endpointLock) Lock(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case l <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l endpointLock) Unlock() {
	<-l
}
