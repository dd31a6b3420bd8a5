package updates

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/netbirdio/ota/client/internal/updates/status"
)

// Result carries either the value of an operation or its error
type Result[T any] struct {
	Value T
	Err   error
}

// Go runs op on its own goroutine. The returned channel delivers exactly one Result and is then closed.
func Go[T any](ctx context.Context, op func(context.Context) (T, error)) <-chan Result[T] {
	ch := make(chan Result[T], 1)
	go func() {
		defer close(ch)
		v, err := op(ctx)
		ch <- Result[T]{Value: v, Err: err}
	}()
	return ch
}

var (
	registryMu sync.Mutex
	registered *Controller
)

// Initialize creates the process-wide Controller on the first call. Later calls return it unchanged.
func Initialize(ctx context.Context, opts Options) *Controller {
	registryMu.Lock()
	defer registryMu.Unlock()

	if registered != nil {
		log.Debugf("updates controller already initialized")
		return registered
	}
	registered = New(ctx, opts)
	return registered
}

// Get returns the Controller created by Initialize
func Get() (*Controller, error) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if registered == nil {
		return nil, status.Errorf(status.NotStarted, "updates controller is not initialized")
	}
	return registered, nil
}
