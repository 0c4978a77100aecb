package session

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

// Registry tracks live sessions, typically the ones accepted by a listener.
// Sessions are removed automatically once disconnected.
type Registry struct {
	sessions *xsync.MapOf[uuid.UUID, *Session]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: xsync.NewMapOf[uuid.UUID, *Session]()}
}

// Add registers s until its disconnect future resolves.
func (r *Registry) Add(s *Session) {
	r.sessions.Store(s.ID(), s)
	s.DisconnectFuture().OnComplete(func(*Future) {
		r.sessions.Delete(s.ID())
	})
}

// Remove unregisters the session with the given id.
func (r *Registry) Remove(id uuid.UUID) {
	r.sessions.Delete(id)
}

// Get returns the session with the given id.
func (r *Registry) Get(id uuid.UUID) (*Session, bool) {
	return r.sessions.Load(id)
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	return r.sessions.Size()
}

// Range calls fn for each registered session until fn returns false.
func (r *Registry) Range(fn func(s *Session) bool) {
	r.sessions.Range(func(_ uuid.UUID, s *Session) bool {
		return fn(s)
	})
}

// CloseAll closes every registered session and waits for their disconnect futures or ctx.
func (r *Registry) CloseAll(ctx context.Context) error {
	futures := make([]*Future, 0, r.Len())
	r.Range(func(s *Session) bool {
		futures = append(futures, s.CloseAsync())
		return true
	})

	var errs []error
	for _, f := range futures {
		if err := f.Wait(ctx); err != nil && !errors.Is(err, ErrSessionClosed) {
			errs = append(errs, err)
			if ctx.Err() != nil {
				break
			}
		}
	}

	return errors.Join(errs...)
}
