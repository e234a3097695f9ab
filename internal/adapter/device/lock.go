package device

import (
	"context"
	"sync"

	"github.com/rl1809/smart-fridge/internal/core/domain"
)

// Lock simulates the door lock and its authentication front end.
type Lock struct {
	mu       sync.Mutex
	state    domain.DoorState
	identity domain.Identity
	err      error
}

func NewLock() *Lock {
	return &Lock{
		state:    domain.DoorClosed,
		identity: domain.Identity{UserID: domain.UnknownCustomer, Method: domain.AuthUnknown},
	}
}

// Unlock authenticates a customer and opens the door.
func (l *Lock) Unlock(userID string, method domain.AuthMethod) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.identity = domain.Identity{UserID: userID, Method: method}
	l.state = domain.DoorOpen
}

func (l *Lock) Close() {
	l.mu.Lock()
	l.state = domain.DoorClosed
	l.mu.Unlock()
}

// SetFault makes every read fail with err until cleared with nil.
func (l *Lock) SetFault(err error) {
	l.mu.Lock()
	l.err = err
	l.mu.Unlock()
}

func (l *Lock) DoorStatus(ctx context.Context) (domain.DoorState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return "", l.err
	}
	return l.state, nil
}

func (l *Lock) LastAuth(ctx context.Context) (domain.Identity, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return domain.Identity{}, l.err
	}
	return l.identity, nil
}
