package encumbrance

import (
	"context"
	"sync"

	id "collateraloracle/pkg/domain"
)

// Unlock releases a per-asset lock. Calling it more than once is harmless.
type Unlock func()

// Locker serialises encumbrance writes per asset. Lock blocks until the
// asset is free or ctx is done.
type Locker interface {
	Lock(ctx context.Context, assetID id.AssetID) (Unlock, error)
}

// MemoryLocker is a keyed mutex for a single process. Entries are dropped
// once nobody holds or waits for them.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[id.AssetID]*assetLock
}

type assetLock struct {
	slot chan struct{}
	refs int
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[id.AssetID]*assetLock)}
}

func (l *MemoryLocker) Lock(ctx context.Context, assetID id.AssetID) (Unlock, error) {
	l.mu.Lock()
	al, ok := l.locks[assetID]
	if !ok {
		al = &assetLock{slot: make(chan struct{}, 1)}
		l.locks[assetID] = al
	}
	al.refs++
	l.mu.Unlock()

	select {
	case al.slot <- struct{}{}:
	case <-ctx.Done():
		l.release(assetID, al)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-al.slot
			l.release(assetID, al)
		})
	}, nil
}

func (l *MemoryLocker) release(assetID id.AssetID, al *assetLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	al.refs--
	if al.refs == 0 {
		delete(l.locks, assetID)
	}
}

// Len returns the number of assets currently locked or awaited.
func (l *MemoryLocker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
