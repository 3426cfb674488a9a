package memory

import (
	"context"
	"sync"
)

// ExamLocker is a process-local keyed lock. Entries are dropped once nobody holds or waits on them.
type ExamLocker struct {
	mu    sync.Mutex
	locks map[int64]*examLock
}

type examLock struct {
	held chan struct{}
	refs int
}

func NewExamLocker() *ExamLocker {
	return &ExamLocker{locks: make(map[int64]*examLock)}
}

func (l *ExamLocker) Lock(ctx context.Context, examID int64) (func(), error) {
	l.mu.Lock()
	lock, ok := l.locks[examID]
	if !ok {
		lock = &examLock{held: make(chan struct{}, 1)}
		l.locks[examID] = lock
	}
	lock.refs++
	l.mu.Unlock()

	select {
	case lock.held <- struct{}{}:
	case <-ctx.Done():
		l.release(examID, lock)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-lock.held
			l.release(examID, lock)
		})
	}, nil
}

func (l *ExamLocker) release(examID int64, lock *examLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock.refs--
	if lock.refs == 0 {
		delete(l.locks, examID)
	}
}
