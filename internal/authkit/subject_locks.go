package authkit

import "sync"

// subjectLocks hands out one RWMutex per subject and forgets it once no
// goroutine holds or waits on it.
type subjectLocks struct {
	mutex sync.Mutex
	locks map[string]*subjectLock
}

type subjectLock struct {
	sync.RWMutex
	references int
}

func newSubjectLocks() *subjectLocks {
	return &subjectLocks{locks: make(map[string]*subjectLock)}
}

func (locks *subjectLocks) acquire(subject string) *subjectLock {
	locks.mutex.Lock()
	defer locks.mutex.Unlock()
	entry := locks.locks[subject]
	if entry == nil {
		entry = &subjectLock{}
		locks.locks[subject] = entry
	}
	entry.references++
	return entry
}

func (locks *subjectLocks) release(subject string, entry *subjectLock) {
	locks.mutex.Lock()
	defer locks.mutex.Unlock()
	entry.references--
	if entry.references == 0 {
		delete(locks.locks, subject)
	}
}

// Lock takes the exclusive lock for subject and returns its release func.
func (locks *subjectLocks) Lock(subject string) func() {
	entry := locks.acquire(subject)
	entry.Lock()
	return func() {
		entry.Unlock()
		locks.release(subject, entry)
	}
}

// RLock takes the shared lock for subject and returns its release func.
func (locks *subjectLocks) RLock(subject string) func() {
	entry := locks.acquire(subject)
	entry.RLock()
	return func() {
		entry.RUnlock()
		locks.release(subject, entry)
	}
}

func (locks *subjectLocks) size() int {
	locks.mutex.Lock()
	defer locks.mutex.Unlock()
	return len(locks.locks)
}
