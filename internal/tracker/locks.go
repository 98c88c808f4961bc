package tracker

import "sync"

type lockEntry struct {
	mutex sync.Mutex
	refs  int
}

// keyedMutex hands out one mutex per key and forgets it when nobody holds
// or waits for it.
type keyedMutex struct {
	mutex sync.Mutex
	locks map[string]*lockEntry
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*lockEntry)}
}

func (k *keyedMutex) Lock(key string) func() {
	k.mutex.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &lockEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mutex.Unlock()

	e.mutex.Lock()

	return func() {
		e.mutex.Unlock()

		k.mutex.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mutex.Unlock()
	}
}

func (k *keyedMutex) size() int {
	k.mutex.Lock()
	defer k.mutex.Unlock()
	return len(k.locks)
}
