package authkit

import (
	"sync"
	"time"
)

type stubClock struct {
	mutex   sync.Mutex
	current time.Time
}

func newStubClock(start time.Time) *stubClock {
	return &stubClock{current: start}
}

func (clock *stubClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.current
}

func (clock *stubClock) Advance(delta time.Duration) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.current = clock.current.Add(delta)
}

func testSecrets() SecretMaterial {
	return SecretMaterial{
		Issuer:     "contactsauth-test",
		AccessKey:  []byte("access-signing-key"),
		RefreshKey: []byte("refresh-signing-key"),
		PurposeKey: []byte("purpose-signing-key"),
	}
}

func testTTLs() TokenTTLs {
	return TokenTTLs{
		Access:  15 * time.Minute,
		Refresh: 7 * 24 * time.Hour,
		Purpose: 24 * time.Hour,
	}
}
