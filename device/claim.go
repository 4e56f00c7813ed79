package device

import (
	"fmt"
	"sync"
)

// claims is the process-wide set of held keys: the id of every live
// Channel and the location of every open Source. A physical QRNG must
// never be driven by two handles at once.
var claims = struct {
	sync.Mutex
	held map[string]struct{}
}{held: make(map[string]struct{})}

func idKey(id string) string { return "id " + id }

func locationKey(loc string) string { return "at " + loc }

func claim(key string) error {
	claims.Lock()
	defer claims.Unlock()
	if _, ok := claims.held[key]; ok {
		return fmt.Errorf("claim %s: %w", key, ErrInUse)
	}
	claims.held[key] = struct{}{}
	return nil
}

func release(key string) {
	claims.Lock()
	delete(claims.held, key)
	claims.Unlock()
}
