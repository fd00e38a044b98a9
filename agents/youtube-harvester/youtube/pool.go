package youtube

import (
	"errors"
	"fmt"
	"log"
	"sync"
)

// ErrPoolExhausted is returned once every developer key in the pool has been
// rejected by the API. The operator has to supply more keys.
var ErrPoolExhausted = errors.New("all developer keys are exhausted")

// Credential is a developer key together with its position in the pool
type Credential struct {
	Index int
	Key   string
}

// String masks the key so it can be logged safely
func (c Credential) String() string {
	return fmt.Sprintf("#%d (%s)", c.Index, maskKey(c.Key))
}

// CredentialPool hands out developer keys in order and remembers which ones
// the API has rejected. An exhausted key is never handed out again until the
// pool is Reset.
type CredentialPool struct {
	mu        sync.Mutex
	keys      []string
	exhausted []bool
	current   int
}

func NewCredentialPool(keys []string) *CredentialPool {
	owned := make([]string, len(keys))
	copy(owned, keys)

	return &CredentialPool{
		keys:      owned,
		exhausted: make([]bool, len(owned)),
	}
}

// Len returns the number of keys in the pool, exhausted or not
func (p *CredentialPool) Len() int {
	return len(p.keys)
}

// Remaining returns the number of keys that have not been exhausted
func (p *CredentialPool) Remaining() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	remaining := 0
	for _, ex := range p.exhausted {
		if !ex {
			remaining++
		}
	}
	return remaining
}

// Current returns the key in use, or ErrPoolExhausted when none remain
func (p *CredentialPool) Current() (Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current >= len(p.keys) {
		return Credential{}, ErrPoolExhausted
	}
	return Credential{Index: p.current, Key: p.keys[p.current]}, nil
}

// MarkExhausted flags c as unusable and moves the pool on to the next usable
// key. Marking the same credential twice is a no-op.
func (p *CredentialPool) MarkExhausted(c Credential) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c.Index < 0 || c.Index >= len(p.keys) || p.exhausted[c.Index] {
		return
	}
	p.exhausted[c.Index] = true

	if c.Index != p.current {
		return
	}
	for p.current < len(p.keys) && p.exhausted[p.current] {
		p.current++
	}

	if p.current >= len(p.keys) {
		log.Printf("Developer key %s exhausted, no keys left", c)
	} else {
		log.Printf("Developer key %s exhausted, switching to key #%d", c, p.current)
	}
}

// Reset re-arms every key and points the pool back at the first one
func (p *CredentialPool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.exhausted {
		p.exhausted[i] = false
	}
	p.current = 0
}

func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}
