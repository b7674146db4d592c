package session

import (
	"strings"
	"sync"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// External identifier contract, dictated by the downstream consumer's
// validator: exactly 21 characters over [A-Za-z0-9_-], never containing a
// dot, so tokens are distinguishable from dotted file names and from the
// longer identifier formats used elsewhere at the boundary.
const (
	ExternalIDLength   = 21
	externalIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789_-"
)

// NewExternalID generates a fresh external identifier.
func NewExternalID() string {
	return gonanoid.MustGenerate(externalIDAlphabet, ExternalIDLength)
}

// IsExternalID reports whether s has the exact external identifier shape.
func IsExternalID(s string) bool {
	if len(s) != ExternalIDLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !strings.ContainsRune(externalIDAlphabet, rune(s[i])) {
			return false
		}
	}
	return true
}

// NewSessionKey mints an internal session key for clients that supplied none.
func NewSessionKey() string {
	return uuid.New().String()
}

// SanitizeKey strips every character outside [A-Za-z0-9_-] from a
// client-supplied session key. The key names a container, a label value,
// and a host directory, so nothing path- or shell-significant may survive.
func SanitizeKey(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
			b.WriteByte(c)
		}
	}
	return b.String()
}

// AliasTable is the bidirectional mapping between external session
// identifiers and internal session keys. The internal key may be any
// sanitized client-supplied value; the alias always satisfies the external
// identifier contract and is the only form the boundary emits.
//
// Entries for reaper-expired sessions are kept so a returning client's
// alias still names the same key and transparently re-provisions; explicit
// termination drops the entry via Drop.
type AliasTable struct {
	mu      sync.Mutex
	byAlias map[string]string
	byKey   map[string]string
}

// NewAliasTable creates an empty AliasTable.
func NewAliasTable() *AliasTable {
	return &AliasTable{
		byAlias: make(map[string]string),
		byKey:   make(map[string]string),
	}
}

// EnsureAlias returns the external alias for the internal key, minting one
// on first use.
func (a *AliasTable) EnsureAlias(key string) string {
	a.mu.Lock()
	defer a.mu.Unlock()

	if alias, ok := a.byKey[key]; ok {
		return alias
	}
	alias := NewExternalID()
	a.byKey[key] = alias
	a.byAlias[alias] = key
	return alias
}

// Drop removes the mapping for an internal key, if any. Called when a
// session is explicitly terminated so the table does not accumulate
// entries for keys that will never be used again.
func (a *AliasTable) Drop(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if alias, ok := a.byKey[key]; ok {
		delete(a.byAlias, alias)
		delete(a.byKey, key)
	}
}

// ResolveAlias returns the internal key behind an external alias.
func (a *AliasTable) ResolveAlias(alias string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key, ok := a.byAlias[alias]
	return key, ok
}
