package coordinator

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"sort"
)

// AllowList is the immutable set of reporter credentials, keyed by identity name.
// It is built once at startup and safe for concurrent use.
type AllowList struct {
	entries []allowEntry
}

type allowEntry struct {
	name  string
	token []byte
}

// NewAllowList builds an allow-list from identity name to token.
// Tokens must be non-empty and unique.
func NewAllowList(tokens map[string]string) (*AllowList, error) {
	if len(tokens) == 0 {
		return nil, errors.New("allow-list must contain at least one token")
	}
	names := make([]string, 0, len(tokens))
	for name := range tokens {
		names = append(names, name)
	}
	sort.Strings(names)

	seen := make(map[string]string, len(tokens))
	entries := make([]allowEntry, 0, len(tokens))
	for _, name := range names {
		token := tokens[name]
		if token == "" {
			return nil, fmt.Errorf("token for identity %q is empty", name)
		}
		if other, dup := seen[token]; dup {
			return nil, fmt.Errorf("identities %q and %q share a token", other, name)
		}
		seen[token] = name
		entries = append(entries, allowEntry{name: name, token: []byte(token)})
	}
	return &AllowList{entries: entries}, nil
}

// Identify returns the identity name that owns token.
// Every entry is compared in constant time so timing does not reveal which one matched.
func (a *AllowList) Identify(token string) (string, bool) {
	if a == nil || token == "" {
		return "", false
	}
	candidate := []byte(token)
	name, found := "", false
	for _, e := range a.entries {
		if subtle.ConstantTimeCompare(e.token, candidate) == 1 {
			name, found = e.name, true
		}
	}
	return name, found
}

// Len returns the number of identities.
func (a *AllowList) Len() int {
	if a == nil {
		return 0
	}
	return len(a.entries)
}
