package redis

import "strings"

// DefaultKeyspace prefixes every key this service writes.
var DefaultKeyspace = Keyspace("sd")

// Keyspace builds colon separated keys under one namespace. Blank segments
// are skipped so "scope" and "scope:" never diverge.
type Keyspace string

func (k Keyspace) Idempotency(scope, id string) string {
	return k.join("idempotency", scope, id)
}

func (k Keyspace) RateLimit(scope string) string {
	return k.join("rate_limit", scope)
}

func (k Keyspace) Lock(name string) string {
	return k.join("lock", name)
}

func (k Keyspace) join(segments ...string) string {
	var b strings.Builder
	b.WriteString(string(k))
	for _, s := range segments {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		b.WriteByte(':')
		b.WriteString(s)
	}
	return b.String()
}
