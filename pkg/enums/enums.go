// Package enums holds the string enums persisted in Postgres columns and
// carried on outbox envelopes.
package enums

import (
	"fmt"
	"slices"
)

func parse[T ~string](kind string, known []T, value string) (T, error) {
	if i := slices.Index(known, T(value)); i >= 0 {
		return known[i], nil
	}
	return "", fmt.Errorf("invalid %s %q", kind, value)
}
