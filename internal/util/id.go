package util

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

func NewID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

// BatchIDs returns n item ids sharing one UUID-derived batch prefix, in the
// form "<8 hex>-<index>".
func BatchIDs(n int) []string {
	batch := uuid.NewString()[:8]
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("%s-%d", batch, i)
	}
	return ids
}
