// Package transform normalizes raw profile records into storage records.
package transform

import (
	"strings"

	"github.com/mixstream/engage-export/pkg/engage"
)

// Record is one normalized profile row ready for storage.
type Record struct {
	// DistinctID identifies the profile.
	DistinctID string

	// Properties are the profile's properties with the provider's "$"
	// prefix stripped from reserved keys.
	Properties map[string]any
}

// Profile maps one raw remote record to one normalized storage record.
// Pure and stateless; safe to call from any number of goroutines.
func Profile(raw engage.RawProfile) Record {
	props := make(map[string]any, len(raw.Properties))
	for key, value := range raw.Properties {
		props[normalizeKey(key)] = value
	}

	return Record{
		DistinctID: raw.DistinctID,
		Properties: props,
	}
}

// Profiles maps a page of raw records, preserving order.
func Profiles(raw []engage.RawProfile) []Record {
	records := make([]Record, 0, len(raw))
	for _, profile := range raw {
		records = append(records, Profile(profile))
	}
	return records
}

// normalizeKey strips the provider's "$" prefix from reserved property
// names ($name, $email, $last_seen, ...). User-defined keys pass through.
func normalizeKey(key string) string {
	return strings.TrimPrefix(key, "$")
}
