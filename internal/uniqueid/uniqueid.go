// Package uniqueid implements the ID namespacing scheme that keeps payload
// IDs globally unique after aggregation. Two plugins may legitimately emit
// items with the same raw ID; the aggregated collection must never contain a
// collision, and click/dismiss feedback must be routable back to the owning
// plugin with the raw ID the plugin originally supplied.
package uniqueid

import "strings"

// prefix marks an ID as rewritten by the aggregation engine. Payloads from
// default (built-in) providers are never rewritten.
const prefix = "smartspacer_unique_"

// Encode namespaces a raw plugin-supplied ID by its source package.
func Encode(sourcePackage, rawID string) string {
	return prefix + sourcePackage + "_" + rawID
}

// IsEncoded reports whether the ID carries the uniqueness prefix.
func IsEncoded(id string) bool {
	return strings.HasPrefix(id, prefix)
}

// Decode recovers the (sourcePackage, rawID) pair from an encoded ID.
// Returns ok=false when the ID was never encoded (default provider IDs pass
// through aggregation untouched). The source package segment ends at the
// first underscore after the prefix; package names use dotted notation and
// do not contain underscores.
func Decode(id string) (sourcePackage, rawID string, ok bool) {
	rest, found := strings.CutPrefix(id, prefix)
	if !found {
		return "", "", false
	}
	sourcePackage, rawID, found = strings.Cut(rest, "_")
	if !found {
		return "", "", false
	}
	return sourcePackage, rawID, true
}

// Strip returns the raw plugin-supplied ID for an encoded ID, or the ID
// unchanged when it was never encoded.
func Strip(id string) string {
	if _, rawID, ok := Decode(id); ok {
		return rawID
	}
	return id
}
