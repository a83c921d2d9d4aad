// Package domain contains entities without logic, just meta-data.
package domain

import "unicode/utf8"

// PeerID is the opaque connection id assigned by the signaling channel.
// Stable for the lifetime of the connection.
type PeerID string

// DefaultDisplayName replaces an absent or blank display name.
const DefaultDisplayName = "guest"

const MaxDisplayNameLen = 36

// DisplayName normalizes a client-supplied name for registration.
// Truncation backs up to a rune start so the result stays valid UTF-8.
func DisplayName(raw string) string {
	if raw == "" {
		return DefaultDisplayName
	}
	if len(raw) <= MaxDisplayNameLen {
		return raw
	}
	cut := MaxDisplayNameLen
	for cut > 0 && !utf8.RuneStart(raw[cut]) {
		cut--
	}
	return raw[:cut]
}
