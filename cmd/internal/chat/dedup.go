package chat

import (
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// DedupKey returns the canonical identity digest of a chat.
//
//   - simple: the sorted participant pair
//   - group: the trimmed name
//   - broadcast: the sorted admin set, or the sorted participants when no admins are given
//
// The store keeps dedup keys unique, so two requests with the same key always resolve to one chat.
func DedupKey(t ChatType, name string, participants, admins []string) string {
	var parts []string
	switch t {
	case TypeSimple:
		parts = normalizeIDs(participants)
	case TypeGroup:
		parts = []string{strings.TrimSpace(name)}
	case TypeBroadcast:
		parts = normalizeIDs(admins)
		if len(parts) == 0 {
			parts = normalizeIDs(participants)
		}
	}

	h, _ := blake2b.New256(nil)
	h.Write([]byte(t))
	for _, p := range parts {
		// NUL cannot appear in a valid id or name, so the encoding is unambiguous.
		h.Write([]byte{0})
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// SystemChatKey returns the dedup key of the 1:1 chat between userID and botID.
func SystemChatKey(userID, botID string) string {
	return DedupKey(TypeSimple, "", []string{userID, botID}, nil)
}
