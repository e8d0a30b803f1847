package sessiongraph

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// digest computes the duplicate-detection key for repair(): the
// open question from the design notes is resolved as SHA-256 of
// parent_id || role || canonical-JSON(content). Go's json.Marshal
// already produces a stable byte sequence for a slice (order is
// preserved, unlike map keys), so no extra canonicalization pass is
// needed beyond marshaling the content blocks as they stand.
func digest(parentID *uint64, msg Message) string {
	h := sha256.New()
	if parentID != nil {
		fmt.Fprintf(h, "%d", *parentID)
	} else {
		h.Write([]byte("root"))
	}
	h.Write([]byte{0})
	h.Write([]byte(msg.Role))
	h.Write([]byte{0})
	b, _ := json.Marshal(msg.Content)
	h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}
