package hash

import (
	"crypto/sha256"
	"fmt"
)

// DnsCompliant hashes the given string and encodes it into base16, which
// only contains characters legal in DNS-1123 names.
func DnsCompliant(str string) string {
	h := sha256.New()
	h.Write([]byte(str))
	return fmt.Sprintf("%x", h.Sum(nil))[:32]
}
