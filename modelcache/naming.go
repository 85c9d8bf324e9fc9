package modelcache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const tmpDirName = ".tmp"

func safeRune(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') ||
		r == '.' || r == '-' || r == '_'
}

// fileName maps a blob key onto a single file name under the cache root. Slashes
// become "__" and other unsafe runes become "_". When that mapping could collide
// with another key, a short hash of the original key is appended.
func fileName(key string) string {
	var b strings.Builder
	lossy := key == "" || strings.HasPrefix(key, ".") ||
		strings.Contains(key, "__") || strings.Contains(key, "_/") || strings.Contains(key, "/_")
	for _, r := range key {
		switch {
		case r == '/':
			b.WriteString("__")
		case safeRune(r):
			b.WriteRune(r)
		default:
			b.WriteByte('_')
			lossy = true
		}
	}
	name := b.String()
	if lossy {
		sum := sha256.Sum256([]byte(key))
		name = strings.TrimLeft(name, ".") + "~" + hex.EncodeToString(sum[:])[:12]
	}
	return name
}

// keyOf reverses fileName for names produced without a hash suffix
func keyOf(name string) string {
	if strings.Contains(name, "~") {
		return name
	}
	return strings.ReplaceAll(name, "__", "/")
}
