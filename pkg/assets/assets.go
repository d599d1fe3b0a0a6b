// Package assets holds data baked into the binary.
package assets

import (
	"embed"
	"strings"
)

//go:embed banner.txt
var fs embed.FS

// Banner returns the default greeting shown to clients during the SSH
// handshake, with line endings suitable for a raw terminal.
func Banner() string {
	data, _ := fs.ReadFile("banner.txt")
	return strings.ReplaceAll(string(data), "\n", "\r\n")
}
