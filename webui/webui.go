// Package webui embeds the browser page that drives a session clock.
package webui

import (
	_ "embed"
)

//go:embed timedrive.html
var page []byte

// Page returns the UI page. Callers must not modify the slice.
func Page() []byte {
	return page
}
