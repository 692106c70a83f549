// Package web embeds the browser push agent served under
// /static/push-notifications/.
package web

import (
	"embed"
	"io/fs"
)

//go:embed static
var staticFS embed.FS

// Static returns the agent assets rooted at the static directory.
func Static() (fs.FS, error) {
	return fs.Sub(staticFS, "static")
}
