// Package dashboard holds the status page served by the REST API. The page
// polls the protected /api endpoints with the key the operator enters.
package dashboard

import (
	"embed"
	"io/fs"
)

//go:embed all:dist
var distFS embed.FS

// Files returns the page assets rooted at dist/.
func Files() fs.FS {
	sub, err := fs.Sub(distFS, "dist")
	if err != nil {
		// dist is embedded, so Sub only fails on a broken build
		panic(err)
	}
	return sub
}

// Index returns the page entry point, or false when the build has none.
func Index() ([]byte, bool) {
	data, err := fs.ReadFile(Files(), "index.html")
	if err != nil {
		return nil, false
	}
	return data, true
}
