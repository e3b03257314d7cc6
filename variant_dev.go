//go:build !prod

package csvscope

import "embed"

var webuiFiles embed.FS

func openBrowser(url string) {
	// In dev mode the UI is served separately, so there is nothing to open.
}
