// Package appfs embeds the assets the binaries ship with: SQL migrations and
// email templates.
package appfs

import "embed"

//go:embed migrations templates
var FS embed.FS
