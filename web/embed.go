// Package web holds the chat page and its assets.
package web

import "embed"

//go:embed index.html static
var FS embed.FS
