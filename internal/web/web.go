// Package web holds the embedded assets served by the redirect engine.
package web

import (
	"embed"
	"html/template"
)

//go:embed interstitial.html
var FS embed.FS

// Interstitial is the lead-capture form served instead of a redirect.
var Interstitial = template.Must(template.ParseFS(FS, "interstitial.html"))
