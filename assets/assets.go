// Package assets provides the assets for the sitemount program.
package assets

import _ "embed"

// Logo is a byte slice containing the program logo (SVG).
//
//go:embed sitemount.svg
var Logo []byte
