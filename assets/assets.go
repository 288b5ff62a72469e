// Package assets embeds the web client served at the root path.
package assets

import _ "embed"

// IndexTemplate is the page skeleton; CSS, JS and SVG are inlined into it.
//
//go:embed index.html.tpl
var IndexTemplate string

//go:embed style.css
var Style string

//go:embed script.js
var Script string

// Icon is used both as the favicon and the header logo.
//
//go:embed icon.svg
var Icon string
