package server

import (
	"bytes"
	"fmt"
	"hash/crc32"
	"image"
	"text/template"

	"github.com/tdewolff/minify/v2"
	"github.com/tdewolff/minify/v2/css"
	"github.com/tdewolff/minify/v2/html"
	"github.com/tdewolff/minify/v2/js"
	"github.com/tdewolff/minify/v2/svg"

	"github.com/woozymasta/geoannotate/assets"
	"github.com/woozymasta/geoannotate/internal/tiles"
)

type pageData struct {
	CSS string
	JS  string
	SVG string
}

// BuildIndex renders the embedded page template with minified CSS, JS and
// SVG inlined, and returns the page together with the minified icon.
func BuildIndex() (page, icon []byte, err error) {
	m := minify.New()
	m.AddFunc("text/css", css.Minify)
	m.AddFunc("text/html", html.Minify)
	m.AddFunc("text/javascript", js.Minify)
	m.AddFunc("image/svg+xml", svg.Minify)

	cssMin, err := m.String("text/css", assets.Style)
	if err != nil {
		return nil, nil, fmt.Errorf("minify css: %w", err)
	}
	jsMin, err := m.String("text/javascript", assets.Script)
	if err != nil {
		return nil, nil, fmt.Errorf("minify js: %w", err)
	}
	svgMin, err := m.String("image/svg+xml", assets.Icon)
	if err != nil {
		return nil, nil, fmt.Errorf("minify svg: %w", err)
	}

	tmpl, err := template.New("index").Parse(assets.IndexTemplate)
	if err != nil {
		return nil, nil, fmt.Errorf("parse template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, pageData{CSS: cssMin, JS: jsMin, SVG: svgMin}); err != nil {
		return nil, nil, fmt.Errorf("render template: %w", err)
	}

	htmlMin, err := m.String("text/html", buf.String())
	if err != nil {
		return nil, nil, fmt.Errorf("minify html: %w", err)
	}
	return []byte(htmlMin), []byte(svgMin), nil
}

// TransparentTile encodes an empty size×size WebP tile served when a tile is
// missing from the cache.
func TransparentTile(size int) ([]byte, error) {
	return tiles.EncodeWebP(image.NewNRGBA(image.Rect(0, 0, size, size)), tiles.Quality)
}

func contentETag(data []byte) string {
	return fmt.Sprintf(`"%x-%x"`, len(data), crc32.ChecksumIEEE(data))
}
