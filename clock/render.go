// Package clock draws the session time as a small image for the UI page.
package clock

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/gif"
	"image/jpeg"
	"image/png"
	"net/http"
	"strings"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	Width  = 250
	Height = 35
)

var (
	background = color.RGBA{A: 0xff}
	foreground = color.RGBA{R: 0xff, G: 0xff, A: 0xff}
)

// Format is an image encoding served on /time.<ext>.
type Format string

const (
	JPEG Format = "jpg"
	PNG  Format = "png"
	GIF  Format = "gif"
)

// ParseFormat maps a file extension onto a Format, falling back to PNG.
func ParseFormat(ext string) Format {
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "jpg", "jpeg":
		return JPEG
	case "gif":
		return GIF
	}
	return PNG
}

// ContentType returns the MIME type for f.
func (f Format) ContentType() string {
	switch f {
	case JPEG:
		return "image/jpeg"
	case GIF:
		return "image/gif"
	}
	return "image/png"
}

// Label formats t the way it is drawn.
func Label(t time.Time) string {
	return t.UTC().Format(http.TimeFormat)
}

// Renderer draws clock faces. The zero value is ready to use.
type Renderer struct{}

// Render encodes an image of t in format f.
func (Renderer) Render(t time.Time, f Format) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, Width, Height))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: background}, image.Point{}, draw.Src)

	face := basicfont.Face7x13
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(foreground),
		Face: face,
	}
	label := Label(t)
	width := d.MeasureString(label).Ceil()
	x := (Width - width) / 2
	if x < 0 {
		x = 0
	}
	metrics := face.Metrics()
	y := (Height+metrics.Ascent.Ceil()-metrics.Descent.Ceil())/2 + 1
	d.Dot = fixed.P(x, y)
	d.DrawString(label)

	var buf bytes.Buffer
	var err error
	switch f {
	case JPEG:
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90})
	case GIF:
		err = gif.Encode(&buf, img, &gif.Options{NumColors: 16})
	default:
		err = png.Encode(&buf, img)
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s clock: %w", f, err)
	}
	return buf.Bytes(), nil
}
