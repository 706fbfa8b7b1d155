package detections

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/tumorscan/tumor-analyzer/models"
)

const (
	strokeWidth  = 2
	labelPadding = 2
)

var (
	boxColor   = color.NRGBA{R: 255, G: 56, B: 56, A: 255}
	labelColor = color.NRGBA{R: 255, G: 255, B: 255, A: 255}
	labelFace  = basicfont.Face7x13
)

// Annotate returns a copy of img with every detection outlined and captioned
// with its label and confidence.
func Annotate(img image.Image, detections []models.Detection) *image.NRGBA {
	dst := imaging.Clone(img)
	for _, det := range detections {
		r := image.Rect(int(det.BBox[0]), int(det.BBox[1]), int(det.BBox[2]), int(det.BBox[3])).Intersect(dst.Bounds())
		if r.Empty() {
			continue
		}
		drawOutline(dst, r)
		drawLabel(dst, r, fmt.Sprintf("%s %.2f", det.Label, det.Confidence))
	}
	return dst
}

func drawOutline(dst draw.Image, r image.Rectangle) {
	fill := image.NewUniform(boxColor)
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+strokeWidth),
		image.Rect(r.Min.X, r.Max.Y-strokeWidth, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+strokeWidth, r.Max.Y),
		image.Rect(r.Max.X-strokeWidth, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(dst, e.Intersect(r), fill, image.Point{}, draw.Src)
	}
}

// drawLabel puts the caption above the box, or inside its top edge when the
// box touches the top of the image.
func drawLabel(dst draw.Image, box image.Rectangle, text string) {
	metrics := labelFace.Metrics()
	textHeight := (metrics.Ascent + metrics.Descent).Ceil()
	textWidth := font.MeasureString(labelFace, text).Ceil()

	height := textHeight + 2*labelPadding
	top := box.Min.Y - height
	if top < dst.Bounds().Min.Y {
		top = box.Min.Y
	}
	bg := image.Rect(box.Min.X, top, box.Min.X+textWidth+2*labelPadding, top+height).Intersect(dst.Bounds())
	draw.Draw(dst, bg, image.NewUniform(boxColor), image.Point{}, draw.Src)

	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(labelColor),
		Face: labelFace,
		Dot:  fixed.P(box.Min.X+labelPadding, top+labelPadding+metrics.Ascent.Ceil()),
	}
	d.DrawString(text)
}
