package detections

import (
	"image"
	"image/color"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"

	"github.com/tumorscan/tumor-analyzer/models"
)

func TestAnnotate(t *testing.T) {
	white := color.NRGBA{R: 255, G: 255, B: 255, A: 255}
	src := imaging.New(50, 50, white)

	out := Annotate(src, []models.Detection{
		{BBox: [4]int32{10, 10, 40, 40}, Confidence: 0.9, Label: "tumor"},
	})

	assert.Equal(t, src.Bounds(), out.Bounds())
	// left and bottom edges
	assert.Equal(t, boxColor, out.NRGBAAt(10, 35))
	assert.Equal(t, boxColor, out.NRGBAAt(25, 39))
	// the label sits inside the box because the box is too close to the top
	assert.Equal(t, boxColor, out.NRGBAAt(10, 20))
	// interior below the label stays untouched
	assert.Equal(t, white, out.NRGBAAt(25, 32))
	// outside the box
	assert.Equal(t, white, out.NRGBAAt(45, 45))

	// the source is not modified
	assert.Equal(t, white, src.NRGBAAt(10, 35))
}

func TestAnnotateSkipsBoxesOutsideImage(t *testing.T) {
	src := imaging.New(20, 20, color.Black)

	out := Annotate(src, []models.Detection{
		{BBox: [4]int32{30, 30, 40, 40}, Confidence: 0.5, Label: "tumor"},
	})

	assert.Equal(t, src.Pix, out.Pix)
}

func TestAnnotateLabelAboveBox(t *testing.T) {
	white := color.NRGBA{R: 255, G: 255, B: 255, A: 255}
	src := imaging.New(100, 100, white)

	out := Annotate(src, []models.Detection{
		{BBox: [4]int32{20, 50, 80, 90}, Confidence: 0.75, Label: "tumor"},
	})

	// label background spans the rows just above the box
	assert.Equal(t, boxColor, out.NRGBAAt(20, 40))
	assert.Equal(t, white, out.NRGBAAt(50, 70))
	assert.Equal(t, image.Rect(0, 0, 100, 100), out.Bounds())
}
