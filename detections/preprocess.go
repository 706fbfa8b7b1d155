package detections

import (
	"fmt"
	"image"
	"runtime"
	"sync"

	"github.com/disintegration/imaging"
)

// Preprocessor turns an image into the planar, 0..1 scaled RGB tensor
// layout (1, 3, H, W) the detector expects.
type Preprocessor struct {
	width, height int
	numWorkers    int
}

func NewPreprocessor(width, height int) *Preprocessor {
	workers := runtime.GOMAXPROCS(0)
	if workers > height {
		workers = height
	}
	if workers < 1 {
		workers = 1
	}
	return &Preprocessor{
		width:      width,
		height:     height,
		numWorkers: workers,
	}
}

func (p *Preprocessor) Resize(img image.Image) *image.NRGBA {
	return imaging.Resize(img, p.width, p.height, imaging.Linear)
}

// Fill writes img into dst. img must already have the preprocessor's size.
func (p *Preprocessor) Fill(img *image.NRGBA, dst []float32) error {
	b := img.Bounds()
	if b.Dx() != p.width || b.Dy() != p.height {
		return fmt.Errorf("image is %dx%d, want %dx%d", b.Dx(), b.Dy(), p.width, p.height)
	}
	channelSize := p.width * p.height
	if len(dst) != channelSize*3 {
		return fmt.Errorf("tensor holds %d values, want %d", len(dst), channelSize*3)
	}

	rowsPerWorker := p.height / p.numWorkers
	var wg sync.WaitGroup
	wg.Add(p.numWorkers)

	for w := 0; w < p.numWorkers; w++ {
		startRow := w * rowsPerWorker
		endRow := (w + 1) * rowsPerWorker
		if w == p.numWorkers-1 {
			endRow = p.height
		}

		go func(start, end int) {
			defer wg.Done()
			for y := start; y < end; y++ {
				src := img.Pix[y*img.Stride : y*img.Stride+p.width*4]
				offset := y * p.width
				for x := 0; x < p.width; x++ {
					i := offset + x
					dst[i] = float32(src[x*4]) / 255.0
					dst[channelSize+i] = float32(src[x*4+1]) / 255.0
					dst[channelSize*2+i] = float32(src[x*4+2]) / 255.0
				}
			}
		}(startRow, endRow)
	}

	wg.Wait()
	return nil
}
