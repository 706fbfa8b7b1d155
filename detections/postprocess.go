package detections

import (
	"fmt"
	"math"
	"runtime"
	"sort"
	"sync"

	"github.com/tumorscan/tumor-analyzer/models"
)

type predictionLayout struct {
	numClasses     int
	inputWidth     int
	inputHeight    int
	originalWidth  int
	originalHeight int
	threshold      float32
}

// decodePredictions reads a YOLO head output laid out as
// [4 + numClasses][anchors] (cx, cy, w, h in input pixels, then one score
// per class) and keeps every anchor whose best class score reaches the
// threshold.
func decodePredictions(predictions []float32, layout predictionLayout) ([]models.Detection, error) {
	channels := boxChannels + layout.numClasses
	if layout.numClasses <= 0 || len(predictions) == 0 || len(predictions)%channels != 0 {
		return nil, fmt.Errorf("unexpected predictions length %d for %d classes", len(predictions), layout.numClasses)
	}
	numPredictions := len(predictions) / channels

	detections := make([]models.Detection, 0, 100)
	const chunkSize = 512
	numWorkers := runtime.NumCPU()
	jobs := make(chan int, numWorkers)
	results := make(chan []models.Detection, numWorkers)

	scaleX := float32(layout.originalWidth) / float32(layout.inputWidth)
	scaleY := float32(layout.originalHeight) / float32(layout.inputHeight)

	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var local []models.Detection

			for start := range jobs {
				end := start + chunkSize
				if end > numPredictions {
					end = numPredictions
				}

				for i := start; i < end; i++ {
					class, confidence := bestClass(predictions, numPredictions, layout.numClasses, i)
					if confidence < layout.threshold {
						continue
					}
					bbox := calculateBBox(
						[4]float32{
							predictions[i],
							predictions[numPredictions+i],
							predictions[2*numPredictions+i],
							predictions[3*numPredictions+i],
						},
						scaleX, scaleY,
						float32(layout.originalWidth),
						float32(layout.originalHeight),
					)
					local = append(local, models.Detection{
						BBox:       bbox,
						Confidence: confidence,
						Class:      class,
					})
				}
			}

			if len(local) > 0 {
				results <- local
			}
		}()
	}

	go func() {
		for i := 0; i < numPredictions; i += chunkSize {
			jobs <- i
		}
		close(jobs)
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	for chunk := range results {
		detections = append(detections, chunk...)
	}

	sortDetectionsByConfidence(detections)
	return detections, nil
}

func bestClass(predictions []float32, numPredictions, numClasses, i int) (int, float32) {
	best, score := 0, float32(math.Inf(-1))
	for c := 0; c < numClasses; c++ {
		v := predictions[(boxChannels+c)*numPredictions+i]
		if v > score {
			best, score = c, v
		}
	}
	return best, score
}

func calculateBBox(coords [4]float32, scaleX, scaleY, origWidth, origHeight float32) [4]int32 {
	centerX, centerY := coords[0], coords[1]
	width, height := coords[2], coords[3]

	x1 := (centerX - width/2) * scaleX
	y1 := (centerY - height/2) * scaleY
	x2 := (centerX + width/2) * scaleX
	y2 := (centerY + height/2) * scaleY

	return [4]int32{
		int32(maxF32(0, x1)),
		int32(maxF32(0, y1)),
		int32(minF32(origWidth, x2)),
		int32(minF32(origHeight, y2)),
	}
}

// sortDetectionsByConfidence orders by descending confidence; ties are broken
// by position so the output does not depend on worker scheduling.
func sortDetectionsByConfidence(detections []models.Detection) {
	sort.Slice(detections, func(i, j int) bool {
		a, b := detections[i], detections[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		for k := range a.BBox {
			if a.BBox[k] != b.BBox[k] {
				return a.BBox[k] < b.BBox[k]
			}
		}
		return a.Class < b.Class
	})
}

// nonMaxSuppression keeps, per class, the highest scoring box of every group
// overlapping above iouThreshold. detections must be sorted by confidence.
func nonMaxSuppression(detections []models.Detection, iouThreshold float64, limit int) []models.Detection {
	kept := make([]models.Detection, 0, len(detections))
	for _, det := range detections {
		if limit > 0 && len(kept) >= limit {
			break
		}
		suppressed := false
		for _, k := range kept {
			if k.Class == det.Class && calculateIOU(k.BBox, det.BBox) > iouThreshold {
				suppressed = true
				break
			}
		}
		if !suppressed {
			kept = append(kept, det)
		}
	}
	return kept
}

func calculateIOU(box1, box2 [4]int32) float64 {
	x1 := math.Max(float64(box1[0]), float64(box2[0]))
	y1 := math.Max(float64(box1[1]), float64(box2[1]))
	x2 := math.Min(float64(box1[2]), float64(box2[2]))
	y2 := math.Min(float64(box1[3]), float64(box2[3]))

	if x2 <= x1 || y2 <= y1 {
		return 0.0
	}

	intersection := (x2 - x1) * (y2 - y1)
	area1 := float64(box1[2]-box1[0]) * float64(box1[3]-box1[1])
	area2 := float64(box2[2]-box2[0]) * float64(box2[3]-box2[1])
	union := area1 + area2 - intersection

	return intersection / union
}

func minF32(a, b float32) float32 {
	if a < b {
		return a
	}
	return b
}

func maxF32(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}
