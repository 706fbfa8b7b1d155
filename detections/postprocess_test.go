package detections

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tumorscan/tumor-analyzer/models"
)

func TestAnchorCount(t *testing.T) {
	assert.Equal(t, 8400, AnchorCount(640))
	assert.Equal(t, 5376, AnchorCount(512))
	assert.Equal(t, 21, AnchorCount(32))
}

// columns builds a predictions tensor with numClasses scores from per-anchor
// rows of cx, cy, w, h, scores...
func columns(numClasses int, rows ...[]float32) []float32 {
	n := len(rows)
	out := make([]float32, (boxChannels+numClasses)*n)
	for i, row := range rows {
		for c, v := range row {
			out[c*n+i] = v
		}
	}
	return out
}

func TestDecodePredictions(t *testing.T) {
	preds := columns(2,
		[]float32{50, 50, 20, 20, 0.1, 0.8},
		[]float32{10, 10, 40, 40, 0.3, 0.2},
		[]float32{90, 90, 10, 10, 0.05, 0.01},
	)

	dets, err := decodePredictions(preds, predictionLayout{
		numClasses:     2,
		inputWidth:     100,
		inputHeight:    100,
		originalWidth:  200,
		originalHeight: 100,
		threshold:      0.25,
	})
	require.NoError(t, err)
	require.Len(t, dets, 2)

	assert.Equal(t, models.Detection{BBox: [4]int32{80, 40, 120, 60}, Confidence: 0.8, Class: 1}, dets[0])
	// clamped to the image
	assert.Equal(t, models.Detection{BBox: [4]int32{0, 0, 60, 30}, Confidence: 0.3, Class: 0}, dets[1])
}

func TestDecodePredictionsManyChunks(t *testing.T) {
	rows := make([][]float32, 2000)
	for i := range rows {
		rows[i] = []float32{10, 10, 4, 4, 0}
	}
	rows[1500] = []float32{10, 10, 4, 4, 0.7}
	rows[3] = []float32{20, 20, 4, 4, 0.9}

	dets, err := decodePredictions(columns(1, rows...), predictionLayout{
		numClasses: 1, inputWidth: 32, inputHeight: 32,
		originalWidth: 32, originalHeight: 32, threshold: 0.5,
	})
	require.NoError(t, err)
	require.Len(t, dets, 2)
	assert.InDelta(t, 0.9, dets[0].Confidence, 1e-6)
	assert.InDelta(t, 0.7, dets[1].Confidence, 1e-6)
}

func TestDecodePredictionsRejectsBadLength(t *testing.T) {
	_, err := decodePredictions(make([]float32, 11), predictionLayout{numClasses: 1})
	assert.Error(t, err)

	_, err = decodePredictions(nil, predictionLayout{numClasses: 1})
	assert.Error(t, err)
}

func TestNonMaxSuppression(t *testing.T) {
	dets := []models.Detection{
		{BBox: [4]int32{0, 0, 100, 100}, Confidence: 0.9, Class: 0},
		{BBox: [4]int32{5, 5, 105, 105}, Confidence: 0.8, Class: 0},
		{BBox: [4]int32{5, 5, 105, 105}, Confidence: 0.7, Class: 1},
		{BBox: [4]int32{200, 200, 250, 250}, Confidence: 0.6, Class: 0},
	}

	kept := nonMaxSuppression(dets, 0.45, 0)
	require.Len(t, kept, 3)
	assert.Equal(t, float32(0.9), kept[0].Confidence)
	assert.Equal(t, 1, kept[1].Class)
	assert.Equal(t, float32(0.6), kept[2].Confidence)

	assert.Len(t, nonMaxSuppression(dets, 0.45, 2), 2)
}

func TestCalculateIOU(t *testing.T) {
	assert.InDelta(t, 1.0, calculateIOU([4]int32{0, 0, 10, 10}, [4]int32{0, 0, 10, 10}), 1e-9)
	assert.InDelta(t, 0.0, calculateIOU([4]int32{0, 0, 10, 10}, [4]int32{10, 10, 20, 20}), 1e-9)
	assert.InDelta(t, 25.0/175.0, calculateIOU([4]int32{0, 0, 10, 10}, [4]int32{5, 5, 15, 15}), 1e-9)
}
