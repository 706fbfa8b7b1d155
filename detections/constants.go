package detections

import "time"

const (
	DefaultInputSize      = 640
	DefaultConfThreshold  = 0.25
	DefaultIouThreshold   = 0.45
	DefaultMaxDetections  = 300
	DefaultAcquireTimeout = 30 * time.Second

	// YOLO heads predict at these strides; the anchor count of a square
	// input follows from them (8400 for 640).
	strideSmall  = 8
	strideMedium = 16
	strideLarge  = 32

	// box coordinates precede the class scores in every prediction column
	boxChannels = 4

	predictDirName = "predict"
	maxOutputDirs  = 100000
)

// AnchorCount returns the number of prediction columns a YOLO head emits
// for a square input of the given size.
func AnchorCount(inputSize int) int {
	total := 0
	for _, stride := range []int{strideSmall, strideMedium, strideLarge} {
		cells := inputSize / stride
		total += cells * cells
	}
	return total
}
