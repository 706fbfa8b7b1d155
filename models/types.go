package models

import (
	"path/filepath"
	"time"
)

// Detection is one box in original image pixels, as x1, y1, x2, y2.
type Detection struct {
	BBox       [4]int32 `json:"box"`
	Confidence float32  `json:"confidence"`
	Class      int      `json:"class"`
	Label      string   `json:"label"`
}

type ProcessingTimings struct {
	RequestID   string
	ImageDecode time.Duration
	Resize      time.Duration
	Preprocess  time.Duration
	Inference   time.Duration
	Postprocess time.Duration
	Annotate    time.Duration
	Save        time.Duration
	Total       time.Duration
}

// Result describes one detection run. The annotated image lives at
// OutputPath and is owned by the caller until it is cleaned up.
type Result struct {
	SaveDir    string
	Filename   string
	Device     string
	Width      int
	Height     int
	Detections []Detection
	Timings    ProcessingTimings
}

func (r *Result) OutputPath() string {
	return filepath.Join(r.SaveDir, r.Filename)
}
