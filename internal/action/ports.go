package action

import (
	"context"
	"time"
)

// Input injects simulated mouse and keyboard events into the game client.
type Input interface {
	Click(ctx context.Context, x, y int, button string) error
	DoubleClick(ctx context.Context, x, y int) error
	KeyPress(ctx context.Context, key string) error
	KeyCombo(ctx context.Context, keys []string) error
	Scroll(ctx context.Context, x, y, amount int) error
	Drag(ctx context.Context, x1, y1, x2, y2 int, duration time.Duration) error
	TypeText(ctx context.Context, text string, interval time.Duration) error
}

// Match is the answer of a template lookup.
type Match struct {
	Found      bool
	Location   Point
	Confidence float64
}

// Image is an opaque capture handle returned by the detector.
type Image struct {
	Region   Region
	Captured time.Time
	Data     []byte
}

// Detector locates templates on screen.
type Detector interface {
	FindTemplate(ctx context.Context, name string, region *Region) (Match, error)
	CaptureRegion(ctx context.Context, region *Region) (Image, error)
}
