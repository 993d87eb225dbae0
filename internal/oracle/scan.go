package oracle

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/MrWong99/owl/pkg/provider/vision"
)

// DefaultScanInterval is the pause between surveillance scans.
const DefaultScanInterval = 7 * time.Second

// FrameSource yields the current frame of a live feed.
type FrameSource interface {
	Frame(ctx context.Context) (vision.Image, error)
}

// FileSource reads a frame from a file that another process keeps
// overwriting, such as a webcam snapshot.
type FileSource string

var _ FrameSource = FileSource("")

// Frame implements [FrameSource].
func (f FileSource) Frame(_ context.Context) (vision.Image, error) {
	data, err := os.ReadFile(string(f))
	if err != nil {
		return vision.Image{}, fmt.Errorf("oracle: read frame: %w", err)
	}
	return vision.Image{Data: data}.Sniff(), nil
}

// Scan analyses a frame from src with [ScanPrompt] every interval until ctx
// is done, passing each outcome to fn. Ticks that fall while an analysis is
// still running are skipped rather than queued. A non-positive interval
// selects [DefaultScanInterval]. Scan returns ctx.Err().
func (v *Vision) Scan(ctx context.Context, src FrameSource, interval time.Duration, fn func(Result, error)) error {
	if interval <= 0 {
		interval = DefaultScanInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}

		frame, err := src.Frame(ctx)
		if err != nil {
			fn(Result{Text: FrameFailed}, err)
		} else {
			fn(v.AnalyzeFrame(ctx, frame, ScanPrompt))
		}

		select {
		case <-t.C:
			v.log.Debug("oracle: scan tick skipped while analysing")
		default:
		}
	}
}
