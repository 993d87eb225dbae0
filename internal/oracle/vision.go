package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/owl/internal/history"
	"github.com/MrWong99/owl/internal/observe"
	"github.com/MrWong99/owl/pkg/provider/imagegen"
	"github.com/MrWong99/owl/pkg/provider/vision"
)

// Prompts and fallback lines of the vision service.
const (
	DefaultPrompt = "Analyze this image with the precision of an owl. Describe what you see, including anything hidden in the shadows."
	FramePrompt   = "Analyze this live visual stream frame with the precision of an owl. What is appearing in the current view?"
	ScanPrompt    = "Perform a periodic surveillance scan of this live feed. Identify movements or changes."

	EmptyAnalysis = "The shadows kept their secrets."
	EmptyFrame    = "Analyzing..."

	AnalysisFailed = "Vision obscured by the darkness."
	FrameFailed    = "Analysis failed. The darkness is too deep."
)

// DefaultThumbnailTimeout bounds a single background thumbnail generation.
const DefaultThumbnailTimeout = 90 * time.Second

// ErrClosed is returned by [Vision.Analyze] after [Vision.Close].
var ErrClosed = errors.New("oracle: vision closed")

// Result is the outcome of one analysis.
type Result struct {
	// Text is what the Owl says: the analysis, its empty-answer fallback, or
	// the failure line when the provider failed.
	Text string

	// Item is the stored history entry. It is nil when the analysis failed.
	Item *history.Item
}

// VisionOption configures a [Vision].
type VisionOption func(*Vision)

// WithVisionLogger sets the logger. Default: slog.Default().
func WithVisionLogger(l *slog.Logger) VisionOption {
	return func(v *Vision) { v.log = l }
}

// WithVisionMetrics records provider calls on m. visionName and imageName
// label the describe and thumbnail providers.
func WithVisionMetrics(m *observe.Metrics, visionName, imageName string) VisionOption {
	return func(v *Vision) { v.metrics, v.visionName, v.imageName = m, visionName, imageName }
}

// WithThumbnailTimeout replaces [DefaultThumbnailTimeout].
func WithThumbnailTimeout(d time.Duration) VisionOption {
	return func(v *Vision) { v.thumbTimeout = d }
}

// Vision analyses images and keeps a history of the results. Each stored
// result gets a thumbnail painted in the background by the image generator.
type Vision struct {
	describer    vision.Provider
	painter      imagegen.Provider
	store        history.Store
	log          *slog.Logger
	metrics      *observe.Metrics
	visionName   string
	imageName    string
	thumbTimeout time.Duration

	bg     context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewVision returns a Vision service. painter may be nil, in which case items
// are stored without thumbnails.
func NewVision(describer vision.Provider, painter imagegen.Provider, store history.Store, opts ...VisionOption) *Vision {
	v := &Vision{
		describer:    describer,
		painter:      painter,
		store:        store,
		log:          slog.Default(),
		metrics:      observe.DefaultMetrics(),
		visionName:   "vision",
		imageName:    "imagegen",
		thumbTimeout: DefaultThumbnailTimeout,
	}
	for _, o := range opts {
		o(v)
	}
	v.bg, v.cancel = context.WithCancel(context.Background())
	return v
}

// Analyze describes an uploaded image. An empty prompt selects
// [DefaultPrompt].
func (v *Vision) Analyze(ctx context.Context, img vision.Image, prompt string) (Result, error) {
	if prompt == "" {
		prompt = DefaultPrompt
	}
	return v.analyze(ctx, img, prompt, EmptyAnalysis, AnalysisFailed)
}

// AnalyzeFrame describes a frame of a live feed. An empty prompt selects
// [FramePrompt].
func (v *Vision) AnalyzeFrame(ctx context.Context, img vision.Image, prompt string) (Result, error) {
	if prompt == "" {
		prompt = FramePrompt
	}
	return v.analyze(ctx, img, prompt, EmptyFrame, FrameFailed)
}

func (v *Vision) analyze(ctx context.Context, img vision.Image, prompt, empty, failed string) (Result, error) {
	if len(img.Data) == 0 {
		return Result{Text: failed}, vision.ErrEmptyImage
	}
	img = img.Sniff()

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return Result{Text: failed}, ErrClosed
	}
	// Registered before the describe call so Close cannot miss the
	// thumbnail goroutine started below.
	v.wg.Add(1)
	v.mu.Unlock()
	painting := false
	defer func() {
		if !painting {
			v.wg.Done()
		}
	}()

	dctx, done := v.metrics.Begin(ctx, v.visionName, "vision", "describe")
	text, err := v.describer.Describe(dctx, img, prompt)
	done(err)
	if err != nil {
		observe.Logger(dctx).Warn("oracle: analysis failed", "provider", v.visionName, "err", err)
		return Result{Text: failed}, fmt.Errorf("oracle: analyze: %w", err)
	}
	if strings.TrimSpace(text) == "" {
		text = empty
	}

	item := &history.Item{
		Image:            img,
		Prompt:           prompt,
		Analysis:         text,
		ThumbnailPending: v.painter != nil,
	}
	if err := v.store.Add(ctx, item); err != nil {
		return Result{Text: text}, fmt.Errorf("oracle: analyze: %w", err)
	}
	v.log.Debug("oracle: analysis stored", "id", item.ID, "chars", len(text))

	if v.painter != nil {
		painting = true
		go func() {
			defer v.wg.Done()
			v.paint(item.ID, text)
		}()
	}
	return Result{Text: text, Item: item}, nil
}

// paint generates the thumbnail for one item. Failures only clear the pending
// flag.
func (v *Vision) paint(id uuid.UUID, analysis string) {
	ctx, cancel := context.WithTimeout(v.bg, v.thumbTimeout)
	defer cancel()

	gctx, done := v.metrics.Begin(ctx, v.imageName, "imagegen", "generate")
	thumb, err := v.painter.Generate(gctx, imagegen.ThumbnailPrompt(analysis))
	done(err)
	if err != nil {
		v.log.Warn("oracle: thumbnail generation failed", "id", id, "err", err)
		thumb = nil
	}

	// Independent of the generation deadline so the pending flag is always
	// cleared.
	sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer scancel()
	if err := v.store.SetThumbnail(sctx, id, thumb); err != nil {
		if errors.Is(err, history.ErrNotFound) {
			v.log.Debug("oracle: thumbnail for purged item dropped", "id", id)
			return
		}
		v.log.Warn("oracle: store thumbnail", "id", id, "err", err)
	}
}

// History lists the stored analyses, newest first.
func (v *Vision) History(ctx context.Context) ([]history.Item, error) {
	items, err := v.store.List(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("oracle: history: %w", err)
	}
	return items, nil
}

// Purge deletes the whole history. Thumbnails still being painted for purged
// items are discarded.
func (v *Vision) Purge(ctx context.Context) error {
	if err := v.store.Purge(ctx); err != nil {
		return fmt.Errorf("oracle: purge: %w", err)
	}
	v.log.Info("oracle: history purged")
	return nil
}

// Wait blocks until every analysis in flight and its thumbnail are done.
func (v *Vision) Wait() { v.wg.Wait() }

// Close rejects new analyses, cancels pending thumbnail generation and waits
// for background work to finish. It is safe to call more than once.
func (v *Vision) Close() {
	v.mu.Lock()
	v.closed = true
	v.mu.Unlock()
	v.cancel()
	v.wg.Wait()
}
