package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/owl/internal/app"
	"github.com/MrWong99/owl/internal/oracle"
	"github.com/MrWong99/owl/pkg/voice"
)

// Status lines of the live perch.
const (
	statusAwakening = "Awakening..."
	statusPerched   = "Perched. The owl is listening."
	statusDormant   = "Dormant."
	statusSevered   = "Connection severed."
	statusFailed    = "Awakening failed."
)

// terminal prints front-end output. It is safe for concurrent use because
// session handlers run on session goroutines.
type terminal struct {
	mu   sync.Mutex
	w    io.Writer
	said string
}

func newTerminal(w io.Writer) *terminal {
	return &terminal{w: w}
}

func (t *terminal) println(a ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintln(t.w, a...)
}

func (t *terminal) printf(format string, a ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.w, format, a...)
}

func (t *terminal) state(st voice.State) {
	switch st {
	case voice.Connecting:
		t.println(statusAwakening)
	case voice.Active:
		t.println(statusPerched)
	case voice.Idle:
		t.println(statusDormant)
	}
}

// transcript prints only what the model said since the last call. The empty
// transcript of a finished session resets the printer.
func (t *terminal) transcript(full string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if full == "" {
		t.said = ""
		return
	}
	added := full
	if strings.HasPrefix(full, t.said) {
		added = strings.TrimSpace(full[len(t.said):])
	}
	t.said = full
	if added != "" {
		fmt.Fprintf(t.w, "owl: %s\n", added)
	}
}

func (t *terminal) sessionError(err error) {
	t.printf("%s (%v)\n", statusSevered, err)
}

// ── Live ──────────────────────────────────────────────────────────────────────

// runLive holds one voice session open until ctx ends or the stream fails.
func runLive(ctx context.Context, a *app.App, t *terminal) error {
	sm, err := a.Voice()
	if err != nil {
		return err
	}
	if err := sm.Start(ctx); err != nil {
		t.printf("%s %v\n", statusFailed, err)
		return err
	}
	select {
	case <-ctx.Done():
		return sm.Stop()
	case <-sm.Done():
		return nil
	}
}

// ── Chat ──────────────────────────────────────────────────────────────────────

// runChat answers one line of in per turn until in ends or ctx is cancelled.
func runChat(ctx context.Context, a *app.App, in io.Reader, t *terminal) error {
	chat, err := a.Chat()
	if err != nil {
		return err
	}
	if msgs := chat.Messages(); len(msgs) > 0 {
		t.printf("owl: %s\n", msgs[0].Text)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		t.printf("> ")
		var line string
		var ok bool
		select {
		case <-ctx.Done():
			return nil
		case line, ok = <-lines:
			if !ok {
				return nil
			}
		}
		reply, err := chat.Ask(ctx, line)
		switch {
		case errors.Is(err, oracle.ErrBlankQuestion):
			continue
		case err != nil:
			slog.Warn("chat: ask failed", "err", err)
		}
		t.printf("owl: %s\n", reply.Text)
	}
}

// ── Vision ────────────────────────────────────────────────────────────────────

type visionJob struct {
	path     string
	prompt   string
	scan     bool
	interval time.Duration
}

// runVision analyses the image once, waits for its thumbnail and prints the
// history. With scan set it keeps re-reading the file until ctx ends.
func runVision(ctx context.Context, a *app.App, t *terminal, job visionJob) error {
	v, err := a.Vision()
	if err != nil {
		return err
	}
	src := oracle.FileSource(job.path)

	if job.scan {
		t.printf("Surveillance active, scanning %s every %s\n", job.path, job.interval)
		err := v.Scan(ctx, src, job.interval, func(r oracle.Result, err error) {
			if err != nil {
				slog.Warn("vision: scan failed", "err", err)
			}
			t.printf("[%s] %s\n", time.Now().Format(time.TimeOnly), r.Text)
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	img, err := src.Frame(ctx)
	if err != nil {
		return err
	}
	res, err := v.Analyze(ctx, img, job.prompt)
	t.printf("owl: %s\n", res.Text)
	if err != nil {
		return err
	}
	v.Wait()
	return printHistory(ctx, v, t)
}

func printHistory(ctx context.Context, v *oracle.Vision, t *terminal) error {
	items, err := v.History(ctx)
	if err != nil {
		return err
	}
	t.printf("History (%d):\n", len(items))
	for _, it := range items {
		thumb := "no thumbnail"
		switch {
		case it.ThumbnailPending:
			thumb = "thumbnail pending"
		case it.Thumbnail != nil:
			thumb = fmt.Sprintf("thumbnail %s, %d bytes", it.Thumbnail.MIMEType, len(it.Thumbnail.Data))
		}
		t.printf("  %s  %s  (%s)\n", it.CreatedAt.Format(time.DateTime), firstLine(it.Analysis, 60), thumb)
	}
	return nil
}

// firstLine returns the first line of s cut to at most n runes.
func firstLine(s string, n int) string {
	s, _, _ = strings.Cut(s, "\n")
	r := []rune(s)
	if len(r) > n {
		return string(r[:n-1]) + "…"
	}
	return s
}
