// Package checkpoint persists a run: periodic image snapshots, a JSON-lines
// loss log, and a final image with its colour palette.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openfluke/stylize/imageio"
	"github.com/openfluke/stylize/nn"
	"github.com/openfluke/stylize/style"
)

const (
	LossFile    = "losses.jsonl"
	FinalFile   = "final.png"
	PaletteFile = "palette.png"
)

// Options configures a Writer.
type Options struct {
	// Every is the snapshot interval in steps; 0 disables step images.
	Every         int
	PaletteSize   int
	PaletteMethod PaletteMethod
	Logger        *slog.Logger
}

// DefaultOptions writes an image every 50 steps and a six colour palette.
func DefaultOptions() Options {
	return Options{Every: 50, PaletteSize: 6, PaletteMethod: PaletteDominant}
}

// record is one line of losses.jsonl.
type record struct {
	RunID string `json:"run_id"`
	Step  int    `json:"step"`
	style.Losses
	Time time.Time `json:"time"`
}

// Writer records a run under root/<run id>. It implements style.Observer;
// OnStep cannot return errors so the first failure is kept and reported by
// Close.
type Writer struct {
	id     string
	dir    string
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	losses *os.File
	enc    *json.Encoder
	last   style.Snapshot
	err    error
	closed bool
}

var _ style.Observer = (*Writer)(nil)

// NewWriter creates the run directory and opens the loss log.
func NewWriter(root string, opts Options) (*Writer, error) {
	id := uuid.NewString()
	dir := filepath.Join(root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create run directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, LossFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open loss log: %w", err)
	}
	if opts.PaletteSize <= 0 {
		opts.PaletteSize = DefaultOptions().PaletteSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("run", id)
	logger.Info("checkpoint directory created", "dir", dir)

	return &Writer{
		id:     id,
		dir:    dir,
		opts:   opts,
		logger: logger,
		losses: f,
		enc:    json.NewEncoder(f),
	}, nil
}

func (w *Writer) ID() string  { return w.id }
func (w *Writer) Dir() string { return w.dir }

// StepPath is the snapshot file for a step.
func (w *Writer) StepPath(step int) string {
	return filepath.Join(w.dir, fmt.Sprintf("step_%06d.png", step))
}

func (w *Writer) OnStep(s style.Snapshot) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.last = s

	if err := w.enc.Encode(record{RunID: w.id, Step: s.Step, Losses: s.Losses, Time: time.Now().UTC()}); err != nil {
		w.keep(fmt.Errorf("failed to append losses: %w", err))
	}
	if w.opts.Every > 0 && s.Step%w.opts.Every == 0 && s.Image != nil {
		path := w.StepPath(s.Step)
		if err := imageio.SavePNG(path, s.Image); err != nil {
			w.keep(err)
			return
		}
		w.logger.Debug("checkpoint written", "step", s.Step, "path", path)
	}
}

func (w *Writer) keep(err error) {
	w.logger.Warn("checkpoint write failed", "error", err)
	if w.err == nil {
		w.err = err
	}
}

// Err returns the first write failure, if any.
func (w *Writer) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Close writes final.png and palette.png from the given image, or from the
// last observed snapshot when final is nil, then closes the loss log.
func (w *Writer) Close(final *nn.Tensor[float32]) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	if final == nil {
		final = w.last.Image
	}
	var errs []error
	if w.err != nil {
		errs = append(errs, w.err)
	}
	if final != nil {
		errs = append(errs, w.writeSummary(final))
	}
	errs = append(errs, w.losses.Close())
	return errors.Join(errs...)
}

func (w *Writer) writeSummary(final *nn.Tensor[float32]) error {
	img, err := imageio.ToImage(final)
	if err != nil {
		return err
	}
	if err := imageio.SaveImage(filepath.Join(w.dir, FinalFile), img); err != nil {
		return err
	}

	palette := ExtractPalette(img, w.opts.PaletteSize, w.opts.PaletteMethod)
	strip, err := PaletteImage(palette, 0)
	if err != nil {
		return fmt.Errorf("failed to build palette: %w", err)
	}
	if err := imageio.SaveImage(filepath.Join(w.dir, PaletteFile), strip); err != nil {
		return err
	}
	hex := make([]string, len(palette))
	for i, c := range palette {
		hex[i] = c.Hex()
	}
	w.logger.Info("run summary written", "dir", w.dir, "palette", hex, "method", w.opts.PaletteMethod)
	return nil
}
