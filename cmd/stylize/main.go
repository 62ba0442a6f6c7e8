// Command stylize repaints a content image in the style of another image by
// optimizing pixels against VGG19 feature statistics.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/openfluke/stylize/checkpoint"
	"github.com/openfluke/stylize/detector"
	"github.com/openfluke/stylize/imageio"
	"github.com/openfluke/stylize/style"
	"github.com/openfluke/stylize/vgg"
)

type options struct {
	content    string
	style      string
	weights    string
	config     string
	grams      string
	saveGrams  string
	out        string
	steps      int
	every      int
	logEvery   int
	palette    string
	useGPU     bool
	gpuInfo    bool
	blueprint  bool
	verbose    bool
	overrides  style.Config
	overridden map[string]bool
}

func parseFlags() *options {
	o := &options{}
	def := style.DefaultConfig()
	flag.StringVar(&o.content, "content", "", "content image (png, jpeg, gif)")
	flag.StringVar(&o.style, "style", "", "style image")
	flag.StringVar(&o.weights, "weights", "vgg19.safetensors", "VGG19 weights (safetensors, Keras or PyTorch naming)")
	flag.StringVar(&o.config, "config", "", "JSON run configuration")
	flag.StringVar(&o.grams, "grams", "", "precomputed style Gram matrices (safetensors); replaces -style")
	flag.StringVar(&o.saveGrams, "save-grams", "", "write the style Gram matrices to this file")
	flag.StringVar(&o.out, "out", "runs", "checkpoint root directory")
	flag.IntVar(&o.steps, "steps", 500, "optimization steps")
	flag.IntVar(&o.every, "every", 50, "write a snapshot every N steps (0 disables)")
	flag.IntVar(&o.logEvery, "log-every", 10, "log losses every N steps")
	flag.StringVar(&o.palette, "palette", "dominantcolor", "palette method: dominantcolor or kmeans")
	flag.BoolVar(&o.useGPU, "gpu", false, "run convolutions on WebGPU when available")
	flag.BoolVar(&o.gpuInfo, "gpu-info", false, "print the GPU report as JSON and exit")
	flag.BoolVar(&o.blueprint, "blueprint", false, "log the extractor layout before running")
	flag.BoolVar(&o.verbose, "v", false, "debug logging")

	flag.IntVar(&o.overrides.ImageWidth, "width", def.ImageWidth, "image width")
	flag.IntVar(&o.overrides.ImageHeight, "height", def.ImageHeight, "image height")
	flag.Float64Var(&o.overrides.Alpha, "alpha", def.Alpha, "content loss weight")
	flag.Float64Var(&o.overrides.Beta, "beta", def.Beta, "style loss weight")
	flag.Float64Var(&o.overrides.Gamma, "gamma", def.Gamma, "histogram loss weight")
	flag.Float64Var(&o.overrides.Delta, "delta", def.Delta, "smoothness loss weight")
	flag.Float64Var(&o.overrides.LearningRate, "lr", def.LearningRate, "learning rate")
	flag.Float64Var(&o.overrides.NoiseRatio, "noise", def.NoiseRatio, "initial noise ratio in [0,1]")
	flag.StringVar(&o.overrides.Optimizer, "optimizer", def.Optimizer, "adam, adamw, sgd, momentum or rmsprop")
	flag.Int64Var(&o.overrides.Seed, "seed", def.Seed, "noise seed (0 = time based)")
	flag.Parse()

	o.overridden = map[string]bool{}
	flag.Visit(func(f *flag.Flag) { o.overridden[f.Name] = true })
	return o
}

// runConfig starts from the config file (or defaults) and applies any flag
// given explicitly on the command line.
func (o *options) runConfig() (style.Config, error) {
	cfg := style.DefaultConfig()
	if o.config != "" {
		var err error
		if cfg, err = style.LoadConfig(o.config); err != nil {
			return cfg, err
		}
	}
	set := func(name string, apply func()) {
		if o.overridden[name] {
			apply()
		}
	}
	set("width", func() { cfg.ImageWidth = o.overrides.ImageWidth })
	set("height", func() { cfg.ImageHeight = o.overrides.ImageHeight })
	set("alpha", func() { cfg.Alpha = o.overrides.Alpha })
	set("beta", func() { cfg.Beta = o.overrides.Beta })
	set("gamma", func() { cfg.Gamma = o.overrides.Gamma })
	set("delta", func() { cfg.Delta = o.overrides.Delta })
	set("lr", func() { cfg.LearningRate = o.overrides.LearningRate })
	set("noise", func() { cfg.NoiseRatio = o.overrides.NoiseRatio })
	set("optimizer", func() { cfg.Optimizer = o.overrides.Optimizer })
	set("seed", func() { cfg.Seed = o.overrides.Seed })
	return cfg, cfg.Validate()
}

func main() {
	o := parseFlags()

	level := slog.LevelInfo
	if o.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if o.gpuInfo {
		js, err := detector.DetectJSON()
		if err != nil {
			logger.Error("gpu detection failed", "error", err)
			os.Exit(1)
		}
		fmt.Println(js)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, o, logger); err != nil {
		logger.Error("stylize failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, o *options, logger *slog.Logger) error {
	if o.content == "" {
		return errors.New("-content is required")
	}
	if o.style == "" && o.grams == "" {
		return errors.New("one of -style or -grams is required")
	}
	cfg, err := o.runConfig()
	if err != nil {
		return err
	}
	method, err := checkpoint.ParsePaletteMethod(o.palette)
	if err != nil {
		return err
	}

	vggOpts := vgg.DefaultOptions()
	vggOpts.UseGPU = o.useGPU
	vggOpts.Logger = logger
	extractor, err := vgg.Load(o.weights, vgg.VGG19(), vggOpts)
	if err != nil {
		return err
	}
	defer extractor.Close()

	if o.blueprint {
		for _, l := range extractor.Blueprint(cfg.ImageHeight, cfg.ImageWidth).Layers {
			logger.Info("layer", "name", l.Name, "type", l.Type, "params", l.Parameters,
				"backend", l.Backend, "in", l.InputShape, "out", l.OutputShape)
		}
	}

	content, err := imageio.Load(o.content, cfg.ImageWidth, cfg.ImageHeight)
	if err != nil {
		return err
	}
	source, err := styleSource(o, cfg, extractor, logger)
	if err != nil {
		return err
	}

	writer, err := checkpoint.NewWriter(o.out, checkpoint.Options{
		Every:         o.every,
		PaletteSize:   checkpoint.DefaultOptions().PaletteSize,
		PaletteMethod: method,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	driver, err := style.NewDriver(cfg, extractor,
		style.WithLogger(logger),
		style.WithNoiseMean(vgg.ImageNetMean),
		style.WithObserver(style.LogObserver{Logger: logger, Every: o.logEvery}, writer),
	)
	if err != nil {
		return errors.Join(err, writer.Close(nil))
	}
	if err := driver.Configure(content, source); err != nil {
		return errors.Join(err, writer.Close(nil))
	}
	if err := driver.InitializeImage(cfg.NoiseRatio); err != nil {
		return errors.Join(err, writer.Close(nil))
	}

	start := time.Now()
	var stepErr error
	for i := 0; i < o.steps; i++ {
		if ctx.Err() != nil {
			logger.Warn("interrupted", "step", driver.Steps())
			break
		}
		if _, stepErr = driver.Step(); stepErr != nil {
			break
		}
	}
	driver.Stop()

	final := driver.Snapshot()
	logger.Info("run finished",
		"steps", final.Step,
		"elapsed", time.Since(start).Round(time.Millisecond),
		"total_loss", final.Losses.Total,
		"dir", writer.Dir())
	return errors.Join(stepErr, writer.Close(final.Image))
}

// styleSource builds a LiveStyle from -style, or a GramStyle loaded from
// -grams, and optionally saves the matrices for later runs.
func styleSource(o *options, cfg style.Config, extractor *vgg.Extractor, logger *slog.Logger) (style.StyleSource, error) {
	if o.grams != "" {
		gs, err := style.NewGramStyle(extractor, cfg.StyleLayers, cfg.ImageHeight, cfg.ImageWidth)
		if err != nil {
			return nil, err
		}
		grams, err := style.LoadGramsFile(o.grams, cfg.StyleLayers)
		if err != nil {
			return nil, err
		}
		if err := gs.Load(grams); err != nil {
			return nil, err
		}
		logger.Info("style grams loaded", "path", o.grams, "layers", cfg.StyleLayers.Names)
		return gs, nil
	}

	img, err := imageio.Load(o.style, cfg.ImageWidth, cfg.ImageHeight)
	if err != nil {
		return nil, err
	}
	live, err := style.NewLiveStyle(extractor, cfg.StyleLayers, img)
	if err != nil {
		return nil, err
	}
	if o.saveGrams != "" {
		if err := style.SaveGrams(o.saveGrams, cfg.StyleLayers, live.StyleGrams()); err != nil {
			return nil, err
		}
		logger.Info("style grams saved", "path", o.saveGrams)
	}
	return live, nil
}
