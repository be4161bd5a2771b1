package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/AntoineMLD/EngraveDetect/internal/calibrate"
	"github.com/AntoineMLD/EngraveDetect/internal/config"
	"github.com/AntoineMLD/EngraveDetect/internal/dataset"
	"github.com/AntoineMLD/EngraveDetect/internal/imaging"
	"github.com/AntoineMLD/EngraveDetect/internal/matcher"
	"github.com/AntoineMLD/EngraveDetect/internal/network"
	"github.com/AntoineMLD/EngraveDetect/internal/templates"
	"github.com/AntoineMLD/EngraveDetect/internal/training"
)

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet("engravectl "+name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	return fs
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runPrepare(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("prepare")
	src := fs.String("src", e.cfg.Paths.Raw, "raw corpus, one directory per class")
	out := fs.String("out", e.cfg.Paths.Dataset, "output directory")
	augs := fs.Int("augmentations", e.cfg.Augmentations, "augmented variants per original, negative disables")
	seed := fs.Int64("seed", e.cfg.Split.Seed, "augmentation seed")
	if err := fs.Parse(args); err != nil {
		return err
	}

	report, err := dataset.Prepare(ctx, *src, *out, imaging.NewNormalizer(e.cfg.Normalize), dataset.PrepareOptions{
		Augmentations: *augs,
		Augment:       e.cfg.Augment,
		Seed:          *seed,
		Workers:       e.cfg.Workers,
	}, e.log)
	if err != nil {
		return err
	}
	e.log.Info("corpus prepared", "classes", report.Classes, "originals", report.Originals, "augmented", report.Augmented, "skipped", len(report.Skipped))
	return printJSON(report)
}

func runSplit(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("split")
	src := fs.String("src", e.cfg.Paths.Dataset, "prepared corpus")
	out := fs.String("out", e.cfg.Paths.Splits, "output directory for train/ and test/")
	ratio := fs.Float64("ratio", e.cfg.Split.TrainRatio, "share of originals going to train")
	seed := fs.Int64("seed", e.cfg.Split.Seed, "shuffle seed")
	if err := fs.Parse(args); err != nil {
		return err
	}

	counts, err := dataset.Split(*src, *out, dataset.SplitOptions{TrainRatio: *ratio, Seed: *seed}, e.log)
	if err != nil {
		return err
	}
	return printJSON(counts)
}

func runPairs(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("pairs")
	root := fs.String("splits", e.cfg.Paths.Splits, "split directory holding train/ and test/")
	out := fs.String("out", e.cfg.Paths.Pairs, "manifest directory")
	perClass := fs.Int("per-class", e.cfg.Pairs.PairsPerClass, "positive pairs per class")
	seed := fs.Int64("seed", e.cfg.Pairs.Seed, "sampling seed")
	if err := fs.Parse(args); err != nil {
		return err
	}

	gen := dataset.NewPairGenerator(*root, dataset.PairOptions{PairsPerClass: *perClass, Seed: *seed}, e.log)
	written := make(map[string]int)
	for _, split := range []string{dataset.SplitTrain, dataset.SplitTest} {
		file, pairs, err := gen.WriteSplit(split, *out)
		if err != nil {
			return fmt.Errorf("%s pairs: %w", split, err)
		}
		e.log.Info("pairs written", "split", split, "file", file, "pairs", len(pairs))
		written[split] = len(pairs)
	}
	return printJSON(written)
}

// loadSplit reads the pair manifest of split and decodes its images.
func loadSplit(ctx context.Context, e *env, split string, cache *imaging.ImageCache) ([]dataset.Sample, error) {
	pairs, err := dataset.LoadManifest(filepath.Join(e.cfg.Paths.Pairs, dataset.ManifestName(split)))
	if err != nil {
		return nil, err
	}
	samples, err := dataset.LoadSamples(ctx, e.cfg.Paths.Splits, pairs, e.cfg.Normalize.CanonicalSize, cache, e.cfg.Workers)
	if err != nil {
		return nil, fmt.Errorf("%s samples: %w", split, err)
	}
	e.log.V(1).Info("samples loaded", "split", split, "pairs", len(samples))
	return samples, nil
}

func runTrain(ctx context.Context, e *env, args []string) error {
	tc := e.cfg.Training
	fs := newFlagSet("train")
	fs.IntVar(&tc.Epochs, "epochs", tc.Epochs, "training epochs")
	fs.IntVar(&tc.BatchSize, "batch", tc.BatchSize, "pairs per optimizer step")
	fs.Float64Var(&tc.Margin, "margin", tc.Margin, "contrastive loss margin")
	fs.Float64Var(&tc.Adam.LearningRate, "lr", tc.Adam.LearningRate, "Adam learning rate")
	fs.Int64Var(&tc.Seed, "seed", tc.Seed, "weight initialization and shuffling seed")
	fs.StringVar(&tc.CheckpointPath, "out", tc.CheckpointPath, "checkpoint written on every improvement")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cache := imaging.NewImageCache()
	train, err := loadSplit(ctx, e, dataset.SplitTrain, cache)
	if err != nil {
		return err
	}
	validation, err := loadSplit(ctx, e, dataset.SplitTest, cache)
	if err != nil {
		return err
	}

	net, err := network.New(e.cfg.Network, network.Exec{Workers: e.cfg.Workers}, tc.Seed)
	if err != nil {
		return err
	}
	trainer := training.NewTrainer(net, tc, e.log)
	trainer.OnEpoch(func(s training.EpochStats) {
		fmt.Printf("epoch %3d  train %.4f  val %.4f  acc %.3f  %s%s\n",
			s.Epoch, s.TrainLoss, s.ValidationLoss, s.Accuracy, s.Duration.Round(time.Millisecond), improvedMark(s.Improved))
	})

	res, err := trainer.Train(ctx, train, validation)
	if err != nil {
		return err
	}
	e.log.Info("training finished", "epochs", res.Epochs, "best_epoch", res.BestEpoch, "best_validation_loss", res.BestValidationLoss, "checkpoint", tc.CheckpointPath)
	return nil
}

func improvedMark(improved bool) string {
	if improved {
		return "  *"
	}
	return ""
}

func runTemplates(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("templates")
	corpus := fs.String("corpus", e.cfg.Paths.Dataset, "corpus the references are picked from")
	out := fs.String("out", e.cfg.Paths.Templates, "bank directory")
	checkpoint := fs.String("checkpoint", e.cfg.Paths.Checkpoint, "network checkpoint")
	verifyOnly := fs.Bool("verify", false, "only check an existing bank against the corpus")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if !*verifyOnly {
		net, meta, err := network.Load(*checkpoint, network.Exec{Workers: e.cfg.Workers})
		if err != nil {
			return err
		}
		bank, err := templates.Build(ctx, *corpus, net, imaging.NewNormalizer(e.cfg.Normalize), e.log)
		if err != nil {
			return err
		}
		bank.CheckpointEpoch = meta.Epoch
		if err := bank.Save(*out); err != nil {
			return err
		}
		e.log.Info("template bank saved", "dir", *out, "classes", bank.Len(), "missing", bank.Missing)
	}

	report, err := templates.Verify(*corpus, *out, imaging.NewNormalizer(e.cfg.Normalize))
	if err != nil {
		return err
	}
	if err := printJSON(report); err != nil {
		return err
	}
	if !report.OK() {
		return errors.New("template bank is incomplete")
	}
	return nil
}

// Evaluation is the report written by the evaluate command.
type Evaluation struct {
	Checkpoint     string            `json:"checkpoint"`
	Epoch          int               `json:"epoch"`
	ScoreThreshold float64           `json:"score_threshold"`
	CutoffDistance float64           `json:"cutoff_distance"`
	Threshold      float64           `json:"matcher_threshold"`
	Metrics        calibrate.Metrics `json:"metrics"`
	Summary        calibrate.Summary `json:"summary"`
	Curve          []calibrate.Point `json:"curve"`
}

func runEvaluate(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("evaluate")
	checkpoint := fs.String("checkpoint", e.cfg.Paths.Checkpoint, "network checkpoint")
	split := fs.String("split", dataset.SplitTest, "pairs to calibrate on")
	write := fs.Bool("write", true, "store the threshold in the configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	net, meta, err := network.Load(*checkpoint, network.Exec{Workers: e.cfg.Workers})
	if err != nil {
		return err
	}
	samples, err := loadSplit(ctx, e, *split, imaging.NewImageCache())
	if err != nil {
		return err
	}
	dists, same, err := calibrate.PairDistances(ctx, net, samples, e.cfg.Training.BatchSize)
	if err != nil {
		return err
	}

	th, f1, err := calibrate.FindThreshold(dists, same)
	if err != nil {
		return err
	}
	metrics, err := calibrate.Evaluate(dists, same, th)
	if err != nil {
		return err
	}
	summary, err := calibrate.Summarize(dists, same)
	if err != nil {
		return err
	}
	curve, err := calibrate.Curve(calibrate.Scores(dists), same)
	if err != nil {
		return err
	}

	cutoff := calibrate.CutoffDistance(th, dists)
	ev := Evaluation{
		Checkpoint:     *checkpoint,
		Epoch:          meta.Epoch,
		ScoreThreshold: th,
		CutoffDistance: cutoff,
		Threshold:      matcher.Similarity(cutoff),
		Metrics:        metrics,
		Summary:        summary,
		Curve:          curve,
	}
	e.log.Info("threshold calibrated", "score_threshold", th, "f1", f1, "cutoff_distance", cutoff, "matcher_threshold", ev.Threshold)

	if err := os.MkdirAll(e.cfg.Paths.Reports, 0o755); err != nil {
		return fmt.Errorf("failed to create reports dir: %w", err)
	}
	data, err := json.MarshalIndent(ev, "", "  ")
	if err != nil {
		return err
	}
	report := filepath.Join(e.cfg.Paths.Reports, "evaluation_"+*split+".json")
	if err := os.WriteFile(report, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}

	if *write {
		cfg := e.cfg
		cfg.Matcher.Threshold = ev.Threshold
		if err := config.Save(e.cfgPath, cfg); err != nil {
			return err
		}
		e.log.Info("threshold stored", "config", e.cfgPath)
	}
	return printJSON(ev.Metrics)
}

func runPredict(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("predict")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("no image files given")
	}

	m, err := matcher.Open(ctx, e.cfg.Source(), e.log)
	if err != nil {
		return err
	}

	type prediction struct {
		File string `json:"file"`
		matcher.Result
	}
	var failed int
	for _, file := range fs.Args() {
		if !imaging.IsAllowedExtension(file) {
			e.log.Error(nil, "unsupported file type", "file", file)
			failed++
			continue
		}
		data, err := os.ReadFile(file)
		if err != nil {
			e.log.Error(err, "failed to read image", "file", file)
			failed++
			continue
		}
		res, err := m.PredictBytes(data)
		if err != nil {
			e.log.Error(err, "prediction failed", "file", file)
			failed++
			continue
		}
		if err := printJSON(prediction{File: file, Result: res}); err != nil {
			return err
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d images failed", failed, fs.NArg())
	}
	return nil
}
