// Package training runs the contrastive training loop of the embedding network.
package training

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/go-logr/logr"

	"github.com/AntoineMLD/EngraveDetect/internal/dataset"
	"github.com/AntoineMLD/EngraveDetect/internal/network"
)

// Default training parameters.
const (
	DefaultEpochs    = 30
	DefaultBatchSize = 32
	DefaultLogEvery  = 100
)

// Config configures a Trainer. Zero values fall back to defaults.
type Config struct {
	Epochs            int                `json:"epochs"`
	BatchSize         int                `json:"batch_size"`
	Margin            float64            `json:"margin"`
	AccuracyThreshold float64            `json:"accuracy_threshold"`
	LogEvery          int                `json:"log_every"`
	Seed              int64              `json:"seed"`
	Adam              network.AdamConfig `json:"adam"`

	// CheckpointPath receives the best network so far. Empty disables saving.
	CheckpointPath string `json:"checkpoint_path"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Epochs <= 0 {
		c.Epochs = DefaultEpochs
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Margin <= 0 {
		c.Margin = network.DefaultMargin
	}
	if c.AccuracyThreshold <= 0 {
		c.AccuracyThreshold = network.DefaultAccuracyThreshold
	}
	if c.LogEvery <= 0 {
		c.LogEvery = DefaultLogEvery
	}
	c.Adam.ApplyDefaults()
}

// EpochStats reports one epoch. A run that does not converge shows up as
// validation losses that stop improving; it is not an error.
type EpochStats struct {
	Epoch          int           `json:"epoch"`
	TrainLoss      float64       `json:"train_loss"`
	ValidationLoss float64       `json:"validation_loss"`
	Accuracy       float64       `json:"accuracy"`
	Improved       bool          `json:"improved"`
	Duration       time.Duration `json:"duration"`
}

// Result summarizes a training run.
type Result struct {
	Epochs             []EpochStats `json:"epochs"`
	BestEpoch          int          `json:"best_epoch"`
	BestValidationLoss float64      `json:"best_validation_loss"`
}

// Trainer optimizes a network on pairs with the contrastive loss and Adam.
type Trainer struct {
	net     *network.Network
	cfg     Config
	opt     *network.Adam
	loss    network.ContrastiveLoss
	rnd     *rand.Rand
	log     logr.Logger
	onEpoch func(EpochStats)
}

// NewTrainer prepares a trainer for net.
func NewTrainer(net *network.Network, cfg Config, log logr.Logger) *Trainer {
	cfg.ApplyDefaults()
	return &Trainer{
		net:  net,
		cfg:  cfg,
		opt:  network.NewAdam(net.Params(), cfg.Adam),
		loss: network.NewContrastiveLoss(cfg.Margin),
		rnd:  rand.New(rand.NewSource(cfg.Seed)),
		log:  log,
	}
}

// OnEpoch registers a callback invoked after every epoch.
func (t *Trainer) OnEpoch(fn func(EpochStats)) {
	t.onEpoch = fn
}

// Train runs the configured number of epochs. After each epoch the network is
// evaluated on validation in inference mode; whenever the validation loss
// improves on the best seen so far the checkpoint is replaced.
//
// Cancelling ctx stops training between batches and returns the epochs
// completed so far together with the context error.
func (t *Trainer) Train(ctx context.Context, train, validation []dataset.Sample) (*Result, error) {
	if len(train) == 0 {
		return nil, errors.New("training set is empty")
	}
	if len(validation) == 0 {
		t.log.Info("validation set is empty, selecting checkpoints on training loss")
	}

	t.log.Info("training started", "pairs", len(train), "validation", len(validation),
		"epochs", t.cfg.Epochs, "batch", t.cfg.BatchSize)
	defer t.log.Info("training finished")

	samples := append([]dataset.Sample(nil), train...)
	res := &Result{BestValidationLoss: math.Inf(1)}

	for epoch := 1; epoch <= t.cfg.Epochs; epoch++ {
		start := time.Now()
		trainLoss, err := t.runEpoch(ctx, epoch, samples)
		if err != nil {
			return res, err
		}

		stats := EpochStats{Epoch: epoch, TrainLoss: trainLoss}
		if len(validation) > 0 {
			stats.ValidationLoss, stats.Accuracy, err = t.Evaluate(ctx, validation)
			if err != nil {
				return res, err
			}
		} else {
			stats.ValidationLoss = trainLoss
			stats.Accuracy = math.NaN()
		}

		if stats.ValidationLoss < res.BestValidationLoss {
			stats.Improved = true
			res.BestEpoch = epoch
			res.BestValidationLoss = stats.ValidationLoss
			if err := t.saveCheckpoint(epoch, stats.ValidationLoss); err != nil {
				return res, err
			}
		}
		stats.Duration = time.Since(start)
		res.Epochs = append(res.Epochs, stats)

		t.log.Info("epoch finished", "epoch", epoch, "trainLoss", stats.TrainLoss,
			"validationLoss", stats.ValidationLoss, "accuracy", stats.Accuracy,
			"improved", stats.Improved, "bestEpoch", res.BestEpoch, "duration", stats.Duration.String())
		if t.onEpoch != nil {
			t.onEpoch(stats)
		}
	}
	return res, nil
}

func (t *Trainer) runEpoch(ctx context.Context, epoch int, samples []dataset.Sample) (float64, error) {
	t.rnd.Shuffle(len(samples), func(i, j int) {
		samples[i], samples[j] = samples[j], samples[i]
	})

	var total float64
	batchIndex := 0
	for i := 0; i < len(samples); i += t.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		batch := samples[i:min(i+t.cfg.BatchSize, len(samples))]
		loss, err := t.trainBatch(ctx, batch)
		if err != nil {
			return 0, fmt.Errorf("epoch %d batch %d: %w", epoch, batchIndex, err)
		}
		total += loss * float64(len(batch))
		batchIndex++
		if batchIndex%t.cfg.LogEvery == 0 {
			t.log.Info("batch", "epoch", epoch, "batch", batchIndex, "loss", loss)
		}
	}
	return total / float64(len(samples)), nil
}

func (t *Trainer) trainBatch(ctx context.Context, batch []dataset.Sample) (float64, error) {
	a, b, same := unzip(batch)

	pa, pb, err := t.net.Twin(ctx, a, b, network.Training, t.rnd)
	if err != nil {
		return 0, err
	}
	loss, _, err := t.loss.Forward(pa.Embeddings, pb.Embeddings, same)
	if err != nil {
		return 0, err
	}
	ga, gb, err := t.loss.Backward(pa.Embeddings, pb.Embeddings, same)
	if err != nil {
		return 0, err
	}
	if err := t.net.Backward(ctx, pa, ga); err != nil {
		return 0, err
	}
	if err := t.net.Backward(ctx, pb, gb); err != nil {
		return 0, err
	}
	t.opt.Step()
	return loss, nil
}

// Evaluate returns the mean loss and the accuracy at the configured distance
// threshold, computed in inference mode.
func (t *Trainer) Evaluate(ctx context.Context, samples []dataset.Sample) (float64, float64, error) {
	if len(samples) == 0 {
		return 0, 0, errors.New("no samples to evaluate")
	}
	var total float64
	var dists []float64
	var labels []bool
	for i := 0; i < len(samples); i += t.cfg.BatchSize {
		batch := samples[i:min(i+t.cfg.BatchSize, len(samples))]
		a, b, same := unzip(batch)
		pa, pb, err := t.net.Twin(ctx, a, b, network.Inference, nil)
		if err != nil {
			return 0, 0, err
		}
		loss, d, err := t.loss.Forward(pa.Embeddings, pb.Embeddings, same)
		if err != nil {
			return 0, 0, err
		}
		total += loss * float64(len(batch))
		dists = append(dists, d...)
		labels = append(labels, same...)
	}
	return total / float64(len(samples)), network.Accuracy(dists, labels, t.cfg.AccuracyThreshold), nil
}

func (t *Trainer) saveCheckpoint(epoch int, validationLoss float64) error {
	if t.cfg.CheckpointPath == "" {
		return nil
	}
	meta := network.Checkpoint{Epoch: epoch, ValidationLoss: validationLoss}
	if err := t.net.Save(t.cfg.CheckpointPath, meta); err != nil {
		return err
	}
	t.log.Info("stored network", "path", t.cfg.CheckpointPath, "epoch", epoch, "validationLoss", validationLoss)
	return nil
}

func unzip(batch []dataset.Sample) ([][]float64, [][]float64, []bool) {
	a := make([][]float64, len(batch))
	b := make([][]float64, len(batch))
	same := make([]bool, len(batch))
	for i, s := range batch {
		a[i], b[i], same[i] = s.A, s.B, s.Same
	}
	return a, b, same
}
