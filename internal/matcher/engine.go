package matcher

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"

	engraveimg "github.com/AntoineMLD/EngraveDetect/internal/imaging"
	"github.com/AntoineMLD/EngraveDetect/internal/network"
	"github.com/AntoineMLD/EngraveDetect/internal/templates"
)

// Source locates the artifacts of a Matcher.
type Source struct {
	Checkpoint string
	BankDir    string
	Normalize  engraveimg.NormalizeOptions
	Options    Options
	Exec       network.Exec
}

// Open loads the checkpoint and the template bank and assembles a Matcher.
// Template embeddings are recomputed with the loaded weights. The normalizer
// size follows the network input size unless set explicitly.
func Open(ctx context.Context, src Source, log logr.Logger) (*Matcher, error) {
	net, meta, err := network.Load(src.Checkpoint, src.Exec)
	if err != nil {
		return nil, err
	}
	log.Info("loaded network", "path", src.Checkpoint, "epoch", meta.Epoch, "validationLoss", meta.ValidationLoss)

	opts := src.Normalize
	if opts.CanonicalSize == 0 {
		opts.CanonicalSize = net.Config().InputSize
	}
	n := engraveimg.NewNormalizer(opts)

	bank, err := templates.Load(ctx, src.BankDir, net, n, log)
	if err != nil {
		return nil, err
	}
	return New(net, bank, n, src.Options)
}

// Loader produces a fresh Matcher.
type Loader func(ctx context.Context) (*Matcher, error)

// Engine serves predictions from the current Matcher and swaps in a new one
// on Reload. A prediction always runs against one complete Matcher, never a
// mix of old and new parts.
type Engine struct {
	current atomic.Pointer[Matcher]
	load    Loader

	// reloadMu serializes reloads; predictions never take it.
	reloadMu sync.Mutex
}

// NewEngine builds the first Matcher with load.
func NewEngine(ctx context.Context, load Loader) (*Engine, error) {
	if load == nil {
		return nil, errors.New("nil loader")
	}
	m, err := load(ctx)
	if err != nil {
		return nil, err
	}
	e := &Engine{load: load}
	e.current.Store(m)
	return e, nil
}

// Matcher returns the Matcher currently serving requests.
func (e *Engine) Matcher() *Matcher {
	return e.current.Load()
}

// Reload builds a new Matcher and swaps it in. On failure the current
// Matcher keeps serving.
func (e *Engine) Reload(ctx context.Context) error {
	e.reloadMu.Lock()
	defer e.reloadMu.Unlock()

	m, err := e.load(ctx)
	if err != nil {
		return fmt.Errorf("reload failed: %w", err)
	}
	e.current.Store(m)
	return nil
}

// Predict matches img with the current Matcher.
func (e *Engine) Predict(img image.Image) (Result, error) {
	return e.current.Load().Predict(img)
}

// PredictBytes decodes and matches data with the current Matcher.
func (e *Engine) PredictBytes(data []byte) (Result, error) {
	return e.current.Load().PredictBytes(data)
}
