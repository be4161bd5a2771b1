package network

import (
	"context"
	"fmt"
	"math/rand"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Mode selects training or inference behaviour of dropout and batch norm.
type Mode int

const (
	// Inference disables dropout and uses batch norm running statistics.
	Inference Mode = iota
	// Training enables dropout, uses batch statistics and updates running ones.
	Training
)

// normEpsilon keeps L2 normalization finite for an all-zero head output.
const normEpsilon = 1e-12

// Network maps a normalized symbol image to a unit-length embedding.
//
// A single set of parameters serves both sides of a pair. Forward in Inference
// mode only reads the parameters and is safe for concurrent use; training calls
// (Forward in Training mode, Backward, optimizer steps) must not run
// concurrently with anything else on the same Network.
type Network struct {
	cfg  Config
	exec Exec

	convs []*conv2d
	norms []*batchNorm
	fc1   *linear
	fc2   *linear
}

// New builds a network with randomly initialized weights.
func New(cfg Config, exec Exec, seed int64) (*Network, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid network config: %w", err)
	}
	rnd := rand.New(rand.NewSource(seed))

	n := &Network{cfg: cfg, exec: exec}
	in := 1
	for i, ch := range cfg.Channels {
		n.convs = append(n.convs, newConv2d(fmt.Sprintf("conv%d", i+1), in, ch, rnd))
		n.norms = append(n.norms, newBatchNorm(fmt.Sprintf("bn%d", i+1), ch))
		in = ch
	}
	n.fc1 = newLinear("fc1", cfg.FlatSize(), cfg.Hidden, rnd)
	n.fc2 = newLinear("fc2", cfg.Hidden, cfg.EmbeddingDim, rnd)
	return n, nil
}

// Config returns the network topology.
func (n *Network) Config() Config {
	return n.cfg
}

// Exec returns the execution context the network was built with.
func (n *Network) Exec() Exec {
	return n.exec
}

// Params lists every trainable parameter in a fixed order.
func (n *Network) Params() []*Param {
	var params []*Param
	for i := range n.convs {
		params = append(params, n.convs[i].W, n.convs[i].B, n.norms[i].Gamma, n.norms[i].Beta)
	}
	return append(params, n.fc1.W, n.fc1.B, n.fc2.W, n.fc2.B)
}

// ZeroGrad clears every accumulated gradient.
func (n *Network) ZeroGrad() {
	for _, p := range n.Params() {
		p.ZeroGrad()
	}
}

// stageTrace records one conv block for the backward pass.
type stageTrace struct {
	side int
	in   [][]float64
	bn   *bnTrace
	act  [][]float64
	arg  [][]int
}

// Pass holds the activations of one forward call.
type Pass struct {
	mode   Mode
	n      int
	stages []stageTrace

	flat  *mat.Dense
	mask0 *mat.Dense
	h     *mat.Dense
	hAct  *mat.Dense
	mask1 *mat.Dense
	out   *mat.Dense
	norms []float64

	// Embeddings holds one unit vector per input, in input order.
	Embeddings [][]float64
}

// Forward embeds a batch of input tensors, each of InputSize*InputSize values.
// rnd drives dropout and is only used in Training mode.
func (n *Network) Forward(ctx context.Context, inputs [][]float64, mode Mode, rnd *rand.Rand) (*Pass, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("empty batch")
	}
	want := n.cfg.InputSize * n.cfg.InputSize
	for i, x := range inputs {
		if len(x) != want {
			return nil, fmt.Errorf("input %d: got %d values, want %d", i, len(x), want)
		}
	}
	if mode == Training && rnd == nil {
		return nil, fmt.Errorf("training mode requires a random source")
	}

	p := &Pass{mode: mode, n: len(inputs)}
	xs := inputs
	side := n.cfg.InputSize

	for s, conv := range n.convs {
		bn := n.norms[s]
		plane := side * side
		st := stageTrace{side: side, in: xs}

		ys := make([][]float64, len(xs))
		err := n.each(ctx, len(xs), func(i int) error {
			y := conv.forward(xs[i], side)
			if mode == Inference {
				y = bn.forwardInfer(y, plane, n.cfg.Epsilon)
			}
			ys[i] = y
			return nil
		})
		if err != nil {
			return nil, err
		}
		if mode == Training {
			ys, st.bn = bn.forwardTrain(ys, plane, n.cfg.Momentum, n.cfg.Epsilon)
		}

		st.act = ys
		st.arg = make([][]int, len(ys))
		pooled := make([][]float64, len(ys))
		err = n.each(ctx, len(ys), func(i int) error {
			for j, v := range ys[i] {
				if v < 0 {
					ys[i][j] = 0
				}
			}
			pooled[i], st.arg[i] = maxPool2(ys[i], conv.out, side)
			return nil
		})
		if err != nil {
			return nil, err
		}

		p.stages = append(p.stages, st)
		xs = pooled
		side /= 2
	}

	flat := mat.NewDense(p.n, n.cfg.FlatSize(), nil)
	for i, x := range xs {
		copy(flat.RawRowView(i), x)
	}
	if mode == Training && n.cfg.Dropout > 0 {
		p.mask0 = dropout(flat, n.cfg.Dropout, rnd)
	}
	p.flat = flat

	h := n.fc1.forward(flat)
	relu(h)
	if mode == Training {
		p.hAct = mat.DenseCopyOf(h)
		if n.cfg.Dropout > 0 {
			p.mask1 = dropout(h, n.cfg.Dropout, rnd)
		}
	}
	p.h = h

	p.out = n.fc2.forward(h)
	p.norms = make([]float64, p.n)
	p.Embeddings = make([][]float64, p.n)
	for i := 0; i < p.n; i++ {
		row := p.out.RawRowView(i)
		norm := max(floats.Norm(row, 2), normEpsilon)
		e := make([]float64, len(row))
		floats.ScaleTo(e, 1/norm, row)
		p.norms[i] = norm
		p.Embeddings[i] = e
	}
	return p, nil
}

// Backward propagates dEmb, the loss gradient with respect to each embedding
// of p, and accumulates parameter gradients. Calling it for both sides of a
// pair sums their contributions into the shared parameters.
func (n *Network) Backward(ctx context.Context, p *Pass, dEmb [][]float64) error {
	if p.mode != Training {
		return fmt.Errorf("backward requires a training pass")
	}
	if len(dEmb) != p.n {
		return fmt.Errorf("got %d gradients for %d embeddings", len(dEmb), p.n)
	}

	dOut := mat.NewDense(p.n, n.cfg.EmbeddingDim, nil)
	for i := 0; i < p.n; i++ {
		e := p.Embeddings[i]
		g := dOut.RawRowView(i)
		dot := floats.Dot(e, dEmb[i])
		for j := range g {
			g[j] = (dEmb[i][j] - e[j]*dot) / p.norms[i]
		}
	}

	dH := n.fc2.backward(p.h, dOut)
	if p.mask1 != nil {
		dH.MulElem(dH, p.mask1)
	}
	reluBackward(dH, p.hAct)

	dFlat := n.fc1.backward(p.flat, dH)
	if p.mask0 != nil {
		dFlat.MulElem(dFlat, p.mask0)
	}

	dxs := make([][]float64, p.n)
	for i := range dxs {
		dxs[i] = append([]float64(nil), dFlat.RawRowView(i)...)
	}

	for s := len(n.convs) - 1; s >= 0; s-- {
		st := p.stages[s]
		conv, bn := n.convs[s], n.norms[s]
		plane := st.side * st.side

		dys := make([][]float64, p.n)
		err := n.each(ctx, p.n, func(i int) error {
			dy := maxPool2Backward(dxs[i], st.arg[i], conv.out*plane)
			for j, a := range st.act[i] {
				if a <= 0 {
					dy[j] = 0
				}
			}
			dys[i] = dy
			return nil
		})
		if err != nil {
			return err
		}

		dys = bn.backward(dys, st.bn, plane)

		// Per-sample gradient buffers are reduced in sample order so results do
		// not depend on scheduling.
		gws := make([][]float64, p.n)
		gbs := make([][]float64, p.n)
		next := make([][]float64, p.n)
		err = n.each(ctx, p.n, func(i int) error {
			gws[i] = make([]float64, len(conv.W.Grad))
			gbs[i] = make([]float64, len(conv.B.Grad))
			next[i] = conv.backward(st.in[i], dys[i], st.side, gws[i], gbs[i], s > 0)
			return nil
		})
		if err != nil {
			return err
		}
		for i := 0; i < p.n; i++ {
			floats.Add(conv.W.Grad, gws[i])
			floats.Add(conv.B.Grad, gbs[i])
		}
		dxs = next
	}
	return nil
}

// Twin runs both sides of a batch of pairs through the same parameters.
func (n *Network) Twin(ctx context.Context, a, b [][]float64, mode Mode, rnd *rand.Rand) (*Pass, *Pass, error) {
	pa, err := n.Forward(ctx, a, mode, rnd)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to embed first images: %w", err)
	}
	pb, err := n.Forward(ctx, b, mode, rnd)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to embed second images: %w", err)
	}
	return pa, pb, nil
}

// Embed returns the inference embedding of one input tensor.
func (n *Network) Embed(input []float64) ([]float64, error) {
	p, err := n.Forward(context.Background(), [][]float64{input}, Inference, nil)
	if err != nil {
		return nil, err
	}
	return p.Embeddings[0], nil
}

// EmbedBatch returns inference embeddings for several inputs.
func (n *Network) EmbedBatch(ctx context.Context, inputs [][]float64) ([][]float64, error) {
	p, err := n.Forward(ctx, inputs, Inference, nil)
	if err != nil {
		return nil, err
	}
	return p.Embeddings, nil
}

// each runs fn for every sample index with at most Exec.Workers goroutines.
func (n *Network) each(ctx context.Context, count int, fn func(i int) error) error {
	if count == 1 {
		return fn(0)
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(n.exec.workers())
	for i := 0; i < count; i++ {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return fn(i)
		})
	}
	return g.Wait()
}
