// Package network implements the twin-branch embedding network used to compare
// engraved symbols, together with its contrastive loss, Adam optimizer and
// binary checkpoint format.
//
// Both images of a pair go through the same Network, so there is a single set
// of parameters. The architecture is three blocks of 3x3 convolution, batch
// norm, ReLU and 2x2 max pooling, followed by dropout, a ReLU fully connected
// layer, dropout, a linear projection and L2 normalization. Embeddings are
// unit vectors, which bounds the distance between two of them by 2.
//
// The implementation is plain float64 on the CPU. Per-sample work inside a
// batch is spread over Exec.Workers goroutines; gradients are reduced in sample
// order so a seeded training run is reproducible.
package network
