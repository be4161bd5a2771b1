// Package imaging turns raw drawings and scans into canonical symbol images.
//
// The central type is Normalizer: it reduces any decodable image to a square
// grayscale picture with dark ink centered on a white background, so that
// freehand sketches, scanned catalog pages and previously normalized templates
// all reach the embedding network in the same form. Normalizing an already
// normalized image yields a visually equivalent result.
//
// The package also holds the loading side (Decode, LoadFile, ImageCache), the
// training-set augmentations (Augmenter), a pixel agreement metric used to
// verify templates (CompareGray) and the tensor conversion consumed by the
// network (ToTensor).
//
// # Coordinate System
//
// All pixel coordinates are 0-based with (0,0) at the top-left corner. For
// regions, (X1,Y1) is inclusive and (X2,Y2) is exclusive. Every *image.Gray
// returned by this package has bounds starting at (0,0).
//
// # Thread Safety
//
// Normalizer and ImageCache are safe for concurrent use. Augmenter owns a
// random source and must not be shared between goroutines.
package imaging
