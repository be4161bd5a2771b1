// Package ocr reads the letters and digits engraved next to lens symbols
// (coating codes, index values, manufacturer marks) using Tesseract through
// gosseract/v2.
//
// # Prerequisites
//
// Tesseract and its language data must be installed on the system:
//   - Ubuntu/Debian: apt-get install tesseract-ocr tesseract-ocr-eng
//   - macOS: brew install tesseract
//
// A different data directory can be selected with Options.TessdataPrefix.
//
// # Preprocessing
//
// Engravings are small and low contrast. Before recognition the image is
// reduced to grayscale and, when its height is below Options.MinHeight,
// upscaled with Lanczos resampling. Word bounds are mapped back to the
// coordinates of the input image.
//
// # Concurrency
//
// A gosseract client is not safe for concurrent use, so every call creates its
// own client. A Reader may be shared between goroutines.
package ocr
