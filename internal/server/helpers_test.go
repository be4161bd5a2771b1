package server

import (
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-logr/logr"

	"github.com/AntoineMLD/EngraveDetect/internal/imaging"
	"github.com/AntoineMLD/EngraveDetect/internal/matcher"
	"github.com/AntoineMLD/EngraveDetect/internal/network"
	"github.com/AntoineMLD/EngraveDetect/internal/templates"
)

const testSize = 32

// symbolImage draws black rectangles on a white canvas.
func symbolImage(width, height int, rects ...image.Rectangle) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), &image.Uniform{color.White}, image.Point{}, draw.Src)
	for _, r := range rects {
		draw.Draw(img, r, &image.Uniform{color.Black}, image.Point{}, draw.Src)
	}
	return img
}

var (
	barSymbol    = symbolImage(40, 40, image.Rect(12, 5, 28, 35))
	squareSymbol = symbolImage(40, 40, image.Rect(10, 10, 30, 30))
)

// writeImageFile encodes img as PNG into dir/name and returns the path.
func writeImageFile(t *testing.T, dir, name string, img image.Image) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("failed to create directory: %v", err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create file: %v", err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("failed to encode image: %v", err)
	}
	return path
}

// testMatcher builds a matcher over a two-class bank with an untrained network.
func testMatcher(t *testing.T) *matcher.Matcher {
	t.Helper()
	corpus := t.TempDir()
	writeImageFile(t, corpus, "bar/bar_01.png", barSymbol)
	writeImageFile(t, corpus, "square/square_01.png", squareSymbol)

	net, err := network.New(network.Config{
		InputSize:    testSize,
		Channels:     []int{2, 4, 8},
		Hidden:       16,
		EmbeddingDim: 8,
		Dropout:      0,
		Momentum:     0.1,
		Epsilon:      1e-5,
	}, network.Exec{Workers: 2}, 21)
	if err != nil {
		t.Fatalf("network.New failed: %v", err)
	}
	n := imaging.NewNormalizer(imaging.NormalizeOptions{CanonicalSize: testSize})
	bank, err := templates.Build(context.Background(), corpus, net, n, logr.Discard())
	if err != nil {
		t.Fatalf("templates.Build failed: %v", err)
	}
	m, err := matcher.New(net, bank, n, matcher.Options{TopK: 2})
	if err != nil {
		t.Fatalf("matcher.New failed: %v", err)
	}
	return m
}

// newTestServer returns a server without OCR and a counter of engine loads.
func newTestServer(t *testing.T) (*Server, *int) {
	t.Helper()
	m := testMatcher(t)
	loads := 0
	engine, err := matcher.NewEngine(context.Background(), func(context.Context) (*matcher.Matcher, error) {
		loads++
		return m, nil
	})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return New(engine, nil, logr.Discard(), "test"), &loads
}

// callTool runs a tools/call request through the request router.
func callTool(t *testing.T, s *Server, name string, args interface{}) *MCPResponse {
	t.Helper()
	params, err := json.Marshal(map[string]interface{}{"name": name, "arguments": args})
	if err != nil {
		t.Fatalf("failed to marshal params: %v", err)
	}
	resp := s.handleRequest(context.Background(), &MCPRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "tools/call",
		Params:  params,
	})
	if resp == nil {
		t.Fatal("handleRequest returned nil")
	}
	return resp
}

// decodeContent unmarshals the text content of a successful tool response.
func decodeContent(t *testing.T, resp *MCPResponse, v interface{}) {
	t.Helper()
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	result, ok := resp.Result.(map[string]interface{})
	if !ok {
		t.Fatal("Result should be a map")
	}
	content, ok := result["content"].([]map[string]interface{})
	if !ok || len(content) != 1 {
		t.Fatalf("content: got %#v", result["content"])
	}
	if content[0]["type"] != "text" {
		t.Errorf("content type: got %v, want text", content[0]["type"])
	}
	text, _ := content[0]["text"].(string)
	if err := json.Unmarshal([]byte(text), v); err != nil {
		t.Fatalf("failed to decode content %q: %v", text, err)
	}
}

// expectError checks that resp failed with code.
func expectError(t *testing.T, resp *MCPResponse, code int) {
	t.Helper()
	if resp.Error == nil {
		t.Fatalf("expected error code %d, got result %v", code, resp.Result)
	}
	if resp.Error.Code != code {
		t.Errorf("error code: got %d, want %d (%v)", resp.Error.Code, code, resp.Error.Data)
	}
}
