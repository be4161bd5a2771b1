package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/AntoineMLD/EngraveDetect/internal/imaging"
	"github.com/AntoineMLD/EngraveDetect/internal/matcher"
)

func TestHandleToolsCall_SymbolDetect(t *testing.T) {
	s, _ := newTestServer(t)
	dir := t.TempDir()

	tests := []struct {
		name string
		img  image.Image
		want string
	}{
		{"bar", barSymbol, "bar"},
		{"square", squareSymbol, "square"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeImageFile(t, dir, tt.name+".png", tt.img)

			var res matcher.Result
			decodeContent(t, callTool(t, s, "symbol_detect", map[string]interface{}{"path": path}), &res)

			if res.PredictedSymbol == nil || *res.PredictedSymbol != tt.want {
				t.Fatalf("predicted %v, want %s", res.PredictedSymbol, tt.want)
			}
			if res.SimilarityScore <= 0.95 || !res.IsConfident {
				t.Errorf("exact copy: similarity %v confident %v", res.SimilarityScore, res.IsConfident)
			}
			if len(res.Candidates) != 2 {
				t.Errorf("candidates: got %d, want 2", len(res.Candidates))
			}
		})
	}
}

func TestHandleToolsCall_SymbolDetect_Blank(t *testing.T) {
	s, _ := newTestServer(t)
	path := writeImageFile(t, t.TempDir(), "blank.png", symbolImage(40, 40))

	resp := callTool(t, s, "symbol_detect", map[string]interface{}{"path": path})
	var res matcher.Result
	decodeContent(t, resp, &res)
	if res.PredictedSymbol != nil || res.SimilarityScore != 0 || res.IsConfident {
		t.Errorf("blank image: got %+v", res)
	}
}

func TestHandleToolsCall_SymbolDetect_Region(t *testing.T) {
	s, _ := newTestServer(t)
	// The square sits in the right half, a stray mark in the left half.
	img := symbolImage(80, 40, image.Rect(2, 2, 6, 6), image.Rect(50, 10, 70, 30))
	path := writeImageFile(t, t.TempDir(), "two.png", img)

	for _, args := range []map[string]interface{}{
		{"path": path, "region": map[string]int{"x1": 40, "y1": 0, "x2": 80, "y2": 40}},
		{"path": path, "named_region": "right-half"},
	} {
		var res matcher.Result
		decodeContent(t, callTool(t, s, "symbol_detect", args), &res)
		if res.PredictedSymbol == nil || *res.PredictedSymbol != "square" {
			t.Errorf("args %v: predicted %v, want square", args, res.PredictedSymbol)
		}
	}
}

func TestHandleToolsCall_SymbolDetect_InvalidInput(t *testing.T) {
	s, _ := newTestServer(t)
	dir := t.TempDir()
	good := writeImageFile(t, dir, "bar.png", barSymbol)

	corrupt := filepath.Join(dir, "corrupt.png")
	if err := os.WriteFile(corrupt, []byte("not an image"), 0o644); err != nil {
		t.Fatal(err)
	}
	webp := filepath.Join(dir, "sketch.webp")
	if err := os.WriteFile(webp, []byte("RIFF"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		args map[string]interface{}
	}{
		{"missing path", map[string]interface{}{}},
		{"unsupported extension", map[string]interface{}{"path": webp}},
		{"corrupt image", map[string]interface{}{"path": corrupt}},
		{"region outside image", map[string]interface{}{"path": good, "region": map[string]int{"x1": 0, "y1": 0, "x2": 100, "y2": 10}}},
		{"unknown named region", map[string]interface{}{"path": good, "named_region": "middle"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectError(t, callTool(t, s, "symbol_detect", tt.args), CodeInvalidInput)
		})
	}
}

func TestHandleToolsCall_SymbolDetect_NonExistentFile(t *testing.T) {
	s, _ := newTestServer(t)
	resp := callTool(t, s, "symbol_detect", map[string]interface{}{"path": "/nonexistent/path/image.png"})
	expectError(t, resp, CodeToolFailed)
	if resp.Error.Message != "Tool execution failed" {
		t.Errorf("Message: got %s, want 'Tool execution failed'", resp.Error.Message)
	}
}

func TestHandleToolsCall_SymbolDetectBase64(t *testing.T) {
	s, _ := newTestServer(t)

	var buf bytes.Buffer
	if err := png.Encode(&buf, squareSymbol); err != nil {
		t.Fatal(err)
	}
	data := base64.StdEncoding.EncodeToString(buf.Bytes())

	var res matcher.Result
	decodeContent(t, callTool(t, s, "symbol_detect_base64", map[string]interface{}{"data": data, "filename": "drawing.png"}), &res)
	if res.PredictedSymbol == nil || *res.PredictedSymbol != "square" {
		t.Errorf("predicted %v, want square", res.PredictedSymbol)
	}

	tests := []struct {
		name string
		args map[string]interface{}
	}{
		{"not base64", map[string]interface{}{"data": "%%%"}},
		{"not an image", map[string]interface{}{"data": base64.StdEncoding.EncodeToString([]byte("hello"))}},
		{"empty", map[string]interface{}{"data": ""}},
		{"rejected extension", map[string]interface{}{"data": data, "filename": "drawing.svg"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectError(t, callTool(t, s, "symbol_detect_base64", tt.args), CodeInvalidInput)
		})
	}
}

func TestHandleToolsCall_SymbolNormalize(t *testing.T) {
	s, _ := newTestServer(t)
	dir := t.TempDir()

	var res NormalizeResult
	decodeContent(t, callTool(t, s, "symbol_normalize", map[string]interface{}{"path": writeImageFile(t, dir, "bar.png", barSymbol)}), &res)
	if !res.Found || res.Size != testSize {
		t.Fatalf("got %+v", res)
	}
	raw, err := base64.StdEncoding.DecodeString(res.ImageData)
	if err != nil {
		t.Fatalf("image data is not base64: %v", err)
	}
	img, err := imaging.Decode(raw)
	if err != nil {
		t.Fatalf("image data is not an image: %v", err)
	}
	if b := img.Bounds(); b.Dx() != testSize || b.Dy() != testSize {
		t.Errorf("normalized size: got %dx%d", b.Dx(), b.Dy())
	}

	var blank NormalizeResult
	decodeContent(t, callTool(t, s, "symbol_normalize", map[string]interface{}{"path": writeImageFile(t, dir, "blank.png", symbolImage(20, 20))}), &blank)
	if blank.Found || blank.ImageData != "" {
		t.Errorf("blank image: got %+v", blank)
	}
}

func TestHandleToolsCall_SymbolTemplates(t *testing.T) {
	s, _ := newTestServer(t)

	var res TemplatesResult
	decodeContent(t, callTool(t, s, "symbol_templates", map[string]interface{}{}), &res)
	if res.Count != 2 || len(res.Classes) != 2 || res.Classes[0] != "bar" || res.Classes[1] != "square" {
		t.Errorf("classes: got %+v", res)
	}
	if len(res.Missing) != 0 {
		t.Errorf("missing: got %v", res.Missing)
	}
	if res.Threshold != matcher.DefaultThreshold {
		t.Errorf("threshold: got %v", res.Threshold)
	}
}

func TestHandleToolsCall_SymbolReload(t *testing.T) {
	s, loads := newTestServer(t)
	if *loads != 1 {
		t.Fatalf("initial loads: got %d, want 1", *loads)
	}

	var res TemplatesResult
	decodeContent(t, callTool(t, s, "symbol_reload", nil), &res)
	if *loads != 2 {
		t.Errorf("loads after reload: got %d, want 2", *loads)
	}
	if res.Count != 2 {
		t.Errorf("templates after reload: got %d", res.Count)
	}
}

func TestHandleToolsCall_SymbolReadText_Disabled(t *testing.T) {
	s, _ := newTestServer(t)
	path := writeImageFile(t, t.TempDir(), "text.png", barSymbol)
	expectError(t, callTool(t, s, "symbol_read_text", map[string]interface{}{"path": path}), CodeToolFailed)
}

func TestHandleToolsCall_InvalidTool(t *testing.T) {
	s, _ := newTestServer(t)
	resp := callTool(t, s, "image_load", map[string]interface{}{"path": "/x.png"})
	expectError(t, resp, CodeToolFailed)
}

func TestHandleToolsCall_InvalidParams(t *testing.T) {
	s, _ := newTestServer(t)
	resp := s.handleToolsCall(context.Background(), &MCPRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "tools/call",
		Params:  []byte(`{invalid json}`),
	})
	expectError(t, resp, CodeInvalidParams)
}

func TestHandleToolsCall_InvalidArguments(t *testing.T) {
	s, _ := newTestServer(t)
	resp := s.handleToolsCall(context.Background(), &MCPRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "tools/call",
		Params:  []byte(`{"name":"symbol_detect","arguments":"not an object"}`),
	})
	expectError(t, resp, CodeInvalidInput)
}

func TestExecuteTool_UnknownTool(t *testing.T) {
	s, _ := newTestServer(t)
	if _, err := s.executeTool(context.Background(), "nonexistent_tool", nil); err == nil {
		t.Error("executeTool should fail for unknown tool")
	}
}
