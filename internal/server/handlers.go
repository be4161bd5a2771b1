package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"path/filepath"

	"github.com/AntoineMLD/EngraveDetect/internal/imaging"
	"github.com/AntoineMLD/EngraveDetect/internal/ocr"
)

// errInvalidInput marks failures caused by the caller's image or arguments.
var errInvalidInput = errors.New("invalid input")

// ToolCallParams represents the parameters for a tools/call MCP request.
type ToolCallParams struct {
	// Name is the tool to invoke (e.g., "symbol_detect").
	Name string `json:"name"`

	// Arguments contains the tool-specific parameters as JSON.
	Arguments json.RawMessage `json:"arguments"`
}

// handleToolsCall processes a tools/call request and executes the specified tool.
//
// The response wraps the tool result in MCP's content format:
//
//	{
//	  "content": [{"type": "text", "text": "<JSON result>"}]
//	}
//
// Undecodable images and rejected arguments return CodeInvalidInput; other
// tool failures return CodeToolFailed.
func (s *Server) handleToolsCall(ctx context.Context, req *MCPRequest) *MCPResponse {
	var params ToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return s.errorResponse(req.ID, CodeInvalidParams, "Invalid params", err.Error())
	}

	result, err := s.executeTool(ctx, params.Name, params.Arguments)
	if err != nil {
		s.log.V(1).Info("tool failed", "tool", params.Name, "error", err.Error())
		if errors.Is(err, errInvalidInput) || errors.Is(err, imaging.ErrInvalidImage) {
			return s.errorResponse(req.ID, CodeInvalidInput, "Invalid input", err.Error())
		}
		return s.errorResponse(req.ID, CodeToolFailed, "Tool execution failed", err.Error())
	}

	return &MCPResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: map[string]interface{}{
			"content": []map[string]interface{}{
				{
					"type": "text",
					"text": mustMarshalJSON(result),
				},
			},
		},
	}
}

// executeTool dispatches tool execution to the appropriate handler function.
func (s *Server) executeTool(ctx context.Context, name string, args json.RawMessage) (interface{}, error) {
	switch name {
	// Recognition
	case "symbol_detect":
		return s.handleSymbolDetect(args)
	case "symbol_detect_base64":
		return s.handleSymbolDetectBase64(args)
	case "symbol_normalize":
		return s.handleSymbolNormalize(args)

	// Administration
	case "symbol_templates":
		return s.handleSymbolTemplates()
	case "symbol_reload":
		return s.handleSymbolReload(ctx)

	// Text engravings
	case "symbol_read_text":
		return s.handleSymbolReadText(args)

	default:
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
}

// errorResponse creates a JSON-RPC error response with the given details.
func (s *Server) errorResponse(id interface{}, code int, message, data string) *MCPResponse {
	e := &MCPError{Code: code, Message: message}
	if data != "" {
		e.Data = data
	}
	return &MCPResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   e,
	}
}

// mustMarshalJSON converts a value to pretty-printed JSON string.
// On marshal failure, returns an empty string.
func mustMarshalJSON(v interface{}) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}

func decodeArgs(args json.RawMessage, v interface{}) error {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("%w: %v", errInvalidInput, err)
	}
	return nil
}

// === Image Loading ===

type imageArgs struct {
	Path        string          `json:"path"`
	Region      *imaging.Region `json:"region,omitempty"`
	NamedRegion string          `json:"named_region,omitempty"`
}

// loadImage reads the image at a.Path and crops it to the requested region.
func (s *Server) loadImage(a imageArgs) (image.Image, error) {
	img, region, err := s.loadSource(a)
	if err != nil || region == nil {
		return img, err
	}
	return imaging.Crop(img, *region)
}

// loadSource reads the image at a.Path and resolves the requested region
// against it. A nil region means the whole image.
func (s *Server) loadSource(a imageArgs) (image.Image, *imaging.Region, error) {
	if a.Path == "" {
		return nil, nil, fmt.Errorf("%w: path is required", errInvalidInput)
	}
	if !imaging.IsAllowedExtension(a.Path) {
		return nil, nil, fmt.Errorf("%w: unsupported file type %q", errInvalidInput, filepath.Ext(a.Path))
	}
	img, err := s.cache.Load(a.Path)
	if err != nil {
		return nil, nil, err
	}

	switch {
	case a.Region != nil:
		if _, err := imaging.Crop(img, *a.Region); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", errInvalidInput, err)
		}
		return img, a.Region, nil
	case a.NamedRegion != "":
		r, err := imaging.NamedRegion(img, a.NamedRegion)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", errInvalidInput, err)
		}
		return img, &r, nil
	}
	return img, nil, nil
}

// === Recognition Handlers ===

func (s *Server) handleSymbolDetect(args json.RawMessage) (interface{}, error) {
	var a imageArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	img, err := s.loadImage(a)
	if err != nil {
		return nil, err
	}
	return s.engine.Predict(img)
}

type symbolDetectBase64Args struct {
	Data     string `json:"data"`
	Filename string `json:"filename,omitempty"`
}

func (s *Server) handleSymbolDetectBase64(args json.RawMessage) (interface{}, error) {
	var a symbolDetectBase64Args
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if a.Filename != "" && !imaging.IsAllowedExtension(a.Filename) {
		return nil, fmt.Errorf("%w: unsupported file type %q", errInvalidInput, filepath.Ext(a.Filename))
	}
	data, err := base64.StdEncoding.DecodeString(a.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: data is not valid base64: %v", errInvalidInput, err)
	}
	return s.engine.PredictBytes(data)
}

// NormalizeResult carries the canonical image of a symbol.
type NormalizeResult struct {
	Found     bool   `json:"found"`
	Size      int    `json:"size"`
	ImageData string `json:"image_data,omitempty"`
}

func (s *Server) handleSymbolNormalize(args json.RawMessage) (interface{}, error) {
	var a imageArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	img, err := s.loadImage(a)
	if err != nil {
		return nil, err
	}

	n := s.engine.Matcher().Normalizer()
	res := &NormalizeResult{Size: n.CanonicalSize()}
	norm, ok := n.Normalize(img)
	if !ok {
		return res, nil
	}
	res.Found = true
	res.ImageData, err = imaging.EncodePNGBase64(norm)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// === Administration Handlers ===

// TemplatesResult describes the template bank in use.
type TemplatesResult struct {
	Classes         []string `json:"classes"`
	Missing         []string `json:"missing"`
	Count           int      `json:"count"`
	Threshold       float64  `json:"threshold"`
	CheckpointEpoch int      `json:"checkpoint_epoch,omitempty"`
}

func (s *Server) handleSymbolTemplates() (interface{}, error) {
	m := s.engine.Matcher()
	bank := m.Bank()
	missing := bank.Missing
	if missing == nil {
		missing = []string{}
	}
	return &TemplatesResult{
		Classes:         bank.Classes(),
		Missing:         missing,
		Count:           bank.Len(),
		Threshold:       m.Threshold(),
		CheckpointEpoch: bank.CheckpointEpoch,
	}, nil
}

func (s *Server) handleSymbolReload(ctx context.Context) (interface{}, error) {
	if err := s.engine.Reload(ctx); err != nil {
		return nil, err
	}
	s.cache.Clear()
	s.log.Info("engine reloaded", "templates", s.engine.Matcher().Bank().Len())
	return s.handleSymbolTemplates()
}

// === Text Handlers ===

type symbolReadTextArgs struct {
	imageArgs
	MinConfidence float64 `json:"min_confidence"`
}

func (s *Server) handleSymbolReadText(args json.RawMessage) (interface{}, error) {
	if s.reader == nil {
		return nil, errors.New("text reading is disabled")
	}
	var a symbolReadTextArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	img, region, err := s.loadSource(a.imageArgs)
	if err != nil {
		return nil, err
	}
	var res *ocr.Result
	if region != nil {
		res, err = s.reader.ReadRegion(img, *region)
	} else {
		res, err = s.reader.Read(img)
	}
	if err != nil {
		return nil, err
	}
	if a.MinConfidence > 0 {
		words := make([]ocr.Word, 0, len(res.Words))
		for _, w := range res.Words {
			if w.Confidence >= a.MinConfidence {
				words = append(words, w)
			}
		}
		res.Words = words
	}
	return res, nil
}
