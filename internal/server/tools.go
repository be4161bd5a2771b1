package server

// Tool represents an MCP tool definition
type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

// namedRegions are the regions accepted by the named_region argument.
var namedRegions = []string{"top-left", "top-right", "bottom-left", "bottom-right", "top-half", "bottom-half", "left-half", "right-half", "center"}

func pathProperty() map[string]interface{} {
	return map[string]interface{}{
		"type":        "string",
		"description": "Absolute path to the image file (.jpg, .jpeg, .png, .gif, .bmp, .tiff)",
	}
}

func regionProperties() map[string]interface{} {
	return map[string]interface{}{
		"region": map[string]interface{}{
			"type":        "object",
			"description": "Optional rectangle to analyze instead of the whole image",
			"properties": map[string]interface{}{
				"x1": map[string]interface{}{"type": "integer", "description": "Left edge X coordinate (0-based)"},
				"y1": map[string]interface{}{"type": "integer", "description": "Top edge Y coordinate (0-based)"},
				"x2": map[string]interface{}{"type": "integer", "description": "Right edge X coordinate (exclusive)"},
				"y2": map[string]interface{}{"type": "integer", "description": "Bottom edge Y coordinate (exclusive)"},
			},
			"required": []string{"x1", "y1", "x2", "y2"},
		},
		"named_region": map[string]interface{}{
			"type":        "string",
			"enum":        namedRegions,
			"description": "Optional named region to analyze; ignored when region is set",
		},
	}
}

func withRegion(props map[string]interface{}) map[string]interface{} {
	for k, v := range regionProperties() {
		props[k] = v
	}
	return props
}

// GetToolDefinitions returns all available tools
func GetToolDefinitions() []Tool {
	return []Tool{
		// Recognition
		{
			Name:        "symbol_detect",
			Description: "Identify which known engraved lens symbol an image file shows. Returns predicted_symbol (null when no symbol is drawn), similarity_score in [0,1] and is_confident.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": withRegion(map[string]interface{}{
					"path": pathProperty(),
				}),
				"required": []string{"path"},
			},
		},
		{
			Name:        "symbol_detect_base64",
			Description: "Identify the engraved symbol in base64-encoded image bytes, e.g. a drawing exported from a sketch pad.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"data": map[string]interface{}{
						"type":        "string",
						"description": "Base64-encoded image (PNG, JPEG, GIF, BMP, TIFF or WebP)",
					},
					"filename": map[string]interface{}{
						"type":        "string",
						"description": "Optional original file name; its extension must be an accepted upload type",
					},
				},
				"required": []string{"data"},
			},
		},
		{
			Name:        "symbol_normalize",
			Description: "Return the canonical image the recognizer sees: binarized, cropped to the ink, resized and centered. Returned as base64-encoded PNG.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": withRegion(map[string]interface{}{
					"path": pathProperty(),
				}),
				"required": []string{"path"},
			},
		},

		// Administration
		{
			Name:        "symbol_templates",
			Description: "List the symbol classes of the loaded template bank, the classes without a template and the confidence threshold.",
			InputSchema: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			},
		},
		{
			Name:        "symbol_reload",
			Description: "Reload the network checkpoint and template bank from disk. Requests keep using the previous state until the new one is fully loaded.",
			InputSchema: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			},
		},

		// Text engravings
		{
			Name:        "symbol_read_text",
			Description: "Read letters and digits engraved on a lens (coating codes, index values) with OCR.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": withRegion(map[string]interface{}{
					"path": pathProperty(),
					"min_confidence": map[string]interface{}{
						"type":        "number",
						"description": "Minimum word confidence (0.0-1.0). Default from configuration",
					},
				}),
				"required": []string{"path"},
			},
		},
	}
}

// handleToolsList returns the list of available tools
func (s *Server) handleToolsList(req *MCPRequest) *MCPResponse {
	return &MCPResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: map[string]interface{}{
			"tools": GetToolDefinitions(),
		},
	}
}
