// Package server implements the MCP (Model Context Protocol) server in front
// of the symbol recognizer.
//
// # Protocol
//
// The server communicates over stdio using JSON-RPC 2.0:
//   - Input: JSON-RPC requests on stdin (one per line)
//   - Output: JSON-RPC responses on stdout
//
// Supported MCP methods:
//   - initialize: Protocol handshake
//   - tools/list: Enumerate available tools
//   - tools/call: Execute a tool with arguments
//   - ping: Health check
//
// # Available Tools
//
// Recognition:
//   - symbol_detect: Match the symbol in an image file
//   - symbol_detect_base64: Match the symbol in base64 image bytes
//   - symbol_normalize: Return the canonical image the matcher sees
//
// Administration:
//   - symbol_templates: List template classes and the threshold
//   - symbol_reload: Atomically reload checkpoint and templates
//
// Text engravings:
//   - symbol_read_text: OCR of letters and digits
//
// Image tools accept an optional region or named_region to analyze part of
// the image only.
//
// # Error Handling
//
// Tool errors are returned as JSON-RPC error responses:
//   - -32001 (CodeInvalidInput): undecodable image, unsupported extension, bad region
//   - -32000 (CodeToolFailed): any other failure
//   - -32602, -32601, -32700: standard JSON-RPC codes
//
// # Usage
//
//	srv := server.New(engine, reader, log, version)
//	if err := srv.Run(ctx); err != nil {
//	    log.Error(err, "server stopped")
//	}
package server
