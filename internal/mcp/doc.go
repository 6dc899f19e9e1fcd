// Package mcp exposes chain execution over the Model Context Protocol.
//
// This implementation uses the MCP SDK (github.com/modelcontextprotocol/go-sdk/mcp)
// on the stdio transport and calls the internal services directly. Tools
// carry typed input/output structs; every invocation is instrumented.
package mcp
