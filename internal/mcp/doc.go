// Package mcp exposes the local pattern store as an MCP server.
//
// It uses the MCP SDK (github.com/modelcontextprotocol/go-sdk/mcp) over the
// stdio transport and registers one tool per local store operation, plus
// kb_sync for an on-demand sync cycle and tool_search for discovery. Tool
// handlers are thin: validation and persistence live in localstore, and
// sync semantics live in syncer.
package mcp
