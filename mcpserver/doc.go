// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The mcpserver package exposes the session core as MCP tools: execute_code,
// upload_file, list_files, download_file, and terminate_session. It uses the
// mark3labs/mcp-go library for the protocol details and supports both stdio
// and streamable HTTP transports; the HTTP transport additionally serves raw
// file content at /download/{session_id}/{file}.
//
// The server owns the alias table: internal session keys never cross the
// boundary, clients only ever see opaque 21-character identifiers.
package mcpserver
