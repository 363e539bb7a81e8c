// Copyright 2025 The llmist Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mcpgadget adapts tools exposed by an external MCP (Model Context
// Protocol) server, over the stdio transport, into this runtime's Gadget
// interface. Each MCP tool the server advertises becomes one registrable
// Gadget whose schema and execution are proxied to the subprocess.
package mcpgadget

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/zbigniewsobiecki/llmist/pkg/gadget"
)

// Config configures a connection to a single stdio MCP server.
type Config struct {
	Name    string
	Command string
	Args    []string
	Env     map[string]string
}

// Source lazily connects to an MCP server and exposes its tools as
// gadgets. The connection is established on first call to Gadgets, not at
// construction, so wiring one into a registry is cheap even if the server
// is never actually invoked in a given run.
type Source struct {
	cfg Config

	mu      sync.Mutex
	client  *client.Client
	gadgets []gadget.Gadget
}

// New returns a Source for cfg. It does not connect.
func New(cfg Config) *Source {
	return &Source{cfg: cfg}
}

// Gadgets connects (if not already connected) and returns one gadget per
// tool the server advertises.
func (s *Source) Gadgets(ctx context.Context) ([]gadget.Gadget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		return s.gadgets, nil
	}

	c, err := client.NewStdioMCPClient(s.cfg.Command, s.convertEnv(), s.cfg.Args...)
	if err != nil {
		return nil, fmt.Errorf("mcpgadget: start %q: %w", s.cfg.Name, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "llmist", Version: "0.1.0"}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	if _, err := c.Initialize(ctx, initReq); err != nil {
		return nil, fmt.Errorf("mcpgadget: initialize %q: %w", s.cfg.Name, err)
	}

	listResp, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("mcpgadget: list tools from %q: %w", s.cfg.Name, err)
	}

	s.client = c
	s.gadgets = make([]gadget.Gadget, 0, len(listResp.Tools))
	for _, t := range listResp.Tools {
		s.gadgets = append(s.gadgets, &proxyGadget{
			sourceName: s.cfg.Name,
			client:     c,
			tool:       t,
		})
	}
	return s.gadgets, nil
}

// Close terminates the underlying subprocess, if connected.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *Source) convertEnv() []string {
	env := make([]string, 0, len(s.cfg.Env))
	for k, v := range s.cfg.Env {
		env = append(env, k+"="+v)
	}
	return env
}

// proxyGadget adapts one remote MCP tool.
type proxyGadget struct {
	sourceName string
	client     *client.Client
	tool       mcp.Tool
}

func (g *proxyGadget) Describe() gadget.Descriptor {
	return gadget.Descriptor{
		Name:            g.sourceName + "_" + g.tool.Name,
		Description:     g.tool.Description,
		ParameterSchema: convertSchema(g.tool.InputSchema),
	}
}

func (g *proxyGadget) Execute(ctx gadget.Context, params map[string]any) (gadget.Result, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = g.tool.Name
	req.Params.Arguments = params

	resp, err := g.client.CallTool(ctx, req)
	if err != nil {
		return gadget.Result{}, fmt.Errorf("mcpgadget: call %q: %w", g.tool.Name, err)
	}

	var text strings.Builder
	for _, content := range resp.Content {
		if tc, ok := content.(mcp.TextContent); ok {
			text.WriteString(tc.Text)
		}
	}
	if resp.IsError {
		return gadget.Result{}, fmt.Errorf("mcpgadget: %s reported an error: %s", g.tool.Name, text.String())
	}
	return gadget.Result{Text: text.String()}, nil
}

// convertSchema turns the MCP tool's JSON-Schema-ish input schema into the
// plain map[string]any this runtime's registry expects.
func convertSchema(schema mcp.ToolInputSchema) map[string]any {
	raw, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{"type": "object"}
	}
	return out
}
