// Package mcp exposes the special functions and the mode resolver as Model
// Context Protocol tools, using the official MCP Go SDK
// (github.com/modelcontextprotocol/go-sdk).
//
// Every registered special function becomes one tool taking the caller's
// utterance and returning the function's reply. An additional "resolve_mode"
// tool classifies an utterance the way a dialogue session would.
//
// Typical usage:
//
//	srv := mcp.NewServer(registry, mcp.WithResolver(resolver))
//	mux.Handle("/mcp", mcp.Handler(srv))
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/voxline/internal/dialogue"
	"github.com/MrWong99/voxline/internal/special"
)

// ResolveToolName is the name of the mode-classification tool.
const ResolveToolName = "resolve_mode"

// Functions is the subset of [special.Registry] the server needs.
type Functions interface {
	Functions() []special.Function
	Invoke(ctx context.Context, name, utterance string) string
}

// Resolver classifies utterances. [dialogue.Resolver] satisfies it.
type Resolver interface {
	Resolve(utterance string) dialogue.Resolution
}

// FunctionInput is the argument of every special-function tool.
type FunctionInput struct {
	Utterance string `json:"utterance" jsonschema:"the caller's utterance the function should answer"`
}

// FunctionOutput is the structured result of a special-function tool.
type FunctionOutput struct {
	Function string `json:"function"`
	Reply    string `json:"reply"`
}

// ResolveInput is the argument of the resolve_mode tool.
type ResolveInput struct {
	Utterance string `json:"utterance" jsonschema:"the utterance to classify"`
}

// ResolveOutput reports the personality and special function an utterance
// selects. Empty fields mean no match.
type ResolveOutput struct {
	Personality string `json:"personality,omitempty"`
	Function    string `json:"function,omitempty"`
}

type options struct {
	name     string
	version  string
	resolver Resolver
}

// Option configures [NewServer].
type Option func(*options)

// WithResolver also registers the resolve_mode tool backed by r.
func WithResolver(r Resolver) Option {
	return func(o *options) { o.resolver = r }
}

// WithImplementation overrides the server name and version reported to
// clients during initialisation.
func WithImplementation(name, version string) Option {
	return func(o *options) {
		o.name = name
		o.version = version
	}
}

// NewServer builds an MCP server with one tool per function in fns.
func NewServer(fns Functions, opts ...Option) *mcpsdk.Server {
	o := options{name: "voxline", version: "dev"}
	for _, opt := range opts {
		opt(&o)
	}

	srv := mcpsdk.NewServer(&mcpsdk.Implementation{Name: o.name, Version: o.version}, nil)
	for _, fn := range fns.Functions() {
		mcpsdk.AddTool(srv, &mcpsdk.Tool{
			Name:        fn.Name,
			Description: describe(fn),
		}, functionHandler(fns, fn.Name))
	}
	if o.resolver != nil {
		mcpsdk.AddTool(srv, &mcpsdk.Tool{
			Name:        ResolveToolName,
			Description: "Classify an utterance into a personality switch and a special function.",
		}, resolveHandler(o.resolver))
	}
	return srv
}

// Handler serves srv over the streamable HTTP transport.
func Handler(srv *mcpsdk.Server) http.Handler {
	return mcpsdk.NewStreamableHTTPHandler(func(*http.Request) *mcpsdk.Server { return srv }, nil)
}

func functionHandler(fns Functions, name string) mcpsdk.ToolHandlerFor[FunctionInput, FunctionOutput] {
	return func(ctx context.Context, _ *mcpsdk.CallToolRequest, in FunctionInput) (*mcpsdk.CallToolResult, FunctionOutput, error) {
		if strings.TrimSpace(in.Utterance) == "" {
			return nil, FunctionOutput{}, fmt.Errorf("mcp: %s: utterance must not be empty", name)
		}
		reply := fns.Invoke(ctx, name, in.Utterance)
		slog.Debug("mcp tool invoked", "tool", name)
		return &mcpsdk.CallToolResult{
			Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: reply}},
		}, FunctionOutput{Function: name, Reply: reply}, nil
	}
}

func resolveHandler(r Resolver) mcpsdk.ToolHandlerFor[ResolveInput, ResolveOutput] {
	return func(_ context.Context, _ *mcpsdk.CallToolRequest, in ResolveInput) (*mcpsdk.CallToolResult, ResolveOutput, error) {
		res := r.Resolve(in.Utterance)
		return nil, ResolveOutput{Personality: res.Personality, Function: res.Function}, nil
	}
}

func describe(fn special.Function) string {
	if fn.Description != "" {
		return fn.Description
	}
	return fmt.Sprintf("Run the %s special function on an utterance.", fn.Name)
}
