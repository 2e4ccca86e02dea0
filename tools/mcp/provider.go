// Package mcp implements the image tool provider over the Model Context
// Protocol: the provider is an external subprocess spoken to via stdio, and
// all pixel work happens on its side of the pipe.
package mcp

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"

	"github.com/darkroomd/darkroom/edit"
	"github.com/darkroomd/darkroom/errors"
	"github.com/darkroomd/darkroom/tools"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// Tool names the provider process must expose.
const (
	toolReadImageMetadata = "read_image_metadata"
	toolRenderPreview     = "render_preview"
	toolComputeAspectRect = "compute_aspect_rect"
	toolComputeImageStats = "compute_image_stats"
)

// Provider is a tools.Provider backed by one MCP server subprocess.
type Provider struct {
	name  string
	cmd   *exec.Cmd
	conn  *mcpsdk.ClientSession
	tools map[string]bool
}

var _ tools.Provider = (*Provider)(nil)

// New starts the provider subprocess, connects over stdio, and verifies it
// exposes the tools the agent depends on.
func New(ctx context.Context, name, command string, args []string) (*Provider, error) {
	cmd := exec.Command(command, args...)
	cmd.Stderr = os.Stderr

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "darkroom", Version: "v1.0.0"}, nil)
	conn, err := client.Connect(ctx, mcpsdk.NewCommandTransport(cmd))
	if err != nil {
		cmd.Process.Kill()
		return nil, errors.Wrapf(err, "failed to connect to tool provider '%s'", name)
	}

	p := &Provider{name: name, cmd: cmd, conn: conn, tools: make(map[string]bool)}

	listParams := &mcpsdk.ListToolsParams{}
	for {
		toolList, err := conn.ListTools(ctx, listParams)
		if err != nil {
			cmd.Process.Kill()
			return nil, errors.Wrapf(err, "failed to list tools from provider '%s'", name)
		}
		for _, t := range toolList.Tools {
			p.tools[t.Name] = true
		}
		if toolList.NextCursor == "" {
			break
		}
		listParams.Cursor = toolList.NextCursor
	}

	for _, required := range []string{
		toolReadImageMetadata, toolRenderPreview,
		toolComputeAspectRect, toolComputeImageStats,
	} {
		if !p.tools[required] {
			p.Close()
			return nil, errors.E(errors.KindTransport,
				"tool provider '%s' does not expose %s", name, required)
		}
	}
	return p, nil
}

func (p *Provider) ReadImageMetadata(ctx context.Context, uri string) (tools.ImageMetadata, error) {
	var meta tools.ImageMetadata
	err := p.callJSON(ctx, toolReadImageMetadata, map[string]any{"uri": uri}, &meta)
	return meta, err
}

func (p *Provider) RenderPreview(ctx context.Context, uri string, stack *edit.Stack, maxPixels int) ([]byte, error) {
	args := map[string]any{
		"uri":        uri,
		"max_pixels": maxPixels,
		"ops":        stackOps(stack),
	}
	result, err := p.call(ctx, toolRenderPreview, args)
	if err != nil {
		return nil, err
	}
	for _, content := range result.Content {
		if img, ok := content.(*mcpsdk.ImageContent); ok {
			return img.Data, nil
		}
	}
	return nil, errors.E(errors.KindTransport,
		"provider '%s' returned no image for %s", p.name, toolRenderPreview)
}

func (p *Provider) ComputeAspectRect(ctx context.Context, uri, aspect string) (edit.RectNorm, error) {
	var rect edit.RectNorm
	err := p.callJSON(ctx, toolComputeAspectRect, map[string]any{"uri": uri, "aspect": aspect}, &rect)
	return rect, err
}

func (p *Provider) ComputeImageStats(ctx context.Context, uri string, stack *edit.Stack) (tools.ImageStats, error) {
	var stats tools.ImageStats
	args := map[string]any{"uri": uri, "ops": stackOps(stack)}
	err := p.callJSON(ctx, toolComputeImageStats, args, &stats)
	return stats, err
}

// Close terminates the provider subprocess.
func (p *Provider) Close() error {
	if p.conn != nil {
		p.conn.Close()
	}
	if p.cmd != nil && p.cmd.Process != nil {
		return p.cmd.Process.Kill()
	}
	return nil
}

func (p *Provider) call(ctx context.Context, tool string, args map[string]any) (*mcpsdk.CallToolResult, error) {
	result, err := p.conn.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      tool,
		Arguments: args,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "tool %s failed on provider '%s'", tool, p.name)
	}
	if result.IsError {
		return nil, errors.E(errors.KindTransport,
			"tool %s reported an error: %s", tool, textOf(result))
	}
	return result, nil
}

// callJSON invokes a tool and decodes its text content as JSON into out.
func (p *Provider) callJSON(ctx context.Context, tool string, args map[string]any, out any) error {
	result, err := p.call(ctx, tool, args)
	if err != nil {
		return err
	}
	payload := textOf(result)
	if payload == "" {
		return errors.E(errors.KindTransport, "tool %s returned no text content", tool)
	}
	if err := json.Unmarshal([]byte(payload), out); err != nil {
		return errors.Wrapf(err, "could not decode %s response", tool)
	}
	return nil
}

func textOf(result *mcpsdk.CallToolResult) string {
	var out string
	for _, content := range result.Content {
		if tc, ok := content.(*mcpsdk.TextContent); ok {
			out += tc.Text
		}
	}
	return out
}

// stackOps serializes the live operations for the wire. A nil stack renders
// the base image untouched.
func stackOps(stack *edit.Stack) []edit.Op {
	if stack == nil {
		return nil
	}
	return stack.Ops
}
