package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"pulpo/errors"
	"pulpo/llm"
	"pulpo/tools"
)

// Client manages the connection to a single MCP server subprocess and
// exposes the server's tools through the engine tool interface.
type Client struct {
	Name  string
	cmd   *exec.Cmd
	conn  *mcpsdk.ClientSession
	tools map[string]*Tool
}

// NewClient starts the MCP server subprocess and discovers its tools,
// following list pagination to the end.
func NewClient(ctx context.Context, name, command string, args []string) (*Client, error) {
	cmd := exec.Command(command, args...)
	cmd.Stderr = os.Stderr
	mcpClient := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "pulpo", Version: "v1.0.0"}, nil)
	conn, err := mcpClient.Connect(ctx, mcpsdk.NewCommandTransport(cmd))
	if err != nil {
		cmd.Process.Kill()
		return nil, errors.Wrapf(err, "failed to connect to MCP server '%s'", name)
	}
	client := &Client{
		Name:  name,
		cmd:   cmd,
		conn:  conn,
		tools: make(map[string]*Tool),
	}

	toolListParams := &mcpsdk.ListToolsParams{}
	for {
		toolList, err := conn.ListTools(ctx, toolListParams)
		if err != nil {
			cmd.Process.Kill()
			return nil, errors.Wrapf(err, "failed to list tools from MCP server '%s'", name)
		}
		for _, t := range toolList.Tools {
			client.tools[t.Name] = &Tool{
				serverName:  name,
				toolName:    t.Name,
				description: t.Description,
				inputSchema: decodeSchema(t.InputSchema),
				client:      client,
			}
		}
		if toolList.NextCursor == "" {
			break
		}
		toolListParams.Cursor = toolList.NextCursor
	}

	slog.Info("initialized MCP client", "server", name, "tools", len(client.tools))
	return client, nil
}

// Tools returns the discovered tools.
func (c *Client) Tools() []*Tool {
	out := make([]*Tool, 0, len(c.tools))
	for _, t := range c.tools {
		out = append(out, t)
	}
	return out
}

// Tool returns a specific tool by its short name.
func (c *Client) Tool(toolName string) (*Tool, bool) {
	t, ok := c.tools[toolName]
	return t, ok
}

// Stop terminates the MCP server subprocess.
func (c *Client) Stop() error {
	if c.conn != nil {
		c.conn.Close()
	}
	if c.cmd != nil && c.cmd.Process != nil {
		slog.Info("terminating MCP server", "server", c.Name)
		return c.cmd.Process.Kill()
	}
	return nil
}

// Tool is a tool served by an external MCP server, adapted to the
// engine tool interface.
type Tool struct {
	serverName  string
	toolName    string
	description string
	inputSchema map[string]any
	client      *Client
}

// Name returns the short tool name. Qualified "<server>:<tool>" names
// break some providers' tool name validation.
func (t *Tool) Name() string { return t.toolName }

func (t *Tool) Description() string { return t.description }

func (t *Tool) Schema() llm.ToolSchema {
	schema := t.inputSchema
	if schema == nil {
		schema = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return llm.ToolSchema{Name: t.toolName, Description: t.description, InputSchema: schema}
}

// Execute forwards the call to the MCP server and concatenates the
// text content of the reply.
func (t *Tool) Execute(ctx context.Context, input map[string]any) tools.Result {
	result, err := t.client.conn.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      t.toolName,
		Arguments: input,
	})
	if err != nil {
		return tools.Fail("failed to call tool '%s': %v", t.toolName, err)
	}
	var text strings.Builder
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			text.WriteString(tc.Text)
		}
	}
	if result.IsError {
		return tools.Fail("%s", text.String())
	}
	return tools.OK(text.String())
}

// decodeSchema converts the SDK's schema representation to a plain map
// via a JSON round trip.
func decodeSchema(schema any) map[string]any {
	if schema == nil {
		return nil
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}
