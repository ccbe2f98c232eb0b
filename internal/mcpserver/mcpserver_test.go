package mcpserver

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jkaninda/edagate/internal/tools"
	"github.com/jkaninda/edagate/internal/tools/project"
	"github.com/jkaninda/edagate/internal/workspace"
)

func newClient(t *testing.T) *mcpclient.Client {
	t.Helper()
	ws, err := workspace.New(filepath.Join(t.TempDir(), "ws"))
	if err != nil {
		t.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := tools.NewRegistry(logger)
	for _, tool := range project.Tools(ws, logger) {
		reg.Register(tool)
	}
	srv := New(reg, "test", logger)

	c, err := mcpclient.NewInProcessClient(srv.MCP())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })

	ctx := context.Background()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "test", Version: "0.0.1"}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	res, err := c.Initialize(ctx, initReq)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if res.ServerInfo.Name != ServerName {
		t.Errorf("server name = %q", res.ServerInfo.Name)
	}
	return c
}

func callText(t *testing.T, c *mcpclient.Client, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := c.CallTool(context.Background(), req)
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	return res
}

func text(res *mcp.CallToolResult) string {
	var sb strings.Builder
	for _, c := range res.Content {
		if tc, ok := mcp.AsTextContent(c); ok {
			sb.WriteString(tc.Text)
		}
	}
	return sb.String()
}

func TestListTools(t *testing.T) {
	c := newClient(t)
	res, err := c.ListTools(context.Background(), mcp.ListToolsRequest{})
	if err != nil {
		t.Fatal(err)
	}
	names := map[string]mcp.Tool{}
	for _, tool := range res.Tools {
		names[tool.Name] = tool
	}
	for _, want := range []string{"initialize_project", "write_file", "list_projects", "list_project_files"} {
		if _, ok := names[want]; !ok {
			t.Errorf("tool %s not listed", want)
		}
	}
	write := names["write_file"]
	if len(write.InputSchema.Required) != 2 {
		t.Errorf("write_file required = %v", write.InputSchema.Required)
	}
	if _, ok := write.InputSchema.Properties["content"]; !ok {
		t.Error("write_file missing content property")
	}
}

func TestCallTool(t *testing.T) {
	c := newClient(t)
	res := callText(t, c, "initialize_project", map[string]any{"project_name": "counter"})
	if res.IsError || !strings.Contains(text(res), "`counter`") {
		t.Errorf("result = %+v", res)
	}

	res = callText(t, c, "list_projects", nil)
	if !strings.Contains(text(res), "| `counter` |") {
		t.Errorf("list_projects = %q", text(res))
	}
}

func TestCallTool_ErrorsAreResults(t *testing.T) {
	c := newClient(t)
	res := callText(t, c, "initialize_project", map[string]any{"project_name": "../etc"})
	if !res.IsError || !strings.HasPrefix(text(res), "ERROR: ") {
		t.Errorf("result = %+v", res)
	}

	res = callText(t, c, "write_file", map[string]any{"project_name": "p"})
	if !res.IsError || !strings.Contains(text(res), "filename") {
		t.Errorf("missing argument result = %q", text(res))
	}
}
