package e2e_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/chatsync/internal/app"
	"github.com/alexjbarnes/chatsync/internal/auth"
	"github.com/alexjbarnes/chatsync/internal/backend/backendtest"
	"github.com/alexjbarnes/chatsync/internal/mcpserver"
	"github.com/alexjbarnes/chatsync/internal/server"
	"github.com/alexjbarnes/chatsync/internal/state"
)

const (
	testTopic   = "room:messages"
	testSubject = "alice@example.com"
)

// harness holds the full e2e stack: a chat core on the in-memory service
// with a bbolt session store, served over HTTP with the MCP tools, metrics
// and health endpoints.
type harness struct {
	URL     string
	Key     string
	Service *backendtest.Service
	Core    *app.Core
	Client  *http.Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	svc := backendtest.NewService()

	st, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"), "")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	require.NoError(t, st.SetCredential(*svc.IssueCredential(testSubject)))

	reg := prometheus.NewRegistry()

	core, err := app.New(t.Context(), app.Options{
		Factory:    svc.Factory(),
		Store:      st,
		Table:      "messages",
		Topic:      testTopic,
		Registerer: reg,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { core.Close(context.Background()) })

	require.NoError(t, core.Start(t.Context()))

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "chatsync-e2e", Version: "test"},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, core, logger)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	key := auth.GenerateAPIKey()

	keys := auth.NewStore()
	require.NoError(t, keys.AddAPIKey("e2e", key))

	mux := server.NewMux(server.MuxConfig{
		Store:      keys,
		MCPHandler: mcpHandler,
		Gatherer:   reg,
		Status:     core.Status,
		Logger:     logger,
	})

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return &harness{
		URL:     ts.URL,
		Key:     key,
		Service: svc,
		Core:    core,
		Client:  ts.Client(),
	}
}

// mcpSession connects an MCP client to the harness using key as the
// Bearer token.
func (h *harness) mcpSession(t *testing.T, key string) *mcp.ClientSession {
	t.Helper()

	transport := &mcp.StreamableClientTransport{
		Endpoint: h.URL + "/mcp",
		HTTPClient: &http.Client{
			Transport: &bearerTransport{
				token: key,
				base:  h.Client.Transport,
			},
		},
		DisableStandaloneSSE: true,
	}

	client := mcp.NewClient(
		&mcp.Implementation{Name: "e2e-test-client", Version: "test"},
		nil,
	)

	session, err := client.Connect(t.Context(), transport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	return session
}

// callTool calls name and decodes its JSON text result into out.
func callTool(t *testing.T, session *mcp.ClientSession, name string, args map[string]any, out any) *mcp.CallToolResult {
	t.Helper()

	result, err := session.CallTool(t.Context(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	require.NoError(t, err)

	if out != nil && !result.IsError {
		require.NoError(t, json.Unmarshal([]byte(extractTextContent(t, result)), out))
	}

	return result
}

// doGet performs a GET request with t.Context().
func (h *harness) doGet(t *testing.T, path string) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, h.URL+path, nil)
	require.NoError(t, err)

	resp, err := h.Client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	return resp
}

// bearerTransport is an http.RoundTripper that injects a Bearer token
// into every request's Authorization header.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (bt *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+bt.token)

	return bt.base.RoundTrip(req)
}

// extractTextContent pulls the text from the first TextContent in a
// CallToolResult. MCP tools return JSON-serialized results as TextContent.
func extractTextContent(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()

	require.NotEmpty(t, result.Content, "tool result has no content")

	for _, c := range result.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			return tc.Text
		}
	}

	t.Fatal("no TextContent found in tool result")

	return ""
}
