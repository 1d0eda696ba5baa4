package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/alexjbarnes/chatsync/internal/models"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// stubChat is an in-memory Chat owned by "alice".
type stubChat struct {
	mu     sync.Mutex
	msgs   []models.Message
	next   int
	resets int
	reset  models.ResetStatus
}

func (s *stubChat) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.msgs)
}

func (s *stubChat) index(id string) int {
	return slices.IndexFunc(s.msgs, func(m models.Message) bool { return m.ID == id })
}

func (s *stubChat) Get(id string) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.index(id)
	if i < 0 {
		return models.Message{}, fmt.Errorf("message %s: %w", id, apperrors.ErrNotFound)
	}

	return s.msgs[i], nil
}

func (s *stubChat) Send(_ context.Context, content string) (*models.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, apperrors.ErrEmptyContent
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.next++
	m := models.Message{
		ID:        fmt.Sprintf("m%d", s.next),
		AuthorID:  "alice",
		Content:   content,
		CreatedAt: t0.Add(time.Duration(s.next) * time.Second),
	}
	s.msgs = append(s.msgs, m)

	return &m, nil
}

func (s *stubChat) mutate(id string, fn func(m *models.Message) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.index(id)
	if i < 0 {
		return fmt.Errorf("message %s: %w", id, apperrors.ErrNotFound)
	}

	return fn(&s.msgs[i])
}

func (s *stubChat) Edit(_ context.Context, id, content string) error {
	return s.mutate(id, func(m *models.Message) error {
		if m.AuthorID != "alice" {
			return apperrors.ErrForbidden
		}

		edited := t0.Add(time.Hour)
		m.Content = content
		m.EditedAt = &edited

		return nil
	})
}

func (s *stubChat) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.index(id)
	if i < 0 {
		return nil
	}

	if s.msgs[i].AuthorID != "alice" {
		return apperrors.ErrForbidden
	}

	s.msgs = slices.Delete(s.msgs, i, i+1)

	return nil
}

func (s *stubChat) React(_ context.Context, id, emoji string) error {
	return s.mutate(id, func(m *models.Message) error {
		if m.Reactions == nil {
			m.Reactions = map[string]models.Reaction{}
		}

		r := m.Reactions[emoji]
		r.Count++
		r.Users = append(r.Users, "alice")
		m.Reactions[emoji] = r

		return nil
	})
}

func (s *stubChat) Pin(_ context.Context, id string) error {
	return s.mutate(id, func(m *models.Message) error {
		m.Pinned = !m.Pinned
		return nil
	})
}

func (s *stubChat) Search(_ context.Context, query string) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Message

	for _, m := range s.msgs {
		if strings.Contains(strings.ToLower(m.Content), strings.ToLower(query)) {
			out = append(out, m)
		}
	}

	return out, nil
}

func (s *stubChat) Status() models.ConnectionStatus {
	return models.ConnectionStatus{
		Online:        true,
		ActiveRole:    models.RolePrimary,
		LastCheckAt:   t0,
		Channel:       models.ChannelJoined,
		Reset:         models.ResetIdle,
		Auth:          models.AuthSignedIn,
		SessionExpiry: t0.Add(time.Hour),
		SubjectID:     "alice",
	}
}

func (s *stubChat) Reset(context.Context) models.ResetStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.resets++

	return s.reset
}

// testSetup registers tools on an MCP server backed by a stub chat and
// returns a connected client session for calling tools.
func testSetup(t *testing.T) (*mcp.ClientSession, *stubChat) {
	t.Helper()

	chat := &stubChat{reset: models.ResetSuccess}
	chat.msgs = []models.Message{
		{ID: "b1", AuthorID: "bob", Content: "Lunch at noon?", CreatedAt: t0.Add(-2 * time.Minute)},
		{ID: "b2", AuthorID: "bob", Content: "see you there", CreatedAt: t0.Add(-time.Minute)},
	}

	server := mcp.NewServer(
		&mcp.Implementation{Name: "chatsync-mcp-test", Version: "test"},
		nil,
	)
	RegisterTools(server, chat, slog.New(slog.DiscardHandler))

	ctx := context.Background()
	t1, t2 := mcp.NewInMemoryTransports()
	_, err := server.Connect(ctx, t1, nil)
	require.NoError(t, err)

	client := mcp.NewClient(
		&mcp.Implementation{Name: "test-client", Version: "test"},
		nil,
	)
	session, err := client.Connect(ctx, t2, nil)
	require.NoError(t, err)
	t.Cleanup(func() { session.Close() })

	return session, chat
}

// callTool is a helper that calls a tool and returns the result.
func callTool(t *testing.T, session *mcp.ClientSession, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	ctx := context.Background()
	result, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	require.NoError(t, err)
	return result
}

// extractJSON unmarshals the first text content from a CallToolResult.
func extractJSON(t *testing.T, result *mcp.CallToolResult, dest any) {
	t.Helper()
	require.NotEmpty(t, result.Content, "result has no content")
	tc, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok, "first content is not TextContent")
	require.NoError(t, json.Unmarshal([]byte(tc.Text), dest))
}

func errorText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.True(t, result.IsError)
	require.NotEmpty(t, result.Content)
	tc, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	return tc.Text
}

func TestListTools(t *testing.T) {
	session, _ := testSetup(t)

	res, err := session.ListTools(context.Background(), nil)
	require.NoError(t, err)

	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}

	assert.ElementsMatch(t, []string{
		"chat_messages", "chat_send", "chat_edit", "chat_delete", "chat_react",
		"chat_pin", "chat_search", "connection_status", "connection_reset",
	}, names)
}

// --- chat_messages ---

func TestMessages_All(t *testing.T) {
	session, _ := testSetup(t)
	result := callTool(t, session, "chat_messages", nil)
	assert.False(t, result.IsError)

	var out MessagesResult
	extractJSON(t, result, &out)
	assert.Equal(t, 2, out.Total)
	require.Len(t, out.Messages, 2)
	assert.Equal(t, "b1", out.Messages[0].ID)
	assert.Equal(t, "2026-03-01T11:58:00Z", out.Messages[0].CreatedAt)
	assert.Empty(t, out.Messages[0].EditedAt)
}

func TestMessages_Limit(t *testing.T) {
	session, _ := testSetup(t)
	result := callTool(t, session, "chat_messages", map[string]any{"limit": 1})

	var out MessagesResult
	extractJSON(t, result, &out)
	assert.Equal(t, 2, out.Total)
	require.Len(t, out.Messages, 1)
	assert.Equal(t, "b2", out.Messages[0].ID)
}

// --- chat_send ---

func TestSend(t *testing.T) {
	session, chat := testSetup(t)
	result := callTool(t, session, "chat_send", map[string]any{"content": "on my way"})
	assert.False(t, result.IsError)

	var out MessageResult
	extractJSON(t, result, &out)
	assert.Equal(t, "on my way", out.Message.Content)
	assert.Equal(t, "alice", out.Message.AuthorID)
	assert.Len(t, chat.Messages(), 3)
}

func TestSend_Empty(t *testing.T) {
	session, chat := testSetup(t)
	result := callTool(t, session, "chat_send", map[string]any{"content": "   "})
	assert.Contains(t, errorText(t, result), "empty")
	assert.Len(t, chat.Messages(), 2)
}

// --- chat_edit / chat_delete ---

func TestEdit_Own(t *testing.T) {
	session, _ := testSetup(t)
	callTool(t, session, "chat_send", map[string]any{"content": "typo"})

	result := callTool(t, session, "chat_edit", map[string]any{"id": "m1", "content": "fixed"})
	assert.False(t, result.IsError)

	var out MessageResult
	extractJSON(t, result, &out)
	assert.Equal(t, "fixed", out.Message.Content)
	assert.NotEmpty(t, out.Message.EditedAt)
}

func TestEdit_Forbidden(t *testing.T) {
	session, chat := testSetup(t)
	result := callTool(t, session, "chat_edit", map[string]any{"id": "b1", "content": "hijack"})
	assert.Contains(t, errorText(t, result), "not permitted")

	m, err := chat.Get("b1")
	require.NoError(t, err)
	assert.Equal(t, "Lunch at noon?", m.Content)
}

func TestDelete_Own(t *testing.T) {
	session, chat := testSetup(t)
	callTool(t, session, "chat_send", map[string]any{"content": "oops"})

	result := callTool(t, session, "chat_delete", map[string]any{"id": "m1"})
	assert.False(t, result.IsError)

	var out DeleteResult
	extractJSON(t, result, &out)
	assert.True(t, out.Deleted)
	assert.Len(t, chat.Messages(), 2)
}

func TestDelete_Forbidden(t *testing.T) {
	session, chat := testSetup(t)
	result := callTool(t, session, "chat_delete", map[string]any{"id": "b2"})
	assert.True(t, result.IsError)
	assert.Len(t, chat.Messages(), 2)
}

// --- chat_react / chat_pin ---

func TestReact(t *testing.T) {
	session, _ := testSetup(t)
	result := callTool(t, session, "chat_react", map[string]any{"id": "b1", "emoji": "👍"})
	assert.False(t, result.IsError)

	var out MessageResult
	extractJSON(t, result, &out)
	require.Len(t, out.Message.Reactions, 1)
	assert.Equal(t, ReactionView{Emoji: "👍", Count: 1, Users: []string{"alice"}}, out.Message.Reactions[0])
}

func TestPin_Toggles(t *testing.T) {
	session, _ := testSetup(t)

	var out MessageResult
	extractJSON(t, callTool(t, session, "chat_pin", map[string]any{"id": "b2"}), &out)
	assert.True(t, out.Message.Pinned)

	extractJSON(t, callTool(t, session, "chat_pin", map[string]any{"id": "b2"}), &out)
	assert.False(t, out.Message.Pinned)
}

func TestPin_Unknown(t *testing.T) {
	session, _ := testSetup(t)
	result := callTool(t, session, "chat_pin", map[string]any{"id": "nope"})
	assert.Contains(t, errorText(t, result), "not found")
}

// --- chat_search ---

func TestSearch(t *testing.T) {
	session, _ := testSetup(t)
	result := callTool(t, session, "chat_search", map[string]any{"query": "lunch"})

	var out MessagesResult
	extractJSON(t, result, &out)
	assert.Equal(t, 1, out.Total)
	assert.Equal(t, "b1", out.Messages[0].ID)
}

func TestSearch_NoMatches(t *testing.T) {
	session, _ := testSetup(t)
	result := callTool(t, session, "chat_search", map[string]any{"query": "dinner"})
	assert.False(t, result.IsError)

	var out MessagesResult
	extractJSON(t, result, &out)
	assert.Equal(t, 0, out.Total)
	assert.Empty(t, out.Messages)
}

// --- connection_status / connection_reset ---

func TestStatus(t *testing.T) {
	session, _ := testSetup(t)
	result := callTool(t, session, "connection_status", nil)

	var out StatusView
	extractJSON(t, result, &out)
	assert.True(t, out.Online)
	assert.Equal(t, "primary", out.ActiveRole)
	assert.Equal(t, "joined", out.Channel)
	assert.Equal(t, "signed_in", out.Auth)
	assert.Equal(t, "2026-03-01T13:00:00Z", out.SessionExpiry)
}

func TestReset(t *testing.T) {
	session, chat := testSetup(t)
	result := callTool(t, session, "connection_reset", nil)
	assert.False(t, result.IsError)

	var out ResetResult
	extractJSON(t, result, &out)
	assert.Equal(t, models.ResetSuccess, out.Status)
	assert.Equal(t, 1, chat.resets)
}

func TestReset_Failure(t *testing.T) {
	session, chat := testSetup(t)
	chat.reset = models.ResetError

	result := callTool(t, session, "connection_reset", nil)
	assert.True(t, result.IsError)

	var out ResetResult
	extractJSON(t, result, &out)
	assert.Equal(t, models.ResetError, out.Status)
}
