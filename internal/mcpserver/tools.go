// Package mcpserver registers MCP tools that expose the chat core.
// It adapts app.Core to the MCP SDK's tool handler interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/alexjbarnes/chatsync/internal/auth"
	"github.com/alexjbarnes/chatsync/internal/models"
)

// defaultListLimit caps chat_messages when no limit is given.
const defaultListLimit = 50

// Chat is the subset of app.Core the tools use.
type Chat interface {
	Messages() []models.Message
	Get(id string) (models.Message, error)
	Send(ctx context.Context, content string) (*models.Message, error)
	Edit(ctx context.Context, id, content string) error
	Delete(ctx context.Context, id string) error
	React(ctx context.Context, id, emoji string) error
	Pin(ctx context.Context, id string) error
	Search(ctx context.Context, query string) ([]models.Message, error)
	Status() models.ConnectionStatus
	Reset(ctx context.Context) models.ResetStatus
}

// RegisterTools adds all chat tools to the given MCP server.
func RegisterTools(server *mcp.Server, chat Chat, logger *slog.Logger) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_messages",
		Description: "List the most recent messages in the channel, oldest first. Includes reactions, pin and edit state.",
	}, messagesHandler(chat))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_send",
		Description: "Send a message to the channel as the signed-in user. Returns the confirmed message.",
	}, sendHandler(chat, logger))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_edit",
		Description: "Replace the content of one of your own messages.",
	}, editHandler(chat, logger))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_delete",
		Description: "Delete one of your own messages.",
	}, deleteHandler(chat, logger))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_react",
		Description: "Toggle an emoji reaction on a message.",
	}, reactHandler(chat))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_pin",
		Description: "Toggle the pinned flag of a message.",
	}, pinHandler(chat))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_search",
		Description: "Case-insensitive server side search over message content. A newer search cancels one still running.",
	}, searchHandler(chat))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "connection_status",
		Description: "Report connectivity: online flag, active handle, channel state, reset status and session expiry.",
	}, statusHandler(chat))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "connection_reset",
		Description: "Rebuild the connection, refresh the session and rejoin the channel. Concurrent resets share one run.",
	}, resetHandler(chat, logger))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// MessagesInput holds parameters for chat_messages.
type MessagesInput struct {
	Limit int `json:"limit,omitempty" jsonschema:"number of most recent messages, defaults to 50"`
}

// SendInput holds parameters for chat_send.
type SendInput struct {
	Content string `json:"content" jsonschema:"required,message text"`
}

// EditInput holds parameters for chat_edit.
type EditInput struct {
	ID      string `json:"id" jsonschema:"required,message id"`
	Content string `json:"content" jsonschema:"required,new message text"`
}

// IDInput holds the message id for chat_delete and chat_pin.
type IDInput struct {
	ID string `json:"id" jsonschema:"required,message id"`
}

// ReactInput holds parameters for chat_react.
type ReactInput struct {
	ID    string `json:"id" jsonschema:"required,message id"`
	Emoji string `json:"emoji" jsonschema:"required,emoji to toggle"`
}

// SearchInput holds parameters for chat_search.
type SearchInput struct {
	Query string `json:"query" jsonschema:"required,search text"`
}

// EmptyInput has no parameters.
type EmptyInput struct{}

// --- Output types ---
// Timestamps are RFC 3339 strings and reactions a sorted list so the
// inferred output schema stays plain JSON.

// ReactionView is one emoji's aggregate on a message.
type ReactionView struct {
	Emoji string   `json:"emoji"`
	Count int      `json:"count"`
	Users []string `json:"users"`
}

// MessageView is a message as reported to MCP clients.
type MessageView struct {
	ID        string         `json:"id"`
	AuthorID  string         `json:"author_id"`
	Content   string         `json:"content"`
	CreatedAt string         `json:"created_at"`
	EditedAt  string         `json:"edited_at,omitempty"`
	Pinned    bool           `json:"pinned"`
	Reactions []ReactionView `json:"reactions,omitempty"`
}

// StatusView is the connection status as reported to MCP clients.
type StatusView struct {
	Online        bool   `json:"online"`
	ActiveRole    string `json:"active_role"`
	HasFallback   bool   `json:"has_fallback"`
	LastCheckAt   string `json:"last_check_at,omitempty"`
	Channel       string `json:"channel"`
	ChannelRetry  int    `json:"channel_retry"`
	Reset         string `json:"reset"`
	Auth          string `json:"auth"`
	SessionExpiry string `json:"session_expiry,omitempty"`
	SubjectID     string `json:"subject_id,omitempty"`
}

// MessagesResult is returned by chat_messages and chat_search.
type MessagesResult struct {
	Total    int           `json:"total"`
	Messages []MessageView `json:"messages"`
}

// MessageResult wraps a single message.
type MessageResult struct {
	Message MessageView `json:"message"`
}

// DeleteResult confirms a deletion.
type DeleteResult struct {
	ID      string `json:"id"`
	Deleted bool   `json:"deleted"`
}

// ResetResult is the terminal reset status.
type ResetResult struct {
	Status models.ResetStatus `json:"status"`
}

// --- Handlers ---

func messagesHandler(chat Chat) mcp.ToolHandlerFor[MessagesInput, *MessagesResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input MessagesInput) (*mcp.CallToolResult, *MessagesResult, error) {
		limit := input.Limit
		if limit <= 0 {
			limit = defaultListLimit
		}

		msgs := chat.Messages()
		total := len(msgs)

		if len(msgs) > limit {
			msgs = msgs[len(msgs)-limit:]
		}

		result := &MessagesResult{Total: total, Messages: views(msgs)}

		return textResult(result), result, nil
	}
}

func sendHandler(chat Chat, logger *slog.Logger) mcp.ToolHandlerFor[SendInput, *MessageResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input SendInput) (*mcp.CallToolResult, *MessageResult, error) {
		m, err := chat.Send(ctx, input.Content)
		if err != nil {
			return nil, nil, err
		}

		logger.Info("mcp: message sent",
			slog.String("id", m.ID),
			slog.String("user_id", auth.RequestUserID(ctx)),
		)

		result := &MessageResult{Message: view(*m)}

		return textResult(result), result, nil
	}
}

func editHandler(chat Chat, logger *slog.Logger) mcp.ToolHandlerFor[EditInput, *MessageResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input EditInput) (*mcp.CallToolResult, *MessageResult, error) {
		if err := chat.Edit(ctx, input.ID, input.Content); err != nil {
			return nil, nil, err
		}

		logger.Info("mcp: message edited",
			slog.String("id", input.ID),
			slog.String("user_id", auth.RequestUserID(ctx)),
		)

		return messageResult(chat, input.ID)
	}
}

func deleteHandler(chat Chat, logger *slog.Logger) mcp.ToolHandlerFor[IDInput, *DeleteResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input IDInput) (*mcp.CallToolResult, *DeleteResult, error) {
		if err := chat.Delete(ctx, input.ID); err != nil {
			return nil, nil, err
		}

		logger.Info("mcp: message deleted",
			slog.String("id", input.ID),
			slog.String("user_id", auth.RequestUserID(ctx)),
		)

		result := &DeleteResult{ID: input.ID, Deleted: true}

		return textResult(result), result, nil
	}
}

// reactHandler and pinHandler return the message as currently known.
// The change arrives through the channel, so it may not be reflected
// yet.
func reactHandler(chat Chat) mcp.ToolHandlerFor[ReactInput, *MessageResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ReactInput) (*mcp.CallToolResult, *MessageResult, error) {
		if err := chat.React(ctx, input.ID, input.Emoji); err != nil {
			return nil, nil, err
		}

		return messageResult(chat, input.ID)
	}
}

func pinHandler(chat Chat) mcp.ToolHandlerFor[IDInput, *MessageResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input IDInput) (*mcp.CallToolResult, *MessageResult, error) {
		if err := chat.Pin(ctx, input.ID); err != nil {
			return nil, nil, err
		}

		return messageResult(chat, input.ID)
	}
}

func searchHandler(chat Chat) mcp.ToolHandlerFor[SearchInput, *MessagesResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input SearchInput) (*mcp.CallToolResult, *MessagesResult, error) {
		msgs, err := chat.Search(ctx, input.Query)
		if err != nil {
			return nil, nil, err
		}

		result := &MessagesResult{Total: len(msgs), Messages: views(msgs)}

		return textResult(result), result, nil
	}
}

func statusHandler(chat Chat) mcp.ToolHandlerFor[EmptyInput, *StatusView] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, *StatusView, error) {
		st := chat.Status()
		result := &StatusView{
			Online:        st.Online,
			ActiveRole:    string(st.ActiveRole),
			HasFallback:   st.HasFallback,
			LastCheckAt:   timestamp(st.LastCheckAt),
			Channel:       string(st.Channel),
			ChannelRetry:  st.ChannelRetry,
			Reset:         string(st.Reset),
			Auth:          string(st.Auth),
			SessionExpiry: timestamp(st.SessionExpiry),
			SubjectID:     st.SubjectID,
		}

		return textResult(result), result, nil
	}
}

func resetHandler(chat Chat, logger *slog.Logger) mcp.ToolHandlerFor[EmptyInput, *ResetResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, *ResetResult, error) {
		logger.Info("mcp: connection reset requested",
			slog.String("user_id", auth.RequestUserID(ctx)),
			slog.String("ip", auth.RequestRemoteIP(ctx)),
		)

		result := &ResetResult{Status: chat.Reset(ctx)}

		if result.Status != models.ResetSuccess {
			res := textResult(result)
			res.IsError = true

			return res, result, nil
		}

		return textResult(result), result, nil
	}
}

func messageResult(chat Chat, id string) (*mcp.CallToolResult, *MessageResult, error) {
	m, err := chat.Get(id)
	if err != nil {
		return nil, nil, err
	}

	result := &MessageResult{Message: view(m)}

	return textResult(result), result, nil
}

func view(m models.Message) MessageView {
	v := MessageView{
		ID:        m.ID,
		AuthorID:  m.AuthorID,
		Content:   m.Content,
		CreatedAt: timestamp(m.CreatedAt),
		Pinned:    m.Pinned,
	}

	if m.Edited() {
		v.EditedAt = timestamp(*m.EditedAt)
	}

	for _, emoji := range slices.Sorted(maps.Keys(m.Reactions)) {
		r := m.Reactions[emoji]

		users := r.Users
		if users == nil {
			users = []string{}
		}

		v.Reactions = append(v.Reactions, ReactionView{Emoji: emoji, Count: r.Count, Users: users})
	}

	return v
}

func views(msgs []models.Message) []MessageView {
	out := make([]MessageView, len(msgs))
	for i, m := range msgs {
		out[i] = view(m)
	}

	return out
}

func timestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}

	return t.UTC().Format(time.RFC3339Nano)
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
