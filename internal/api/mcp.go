package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/autowa/internal/conversation"
	"github.com/kalambet/autowa/internal/pipeline"
)

// NewMCPServer exposes contacts, memory search, auto-reply toggles and the
// command grammar as MCP tools.
func NewMCPServer(deps Deps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"autowa",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("autowa answers WhatsApp messages for a small business. Use these tools to inspect conversations and send messages."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_contacts",
			mcp.WithDescription("List known WhatsApp contacts, most recent activity first."),
			mcp.WithString("query", mcp.Description("Optional name to fuzzy-match")),
		),
		mcpListContacts(deps),
	)

	s.AddTool(
		mcp.NewTool("contact_history",
			mcp.WithDescription("Return the latest messages exchanged with a contact."),
			mcp.WithString("contact", mcp.Description("Contact id or name"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of messages (default 20)")),
		),
		mcpContactHistory(deps),
	)

	s.AddTool(
		mcp.NewTool("search_memory",
			mcp.WithDescription("Find earlier messages of a contact that are semantically similar to a query."),
			mcp.WithString("contact", mcp.Description("Contact id or name"), mcp.Required()),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpSearchMemory(deps),
	)

	s.AddTool(
		mcp.NewTool("run_command",
			mcp.WithDescription(`Execute a command: send "<text>" to <name>, /draft <topic>, or /schedule <title> with <name> at <when>.`),
			mcp.WithString("text", mcp.Description("The command text"), mcp.Required()),
		),
		mcpRunCommand(deps),
	)

	s.AddTool(
		mcp.NewTool("set_autoreply",
			mcp.WithDescription("Turn automatic replies on or off, globally or for one contact."),
			mcp.WithBoolean("enabled", mcp.Description("Whether replies are sent"), mcp.Required()),
			mcp.WithString("contact", mcp.Description("Contact id or name; omit for the global toggle")),
		),
		mcpSetAutoReply(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"autowa://contacts",
			"Contacts",
			mcp.WithResourceDescription("All contacts with their auto-reply state as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceContacts(deps),
	)

	return s
}

// resolveContact accepts an id or a name and returns the contact id.
func resolveContact(ctx context.Context, conv *conversation.State, ref string) (string, error) {
	if _, ok, err := conv.Contact(ctx, ref); err != nil {
		return "", err
	} else if ok {
		return ref, nil
	}
	c, ok, err := conv.ResolveByFuzzyName(ctx, ref)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: %q", conversation.ErrUnknownContact, ref)
	}
	return c.ID, nil
}

func mcpListContacts(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		views, err := contactViews(ctx, deps)
		if err != nil {
			return mcpError(fmt.Sprintf("listing contacts failed: %v", err)), nil
		}
		if q := req.GetString("query", ""); q != "" {
			id, err := resolveContact(ctx, deps.Conv, q)
			if err != nil {
				return mcpText("[]"), nil
			}
			for _, v := range views {
				if v.ID == id {
					views = []ContactView{v}
					break
				}
			}
		}
		return mcpJSON(views)
	}
}

func mcpContactHistory(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ref, err := req.RequireString("contact")
		if err != nil {
			return mcpError("contact is required"), nil
		}
		id, err := resolveContact(ctx, deps.Conv, ref)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		limit := req.GetInt("limit", 20)
		if limit <= 0 || limit > 500 {
			limit = 20
		}
		history, err := deps.Conv.History(ctx, id, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("reading history failed: %v", err)), nil
		}
		return mcpJSON(history)
	}
}

func mcpSearchMemory(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ref, err := req.RequireString("contact")
		if err != nil {
			return mcpError("contact is required"), nil
		}
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		id, err := resolveContact(ctx, deps.Conv, ref)
		if err != nil {
			return mcpError(err.Error()), nil
		}

		hits, err := search(ctx, deps.Memory, SearchRequest{Query: query, ContactID: id, NResults: req.GetInt("limit", defaultSearchResults)})
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		return mcpJSON(hits)
	}
}

func mcpRunCommand(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil {
			return mcpError("text is required"), nil
		}
		res, err := deps.Orchestrator.Command(ctx, text)
		if errors.Is(err, pipeline.ErrUnrecognized) {
			return mcpError(`unrecognized command; use send "<text>" to <name>, /draft <topic> or /schedule <title> at <when>`), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("command failed: %v", err)), nil
		}
		return mcpJSON(res)
	}
}

func mcpSetAutoReply(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		enabled, err := req.RequireBool("enabled")
		if err != nil {
			return mcpError("enabled is required"), nil
		}
		state := "off"
		if enabled {
			state = "on"
		}

		ref := req.GetString("contact", "")
		if ref == "" {
			if err := deps.Conv.SetGlobalAutoReply(ctx, enabled); err != nil {
				return mcpError(fmt.Sprintf("setting auto-reply failed: %v", err)), nil
			}
			return mcpText("Auto-reply is now " + state + " globally"), nil
		}

		id, err := resolveContact(ctx, deps.Conv, ref)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		if err := deps.Conv.SetContactAutoReply(ctx, id, enabled); err != nil {
			return mcpError(fmt.Sprintf("setting auto-reply failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Auto-reply is now %s for %s", state, id)), nil
	}
}

func mcpResourceContacts(deps Deps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		views, err := contactViews(ctx, deps)
		if err != nil {
			return nil, fmt.Errorf("listing contacts: %w", err)
		}
		b, err := json.Marshal(views)
		if err != nil {
			return nil, fmt.Errorf("marshaling contacts: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func contactViews(ctx context.Context, deps Deps) ([]ContactView, error) {
	contacts, err := deps.Conv.Contacts(ctx)
	if err != nil {
		return nil, err
	}
	policy, err := deps.Conv.AutoReplyPolicy(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]ContactView, 0, len(contacts))
	for _, c := range contacts {
		views = append(views, contactView(c, policy))
	}
	return views, nil
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
