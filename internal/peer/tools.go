package peer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/yuin/goldmark"
)

// Argument structs double as the source of each tool's input schema.

type listEntriesArgs struct {
	Tag   string `json:"tag,omitempty" jsonschema:"description=Only entries carrying this tag"`
	Query string `json:"query,omitempty" jsonschema:"description=Case-insensitive substring of title or body"`
	Limit int    `json:"limit,omitempty" jsonschema:"description=Maximum entries to return,minimum=0"`
}

type entryIDArgs struct {
	ID string `json:"id" jsonschema:"description=Entry identifier"`
}

type createEntryArgs struct {
	Title string   `json:"title" jsonschema:"description=Entry title"`
	Body  string   `json:"body" jsonschema:"description=Entry body in Markdown"`
	Tags  []string `json:"tags,omitempty" jsonschema:"description=Free-form tags"`
}

type summarizeArgs struct {
	Since string `json:"since,omitempty" jsonschema:"description=RFC 3339 time or Go duration such as 168h"`
	Tag   string `json:"tag,omitempty" jsonschema:"description=Only entries carrying this tag"`
}

// entrySummary is the list_entries row; bodies are omitted.
type entrySummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Tags      []string  `json:"tags"`
	CreatedAt time.Time `json:"created_at"`
}

var reflector = &jsonschema.Reflector{
	DoNotReference: true,
	ExpandedStruct: true,
	Anonymous:      true,
}

// inputSchema reflects a tool argument struct into a JSON Schema.
func inputSchema(v any) json.RawMessage {
	s := reflector.Reflect(v)
	s.Version = ""
	data, err := json.Marshal(s)
	if err != nil {
		panic(fmt.Sprintf("reflect schema for %T: %v", v, err))
	}
	return data
}

// toolSet binds the journal tools to a Journal.
type toolSet struct {
	journal   *Journal
	slowDelay time.Duration
}

func (t *toolSet) serverTools() []server.ServerTool {
	return []server.ServerTool{
		{
			Tool:    mcp.NewToolWithRawSchema("list_entries", "List journal entries, newest first", inputSchema(&listEntriesArgs{})),
			Handler: t.listEntries,
		},
		{
			Tool:    mcp.NewToolWithRawSchema("get_entry", "Fetch one journal entry", inputSchema(&entryIDArgs{})),
			Handler: t.getEntry,
		},
		{
			Tool:    mcp.NewToolWithRawSchema("create_entry", "Create a journal entry", inputSchema(&createEntryArgs{})),
			Handler: t.createEntry,
		},
		{
			Tool:    mcp.NewToolWithRawSchema("delete_entry", "Delete a journal entry", inputSchema(&entryIDArgs{})),
			Handler: t.deleteEntry,
		},
		{
			Tool:    mcp.NewToolWithRawSchema("render_entry", "Render a journal entry as HTML", inputSchema(&entryIDArgs{})),
			Handler: t.renderEntry,
		},
		{
			Tool:    mcp.NewToolWithRawSchema("ai_summarize", "Summarize recent journal entries", inputSchema(&summarizeArgs{})),
			Handler: t.summarize,
		},
	}
}

// jsonResult encodes v as the text payload of a tool result.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal tool result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

// entryError maps journal errors to tool-level error results. Other
// errors become JSON-RPC internal errors.
func entryError(err error) (*mcp.CallToolResult, error) {
	if errors.Is(err, ErrNotFound) {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return nil, err
}

func bindID(req mcp.CallToolRequest) (string, *mcp.CallToolResult) {
	var args entryIDArgs
	if err := req.BindArguments(&args); err != nil {
		return "", mcp.NewToolResultError("invalid arguments: " + err.Error())
	}
	if strings.TrimSpace(args.ID) == "" {
		return "", mcp.NewToolResultError("id is required")
	}
	return args.ID, nil
}

func (t *toolSet) listEntries(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args listEntriesArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError("invalid arguments: " + err.Error()), nil
	}
	entries, err := t.journal.List(ctx, ListFilter{Tag: args.Tag, Query: args.Query, Limit: args.Limit})
	if err != nil {
		return nil, err
	}

	rows := make([]entrySummary, len(entries))
	for i, e := range entries {
		rows[i] = entrySummary{ID: e.ID, Title: e.Title, Tags: e.Tags, CreatedAt: e.CreatedAt}
	}
	return jsonResult(map[string]any{"entries": rows, "count": len(rows)})
}

func (t *toolSet) getEntry(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, bad := bindID(req)
	if bad != nil {
		return bad, nil
	}
	e, err := t.journal.Get(ctx, id)
	if err != nil {
		return entryError(err)
	}
	return jsonResult(e)
}

func (t *toolSet) createEntry(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args createEntryArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError("invalid arguments: " + err.Error()), nil
	}
	if strings.TrimSpace(args.Title) == "" {
		return mcp.NewToolResultError("title is required"), nil
	}
	e, err := t.journal.Create(ctx, args.Title, args.Body, args.Tags)
	if err != nil {
		return nil, err
	}
	return jsonResult(e)
}

func (t *toolSet) deleteEntry(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, bad := bindID(req)
	if bad != nil {
		return bad, nil
	}
	if err := t.journal.Delete(ctx, id); err != nil {
		return entryError(err)
	}
	return jsonResult(map[string]string{"deleted": id})
}

// renderEntry returns the entry as an HTML fragment. The result is
// plain text, not JSON.
func (t *toolSet) renderEntry(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, bad := bindID(req)
	if bad != nil {
		return bad, nil
	}
	e, err := t.journal.Get(ctx, id)
	if err != nil {
		return entryError(err)
	}

	md := "# " + e.Title + "\n\n" + e.Body
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return nil, fmt.Errorf("render markdown: %w", err)
	}
	return mcp.NewToolResultText(buf.String()), nil
}

// summarize produces a plain-text digest of recent entries. It is the
// slow tool: an optional artificial delay stands in for model latency.
func (t *toolSet) summarize(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args summarizeArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError("invalid arguments: " + err.Error()), nil
	}
	since, err := parseSince(args.Since, time.Now())
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if t.slowDelay > 0 {
		timer := time.NewTimer(t.slowDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	entries, err := t.journal.List(ctx, ListFilter{Tag: args.Tag, Since: since})
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(summarizeEntries(entries)), nil
}

// parseSince accepts an RFC 3339 timestamp or a duration relative to
// now. Empty means no lower bound.
func parseSince(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(-d), nil
	}
	return time.Time{}, fmt.Errorf("since %q is neither an RFC 3339 time nor a duration", s)
}

func summarizeEntries(entries []Entry) string {
	if len(entries) == 0 {
		return "No journal entries in range."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d journal entries", len(entries))
	oldest := entries[len(entries)-1].CreatedAt
	newest := entries[0].CreatedAt
	fmt.Fprintf(&b, " from %s to %s.\n", oldest.Format("2006-01-02"), newest.Format("2006-01-02"))

	counts := map[string]int{}
	for _, e := range entries {
		for _, tag := range e.Tags {
			counts[tag]++
		}
	}
	if len(counts) > 0 {
		tags := make([]string, 0, len(counts))
		for tag := range counts {
			tags = append(tags, tag)
		}
		sort.Slice(tags, func(i, j int) bool {
			if counts[tags[i]] != counts[tags[j]] {
				return counts[tags[i]] > counts[tags[j]]
			}
			return tags[i] < tags[j]
		})
		if len(tags) > 5 {
			tags = tags[:5]
		}
		parts := make([]string, len(tags))
		for i, tag := range tags {
			parts[i] = fmt.Sprintf("%s (%d)", tag, counts[tag])
		}
		fmt.Fprintf(&b, "Top tags: %s.\n", strings.Join(parts, ", "))
	}

	b.WriteString("Titles:\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "- %s\n", e.Title)
	}
	return b.String()
}
