package kestrel

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
	"sync"
)

// Note is one entry in the built-in notes collection.
type Note struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Body      string   `json:"body"`
	Tags      []string `json:"tags,omitempty"`
	CreatedAt int64    `json:"created_at"`
	UpdatedAt int64    `json:"updated_at"`
}

type notesRecord struct {
	Notes []Note `json:"notes"`
}

// notesTool backs the built-in "notes" tool. Note IDs are UUIDv7, so they
// stay stable across persistence round-trips.
type notesTool struct {
	mu    sync.Mutex
	store RecordStore
	notes []Note
}

var notesToolDef = ToolDefinition{
	Name:        "notes",
	Description: "Manage the user's notes: create, read, update, delete, or search notes with free-form tags.",
	Parameters: json.RawMessage(`{
		"type": "object",
		"properties": {
			"operation": {
				"type": "string",
				"enum": ["create", "read", "update", "delete", "search"],
				"description": "Operation to perform"
			},
			"id": {
				"type": "string",
				"description": "Note ID (required for 'read', 'update', 'delete')"
			},
			"title": {
				"type": "string",
				"description": "Note title (required for 'create')"
			},
			"body": {
				"type": "string",
				"description": "Note body text"
			},
			"tags": {
				"type": "array",
				"items": {"type": "string"},
				"description": "Free-form tags"
			},
			"query": {
				"type": "string",
				"description": "Search text: substring match on title/body, or exact tag match (required for 'search')"
			}
		},
		"required": ["operation"]
	}`),
}

// EnableNotesTool registers the built-in notes tool, persisting to a JSON
// file at path ("" = memory only). Same lifecycle as EnableTodoTool.
func (a *Agent) EnableNotesTool(path string) error {
	store := RecordStore(memoryStore{})
	if path != "" {
		store = NewFileStore(path)
	}
	return a.EnableNotesToolStore(store)
}

// EnableNotesToolStore is EnableNotesTool with a caller-supplied RecordStore.
// Fails with ErrBusy while a generation is in flight, like any other
// registry mutation.
func (a *Agent) EnableNotesToolStore(store RecordStore) error {
	if a.closed.Load() {
		return ErrClosed
	}
	if !a.genMu.TryLock() {
		return ErrBusy
	}
	defer a.genMu.Unlock()
	n := &notesTool{store: store}
	var rec notesRecord
	if err := store.Load(context.Background(), &rec); err != nil {
		return err
	}
	n.notes = rec.Notes
	if a.notes != nil {
		if err := a.notes.close(); err != nil {
			a.logger.Warn("notes store close failed", "error", err)
		}
	}
	a.notes = n
	return a.tools.Register(notesToolDef, n.call)
}

type notesArgs struct {
	Operation string   `json:"operation"`
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Body      string   `json:"body"`
	Tags      []string `json:"tags"`
	Query     string   `json:"query"`
}

func (n *notesTool) call(ctx context.Context, raw json.RawMessage) (ToolResult, error) {
	var args notesArgs
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return ToolResult{}, &ErrParse{What: "notes arguments", Err: err}
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	switch args.Operation {
	case "create":
		if args.Title == "" {
			return ToolResult{Error: "title is required for create"}, nil
		}
		now := NowUnix()
		note := Note{
			ID:        NewID(),
			Title:     args.Title,
			Body:      args.Body,
			Tags:      normalizeTags(args.Tags),
			CreatedAt: now,
			UpdatedAt: now,
		}
		n.notes = append(n.notes, note)
		if err := n.persist(ctx); err != nil {
			return ToolResult{}, err
		}
		return jsonResult(map[string]any{"created": note})

	case "read":
		if note := n.find(args.ID); note != nil {
			return jsonResult(note)
		}
		return ToolResult{Error: "note not found: " + args.ID}, nil

	case "update":
		note := n.find(args.ID)
		if note == nil {
			return ToolResult{Error: "note not found: " + args.ID}, nil
		}
		if args.Title != "" {
			note.Title = args.Title
		}
		if args.Body != "" {
			note.Body = args.Body
		}
		if args.Tags != nil {
			note.Tags = normalizeTags(args.Tags)
		}
		note.UpdatedAt = NowUnix()
		if err := n.persist(ctx); err != nil {
			return ToolResult{}, err
		}
		return jsonResult(map[string]any{"updated": note})

	case "delete":
		for i := range n.notes {
			if n.notes[i].ID == args.ID {
				n.notes = append(n.notes[:i], n.notes[i+1:]...)
				if err := n.persist(ctx); err != nil {
					return ToolResult{}, err
				}
				return jsonResult(map[string]any{"deleted": args.ID})
			}
		}
		return ToolResult{Error: "note not found: " + args.ID}, nil

	case "search":
		if args.Query == "" {
			return ToolResult{Error: "query is required for search"}, nil
		}
		var hits []Note
		q := strings.ToLower(args.Query)
		for _, note := range n.notes {
			if strings.Contains(strings.ToLower(note.Title), q) ||
				strings.Contains(strings.ToLower(note.Body), q) ||
				slices.Contains(note.Tags, args.Query) {
				hits = append(hits, note)
			}
		}
		return jsonResult(notesRecord{Notes: hits})

	default:
		return ToolResult{Error: "unknown operation: " + args.Operation}, nil
	}
}

// find returns a pointer into the live slice so update can mutate in place.
func (n *notesTool) find(id string) *Note {
	for i := range n.notes {
		if n.notes[i].ID == id {
			return &n.notes[i]
		}
	}
	return nil
}

func (n *notesTool) persist(ctx context.Context) error {
	return n.store.Save(ctx, notesRecord{Notes: n.notes})
}

func (n *notesTool) close() error {
	return n.store.Close()
}

// normalizeTags dedupes tags preserving first-seen order.
func normalizeTags(tags []string) []string {
	var out []string
	for _, t := range tags {
		if t != "" && !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	return out
}
