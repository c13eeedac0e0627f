package kestrel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// TodoItem is one entry in the built-in todo list.
type TodoItem struct {
	ID        int64  `json:"id"`
	Text      string `json:"text"`
	Done      bool   `json:"done"`
	CreatedAt int64  `json:"created_at"`
}

// todoRecord is the persisted shape of the todo collection.
type todoRecord struct {
	Todos []TodoItem `json:"todos"`
}

// todoTool backs the built-in "todo" tool. IDs are a monotonic counter
// seeded from the loaded record. Every mutation rewrites the full record.
type todoTool struct {
	mu     sync.Mutex
	store  RecordStore
	items  []TodoItem
	nextID int64
}

var todoToolDef = ToolDefinition{
	Name:        "todo",
	Description: "Manage the user's todo list: add, list, complete, or delete tasks.",
	Parameters: json.RawMessage(`{
		"type": "object",
		"properties": {
			"operation": {
				"type": "string",
				"enum": ["add", "list", "complete", "delete"],
				"description": "Operation to perform"
			},
			"text": {
				"type": "string",
				"description": "Task text (required for 'add')"
			},
			"id": {
				"type": "number",
				"description": "Task ID (required for 'complete' and 'delete')"
			}
		},
		"required": ["operation"]
	}`),
}

// EnableTodoTool registers the built-in todo tool, persisting to a JSON
// file at path ("" = memory only, lost on Close). Called with "" by default
// at construction; calling it again with a path re-registers the tool
// against that storage.
func (a *Agent) EnableTodoTool(path string) error {
	store := RecordStore(memoryStore{})
	if path != "" {
		store = NewFileStore(path)
	}
	return a.EnableTodoToolStore(store)
}

// EnableTodoToolStore is EnableTodoTool with a caller-supplied RecordStore,
// e.g. store/sqlite. The store is loaded once here; a malformed record
// fails enablement with *ErrParse. Fails with ErrBusy while a generation is
// in flight, like any other registry mutation.
func (a *Agent) EnableTodoToolStore(store RecordStore) error {
	if a.closed.Load() {
		return ErrClosed
	}
	if !a.genMu.TryLock() {
		return ErrBusy
	}
	defer a.genMu.Unlock()
	t := &todoTool{store: store, nextID: 1}
	var rec todoRecord
	if err := store.Load(context.Background(), &rec); err != nil {
		return err
	}
	t.items = rec.Todos
	for _, item := range t.items {
		if item.ID >= t.nextID {
			t.nextID = item.ID + 1
		}
	}
	if a.todo != nil {
		if err := a.todo.close(); err != nil {
			a.logger.Warn("todo store close failed", "error", err)
		}
	}
	a.todo = t
	return a.tools.Register(todoToolDef, t.call)
}

// todoArgs is the parsed argument shape for the todo tool.
type todoArgs struct {
	Operation string `json:"operation"`
	Text      string `json:"text"`
	ID        int64  `json:"id"`
}

func (t *todoTool) call(ctx context.Context, raw json.RawMessage) (ToolResult, error) {
	var args todoArgs
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return ToolResult{}, &ErrParse{What: "todo arguments", Err: err}
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	switch args.Operation {
	case "add":
		if args.Text == "" {
			return ToolResult{Error: "text is required for add"}, nil
		}
		item := TodoItem{ID: t.nextID, Text: args.Text, CreatedAt: NowUnix()}
		t.nextID++
		t.items = append(t.items, item)
		if err := t.persist(ctx); err != nil {
			return ToolResult{}, err
		}
		return jsonResult(map[string]any{"added": item})

	case "list", "":
		return jsonResult(todoRecord{Todos: t.items})

	case "complete":
		for i := range t.items {
			if t.items[i].ID == args.ID {
				t.items[i].Done = true
				if err := t.persist(ctx); err != nil {
					return ToolResult{}, err
				}
				return jsonResult(map[string]any{"completed": t.items[i]})
			}
		}
		return ToolResult{Error: fmt.Sprintf("todo %d not found", args.ID)}, nil

	case "delete":
		for i := range t.items {
			if t.items[i].ID == args.ID {
				t.items = append(t.items[:i], t.items[i+1:]...)
				if err := t.persist(ctx); err != nil {
					return ToolResult{}, err
				}
				return jsonResult(map[string]any{"deleted": args.ID})
			}
		}
		return ToolResult{Error: fmt.Sprintf("todo %d not found", args.ID)}, nil

	default:
		return ToolResult{Error: "unknown operation: " + args.Operation}, nil
	}
}

// persist rewrites the full record. Errors surface to the caller of the
// mutating operation; silent data loss is unacceptable.
func (t *todoTool) persist(ctx context.Context) error {
	return t.store.Save(ctx, todoRecord{Todos: t.items})
}

func (t *todoTool) close() error {
	return t.store.Close()
}

// jsonResult marshals v as a successful tool-result payload.
func jsonResult(v any) (ToolResult, error) {
	out, err := json.Marshal(v)
	if err != nil {
		return ToolResult{}, err
	}
	return ToolResult{Content: string(out)}, nil
}
