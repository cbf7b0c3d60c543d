package actions

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hivedesk/assistant/internal/backend"
	"github.com/hivedesk/assistant/internal/filestore"
)

// RegisterWorkspaceActions registers the built-in workspace domain
// actions against the backend. The actions' business logic lives in the
// backend; handlers here validate arguments, invoke, and shape results.
// files may be nil, which disables uploadDocument.
func RegisterWorkspaceActions(r *Registry, be backend.Invoker, files *filestore.Store, scopeKey string) {
	strProp := func(desc string) map[string]any {
		return map[string]any{"type": "string", "description": desc}
	}

	r.Register(&Action{
		Name:        "createTask",
		Description: "Create a task. Use when the user asks to add, create, or remember a to-do item.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"title":    strProp("Short task title"),
				"notes":    strProp("Optional longer description"),
				"due_date": strProp("Optional due date, ISO 8601 (e.g. 2026-09-01)"),
				"assignee": strProp("Optional assignee name or email"),
			},
			"required": []string{"title"},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			if err := requireString(args, "title"); err != nil {
				return nil, err
			}
			return invoke(ctx, be, "createTask", args)
		},
	})

	r.Register(&Action{
		Name:        "updateTask",
		Description: "Update an existing task's fields (title, notes, due date, status, assignee).",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"task_id": strProp("The task ID to update"),
				"fields": map[string]any{
					"type":        "object",
					"description": "Field name to new value pairs",
				},
			},
			"required": []string{"task_id", "fields"},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			if err := requireString(args, "task_id"); err != nil {
				return nil, err
			}
			if _, ok := args["fields"].(map[string]any); !ok {
				return nil, fmt.Errorf("fields must be an object")
			}
			return invoke(ctx, be, "updateTask", args)
		},
	})

	r.Register(&Action{
		Name:        "createNote",
		Description: "Create a note or document draft in the workspace.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"title":   strProp("Note title"),
				"content": strProp("Note body, markdown allowed"),
			},
			"required": []string{"title", "content"},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			if err := requireString(args, "title", "content"); err != nil {
				return nil, err
			}
			return invoke(ctx, be, "createNote", args)
		},
	})

	r.Register(&Action{
		Name:        "createCrmRecord",
		Description: "Create a CRM record (lead, deal, or account).",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"kind":   strProp("Record kind: lead, deal, or account"),
				"name":   strProp("Record name"),
				"fields": map[string]any{"type": "object", "description": "Additional field values"},
			},
			"required": []string{"kind", "name"},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			if err := requireString(args, "kind", "name"); err != nil {
				return nil, err
			}
			kind, _ := args["kind"].(string)
			switch strings.ToLower(kind) {
			case "lead", "deal", "account":
			default:
				return nil, fmt.Errorf("kind must be lead, deal, or account, got %q", kind)
			}
			return invoke(ctx, be, "createCrmRecord", args)
		},
	})

	r.Register(&Action{
		Name:        "updateCrmRecord",
		Description: "Update fields on an existing CRM record.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"record_id": strProp("The CRM record ID"),
				"fields":    map[string]any{"type": "object", "description": "Field name to new value pairs"},
			},
			"required": []string{"record_id", "fields"},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			if err := requireString(args, "record_id"); err != nil {
				return nil, err
			}
			return invoke(ctx, be, "updateCrmRecord", args)
		},
	})

	r.Register(&Action{
		Name:        "createContact",
		Description: "Create a contact with name and optional email, phone, and company.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name":    strProp("Full name"),
				"email":   strProp("Email address"),
				"phone":   strProp("Phone number"),
				"company": strProp("Company name"),
			},
			"required": []string{"name"},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			if err := requireString(args, "name"); err != nil {
				return nil, err
			}
			return invoke(ctx, be, "createContact", args)
		},
	})

	r.Register(&Action{
		Name:        "scheduleMeeting",
		Description: "Schedule a meeting with a title, start time, and attendees.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"title": strProp("Meeting title"),
				"start": strProp("Start time, ISO 8601"),
				"attendees": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Attendee names or emails",
				},
				"duration_minutes": map[string]any{"type": "integer", "description": "Length in minutes (default 30)"},
			},
			"required": []string{"title", "start"},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			if err := requireString(args, "title", "start"); err != nil {
				return nil, err
			}
			return invoke(ctx, be, "scheduleMeeting", args)
		},
	})

	r.Register(&Action{
		Name:        "logExpense",
		Description: "Log a business expense with amount, currency, and category.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"amount":   map[string]any{"type": "number", "description": "Expense amount"},
				"currency": strProp("ISO 4217 currency code (e.g. USD)"),
				"category": strProp("Expense category"),
				"memo":     strProp("Optional memo"),
			},
			"required": []string{"amount", "currency", "category"},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			amount, ok := args["amount"].(float64)
			if !ok || amount <= 0 {
				return nil, fmt.Errorf("amount must be a positive number")
			}
			if err := requireString(args, "currency", "category"); err != nil {
				return nil, err
			}
			return invoke(ctx, be, "logExpense", args)
		},
	})

	r.Register(&Action{
		Name:        "updateSettings",
		Description: "Update a user or workspace setting to a new value.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"setting": strProp("Setting key (e.g. notifications.digest)"),
				"value":   strProp("New value"),
			},
			"required": []string{"setting", "value"},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			if err := requireString(args, "setting", "value"); err != nil {
				return nil, err
			}
			return invoke(ctx, be, "updateSettings", args)
		},
	})

	r.Register(&Action{
		Name:        "queryEmails",
		Description: "Search the user's connected mailbox. Returns sender, subject, and date for matching messages.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": strProp("Search terms"),
				"limit": map[string]any{"type": "integer", "description": "Maximum results (default 10)"},
			},
			"required": []string{"query"},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			if err := requireString(args, "query"); err != nil {
				return nil, err
			}
			return invoke(ctx, be, "queryEmails", args)
		},
	})

	if files != nil {
		r.Register(&Action{
			Name:        "uploadDocument",
			Description: "Store a document in the workspace document library. Use for files the user attached.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name":        strProp("File name"),
					"mime":        strProp("MIME type"),
					"data_base64": strProp("File content, base64-encoded"),
					"file_id":     strProp("ID of an already-stored attachment, instead of data_base64"),
				},
				"required": []string{"name"},
			},
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				if err := requireString(args, "name"); err != nil {
					return nil, err
				}
				name, _ := args["name"].(string)
				mime, _ := args["mime"].(string)
				if mime == "" {
					mime = "application/octet-stream"
				}

				fileID, _ := args["file_id"].(string)
				if fileID == "" {
					encoded, _ := args["data_base64"].(string)
					if encoded == "" {
						return nil, fmt.Errorf("either file_id or data_base64 is required")
					}
					data, err := base64.StdEncoding.DecodeString(encoded)
					if err != nil {
						return nil, fmt.Errorf("decode file data: %w", err)
					}
					fileID, err = files.Put(ctx, scopeKey, name, mime, data)
					if err != nil {
						return nil, fmt.Errorf("store file: %w", err)
					}
				}

				return invoke(ctx, be, "uploadDocument", map[string]any{
					"name":    name,
					"mime":    mime,
					"file_id": fileID,
				})
			},
		})
	}
}

// invoke forwards to the backend and decodes the result for the model.
func invoke(ctx context.Context, be backend.Invoker, action string, args map[string]any) (any, error) {
	data, err := be.Invoke(ctx, action, args)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return map[string]any{"success": true}, nil
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode %s result: %w", action, err)
	}
	return out, nil
}

func requireString(args map[string]any, keys ...string) error {
	for _, k := range keys {
		v, _ := args[k].(string)
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("%s is required", k)
		}
	}
	return nil
}
