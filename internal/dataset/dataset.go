// Package dataset loads the per-task JSONL data files that annotation rows
// are drawn from and validates each row against the task type's schema.
package dataset

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Row is one dataset record. Field sets vary by task type; accessors cover
// the fields the engine itself needs.
type Row map[string]any

// String returns the named field as a string, or "" when absent or not a
// string.
func (r Row) String(field string) string {
	s, _ := r[field].(string)
	return s
}

// Filename returns the row's source media filename, if any.
func (r Row) Filename() string {
	return r.String("filename")
}

// Strings returns the named field as a string slice. Non-string elements
// are skipped.
func (r Row) Strings(field string) []string {
	raw, ok := r[field].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Spec describes one task's dataset to load.
type Spec struct {
	ID          string
	Type        string
	DataFile    string
	Description string
	ChoiceField string
	Audio       bool

	// ExtraChoices are appended to every row's choice list.
	ExtraChoices []string
	// ShowOED links dictionary lookups for pronunciation tasks.
	ShowOED bool

	// Schema overrides the task type's built-in row schema when set.
	Schema json.RawMessage
}

// Task is a loaded, validated dataset for one task.
type Task struct {
	ID           string
	Type         string
	Description  string
	ChoiceField  string
	Audio        bool
	ExtraChoices []string
	ShowOED      bool

	rows []Row
}

// RowCount returns the number of rows in the dataset.
func (t *Task) RowCount() int { return len(t.rows) }

// Row returns the row at index i.
func (t *Task) Row(i int) (Row, error) {
	if i < 0 || i >= len(t.rows) {
		return nil, fmt.Errorf("dataset %s: row %d out of range [0,%d)", t.ID, i, len(t.rows))
	}
	return t.rows[i], nil
}

// Filename returns the media filename for a row, or "" when out of range.
func (t *Task) Filename(i int) string {
	if i < 0 || i >= len(t.rows) {
		return ""
	}
	return t.rows[i].Filename()
}

// Choices returns a row's selectable options with the task's configured
// extra choices appended. Nil for tasks without a choice field.
func (t *Task) Choices(i int) []string {
	if t.ChoiceField == "" || i < 0 || i >= len(t.rows) {
		return nil
	}
	return append(t.rows[i].Strings(t.ChoiceField), t.ExtraChoices...)
}

// AudioObject returns the remote object path for a row's source audio, or
// "" for rows without media.
func (t *Task) AudioObject(i int) string {
	name := t.Filename(i)
	if name == "" || !t.Audio {
		return ""
	}
	return fmt.Sprintf("audio/%s/%s", t.ID, name)
}

// Load reads a JSONL data file, validating every line against the task
// type's row schema. Any malformed or invalid line fails the whole load
// with its line number; a dataset with silently dropped rows would shift
// every later row index.
func Load(spec Spec) (*Task, error) {
	schema, err := compileRowSchema(spec)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(spec.DataFile)
	if err != nil {
		return nil, fmt.Errorf("open dataset %s: %w", spec.ID, err)
	}
	defer f.Close()

	task := &Task{
		ID:           spec.ID,
		Type:         spec.Type,
		Description:  spec.Description,
		ChoiceField:  spec.ChoiceField,
		Audio:        spec.Audio,
		ExtraChoices: spec.ExtraChoices,
		ShowOED:      spec.ShowOED,
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
		// validator requires.
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(line))
		if err != nil {
			return nil, fmt.Errorf("dataset %s line %d: %w", spec.ID, lineNo, err)
		}
		if schema != nil {
			if err := schema.Validate(doc); err != nil {
				return nil, fmt.Errorf("dataset %s line %d: %w", spec.ID, lineNo, err)
			}
		}

		var row Row
		if err := json.Unmarshal([]byte(line), &row); err != nil {
			return nil, fmt.Errorf("dataset %s line %d: %w", spec.ID, lineNo, err)
		}
		task.rows = append(task.rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read dataset %s: %w", spec.ID, err)
	}
	return task, nil
}

func compileRowSchema(spec Spec) (*jsonschema.Schema, error) {
	raw := spec.Schema
	if raw == nil {
		raw = builtinRowSchema(spec)
	}
	if raw == nil {
		return nil, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal row schema for %s: %w", spec.ID, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("rows.json", doc); err != nil {
		return nil, fmt.Errorf("add row schema for %s: %w", spec.ID, err)
	}
	schema, err := c.Compile("rows.json")
	if err != nil {
		return nil, fmt.Errorf("compile row schema for %s: %w", spec.ID, err)
	}
	return schema, nil
}

// builtinRowSchema returns the default row schema for a task type. Audio
// tasks require a filename; selection tasks require their choice field to
// be an array.
func builtinRowSchema(spec Spec) json.RawMessage {
	required := []string{}
	props := map[string]any{}
	if spec.Audio {
		required = append(required, "filename")
		props["filename"] = map[string]any{"type": "string", "minLength": 1}
	}
	if spec.ChoiceField != "" {
		required = append(required, spec.ChoiceField)
		props[spec.ChoiceField] = map[string]any{"type": "array"}
	}
	doc := map[string]any{
		"type":       "object",
		"required":   required,
		"properties": props,
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil
	}
	return raw
}
