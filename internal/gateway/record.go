package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/taskdock/taskdock/internal/model"
)

// record is the wire shape of one remote row.
type record struct {
	ID     string          `json:"id"`
	Fields json.RawMessage `json:"fields"`
}

// recordPage is one page of a list response. Offset is an opaque
// continuation cursor; absent means last page.
type recordPage struct {
	Records []record `json:"records"`
	Offset  string   `json:"offset,omitempty"`
}

// recordFields is the field payload sent to and received from the remote
// store. Select and linked-record values arrive in two documented shapes,
// handled by linkValue.
type recordFields struct {
	Name    string     `json:"Name,omitempty"`
	Status  *linkValue `json:"Status,omitempty"`
	Notes   string     `json:"Notes,omitempty"`
	Project *linkValue `json:"Project,omitempty"`
	Section *linkValue `json:"Section,omitempty"`
	DueDate string     `json:"DueDate,omitempty"`
}

// linkValue decodes a remote select or linked-record field that may arrive
// either as a bare scalar ("recXYZ") or as a nested object carrying an
// identifier ({"id": "recXYZ"} or {"name": "Done"}). Any other shape is
// rejected; the decoder never guesses.
type linkValue string

func (l *linkValue) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*l = linkValue(s)
		return nil
	}
	var obj struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("link field is neither scalar nor object: %w", err)
	}
	switch {
	case obj.ID != "":
		*l = linkValue(obj.ID)
	case obj.Name != "":
		*l = linkValue(obj.Name)
	default:
		return fmt.Errorf("link field object carries no identifier")
	}
	return nil
}

func (l linkValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(l))
}

func newLink(s string) *linkValue {
	if s == "" {
		return nil
	}
	l := linkValue(s)
	return &l
}

func linkString(l *linkValue) string {
	if l == nil {
		return ""
	}
	return string(*l)
}

// encodeFields translates a local entity into the remote field payload.
// Sync metadata never crosses the wire.
func encodeFields(e *model.Entity) recordFields {
	f := recordFields{
		Name:    e.Name,
		Status:  newLink(e.Status),
		Notes:   e.Notes,
		Project: newLink(e.ProjectID),
		Section: newLink(e.SectionID),
	}
	if e.DueAt != nil {
		f.DueDate = e.DueAt.UTC().Format(time.RFC3339)
	}
	return f
}

// decodeRecord translates a remote record into the local entity shape.
// The result is marked synced; timestamps come from the local clock since
// the remote store does not echo modification times.
func decodeRecord(typ model.EntityType, rec record) (model.Entity, error) {
	var f recordFields
	if len(rec.Fields) > 0 {
		if err := json.Unmarshal(rec.Fields, &f); err != nil {
			return model.Entity{}, fmt.Errorf("failed to decode record %s: %w", rec.ID, err)
		}
	}

	e := model.Entity{
		ID:         rec.ID,
		Type:       typ,
		Name:       f.Name,
		Status:     linkString(f.Status),
		Notes:      f.Notes,
		ProjectID:  linkString(f.Project),
		SectionID:  linkString(f.Section),
		SyncStatus: model.StatusSynced,
	}
	if f.DueDate != "" {
		t, err := time.Parse(time.RFC3339, f.DueDate)
		if err != nil {
			return model.Entity{}, fmt.Errorf("failed to parse due date of record %s: %w", rec.ID, err)
		}
		e.DueAt = &t
	}
	e.SetDefaults()
	return e, nil
}

// endpoint maps an entity type to its collection path segment.
func endpoint(typ model.EntityType) (string, error) {
	switch typ {
	case model.EntityTask:
		return "tasks", nil
	case model.EntityProject:
		return "projects", nil
	case model.EntitySection:
		return "sections", nil
	}
	return "", fmt.Errorf("no endpoint for entity type %q", typ)
}
