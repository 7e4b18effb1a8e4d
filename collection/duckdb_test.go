package collection

import (
	"encoding/json"
	"testing"
)

func rawJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return json.RawMessage(b)
}

func TestDuckDBMaterializerInsertUpdateDelete(t *testing.T) {
	m, err := NewDuckDBMaterializer(":memory:", "widgets")
	if err != nil {
		t.Fatalf("NewDuckDBMaterializer: %v", err)
	}
	defer m.Close()

	value := rawJSON(t, widget{ID: "w1", Name: "gizmo"})

	err = m.Apply(ChangeEvent[json.RawMessage]{
		Type:    "widget",
		Key:     "w1",
		Value:   &value,
		Headers: Headers{Operation: OpInsert},
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	var name string
	row := m.DB().QueryRow(`SELECT value->>'name' FROM "widgets" WHERE key = ?`, "w1")
	if err := row.Scan(&name); err != nil {
		t.Fatalf("query after insert: %v", err)
	}
	if name != "gizmo" {
		t.Errorf("name = %q, want gizmo", name)
	}

	updated := rawJSON(t, widget{ID: "w1", Name: "gadget"})
	err = m.Apply(ChangeEvent[json.RawMessage]{
		Type:    "widget",
		Key:     "w1",
		Value:   &updated,
		Headers: Headers{Operation: OpUpsert},
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	row = m.DB().QueryRow(`SELECT value->>'name' FROM "widgets" WHERE key = ?`, "w1")
	if err := row.Scan(&name); err != nil {
		t.Fatalf("query after upsert: %v", err)
	}
	if name != "gadget" {
		t.Errorf("name = %q, want gadget", name)
	}

	err = m.Apply(ChangeEvent[json.RawMessage]{
		Type:    "widget",
		Key:     "w1",
		Headers: Headers{Operation: OpDelete},
	})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}

	row = m.DB().QueryRow(`SELECT COUNT(*) FROM "widgets" WHERE key = ?`, "w1")
	var count int
	if err := row.Scan(&count); err != nil {
		t.Fatalf("query after delete: %v", err)
	}
	if count != 0 {
		t.Errorf("count after delete = %d, want 0", count)
	}
}

func TestDuckDBMaterializerTruncate(t *testing.T) {
	m, err := NewDuckDBMaterializer(":memory:", "widgets")
	if err != nil {
		t.Fatalf("NewDuckDBMaterializer: %v", err)
	}
	defer m.Close()

	value := rawJSON(t, widget{ID: "w1", Name: "gizmo"})
	if err := m.Apply(ChangeEvent[json.RawMessage]{
		Type:    "widget",
		Key:     "w1",
		Value:   &value,
		Headers: Headers{Operation: OpInsert},
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := m.Apply(ChangeEvent[json.RawMessage]{Headers: Headers{Operation: OpTruncate}}); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	var count int
	row := m.DB().QueryRow(`SELECT COUNT(*) FROM "widgets"`)
	if err := row.Scan(&count); err != nil {
		t.Fatalf("query after truncate: %v", err)
	}
	if count != 0 {
		t.Errorf("count after truncate = %d, want 0", count)
	}
}

func TestDuckDBMaterializerRejectsEmptyKey(t *testing.T) {
	m, err := NewDuckDBMaterializer(":memory:", "widgets")
	if err != nil {
		t.Fatalf("NewDuckDBMaterializer: %v", err)
	}
	defer m.Close()

	value := rawJSON(t, widget{ID: "w1", Name: "gizmo"})
	err = m.Apply(ChangeEvent[json.RawMessage]{
		Type:    "widget",
		Value:   &value,
		Headers: Headers{Operation: OpInsert},
	})
	if err != ErrEmptyKey {
		t.Errorf("got %v, want ErrEmptyKey", err)
	}
}
