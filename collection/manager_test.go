package collection

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestManagerRegisterRejectsDuplicateType(t *testing.T) {
	m := NewManager()
	a := NewCollection[widget]("widget", "id", nil, nil)
	b := NewCollection[widget]("widget", "id", nil, nil)

	if err := Register(m, a); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	err := Register(m, b)
	if !errors.Is(err, ErrTypeCollision) {
		t.Fatalf("got %v, want ErrTypeCollision", err)
	}
}

func TestManagerCollectionsLookup(t *testing.T) {
	m := NewManager()
	c := NewCollection[widget]("widget", "id", nil, nil)
	if err := Register(m, c); err != nil {
		t.Fatalf("Register: %v", err)
	}

	got, ok := Collections[widget](m, "widget")
	if !ok || got != c {
		t.Fatalf("Collections[widget] = %v, %v", got, ok)
	}

	if _, ok := Collections[widget](m, "missing"); ok {
		t.Error("expected lookup of unregistered type to fail")
	}
}

func TestManagerApplyBatchRoutesByTypeAndMarksReady(t *testing.T) {
	m := NewManager()
	widgets := NewCollection[widget]("widget", "id", nil, nil)
	gadgets := NewCollection[widget]("gadget", "id", nil, nil)
	Register(m, widgets)
	Register(m, gadgets)

	val, _ := json.Marshal(widget{ID: "w1", Name: "gizmo"})
	events := []RawChangeEvent{
		{Type: "widget", Key: "w1", Value: val, Headers: Headers{Operation: OpInsert}},
		{Type: "unknown", Key: "x", Value: val, Headers: Headers{Operation: OpInsert}},
	}

	if err := m.ApplyBatch(events, true); err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}

	if v, ok := widgets.Get("w1"); !ok || v.Name != "gizmo" {
		t.Errorf("widgets.Get(w1) = %+v, %v", v, ok)
	}
	if !widgets.Ready() {
		t.Error("expected widgets to be marked ready")
	}
	if !gadgets.Ready() {
		t.Error("expected gadgets (unrelated but registered) to also be marked ready")
	}
}

func TestManagerApplyBatchNotReadyWhenNotUpToDate(t *testing.T) {
	m := NewManager()
	widgets := NewCollection[widget]("widget", "id", nil, nil)
	Register(m, widgets)

	if err := m.ApplyBatch(nil, false); err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}
	if widgets.Ready() {
		t.Error("expected widgets to remain not-ready when batch is not up to date")
	}
}

func TestManagerApplyControlResetTruncatesAll(t *testing.T) {
	m := NewManager()
	widgets := NewCollection[widget]("widget", "id", nil, nil)
	Register(m, widgets)

	val, _ := json.Marshal(widget{ID: "w1", Name: "gizmo"})
	m.ApplyBatch([]RawChangeEvent{
		{Type: "widget", Key: "w1", Value: val, Headers: Headers{Operation: OpInsert}},
	}, false)

	if _, ok := widgets.Get("w1"); !ok {
		t.Fatal("expected w1 to be present before reset")
	}

	m.ApplyControl(ControlEvent{Control: "reset"})

	if _, ok := widgets.Get("w1"); ok {
		t.Error("expected w1 to be gone after reset")
	}
}

func TestManagerApplyControlIgnoresUnknownDirective(t *testing.T) {
	m := NewManager()
	widgets := NewCollection[widget]("widget", "id", nil, nil)
	Register(m, widgets)

	val, _ := json.Marshal(widget{ID: "w1", Name: "gizmo"})
	m.ApplyBatch([]RawChangeEvent{
		{Type: "widget", Key: "w1", Value: val, Headers: Headers{Operation: OpInsert}},
	}, false)

	m.ApplyControl(ControlEvent{Control: "noop"})

	if _, ok := widgets.Get("w1"); !ok {
		t.Error("expected w1 to survive an unrecognized control directive")
	}
}
