package router

import (
	"errors"
	"testing"
)

func TestCompilePathTemplateRejectsReservedNames(t *testing.T) {
	for _, name := range []string{"value", "key", "input"} {
		_, err := compilePathTemplate("/chat/:" + name)
		if !errors.Is(err, ErrReservedParam) {
			t.Errorf("path with :%s: got %v, want ErrReservedParam", name, err)
		}
	}
}

func TestCompilePathTemplateRejectsInvalidName(t *testing.T) {
	_, err := compilePathTemplate("/chat/:1bad")
	if err == nil {
		t.Fatal("expected error for invalid parameter name")
	}
}

func TestPathTemplateMatch(t *testing.T) {
	tmpl, err := compilePathTemplate("/chat/:chatId/messages/:messageId")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	params, ok := tmpl.match("/chat/room-1/messages/m%2042")
	if !ok {
		t.Fatal("expected match")
	}
	if params["chatId"] != "room-1" {
		t.Errorf("chatId = %q, want room-1", params["chatId"])
	}
	if params["messageId"] != "m 42" {
		t.Errorf("messageId = %q, want decoded 'm 42'", params["messageId"])
	}

	if _, ok := tmpl.match("/chat/room-1"); ok {
		t.Error("expected no match for a shorter path")
	}
	if _, ok := tmpl.match("/other/room-1/messages/m1"); ok {
		t.Error("expected no match for a different literal segment")
	}
}

func TestPathTemplateBuild(t *testing.T) {
	tmpl, err := compilePathTemplate("/chat/:chatId")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	path, err := tmpl.build(map[string]string{"chatId": "room 1"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if path != "/chat/room%201" {
		t.Errorf("build = %q, want /chat/room%%201", path)
	}

	if _, err := tmpl.build(map[string]string{}); err == nil {
		t.Error("expected error for missing path parameter")
	}
}
