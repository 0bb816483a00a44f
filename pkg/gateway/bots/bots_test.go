package bots

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadEmptyPathHasDefaultBot(t *testing.T) {
	reg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	bot, ok := reg.Get("default")
	if !ok {
		t.Fatal("default bot missing")
	}
	if bot.SystemPrompt == "" || bot.Language != "en" {
		t.Fatalf("default bot=%+v", bot)
	}
	if len(bot.Tools) == 0 {
		t.Fatal("default bot has no tools")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bots.json")
	data := `[
		{"id":"sales","name":"Sales","systemPrompt":"Sell things.","language":"de","tools":["navigate_to"],"supervised":true,"reportUrl":"https://sup.example/report"},
		{"id":"bare"}
	]`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	reg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	sales, ok := reg.Get("sales")
	if !ok {
		t.Fatal("sales bot missing")
	}
	if !sales.Supervised || sales.ReportURL == "" || sales.Language != "de" {
		t.Fatalf("sales=%+v", sales)
	}

	// Omitted fields fall back to defaults.
	bare, ok := reg.Get("bare")
	if !ok {
		t.Fatal("bare bot missing")
	}
	if bare.SystemPrompt == "" || bare.Language != "en" {
		t.Fatalf("bare=%+v", bare)
	}

	if _, ok := reg.Get("default"); !ok {
		t.Fatal("default bot must survive a bots file load")
	}
}

func TestLoadRejectsMissingID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bots.json")
	if err := os.WriteFile(path, []byte(`[{"name":"NoID"}]`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for bot without id")
	}
}
