package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestSetWriter_JSONAndLevel(t *testing.T) {
	var buf bytes.Buffer
	SetWriter(&buf, Options{Level: "warn", JSON: true})
	defer SetWriter(&bytes.Buffer{}, Options{})

	L().Info("dropped")
	L().Warn("kept", "segment", "relay/0")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("want exactly one JSON line, got %q: %v", buf.String(), err)
	}
	if line["msg"] != "kept" || line["segment"] != "relay/0" {
		t.Fatalf("unexpected record: %v", line)
	}
}

func TestParseLevel(t *testing.T) {
	if parseLevel(" DEBUG ").String() != "DEBUG" || parseLevel("bogus").String() != "INFO" {
		t.Fatal("level parsing")
	}
}
