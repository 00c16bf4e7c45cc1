package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestEmitAppendsJSONLines(t *testing.T) {
	dir := t.TempDir()
	l, err := New(filepath.Join(dir, "audit.log"), filepath.Join(dir, "runs"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := l.Emit("backup", "queued", ActorOpsDashboard, map[string]any{"job_id": "abc"}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if err := l.Emit("backup", "success", ActorOpsDashboard, nil); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	f, err := os.Open(filepath.Join(dir, "audit.log"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	var rec Record
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec.Status != "queued" || rec.Actor != ActorOpsDashboard {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestRunLogAppendAndRead(t *testing.T) {
	dir := t.TempDir()
	l, err := New(filepath.Join(dir, "audit.log"), filepath.Join(dir, "runs"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	path := l.RunLogPath("job-1")
	if err := AppendRunLog(path, "$ pg_dump blog"); err != nil {
		t.Fatalf("AppendRunLog: %v", err)
	}
	if err := AppendRunLog(path, "ERROR: boom"); err != nil {
		t.Fatalf("AppendRunLog: %v", err)
	}
	text, err := ReadRunLog(path)
	if err != nil {
		t.Fatalf("ReadRunLog: %v", err)
	}
	want := "$ pg_dump blog\nERROR: boom\n"
	if text != want {
		t.Fatalf("text = %q, want %q", text, want)
	}
}
