package ledger_test

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/signalnine/minidani/internal/ledger"
)

func TestAppendAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	l, err := ledger.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := l.Append(ledger.Entry{Event: ledger.EventPhase, Phase: "branch"}); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Append(ledger.Entry{Event: ledger.EventCompetitorFinished, Round: 1, Competitor: "a", Outcome: "completed"}); err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	entries, err := ledger.Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Seq != 1 || entries[1].Seq != 2 {
		t.Errorf("unexpected sequence numbers %d, %d", entries[0].Seq, entries[1].Seq)
	}
	if entries[1].Competitor != "a" || entries[1].Outcome != "completed" {
		t.Errorf("unexpected entry %+v", entries[1])
	}
	if entries[0].Time.IsZero() {
		t.Error("timestamp not set")
	}
}

func TestReopenAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	for i := 0; i < 2; i++ {
		l, err := ledger.Open(path)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := l.Append(ledger.Entry{Event: ledger.EventPhase}); err != nil {
			t.Fatal(err)
		}
		l.Close()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if n := strings.Count(string(data), "\n"); n != 2 {
		t.Errorf("existing entries must be preserved, got %d lines", n)
	}
}

func TestConcurrentAppend(t *testing.T) {
	l := ledger.Memory()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Append(ledger.Entry{Event: ledger.EventCompetitorIteration})
		}()
	}
	wg.Wait()

	tail := l.Tail(0)
	if len(tail) != 20 {
		t.Fatalf("expected 20 entries, got %d", len(tail))
	}
	seen := make(map[int]bool)
	for _, e := range tail {
		if seen[e.Seq] {
			t.Errorf("duplicate sequence %d", e.Seq)
		}
		seen[e.Seq] = true
	}
}

func TestTail(t *testing.T) {
	l := ledger.Memory()
	for i := 0; i < 60; i++ {
		l.Append(ledger.Entry{Event: ledger.EventPhase})
	}
	last := l.Tail(3)
	if len(last) != 3 {
		t.Fatalf("expected 3, got %d", len(last))
	}
	if last[2].Seq != 60 || last[0].Seq != 58 {
		t.Errorf("unexpected tail %d..%d", last[0].Seq, last[2].Seq)
	}
	if all := l.Tail(0); len(all) != 50 {
		t.Errorf("in-memory tail should be bounded to 50, got %d", len(all))
	}
}

func TestReadMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	os.WriteFile(path, []byte("{\"seq\":1,\"event\":\"phase\"}\nnot json\n"), 0o644)
	entries, err := ledger.Read(path)
	if err == nil {
		t.Fatal("expected error for malformed line")
	}
	if len(entries) != 1 {
		t.Errorf("entries before the bad line should be returned, got %d", len(entries))
	}
}
