package wal

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func replayAll(t *testing.T, j *Journal) []Entry {
	t.Helper()
	var out []Entry
	if err := j.Replay(func(e Entry) error {
		out = append(out, e)
		return nil
	}); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	return out
}

func TestJournal_CommitAndReplay(t *testing.T) {
	for _, compress := range []bool{false, true} {
		t.Run(map[bool]string{false: "plain", true: "snappy"}[compress], func(t *testing.T) {
			dir := t.TempDir()
			j, err := Open(dir, Options{Compress: compress})
			if err != nil {
				t.Fatalf("Open: %v", err)
			}

			payload := bytes.Repeat([]byte("node-payload "), 50)
			if _, err := j.Append(OpUpsertNode, payload); err != nil {
				t.Fatal(err)
			}
			if _, err := j.Append(OpUpsertAcl, []byte(`{"id":3}`)); err != nil {
				t.Fatal(err)
			}
			if _, err := j.Commit(); err != nil {
				t.Fatal(err)
			}
			if err := j.Close(); err != nil {
				t.Fatal(err)
			}

			j, err = Open(dir, Options{Compress: compress})
			if err != nil {
				t.Fatalf("reopen: %v", err)
			}
			defer j.Close()

			entries := replayAll(t, j)
			if len(entries) != 2 {
				t.Fatalf("replayed %d entries, want 2", len(entries))
			}
			if entries[0].OpType != OpUpsertNode || !bytes.Equal(entries[0].Data, payload) {
				t.Errorf("entry 0 = op %d, %d bytes", entries[0].OpType, len(entries[0].Data))
			}
			if entries[1].LSN != 2 {
				t.Errorf("entry 1 LSN = %d, want 2", entries[1].LSN)
			}
			if j.LSN() != 3 {
				t.Errorf("LSN after reopen = %d, want 3 (two entries and a commit)", j.LSN())
			}
		})
	}
}

func TestJournal_UncommittedDiscarded(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir, Options{})
	if err != nil {
		t.Fatal(err)
	}
	j.Append(OpUpsertNode, []byte("committed"))
	j.Commit()
	j.Append(OpUpsertNode, []byte("lost"))
	j.Close()

	j, err = Open(dir, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if got := j.Stats().TruncatedTail; got == 0 {
		t.Error("uncommitted tail was not truncated")
	}

	// a later commit must not adopt the entry from before the crash
	j.Append(OpDeleteNode, []byte("after"))
	j.Commit()

	entries := replayAll(t, j)
	j.Close()
	if len(entries) != 2 || string(entries[0].Data) != "committed" || string(entries[1].Data) != "after" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestJournal_TornTail(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir, Options{})
	if err != nil {
		t.Fatal(err)
	}
	j.Append(OpContent, []byte("first"))
	j.Commit()
	j.Close()

	path := filepath.Join(dir, "index.journal")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	f.Write([]byte{0, 0, 0, 0, 0, 0, 0, 9, byte(OpContent), 0, 0})
	f.Close()

	j, err = Open(dir, Options{})
	if err != nil {
		t.Fatalf("Open with torn tail: %v", err)
	}
	defer j.Close()
	if got := len(replayAll(t, j)); got != 1 {
		t.Errorf("replayed %d entries, want 1", got)
	}
}

func TestJournal_CorruptChecksumStopsReplay(t *testing.T) {
	dir := t.TempDir()
	j, _ := Open(dir, Options{})
	j.Append(OpUpsertNode, []byte("a"))
	j.Commit()
	j.Append(OpUpsertNode, []byte("b"))
	j.Commit()
	j.Close()

	path := filepath.Join(dir, "index.journal")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	// flip the payload byte of the third entry ("b")
	firstTwo := 2*(headerSize+trailerSize) + 1
	data[firstTwo+headerSize] ^= 0xff
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	j, err = Open(dir, Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()
	entries := replayAll(t, j)
	if len(entries) != 1 || string(entries[0].Data) != "a" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestJournal_Reset(t *testing.T) {
	j, err := Open(t.TempDir(), Options{Compress: true})
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()

	j.Append(OpUpsertNode, []byte("x"))
	j.Commit()
	if err := j.Reset(); err != nil {
		t.Fatal(err)
	}
	if len(replayAll(t, j)) != 0 || j.LSN() != 0 {
		t.Error("journal not empty after Reset")
	}
}

func TestJournal_Closed(t *testing.T) {
	j, _ := Open(t.TempDir(), Options{})
	j.Close()
	if _, err := j.Append(OpUpsertNode, nil); err != ErrClosed {
		t.Errorf("Append after Close = %v, want ErrClosed", err)
	}
	if _, err := j.Commit(); err != ErrClosed {
		t.Errorf("Commit after Close = %v", err)
	}
}
