package ledger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	logx "skypost/pkg/logx"
)

func TestFileStoreRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state.json")

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	// Missing file reads as empty, not as an error.
	keys, err := st.Load(t.Context())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("expected empty ledger, got %v", keys)
	}

	if err := st.Append(t.Context(), []string{"a", "b", "a", ""}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	// Re-open from disk: contents survive and duplicates are collapsed.
	st2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("re-Open: %v", err)
	}
	defer st2.Close()
	keys, err = st2.Load(t.Context())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Fatalf("unexpected keys: %v", keys)
	}
}

func TestFileStoreShape(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state.json")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	if err := st.Append(t.Context(), []string{"k1"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	// The on-disk format is a single JSON object with posted_keys,
	// kept human-diffable on purpose.
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var lf struct {
		PostedKeys []string `json:"posted_keys"`
	}
	if err := json.Unmarshal(b, &lf); err != nil {
		t.Fatalf("ledger file is not valid JSON: %v", err)
	}
	if len(lf.PostedKeys) != 1 || lf.PostedKeys[0] != "k1" {
		t.Fatalf("unexpected file contents: %s", b)
	}
}

func TestLedgerContainsRecord(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state.json")
	st, err := Open(Config{Path: path}, logx.Nop()) // empty driver means file
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	led, err := Load(t.Context(), st)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if led.Contains("x") {
		t.Fatal("fresh ledger must not contain x")
	}
	if err := led.Record(t.Context(), "x", "y"); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if !led.Contains("x") || !led.Contains("y") {
		t.Fatal("recorded keys must be visible immediately")
	}

	// A new cycle's ledger sees the persisted keys.
	led2, err := Load(t.Context(), st)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !led2.Contains("x") || led2.Len() != 2 {
		t.Fatalf("persisted ledger wrong: len=%d", led2.Len())
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "etcd"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestFileStoreCorruptFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	if _, err := st.Load(t.Context()); err == nil {
		t.Fatal("corrupt ledger must surface an error, not silently reset")
	}
}
