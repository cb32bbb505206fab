package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestCheckpoint_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "usermap.json")

	if _, ok, err := LoadCheckpoint(path); err != nil || ok {
		t.Fatalf("missing file: ok=%v err=%v", ok, err)
	}

	ch := common.HexToAddress("0x00000000000000000000000000000000000000ee")
	ckpt := Checkpoint{ChainID: 31337, ClearingHouse: ch.Hex(), LastSyncedBlock: 42}
	ckpt.SetUsers([]string{"b/0", "a/1", "b/0", " ", "a/0"})
	if err := SaveCheckpoint(path, ckpt); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("tmp file left behind: %v", err)
	}

	got, ok, err := LoadCheckpoint(path)
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if got.LastSyncedBlock != 42 {
		t.Fatalf("block: %d", got.LastSyncedBlock)
	}
	want := []string{"a/0", "a/1", "b/0"}
	if len(got.Users) != len(want) {
		t.Fatalf("users: %v", got.Users)
	}
	for i := range want {
		if got.Users[i] != want[i] {
			t.Fatalf("users[%d]=%q want %q", i, got.Users[i], want[i])
		}
	}
	if !got.Compatible(31337, ch) {
		t.Fatalf("expected compatible")
	}
	if got.Compatible(1, ch) || got.Compatible(31337, common.Address{}) {
		t.Fatalf("expected incompatible")
	}
}

func TestLoadCheckpoint_Errors(t *testing.T) {
	if _, ok, err := LoadCheckpoint(""); ok || err != nil {
		t.Fatalf("empty path: ok=%v err=%v", ok, err)
	}
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := LoadCheckpoint(path); err == nil {
		t.Fatalf("expected parse error")
	}
	if err := SaveCheckpoint("", Checkpoint{}); err != nil {
		t.Fatalf("empty path save: %v", err)
	}
}
