package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Checkpoint records how far user discovery has scanned so a restart only
// backfills new blocks.
type Checkpoint struct {
	ChainID       int64  `json:"chain_id"`
	ClearingHouse string `json:"clearing_house"`

	LastSyncedBlock uint64 `json:"last_synced_block"`

	// Users are "<authority>/<subAccountId>" keys discovered so far.
	Users []string `json:"users,omitempty"`
}

// Compatible reports whether the checkpoint was written for the same chain and
// clearing house. An incompatible checkpoint is ignored, never merged.
func (c Checkpoint) Compatible(chainID int64, clearingHouse common.Address) bool {
	if c.ChainID != chainID {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(c.ClearingHouse), clearingHouse.Hex())
}

// SetUsers stores keys sorted and de-duplicated so the file diffs cleanly.
func (c *Checkpoint) SetUsers(keys []string) {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	c.Users = out
}

func LoadCheckpoint(path string) (Checkpoint, bool, error) {
	if path == "" {
		return Checkpoint{}, false, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Checkpoint{}, false, nil
		}
		return Checkpoint{}, false, err
	}

	var ckpt Checkpoint
	if err := json.Unmarshal(b, &ckpt); err != nil {
		return Checkpoint{}, false, fmt.Errorf("parse checkpoint %s: %w", path, err)
	}
	return ckpt, true, nil
}

// SaveCheckpoint writes via tmp+rename so a crash never leaves a torn file.
func SaveCheckpoint(path string, ckpt Checkpoint) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	b, err := json.MarshalIndent(ckpt, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
