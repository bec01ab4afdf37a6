package evm

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/devblac/dex-history/internal/ledger"
	"github.com/ethereum/go-ethereum/accounts/abi"
)

// LoadABIs loads ABI JSON files from the provided directories.
func LoadABIs(dirs []string) (map[string]*abi.ABI, error) {
	abis := map[string]*abi.ABI{}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !strings.HasSuffix(strings.ToLower(d.Name()), ".json") {
				return nil
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read abi %s: %w", path, err)
			}
			a, err := abi.JSON(bytes.NewReader(data))
			if err != nil {
				return fmt.Errorf("parse abi %s: %w", path, err)
			}
			abis[path] = &a
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return abis, nil
}

// FindEvent searches loaded ABIs for an event with the given name.
func FindEvent(abis map[string]*abi.ABI, name string) (*abi.Event, bool) {
	for _, a := range abis {
		if ev, ok := a.Events[name]; ok {
			return &ev, true
		}
	}
	return nil, false
}

// ResolveEvents picks the ABI event for every kind, preferring loaded ABIs
// over DefaultDEXABI. Each event must carry four inputs.
func ResolveEvents(abis map[string]*abi.ABI) (map[ledger.Kind]*abi.Event, error) {
	def, err := abi.JSON(strings.NewReader(DefaultDEXABI))
	if err != nil {
		return nil, fmt.Errorf("parse default abi: %w", err)
	}

	out := make(map[ledger.Kind]*abi.Event, len(ledger.Kinds))
	for _, k := range ledger.Kinds {
		ev, ok := FindEvent(abis, eventName(k))
		if !ok {
			d := def.Events[eventName(k)]
			ev = &d
		}
		if len(ev.Inputs) != 4 {
			return nil, fmt.Errorf("event %s: want 4 inputs, got %d", ev.Name, len(ev.Inputs))
		}
		out[k] = ev
	}
	return out, nil
}
