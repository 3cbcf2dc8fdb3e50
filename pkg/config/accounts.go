package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/entrhq/autopilot/pkg/types"
)

// accountFile accepts either a bare list or {"accounts": [...]}.
type accountFile struct {
	Accounts []*types.Account `yaml:"accounts" json:"accounts"`
}

// LoadAccounts reads an account import file. YAML (.yaml, .yml) and JSON
// with comments (.json, .jsonc) are accepted.
func LoadAccounts(path string) ([]*types.Account, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read accounts file: %w", err)
	}
	accounts, err := ParseAccounts(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return accounts, nil
}

// ParseAccounts decodes data in the format named by ext and checks the
// records for missing ids and duplicates.
func ParseAccounts(data []byte, ext string) ([]*types.Account, error) {
	var (
		accounts []*types.Account
		err      error
	)
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		accounts, err = decodeAccounts(data, yaml.Unmarshal)
	case ".json", ".jsonc":
		accounts, err = decodeAccounts(jsonc.ToJSON(data), json.Unmarshal)
	default:
		return nil, fmt.Errorf("unsupported accounts format %q (use .yaml, .json or .jsonc)", ext)
	}
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(accounts))
	for i, a := range accounts {
		if a == nil || a.ID == "" {
			return nil, fmt.Errorf("account %d: id is required", i+1)
		}
		if seen[a.ID] {
			return nil, fmt.Errorf("account %s: duplicate id", a.ID)
		}
		seen[a.ID] = true
		if a.SeatCapacity < 0 {
			return nil, fmt.Errorf("account %s: seat_capacity cannot be negative", a.ID)
		}
	}
	for _, a := range accounts {
		if a.ParentID != "" && a.ParentID == a.ID {
			return nil, fmt.Errorf("account %s: cannot be its own parent", a.ID)
		}
	}
	return accounts, nil
}

func decodeAccounts(data []byte, unmarshal func([]byte, any) error) ([]*types.Account, error) {
	var list []*types.Account
	if err := unmarshal(data, &list); err == nil {
		return list, nil
	}
	var file accountFile
	if err := unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse accounts: %w", err)
	}
	return file.Accounts, nil
}
