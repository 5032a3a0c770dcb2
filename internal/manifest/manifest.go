// Package manifest loads the optional paymaster allow-list file.
//
// The manifest is operator-managed JSON, validated against an embedded
// schema before any address reaches the authorization engine. A file
// that fails validation is rejected whole; a running daemon keeps its
// previous allow list when a reload is rejected.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrInvalid reports a manifest that failed schema or content checks.
var ErrInvalid = errors.New("manifest: invalid manifest")

// Version is the manifest format this daemon accepts.
const Version = 1

// schemaJSON is the embedded schema every manifest must satisfy.
const schemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://signetd.dev/schema/paymaster-manifest-v1.schema.json",
  "title": "signetd paymaster manifest",
  "type": "object",
  "required": ["version", "paymasters"],
  "additionalProperties": false,
  "properties": {
    "version": {
      "const": 1
    },
    "paymasters": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["address"],
        "additionalProperties": false,
        "properties": {
          "address": {
            "type": "string",
            "pattern": "^0x[0-9a-fA-F]{40}$"
          },
          "name": {
            "type": "string",
            "maxLength": 128
          }
        }
      }
    }
  }
}`

const schemaURL = "paymaster-manifest-v1.schema.json"

var compiledSchema = jsonschema.MustCompileString(schemaURL, schemaJSON)

// Entry is one allow-listed paymaster.
type Entry struct {
	Address common.Address
	Name    string
}

// Manifest is a parsed, validated allow-list file.
type Manifest struct {
	Version    int
	Paymasters []Entry
}

// Addresses returns the allow-listed addresses in file order.
func (m *Manifest) Addresses() []common.Address {
	addrs := make([]common.Address, len(m.Paymasters))
	for i, e := range m.Paymasters {
		addrs[i] = e.Address
	}
	return addrs
}

type rawEntry struct {
	Address string `json:"address"`
	Name    string `json:"name"`
}

type rawManifest struct {
	Version    int        `json:"version"`
	Paymasters []rawEntry `json:"paymasters"`
}

// Load reads and validates the manifest at path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", path, err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%w (%s)", err, path)
	}
	return m, nil
}

// Parse validates data against the embedded schema and decodes it.
// Duplicate addresses are rejected: an allow list with two entries for
// one paymaster is an operator mistake, not a merge.
func Parse(data []byte) (*Manifest, error) {
	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := compiledSchema.Validate(instance); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	var raw rawManifest
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	m := &Manifest{
		Version:    raw.Version,
		Paymasters: make([]Entry, 0, len(raw.Paymasters)),
	}
	seen := make(map[common.Address]struct{}, len(raw.Paymasters))
	for _, e := range raw.Paymasters {
		if !common.IsHexAddress(e.Address) {
			return nil, fmt.Errorf("%w: bad address %q", ErrInvalid, e.Address)
		}
		addr := common.HexToAddress(e.Address)
		if _, dup := seen[addr]; dup {
			return nil, fmt.Errorf("%w: duplicate address %s", ErrInvalid, strings.ToLower(e.Address))
		}
		seen[addr] = struct{}{}
		m.Paymasters = append(m.Paymasters, Entry{Address: addr, Name: e.Name})
	}
	return m, nil
}
