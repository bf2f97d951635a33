// Package poolconfig reads the set of pool contracts to track.
package poolconfig

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("poolconfig: invalid config")

// Pool is one tracked contract. Name is only used in logs.
type Pool struct {
	Address common.Address
	Name    string
}

type fileDoc struct {
	Pools []filePool `yaml:"pools"`
}

type filePool struct {
	Address string `yaml:"address"`
	Name    string `yaml:"name"`
}

// ParseList parses a comma-separated list of hex addresses.
func ParseList(s string) ([]Pool, error) {
	var out []Pool
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		a, err := parseAddress(part)
		if err != nil {
			return nil, err
		}
		out = append(out, Pool{Address: a})
	}
	return out, nil
}

// Parse decodes a YAML document of the form
//
//	pools:
//	  - address: 0x88e6a0c2ddd26feeb64f039a2c41296fcb3f5640
//	    name: USDC/WETH 0.05%
func Parse(data []byte) ([]Pool, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var doc fileDoc
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: decode yaml: %v", ErrInvalidConfig, err)
	}
	out := make([]Pool, 0, len(doc.Pools))
	for i, p := range doc.Pools {
		a, err := parseAddress(p.Address)
		if err != nil {
			return nil, fmt.Errorf("pools[%d]: %w", i, err)
		}
		out = append(out, Pool{Address: a, Name: strings.TrimSpace(p.Name)})
	}
	return out, nil
}

func ReadFile(path string) ([]Pool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("poolconfig: read %s: %w", path, err)
	}
	return Parse(data)
}

// Load merges the flag list and the optional file, dropping duplicates
// and keeping first-seen order. At least one pool is required.
func Load(list, path string) ([]Pool, error) {
	pools, err := ParseList(list)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(path) != "" {
		fromFile, err := ReadFile(path)
		if err != nil {
			return nil, err
		}
		pools = append(pools, fromFile...)
	}

	seen := make(map[common.Address]int, len(pools))
	out := make([]Pool, 0, len(pools))
	for _, p := range pools {
		if i, ok := seen[p.Address]; ok {
			if out[i].Name == "" {
				out[i].Name = p.Name
			}
			continue
		}
		seen[p.Address] = len(out)
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no pool addresses configured", ErrInvalidConfig)
	}
	return out, nil
}

func Addresses(pools []Pool) []common.Address {
	out := make([]common.Address, 0, len(pools))
	for _, p := range pools {
		out = append(out, p.Address)
	}
	return out
}

func parseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %q is not a hex address", ErrInvalidConfig, s)
	}
	a := common.HexToAddress(s)
	if a == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%w: zero address", ErrInvalidConfig)
	}
	return a, nil
}
