package serial

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/BurntSushi/toml"
)

//go:embed boards.toml
var defaultRegistry []byte

// Profile describes one known family of board serial devices: a display
// name plus the device path glob patterns it typically enumerates as.
type Profile struct {
	Name     string   `toml:"name"`
	Patterns []string `toml:"patterns"`
}

type registry struct {
	Boards []Profile `toml:"boards"`
}

// Candidate is a serial device present on the system that matched a
// board profile.
type Candidate struct {
	Device string
	Board  string
}

// LoadProfiles parses a board profile registry. With an empty path the
// embedded default registry is used.
func LoadProfiles(path string) ([]Profile, error) {
	data := defaultRegistry
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read board registry: %w", err)
		}
	}

	var reg registry
	if err := toml.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("parse board registry: %w", err)
	}
	if len(reg.Boards) == 0 {
		return nil, fmt.Errorf("board registry is empty")
	}
	return reg.Boards, nil
}

// Detect scans the filesystem for devices matching the given profiles.
// The first profile to match a device names it. Results are sorted by
// device path.
func Detect(profiles []Profile) ([]Candidate, error) {
	seen := make(map[string]bool)
	var found []Candidate

	for _, p := range profiles {
		for _, pattern := range p.Patterns {
			matches, err := filepath.Glob(pattern)
			if err != nil {
				return nil, fmt.Errorf("bad pattern %q in profile %q: %w", pattern, p.Name, err)
			}
			for _, dev := range matches {
				if seen[dev] {
					continue
				}
				seen[dev] = true
				found = append(found, Candidate{Device: dev, Board: p.Name})
			}
		}
	}

	sort.Slice(found, func(i, j int) bool { return found[i].Device < found[j].Device })
	return found, nil
}
