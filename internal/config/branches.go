package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"

	"querydesk/api/internal/query"
)

type branchFile struct {
	Branches []query.Branch `yaml:"branches"`
}

// LoadBranches reads the branch directory. An empty path or a missing file
// yields an empty directory, in which case branch codes match literally.
func LoadBranches(path string) (query.Directory, error) {
	if path == "" {
		return query.NewDirectory(nil), nil
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return query.NewDirectory(nil), nil
	}
	if err != nil {
		return query.Directory{}, fmt.Errorf("read branches file: %w", err)
	}
	return ParseBranches(raw)
}

func ParseBranches(raw []byte) (query.Directory, error) {
	var file branchFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return query.Directory{}, fmt.Errorf("parse branches file: %w", err)
	}
	for i, branch := range file.Branches {
		if branch.Code == "" {
			return query.Directory{}, fmt.Errorf("branch %d (%q) has no code", i, branch.Name)
		}
	}
	return query.NewDirectory(file.Branches), nil
}
