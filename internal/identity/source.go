package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// StaticSource serves a fixed table, useful for tests and for the
// standalone run mode where identities are provisioned via config rather
// than an external directory.
type StaticSource struct {
	Records map[string]Record
}

func (s StaticSource) LoadAll(context.Context) (map[string]Record, error) {
	out := make(map[string]Record, len(s.Records))
	for k, v := range s.Records {
		out[k] = v
	}
	return out, nil
}

// FileSource reloads an array of Record from Path on every LoadAll call,
// letting an operator update the identity table by editing a file on disk
// without restarting the process. Accepts either JSON or YAML, selected
// by the file extension — operators hand-maintaining this table alongside
// per-channel YAML credential files generally prefer YAML.
type FileSource struct {
	Path string
}

func (s FileSource) LoadAll(context.Context) (map[string]Record, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("identity: read source file: %w", err)
	}

	var records []Record
	if isYAMLPath(s.Path) {
		if err := yaml.Unmarshal(data, &records); err != nil {
			return nil, fmt.Errorf("identity: parse source file: %w", err)
		}
	} else if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("identity: parse source file: %w", err)
	}

	out := make(map[string]Record, len(records))
	for _, r := range records {
		out[r.UserID] = r
	}
	return out, nil
}

func isYAMLPath(path string) bool {
	return strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml")
}
