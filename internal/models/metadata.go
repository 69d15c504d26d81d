package models

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/aidispatch/dispatcher/internal/catalog"
)

// metadataFile is the on-disk record of downloaded models, persisted after
// every successful download and deletion (SPEC_FULL.md §6 "Local metadata
// for downloaded models"). It reuses the manifest's ModelDefinition schema.
type metadataFile struct {
	Models []catalog.Definition `json:"models"`
}

func loadMetadata(path string) (map[string]catalog.Definition, error) {
	out := make(map[string]catalog.Definition)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("models: reading metadata: %w", err)
	}
	var mf metadataFile
	if err := json.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("models: parsing metadata: %w", err)
	}
	for _, def := range mf.Models {
		out[def.ID] = def
	}
	return out, nil
}

func saveMetadata(path string, defs map[string]catalog.Definition) error {
	mf := metadataFile{Models: make([]catalog.Definition, 0, len(defs))}
	for _, def := range defs {
		mf.Models = append(mf.Models, def)
	}
	data, err := json.MarshalIndent(mf, "", "  ")
	if err != nil {
		return fmt.Errorf("models: serializing metadata: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("models: writing metadata: %w", err)
	}
	return os.Rename(tmp, path)
}
