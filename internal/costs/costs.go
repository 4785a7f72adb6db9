// Package costs aggregates provider spend from artifact sidecars.
package costs

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/adgen-dev/adgen/internal/store"
)

// Summary aggregates spend across every run found under a root directory.
type Summary struct {
	TotalCost   float64            `json:"total_cost"`
	Images      int                `json:"images"`
	PerRun      map[string]float64 `json:"per_run"`
	PerProvider map[string]float64 `json:"per_provider"`
}

// Summarize walks root for artifact sidecars and totals their recorded cost.
// Files that are not sidecars (manifests, unrelated JSON, partial writes) are
// skipped rather than failing the whole summary.
func Summarize(root string) (*Summary, error) {
	sum := &Summary{
		PerRun:      make(map[string]float64),
		PerProvider: make(map[string]float64),
	}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if d == nil {
				return err
			}
			return nil
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		var a store.Artifact
		if err := json.Unmarshal(data, &a); err != nil || a.RunID == "" {
			return nil
		}
		sum.TotalCost += a.Cost
		sum.Images++
		sum.PerRun[a.RunID] += a.Cost
		sum.PerProvider[a.Provider] += a.Cost
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return sum, nil
		}
		return nil, err
	}
	return sum, nil
}
