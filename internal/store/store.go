// Package store persists run artifacts: images, sidecars, thumbnails and the
// append-only manifest. All image-adjacent writes are atomic
// (write-to-temp-then-rename) so a crash never leaves half a file under the
// final name.
package store

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Artifact mirrors one persisted image and doubles as the manifest entry.
type Artifact struct {
	ID          int64     `json:"id"`
	RunID       string    `json:"run_id"`
	Provider    string    `json:"provider"`
	Model       string    `json:"model"`
	Width       int       `json:"width"`
	Height      int       `json:"height"`
	CreatedAt   time.Time `json:"created_at"`
	Prompt      string    `json:"prompt"`
	Rewritten   string    `json:"rewritten,omitempty"`
	Cost        float64   `json:"cost"`
	ImagePath   string    `json:"image_path"`
	SidecarPath string    `json:"sidecar_path"`
	ThumbPath   string    `json:"thumb_path,omitempty"`
}

// ImageInfo is one listing entry for the API.
type ImageInfo struct {
	Name      string `json:"name"`
	URL       string `json:"url"`
	CreatedMS int64  `json:"created_ms"`
}

// Store writes artifacts into one output directory.
type Store struct {
	dir string

	manifestMu sync.Mutex
	manifest   *os.File
}

// ManifestName is the append-only artifact log inside the output directory.
const ManifestName = "manifest.jsonl"

// Open prepares the output directory and its manifest for appends.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create out dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, ManifestName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	return &Store{dir: dir, manifest: f}, nil
}

// Dir returns the output directory.
func (s *Store) Dir() string { return s.dir }

// Close releases the manifest handle.
func (s *Store) Close() error {
	s.manifestMu.Lock()
	defer s.manifestMu.Unlock()
	if s.manifest == nil {
		return nil
	}
	err := s.manifest.Close()
	s.manifest = nil
	return err
}

// CheckWritable probes that the directory can be created and written.
func CheckWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	probe := filepath.Join(dir, ".writable")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return err
	}
	return os.Remove(probe)
}

// BaseName yields the shared stem for an artifact's files.
func BaseName(id int64, provider, model string) string {
	return fmt.Sprintf("%08d-%s-%s", id, sanitize(provider), sanitize(model))
}

// sanitize keeps model names like "accounts/org/model" from escaping the
// directory.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', ' ':
			return '_'
		}
		return r
	}, s)
}

// SaveArtifact writes the image, sidecar and optional thumbnail atomically
// and fills in the artifact's path fields. When any write fails the temp
// files are unlinked and nothing appears under the final names.
func (s *Store) SaveArtifact(a *Artifact, image, thumb []byte) error {
	base := BaseName(a.ID, a.Provider, a.Model)
	a.ImagePath = base + ".png"
	a.SidecarPath = base + ".json"
	if thumb != nil {
		a.ThumbPath = base + "_thumb.png"
	}

	sidecar, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sidecar: %w", err)
	}

	if err := s.writeAtomic(a.ImagePath, image); err != nil {
		return err
	}
	if err := s.writeAtomic(a.SidecarPath, sidecar); err != nil {
		return err
	}
	if thumb != nil {
		if err := s.writeAtomic(a.ThumbPath, thumb); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) writeAtomic(name string, data []byte) error {
	return WriteFileAtomic(filepath.Join(s.dir, name), data)
}

// WriteFileAtomic writes data to a sibling temp file, fsyncs, and renames
// over the final path.
func WriteFileAtomic(path string, data []byte) error {
	var suffix [4]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return err
	}
	tmp := path + ".tmp-" + hex.EncodeToString(suffix[:])

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

// AppendManifest writes one artifact record as a single manifest line.
// Appends are serialized by the manifest mutex so lines never interleave.
func (s *Store) AppendManifest(a *Artifact) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal manifest entry: %w", err)
	}
	s.manifestMu.Lock()
	defer s.manifestMu.Unlock()
	if s.manifest == nil {
		return fmt.Errorf("manifest closed")
	}
	if _, err := s.manifest.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append manifest: %w", err)
	}
	return s.manifest.Sync()
}

// List enumerates the PNGs in a directory, newest first. Thumbnails are
// included; they are real artifacts the UI may browse.
func List(dir string) ([]ImageInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read out dir: %w", err)
	}
	items := make([]ImageInfo, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".png") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		items = append(items, ImageInfo{
			Name:      e.Name(),
			URL:       "/images/" + e.Name(),
			CreatedMS: info.ModTime().UnixMilli(),
		})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedMS > items[j].CreatedMS })
	return items, nil
}

// SafePath resolves a client-supplied file name inside dir, rejecting names
// with path separators or traversal components.
func SafePath(dir, name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return "", fmt.Errorf("unsafe file name %q", name)
	}
	return filepath.Join(dir, name), nil
}

// ResumeState counts complete manifest lines, yielding the number of
// completed artifacts and the next numeric id. A trailing partial line after
// a crash is ignored by the line scan.
func ResumeState(dir string) (completed int64, nextID int64, err error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, 1, nil
		}
		return 0, 0, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var a Artifact
		if err := json.Unmarshal([]byte(line), &a); err != nil {
			continue
		}
		completed++
	}
	return completed, completed + 1, nil
}
