// Package needle manages the needle database: loading reference images
// by tag, and reloading on demand when the runner asks for it or when the
// needle directory changes on disk.
package needle

import (
	"encoding/json"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/kinderp/os-autoinst/pkg/imgref"
)

// Needle is a reference sub-image plus the tags it is filed under.
type Needle struct {
	Name  string          `json:"name"`
	Tags  []string        `json:"tags"`
	Area  image.Rectangle `json:"-"`
	Image image.Image     `json:"-"`
}

// doc is the on-disk JSON shape: one needle definition plus the relative
// path to its reference PNG.
type doc struct {
	Name     string   `json:"name"`
	Tags     []string `json:"tags"`
	ImageRel string   `json:"image"`
	AreaX    int      `json:"area_x"`
	AreaY    int      `json:"area_y"`
	AreaW    int      `json:"area_w"`
	AreaH    int      `json:"area_h"`
}

// Set is the lookup of needles by tag. Reload is triggered explicitly via
// Reload, or automatically by Watch when the underlying directory changes.
type Set struct {
	dir string
	log zerolog.Logger

	mu      sync.RWMutex
	byTag   map[string][]Needle
	byName  map[string]Needle
	watcher *fsnotify.Watcher
}

// NewSet loads every needle document under dir.
func NewSet(dir string, log zerolog.Logger) (*Set, error) {
	s := &Set{dir: dir, log: log}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads every needle document under dir, replacing the lookup
// tables atomically.
func (s *Set) Reload() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read needle dir %s: %w", s.dir, err)
	}

	byTag := make(map[string][]Needle)
	byName := make(map[string]Needle)

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		n, err := loadOne(path)
		if err != nil {
			s.log.Warn().Err(err).Str("path", path).Msg("skipping malformed needle")
			continue
		}
		byName[n.Name] = n
		for _, tag := range n.Tags {
			byTag[tag] = append(byTag[tag], n)
		}
	}

	s.mu.Lock()
	s.byTag = byTag
	s.byName = byName
	s.mu.Unlock()
	return nil
}

func loadOne(path string) (Needle, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Needle{}, err
	}
	var d doc
	if err := json.Unmarshal(raw, &d); err != nil {
		return Needle{}, fmt.Errorf("parse %s: %w", path, err)
	}

	imgPath := filepath.Join(filepath.Dir(path), d.ImageRel)
	ref, err := imgref.Decode(imgPath)
	if err != nil {
		return Needle{}, fmt.Errorf("load reference image for %s: %w", d.Name, err)
	}

	area := image.Rectangle{}
	if d.AreaW > 0 && d.AreaH > 0 {
		area = image.Rect(d.AreaX, d.AreaY, d.AreaX+d.AreaW, d.AreaY+d.AreaH)
	}

	return Needle{
		Name:  d.Name,
		Tags:  append([]string(nil), d.Tags...),
		Area:  area,
		Image: ref.Image(),
	}, nil
}

// Watch starts an fsnotify watch on the needle directory and reloads the
// set whenever a file is created, written, or removed. It runs until
// stopCh is closed.
func (s *Set) Watch(stopCh <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create needle watcher: %w", err)
	}
	if err := watcher.Add(s.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch needle dir %s: %w", s.dir, err)
	}
	s.watcher = watcher

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-stopCh:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if err := s.Reload(); err != nil {
					s.log.Warn().Err(err).Msg("needle reload after fs event failed")
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.log.Warn().Err(err).Msg("needle watcher error")
			}
		}
	}()
	return nil
}

// ExpandTags resolves a set of tag names (and, transitively, any tags that
// a matched needle itself carries as further tag references) into a
// deduplicated, ordered list of needles. Expansion is breadth-first and
// stops once a pass over the frontier produces no new needles.
func (s *Set) ExpandTags(tags []string) []Needle {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seenNeedle := make(map[string]bool)
	seenTag := make(map[string]bool)
	var ordered []Needle

	frontier := append([]string(nil), tags...)
	for len(frontier) > 0 {
		var next []string
		for _, tag := range frontier {
			if seenTag[tag] {
				continue
			}
			seenTag[tag] = true
			for _, n := range s.byTag[tag] {
				if seenNeedle[n.Name] {
					continue
				}
				seenNeedle[n.Name] = true
				ordered = append(ordered, n)
				for _, t := range n.Tags {
					if !seenTag[t] {
						next = append(next, t)
					}
				}
			}
		}
		frontier = next
	}
	return ordered
}

// NormalizeTags returns the sorted, deduplicated, lower-cased form of tags
// used as the canonical AssertionArming.tags value.
func NormalizeTags(tags []string) []string {
	set := make(map[string]bool, len(tags))
	for _, t := range tags {
		set[strings.ToLower(strings.TrimSpace(t))] = true
	}
	out := make([]string, 0, len(set))
	for t := range set {
		if t == "" {
			continue
		}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// MustMatchID joins normalized tags the way set_tags_to_assert names an
// arming for log lines.
func MustMatchID(tags []string) string {
	return strings.Join(tags, "_")
}
