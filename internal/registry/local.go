package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"minerd/internal/common/fsutil"
)

// WeightExt is the file extension of local weight files.
const WeightExt = ".safetensors"

// File is one downloadable weight file.
type File struct {
	Name     string
	Type     string
	URL      string
	Checksum string
}

// ScanDir lists the weight names (without extension) present in dir.
func ScanDir(dir string) ([]string, error) {
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(base)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, WeightExt) {
			names = append(names, strings.TrimSuffix(name, WeightExt))
		}
	}
	sort.Strings(names)
	return names, nil
}

// LocalModelIDs returns the model ids servable from dir, in catalog order.
// Composite entries become "base#name" when both files are present.
func LocalModelIDs(c *Catalog, dir string, log zerolog.Logger) ([]string, error) {
	names, err := ScanDir(dir)
	if err != nil {
		return nil, err
	}
	local := make(map[string]bool, len(names))
	for _, n := range names {
		local[n] = true
	}
	var ids []string
	for _, m := range c.Models() {
		if m.Base == "" {
			if local[m.Name] {
				ids = append(ids, m.Name)
			} else {
				log.Debug().Str("model", m.Name).Msg("model file not present")
			}
			continue
		}
		if local[m.Base] && local[m.Name] {
			ids = append(ids, m.Base+"#"+m.Name)
			continue
		}
		if !local[m.Base] {
			log.Warn().Str("model", m.Name).Str("base", m.Base).Msg("base model file not found")
		}
		if !local[m.Name] {
			log.Warn().Str("model", m.Name).Msg("lora weights file not found")
		}
	}
	return ids, nil
}

// WeightPath is the on-disk path of a named weight file.
func WeightPath(dir, name string) string { return filepath.Join(dir, name+WeightExt) }
