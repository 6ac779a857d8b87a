package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// MinerIDs returns the MINER_ID_<n> values from the environment, ordered by n.
// The env file is loaded first when it exists; variables already set win.
func MinerIDs(envFile string) ([]string, error) {
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return nil, fmt.Errorf("load %s: %w", envFile, err)
			}
		}
	}
	type entry struct {
		idx int
		val string
	}
	var found []entry
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(k, "MINER_ID_") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(k, "MINER_ID_"))
		if err != nil || strings.TrimSpace(v) == "" {
			continue
		}
		found = append(found, entry{idx: n, val: strings.TrimSpace(v)})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].idx < found[j].idx })
	out := make([]string, 0, len(found))
	for _, e := range found {
		out = append(out, e.val)
	}
	return out, nil
}

// MinerIDFor picks the id for a device, falling back to the first id.
func MinerIDFor(ids []string, device int) (string, error) {
	if len(ids) == 0 {
		return "", fmt.Errorf("no MINER_ID_<n> entries found in environment")
	}
	if device >= 0 && device < len(ids) {
		return ids[device], nil
	}
	return ids[0], nil
}
