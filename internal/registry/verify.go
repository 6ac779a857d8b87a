package registry

import (
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"minerd/internal/common/fsutil"
)

// ChecksumResult describes the validation of one local file.
type ChecksumResult struct {
	Name   string
	Status string
	Local  string
	Remote string
}

// Checksum statuses.
const (
	ChecksumOK        = "ok"
	ChecksumMismatch  = "mismatch"
	ChecksumNoRemote  = "no_remote_checksum"
	ChecksumUnknown   = "not_in_catalog"
	ChecksumMissing   = "missing"
	ChecksumReadError = "read_error"
)

// VerifyChecksums hashes local weight files and compares them with the
// catalog. With only set, just that model is checked. Mismatches are
// reported, never fatal.
func VerifyChecksums(c *Catalog, dir, only string, log zerolog.Logger) ([]ChecksumResult, error) {
	names := []string{only}
	if only == "" {
		var err error
		if names, err = ScanDir(dir); err != nil {
			return nil, err
		}
	}
	remote := make(map[string]string)
	for _, f := range c.Files() {
		remote[f.Name] = f.Checksum
	}
	start := time.Now()
	out := make([]ChecksumResult, 0, len(names))
	for i, name := range names {
		r := ChecksumResult{Name: name}
		sum, known := remote[name]
		p := WeightPath(dir, name)
		switch {
		case !fsutil.PathExists(p):
			r.Status = ChecksumMissing
		case !known:
			r.Status = ChecksumUnknown
		case sum == "":
			r.Status = ChecksumNoRemote
		default:
			local, err := fsutil.FileSHA256(p)
			r.Local, r.Remote = local, sum
			switch {
			case err != nil:
				r.Status = ChecksumReadError
			case strings.EqualFold(local, sum):
				r.Status = ChecksumOK
			default:
				r.Status = ChecksumMismatch
			}
		}
		ev := log.Info()
		if r.Status != ChecksumOK {
			ev = log.Warn()
		}
		ev.Str("event", "checksum").Str("model", name).Str("status", r.Status).
			Str("progress", humanize.Comma(int64(i+1))+"/"+humanize.Comma(int64(len(names)))).Msg("checksum validation")
		out = append(out, r)
	}
	ok := 0
	for _, r := range out {
		if r.Status == ChecksumOK {
			ok++
		}
	}
	log.Info().Int("validated", ok).Int("checked", len(out)).Dur("elapsed", time.Since(start)).Msg("checksum validation completed")
	return out, nil
}
