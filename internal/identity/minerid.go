package identity

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var minerIDPattern = regexp.MustCompile(`^(0x[a-fA-F0-9]{40})(-[a-zA-Z0-9_]+)?$`)

// MinerID is a reward address plus an optional device suffix. It names one
// worker's identity file.
type MinerID struct {
	Reward common.Address
	// Without the leading '-'.
	Suffix string
	raw    string
}

// ParseMinerID validates s against the composite miner id format.
func ParseMinerID(s string) (MinerID, error) {
	s = strings.TrimSpace(s)
	m := minerIDPattern.FindStringSubmatch(s)
	if m == nil {
		return MinerID{}, fmt.Errorf("invalid miner id %q: want 0x<40 hex>[-suffix]", s)
	}
	return MinerID{
		Reward: common.HexToAddress(m[1]),
		Suffix: strings.TrimPrefix(m[2], "-"),
		raw:    s,
	}, nil
}

// String returns the id as configured.
func (id MinerID) String() string {
	if id.raw != "" {
		return id.raw
	}
	if id.Suffix == "" {
		return strings.ToLower(id.Reward.Hex())
	}
	return strings.ToLower(id.Reward.Hex()) + "-" + id.Suffix
}

// Lower is the form used on the wire and as the identity file key.
func (id MinerID) Lower() string { return strings.ToLower(id.String()) }

// RewardHex is the lowercase reward address.
func (id MinerID) RewardHex() string { return strings.ToLower(id.Reward.Hex()) }

// WithDeviceSuffix appends a short device fragment when the id has no suffix.
// uuid is an NVML-style "GPU-xxxxxxxx-..." string; the first six characters
// after the prefix are used.
func (id MinerID) WithDeviceSuffix(uuid string) MinerID {
	if id.Suffix != "" {
		return id
	}
	frag := ShortDeviceID(uuid)
	if frag == "" {
		return id
	}
	out := MinerID{Reward: id.Reward, Suffix: frag}
	out.raw = id.String() + "-" + frag
	return out
}

// ShortDeviceID returns the first six characters of the UUID segment after "GPU-".
func ShortDeviceID(uuid string) string {
	s := strings.TrimPrefix(uuid, "GPU-")
	s = strings.Map(func(r rune) rune {
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == '_' {
			return r
		}
		return -1
	}, s)
	if len(s) > 6 {
		s = s[:6]
	}
	return s
}
