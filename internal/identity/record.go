package identity

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"minerd/internal/common/fsutil"
)

const (
	seedPrefix    = "Seed Phrase: "
	addressPrefix = "Identity Wallet Address: "
)

// Record is the local identity of one miner id.
type Record struct {
	RewardAddress   common.Address
	Seed            string
	IdentityAddress common.Address
	// Whether the chain currently maps RewardAddress to IdentityAddress.
	Bound bool
	Path  string
}

// IdentityHex is the lowercase identity address.
func (r Record) IdentityHex() string { return strings.ToLower(r.IdentityAddress.Hex()) }

// Store reads and writes identity files under a keys directory.
type Store struct {
	dir string
}

func NewStore(dir string) *Store { return &Store{dir: dir} }

// Path returns the identity file for id.
func (s *Store) Path(id MinerID) string {
	return filepath.Join(s.dir, id.Lower()+".txt")
}

// Exists reports whether an identity file is present for id.
func (s *Store) Exists(id MinerID) bool {
	_, err := os.Stat(s.Path(id))
	return err == nil
}

// Write persists seed and address as the two-line record.
func (s *Store) Write(id MinerID, seed string, addr common.Address) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("keys dir: %w", err)
	}
	var b bytes.Buffer
	b.WriteString(seedPrefix + normalizeMnemonic(seed) + "\n")
	b.WriteString(addressPrefix + strings.ToLower(addr.Hex()) + "\n")
	return fsutil.WriteFileAtomic(s.Path(id), b.Bytes(), 0o600)
}

// Read loads the seed and identity address stored for id.
func (s *Store) Read(id MinerID) (string, common.Address, error) {
	p := s.Path(id)
	b, err := os.ReadFile(p)
	if err != nil {
		return "", common.Address{}, err
	}
	var seed, addr string
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case strings.HasPrefix(line, seedPrefix):
			seed = strings.TrimSpace(strings.TrimPrefix(line, seedPrefix))
		case strings.HasPrefix(line, addressPrefix):
			addr = strings.TrimSpace(strings.TrimPrefix(line, addressPrefix))
		}
	}
	if seed == "" || !common.IsHexAddress(addr) {
		return "", common.Address{}, fmt.Errorf("malformed identity file %s", p)
	}
	return seed, common.HexToAddress(addr), nil
}
