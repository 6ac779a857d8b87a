package identity

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// PendingImport is returned by Resolve when the chain already binds an
// identity but no local file exists. The caller supplies the seed via Import.
type PendingImport struct {
	MinerID      MinerID
	BoundAddress common.Address
	Path         string
}

// Resolution is the outcome of Resolve: exactly one of Record or Pending is set.
type Resolution struct {
	Record  *Record
	Pending *PendingImport
	// True when a new identity was generated by this call.
	Generated bool
}

// Manager resolves, persists and signs with miner identities.
type Manager struct {
	store   *Store
	binding BindingReader
	log     zerolog.Logger
	now     func() time.Time

	mu      sync.RWMutex
	records map[string]Record
}

// NewManager constructs a Manager. A nil binding is treated as always unbound.
func NewManager(store *Store, binding BindingReader, log zerolog.Logger) *Manager {
	if binding == nil {
		binding = Unbound{}
	}
	return &Manager{
		store:   store,
		binding: binding,
		log:     log,
		now:     time.Now,
		records: make(map[string]Record),
	}
}

// VerifyBinding returns the identity bound to reward, and whether one is bound.
func (m *Manager) VerifyBinding(ctx context.Context, reward common.Address) (common.Address, bool, error) {
	addr, err := m.binding.IdentityAddress(ctx, reward)
	if err != nil {
		return common.Address{}, false, err
	}
	if addr == (common.Address{}) {
		return common.Address{}, false, nil
	}
	return addr, true, nil
}

// Resolve loads, generates or requests import of the identity for id.
func (m *Manager) Resolve(ctx context.Context, id MinerID) (Resolution, error) {
	bound, isBound, err := m.VerifyBinding(ctx, id.Reward)
	if err != nil {
		return Resolution{}, fmt.Errorf("verify binding for %s: %w", id, err)
	}
	path := m.store.Path(id)

	if m.store.Exists(id) {
		seed, local, err := m.store.Read(id)
		if err != nil {
			return Resolution{}, err
		}
		derived, err := DeriveAddress(seed)
		if err != nil {
			return Resolution{}, fmt.Errorf("identity file %s: %w", path, err)
		}
		if derived != local {
			return Resolution{}, fmt.Errorf("identity file %s: stored address %s does not match its seed (%s)",
				path, strings.ToLower(local.Hex()), strings.ToLower(derived.Hex()))
		}
		if isBound && !strings.EqualFold(bound.Hex(), local.Hex()) {
			return Resolution{}, &MismatchError{MinerID: id.String(), Local: local, Bound: bound}
		}
		if !isBound {
			m.log.Warn().Str("event", "identity_unbound").Str("miner_id", id.String()).
				Str("identity", strings.ToLower(local.Hex())).
				Msg("identity file found but binding is not established on-chain; binding takes effect after some compute jobs")
		}
		rec := Record{RewardAddress: id.Reward, Seed: seed, IdentityAddress: local, Bound: isBound, Path: path}
		m.remember(id, rec)
		return Resolution{Record: &rec}, nil
	}

	if isBound {
		m.log.Info().Str("event", "identity_pending_import").Str("miner_id", id.String()).
			Str("bound", strings.ToLower(bound.Hex())).Msg("identity bound on-chain but file missing")
		return Resolution{Pending: &PendingImport{MinerID: id, BoundAddress: bound, Path: path}}, nil
	}

	seed, err := NewMnemonic()
	if err != nil {
		return Resolution{}, fmt.Errorf("generate mnemonic: %w", err)
	}
	addr, err := DeriveAddress(seed)
	if err != nil {
		return Resolution{}, err
	}
	if err := m.store.Write(id, seed, addr); err != nil {
		return Resolution{}, fmt.Errorf("persist identity: %w", err)
	}
	m.log.Info().Str("event", "identity_generated").Str("miner_id", id.String()).
		Str("identity", strings.ToLower(addr.Hex())).Str("path", path).Msg("generated identity wallet")
	rec := Record{RewardAddress: id.Reward, Seed: seed, IdentityAddress: addr, Path: path}
	m.remember(id, rec)
	return Resolution{Record: &rec, Generated: true}, nil
}

// Import validates seed against the bound identity and persists it.
func (m *Manager) Import(ctx context.Context, id MinerID, seed string) (Record, error) {
	derived, err := DeriveAddress(seed)
	if err != nil {
		return Record{}, err
	}
	bound, isBound, err := m.VerifyBinding(ctx, id.Reward)
	if err != nil {
		return Record{}, fmt.Errorf("verify binding for %s: %w", id, err)
	}
	if isBound && !strings.EqualFold(bound.Hex(), derived.Hex()) {
		return Record{}, ErrSeedMismatch
	}
	if m.store.Exists(id) {
		_, local, err := m.store.Read(id)
		if err == nil && local != derived {
			return Record{}, &MismatchError{MinerID: id.String(), Local: local, Bound: derived}
		}
	}
	if err := m.store.Write(id, seed, derived); err != nil {
		return Record{}, fmt.Errorf("persist identity: %w", err)
	}
	rec := Record{RewardAddress: id.Reward, Seed: normalizeMnemonic(seed), IdentityAddress: derived, Bound: isBound, Path: m.store.Path(id)}
	m.remember(id, rec)
	return rec, nil
}

// Sign produces the hour-window signature for id using its resolved identity.
func (m *Manager) Sign(id MinerID, now time.Time) (SignedRequest, error) {
	rec, ok := m.lookup(id)
	if !ok {
		seed, _, err := m.store.Read(id)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return SignedRequest{}, fmt.Errorf("no identity for %s: run `minerd identity generate`", id)
			}
			return SignedRequest{}, err
		}
		rec = Record{RewardAddress: id.Reward, Seed: seed}
	}
	return SignWindow(rec.Seed, id.Reward, now)
}

// SignNow signs with the manager clock.
func (m *Manager) SignNow(id MinerID) (SignedRequest, error) { return m.Sign(id, m.now()) }

func (m *Manager) remember(id MinerID, rec Record) {
	m.mu.Lock()
	m.records[id.Lower()] = rec
	m.mu.Unlock()
}

func (m *Manager) lookup(id MinerID) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id.Lower()]
	return rec, ok
}
