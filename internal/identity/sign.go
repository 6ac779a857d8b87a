package identity

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Window is the validity period of a signed request.
const Window = 3600

// SignedRequest proves control of the identity key for one hour window.
type SignedRequest struct {
	Message         string
	Signature       []byte
	IdentityAddress common.Address
}

// SignatureHex is the 0x-prefixed 65-byte signature.
func (s SignedRequest) SignatureHex() string { return hexutil.Encode(s.Signature) }

// IdentityHex is the lowercase identity address.
func (s SignedRequest) IdentityHex() string { return strings.ToLower(s.IdentityAddress.Hex()) }

// WindowMessage builds lower(reward) + "-" + floor(now, 3600).
func WindowMessage(reward common.Address, now time.Time) string {
	secs := now.Unix()
	return strings.ToLower(reward.Hex()) + "-" + strconv.FormatInt(secs-secs%Window, 10)
}

// SignWindow signs the window message for reward with the key derived from seed.
func SignWindow(seed string, reward common.Address, now time.Time) (SignedRequest, error) {
	key, err := DeriveKey(seed)
	if err != nil {
		return SignedRequest{}, err
	}
	msg := WindowMessage(reward, now)
	sig, err := crypto.Sign(accounts.TextHash([]byte(msg)), key)
	if err != nil {
		return SignedRequest{}, fmt.Errorf("sign: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return SignedRequest{
		Message:         msg,
		Signature:       sig,
		IdentityAddress: crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// Recover returns the address that produced sig over the text message msg.
func Recover(msg string, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature length %d, want %d", len(sig), crypto.SignatureLength)
	}
	s := bytes.Clone(sig)
	if s[crypto.RecoveryIDOffset] != 27 && s[crypto.RecoveryIDOffset] != 28 {
		return common.Address{}, fmt.Errorf("invalid recovery id %d", s[crypto.RecoveryIDOffset])
	}
	s[crypto.RecoveryIDOffset] -= 27
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(msg)), s)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verify recomputes the current window for reward and checks that req
// recovers to its identity address.
func Verify(req SignedRequest, reward common.Address, now time.Time) error {
	want := WindowMessage(reward, now)
	if req.Message != want {
		return fmt.Errorf("signed window %q does not match current window %q", req.Message, want)
	}
	got, err := Recover(req.Message, req.Signature)
	if err != nil {
		return err
	}
	if got != req.IdentityAddress {
		return fmt.Errorf("signature recovers to %s, want %s", got.Hex(), req.IdentityAddress.Hex())
	}
	return nil
}
