package crypto

import (
	"fmt"

	bls "github.com/cloudflare/circl/sign/bls"
)

type scheme = bls.KeyG1SigG2

type BLSPubKey = bls.PublicKey[scheme]

// AttestationSigner signs batch commitments so followers can check who produced them.
type AttestationSigner struct {
	sk *bls.PrivateKey[scheme]
	pk *BLSPubKey
}

// NewAttestationSigner derives a key from seed, which must be at least 32 bytes.
func NewAttestationSigner(seed []byte) (*AttestationSigner, error) {
	sk, err := bls.KeyGen[scheme](seed, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("bls keygen: %w", err)
	}
	return &AttestationSigner{sk: sk, pk: sk.PublicKey()}, nil
}

func (s *AttestationSigner) PublicKey() *BLSPubKey { return s.pk }

// PublicKeyBytes returns the compressed public key.
func (s *AttestationSigner) PublicKeyBytes() []byte {
	b, _ := s.pk.MarshalBinary()
	return b
}

func (s *AttestationSigner) Sign(msg []byte) []byte {
	return bls.Sign(s.sk, msg)
}

// ParseBLSPubKey decodes a public key produced by PublicKeyBytes.
func ParseBLSPubKey(b []byte) (*BLSPubKey, error) {
	pk := new(BLSPubKey)
	if err := pk.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("bls public key: %w", err)
	}
	return pk, nil
}

func VerifyAttestation(pk *BLSPubKey, sig, msg []byte) bool {
	return bls.Verify(pk, msg, bls.Signature(sig))
}
