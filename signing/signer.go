// Package signing produces deterministic Keccak-256 message hashes for
// agreement signatures and records them on the registry.
package signing

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/sha3"

	"covenant/domain"
)

// Registry is the slice of the agreement registry the signer needs.
type Registry interface {
	Get(ctx context.Context, id int64) (domain.Agreement, error)
	RecordSignature(ctx context.Context, caller domain.Caller, id int64, signer domain.Identity, hash string) error
}

// Message is the content a party commits to when signing.
type Message struct {
	AgreementID int64  `json:"agreement_id"`
	Nonce       uint64 `json:"nonce"`
	Role        uint8  `json:"role"`
	Payload     []byte `json:"payload"`
	Terms       []byte `json:"terms"`
}

// Hash returns the 0x-prefixed Keccak-256 digest binding signer to m.
// Variable length fields are length prefixed so distinct inputs never
// collide by concatenation.
func Hash(signer domain.Identity, m Message) string {
	h := sha3.NewLegacyKeccak256()
	var buf [8]byte
	writeBytes := func(b []byte) {
		binary.BigEndian.PutUint64(buf[:], uint64(len(b)))
		h.Write(buf[:])
		h.Write(b)
	}
	writeBytes([]byte(signer))
	binary.BigEndian.PutUint64(buf[:], uint64(m.AgreementID))
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], m.Nonce)
	h.Write(buf[:])
	h.Write([]byte{m.Role})
	writeBytes(m.Payload)
	writeBytes(m.Terms)
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

// Signer signs agreements on behalf of their parties.
type Signer struct {
	registry Registry
	// self carries the registry approval the signer was granted.
	self   domain.Caller
	logger *zap.Logger
}

// Option configures a Signer.
type Option func(*Signer)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Signer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New builds a Signer that calls registry as self.
func New(registry Registry, self domain.Caller, opts ...Option) *Signer {
	s := &Signer{registry: registry, self: self, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sign records caller's signature over m and returns the stored hash.
func (s *Signer) Sign(ctx context.Context, caller domain.Caller, m Message) (string, error) {
	hash := Hash(caller.ID, m)
	if err := s.registry.RecordSignature(ctx, s.self, m.AgreementID, caller.ID, hash); err != nil {
		return "", err
	}
	s.logger.Info("agreement signed", zap.Int64("id", m.AgreementID), zap.String("signer", string(caller.ID)))
	return hash, nil
}

// VerifySignature reports whether the signature stored for signer matches m.
func (s *Signer) VerifySignature(ctx context.Context, signer domain.Identity, m Message) (bool, error) {
	rec, err := s.registry.Get(ctx, m.AgreementID)
	if err != nil {
		return false, err
	}
	var stored string
	switch signer {
	case rec.Parties.Initiator:
		stored = rec.Parties.InitiatorSignature
	case rec.Parties.Respondent:
		stored = rec.Parties.RespondentSignature
	default:
		return false, nil
	}
	if stored == "" {
		return false, nil
	}
	return strings.EqualFold(stored, Hash(signer, m)), nil
}
