package service

import (
	"crypto/rand"
	"fmt"

	"github.com/DukeRupert/promokit/internal/domain"
)

// TokenGenerator produces candidate code tokens. Uniqueness is enforced by
// the caller against the repository.
type TokenGenerator interface {
	Generate() (string, error)
}

type randomTokenGenerator struct{}

// NewRandomTokenGenerator returns a generator of crypto/rand base36 tokens.
func NewRandomTokenGenerator() TokenGenerator {
	return randomTokenGenerator{}
}

// unbiasedCeiling is the largest multiple of the alphabet size below 256;
// bytes at or above it are discarded to avoid modulo bias.
var unbiasedCeiling = byte(256 - 256%len(domain.TokenAlphabet))

func (randomTokenGenerator) Generate() (string, error) {
	out := make([]byte, 0, domain.TokenLength)
	buf := make([]byte, domain.TokenLength*2)
	for len(out) < domain.TokenLength {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("read random bytes: %w", err)
		}
		for _, b := range buf {
			if b >= unbiasedCeiling {
				continue
			}
			out = append(out, domain.TokenAlphabet[int(b)%len(domain.TokenAlphabet)])
			if len(out) == domain.TokenLength {
				break
			}
		}
	}
	return string(out), nil
}
