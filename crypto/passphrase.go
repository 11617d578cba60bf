package crypto

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

const passphraseAlphabet = "abcdefghijkmnpqrstuvwxyzABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// MinPassphraseLength is the WPA2 minimum.
const MinPassphraseLength = 8

// NewPassphrase returns a random group passphrase of length characters.
func NewPassphrase(length int) (string, error) {
	if length < MinPassphraseLength {
		length = MinPassphraseLength
	}
	var b strings.Builder
	b.Grow(length)
	limit := big.NewInt(int64(len(passphraseAlphabet)))
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("generate passphrase: %w", err)
		}
		b.WriteByte(passphraseAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// NetworkName builds a P2P group SSID: "DIRECT-" plus two random characters
// and a sanitized suffix.
func NetworkName(suffix string) (string, error) {
	prefix, err := NewPassphrase(MinPassphraseLength)
	if err != nil {
		return "", err
	}
	suffix = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		case r == ' ':
			return '-'
		default:
			return -1
		}
	}, suffix)
	if len(suffix) > 22 {
		suffix = suffix[:22]
	}
	name := "DIRECT-" + prefix[:2]
	if suffix != "" {
		name += "-" + suffix
	}
	return name, nil
}
