package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"
)

// KeyPrefixTag marks a bearer token as a gateway key rather than a provider
// credential.
const KeyPrefixTag = "mrd-"

const (
	secretLen     = 32
	displaySecret = 8
	keyAlphabet   = "abcdefghijklmnopqrstuvwxyz0123456789"
)

var ErrMalformedKey = errors.New("malformed gateway key")

// Key is a parsed gateway key of the form mrd-{env}-{secret}.
type Key struct {
	Raw         string
	Environment string
	Secret      string
}

// Hash is the stored form of the key.
func (k Key) Hash() string { return HashKey(k.Raw) }

// Prefix is the display-safe form: mrd-{env}-{first 8 secret chars}.
func (k Key) Prefix() string {
	return KeyPrefixTag + k.Environment + "-" + k.Secret[:displaySecret]
}

// ParseKey validates the shape of a gateway key. It does not check that the
// key exists.
func ParseKey(raw string) (Key, error) {
	rest, ok := strings.CutPrefix(raw, KeyPrefixTag)
	if !ok {
		return Key{}, ErrMalformedKey
	}
	env, secret, ok := strings.Cut(rest, "-")
	if !ok || !validEnv(env) || len(secret) != secretLen || strings.Trim(secret, keyAlphabet) != "" {
		return Key{}, ErrMalformedKey
	}
	return Key{Raw: raw, Environment: env, Secret: secret}, nil
}

func validEnv(env string) bool {
	if env == "" {
		return false
	}
	for _, c := range env {
		if c < 'a' || c > 'z' {
			return false
		}
	}
	return true
}

// GenerateKey returns a new random key for env.
func GenerateKey(env string) (string, error) {
	if !validEnv(env) {
		return "", fmt.Errorf("environment %q must be lowercase letters", env)
	}
	var sb strings.Builder
	sb.Grow(len(KeyPrefixTag) + len(env) + 1 + secretLen)
	sb.WriteString(KeyPrefixTag)
	sb.WriteString(env)
	sb.WriteByte('-')
	n := big.NewInt(int64(len(keyAlphabet)))
	for range secretLen {
		i, err := rand.Int(rand.Reader, n)
		if err != nil {
			return "", fmt.Errorf("generate random: %w", err)
		}
		sb.WriteByte(keyAlphabet[i.Int64()])
	}
	return sb.String(), nil
}

// IsGatewayKey reports whether token claims to be a gateway key. A token
// with the prefix that fails ParseKey is still a gateway key, just not a
// valid one.
func IsGatewayKey(token string) bool {
	return strings.HasPrefix(token, KeyPrefixTag)
}

// HashKey returns the hex SHA-256 of key.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// KeyPrefix returns the display prefix of key, or key itself when it does
// not parse.
func KeyPrefix(key string) string {
	k, err := ParseKey(key)
	if err != nil {
		return key
	}
	return k.Prefix()
}

// KeyMetadata is the stored record of an API key.
type KeyMetadata struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Environment     string    `json:"environment"`
	AllowedModels   []string  `json:"allowed_models"`
	RPMLimit        *int      `json:"rpm_limit,omitempty"`
	DailyTokenLimit *int64    `json:"daily_token_limit,omitempty"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// ParseDuration extends time.ParseDuration with day (d) and week (w) units,
// which may only be used alone: "30d", "2w".
func ParseDuration(s string) (time.Duration, error) {
	unit := time.Duration(0)
	switch {
	case strings.HasSuffix(s, "d"):
		unit = 24 * time.Hour
	case strings.HasSuffix(s, "w"):
		unit = 7 * 24 * time.Hour
	default:
		d, err := time.ParseDuration(s)
		if err == nil && d <= 0 {
			err = fmt.Errorf("duration %q must be positive", s)
		}
		return d, err
	}
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return time.Duration(n) * unit, nil
}
