package hashing

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"auth-core/internal/config"
	"auth-core/internal/util"

	"golang.org/x/crypto/argon2"
)

var (
	ErrInvalidHash         = errors.New("invalid hash format")
	ErrIncompatibleVersion = errors.New("incompatible argon2 version")
	ErrUnknownPepper       = errors.New("pepper version not found")
	ErrInvalidParams       = errors.New("argon2 parameters must be fully configured")
)

const algorithm = "argon2id"

type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// Hasher produces self-describing argon2id strings:
//
//	$argon2id$v=19$m=65536,t=3,p=2$pv=1$<salt>$<key>
//
// pv is the pepper version mixed into the key (0 when no pepper is configured).
type Hasher struct {
	params  Argon2Params
	peppers map[int]string
	current int
	mu      sync.RWMutex
}

func NewHasher(cfg *config.Config) *Hasher {
	params := Argon2Params{
		Memory:      uint32(cfg.Hashing.Argon2MemoryCost),
		Iterations:  uint32(cfg.Hashing.Argon2TimeCost),
		Parallelism: uint8(cfg.Hashing.Argon2Parallelism),
		SaltLength:  16,
		KeyLength:   32,
	}

	h, err := NewHasherWithParams(params, cfg.Hashing.Peppers)
	if err != nil {
		util.Fatal("Invalid argon2 configuration", util.ErrorField(err))
	}
	return h
}

func NewHasherWithParams(params Argon2Params, peppers map[int]string) (*Hasher, error) {
	if params.Memory == 0 || params.Iterations == 0 || params.Parallelism == 0 ||
		params.SaltLength == 0 || params.KeyLength == 0 {
		return nil, ErrInvalidParams
	}

	h := &Hasher{
		params:  params,
		peppers: make(map[int]string, len(peppers)),
	}
	for version, secret := range peppers {
		h.peppers[version] = secret
		if version > h.current {
			h.current = version
		}
	}

	return h, nil
}

// AddPepper registers a new pepper version and makes it current.
// Hashes made with older versions keep verifying.
func (h *Hasher) AddPepper(version int, secret string) error {
	if version <= 0 || secret == "" {
		return fmt.Errorf("invalid pepper version %d", version)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if version <= h.current {
		return fmt.Errorf("pepper version %d is not newer than current %d", version, h.current)
	}
	h.peppers[version] = secret
	h.current = version

	util.Info("Pepper rotated", util.Int("version", version))
	return nil
}

// PepperVersions lists the registered versions in ascending order.
func (h *Hasher) PepperVersions() []int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	versions := make([]int, 0, len(h.peppers))
	for v := range h.peppers {
		versions = append(versions, v)
	}
	sort.Ints(versions)
	return versions
}

func (h *Hasher) HashPassword(password string) (string, error) {
	h.mu.RLock()
	version := h.current
	pepper := h.peppers[version]
	h.mu.RUnlock()

	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	key := argon2.IDKey([]byte(password+pepper), salt,
		h.params.Iterations, h.params.Memory, h.params.Parallelism, h.params.KeyLength)

	return fmt.Sprintf("$%s$v=%d$m=%d,t=%d,p=%d$pv=%d$%s$%s",
		algorithm, argon2.Version,
		h.params.Memory, h.params.Iterations, h.params.Parallelism,
		version,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// VerifyPassword never panics; malformed or foreign hashes simply do not match.
func (h *Hasher) VerifyPassword(password, encoded string) bool {
	decoded, err := decodeHash(encoded)
	if err != nil {
		util.Debug("Password hash rejected", util.ErrorField(err))
		return false
	}

	pepper, err := h.pepper(decoded.pepperVersion)
	if err != nil {
		util.Warn("Password hash references unknown pepper", util.Int("pepper_version", decoded.pepperVersion))
		return false
	}

	computed := argon2.IDKey([]byte(password+pepper), decoded.salt,
		decoded.params.Iterations, decoded.params.Memory, decoded.params.Parallelism,
		uint32(len(decoded.key)))

	return subtle.ConstantTimeCompare(computed, decoded.key) == 1
}

// NeedsRehash reports hashes made with weaker parameters or an old pepper.
func (h *Hasher) NeedsRehash(encoded string) bool {
	decoded, err := decodeHash(encoded)
	if err != nil {
		return true
	}

	h.mu.RLock()
	current := h.current
	h.mu.RUnlock()

	return decoded.pepperVersion != current ||
		decoded.params.Memory < h.params.Memory ||
		decoded.params.Iterations < h.params.Iterations ||
		decoded.params.Parallelism != h.params.Parallelism ||
		uint32(len(decoded.key)) != h.params.KeyLength
}

func (h *Hasher) pepper(version int) (string, error) {
	if version == 0 {
		return "", nil
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	secret, ok := h.peppers[version]
	if !ok {
		return "", ErrUnknownPepper
	}
	return secret, nil
}

type decodedHash struct {
	params        Argon2Params
	pepperVersion int
	salt          []byte
	key           []byte
}

func decodeHash(encoded string) (*decodedHash, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 7 || parts[1] != algorithm {
		return nil, ErrInvalidHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return nil, ErrInvalidHash
	}
	if version != argon2.Version {
		return nil, ErrIncompatibleVersion
	}

	d := &decodedHash{}
	var parallelism uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &d.params.Memory, &d.params.Iterations, &parallelism); err != nil {
		return nil, ErrInvalidHash
	}
	if d.params.Memory == 0 || d.params.Iterations == 0 || parallelism == 0 || parallelism > 255 {
		return nil, ErrInvalidHash
	}
	d.params.Parallelism = uint8(parallelism)

	pv, ok := strings.CutPrefix(parts[4], "pv=")
	if !ok {
		return nil, ErrInvalidHash
	}
	pepperVersion, err := strconv.Atoi(pv)
	if err != nil || pepperVersion < 0 {
		return nil, ErrInvalidHash
	}
	d.pepperVersion = pepperVersion

	if d.salt, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil || len(d.salt) == 0 {
		return nil, ErrInvalidHash
	}
	if d.key, err = base64.RawStdEncoding.DecodeString(parts[6]); err != nil || len(d.key) == 0 {
		return nil, ErrInvalidHash
	}

	return d, nil
}
