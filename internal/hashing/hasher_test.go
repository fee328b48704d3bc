package hashing

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testParams() Argon2Params {
	return Argon2Params{
		Memory:      8 * 1024,
		Iterations:  1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	}
}

func newTestHasher(t *testing.T, peppers map[int]string) *Hasher {
	t.Helper()
	h, err := NewHasherWithParams(testParams(), peppers)
	require.NoError(t, err)
	return h
}

func TestNewHasherWithParamsRejectsZeroValues(t *testing.T) {
	cases := map[string]Argon2Params{
		"memory":      {Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32},
		"iterations":  {Memory: 1024, Parallelism: 1, SaltLength: 16, KeyLength: 32},
		"parallelism": {Memory: 1024, Iterations: 1, SaltLength: 16, KeyLength: 32},
		"salt":        {Memory: 1024, Iterations: 1, Parallelism: 1, KeyLength: 32},
		"key":         {Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 16},
	}
	for name, params := range cases {
		t.Run(name, func(t *testing.T) {
			h, err := NewHasherWithParams(params, nil)
			assert.ErrorIs(t, err, ErrInvalidParams)
			assert.Nil(t, h)
		})
	}
}

func TestHashAndVerifyPassword(t *testing.T) {
	h := newTestHasher(t, map[int]string{1: "pepper-one"})

	encoded, err := h.HashPassword("C0rrect-Horse!")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(encoded, "$argon2id$v=19$m=8192,t=1,p=1$pv=1$"))

	assert.True(t, h.VerifyPassword("C0rrect-Horse!", encoded))
	assert.False(t, h.VerifyPassword("c0rrect-horse!", encoded))
}

func TestHashesAreSalted(t *testing.T) {
	h := newTestHasher(t, nil)

	a, err := h.HashPassword("same-password")
	require.NoError(t, err)
	b, err := h.HashPassword("same-password")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.Contains(t, a, "$pv=0$")
}

func TestVerifyPasswordMalformedHashReturnsFalse(t *testing.T) {
	h := newTestHasher(t, nil)

	for _, encoded := range []string{
		"",
		"plaintext",
		"$2a$12$bcryptlookingvalue",
		"$argon2id$v=19$m=8192,t=1,p=1$pv=0$!!!$###",
		"$argon2id$v=18$m=8192,t=1,p=1$pv=0$c2FsdA$a2V5",
		"$argon2id$v=19$m=0,t=1,p=1$pv=0$c2FsdA$a2V5",
		"$argon2id$v=19$m=8192,t=1,p=1$c2FsdA$a2V5",
	} {
		assert.False(t, h.VerifyPassword("anything", encoded), encoded)
	}
}

func TestPepperRotationKeepsOldHashesVerifiable(t *testing.T) {
	h := newTestHasher(t, map[int]string{1: "old-secret"})

	oldHash, err := h.HashPassword("Rotate-Me-42")
	require.NoError(t, err)

	require.NoError(t, h.AddPepper(2, "new-secret"))
	assert.Error(t, h.AddPepper(2, "again"))
	assert.Equal(t, []int{1, 2}, h.PepperVersions())

	newHash, err := h.HashPassword("Rotate-Me-42")
	require.NoError(t, err)
	assert.Contains(t, newHash, "$pv=2$")

	assert.True(t, h.VerifyPassword("Rotate-Me-42", oldHash))
	assert.True(t, h.VerifyPassword("Rotate-Me-42", newHash))
	assert.True(t, h.NeedsRehash(oldHash))
	assert.False(t, h.NeedsRehash(newHash))
}

func TestVerifyPasswordUnknownPepper(t *testing.T) {
	signer := newTestHasher(t, map[int]string{3: "secret"})
	encoded, err := signer.HashPassword("Pw-123456")
	require.NoError(t, err)

	verifier := newTestHasher(t, nil)
	assert.False(t, verifier.VerifyPassword("Pw-123456", encoded))
}
