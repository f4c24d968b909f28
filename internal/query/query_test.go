package query

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"  Type 2   Diabetes ": "type 2 diabetes",
		"Type 2 Diabetes":      "type 2 diabetes",
		"\tLyme\n disease":     "lyme disease",
		"":                     "",
		"   ":                  "",
	}
	for in, want := range cases {
		assert.Equal(t, want, Normalize(in), "Normalize(%q)", in)
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	inputs := []string{"  Type 2   Diabetes ", "HIV/AIDS", "Crohn's  Disease", "x", ""}
	for _, in := range inputs {
		once := Normalize(in)
		assert.Equal(t, once, Normalize(once), "input %q", in)
	}
}

func TestValidate_Accepts(t *testing.T) {
	got, err := Validate("diseaseName", "  Crohn's disease (adult-onset), stage 1/2. ")
	require.NoError(t, err)
	assert.Equal(t, "Crohn's disease (adult-onset), stage 1/2.", got)
}

func TestValidate_TooShort(t *testing.T) {
	_, err := Validate("diseaseName", "ab")
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Error(), "between 3 and 120")
}

func TestValidate_TooLong(t *testing.T) {
	_, err := Validate("diseaseName", strings.Repeat("a", MaxLength+1))
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
}

func TestValidate_Empty(t *testing.T) {
	_, err := Validate("diseaseName", "    ")
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "diseaseName is required", verr.Error())
}

func TestValidate_DisallowedCharacters(t *testing.T) {
	for _, in := range []string{"flu@@@", "covid;drop", "flu\tvirus", "grippé"} {
		_, err := Validate("diseaseName", in)
		var verr *ValidationError
		require.True(t, errors.As(err, &verr), "input %q", in)
		assert.Contains(t, verr.Message, "unsupported")
	}
}

func TestFingerprint_MatchesSHA256(t *testing.T) {
	sum := sha256.Sum256([]byte("u1:type 2 diabetes"))
	assert.Equal(t, hex.EncodeToString(sum[:]), Fingerprint("u1", "type 2 diabetes"))
}

func TestKey_EquivalentQueriesCollide(t *testing.T) {
	assert.Equal(t, Key("u1", "  Type 2   Diabetes "), Key("u1", "Type 2 Diabetes"))
}

func TestKey_DistinctInputsDiffer(t *testing.T) {
	base := Key("u1", "asthma")
	assert.NotEqual(t, base, Key("u2", "asthma"), "owner must change the fingerprint")
	assert.NotEqual(t, base, Key("u1", "asthma attack"))
}
