package fhe_test

import (
	"context"
	"testing"

	"github.com/0wnerDied/Homomorphic-SecureDB/internal/errs"
	"github.com/0wnerDied/Homomorphic-SecureDB/internal/fhe"
	"github.com/0wnerDied/Homomorphic-SecureDB/internal/keystore"
	"github.com/stretchr/testify/require"
)

// testParams uses a much smaller ring than the production default so the
// test suite doesn't pay for a full 8192-degree keygen on every run; the
// protocol under test does not depend on the specific degree.
var testParams = fhe.Params{
	PolyModulusDegree: 4096,
	CoeffModulusBits:  []int{54, 54},
	PlainModulus:      65537,
}

func newTestEngine(t *testing.T, encryptOnly bool) *fhe.Engine {
	t.Helper()
	ks, err := keystore.Open(t.TempDir(), nil)
	require.NoError(t, err)

	e, err := fhe.NewEngine(context.Background(), testParams, ks, keystore.DefaultFileNames, fhe.Options{
		EncryptOnly: encryptOnly,
		Password:    "Abcdef12!",
		CacheSize:   64,
	})
	require.NoError(t, err)
	return e
}

func TestEncryptDecryptIntRoundTrip(t *testing.T) {
	e := newTestEngine(t, false)

	for _, v := range []int64{0, 1, -1, 42, -42, 1000, -1000} {
		enc, err := e.EncryptInt(v)
		require.NoError(t, err)

		got, err := e.DecryptInt(enc)
		require.NoError(t, err)
		require.Equal(t, v, got)
	}
}

func TestDecryptIntFailsEncryptOnly(t *testing.T) {
	e := newTestEngine(t, true)

	enc, err := e.EncryptInt(7)
	require.NoError(t, err)

	_, err = e.DecryptInt(enc)
	require.True(t, errs.Is(err, errs.EncryptOnly))
}

func TestCompareEqual(t *testing.T) {
	e := newTestEngine(t, false)

	a, err := e.EncryptInt(42)
	require.NoError(t, err)
	b, err := e.EncryptInt(42)
	require.NoError(t, err)
	c, err := e.EncryptInt(7)
	require.NoError(t, err)

	eq, err := e.CompareEqual(a, b)
	require.NoError(t, err)
	require.True(t, eq)

	neq, err := e.CompareEqual(a, c)
	require.NoError(t, err)
	require.False(t, neq)
}

func TestRangeComparators(t *testing.T) {
	e := newTestEngine(t, false)
	const w = 8

	bits, err := e.EncryptForRange(20, w)
	require.NoError(t, err)
	require.Len(t, bits, w)

	lt, err := e.LessThan(bits, 30, w)
	require.NoError(t, err)
	require.True(t, lt)

	gt, err := e.GreaterThan(bits, 10, w)
	require.NoError(t, err)
	require.True(t, gt)

	eqLt, err := e.LessThan(bits, 20, w)
	require.NoError(t, err)
	require.False(t, eqLt)

	eqGt, err := e.GreaterThan(bits, 20, w)
	require.NoError(t, err)
	require.False(t, eqGt)
}

func TestInRange(t *testing.T) {
	e := newTestEngine(t, false)
	const w = 8

	for _, tc := range []struct {
		v        int64
		min, max *int64
		want     bool
	}{
		{v: 20, min: p(15), max: p(45), want: true},
		{v: 50, min: p(15), max: p(45), want: false},
		{v: 5, min: p(15), max: p(45), want: false},
		{v: 100, min: nil, max: p(200), want: true},
	} {
		bits, err := e.EncryptForRange(tc.v, w)
		require.NoError(t, err)

		got, err := e.InRange(bits, tc.min, tc.max, w)
		require.NoError(t, err)
		require.Equal(t, tc.want, got, "v=%d", tc.v)
	}
}

func p(v int64) *int64 { return &v }
