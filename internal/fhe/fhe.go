// Package fhe is the BFV cipher-manager: parameter/key lifecycle,
// ciphertext (de)serialization and transport compression, integer
// encryption/decryption, and the oblivious-equality and per-bit
// range-comparison primitives evaluated directly against ciphertexts.
package fhe

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"math/bits"
	"os"
	"sync"

	"github.com/0wnerDied/Homomorphic-SecureDB/internal/codec"
	"github.com/0wnerDied/Homomorphic-SecureDB/internal/errs"
	"github.com/0wnerDied/Homomorphic-SecureDB/internal/keystore"
	"github.com/0wnerDied/Homomorphic-SecureDB/internal/lrucache"
	"github.com/charmbracelet/log"
	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/schemes/bfv"
)

// Params configures the BFV scheme. Field names follow the SEAL-style
// vocabulary (poly_modulus_degree, coeff_modulus, plain_modulus) rather
// than lattigo's LogN/LogQ literal.
type Params struct {
	PolyModulusDegree int
	CoeffModulusBits  []int
	PlainModulus      uint64
}

// DefaultParams is the production parameter set: N=8192, coefficient
// modulus chain [60,40,40,60], and a plain modulus supporting batching
// at N=8192.
var DefaultParams = Params{
	PolyModulusDegree: 8192,
	CoeffModulusBits:  []int{60, 40, 40, 60},
	PlainModulus:      1_032_193,
}

// DefaultRangeWidth is W, the per-bit range-index width.
const DefaultRangeWidth = 32

func (p Params) literal() (bfv.ParametersLiteral, error) {
	degree := p.PolyModulusDegree
	if degree <= 0 || degree&(degree-1) != 0 {
		return bfv.ParametersLiteral{}, fmt.Errorf("fhe: poly_modulus_degree %d is not a power of two", degree)
	}
	return bfv.ParametersLiteral{
		LogN:             bits.Len(uint(degree)) - 1,
		LogQ:             p.CoeffModulusBits,
		PlaintextModulus: p.PlainModulus,
	}, nil
}

// KeyBundle is the fully materialized, in-memory BFV key material. It is
// the serialized form persisted through keystore.FHEBlob.
type KeyBundle struct {
	Params    []byte
	PublicKey []byte
	SecretKey []byte // nil in encrypt-only mode
	RelinKeys []byte // nil if absent
	GaloisKey []byte // nil if absent; one representative rotation key
}

// scratch is a per-call working set reused across the rows of a scan to
// keep the comparator hot loop allocation-free: one plaintext and one
// slot buffer, sized once for the engine's slot count.
type scratch struct {
	slots []uint64
	pt    *rlwe.Plaintext
}

// Engine holds immutable BFV state (parameters, keys, evaluator, encoder)
// after initialization and is safe for concurrent use; only per-call
// state mutates: working ciphertexts are allocated fresh by each call, and
// the slot buffer and plaintext scratch are drawn from a sync.Pool so
// concurrent scans never share mutable scratch.
type Engine struct {
	params   bfv.Parameters
	encoder  *bfv.Encoder
	evalCore *bfv.Evaluator

	pub   *rlwe.PublicKey
	sec   *rlwe.SecretKey // nil in encrypt-only mode
	relin *rlwe.RelinearizationKey
	hasRL bool

	encryptor *rlwe.Encryptor
	decryptor *rlwe.Decryptor // nil in encrypt-only mode

	codec *codec.Codec

	encCache *lrucache.Cache[int64, []byte]
	decCache *lrucache.Cache[string, int64]

	scratchPool sync.Pool

	log *log.Logger
}

// Options configures Engine construction beyond the scheme parameters.
type Options struct {
	// EncryptOnly skips loading secret material; decrypt/compare
	// operations fail with EncryptOnly.
	EncryptOnly bool
	// Password protects the secret key's wrap companion in the keystore.
	Password string
	// CacheSize bounds the encrypt/decrypt result caches (default 1024).
	CacheSize int
	// CompressionLevel is the zstd level used for ciphertext transport
	// compression (default 9).
	CompressionLevel int
	// Logger defaults to log.Default().
	Logger *log.Logger
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = log.Default()
	}
	if o.CacheSize <= 0 {
		o.CacheSize = 1024
	}
	if o.CompressionLevel <= 0 {
		o.CompressionLevel = 9
	}
	return o
}

// NewEngine loads a key bundle from store/names if present, otherwise
// generates one fresh and persists it, then builds an Engine ready to
// encrypt (and, unless opts.EncryptOnly, decrypt/compare).
func NewEngine(ctx context.Context, params Params, store *keystore.Store, names keystore.FileNames, opts Options) (*Engine, error) {
	opts = opts.withDefaults()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	blob, err := store.LoadFHE(names, opts.Password)
	switch {
	case err == nil && len(blob.Params) > 0:
		return fromBlob(blob, opts)
	case err != nil && !errors.Is(err, os.ErrNotExist):
		return nil, err
	}

	opts.Logger.Info("fhe: no key material found, generating fresh BFV key bundle", "dir", names.Context)
	kb, runtime, genErr := generate(params, opts.EncryptOnly)
	if genErr != nil {
		return nil, genErr
	}
	if saveErr := store.SaveFHE(keystore.FHEBlob{
		Params: kb.Params,
		Public: kb.PublicKey,
		Secret: kb.SecretKey,
		Relin:  kb.RelinKeys,
		Galois: kb.GaloisKey,
	}, names, opts.Password); saveErr != nil {
		return nil, saveErr
	}
	return newEngine(runtime, opts)
}

// GenerateBundle creates a fresh BFV key bundle without persisting it or
// building an Engine around it, for rotation callers that hand the bundle
// to keystore.Store.RotateFHE themselves so the previous bundle gets
// backed up first.
func GenerateBundle(params Params, encryptOnly bool) (keystore.FHEBlob, error) {
	kb, _, err := generate(params, encryptOnly)
	if err != nil {
		return keystore.FHEBlob{}, err
	}
	return keystore.FHEBlob{
		Params: kb.Params,
		Public: kb.PublicKey,
		Secret: kb.SecretKey,
		Relin:  kb.RelinKeys,
		Galois: kb.GaloisKey,
	}, nil
}

// runtime is the unserialized working state produced either by generate
// or by deserializing a loaded KeyBundle.
type runtime struct {
	params bfv.Parameters
	pub    *rlwe.PublicKey
	sec    *rlwe.SecretKey
	relin  *rlwe.RelinearizationKey
}

func generate(p Params, encryptOnly bool) (KeyBundle, runtime, error) {
	lit, err := p.literal()
	if err != nil {
		return KeyBundle{}, runtime{}, errs.Wrap("fhe.generate", errs.IoError, err)
	}
	params, err := bfv.NewParametersFromLiteral(lit)
	if err != nil {
		return KeyBundle{}, runtime{}, errs.Wrap("fhe.generate", errs.IoError, err)
	}

	kgen := rlwe.NewKeyGenerator(params)
	sk := kgen.GenSecretKeyNew()
	pk := kgen.GenPublicKeyNew(sk)
	rlk := kgen.GenRelinearizationKeyNew(sk)
	gk := kgen.GenGaloisKeyNew(params.GaloisElementForRowRotation(), sk)

	paramBytes, err := params.MarshalBinary()
	if err != nil {
		return KeyBundle{}, runtime{}, errs.Wrap("fhe.generate", errs.IoError, err)
	}
	pubBytes, err := pk.MarshalBinary()
	if err != nil {
		return KeyBundle{}, runtime{}, errs.Wrap("fhe.generate", errs.IoError, err)
	}
	relinBytes, err := rlk.MarshalBinary()
	if err != nil {
		return KeyBundle{}, runtime{}, errs.Wrap("fhe.generate", errs.IoError, err)
	}
	galoisBytes, err := gk.MarshalBinary()
	if err != nil {
		return KeyBundle{}, runtime{}, errs.Wrap("fhe.generate", errs.IoError, err)
	}

	kb := KeyBundle{
		Params:    paramBytes,
		PublicKey: pubBytes,
		RelinKeys: relinBytes,
		GaloisKey: galoisBytes,
	}
	rt := runtime{params: params, pub: pk, relin: rlk}

	if !encryptOnly {
		secBytes, err := sk.MarshalBinary()
		if err != nil {
			return KeyBundle{}, runtime{}, errs.Wrap("fhe.generate", errs.IoError, err)
		}
		kb.SecretKey = secBytes
		rt.sec = sk
	}
	return kb, rt, nil
}

func fromBlob(blob keystore.FHEBlob, opts Options) (*Engine, error) {
	var params bfv.Parameters
	if err := params.UnmarshalBinary(blob.Params); err != nil {
		return nil, errs.Wrap("fhe.fromBlob", errs.CorruptCiphertext, err)
	}

	pub := new(rlwe.PublicKey)
	if err := pub.UnmarshalBinary(blob.Public); err != nil {
		return nil, errs.Wrap("fhe.fromBlob", errs.CorruptCiphertext, err)
	}

	rt := runtime{params: params, pub: pub}

	if blob.Relin != nil {
		rlk := new(rlwe.RelinearizationKey)
		if err := rlk.UnmarshalBinary(blob.Relin); err != nil {
			return nil, errs.Wrap("fhe.fromBlob", errs.CorruptCiphertext, err)
		}
		rt.relin = rlk
	}

	if !opts.EncryptOnly && blob.Secret != nil {
		sk := new(rlwe.SecretKey)
		if err := sk.UnmarshalBinary(blob.Secret); err != nil {
			return nil, errs.Wrap("fhe.fromBlob", errs.CorruptCiphertext, err)
		}
		rt.sec = sk
	}

	return newEngine(rt, opts)
}

func newEngine(rt runtime, opts Options) (*Engine, error) {
	var evk rlwe.EvaluationKeySet
	if rt.relin != nil {
		evk = rlwe.NewMemEvaluationKeySet(rt.relin)
	}

	e := &Engine{
		params:    rt.params,
		encoder:   bfv.NewEncoder(rt.params),
		evalCore:  bfv.NewEvaluator(rt.params, evk),
		pub:       rt.pub,
		sec:       rt.sec,
		relin:     rt.relin,
		hasRL:     rt.relin != nil,
		encryptor: rlwe.NewEncryptor(rt.params, rt.pub),
		codec:     codec.New(opts.CompressionLevel),
		encCache:  lrucache.New[int64, []byte](opts.CacheSize),
		decCache:  lrucache.New[string, int64](opts.CacheSize),
		log:       opts.Logger,
	}
	if rt.sec != nil {
		e.decryptor = rlwe.NewDecryptor(rt.params, rt.sec)
	}
	e.scratchPool.New = func() any {
		return &scratch{slots: make([]uint64, rt.params.MaxSlots())}
	}
	return e, nil
}

func (e *Engine) getScratch() *scratch {
	s := e.scratchPool.Get().(*scratch)
	for i := range s.slots {
		s.slots[i] = 0
	}
	return s
}

func (e *Engine) putScratch(s *scratch) { e.scratchPool.Put(s) }

// plainModulus is t, the modulus of the integer slot arithmetic.
func (e *Engine) plainModulus() uint64 { return e.params.PlaintextModulus() }

func reduceMod(v int64, t uint64) uint64 {
	m := int64(t)
	r := v % m
	if r < 0 {
		r += m
	}
	return uint64(r)
}

func centeredSigned(v uint64, t uint64) int64 {
	if v > t/2 {
		return int64(v) - int64(t)
	}
	return int64(v)
}

func (e *Engine) encodeScalar(s *scratch, v uint64) (*rlwe.Plaintext, error) {
	s.slots[0] = v
	for i := 1; i < len(s.slots); i++ {
		s.slots[i] = 0
	}
	if s.pt == nil {
		s.pt = bfv.NewPlaintext(e.params, e.params.MaxLevel())
	}
	if err := e.encoder.Encode(s.slots, s.pt); err != nil {
		return nil, err
	}
	return s.pt, nil
}

// EncryptInt encrypts v into a batched, public-key ciphertext, compressed
// for storage/transport. Results are cached by v.
func (e *Engine) EncryptInt(v int64) ([]byte, error) {
	if cached, ok := e.encCache.Get(v); ok {
		return cached, nil
	}

	s := e.getScratch()
	defer e.putScratch(s)

	pt, err := e.encodeScalar(s, reduceMod(v, e.plainModulus()))
	if err != nil {
		return nil, errs.Wrap("fhe.EncryptInt", errs.IoError, err)
	}

	ct, err := e.encryptor.EncryptNew(pt)
	if err != nil {
		return nil, errs.Wrap("fhe.EncryptInt", errs.IoError, err)
	}

	raw, err := ct.MarshalBinary()
	if err != nil {
		return nil, errs.Wrap("fhe.EncryptInt", errs.IoError, err)
	}
	compressed, err := e.codec.Compress(raw)
	if err != nil {
		return nil, err
	}

	e.encCache.Put(v, compressed)
	return compressed, nil
}

func (e *Engine) deserialize(enc []byte) (*rlwe.Ciphertext, error) {
	raw, err := e.codec.Decompress(enc)
	if err != nil {
		return nil, err
	}
	ct := bfv.NewCiphertext(e.params, 1, e.params.MaxLevel())
	if err := ct.UnmarshalBinary(raw); err != nil {
		return nil, errs.Wrap("fhe.deserialize", errs.CorruptCiphertext, err)
	}
	return ct, nil
}

// decryptSlot0 decrypts ct and returns its first batching slot as a
// reduced-mod-t residue; it does not apply the signed centering used by
// DecryptInt, since comparators compare against small signed differences.
func (e *Engine) decryptSlot0(s *scratch, ct *rlwe.Ciphertext) (uint64, error) {
	if e.decryptor == nil {
		return 0, errs.New("fhe.decryptSlot0", errs.EncryptOnly)
	}
	pt := e.decryptor.DecryptNew(ct)
	if err := e.encoder.Decode(pt, s.slots); err != nil {
		return 0, errs.Wrap("fhe.decryptSlot0", errs.CorruptCiphertext, err)
	}
	return s.slots[0], nil
}

// DecryptInt recovers the signed integer encoded by enc. Fails with
// EncryptOnly when no secret key is held.
func (e *Engine) DecryptInt(enc []byte) (int64, error) {
	if e.decryptor == nil {
		return 0, errs.New("fhe.DecryptInt", errs.EncryptOnly)
	}

	cacheKey := hexPrefix(enc)
	if v, ok := e.decCache.Get(cacheKey); ok {
		return v, nil
	}

	ct, err := e.deserialize(enc)
	if err != nil {
		return 0, err
	}

	s := e.getScratch()
	defer e.putScratch(s)

	residue, err := e.decryptSlot0(s, ct)
	if err != nil {
		return 0, err
	}
	v := centeredSigned(residue, e.plainModulus())
	e.decCache.Put(cacheKey, v)
	return v, nil
}

func hexPrefix(b []byte) string {
	n := len(b)
	if n > 16 {
		n = 16
	}
	return fmt.Sprintf("%x", b[:n])
}

// randNonZeroMod draws a uniform value in [1, t).
func randNonZeroMod(t uint64) (uint64, error) {
	bound := big.NewInt(int64(t - 1))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return 0, err
	}
	return n.Uint64() + 1, nil
}

// maybeRelinearize relinearizes ct in place when its size exceeds 2
// (degree above 1) and relinearization keys are available.
func (e *Engine) maybeRelinearize(ct *rlwe.Ciphertext) error {
	if ct.Degree() <= 1 || !e.hasRL {
		return nil
	}
	return e.evalCore.Relinearize(ct, ct)
}

// CompareEqual evaluates the oblivious-equality protocol: a fresh random
// nonzero mask per call, D = mask*(A-B), decrypted and zero-tested in
// constant time. It never reveals the operands' plaintext values to the
// party holding the secret key beyond the single equality bit.
func (e *Engine) CompareEqual(a, b []byte) (bool, error) {
	A, err := e.deserialize(a)
	if err != nil {
		return false, e.opaque("CompareEqual", err)
	}
	B, err := e.deserialize(b)
	if err != nil {
		return false, e.opaque("CompareEqual", err)
	}

	t := e.plainModulus()
	m, err := randNonZeroMod(t)
	if err != nil {
		return false, e.opaque("CompareEqual", err)
	}

	s := e.getScratch()
	defer e.putScratch(s)

	maskPt, err := e.encodeScalarBroadcast(s, m)
	if err != nil {
		return false, e.opaque("CompareEqual", err)
	}

	aPrime, err := e.evalCore.MulNew(A, maskPt)
	if err != nil {
		return false, e.opaque("CompareEqual", err)
	}
	if err := e.maybeRelinearize(aPrime); err != nil {
		return false, e.opaque("CompareEqual", err)
	}

	bPrime, err := e.evalCore.MulNew(B, maskPt)
	if err != nil {
		return false, e.opaque("CompareEqual", err)
	}
	if err := e.maybeRelinearize(bPrime); err != nil {
		return false, e.opaque("CompareEqual", err)
	}

	d, err := e.evalCore.SubNew(aPrime, bPrime)
	if err != nil {
		return false, e.opaque("CompareEqual", err)
	}

	residue, err := e.decryptSlot0(s, d)
	if err != nil {
		return false, e.opaque("CompareEqual", err)
	}
	residue %= t

	// Constant-time zero test: residue's equality with 0 must not branch
	// on the secret-dependent value.
	isZero := subtle.ConstantTimeEq(int32(residue), 0) == 1
	return isZero, nil
}

// encodeScalarBroadcast encodes v into every slot (used for the mask,
// which must survive multiplication against whichever slot an operand's
// value actually occupies).
func (e *Engine) encodeScalarBroadcast(s *scratch, v uint64) (*rlwe.Plaintext, error) {
	for i := range s.slots {
		s.slots[i] = v
	}
	if s.pt == nil {
		s.pt = bfv.NewPlaintext(e.params, e.params.MaxLevel())
	}
	if err := e.encoder.Encode(s.slots, s.pt); err != nil {
		return nil, err
	}
	return s.pt, nil
}

// opaque logs the underlying cause and returns the single ComparisonFailed
// kind the caller is allowed to see.
func (e *Engine) opaque(op string, cause error) error {
	e.log.Warn("fhe comparator failed", "op", op, "cause", cause)
	return errs.Wrap("fhe."+op, errs.ComparisonFailed, cause)
}

// EncryptForRange expresses v as w bits (unsigned, MSB first) and encrypts
// each bit independently; the returned slice's ordering is part of its
// contract (position 0 is the most significant bit).
func (e *Engine) EncryptForRange(v int64, w int) ([][]byte, error) {
	if w <= 0 {
		return nil, errs.New("fhe.EncryptForRange", errs.Malformed)
	}
	out := make([][]byte, w)
	for i := 0; i < w; i++ {
		bit := (v >> uint(w-1-i)) & 1
		enc, err := e.EncryptInt(bit)
		if err != nil {
			return nil, err
		}
		out[i] = enc
	}
	return out, nil
}

// bitDiffSign decrypts bits[i] - q_i and reports its sign: -1, 0, or 1.
func (e *Engine) bitDiffSign(bits [][]byte, i int, qi int64) (int, error) {
	ct, err := e.deserialize(bits[i])
	if err != nil {
		return 0, e.opaque("rangeCompare", err)
	}

	s := e.getScratch()
	defer e.putScratch(s)

	qPt, err := e.encodeScalar(s, reduceMod(qi, e.plainModulus()))
	if err != nil {
		return 0, e.opaque("rangeCompare", err)
	}

	d, err := e.evalCore.SubNew(ct, qPt)
	if err != nil {
		return 0, e.opaque("rangeCompare", err)
	}

	residue, err := e.decryptSlot0(s, d)
	if err != nil {
		return 0, e.opaque("rangeCompare", err)
	}
	signed := centeredSigned(residue, e.plainModulus())
	switch {
	case signed < 0:
		return -1, nil
	case signed > 0:
		return 1, nil
	default:
		return 0, nil
	}
}

// LessThan evaluates bits < q over w bits, MSB to LSB.
func (e *Engine) LessThan(bits [][]byte, q int64, w int) (bool, error) {
	for i := 0; i < w; i++ {
		qi := (q >> uint(w-1-i)) & 1
		sign, err := e.bitDiffSign(bits, i, qi)
		if err != nil {
			return false, err
		}
		switch {
		case sign < 0:
			return true, nil
		case sign > 0:
			return false, nil
		}
	}
	return false, nil
}

// GreaterThan evaluates bits > q over w bits, MSB to LSB.
func (e *Engine) GreaterThan(bits [][]byte, q int64, w int) (bool, error) {
	for i := 0; i < w; i++ {
		qi := (q >> uint(w-1-i)) & 1
		sign, err := e.bitDiffSign(bits, i, qi)
		if err != nil {
			return false, err
		}
		switch {
		case sign < 0:
			return false, nil
		case sign > 0:
			return true, nil
		}
	}
	return false, nil
}

// InRange reports whether the value encoded by bits lies in [min, max],
// treating a nil bound as unconstrained on that side.
func (e *Engine) InRange(bits [][]byte, min, max *int64, w int) (bool, error) {
	if min != nil {
		lt, err := e.LessThan(bits, *min, w)
		if err != nil {
			return false, err
		}
		if lt {
			return false, nil
		}
	}
	if max != nil {
		gt, err := e.GreaterThan(bits, *max, w)
		if err != nil {
			return false, err
		}
		if gt {
			return false, nil
		}
	}
	return true, nil
}

// EncryptOnly reports whether the engine was initialized without secret
// material (no decrypt/compare capability).
func (e *Engine) EncryptOnly() bool { return e.decryptor == nil }
