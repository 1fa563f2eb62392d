package storage

import (
	"bytes"
	"crypto/cipher"
	"image"
	"image/jpeg"
	"image/png"

	"github.com/aead/chacha20"
	"github.com/dchest/threefish"
	"github.com/klauspost/compress/zstd"

	"gitlab.com/NebulousLabs/errors"
)

// CompressionProvider converts between a decoded image and the bytes
// persisted to disk. Built-ins are Lossless, LossyJPEG and Adaptive;
// Encrypted decorates any of them with a stream cipher.
type CompressionProvider interface {
	Compress(img image.Image) ([]byte, error)
	Decompress(data []byte) (image.Image, error)
	Extension() string
	Name() string
}

// losslessProvider stores images as PNG.
type losslessProvider struct{}

// Lossless returns the default, lossless CompressionProvider.
func Lossless() CompressionProvider { return losslessProvider{} }

func (losslessProvider) Name() string      { return "lossless" }
func (losslessProvider) Extension() string { return "png" }

func (losslessProvider) Compress(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, errors.AddContext(err, "unable to encode png")
	}
	return buf.Bytes(), nil
}

func (losslessProvider) Decompress(data []byte) (image.Image, error) {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, errors.AddContext(err, "unable to decode png")
	}
	return img, nil
}

// lossyJPEGProvider stores images as JPEG at a configurable quality.
type lossyJPEGProvider struct {
	quality int
}

// LossyJPEG returns a CompressionProvider that stores images as JPEG
// at the given quality (1-100).
func LossyJPEG(quality int) CompressionProvider {
	if quality <= 0 || quality > 100 {
		quality = 85
	}
	return lossyJPEGProvider{quality: quality}
}

func (lossyJPEGProvider) Name() string      { return "lossy-jpeg" }
func (lossyJPEGProvider) Extension() string { return "jpg" }

func (p lossyJPEGProvider) Compress(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: p.quality}); err != nil {
		return nil, errors.AddContext(err, "unable to encode jpeg")
	}
	return buf.Bytes(), nil
}

func (lossyJPEGProvider) Decompress(data []byte) (image.Image, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, errors.AddContext(err, "unable to decode jpeg")
	}
	return img, nil
}

// adaptiveProvider picks lossless or lossy encoding by comparing the
// lossless-encoded size against a threshold.
type adaptiveProvider struct {
	thresholdBytes int
	lossless       CompressionProvider
	lossy          CompressionProvider
}

// Adaptive returns a CompressionProvider that encodes losslessly and
// falls back to lossy JPEG when the lossless encoding exceeds
// thresholdBytes.
func Adaptive(thresholdBytes int) CompressionProvider {
	if thresholdBytes <= 0 {
		thresholdBytes = 512 * 1024
	}
	return &adaptiveProvider{
		thresholdBytes: thresholdBytes,
		lossless:       Lossless(),
		lossy:          LossyJPEG(85),
	}
}

func (*adaptiveProvider) Name() string { return "adaptive" }

// Extension reports a neutral "bin" extension, since Adaptive may pick
// either codec per image; the codec actually used is recovered from a
// one-byte format tag prefixed onto the encoded payload.
func (*adaptiveProvider) Extension() string { return "bin" }

const (
	adaptiveTagLossless byte = 0
	adaptiveTagLossy    byte = 1
)

func (p *adaptiveProvider) Compress(img image.Image) ([]byte, error) {
	data, err := p.lossless.Compress(img)
	if err != nil {
		return nil, err
	}
	if len(data) <= p.thresholdBytes {
		return append([]byte{adaptiveTagLossless}, data...), nil
	}
	lossy, err := p.lossy.Compress(img)
	if err != nil {
		return nil, err
	}
	return append([]byte{adaptiveTagLossy}, lossy...), nil
}

func (p *adaptiveProvider) Decompress(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, errors.New("adaptive: empty payload")
	}
	tag, payload := data[0], data[1:]
	switch tag {
	case adaptiveTagLossless:
		return p.lossless.Decompress(payload)
	case adaptiveTagLossy:
		return p.lossy.Decompress(payload)
	default:
		return nil, errors.New("adaptive: unrecognized format tag")
	}
}

// zstdProvider decorates another CompressionProvider, running its
// output bytes through zstd. Useful stacked on top of Lossless for the
// low_memory preset, where disk footprint matters more
// than write latency and PNG's own entropy coding still leaves headroom
// zstd can recover.
type zstdProvider struct {
	inner CompressionProvider
	level zstd.EncoderLevel
}

// Zstd wraps inner, additionally zstd-compressing its encoded bytes at
// the given level (zero selects zstd.SpeedDefault).
func Zstd(inner CompressionProvider, level zstd.EncoderLevel) CompressionProvider {
	if level == 0 {
		level = zstd.SpeedDefault
	}
	return &zstdProvider{inner: inner, level: level}
}

func (p *zstdProvider) Name() string      { return p.inner.Name() + "+zstd" }
func (p *zstdProvider) Extension() string { return p.inner.Extension() + ".zst" }

func (p *zstdProvider) Compress(img image.Image) ([]byte, error) {
	raw, err := p.inner.Compress(img)
	if err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(p.level))
	if err != nil {
		return nil, errors.AddContext(err, "unable to create zstd encoder")
	}
	defer enc.Close()
	return enc.EncodeAll(raw, nil), nil
}

func (p *zstdProvider) Decompress(data []byte) (image.Image, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, errors.AddContext(err, "unable to create zstd decoder")
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, errors.AddContext(err, "unable to zstd-decompress payload")
	}
	return p.inner.Decompress(raw)
}

// Cipher selects the stream cipher used by Encrypted.
type Cipher int

const (
	// ChaCha20 uses github.com/aead/chacha20, the teacher's stream
	// cipher of choice.
	ChaCha20 Cipher = iota
	// Threefish uses github.com/dchest/threefish in CTR mode.
	Threefish
)

// encryptedProvider decorates another CompressionProvider, encrypting
// its output with the configured cipher and a fixed 32-byte key. The
// nonce/IV is generated per-call and stored as a prefix, so the same
// plaintext never produces the same ciphertext twice.
type encryptedProvider struct {
	inner  CompressionProvider
	cipher Cipher
	key    [32]byte
}

// Encrypted wraps inner with at-rest encryption using the given
// cipher and 32-byte key.
func Encrypted(inner CompressionProvider, c Cipher, key [32]byte) CompressionProvider {
	return &encryptedProvider{inner: inner, cipher: c, key: key}
}

func (p *encryptedProvider) Name() string {
	if p.cipher == Threefish {
		return p.inner.Name() + "+threefish"
	}
	return p.inner.Name() + "+chacha20"
}

func (p *encryptedProvider) Extension() string { return p.inner.Extension() + ".enc" }

func (p *encryptedProvider) streamFor(nonce []byte) (cipher.Stream, error) {
	switch p.cipher {
	case Threefish:
		var tweak [16]byte
		copy(tweak[:], nonce)
		block, err := threefish.NewCipher256(&p.key, &tweak)
		if err != nil {
			return nil, errors.AddContext(err, "unable to create threefish cipher")
		}
		iv := make([]byte, block.BlockSize())
		copy(iv, nonce)
		return cipher.NewCTR(block, iv), nil
	default:
		return chacha20.NewCipher(nonce, p.key[:])
	}
}

func (p *encryptedProvider) nonceSize() int {
	if p.cipher == Threefish {
		return 16
	}
	return 8
}

func (p *encryptedProvider) Compress(img image.Image) ([]byte, error) {
	plain, err := p.inner.Compress(img)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, p.nonceSize())
	if _, err := randRead(nonce); err != nil {
		return nil, errors.AddContext(err, "unable to generate nonce")
	}
	stream, err := p.streamFor(nonce)
	if err != nil {
		return nil, err
	}
	cipherText := make([]byte, len(plain))
	stream.XORKeyStream(cipherText, plain)
	return append(nonce, cipherText...), nil
}

func (p *encryptedProvider) Decompress(data []byte) (image.Image, error) {
	n := p.nonceSize()
	if len(data) < n {
		return nil, errors.New("encrypted: payload shorter than nonce")
	}
	nonce, cipherText := data[:n], data[n:]
	stream, err := p.streamFor(nonce)
	if err != nil {
		return nil, err
	}
	plain := make([]byte, len(cipherText))
	stream.XORKeyStream(plain, cipherText)
	return p.inner.Decompress(plain)
}
