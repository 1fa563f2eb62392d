// Package resourceid derives the stable cache/storage key used
// throughout the engine from a request URL. The key, not the raw URL
// string, is the sole identity consulted by the cache, the disk store
// and the downloader.
package resourceid

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"net/url"

	"golang.org/x/crypto/blake2b"

	"gitlab.com/NebulousLabs/errors"
)

// ErrInvalidURL is returned by a Provider when the supplied string does
// not parse as an absolute URL with a supported scheme.
var ErrInvalidURL = errors.New("invalid url")

// Provider derives a ResourceKey from a canonical URL string. Two URLs
// that canonicalize to the same key are considered the same resource.
// Implementations must be deterministic and stable across process
// restarts, since DiskStore entries remain addressed by this key.
type Provider interface {
	// Key returns the ResourceKey for rawURL, or ErrInvalidURL if
	// rawURL is not an acceptable request URL.
	Key(rawURL string) (string, error)
	// Name identifies the provider for logging/diagnostics.
	Name() string
}

// Canonical validates rawURL and returns its canonical string form -
// the sole input fed to every Provider below.
func Canonical(rawURL string) (string, error) {
	if rawURL == "" {
		return "", ErrInvalidURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", errors.Extend(err, ErrInvalidURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", errors.AddContext(ErrInvalidURL, "unsupported scheme "+u.Scheme)
	}
	if u.Host == "" {
		return "", errors.AddContext(ErrInvalidURL, "missing host")
	}
	return u.String(), nil
}

// md5Provider is the default Provider: MD5 of the canonical URL,
// lowercase hex. Collision-resistant for practical URL sets and cheap
// to compute on the hot path of every lookup.
type md5Provider struct{}

// MD5 returns the default ResourceKey provider.
func MD5() Provider { return md5Provider{} }

func (md5Provider) Name() string { return "md5" }

func (md5Provider) Key(rawURL string) (string, error) {
	canon, err := Canonical(rawURL)
	if err != nil {
		return "", err
	}
	sum := md5.Sum([]byte(canon))
	return hex.EncodeToString(sum[:]), nil
}

// sha256Provider trades MD5's speed for a stronger collision bound.
type sha256Provider struct{}

// SHA256 returns a Provider that keys on SHA-256 of the canonical URL.
func SHA256() Provider { return sha256Provider{} }

func (sha256Provider) Name() string { return "sha256" }

func (sha256Provider) Key(rawURL string) (string, error) {
	canon, err := Canonical(rawURL)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(canon))
	return hex.EncodeToString(sum[:]), nil
}

// blake2bProvider offers blake2b-256 as a faster alternative to SHA-256
// with a comparable security margin.
type blake2bProvider struct{}

// Blake2b returns a Provider that keys on blake2b-256 of the canonical
// URL.
func Blake2b() Provider { return blake2bProvider{} }

func (blake2bProvider) Name() string { return "blake2b" }

func (blake2bProvider) Key(rawURL string) (string, error) {
	canon, err := Canonical(rawURL)
	if err != nil {
		return "", err
	}
	sum := blake2b.Sum256([]byte(canon))
	return hex.EncodeToString(sum[:]), nil
}
