package storage

import (
	"fmt"
	"net/url"
	"path"
	"time"

	"golang.org/x/net/publicsuffix"

	"gitlab.com/NebulousLabs/errors"
)

// PathProvider determines the on-disk layout of the store. The
// library makes no forward-compatibility guarantee across PathProvider
// changes: re-pathing existing entries is the application's
// responsibility.
type PathProvider interface {
	// PathFor returns the path, relative to the store root, at which
	// key (derived from rawURL) should be written.
	PathFor(rawURL, key, extension string) (string, error)
	// ParentsFor returns the parent directories (relative to the store
	// root, in creation order) that must exist before PathFor's result
	// can be written.
	ParentsFor(rawURL string) ([]string, error)
	// Name identifies the provider for diagnostics.
	Name() string
}

// flatProvider lays every entry directly under the store root.
type flatProvider struct{}

// Flat returns the default PathProvider: "{key}.{ext}".
func Flat() PathProvider { return flatProvider{} }

func (flatProvider) Name() string { return "flat" }

func (flatProvider) PathFor(_, key, extension string) (string, error) {
	return key + "." + extension, nil
}

func (flatProvider) ParentsFor(_ string) ([]string, error) { return nil, nil }

// byDomainProvider groups entries by the registrable domain of the
// request URL, so subdomains of the same site share a directory:
// "{registrable-domain}/{key}.{ext}".
type byDomainProvider struct{}

// ByDomain returns a PathProvider that groups entries by registrable
// domain (using the public suffix list, not the raw host, so
// "img.cdn.example.com" and "static.example.com" both land under
// "example.com").
func ByDomain() PathProvider { return byDomainProvider{} }

func (byDomainProvider) Name() string { return "by-domain" }

func (byDomainProvider) domain(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", errors.AddContext(err, "unable to parse url")
	}
	host := u.Hostname()
	if host == "" {
		return "", errors.New("by-domain: url has no host")
	}
	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		// Not every host (e.g. "localhost", bare IPs) has a registrable
		// domain under the public suffix list; fall back to the raw
		// host rather than failing the whole request.
		return host, nil
	}
	return domain, nil
}

func (p byDomainProvider) PathFor(rawURL, key, extension string) (string, error) {
	domain, err := p.domain(rawURL)
	if err != nil {
		return "", err
	}
	return path.Join(domain, key+"."+extension), nil
}

func (p byDomainProvider) ParentsFor(rawURL string) ([]string, error) {
	domain, err := p.domain(rawURL)
	if err != nil {
		return nil, err
	}
	return []string{domain}, nil
}

// byDateProvider groups entries by the date they are written:
// "yyyy/mm/dd/{key}.{ext}".
type byDateProvider struct {
	now func() time.Time
}

// ByDate returns a PathProvider that groups entries by write date.
func ByDate() PathProvider { return byDateProvider{now: time.Now} }

func (byDateProvider) Name() string { return "by-date" }

func (p byDateProvider) datePath() []string {
	t := p.now().UTC()
	return []string{
		fmt.Sprintf("%04d", t.Year()),
		fmt.Sprintf("%02d", t.Month()),
		fmt.Sprintf("%02d", t.Day()),
	}
}

func (p byDateProvider) PathFor(_, key, extension string) (string, error) {
	parts := p.datePath()
	parts = append(parts, key+"."+extension)
	return path.Join(parts...), nil
}

func (p byDateProvider) ParentsFor(_ string) ([]string, error) {
	return []string{path.Join(p.datePath()...)}, nil
}
