package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strings"
)

var hexDigest = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

// ExtractHash finds a SHA-256 digest embedded in an input reference, either
// as a sha256 query parameter, a "sha256-<hex>" path segment (optionally
// with a file extension), or a bare 64 character hex path segment
func ExtractHash(ref string) (string, bool) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", false
	}

	if v := u.Query().Get("sha256"); hexDigest.MatchString(v) {
		return strings.ToLower(v), true
	}

	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	if u.Scheme == "s3" && u.Host != "" {
		segments = append([]string{u.Host}, segments...)
	}
	for i := len(segments) - 1; i >= 0; i-- {
		seg := segments[i]
		if dot := strings.IndexByte(seg, '.'); dot > 0 {
			seg = seg[:dot]
		}
		seg = strings.TrimPrefix(seg, "sha256-")
		if hexDigest.MatchString(seg) {
			return strings.ToLower(seg), true
		}
	}
	return "", false
}

// Fetcher downloads the bytes behind a reference
type Fetcher interface {
	Supports(ref string) bool
	Fetch(ctx context.Context, ref string) (io.ReadCloser, error)
}

// RemoteHasher is implemented by fetchers whose backend can report a
// content digest without a download
type RemoteHasher interface {
	RemoteHash(ctx context.Context, ref string) (string, bool, error)
}

// Resolver turns a reference without an embedded hash into one by asking
// the backend for a stored digest, or by downloading and hashing the bytes
type Resolver struct {
	fetchers []Fetcher
	maxBytes int64
}

// NewResolver creates a resolver. maxBytes bounds a download; zero means 2 GiB.
func NewResolver(maxBytes int64, fetchers ...Fetcher) *Resolver {
	if maxBytes <= 0 {
		maxBytes = 2 << 30
	}
	return &Resolver{fetchers: fetchers, maxBytes: maxBytes}
}

// Resolve returns the hex SHA-256 of the bytes at ref
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	if hash, ok := ExtractHash(ref); ok {
		return hash, nil
	}

	for _, f := range r.fetchers {
		if !f.Supports(ref) {
			continue
		}
		if hasher, ok := f.(RemoteHasher); ok {
			hash, found, err := hasher.RemoteHash(ctx, ref)
			if err == nil && found {
				return hash, nil
			}
		}
		return r.download(ctx, f, ref)
	}
	return "", fmt.Errorf("no fetcher for %q", ref)
}

func (r *Resolver) download(ctx context.Context, f Fetcher, ref string) (string, error) {
	body, err := f.Fetch(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("failed to fetch %s: %w", ref, err)
	}
	defer body.Close()

	h := sha256.New()
	n, err := io.Copy(h, io.LimitReader(body, r.maxBytes+1))
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", ref, err)
	}
	if n > r.maxBytes {
		return "", fmt.Errorf("input %s exceeds %d bytes", ref, r.maxBytes)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashBytes returns the hex SHA-256 of data
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
