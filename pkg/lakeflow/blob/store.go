// Package blob stores document payloads, such as the composite bodies of
// aggregate events, and serves them back by URI.
//
// Payloads are addressed as "blob://<key>". Every Store doubles as a
// fetcher for that scheme so references and composite expansion can read
// payloads written by a reducer.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/randalmurphal/lakeflow/pkg/lakeflow/event"
)

// Scheme is the URI scheme served by blob stores.
const Scheme = "blob"

// Store persists payloads under opaque keys.
// Implementations must be safe for concurrent use.
type Store interface {
	// Put stores data under key, replacing any previous payload, and
	// returns a document reference to it.
	Put(ctx context.Context, key string, data []byte, contentType string) (event.Document, error)

	// Get returns the payload for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Fetch resolves a "blob://" URI.
	Fetch(ctx context.Context, uri string) ([]byte, error)

	// Close releases any resources.
	Close() error
}

// Sentinel errors for blob operations.
var (
	// ErrNotFound indicates a payload doesn't exist.
	ErrNotFound = errors.New("blob not found")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("blob store closed")

	// ErrUnsupportedURI indicates a URI outside the blob scheme.
	ErrUnsupportedURI = errors.New("unsupported blob uri")
)

// URI returns the blob URI for key.
func URI(key string) string {
	return Scheme + "://" + key
}

// KeyFromURI extracts the key from a blob URI.
func KeyFromURI(uri string) (string, error) {
	key, ok := strings.CutPrefix(uri, Scheme+"://")
	if !ok || key == "" {
		return "", fmt.Errorf("%q: %w", uri, ErrUnsupportedURI)
	}
	return key, nil
}

// Etag returns the content hash used as a document etag.
func Etag(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:16])
}

func document(key string, data []byte, contentType string) event.Document {
	return event.Document{
		URL:  URI(key),
		Type: contentType,
		Size: int64(len(data)),
		Etag: Etag(data),
	}
}

func fetch(ctx context.Context, s Store, uri string) ([]byte, error) {
	key, err := KeyFromURI(uri)
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, key)
}
