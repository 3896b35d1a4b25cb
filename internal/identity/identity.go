// Package identity resolves the stable distinct id that correlates a
// visitor's events across visits and execution contexts.
package identity

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/wondertwin-ai/kitchensink/internal/storage"
)

// StorageKey is the durable storage key holding the generated identity.
const StorageKey = "posthog_distinct_id"

// Anonymous is the identity the server uses when a request carries none.
// The server never generates identities of its own.
const Anonymous = "server-user"

// Header carries the identity on requests that have no form body.
const Header = "X-Distinct-Id"

// FormField carries the identity on server-action form posts.
const FormField = "distinct_id"

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

// Source is an already-initialized capture channel that may hold an identity.
type Source interface {
	DistinctID() (id string, ok bool)
}

// Generate creates a new token of the form user_{unix_ms}_{9 base36 chars}.
func Generate(now time.Time, r *rand.Rand) string {
	var sb strings.Builder
	for range 9 {
		var n int
		if r != nil {
			n = r.IntN(len(base36))
		} else {
			n = rand.IntN(len(base36))
		}
		sb.WriteByte(base36[n])
	}
	return fmt.Sprintf("user_%d_%s", now.UnixMilli(), sb.String())
}

// Resolver produces the browser-side identity.
type Resolver struct {
	store  storage.Storage
	source Source
	now    func() time.Time
	logger *slog.Logger
}

// NewResolver creates a resolver over the profile's storage. source may be nil.
func NewResolver(store storage.Storage, source Source, logger *slog.Logger) *Resolver {
	if store == nil {
		store = storage.Disabled{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: store, source: source, now: time.Now, logger: logger}
}

// Resolve returns the channel's identity, else the persisted one, else a new
// identity that it persists. It never fails: when storage is unavailable it
// returns a fresh unpersisted token on every call.
func (r *Resolver) Resolve() string {
	if r.source != nil {
		if id, ok := r.source.DistinctID(); ok && Valid(id) {
			return strings.TrimSpace(id)
		}
	}

	id, err := r.store.Get(StorageKey)
	if err == nil {
		if id = strings.TrimSpace(id); Valid(id) {
			return id
		}
		r.logger.Debug("discarding invalid stored identity", "stored", id)
	}

	fresh := Generate(r.now(), nil)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		r.logger.Debug("identity storage unavailable, using unpersisted id", "err", err)
		return fresh
	}
	if err := r.store.Set(StorageKey, fresh); err != nil {
		r.logger.Debug("persisting identity failed", "err", err)
	}
	return fresh
}

// FromRequest returns the identity the client sent with r: the form field
// first, then the header. ok is false when the client sent none.
func FromRequest(r *http.Request) (string, bool) {
	if id := strings.TrimSpace(r.FormValue(FormField)); Valid(id) {
		return id, true
	}
	if id := strings.TrimSpace(r.Header.Get(Header)); Valid(id) {
		return id, true
	}
	return "", false
}

// FromRequestOrAnonymous is FromRequest with the Anonymous fallback.
func FromRequestOrAnonymous(r *http.Request) string {
	if id, ok := FromRequest(r); ok {
		return id
	}
	return Anonymous
}

// Valid reports whether id can be used as a distinct id. Blank values and
// the stringified "undefined" and "null" are rejected.
func Valid(id string) bool {
	id = strings.TrimSpace(id)
	return id != "" && id != "undefined" && id != "null"
}
