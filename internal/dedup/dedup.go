// Package dedup suppresses repeated deliveries of the same Source change.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/ordersync/internal/cache"
)

// DefaultTTL bounds how long a processed change is remembered.
const DefaultTTL = 300 * time.Second

// Fingerprint is a hex digest over the fields that identify one change.
type Fingerprint string

// ChangeFields lists the mutable Source fields that decide whether two
// deliveries describe the same change.
type ChangeFields struct {
	Status    string
	Version   string
	UpdatedAt string
	Amount    string
	Canceled  string
	Paid      string
}

// ComputeFingerprint hashes the change fields in a fixed order. Values are
// trimmed so that cosmetic whitespace does not defeat deduplication.
func ComputeFingerprint(fields ChangeFields) Fingerprint {
	parts := []string{
		"status=" + strings.TrimSpace(fields.Status),
		"version=" + strings.TrimSpace(fields.Version),
		"updated=" + strings.TrimSpace(fields.UpdatedAt),
		"amount=" + strings.TrimSpace(fields.Amount),
		"canceled=" + strings.ToUpper(strings.TrimSpace(fields.Canceled)),
		"paid=" + strings.ToUpper(strings.TrimSpace(fields.Paid)),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\n")))
	return Fingerprint(hex.EncodeToString(sum[:]))
}

// Config configures a Cache.
type Config struct {
	TTL   time.Duration
	Clock func() time.Time
}

type entryKey struct {
	id          string
	fingerprint Fingerprint
}

// Cache remembers (record id, fingerprint) pairs for a fixed TTL.
type Cache struct {
	entries *cache.TTLCache[entryKey, struct{}]
	ttl     time.Duration
}

// New constructs an isolated Cache. A non-positive TTL uses DefaultTTL.
func New(cfg Config) *Cache {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		entries: cache.NewTTLCache[entryKey, struct{}](cfg.Clock),
		ttl:     ttl,
	}
}

// ShouldProcess reports whether the change is new. A true result records the
// change, so a second call with the same pair inside the TTL returns false.
func (c *Cache) ShouldProcess(id string, fingerprint Fingerprint) bool {
	return c.entries.PutIfAbsent(entryKey{id: id, fingerprint: fingerprint}, struct{}{}, c.ttl)
}

// Forget drops a recorded change so a redelivery is processed again. Used
// when processing failed after ShouldProcess accepted the change.
func (c *Cache) Forget(id string, fingerprint Fingerprint) {
	c.entries.Delete(entryKey{id: id, fingerprint: fingerprint})
}

// Len reports how many changes are currently remembered.
func (c *Cache) Len() int {
	return c.entries.Len()
}
