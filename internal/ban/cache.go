package ban

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/swarmplay/backend/internal/store"
)

// cache is the per-process view of the IP, CIDR and user-agent ban
// dimensions. Reads may be up to cacheTTL stale for mutations made by
// other processes; local mutations invalidate eagerly. The three
// containers are rebuilt off to the side and swapped as a group.
type cache struct {
	mu          sync.RWMutex
	ttl         time.Duration
	refreshedAt time.Time

	ipBans   map[string]*Record
	cidrBans []cidrBan
	uaBans   []uaBan
}

type cidrBan struct {
	cidr string
	base uint32
	mask uint32
	rec  *Record
}

type uaBan struct {
	pattern *regexp.Regexp
	rec     *Record
}

func newCache(ttl time.Duration) *cache {
	return &cache{ttl: ttl, ipBans: make(map[string]*Record)}
}

func (c *cache) invalidate() {
	c.mu.Lock()
	c.refreshedAt = time.Time{}
	c.mu.Unlock()
}

func (c *cache) stale(now time.Time) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return now.Sub(c.refreshedAt) >= c.ttl
}

func (c *cache) swap(ips map[string]*Record, cidrs []cidrBan, uas []uaBan, now time.Time) {
	c.mu.Lock()
	c.ipBans = ips
	c.cidrBans = cidrs
	c.uaBans = uas
	c.refreshedAt = now
	c.mu.Unlock()
}

// matchIP checks the exact-IP map and then the CIDR list. Expired entries
// are skipped; the next refresh drops them.
func (c *cache) matchIP(ip string, now time.Time) *Record {
	if ip == "" {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	if rec, ok := c.ipBans[ip]; ok && !rec.Expired(now) {
		return rec
	}

	n, ok := IPToNumber(ip)
	if !ok {
		return nil
	}
	for _, cb := range c.cidrBans {
		if n&cb.mask == cb.base && !cb.rec.Expired(now) {
			return cb.rec
		}
	}
	return nil
}

func (c *cache) matchUA(userAgent string, now time.Time) *Record {
	if userAgent == "" {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, ub := range c.uaBans {
		if !ub.rec.Expired(now) && ub.pattern.MatchString(userAgent) {
			return ub.rec
		}
	}
	return nil
}

// refreshCacheIfStale rebuilds the cache from the store when the TTL has
// lapsed. On store failure the previous (stale) containers stay in place.
func (m *Manager) refreshCacheIfStale(ctx context.Context) error {
	now := m.now()
	if !m.cache.stale(now) {
		return nil
	}

	ips := make(map[string]*Record)
	ipKeys, err := m.client.Keys(ctx, "ban:ip:*")
	if err != nil {
		return err
	}
	for _, key := range ipKeys {
		fields, err := m.client.HGetAll(ctx, key)
		if err != nil {
			return err
		}
		if rec := hashToRecord(fields); rec != nil && !rec.Expired(now) {
			ips[strings.TrimPrefix(key, "ban:ip:")] = rec
		}
	}

	var cidrs []cidrBan
	idx, err := m.client.ZRangeWithScores(ctx, store.BanCIDRIndexKey, 0, -1)
	if err != nil {
		return err
	}
	for _, zm := range idx {
		base, mask, ok := parseCIDR(zm.Member)
		if !ok {
			continue
		}
		fields, err := m.client.HGetAll(ctx, store.BanCIDRMetaKey(zm.Member))
		if err != nil {
			return err
		}
		rec := hashToRecord(fields)
		if rec == nil || rec.Expired(now) {
			continue
		}
		cidrs = append(cidrs, cidrBan{cidr: zm.Member, base: base, mask: mask, rec: rec})
	}

	var uas []uaBan
	members, err := m.client.SMembers(ctx, store.BanUASetKey)
	if err != nil {
		return err
	}
	for _, member := range members {
		var entry uaEntry
		if err := json.Unmarshal([]byte(member), &entry); err != nil {
			continue
		}
		if entry.Expired(now) {
			continue
		}
		re, err := regexp.Compile(entry.Pattern)
		if err != nil {
			// a pattern that doesn't compile never matches
			continue
		}
		rec := entry.Record
		uas = append(uas, uaBan{pattern: re, rec: &rec})
	}

	m.cache.swap(ips, cidrs, uas, now)
	return nil
}
