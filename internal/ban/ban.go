// Package ban enforces agent, IP, CIDR and user-agent bans. The store is
// the source of truth; each server process keeps a short-lived cache of
// the IP/CIDR/UA dimensions (see cache.go). Agent bans always read through
// to the store: they are the highest-priority check and sit on the
// authenticated path.
package ban

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/swarmplay/backend/internal/store"
)

// Ban types. Soft bans are expected to expire; hard bans usually don't.
const (
	TypeSoft = "soft"
	TypeHard = "hard"
)

// Violation kinds tracked for auto-escalation.
const (
	ViolationRateLimit      = "rateLimitHit"
	ViolationInvalidRequest = "invalidRequest"
)

// Shape errors, distinguishable from store failures by the caller.
var (
	ErrInvalidCIDR = errors.New("ban: invalid CIDR")
	ErrUnknownKind = errors.New("ban: unknown ban kind")
)

const (
	cacheTTL        = 60 * time.Second
	violationWindow = 5 * time.Minute
	escalationTTL   = time.Hour
)

// Record is one ban entry, any dimension.
type Record struct {
	Type      string     `json:"type"`
	Reason    string     `json:"reason"`
	BannedAt  time.Time  `json:"bannedAt"`
	BannedBy  string     `json:"bannedBy"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// Expired reports whether the record's expiry has passed. Expired records
// are treated as absent and reaped opportunistically.
func (r *Record) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !r.ExpiresAt.After(now)
}

// Status is the outcome of a ban check.
type Status struct {
	Banned    bool
	Type      string
	Reason    string
	ExpiresAt *time.Time
}

// Entry pairs a record with its dimension and subject, for listings.
type Entry struct {
	Kind    string `json:"kind"` // agent | ip | cidr | userAgent
	Subject string `json:"subject"`
	Record  Record `json:"record"`
}

// Manager is the ban subsystem handle. Safe for concurrent use.
type Manager struct {
	client store.Client
	cache  *cache
	now    func() time.Time
}

// NewManager creates a ban manager on the given store client.
func NewManager(client store.Client) *Manager {
	return &Manager{
		client: client,
		cache:  newCache(cacheTTL),
		now:    time.Now,
	}
}

// recordToHash flattens a record into store hash fields.
func recordToHash(r Record) map[string]string {
	fields := map[string]string{
		"type":     r.Type,
		"reason":   r.Reason,
		"bannedAt": strconv.FormatInt(r.BannedAt.UnixMilli(), 10),
		"bannedBy": r.BannedBy,
	}
	if r.ExpiresAt != nil {
		fields["expiresAt"] = strconv.FormatInt(r.ExpiresAt.UnixMilli(), 10)
	}
	return fields
}

// hashToRecord parses stored hash fields back into a record. Missing
// mandatory fields yield nil.
func hashToRecord(fields map[string]string) *Record {
	if len(fields) == 0 {
		return nil
	}
	typ := fields["type"]
	bannedAtMs, err := strconv.ParseInt(fields["bannedAt"], 10, 64)
	if (typ != TypeSoft && typ != TypeHard) || err != nil {
		return nil
	}
	rec := &Record{
		Type:     typ,
		Reason:   fields["reason"],
		BannedAt: time.UnixMilli(bannedAtMs),
		BannedBy: fields["bannedBy"],
	}
	if raw, ok := fields["expiresAt"]; ok {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil
		}
		exp := time.UnixMilli(ms)
		rec.ExpiresAt = &exp
	}
	return rec
}

func (m *Manager) writeRecord(ctx context.Context, key string, rec Record) error {
	if err := m.client.HSet(ctx, key, recordToHash(rec)); err != nil {
		return fmt.Errorf("write ban record: %w", err)
	}
	if rec.ExpiresAt != nil {
		ttl := time.Until(*rec.ExpiresAt)
		if ttl > 0 {
			if err := m.client.Expire(ctx, key, ttl); err != nil {
				slog.Warn("[Ban] Failed to set ban TTL", "key", key, "error", err)
			}
		}
	}
	return nil
}

// readRecord loads a record, reaping it when already expired.
func (m *Manager) readRecord(ctx context.Context, key string) (*Record, error) {
	fields, err := m.client.HGetAll(ctx, key)
	if err != nil {
		return nil, err
	}
	rec := hashToRecord(fields)
	if rec == nil {
		return nil, nil
	}
	if rec.Expired(m.now()) {
		_ = m.client.Del(ctx, key)
		return nil, nil
	}
	return rec, nil
}

func expiry(d time.Duration, now time.Time) *time.Time {
	if d <= 0 {
		return nil
	}
	t := now.Add(d)
	return &t
}

// BanAgent bans an agent id. duration <= 0 means permanent.
func (m *Manager) BanAgent(ctx context.Context, agentID, banType, reason, by string, duration time.Duration) error {
	now := m.now()
	rec := Record{Type: banType, Reason: reason, BannedAt: now, BannedBy: by, ExpiresAt: expiry(duration, now)}
	if err := m.writeRecord(ctx, store.BanAgentKey(agentID), rec); err != nil {
		return err
	}
	slog.Info("[Ban] Agent banned", "agent_id", agentID, "type", banType, "by", by)
	return nil
}

// BanIP bans a single IPv4 address.
func (m *Manager) BanIP(ctx context.Context, ip, banType, reason, by string, duration time.Duration) error {
	now := m.now()
	rec := Record{Type: banType, Reason: reason, BannedAt: now, BannedBy: by, ExpiresAt: expiry(duration, now)}
	if err := m.writeRecord(ctx, store.BanIPKey(ip), rec); err != nil {
		return err
	}
	m.InvalidateCache()
	slog.Info("[Ban] IP banned", "ip", ip, "type", banType, "by", by)
	return nil
}

// BanCIDR bans an IPv4 block. The block joins the ban:cidr index and gets
// its own record hash.
func (m *Manager) BanCIDR(ctx context.Context, cidr, banType, reason, by string, duration time.Duration) error {
	if _, _, ok := parseCIDR(cidr); !ok {
		return fmt.Errorf("%w: %q", ErrInvalidCIDR, cidr)
	}
	now := m.now()
	rec := Record{Type: banType, Reason: reason, BannedAt: now, BannedBy: by, ExpiresAt: expiry(duration, now)}
	if err := m.client.ZAdd(ctx, store.BanCIDRIndexKey, 0, cidr); err != nil {
		return fmt.Errorf("index CIDR ban: %w", err)
	}
	if err := m.writeRecord(ctx, store.BanCIDRMetaKey(cidr), rec); err != nil {
		return err
	}
	m.InvalidateCache()
	slog.Info("[Ban] CIDR banned", "cidr", cidr, "type", banType, "by", by)
	return nil
}

// uaEntry is the JSON shape stored in the ban:ua set, the pattern embedded
// alongside the record.
type uaEntry struct {
	Pattern string `json:"pattern"`
	Record
}

// BanUserAgent bans clients whose User-Agent matches the regular
// expression pattern.
func (m *Manager) BanUserAgent(ctx context.Context, pattern, banType, reason, by string, duration time.Duration) error {
	now := m.now()
	entry := uaEntry{
		Pattern: pattern,
		Record:  Record{Type: banType, Reason: reason, BannedAt: now, BannedBy: by, ExpiresAt: expiry(duration, now)},
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal UA ban: %w", err)
	}
	if err := m.client.SAdd(ctx, store.BanUASetKey, string(data)); err != nil {
		return fmt.Errorf("store UA ban: %w", err)
	}
	m.InvalidateCache()
	slog.Info("[Ban] User-agent pattern banned", "pattern", pattern, "by", by)
	return nil
}

// Unban removes a ban by kind and subject.
func (m *Manager) Unban(ctx context.Context, kind, subject string) error {
	switch kind {
	case "agent":
		return m.client.Del(ctx, store.BanAgentKey(subject))
	case "ip":
		err := m.client.Del(ctx, store.BanIPKey(subject))
		m.InvalidateCache()
		return err
	case "cidr":
		if err := m.client.ZRem(ctx, store.BanCIDRIndexKey, subject); err != nil {
			return err
		}
		err := m.client.Del(ctx, store.BanCIDRMetaKey(subject))
		m.InvalidateCache()
		return err
	case "userAgent":
		members, err := m.client.SMembers(ctx, store.BanUASetKey)
		if err != nil {
			return err
		}
		for _, member := range members {
			var entry uaEntry
			if json.Unmarshal([]byte(member), &entry) == nil && entry.Pattern == subject {
				if err := m.client.SRem(ctx, store.BanUASetKey, member); err != nil {
					return err
				}
			}
		}
		m.InvalidateCache()
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}

// InvalidateCache forces the next IP/CIDR/UA check to refresh from the
// store.
func (m *Manager) InvalidateCache() { m.cache.invalidate() }

// Check resolves the ban status for a request. Priority: agent ban, then
// IP (exact or CIDR), then user-agent pattern.
func (m *Manager) Check(ctx context.Context, agentID, ip, userAgent string) (Status, error) {
	if agentID != "" {
		rec, err := m.readRecord(ctx, store.BanAgentKey(agentID))
		if err != nil {
			return Status{}, fmt.Errorf("agent ban check: %w", err)
		}
		if rec != nil {
			return statusFrom(rec), nil
		}
	}

	if err := m.refreshCacheIfStale(ctx); err != nil {
		// Stale data beats an open gate with no data at all; the staleness
		// window is bounded by the last successful refresh.
		slog.Warn("[Ban] Cache refresh failed, serving stale cache", "error", err)
	}

	now := m.now()
	if rec := m.cache.matchIP(ip, now); rec != nil {
		return statusFrom(rec), nil
	}
	if rec := m.cache.matchUA(userAgent, now); rec != nil {
		return statusFrom(rec), nil
	}
	return Status{}, nil
}

func statusFrom(rec *Record) Status {
	return Status{Banned: true, Type: rec.Type, Reason: rec.Reason, ExpiresAt: rec.ExpiresAt}
}

// List enumerates all live bans across every dimension. Best effort:
// expired entries are skipped, a failing dimension is logged and omitted.
func (m *Manager) List(ctx context.Context) ([]Entry, error) {
	var out []Entry
	now := m.now()

	for _, dim := range []struct{ kind, pattern, prefix string }{
		{"agent", "ban:agent:*", "ban:agent:"},
		{"ip", "ban:ip:*", "ban:ip:"},
	} {
		keys, err := m.client.Keys(ctx, dim.pattern)
		if err != nil {
			return nil, fmt.Errorf("list %s bans: %w", dim.kind, err)
		}
		for _, key := range keys {
			rec, err := m.readRecord(ctx, key)
			if err != nil || rec == nil {
				continue
			}
			out = append(out, Entry{Kind: dim.kind, Subject: strings.TrimPrefix(key, dim.prefix), Record: *rec})
		}
	}

	cidrs, err := m.client.ZRangeWithScores(ctx, store.BanCIDRIndexKey, 0, -1)
	if err != nil {
		return nil, fmt.Errorf("list CIDR bans: %w", err)
	}
	for _, zm := range cidrs {
		rec, err := m.readRecord(ctx, store.BanCIDRMetaKey(zm.Member))
		if err != nil || rec == nil {
			continue
		}
		out = append(out, Entry{Kind: "cidr", Subject: zm.Member, Record: *rec})
	}

	uas, err := m.client.SMembers(ctx, store.BanUASetKey)
	if err != nil {
		return nil, fmt.Errorf("list UA bans: %w", err)
	}
	for _, member := range uas {
		var entry uaEntry
		if err := json.Unmarshal([]byte(member), &entry); err != nil {
			continue
		}
		if entry.Expired(now) {
			continue
		}
		out = append(out, Entry{Kind: "userAgent", Subject: entry.Pattern, Record: entry.Record})
	}

	return out, nil
}

// RecordViolation bumps the agent's 5-minute violation counter.
func (m *Manager) RecordViolation(ctx context.Context, agentID, kind string) (int64, error) {
	key := store.ViolationsKey(agentID)
	count, err := m.client.HIncrBy(ctx, key, kind, 1)
	if err != nil {
		return 0, fmt.Errorf("record violation: %w", err)
	}
	if err := m.client.Expire(ctx, key, violationWindow); err != nil {
		slog.Warn("[Ban] Failed to set violation window TTL", "agent_id", agentID, "error", err)
	}
	return count, nil
}

// CheckAutoEscalation bans repeat offenders: an agent over the rate-limit
// threshold gets a 1 h soft agent ban; one over the invalid-request
// threshold gets its IP hard-banned for 1 h.
func (m *Manager) CheckAutoEscalation(ctx context.Context, agentID, ip string, rateLimitThreshold, invalidReqThreshold int64) error {
	fields, err := m.client.HGetAll(ctx, store.ViolationsKey(agentID))
	if err != nil {
		return fmt.Errorf("read violations: %w", err)
	}

	rateHits, _ := strconv.ParseInt(fields[ViolationRateLimit], 10, 64)
	invalidReqs, _ := strconv.ParseInt(fields[ViolationInvalidRequest], 10, 64)

	var errs error
	if rateLimitThreshold > 0 && rateHits >= rateLimitThreshold {
		slog.Warn("[Ban] Auto-escalating rate-limit abuse", "agent_id", agentID, "hits", rateHits)
		errs = errors.Join(errs, m.BanAgent(ctx, agentID, TypeSoft, "automated: repeated rate limit violations", "system", escalationTTL))
	}
	if invalidReqThreshold > 0 && invalidReqs >= invalidReqThreshold && ip != "" {
		slog.Warn("[Ban] Auto-escalating invalid-request abuse", "agent_id", agentID, "ip", ip, "count", invalidReqs)
		errs = errors.Join(errs, m.BanIP(ctx, ip, TypeHard, "automated: repeated invalid requests", "system", escalationTTL))
	}
	return errs
}
