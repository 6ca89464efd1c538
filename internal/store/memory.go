package store

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Client used when Redis is not configured and as
// the backend for tests. It implements the same semantics, including the
// two atomic scripts, under a single mutex. Cross-process coordination is
// obviously lost; main logs loudly when it falls back to this.
type Memory struct {
	mu sync.Mutex

	strings map[string]string
	hashes  map[string]map[string]string
	zsets   map[string]*memZSet
	sets    map[string]map[string]struct{}
	streams map[string][]map[string]string
	expiry  map[string]time.Time
	subs    map[string]map[int]func([]byte)
	nextSub int
	seq     int64

	// script digests seen via Eval, so EVALSHA behaves like a real server
	// with a warm or cold script cache
	loadedScripts map[string]bool
}

type memZSet struct {
	scores map[string]float64
	order  []string // insertion order, for stable tie-breaking
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		strings: make(map[string]string),
		hashes:  make(map[string]map[string]string),
		zsets:   make(map[string]*memZSet),
		sets:    make(map[string]map[string]struct{}),
		streams: make(map[string][]map[string]string),
		expiry:  make(map[string]time.Time),
		subs:    make(map[string]map[int]func([]byte)),
	}
}

func (m *Memory) Close() error { return nil }

// purge drops the key everywhere if its TTL has elapsed. Caller holds mu.
func (m *Memory) purge(key string) {
	exp, ok := m.expiry[key]
	if !ok || time.Now().Before(exp) {
		return
	}
	delete(m.strings, key)
	delete(m.hashes, key)
	delete(m.zsets, key)
	delete(m.sets, key)
	delete(m.streams, key)
	delete(m.expiry, key)
}

func (m *Memory) setTTL(key string, ttl time.Duration) {
	if ttl > 0 {
		m.expiry[key] = time.Now().Add(ttl)
	} else {
		delete(m.expiry, key)
	}
}

// --- strings ---

func (m *Memory) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purge(key)
	v, ok := m.strings[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *Memory) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strings[key] = value
	m.setTTL(key, ttl)
	return nil
}

func (m *Memory) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purge(key)
	if _, exists := m.strings[key]; exists {
		return false, nil
	}
	m.strings[key] = value
	m.setTTL(key, ttl)
	return true, nil
}

func (m *Memory) Del(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.strings, key)
		delete(m.hashes, key)
		delete(m.zsets, key)
		delete(m.sets, key)
		delete(m.streams, key)
		delete(m.expiry, key)
	}
	return nil
}

func (m *Memory) Expire(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setTTL(key, ttl)
	return nil
}

// Keys supports the prefix* patterns the server actually uses.
func (m *Memory) Keys(ctx context.Context, pattern string) ([]string, error) {
	prefix := strings.TrimSuffix(pattern, "*")
	m.mu.Lock()
	defer m.mu.Unlock()

	candidates := make(map[string]struct{})
	for k := range m.strings {
		candidates[k] = struct{}{}
	}
	for k := range m.hashes {
		candidates[k] = struct{}{}
	}
	for k := range m.zsets {
		candidates[k] = struct{}{}
	}
	for k := range m.sets {
		candidates[k] = struct{}{}
	}

	var out []string
	for k := range candidates {
		m.purge(k)
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if _, ok := m.strings[k]; ok {
			out = append(out, k)
		} else if _, ok := m.hashes[k]; ok {
			out = append(out, k)
		} else if _, ok := m.zsets[k]; ok {
			out = append(out, k)
		} else if _, ok := m.sets[k]; ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

// --- hashes ---

func (m *Memory) HGet(ctx context.Context, key, field string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purge(key)
	h, ok := m.hashes[key]
	if !ok {
		return "", ErrNotFound
	}
	v, ok := h[field]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *Memory) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purge(key)
	out := make(map[string]string, len(m.hashes[key]))
	for k, v := range m.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) HSet(ctx context.Context, key string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purge(key)
	m.hsetLocked(key, fields)
	return nil
}

func (m *Memory) hsetLocked(key string, fields map[string]string) {
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
}

func (m *Memory) HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purge(key)
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	cur, _ := strconv.ParseInt(h[field], 10, 64)
	cur += incr
	h[field] = strconv.FormatInt(cur, 10)
	return cur, nil
}

// --- ordered sets ---

func (m *Memory) zsetLocked(key string) *memZSet {
	z, ok := m.zsets[key]
	if !ok {
		z = &memZSet{scores: make(map[string]float64)}
		m.zsets[key] = z
	}
	return z
}

func (z *memZSet) incr(member string, delta float64) float64 {
	if _, seen := z.scores[member]; !seen {
		z.order = append(z.order, member)
	}
	z.scores[member] += delta
	return z.scores[member]
}

func (m *Memory) ZAdd(ctx context.Context, key string, score float64, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purge(key)
	z := m.zsetLocked(key)
	if _, seen := z.scores[member]; !seen {
		z.order = append(z.order, member)
	}
	z.scores[member] = score
	return nil
}

func (m *Memory) ZRem(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purge(key)
	z, ok := m.zsets[key]
	if !ok {
		return nil
	}
	for _, member := range members {
		if _, seen := z.scores[member]; !seen {
			continue
		}
		delete(z.scores, member)
		for i, o := range z.order {
			if o == member {
				z.order = append(z.order[:i], z.order[i+1:]...)
				break
			}
		}
	}
	return nil
}

func (m *Memory) ZScore(ctx context.Context, key, member string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purge(key)
	z, ok := m.zsets[key]
	if !ok {
		return 0, ErrNotFound
	}
	score, ok := z.scores[member]
	if !ok {
		return 0, ErrNotFound
	}
	return score, nil
}

// ranked returns members sorted ascending by score; equal scores keep
// insertion order.
func (z *memZSet) ranked() []ZMember {
	out := make([]ZMember, 0, len(z.order))
	for _, member := range z.order {
		out = append(out, ZMember{Member: member, Score: z.scores[member]})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score < out[j].Score })
	return out
}

func sliceRange(members []ZMember, start, stop int64) []ZMember {
	n := int64(len(members))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return nil
	}
	return members[start : stop+1]
}

func (m *Memory) ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]ZMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purge(key)
	z, ok := m.zsets[key]
	if !ok {
		return nil, nil
	}
	return sliceRange(z.ranked(), start, stop), nil
}

func (m *Memory) ZRevRangeWithScores(ctx context.Context, key string, start, stop int64) ([]ZMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purge(key)
	z, ok := m.zsets[key]
	if !ok {
		return nil, nil
	}
	asc := z.ranked()
	rev := make([]ZMember, len(asc))
	for i, zm := range asc {
		rev[len(asc)-1-i] = zm
	}
	return sliceRange(rev, start, stop), nil
}

// --- sets ---

func (m *Memory) SAdd(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purge(key)
	s, ok := m.sets[key]
	if !ok {
		s = make(map[string]struct{})
		m.sets[key] = s
	}
	for _, member := range members {
		s[member] = struct{}{}
	}
	return nil
}

func (m *Memory) SRem(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purge(key)
	s, ok := m.sets[key]
	if !ok {
		return nil
	}
	for _, member := range members {
		delete(s, member)
	}
	return nil
}

func (m *Memory) SMembers(ctx context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purge(key)
	s := m.sets[key]
	out := make([]string, 0, len(s))
	for member := range s {
		out = append(out, member)
	}
	sort.Strings(out)
	return out, nil
}

// --- streams ---

func (m *Memory) XAdd(ctx context.Context, stream string, values map[string]string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := make(map[string]string, len(values))
	for k, v := range values {
		entry[k] = v
	}
	m.streams[stream] = append(m.streams[stream], entry)
	m.seq++
	return fmt.Sprintf("%d-0", m.seq), nil
}

// StreamLen reports the number of appended entries; test helper.
func (m *Memory) StreamLen(stream string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams[stream])
}

// StreamEntries returns a copy of the appended entries; test helper.
func (m *Memory) StreamEntries(stream string) []map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]map[string]string, len(m.streams[stream]))
	copy(out, m.streams[stream])
	return out
}

// --- pub/sub ---

func (m *Memory) Publish(ctx context.Context, channel string, payload []byte) error {
	m.mu.Lock()
	handlers := make([]func([]byte), 0, len(m.subs[channel]))
	for _, h := range m.subs[channel] {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()

	msg := make([]byte, len(payload))
	copy(msg, payload)
	for _, h := range handlers {
		h(msg)
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subs[channel] == nil {
		m.subs[channel] = make(map[int]func([]byte))
	}
	m.nextSub++
	id := m.nextSub
	m.subs[channel][id] = handler
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs[channel], id)
	}, nil
}

// --- scripts ---

var (
	tokenBucketSha = NewScript(TokenBucketScript).Hash()
	voteDedupSha   = NewScript(VoteDedupScript).Hash()
)

// Eval interprets the two scripts this server ships. Arbitrary Lua is not
// supported; anything else errors so a drift between the scripts and the
// emulation is caught immediately.
func (m *Memory) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	switch script {
	case TokenBucketScript:
		return m.evalTokenBucket(keys, args)
	case VoteDedupScript:
		return m.evalVoteDedup(keys, args)
	}
	return nil, fmt.Errorf("memory store: unknown script")
}

// EvalSha resolves only scripts previously run through Eval, mirroring a
// Redis server with an empty script cache: unknown digests get NOSCRIPT.
func (m *Memory) EvalSha(ctx context.Context, sha string, keys []string, args ...interface{}) (interface{}, error) {
	m.mu.Lock()
	loaded := m.loadedScripts
	m.mu.Unlock()
	if loaded == nil || !loaded[sha] {
		return nil, fmt.Errorf("NOSCRIPT No matching script")
	}
	switch sha {
	case tokenBucketSha:
		return m.evalTokenBucket(keys, args)
	case voteDedupSha:
		return m.evalVoteDedup(keys, args)
	}
	return nil, fmt.Errorf("NOSCRIPT No matching script")
}

func argNum(args []interface{}, i int) (float64, error) {
	if i >= len(args) {
		return 0, fmt.Errorf("script arg %d missing", i)
	}
	switch v := args[i].(type) {
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case float64:
		return v, nil
	case string:
		return strconv.ParseFloat(v, 64)
	}
	return 0, fmt.Errorf("script arg %d: unsupported type %T", i, args[i])
}

func argStr(args []interface{}, i int) (string, error) {
	if i >= len(args) {
		return "", fmt.Errorf("script arg %d missing", i)
	}
	switch v := args[i].(type) {
	case string:
		return v, nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	}
	return "", fmt.Errorf("script arg %d: unsupported type %T", i, args[i])
}

func (m *Memory) evalTokenBucket(keys []string, args []interface{}) (interface{}, error) {
	if len(keys) != 1 {
		return nil, fmt.Errorf("token bucket script wants 1 key, got %d", len(keys))
	}
	now, err := argNum(args, 0)
	if err != nil {
		return nil, err
	}
	rate, err := argNum(args, 1)
	if err != nil {
		return nil, err
	}
	burst, err := argNum(args, 2)
	if err != nil {
		return nil, err
	}
	cost, err := argNum(args, 3)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.markLoaded(tokenBucketSha)
	bucket := keys[0]
	m.purge(bucket)

	tokens := burst
	lastRefill := now
	if h, ok := m.hashes[bucket]; ok {
		if t, err := strconv.ParseFloat(h["tokens"], 64); err == nil {
			tokens = t
			lastRefill, _ = strconv.ParseFloat(h["last_refill"], 64)
		}
	}

	elapsed := now - lastRefill
	if elapsed < 0 {
		elapsed = 0
	}
	tokens = math.Min(burst, tokens+(elapsed/1000)*rate)

	allowed := int64(0)
	if tokens >= cost {
		tokens -= cost
		allowed = 1
	}

	m.hsetLocked(bucket, map[string]string{
		"tokens":      strconv.FormatFloat(tokens, 'f', -1, 64),
		"last_refill": strconv.FormatFloat(now, 'f', -1, 64),
	})
	m.setTTL(bucket, time.Duration(math.Ceil(burst/rate)+60)*time.Second)

	return []interface{}{allowed, int64(math.Floor(tokens))}, nil
}

func (m *Memory) evalVoteDedup(keys []string, args []interface{}) (interface{}, error) {
	if len(keys) != 2 {
		return nil, fmt.Errorf("vote dedup script wants 2 keys, got %d", len(keys))
	}
	agent, err := argStr(args, 0)
	if err != nil {
		return nil, err
	}
	action, err := argStr(args, 1)
	if err != nil {
		return nil, err
	}
	ttl, err := argNum(args, 2)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.markLoaded(voteDedupSha)
	agentVotes, tally := keys[0], keys[1]
	m.purge(agentVotes)
	m.purge(tally)

	prior, hadPrior := "", false
	if h, ok := m.hashes[agentVotes]; ok {
		prior, hadPrior = h[agent]
	}
	if hadPrior && prior == action {
		return int64(0), nil
	}

	z := m.zsetLocked(tally)
	result := int64(1)
	if hadPrior {
		z.incr(prior, -1)
		result = 2
	}
	z.incr(action, 1)
	m.hsetLocked(agentVotes, map[string]string{agent: action})
	ttlDur := time.Duration(ttl) * time.Second
	m.setTTL(agentVotes, ttlDur)
	m.setTTL(tally, ttlDur)
	return result, nil
}

// markLoaded records a script digest as cached. Caller holds mu.
func (m *Memory) markLoaded(sha string) {
	if m.loadedScripts == nil {
		m.loadedScripts = make(map[string]bool)
	}
	m.loadedScripts[sha] = true
}
