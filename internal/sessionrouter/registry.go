package sessionrouter

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// WorkerStatus mirrors the registry's view of a real-time worker's health.
type WorkerStatus string

const (
	WorkerAvailable WorkerStatus = "available"
	WorkerUnhealthy WorkerStatus = "unhealthy"
)

// Worker is one real-time transcription worker's registry row (spec §4.6:
// "instance ID, declared session capacity, current active session count,
// last heartbeat, set of session IDs it hosts").
type Worker struct {
	ID            string
	Capacity      int
	Active        int
	Languages     []string
	Models        []string
	Status        WorkerStatus
	LastHeartbeat time.Time
}

func (w Worker) supports(language, model string) bool {
	if language != "" && !contains(w.Languages, language) {
		return false
	}
	if model != "" && !contains(w.Models, model) {
		return false
	}
	return true
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// workerRegistry is the Redis-backed atomic counter layer the Session
// Router's allocate/release/heartbeat operations sit on top of (spec §4.6
// and §5: "Session Router's allocation is effectively single-threaded per
// worker row because of the atomic counter update"). It tracks only
// ephemeral fleet state; the durable session record itself lives in
// statestore's realtime_sessions table, exactly the same split
// responsibility internal/registry draws between the Engine Registry and
// the State Store for engine instances.
type workerRegistry struct {
	rdb       *redis.Client
	allocate  *redis.Script
	release   *redis.Script
	removeAll *redis.Script
}

func newWorkerRegistry(rdb *redis.Client) *workerRegistry {
	return &workerRegistry{
		rdb:       rdb,
		allocate:  redis.NewScript(allocateScript),
		release:   redis.NewScript(releaseScript),
		removeAll: redis.NewScript(removeAllScript),
	}
}

func workersSetKey() string          { return "dalston:sessionrouter:workers" }
func workerKey(id string) string     { return fmt.Sprintf("dalston:sessionrouter:worker:%s", id) }
func workerSessionsKey(id string) string {
	return fmt.Sprintf("dalston:sessionrouter:worker:%s:sessions", id)
}
func globalSessionsKey() string { return "dalston:sessionrouter:sessions:active" }
func sessionOwnerKey(sessionID string) string {
	return fmt.Sprintf("dalston:sessionrouter:session:%s:worker", sessionID)
}

// registerWorker upserts a worker's declared capacity and capabilities.
// Active count is preserved across re-registration so a restarted worker
// process that still owns in-flight sessions doesn't silently lose them
// from the counter.
func (r *workerRegistry) registerWorker(ctx context.Context, w Worker) error {
	now := time.Now().UTC()
	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, workerKey(w.ID),
		"capacity", w.Capacity,
		"languages", joinCSV(w.Languages),
		"models", joinCSV(w.Models),
		"status", string(WorkerAvailable),
		"last_heartbeat", now.Unix(),
	)
	pipe.HSetNX(ctx, workerKey(w.ID), "active", 0)
	pipe.SAdd(ctx, workersSetKey(), w.ID)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("sessionrouter: register worker: %w", err)
	}
	return nil
}

// heartbeat refreshes liveness and restores a previously unhealthy worker.
func (r *workerRegistry) heartbeat(ctx context.Context, workerID string) error {
	if err := r.rdb.HSet(ctx, workerKey(workerID),
		"last_heartbeat", time.Now().UTC().Unix(),
		"status", string(WorkerAvailable),
	).Err(); err != nil {
		return fmt.Errorf("sessionrouter: heartbeat: %w", err)
	}
	return nil
}

// deregister removes a worker's registry row entirely (graceful shutdown).
// The caller is responsible for releasing any sessions it still owns first.
func (r *workerRegistry) deregister(ctx context.Context, workerID string) error {
	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, workerKey(workerID))
	pipe.Del(ctx, workerSessionsKey(workerID))
	pipe.SRem(ctx, workersSetKey(), workerID)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("sessionrouter: deregister: %w", err)
	}
	return nil
}

// candidates returns every worker row, for the allocator's in-process
// filter-by-capability-then-sort-by-load step: the candidate set is small
// (one row per real-time worker process) so this is cheap compared to the
// round trip every WebSocket connect already pays.
func (r *workerRegistry) candidates(ctx context.Context) ([]Worker, error) {
	ids, err := r.rdb.SMembers(ctx, workersSetKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("sessionrouter: list workers: %w", err)
	}
	workers := make([]Worker, 0, len(ids))
	for _, id := range ids {
		w, ok, err := r.get(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			workers = append(workers, w)
		}
	}
	sort.Slice(workers, func(i, j int) bool { return workers[i].Active < workers[j].Active })
	return workers, nil
}

func (r *workerRegistry) get(ctx context.Context, workerID string) (Worker, bool, error) {
	vals, err := r.rdb.HGetAll(ctx, workerKey(workerID)).Result()
	if err != nil {
		return Worker{}, false, fmt.Errorf("sessionrouter: get worker %s: %w", workerID, err)
	}
	if len(vals) == 0 {
		return Worker{}, false, nil
	}
	capacity, _ := strconv.Atoi(vals["capacity"])
	active, _ := strconv.Atoi(vals["active"])
	hbUnix, _ := strconv.ParseInt(vals["last_heartbeat"], 10, 64)
	return Worker{
		ID:            workerID,
		Capacity:      capacity,
		Active:        active,
		Languages:     splitCSV(vals["languages"]),
		Models:        splitCSV(vals["models"]),
		Status:        WorkerStatus(vals["status"]),
		LastHeartbeat: time.Unix(hbUnix, 0).UTC(),
	}, true, nil
}

// allocateScript increments a worker's active count and records the
// session atomically, but only if the worker still has spare capacity at
// call time — the check and the increment happen inside the same Redis
// script invocation, closing the race two concurrent allocate calls would
// otherwise have against the same worker row.
const allocateScript = `
local workerKey = KEYS[1]
local sessionsKey = KEYS[2]
local globalKey = KEYS[3]
local ownerKey = KEYS[4]
local sessionID = ARGV[1]
local workerID = ARGV[2]

local capacity = tonumber(redis.call('HGET', workerKey, 'capacity') or '0')
local active = tonumber(redis.call('HGET', workerKey, 'active') or '0')
if active >= capacity then
  return 0
end
redis.call('HINCRBY', workerKey, 'active', 1)
redis.call('SADD', sessionsKey, sessionID)
redis.call('SADD', globalKey, sessionID)
redis.call('SET', ownerKey, workerID)
return 1
`

// tryAllocate attempts to place sessionID on workerID, returning false if
// the worker filled up between candidates() reading its count and this
// call (another allocator replica won the race).
func (r *workerRegistry) tryAllocate(ctx context.Context, workerID, sessionID string) (bool, error) {
	res, err := r.allocate.Run(ctx, r.rdb,
		[]string{workerKey(workerID), workerSessionsKey(workerID), globalSessionsKey(), sessionOwnerKey(sessionID)},
		sessionID, workerID,
	).Int()
	if err != nil {
		return false, fmt.Errorf("sessionrouter: allocate script: %w", err)
	}
	return res == 1, nil
}

// releaseScript decrements a worker's active count (floored at zero) and
// removes the session from every set that tracked it.
const releaseScript = `
local workerKey = KEYS[1]
local sessionsKey = KEYS[2]
local globalKey = KEYS[3]
local ownerKey = KEYS[4]
local sessionID = ARGV[1]

local active = tonumber(redis.call('HGET', workerKey, 'active') or '0')
if active > 0 then
  redis.call('HINCRBY', workerKey, 'active', -1)
end
redis.call('SREM', sessionsKey, sessionID)
redis.call('SREM', globalKey, sessionID)
redis.call('DEL', ownerKey)
return 1
`

// release decrements workerID's counter and forgets sessionID. Safe to
// call with a workerID whose registry row no longer exists (health monitor
// already swept it) — the HINCRBY/SREM calls are then no-ops.
func (r *workerRegistry) releaseSession(ctx context.Context, workerID, sessionID string) error {
	if _, err := r.release.Run(ctx, r.rdb,
		[]string{workerKey(workerID), workerSessionsKey(workerID), globalSessionsKey(), sessionOwnerKey(sessionID)},
		sessionID,
	).Result(); err != nil {
		return fmt.Errorf("sessionrouter: release script: %w", err)
	}
	return nil
}

// removeAllScript is the health monitor's bulk interrupt path: it clears a
// dead worker's entire session set from the global active set in one
// round trip, returning the member list so the caller can mark each
// session's durable row interrupted.
const removeAllScript = `
local workerKey = KEYS[1]
local sessionsKey = KEYS[2]
local globalKey = KEYS[3]

local members = redis.call('SMEMBERS', sessionsKey)
for _, sessionID in ipairs(members) do
  redis.call('SREM', globalKey, sessionID)
  redis.call('DEL', 'dalston:sessionrouter:session:' .. sessionID .. ':worker')
end
redis.call('DEL', sessionsKey)
redis.call('HSET', workerKey, 'active', 0)
return members
`

// evictWorkerSessions clears every session a now-unhealthy worker owned,
// returning their IDs (spec §4.6's health monitor: "all sessions it owns
// are marked interrupted").
func (r *workerRegistry) evictWorkerSessions(ctx context.Context, workerID string) ([]string, error) {
	res, err := r.removeAll.Run(ctx, r.rdb,
		[]string{workerKey(workerID), workerSessionsKey(workerID), globalSessionsKey()},
	).Result()
	if err != nil {
		return nil, fmt.Errorf("sessionrouter: evict worker sessions: %w", err)
	}
	items, _ := res.([]interface{})
	ids := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			ids = append(ids, s)
		}
	}
	return ids, nil
}

// markUnhealthy flags a worker as unhealthy without touching its counters.
func (r *workerRegistry) markUnhealthy(ctx context.Context, workerID string) error {
	if err := r.rdb.HSet(ctx, workerKey(workerID), "status", string(WorkerUnhealthy)).Err(); err != nil {
		return fmt.Errorf("sessionrouter: mark unhealthy: %w", err)
	}
	return nil
}

// staleWorkers returns every registered worker whose heartbeat is older
// than ttl and not already marked unhealthy.
func (r *workerRegistry) staleWorkers(ctx context.Context, ttl time.Duration) ([]Worker, error) {
	all, err := r.candidates(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().UTC().Add(-ttl)
	stale := make([]Worker, 0)
	for _, w := range all {
		if w.Status != WorkerUnhealthy && w.LastHeartbeat.Before(cutoff) {
			stale = append(stale, w)
		}
	}
	return stale, nil
}

// globalActiveSessions returns every session ID currently tracked active
// by some worker, for the health monitor's orphan-reconciliation scan.
func (r *workerRegistry) globalActiveSessions(ctx context.Context) ([]string, error) {
	ids, err := r.rdb.SMembers(ctx, globalSessionsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("sessionrouter: list active sessions: %w", err)
	}
	return ids, nil
}

// sessionOwner returns the worker ID that currently owns sessionID, if any.
func (r *workerRegistry) sessionOwner(ctx context.Context, sessionID string) (string, bool, error) {
	v, err := r.rdb.Get(ctx, sessionOwnerKey(sessionID)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("sessionrouter: session owner: %w", err)
	}
	return v, true, nil
}

// orphanRelease removes a session from the global set and its owner's
// counter without requiring the owner's full eviction — used when only
// that one session's durable row went missing (spec §4.6, scenario G),
// not the whole worker.
func (r *workerRegistry) orphanRelease(ctx context.Context, sessionID string) error {
	workerID, ok, err := r.sessionOwner(ctx, sessionID)
	if err != nil {
		return err
	}
	if !ok {
		r.rdb.SRem(ctx, globalSessionsKey(), sessionID)
		return nil
	}
	return r.releaseSession(ctx, workerID, sessionID)
}

func ticketKey(ticket string) string { return fmt.Sprintf("dalston:sessionrouter:ticket:%s", ticket) }

// storeTicket records the one-time ticket returned from allocate, so the
// Gateway's WebSocket accept handler can redeem it exactly once against
// the session it names before streaming begins.
func (r *workerRegistry) storeTicket(ctx context.Context, ticket, sessionID string, ttl time.Duration) error {
	if err := r.rdb.Set(ctx, ticketKey(ticket), sessionID, ttl).Err(); err != nil {
		return fmt.Errorf("sessionrouter: store ticket: %w", err)
	}
	return nil
}

// redeemTicket atomically reads and deletes a ticket, returning the
// session ID it was issued for. ok is false for an unknown, expired, or
// already-redeemed ticket.
func (r *workerRegistry) redeemTicket(ctx context.Context, ticket string) (string, bool, error) {
	sessionID, err := r.rdb.GetDel(ctx, ticketKey(ticket)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("sessionrouter: redeem ticket: %w", err)
	}
	return sessionID, true, nil
}

func joinCSV(vals []string) string {
	out := ""
	for i, v := range vals {
		if i > 0 {
			out += ","
		}
		out += v
	}
	return out
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return out
}
