package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/hugo-lorenzo-mato/squads/internal/core"
)

// casStatusScript swaps a worker hash's status field only when it currently
// holds ARGV[1] and the worker is active. Redis runs scripts atomically, so
// orchestrator instances sharing one Redis never double-reserve a worker.
var casStatusScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'active') ~= '1' then
	return 0
end
if redis.call('HGET', KEYS[1], 'status') ~= ARGV[1] then
	return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[2], 'updated_at', ARGV[3])
return 1
`)

// RedisOptions configures the Redis connection.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	PoolSize  int
}

// RedisWorkerStore keeps worker records in Redis hashes so several
// orchestrator processes can share one availability pool.
type RedisWorkerStore struct {
	client *redis.Client
	prefix string
}

// NewRedisWorkerStore connects and pings Redis.
func NewRedisWorkerStore(ctx context.Context, opts RedisOptions) (*RedisWorkerStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
		PoolSize: opts.PoolSize,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", opts.Addr, err)
	}
	return NewRedisWorkerStoreWithClient(client, opts.KeyPrefix), nil
}

// NewRedisWorkerStoreWithClient wraps an existing client.
func NewRedisWorkerStoreWithClient(client *redis.Client, prefix string) *RedisWorkerStore {
	if prefix == "" {
		prefix = "squads"
	}
	return &RedisWorkerStore{client: client, prefix: prefix}
}

// Close closes the client.
func (s *RedisWorkerStore) Close() error {
	return s.client.Close()
}

func (s *RedisWorkerStore) workerKey(id string) string {
	return s.prefix + ":worker:" + id
}

func (s *RedisWorkerStore) indexKey(projectID string) string {
	if projectID == "" {
		return s.prefix + ":workers"
	}
	return s.prefix + ":project:" + projectID + ":workers"
}

func (s *RedisWorkerStore) CreateWorker(ctx context.Context, w *core.WorkerInstance) error {
	now := time.Now().UTC()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	w.UpdatedAt = now
	if w.Status == "" {
		w.Status = core.WorkerStatusIdle
	}
	fields, err := workerToHash(w)
	if err != nil {
		return err
	}
	key := s.workerKey(w.ID)
	created, err := s.client.HSetNX(ctx, key, "id", w.ID).Result()
	if err != nil {
		return fmt.Errorf("creating worker %s: %w", w.ID, err)
	}
	if !created {
		return core.ErrConflict("WORKER_EXISTS", "worker already exists: "+w.ID)
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, fields)
		p.SAdd(ctx, s.indexKey(""), w.ID)
		p.SAdd(ctx, s.indexKey(w.ProjectID), w.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("creating worker %s: %w", w.ID, err)
	}
	return nil
}

func (s *RedisWorkerStore) GetWorker(ctx context.Context, id string) (*core.WorkerInstance, error) {
	fields, err := s.client.HGetAll(ctx, s.workerKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("loading worker %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, core.ErrNotFound("worker", id)
	}
	return workerFromHash(fields)
}

func (s *RedisWorkerStore) ListWorkers(ctx context.Context, f core.WorkerFilter) ([]*core.WorkerInstance, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey(f.ProjectID)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing workers: %w", err)
	}
	var out []*core.WorkerInstance
	for _, id := range ids {
		w, err := s.GetWorker(ctx, id)
		if core.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if f.Status != "" && w.Status != f.Status {
			continue
		}
		if f.ActiveOnly && !w.Active {
			continue
		}
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *RedisWorkerStore) CompareAndSwapStatus(ctx context.Context, id string, from, to core.WorkerStatus) (bool, error) {
	n, err := casStatusScript.Run(ctx, s.client, []string{s.workerKey(id)},
		string(from), string(to), time.Now().UTC().Format(time.RFC3339Nano)).Int()
	if err != nil {
		return false, fmt.Errorf("swapping worker status: %w", err)
	}
	return n == 1, nil
}

func (s *RedisWorkerStore) SetWorkerStatus(ctx context.Context, id string, status core.WorkerStatus) error {
	return s.setFields(ctx, id, "status", string(status))
}

func (s *RedisWorkerStore) SetWorkerPID(ctx context.Context, id string, pid *int) error {
	value := ""
	if pid != nil {
		value = strconv.Itoa(*pid)
	}
	return s.setFields(ctx, id, "pid", value)
}

func (s *RedisWorkerStore) DeactivateWorker(ctx context.Context, id string) error {
	return s.setFields(ctx, id, "active", "0", "pid", "")
}

func (s *RedisWorkerStore) setFields(ctx context.Context, id string, kv ...string) error {
	key := s.workerKey(id)
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("updating worker %s: %w", id, err)
	}
	if exists == 0 {
		return core.ErrNotFound("worker", id)
	}
	values := make([]interface{}, 0, len(kv)+2)
	for _, v := range kv {
		values = append(values, v)
	}
	values = append(values, "updated_at", time.Now().UTC().Format(time.RFC3339Nano))
	if err := s.client.HSet(ctx, key, values...).Err(); err != nil {
		return fmt.Errorf("updating worker %s: %w", id, err)
	}
	return nil
}

func workerToHash(w *core.WorkerInstance) (map[string]interface{}, error) {
	caps, err := json.Marshal(w.Capabilities)
	if err != nil {
		return nil, fmt.Errorf("marshaling capabilities: %w", err)
	}
	pid := ""
	if w.PID != nil {
		pid = strconv.Itoa(*w.PID)
	}
	active := "0"
	if w.Active {
		active = "1"
	}
	return map[string]interface{}{
		"id":             w.ID,
		"project_id":     w.ProjectID,
		"name":           w.Name,
		"role":           string(w.Role),
		"identity":       w.Identity,
		"capabilities":   string(caps),
		"status":         string(w.Status),
		"pid":            pid,
		"workspace_path": w.WorkspacePath,
		"active":         active,
		"created_at":     w.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":     w.UpdatedAt.Format(time.RFC3339Nano),
	}, nil
}

func workerFromHash(f map[string]string) (*core.WorkerInstance, error) {
	w := &core.WorkerInstance{
		ID:            f["id"],
		ProjectID:     f["project_id"],
		Name:          f["name"],
		Role:          core.Role(f["role"]),
		Identity:      f["identity"],
		Status:        core.WorkerStatus(f["status"]),
		WorkspacePath: f["workspace_path"],
		Active:        f["active"] == "1",
	}
	if caps := f["capabilities"]; caps != "" {
		if err := json.Unmarshal([]byte(caps), &w.Capabilities); err != nil {
			return nil, fmt.Errorf("decoding capabilities of %s: %w", w.ID, err)
		}
	}
	if p := f["pid"]; p != "" {
		pid, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("decoding pid of %s: %w", w.ID, err)
		}
		w.PID = &pid
	}
	w.CreatedAt, _ = time.Parse(time.RFC3339Nano, f["created_at"])
	w.UpdatedAt, _ = time.Parse(time.RFC3339Nano, f["updated_at"])
	return w, nil
}
