package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

const presenceIndexKey = "drivers:presence"

// RedisPresence stores presence as one hash per driver plus a sorted set
// scored by first-seen time, which fixes the snapshot order.
type RedisPresence struct {
	client redis.UniversalClient
	now    func() time.Time
}

func NewRedisPresence(client redis.UniversalClient) *RedisPresence {
	return &RedisPresence{client: client, now: time.Now}
}

func presenceKey(driverID string) string { return "driver:presence:" + driverID }

func (r *RedisPresence) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *RedisPresence) UpdatePresence(ctx context.Context, driverID string, u models.PresenceUpdate) error {
	if driverID == "" {
		return fmt.Errorf("update presence: empty driver id")
	}
	now := r.now()
	key := presenceKey(driverID)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAddNX(ctx, presenceIndexKey, redis.Z{Score: float64(now.UnixNano()), Member: driverID})
		pipe.HSetNX(ctx, key, "lat", "0")
		pipe.HSetNX(ctx, key, "lon", "0")
		pipe.HSetNX(ctx, key, "status", string(models.DriverOffline))
		pipe.HSet(ctx, key, presenceFields(u, now))
		return nil
	})
	return err
}

func (r *RedisPresence) Presence(ctx context.Context, driverID string) (models.Presence, error) {
	m, err := r.client.HGetAll(ctx, presenceKey(driverID)).Result()
	if err != nil {
		return models.Presence{}, err
	}
	if len(m) == 0 {
		return models.Presence{}, ErrNotFound
	}
	return presenceFromHash(driverID, m)
}

func (r *RedisPresence) AvailableDrivers(ctx context.Context) ([]models.Presence, error) {
	ids, err := r.client.ZRange(ctx, presenceIndexKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, presenceKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]models.Presence, 0, len(ids))
	for i, cmd := range cmds {
		m := cmd.Val()
		if len(m) == 0 {
			continue
		}
		p, err := presenceFromHash(ids[i], m)
		if err != nil {
			return nil, err
		}
		if p.Status == models.DriverAvailable {
			out = append(out, p)
		}
	}
	return out, nil
}

func presenceFields(u models.PresenceUpdate, now time.Time) map[string]any {
	f := map[string]any{"updated_at": strconv.FormatInt(now.UnixMilli(), 10)}
	if u.Lat != nil {
		f["lat"] = strconv.FormatFloat(*u.Lat, 'f', -1, 64)
	}
	if u.Lon != nil {
		f["lon"] = strconv.FormatFloat(*u.Lon, 'f', -1, 64)
	}
	if u.Status != nil {
		f["status"] = string(*u.Status)
	}
	return f
}

func presenceFromHash(driverID string, m map[string]string) (models.Presence, error) {
	p := models.Presence{DriverID: driverID, Status: models.DriverOffline}
	var err error
	if v, ok := m["lat"]; ok {
		if p.Lat, err = strconv.ParseFloat(v, 64); err != nil {
			return models.Presence{}, fmt.Errorf("presence %s lat: %w", driverID, err)
		}
	}
	if v, ok := m["lon"]; ok {
		if p.Lon, err = strconv.ParseFloat(v, 64); err != nil {
			return models.Presence{}, fmt.Errorf("presence %s lon: %w", driverID, err)
		}
	}
	if s, ok := models.ParseDriverStatus(m["status"]); ok {
		p.Status = s
	}
	if v, ok := m["updated_at"]; ok {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return models.Presence{}, fmt.Errorf("presence %s updated_at: %w", driverID, err)
		}
		p.UpdatedAt = time.UnixMilli(ms)
	}
	return p, nil
}
