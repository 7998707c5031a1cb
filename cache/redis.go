// Package cache mirrors the live fleet into a Redis GEO set so that other
// services can run GEORADIUS queries against current driver positions.
package cache

import (
	"context"
	"fmt"
	"math"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"fleet-monitor/config"
	"fleet-monitor/fleet"
	"fleet-monitor/models"
)

// Redis GEO cannot store points closer to the poles than this.
const maxGeoLat = 85.05112878

// NewClient connects to Redis and checks the connection.
func NewClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return rdb, nil
}

// Mirror keeps one GEO key equal to the positions of the resident drivers.
// Only current positions are written; nothing is kept once a driver leaves.
type Mirror struct {
	rdb     redis.Cmdable
	key     string
	logger  *zap.Logger
	updates chan fleet.FleetState
	written map[models.DriverID]models.Coordinates
}

func NewMirror(rdb redis.Cmdable, key string, logger *zap.Logger) *Mirror {
	return &Mirror{
		rdb:     rdb,
		key:     key,
		logger:  logger.Named("redis-mirror"),
		updates: make(chan fleet.FleetState, 1),
		written: make(map[models.DriverID]models.Coordinates),
	}
}

// Listen is a fleet.Listener. It never blocks the store: if the writer is
// behind, the pending state is replaced by the newer one.
func (m *Mirror) Listen(st fleet.FleetState) {
	for {
		select {
		case m.updates <- st:
			return
		default:
		}
		select {
		case <-m.updates:
		default:
		}
	}
}

// Run clears the key and then writes every state handed to Listen until ctx
// is done.
func (m *Mirror) Run(ctx context.Context) error {
	if err := m.rdb.Del(ctx, m.key).Err(); err != nil {
		return fmt.Errorf("clearing %s: %w", m.key, err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case st := <-m.updates:
			if err := m.sync(ctx, st); err != nil && ctx.Err() == nil {
				m.logger.Warn("redis mirror update failed", zap.Error(err))
			}
		}
	}
}

func (m *Mirror) sync(ctx context.Context, st fleet.FleetState) error {
	add, remove, next := Diff(m.written, st)
	if len(add) == 0 && len(remove) == 0 {
		return nil
	}
	_, err := m.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(add) > 0 {
			pipe.GeoAdd(ctx, m.key, add...)
		}
		if len(remove) > 0 {
			pipe.ZRem(ctx, m.key, remove...)
		}
		return nil
	})
	if err != nil {
		// Leave written as it was so the next state retries the same changes.
		return err
	}
	m.written = next
	m.logger.Debug("redis mirror updated", zap.Int("upserts", len(add)), zap.Int("removals", len(remove)))
	return nil
}

// Diff compares what was last written with st. It returns the locations to
// upsert, the members to remove and the new written set.
func Diff(written map[models.DriverID]models.Coordinates, st fleet.FleetState) ([]*redis.GeoLocation, []interface{}, map[models.DriverID]models.Coordinates) {
	next := make(map[models.DriverID]models.Coordinates, st.Len())
	var add []*redis.GeoLocation
	for _, rec := range st.Records() {
		if rec.Position == nil || math.Abs(rec.Position.Lat) > maxGeoLat {
			continue
		}
		c := models.Coordinates{Lat: rec.Position.Lat, Lng: rec.Position.Lng}
		next[rec.ID] = c
		if old, ok := written[rec.ID]; ok && old == c {
			continue
		}
		add = append(add, &redis.GeoLocation{Name: string(rec.ID), Latitude: c.Lat, Longitude: c.Lng})
	}
	var remove []interface{}
	for id := range written {
		if _, ok := next[id]; !ok {
			remove = append(remove, string(id))
		}
	}
	return add, remove, next
}
