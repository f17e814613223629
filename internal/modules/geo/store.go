// README: Driver location store: Redis GEO index plus Postgres write-through snapshots.
package geo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/Kuany4953/wasil-sub001/internal/domain"
	"github.com/Kuany4953/wasil-sub001/internal/types"
)

const (
	geoKey          = "geo:drivers"
	driverKeyPrefix = "geo:driver:"
)

func driverKey(id types.ID) string { return driverKeyPrefix + string(id) }

type Store struct {
	db    *pgxpool.Pool
	redis *redis.Client
}

func NewStore(db *pgxpool.Pool, rdb *redis.Client) *Store {
	return &Store{db: db, redis: rdb}
}

// --- Redis index (serving path) ---

// IndexPosition writes the GEO member and rewrites the driver hash in one
// round trip. Availability and ride assignment come from the caller's loc,
// so a heartbeat carrying snapshot values re-syncs a drifted hash.
func (s *Store) IndexPosition(ctx context.Context, loc DriverLocation) error {
	_, err := s.redis.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.GeoAdd(ctx, geoKey, &redis.GeoLocation{
			Name:      string(loc.DriverID),
			Longitude: loc.Position.Lng,
			Latitude:  loc.Position.Lat,
		})
		p.HSet(ctx, driverKey(loc.DriverID),
			"lat", loc.Position.Lat,
			"lng", loc.Position.Lng,
			"heading", loc.HeadingDeg,
			"speed_kmh", loc.SpeedKmh,
			"online", "1",
			"available", boolField(loc.Available),
			"ride_id", string(loc.CurrentRideID),
			"updated_at", loc.UpdatedAt.UTC().Format(time.RFC3339Nano),
		)
		return nil
	})
	if err != nil {
		return domain.Unavailable("redis", err)
	}
	return nil
}

// IndexAvailability flips the availability flag in the driver hash.
func (s *Store) IndexAvailability(ctx context.Context, id types.ID, available bool) error {
	if err := s.redis.HSet(ctx, driverKey(id), "available", boolField(available), "online", "1").Err(); err != nil {
		return domain.Unavailable("redis", err)
	}
	return nil
}

// IndexRide marks the driver busy with a ride, or idle again when rideID is
// empty.
func (s *Store) IndexRide(ctx context.Context, id types.ID, rideID types.ID) error {
	available := "0"
	if rideID == "" {
		available = "1"
	}
	if err := s.redis.HSet(ctx, driverKey(id), "ride_id", string(rideID), "available", available).Err(); err != nil {
		return domain.Unavailable("redis", err)
	}
	return nil
}

// RemoveIndexed drops the driver from the GEO set and deletes its hash.
func (s *Store) RemoveIndexed(ctx context.Context, id types.ID) error {
	_, err := s.redis.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, geoKey, string(id))
		p.Del(ctx, driverKey(id))
		return nil
	})
	if err != nil {
		return domain.Unavailable("redis", err)
	}
	return nil
}

// GetIndexed reads the driver hash. found is false when the driver has no
// hash in Redis (missing or expired), which is not an error.
func (s *Store) GetIndexed(ctx context.Context, id types.ID) (DriverLocation, bool, error) {
	vals, err := s.redis.HGetAll(ctx, driverKey(id)).Result()
	if err != nil {
		return DriverLocation{}, false, domain.Unavailable("redis", err)
	}
	if len(vals) == 0 {
		return DriverLocation{}, false, nil
	}
	return decodeHash(id, vals), true, nil
}

// SearchIndexed runs a GEO radius search sorted nearest-first, hydrates each
// hit from its hash, and keeps only online, available, unassigned drivers
// with a position fresh enough to trust.
func (s *Store) SearchIndexed(ctx context.Context, origin types.Point, radiusKm float64, limit int, freshSince time.Time) ([]DriverLocation, error) {
	hits, err := s.redis.GeoSearchLocation(ctx, geoKey, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  origin.Lng,
			Latitude:   origin.Lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
			Count:      limit,
		},
		WithDist:  true,
		WithCoord: true,
	}).Result()
	if err != nil {
		return nil, domain.Unavailable("redis", err)
	}
	if len(hits) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(hits))
	_, err = s.redis.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, h := range hits {
			cmds[i] = p.HGetAll(ctx, driverKeyPrefix+h.Name)
		}
		return nil
	})
	if err != nil {
		return nil, domain.Unavailable("redis", err)
	}

	out := make([]DriverLocation, 0, len(hits))
	for i, h := range hits {
		vals, err := cmds[i].Result()
		if err != nil || len(vals) == 0 {
			continue
		}
		loc := decodeHash(types.ID(h.Name), vals)
		loc.Distance = h.Dist
		if !loc.Online || !loc.Available || loc.CurrentRideID != "" {
			continue
		}
		if loc.UpdatedAt.Before(freshSince) {
			continue
		}
		out = append(out, loc)
	}
	return out, nil
}

// --- Postgres snapshots (write-through fallback) ---

// UpsertSnapshot persists the latest position. Availability and ride
// assignment columns are owned by other paths and left untouched on update.
func (s *Store) UpsertSnapshot(ctx context.Context, loc DriverLocation) error {
	const q = `
		INSERT INTO driver_locations (driver_id, latitude, longitude, heading, speed_kmh, is_online, last_updated)
		VALUES ($1, $2, $3, $4, $5, TRUE, $6)
		ON CONFLICT (driver_id) DO UPDATE SET
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			heading = EXCLUDED.heading,
			speed_kmh = EXCLUDED.speed_kmh,
			is_online = TRUE,
			last_updated = EXCLUDED.last_updated`

	_, err := s.db.Exec(ctx, q, string(loc.DriverID), loc.Position.Lat, loc.Position.Lng,
		loc.HeadingDeg, loc.SpeedKmh, loc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert driver snapshot: %w", err)
	}
	return nil
}

// SnapshotAvailability flips availability for a driver that has reported at
// least one position.
func (s *Store) SnapshotAvailability(ctx context.Context, id types.ID, available bool, at time.Time) error {
	const q = `
		UPDATE driver_locations
		SET is_available = $2, is_online = TRUE, last_updated = $3
		WHERE driver_id = $1`

	tag, err := s.db.Exec(ctx, q, string(id), available, at)
	if err != nil {
		return fmt.Errorf("snapshot availability: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFound("driver location")
	}
	return nil
}

// ReleaseSnapshot clears the ride assignment and frees the driver.
func (s *Store) ReleaseSnapshot(ctx context.Context, id types.ID, at time.Time) error {
	const q = `
		UPDATE driver_locations
		SET current_ride_id = NULL, is_available = TRUE, last_updated = $2
		WHERE driver_id = $1`

	if _, err := s.db.Exec(ctx, q, string(id), at); err != nil {
		return fmt.Errorf("release driver snapshot: %w", err)
	}
	return nil
}

// SetSnapshotOffline marks the driver gone from the pool.
func (s *Store) SetSnapshotOffline(ctx context.Context, id types.ID, at time.Time) error {
	const q = `
		UPDATE driver_locations
		SET is_online = FALSE, is_available = FALSE, last_updated = $2
		WHERE driver_id = $1`

	if _, err := s.db.Exec(ctx, q, string(id), at); err != nil {
		return fmt.Errorf("set driver offline: %w", err)
	}
	return nil
}

// GetSnapshot loads the persisted driver row.
func (s *Store) GetSnapshot(ctx context.Context, id types.ID) (DriverLocation, error) {
	const q = `
		SELECT driver_id, latitude, longitude, heading, speed_kmh,
		       is_available, is_online, COALESCE(current_ride_id, ''), last_updated
		FROM driver_locations
		WHERE driver_id = $1`

	var loc DriverLocation
	var rideID string
	err := s.db.QueryRow(ctx, q, string(id)).Scan(
		&loc.DriverID, &loc.Position.Lat, &loc.Position.Lng, &loc.HeadingDeg, &loc.SpeedKmh,
		&loc.Available, &loc.Online, &rideID, &loc.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return DriverLocation{}, domain.NotFound("driver location")
	}
	if err != nil {
		return DriverLocation{}, fmt.Errorf("get driver snapshot: %w", err)
	}
	loc.CurrentRideID = types.ID(rideID)
	return loc, nil
}

// SearchSnapshots is the fallback radius query: a bounding-box index scan
// trimmed by exact distance, sorted nearest-first, capped at limit.
func (s *Store) SearchSnapshots(ctx context.Context, origin types.Point, radiusKm float64, limit int, freshSince time.Time) ([]DriverLocation, error) {
	latMin, latMax, lngMin, lngMax := boundingBox(origin, radiusKm)

	const q = `
		SELECT driver_id, latitude, longitude, heading, speed_kmh,
		       is_available, is_online, COALESCE(current_ride_id, ''), last_updated
		FROM driver_locations
		WHERE is_available AND is_online AND current_ride_id IS NULL
		  AND last_updated >= $1
		  AND latitude BETWEEN $2 AND $3
		  AND longitude BETWEEN $4 AND $5`

	rows, err := s.db.Query(ctx, q, freshSince, latMin, latMax, lngMin, lngMax)
	if err != nil {
		return nil, fmt.Errorf("search driver snapshots: %w", err)
	}
	defer rows.Close()

	var out []DriverLocation
	for rows.Next() {
		var loc DriverLocation
		var rideID string
		if err := rows.Scan(
			&loc.DriverID, &loc.Position.Lat, &loc.Position.Lng, &loc.HeadingDeg, &loc.SpeedKmh,
			&loc.Available, &loc.Online, &rideID, &loc.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan driver snapshot: %w", err)
		}
		loc.CurrentRideID = types.ID(rideID)
		loc.Distance = origin.DistanceKm(loc.Position)
		if loc.Distance <= radiusKm {
			out = append(out, loc)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search driver snapshots: %w", err)
	}

	sortByDistance(out, func(d DriverLocation) float64 { return d.Distance })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- hash codec ---

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func decodeHash(id types.ID, vals map[string]string) DriverLocation {
	loc := DriverLocation{DriverID: id}
	loc.Position.Lat, _ = strconv.ParseFloat(vals["lat"], 64)
	loc.Position.Lng, _ = strconv.ParseFloat(vals["lng"], 64)
	loc.HeadingDeg, _ = strconv.ParseFloat(vals["heading"], 64)
	loc.SpeedKmh, _ = strconv.ParseFloat(vals["speed_kmh"], 64)
	loc.Available = vals["available"] == "1"
	loc.Online = vals["online"] == "1"
	loc.CurrentRideID = types.ID(vals["ride_id"])
	if ts, err := time.Parse(time.RFC3339Nano, vals["updated_at"]); err == nil {
		loc.UpdatedAt = ts
	}
	return loc
}
