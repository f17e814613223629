// README: Dispatch flow tests against real Postgres and Redis (env-gated).
package dispatch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/Kuany4953/wasil-sub001/internal/config"
	"github.com/Kuany4953/wasil-sub001/internal/domain"
	"github.com/Kuany4953/wasil-sub001/internal/modules/geo"
	"github.com/Kuany4953/wasil-sub001/internal/modules/pricing"
	"github.com/Kuany4953/wasil-sub001/internal/modules/ride"
	"github.com/Kuany4953/wasil-sub001/internal/notify"
	"github.com/Kuany4953/wasil-sub001/internal/types"
)

func TestDispatchWaveRanksAndCaps(t *testing.T) {
	env := setupTestEnv(t)
	svc, rec := newTestService(env)
	ctx := context.Background()

	origin := testOrigin(0)
	r := seedRide(t, env, "rd_wave", origin)

	// Five drivers at roughly 0.5, 1.1, 1.7, 2.2, 2.8 km; fan-out keeps three.
	var want []types.ID
	for i := 0; i < 5; i++ {
		id := types.ID(fmt.Sprintf("d_wave_%d", i))
		seedDriver(t, env, id, types.Point{Lat: origin.Lat + 0.005*float64(i+1), Lng: origin.Lng})
		if i < 3 {
			want = append(want, id)
		}
	}

	res, err := svc.MatchAndDispatch(ctx, r.ID)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(res.Offered) != 3 {
		t.Fatalf("expected fan-out of 3, got %d", len(res.Offered))
	}
	for i, q := range res.Offered {
		if q.DriverID != want[i] {
			t.Fatalf("offer %d went to %s, want %s", i, q.DriverID, want[i])
		}
		if i > 0 && q.DistanceToPickupKm < res.Offered[i-1].DistanceToPickupKm {
			t.Fatal("offers not sorted nearest-first")
		}
		if q.EtaSeconds <= 0 {
			t.Fatalf("offer %d missing eta", i)
		}
	}
	if got := rec.offerCount(); got != 3 {
		t.Fatalf("expected 3 driver notifications, got %d", got)
	}
	wave, ok := rec.lastWave()
	if !ok {
		t.Fatal("rider never told about the wave")
	}
	if wave.DriversNotified != 3 {
		t.Fatalf("rider wave reports %d drivers, want 3", wave.DriversNotified)
	}

	offers, err := svc.Offers(ctx, r.ID)
	if err != nil {
		t.Fatalf("offers: %v", err)
	}
	if len(offers) != 3 {
		t.Fatalf("expected 3 persisted requests, got %d", len(offers))
	}
	for _, q := range offers {
		if q.Status != RequestPending {
			t.Fatalf("expected pending, got %s", q.Status)
		}
	}
}

func TestDispatchDedupeInFlight(t *testing.T) {
	env := setupTestEnv(t)
	svc, _ := newTestService(env)
	ctx := context.Background()

	origin := testOrigin(1)
	r := seedRide(t, env, "rd_dedupe", origin)
	seedDriver(t, env, "d_dedupe", types.Point{Lat: origin.Lat + 0.005, Lng: origin.Lng})

	if _, err := svc.MatchAndDispatch(ctx, r.ID); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	_, err := svc.MatchAndDispatch(ctx, r.ID)
	if !errors.Is(err, domain.ErrDispatchInFlight) {
		t.Fatalf("expected ErrDispatchInFlight, got %v", err)
	}
}

func TestDispatchNoDriversReleasesSlot(t *testing.T) {
	env := setupTestEnv(t)
	svc, rec := newTestService(env)
	ctx := context.Background()

	r := seedRide(t, env, "rd_empty", testOrigin(2))

	res, err := svc.MatchAndDispatch(ctx, r.ID)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(res.Offered) != 0 {
		t.Fatalf("expected empty wave, got %d offers", len(res.Offered))
	}
	if rec.offerCount() != 0 {
		t.Fatal("no drivers should have been notified")
	}

	// The slot must not linger after an empty wave.
	if _, err := svc.MatchAndDispatch(ctx, r.ID); err != nil {
		t.Fatalf("immediate retry after empty wave: %v", err)
	}
}

func TestDispatchFallsBackToSnapshots(t *testing.T) {
	env := setupTestEnv(t)
	origin := testOrigin(3)

	pool := &fakePool{
		indexDown: true,
		fallback: []geo.DriverLocation{{
			DriverID: "d_fallback",
			Position: types.Point{Lat: origin.Lat + 0.01, Lng: origin.Lng},
			Distance: 1.1,
		}},
	}
	rec := &recordingNotifier{}
	svc := NewService(NewStore(env.db), NewCache(env.rdb), env.rides, pool, rec, testCfg(), testLogger())

	r := seedRide(t, env, "rd_fallback", origin)
	res, err := svc.MatchAndDispatch(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("dispatch with index down: %v", err)
	}
	if len(res.Offered) != 1 || res.Offered[0].DriverID != "d_fallback" {
		t.Fatalf("expected one fallback offer, got %+v", res.Offered)
	}
}

func TestDispatchRejectsAssignedRide(t *testing.T) {
	env := setupTestEnv(t)
	svc, _ := newTestService(env)
	ctx := context.Background()

	origin := testOrigin(4)
	r := seedRide(t, env, "rd_taken", origin)
	if _, err := env.db.Exec(ctx, `UPDATE rides SET status = 'accepted', driver_id = 'd_prior' WHERE id = $1`, string(r.ID)); err != nil {
		t.Fatalf("assign ride: %v", err)
	}

	_, err := svc.MatchAndDispatch(ctx, r.ID)
	if !errors.Is(err, domain.ErrRideTaken) {
		t.Fatalf("expected ErrRideTaken, got %v", err)
	}
}

func TestAcceptSettlesWinnerAndSiblings(t *testing.T) {
	env := setupTestEnv(t)
	svc, rec := newTestService(env)
	ctx := context.Background()

	origin := testOrigin(5)
	r := seedRide(t, env, "rd_settle", origin)
	drivers := []types.ID{"d_set_0", "d_set_1", "d_set_2"}
	for i, id := range drivers {
		seedDriver(t, env, id, types.Point{Lat: origin.Lat + 0.005*float64(i+1), Lng: origin.Lng})
	}
	if _, err := svc.MatchAndDispatch(ctx, r.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	acc, err := svc.Accept(ctx, AcceptCommand{RideID: r.ID, DriverID: "d_set_1"})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if acc.DriverID != "d_set_1" || acc.EtaSeconds <= 0 {
		t.Fatalf("unexpected acceptance: %+v", acc)
	}

	got, err := env.rides.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("get ride: %v", err)
	}
	if got.Status != ride.StatusAccepted {
		t.Fatalf("expected ride accepted, got %s", got.Status)
	}
	if got.DriverID == nil || *got.DriverID != "d_set_1" {
		t.Fatalf("expected driver d_set_1, got %v", got.DriverID)
	}
	if got.AcceptedAt == nil {
		t.Fatal("expected accepted_at to be stamped")
	}

	offers, err := svc.Offers(ctx, r.ID)
	if err != nil {
		t.Fatalf("offers: %v", err)
	}
	counts := map[RequestStatus]int{}
	for _, q := range offers {
		counts[q.Status]++
		if q.RespondedAt == nil {
			t.Fatalf("offer for %s missing responded_at", q.DriverID)
		}
	}
	if counts[RequestAccepted] != 1 || counts[RequestTaken] != 2 {
		t.Fatalf("expected 1 accepted + 2 taken, got %v", counts)
	}

	// The winner's claim is in the database, not just the index.
	var claimed string
	err = env.db.QueryRow(ctx, `SELECT COALESCE(current_ride_id, '') FROM driver_locations WHERE driver_id = 'd_set_1'`).Scan(&claimed)
	if err != nil {
		t.Fatalf("read driver claim: %v", err)
	}
	if claimed != string(r.ID) {
		t.Fatalf("expected driver claimed by %s, got %q", r.ID, claimed)
	}

	if rec.matchCount() != 1 {
		t.Fatalf("expected 1 rider match notification, got %d", rec.matchCount())
	}
	if rec.takenCount() != 2 {
		t.Fatalf("expected 2 ride taken notifications, got %d", rec.takenCount())
	}

	check, err := svc.CanDriverAccept(ctx, r.ID, "d_set_0")
	if err != nil {
		t.Fatalf("can accept: %v", err)
	}
	if check.Allowed || check.Reason != ReasonNoPendingRequest {
		t.Fatalf("loser should have no pending request, got %+v", check)
	}
}

func TestAcceptWithoutOffer(t *testing.T) {
	env := setupTestEnv(t)
	svc, _ := newTestService(env)
	ctx := context.Background()

	origin := testOrigin(6)
	r := seedRide(t, env, "rd_nooffer", origin)
	seedDriver(t, env, "d_nooffer", types.Point{Lat: origin.Lat + 0.005, Lng: origin.Lng})

	_, err := svc.Accept(ctx, AcceptCommand{RideID: r.ID, DriverID: "d_nooffer"})
	if !errors.Is(err, domain.ErrNoPendingRequest) {
		t.Fatalf("expected ErrNoPendingRequest, got %v", err)
	}
}

func TestDeclineFlow(t *testing.T) {
	env := setupTestEnv(t)
	svc, _ := newTestService(env)
	ctx := context.Background()

	origin := testOrigin(7)
	r := seedRide(t, env, "rd_decline", origin)
	seedDriver(t, env, "d_dec_0", types.Point{Lat: origin.Lat + 0.005, Lng: origin.Lng})
	seedDriver(t, env, "d_dec_1", types.Point{Lat: origin.Lat + 0.01, Lng: origin.Lng})
	if _, err := svc.MatchAndDispatch(ctx, r.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	res, err := svc.Decline(ctx, DeclineCommand{RideID: r.ID, DriverID: "d_dec_0"})
	if err != nil {
		t.Fatalf("first decline: %v", err)
	}
	if res.RemainingOffers != 1 || res.WaveExhausted {
		t.Fatalf("expected one live offer left, got %+v", res)
	}

	res, err = svc.Decline(ctx, DeclineCommand{RideID: r.ID, DriverID: "d_dec_1"})
	if err != nil {
		t.Fatalf("second decline: %v", err)
	}
	if !res.WaveExhausted {
		t.Fatalf("expected exhausted wave, got %+v", res)
	}

	// Declining twice is a conflict.
	_, err = svc.Decline(ctx, DeclineCommand{RideID: r.ID, DriverID: "d_dec_0"})
	if !errors.Is(err, domain.ErrNoPendingRequest) {
		t.Fatalf("expected ErrNoPendingRequest, got %v", err)
	}

	// Exhaustion reopens the dispatch slot for an immediate second wave, but
	// the declined rows survive, so the same drivers are not offered again.
	res2, err := svc.MatchAndDispatch(ctx, r.ID)
	if err != nil {
		t.Fatalf("redispatch after exhaustion: %v", err)
	}
	if len(res2.Offered) != 0 {
		t.Fatalf("declined drivers re-offered: %+v", res2.Offered)
	}
}

func TestExpireStaleRespectsTTLBoundary(t *testing.T) {
	env := setupTestEnv(t)
	current := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	svc, _ := newTestService(env, WithClock(func() time.Time { return current }))
	ctx := context.Background()

	origin := testOrigin(8)
	r := seedRide(t, env, "rd_ttl", origin)
	seedDriver(t, env, "d_ttl_0", types.Point{Lat: origin.Lat + 0.005, Lng: origin.Lng})
	seedDriver(t, env, "d_ttl_1", types.Point{Lat: origin.Lat + 0.01, Lng: origin.Lng})

	start := current
	if _, err := svc.MatchAndDispatch(ctx, r.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	// TTL is 30s. At +29s and exactly +30s nothing expires; strictly after
	// the window the whole wave goes.
	for _, tc := range []struct {
		elapsed time.Duration
		want    int
	}{
		{29 * time.Second, 0},
		{30 * time.Second, 0},
		{31 * time.Second, 2},
	} {
		current = start.Add(tc.elapsed)
		n, err := svc.ExpireStale(ctx)
		if err != nil {
			t.Fatalf("expire at +%s: %v", tc.elapsed, err)
		}
		if n != tc.want {
			t.Fatalf("expire at +%s: expected %d, got %d", tc.elapsed, tc.want, n)
		}
	}

	offers, err := svc.Offers(ctx, r.ID)
	if err != nil {
		t.Fatalf("offers: %v", err)
	}
	for _, q := range offers {
		if q.Status != RequestExpired {
			t.Fatalf("expected expired, got %s for %s", q.Status, q.DriverID)
		}
	}

	check, err := svc.CanDriverAccept(ctx, r.ID, "d_ttl_0")
	if err != nil {
		t.Fatalf("can accept: %v", err)
	}
	if check.Allowed || check.Reason != ReasonNoPendingRequest {
		t.Fatalf("expired offer should not be acceptable, got %+v", check)
	}
}

func TestCanDriverAcceptReasons(t *testing.T) {
	env := setupTestEnv(t)
	svc, _ := newTestService(env)
	ctx := context.Background()

	origin := testOrigin(9)
	r := seedRide(t, env, "rd_check", origin)
	seedDriver(t, env, "d_chk", types.Point{Lat: origin.Lat + 0.005, Lng: origin.Lng})
	if _, err := svc.MatchAndDispatch(ctx, r.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	t.Run("allowed", func(t *testing.T) {
		check, err := svc.CanDriverAccept(ctx, r.ID, "d_chk")
		if err != nil {
			t.Fatalf("can accept: %v", err)
		}
		if !check.Allowed {
			t.Fatalf("expected allowed, got %+v", check)
		}
	})

	t.Run("no pending request", func(t *testing.T) {
		check, err := svc.CanDriverAccept(ctx, r.ID, "d_stranger")
		if err != nil {
			t.Fatalf("can accept: %v", err)
		}
		if check.Allowed || check.Reason != ReasonNoPendingRequest {
			t.Fatalf("expected no_pending_request, got %+v", check)
		}
	})

	t.Run("driver busy", func(t *testing.T) {
		if err := env.geo.MarkBusy(ctx, "d_chk", "some_other_ride"); err != nil {
			t.Fatalf("mark busy: %v", err)
		}
		check, err := svc.CanDriverAccept(ctx, r.ID, "d_chk")
		if err != nil {
			t.Fatalf("can accept: %v", err)
		}
		if check.Allowed || check.Reason != ReasonDriverBusy {
			t.Fatalf("expected driver_busy, got %+v", check)
		}
		if err := env.geo.ReleaseDriver(ctx, "d_chk"); err != nil {
			t.Fatalf("release: %v", err)
		}
	})

	t.Run("driver unavailable", func(t *testing.T) {
		if err := env.geo.SetAvailability(ctx, "d_chk", false); err != nil {
			t.Fatalf("set availability: %v", err)
		}
		check, err := svc.CanDriverAccept(ctx, r.ID, "d_chk")
		if err != nil {
			t.Fatalf("can accept: %v", err)
		}
		if check.Allowed || check.Reason != ReasonDriverUnavailable {
			t.Fatalf("expected driver_unavailable, got %+v", check)
		}
		if err := env.geo.SetAvailability(ctx, "d_chk", true); err != nil {
			t.Fatalf("restore availability: %v", err)
		}
	})

	t.Run("driver offline", func(t *testing.T) {
		if err := env.geo.GoOffline(ctx, "d_chk"); err != nil {
			t.Fatalf("go offline: %v", err)
		}
		check, err := svc.CanDriverAccept(ctx, r.ID, "d_chk")
		if err != nil {
			t.Fatalf("can accept: %v", err)
		}
		if check.Allowed || check.Reason != ReasonDriverOffline {
			t.Fatalf("expected driver_offline, got %+v", check)
		}
	})

	t.Run("ride gone", func(t *testing.T) {
		seedDriver(t, env, "d_chk", types.Point{Lat: origin.Lat + 0.005, Lng: origin.Lng})
		if _, err := env.db.Exec(ctx, `UPDATE rides SET status = 'cancelled' WHERE id = $1`, string(r.ID)); err != nil {
			t.Fatalf("cancel ride: %v", err)
		}
		check, err := svc.CanDriverAccept(ctx, r.ID, "d_chk")
		if err != nil {
			t.Fatalf("can accept: %v", err)
		}
		if check.Allowed || check.Reason != ReasonRideGone {
			t.Fatalf("expected ride_gone, got %+v", check)
		}
	})
}

func TestCloseForRideRetiresOffers(t *testing.T) {
	env := setupTestEnv(t)
	svc, rec := newTestService(env)
	ctx := context.Background()

	origin := testOrigin(10)
	r := seedRide(t, env, "rd_close", origin)
	seedDriver(t, env, "d_close_0", types.Point{Lat: origin.Lat + 0.005, Lng: origin.Lng})
	seedDriver(t, env, "d_close_1", types.Point{Lat: origin.Lat + 0.01, Lng: origin.Lng})
	if _, err := svc.MatchAndDispatch(ctx, r.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if err := svc.CloseForRide(ctx, r.ID); err != nil {
		t.Fatalf("close: %v", err)
	}

	offers, err := svc.Offers(ctx, r.ID)
	if err != nil {
		t.Fatalf("offers: %v", err)
	}
	for _, q := range offers {
		if q.Status != RequestExpired {
			t.Fatalf("expected expired, got %s", q.Status)
		}
	}
	if rec.takenCount() != 2 {
		t.Fatalf("expected 2 close notifications, got %d", rec.takenCount())
	}

	// Closing an already-clean ride is a no-op.
	if err := svc.CloseForRide(ctx, r.ID); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

// --- fakes ---

type fakePool struct {
	indexDown bool
	fallback  []geo.DriverLocation
}

func (p *fakePool) FindNearby(ctx context.Context, origin types.Point, radiusKm float64, limit int) ([]geo.DriverLocation, error) {
	if p.indexDown {
		return nil, domain.Unavailable("redis", errors.New("connection refused"))
	}
	return nil, nil
}

func (p *fakePool) FindNearbyFallback(ctx context.Context, origin types.Point, radiusKm float64, limit int) ([]geo.DriverLocation, error) {
	if limit > 0 && len(p.fallback) > limit {
		return p.fallback[:limit], nil
	}
	return p.fallback, nil
}

func (p *fakePool) Get(ctx context.Context, id types.ID) (geo.DriverLocation, error) {
	for _, loc := range p.fallback {
		if loc.DriverID == id {
			return loc, nil
		}
	}
	return geo.DriverLocation{}, domain.NotFound("driver location")
}

func (p *fakePool) MarkBusy(ctx context.Context, id, rideID types.ID) error { return nil }

type recordingNotifier struct {
	mu      sync.Mutex
	offers  []notify.DriverOffer
	waves   []notify.Wave
	matches []notify.Match
	takens  []notify.Taken
}

func (n *recordingNotifier) DriverOffered(ctx context.Context, o notify.DriverOffer) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offers = append(n.offers, o)
	return nil
}

func (n *recordingNotifier) WaveSent(ctx context.Context, w notify.Wave) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.waves = append(n.waves, w)
	return nil
}

func (n *recordingNotifier) RiderMatched(ctx context.Context, m notify.Match) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.matches = append(n.matches, m)
	return nil
}

func (n *recordingNotifier) RideTaken(ctx context.Context, tk notify.Taken) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.takens = append(n.takens, tk)
	return nil
}

func (n *recordingNotifier) StatusChanged(ctx context.Context, u notify.StatusUpdate) error {
	return nil
}

func (n *recordingNotifier) RideCancelled(ctx context.Context, c notify.Cancellation) error {
	return nil
}

func (n *recordingNotifier) offerCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.offers)
}

func (n *recordingNotifier) lastWave() (notify.Wave, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.waves) == 0 {
		return notify.Wave{}, false
	}
	return n.waves[len(n.waves)-1], true
}

func (n *recordingNotifier) matchCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.matches)
}

func (n *recordingNotifier) takenCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.takens)
}

// --- environment ---

type testEnv struct {
	db    *pgxpool.Pool
	rdb   *redis.Client
	store *Store
	cache *Cache
	geo   *geo.Service
	rides *ride.Store
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dsn := os.Getenv("WASIL_TEST_DSN")
	if dsn == "" {
		t.Skip("WASIL_TEST_DSN not set; skipping DB-backed tests")
	}
	redisAddr := os.Getenv("WASIL_REDIS_ADDR")
	if redisAddr == "" {
		t.Skip("WASIL_REDIS_ADDR not set; skipping Redis-backed tests")
	}

	ctx := context.Background()
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Fatalf("connect redis: %v", err)
	}
	t.Cleanup(func() { rdb.Close() })

	if err := applyMigration(ctx, db); err != nil {
		t.Fatalf("apply migration: %v", err)
	}
	if _, err := db.Exec(ctx, "TRUNCATE TABLE ride_status_events, ride_tracking, ride_requests, rides, driver_locations"); err != nil {
		t.Fatalf("truncate tables: %v", err)
	}

	geoStore := geo.NewStore(db, rdb)
	return &testEnv{
		db:    db,
		rdb:   rdb,
		store: NewStore(db),
		cache: NewCache(rdb),
		geo:   geo.NewService(geoStore, 5*time.Minute, testLogger()),
		rides: ride.NewStore(db),
	}
}

func newTestService(env *testEnv, opts ...Option) (*Service, *recordingNotifier) {
	rec := &recordingNotifier{}
	svc := NewService(env.store, env.cache, env.rides, env.geo, rec, testCfg(), testLogger(), opts...)
	return svc, rec
}

func testCfg() config.DispatchConfig {
	return config.DispatchConfig{
		RadiusKm:       8,
		FanoutSize:     3,
		OverfetchRatio: 2,
		RequestTTL:     30 * time.Second,
		SweepTick:      time.Second,
	}
}

// testOrigin spaces test neighborhoods far apart so one test's drivers never
// appear in another's radius search.
func testOrigin(slot int) types.Point {
	return types.Point{Lat: 43.238 + float64(slot)*0.5, Lng: 76.889}
}

func seedRide(t *testing.T, env *testEnv, riderID types.ID, pickup types.Point) *ride.Ride {
	t.Helper()
	r := &ride.Ride{
		ID:                   types.ID(fmt.Sprintf("ride_%s_%d", riderID, time.Now().UnixNano())),
		UUID:                 uuid.NewString(),
		RiderID:              riderID,
		RideType:             types.RideTypeStandard,
		Status:               ride.StatusRequested,
		StatusVersion:        1,
		Pickup:               pickup,
		Dropoff:              types.Point{Lat: pickup.Lat + 0.05, Lng: pickup.Lng},
		RoadCondition:        pricing.RoadPaved,
		EstimatedFare:        types.Money{Amount: 2910, Currency: "KZT"},
		EstimatedBreakdown:   pricing.FareBreakdown{Total: 2910, Currency: "KZT", SurgeMultiplier: 1.0},
		EstimatedDistanceKm:  5.2,
		EstimatedDurationSec: 900,
		RequestedAt:          time.Now().UTC(),
	}
	if err := env.rides.Create(context.Background(), r); err != nil {
		t.Fatalf("seed ride: %v", err)
	}
	return r
}

func seedDriver(t *testing.T, env *testEnv, id types.ID, pos types.Point) {
	t.Helper()
	_, err := env.geo.Heartbeat(context.Background(), geo.Heartbeat{
		DriverID: id,
		Position: pos,
		SpeedKmh: 20,
	})
	if err != nil {
		t.Fatalf("seed driver %s: %v", id, err)
	}
	t.Cleanup(func() {
		_ = env.geo.GoOffline(context.Background(), id)
	})
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func applyMigration(ctx context.Context, db *pgxpool.Pool) error {
	root, err := repoRoot()
	if err != nil {
		return err
	}
	for _, name := range []string{"0001_init.sql", "0002_fare_rates.sql"} {
		path := filepath.Join(root, "migrations", name)
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		cleaned := stripSQLComments(string(content))
		for _, stmt := range splitSQL(cleaned) {
			if _, err := db.Exec(ctx, stmt); err != nil {
				return err
			}
		}
	}
	return nil
}

func repoRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for i := 0; i < 6; i++ {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", os.ErrNotExist
}

func stripSQLComments(input string) string {
	var b strings.Builder
	scanner := bufio.NewScanner(strings.NewReader(input))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}
		b.WriteString(scanner.Text())
		b.WriteString("\n")
	}
	return b.String()
}

func splitSQL(input string) []string {
	parts := strings.Split(input, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		stmt := strings.TrimSpace(p)
		if stmt == "" {
			continue
		}
		out = append(out, stmt)
	}
	return out
}
