// README: Concurrency tests for dispatch settlement (env-gated).
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/Kuany4953/wasil-sub001/internal/domain"
	"github.com/Kuany4953/wasil-sub001/internal/modules/ride"
	"github.com/Kuany4953/wasil-sub001/internal/types"
)

func TestConcurrentAcceptOneWinner(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	cfg := testCfg()
	cfg.FanoutSize = 5
	rec := &recordingNotifier{}
	svc := NewService(env.store, env.cache, env.rides, env.geo, rec, cfg, testLogger())

	origin := testOrigin(20)
	r := seedRide(t, env, "rd_race_win", origin)
	drivers := make([]types.ID, 5)
	for i := range drivers {
		drivers[i] = types.ID(fmt.Sprintf("d_race_%d", i))
		seedDriver(t, env, drivers[i], types.Point{Lat: origin.Lat + 0.004*float64(i+1), Lng: origin.Lng})
	}
	if _, err := svc.MatchAndDispatch(ctx, r.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	start := make(chan struct{})
	errs := make(chan error, len(drivers))
	var wg sync.WaitGroup
	for _, id := range drivers {
		wg.Add(1)
		go func(driverID types.ID) {
			defer wg.Done()
			<-start
			_, err := svc.Accept(ctx, AcceptCommand{RideID: r.ID, DriverID: driverID})
			errs <- err
		}(id)
	}
	close(start)
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
			continue
		}
		if !errors.Is(err, domain.ErrConflict) {
			t.Fatalf("loser got unexpected error: %v", err)
		}
	}
	if success != 1 {
		t.Fatalf("expected exactly one winner, got %d", success)
	}

	got, err := env.rides.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("get ride: %v", err)
	}
	if got.Status != ride.StatusAccepted || got.DriverID == nil {
		t.Fatalf("expected accepted ride with driver, got %s %v", got.Status, got.DriverID)
	}

	offers, err := svc.Offers(ctx, r.ID)
	if err != nil {
		t.Fatalf("offers: %v", err)
	}
	counts := map[RequestStatus]int{}
	for _, q := range offers {
		counts[q.Status]++
	}
	if counts[RequestAccepted] != 1 || counts[RequestTaken] != 4 {
		t.Fatalf("expected 1 accepted + 4 taken, got %v", counts)
	}

	var claimed string
	err = env.db.QueryRow(ctx, `SELECT COALESCE(current_ride_id, '') FROM driver_locations WHERE driver_id = $1`, string(*got.DriverID)).Scan(&claimed)
	if err != nil {
		t.Fatalf("read winner claim: %v", err)
	}
	if claimed != string(r.ID) {
		t.Fatalf("winner claim mismatch: %q", claimed)
	}

	if rec.matchCount() != 1 {
		t.Fatalf("expected 1 rider match, got %d", rec.matchCount())
	}
	if rec.takenCount() != 4 {
		t.Fatalf("expected 4 taken notifications, got %d", rec.takenCount())
	}
}

func TestConcurrentAcceptTwoRidesSameDriver(t *testing.T) {
	env := setupTestEnv(t)
	svc, _ := newTestService(env)
	ctx := context.Background()

	origin := testOrigin(21)
	seedDriver(t, env, "d_double", types.Point{Lat: origin.Lat + 0.005, Lng: origin.Lng})
	rideA := seedRide(t, env, "rd_double_a", origin)
	rideB := seedRide(t, env, "rd_double_b", origin)
	for _, r := range []*ride.Ride{rideA, rideB} {
		if _, err := svc.MatchAndDispatch(ctx, r.ID); err != nil {
			t.Fatalf("dispatch %s: %v", r.ID, err)
		}
	}

	start := make(chan struct{})
	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for _, r := range []*ride.Ride{rideA, rideB} {
		wg.Add(1)
		go func(rideID types.ID) {
			defer wg.Done()
			<-start
			_, err := svc.Accept(ctx, AcceptCommand{RideID: rideID, DriverID: "d_double"})
			errs <- err
		}(r.ID)
	}
	close(start)
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
			continue
		}
		if !errors.Is(err, domain.ErrDriverBusy) {
			t.Fatalf("loser got unexpected error: %v", err)
		}
	}
	if success != 1 {
		t.Fatalf("driver accepted %d rides, want 1", success)
	}

	accepted := 0
	for _, r := range []*ride.Ride{rideA, rideB} {
		got, err := env.rides.Get(ctx, r.ID)
		if err != nil {
			t.Fatalf("get %s: %v", r.ID, err)
		}
		switch got.Status {
		case ride.StatusAccepted:
			accepted++
			if got.DriverID == nil || *got.DriverID != "d_double" {
				t.Fatalf("accepted ride has wrong driver: %v", got.DriverID)
			}
		case ride.StatusRequested:
			// The losing ride keeps its pending offer and can be re-settled
			// once the driver frees up.
			if has, err := env.store.HasPending(ctx, r.ID, "d_double"); err != nil || !has {
				t.Fatalf("losing ride lost its pending offer: has=%v err=%v", has, err)
			}
		default:
			t.Fatalf("unexpected status %s for %s", got.Status, r.ID)
		}
	}
	if accepted != 1 {
		t.Fatalf("expected exactly one accepted ride, got %d", accepted)
	}
}

func TestConcurrentDispatchSingleWave(t *testing.T) {
	env := setupTestEnv(t)
	svc, _ := newTestService(env)
	ctx := context.Background()

	origin := testOrigin(22)
	r := seedRide(t, env, "rd_race_wave", origin)
	seedDriver(t, env, "d_wave_race", types.Point{Lat: origin.Lat + 0.005, Lng: origin.Lng})

	start := make(chan struct{})
	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := svc.MatchAndDispatch(ctx, r.ID)
			errs <- err
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
			continue
		}
		if !errors.Is(err, domain.ErrDispatchInFlight) {
			t.Fatalf("unexpected dispatch error: %v", err)
		}
	}
	if success != 1 {
		t.Fatalf("expected exactly one wave, got %d", success)
	}

	n, err := env.store.PendingCount(ctx, r.ID)
	if err != nil {
		t.Fatalf("pending count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected a single offer row, got %d", n)
	}
}
