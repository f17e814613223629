// README: Fare rate store tests against a real database (env-gated).
package pricing

import (
	"bufio"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Kuany4953/wasil-sub001/internal/domain"
	"github.com/Kuany4953/wasil-sub001/internal/types"
)

func TestStore_GetRate_Seeded(t *testing.T) {
	store := NewStore(setupTestDB(t))
	ctx := context.Background()

	for _, rt := range []types.RideType{types.RideTypeEconomyMoto, types.RideTypeStandard, types.RideTypePremium} {
		got, err := store.GetRate(ctx, rt)
		if err != nil {
			t.Fatalf("GetRate(%s): %v", rt, err)
		}
		want, _ := DefaultRate(rt)
		if got != want {
			t.Errorf("GetRate(%s) = %+v, want the seeded defaults %+v", rt, got, want)
		}
	}
}

func TestStore_GetRate_Missing(t *testing.T) {
	store := NewStore(setupTestDB(t))

	_, err := store.GetRate(context.Background(), "suv")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("GetRate(suv) error = %v, want not found", err)
	}
}

func TestStore_UpsertRate_RoundTrip(t *testing.T) {
	db := setupTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	updated, _ := DefaultRate(types.RideTypePremium)
	updated.BaseFare = 900
	updated.PerKm = 500
	updated.MinimumFare = 2500

	if err := store.UpsertRate(ctx, updated); err != nil {
		t.Fatalf("UpsertRate: %v", err)
	}

	got, err := store.GetRate(ctx, types.RideTypePremium)
	if err != nil {
		t.Fatalf("GetRate: %v", err)
	}
	if got != updated {
		t.Errorf("GetRate = %+v, want %+v", got, updated)
	}
}

// The service must prefer a persisted row over the compiled-in defaults.
func TestService_Quote_PrefersPersistedRate(t *testing.T) {
	db := setupTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	custom, _ := DefaultRate(types.RideTypeStandard)
	custom.BaseFare = 999
	if err := store.UpsertRate(ctx, custom); err != nil {
		t.Fatalf("UpsertRate: %v", err)
	}

	noon := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	svc := NewService(store, WithClock(func() time.Time { return noon }))
	got, err := svc.Quote(ctx, QuoteInput{DistanceKm: 1, DurationSec: 60, RideType: types.RideTypeStandard, Surge: 1.0})
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	if got.BaseFare != 999 {
		t.Errorf("BaseFare = %d, want the persisted 999", got.BaseFare)
	}
}

// setupTestDB connects, migrates, and resets fare_rates to the defaults so a
// crashed earlier run cannot leak mutated rates into this one.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dsn := os.Getenv("WASIL_TEST_DSN")
	if dsn == "" {
		t.Skip("WASIL_TEST_DSN not set; skipping DB-backed tests")
	}

	ctx := context.Background()
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := applyMigration(ctx, db); err != nil {
		t.Fatalf("apply migration: %v", err)
	}
	store := NewStore(db)
	for _, rate := range defaultRates {
		if err := store.UpsertRate(ctx, rate); err != nil {
			t.Fatalf("reset rate %s: %v", rate.RideType, err)
		}
	}
	return db
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
