package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"lawconnect/auth"
	"lawconnect/bidding"
	"lawconnect/cases"
	"lawconnect/message"
	"lawconnect/test/actors"
	"lawconnect/test/chaos"
	"lawconnect/test/infra"
	"lawconnect/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 30*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent actors")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

// oracleRetries bounds consecutive oracle queries lost to chaos before the run fails.
const oracleRetries = 3

func TestBiddingConcurrency(t *testing.T) {
	if testing.Short() {
		t.Skip("stress run skipped in -short mode")
	}
	seed := *flSeed
	rand.Seed(seed)

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
		pgC = &infra.PGContainer{}
	case os.Getenv("STRESS_TEST_PG_DSN") != "":
		dsn = os.Getenv("STRESS_TEST_PG_DSN")
		usedShared = true
		pgC = &infra.PGContainer{}
	case dockerAvailable(ctx):
		pgC, dsn, err = infra.StartPostgres16(ctx, "")
		if err != nil {
			t.Fatalf("start postgres: %v", err)
		}
	default:
		dsn, err = infra.InitLocalDatabase(ctx)
		if err != nil {
			t.Skipf("no database available: %v", err)
		}
		pgC = &infra.PGContainer{}
	}
	defer pgC.Terminate(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	world := mustSeed(t, ctx, pool)

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	g.Go(func() error { return actors.Poster(ctx2, world, stop) })
	for i := 0; i < *flConcurrency; i++ {
		g.Go(func() error { return actors.Bidder(ctx2, world, stop) })
		g.Go(func() error { return actors.Acceptor(ctx2, world, stop) })
	}
	g.Go(func() error { return actors.Withdrawer(ctx2, world, stop) })
	g.Go(func() error { return actors.Chatter(ctx2, world, stop) })
	g.Go(func() error { return actors.Chatter(ctx2, world, stop) })
	go chaos.TerminateRandomBackend(ctx2, pool, infra.AppName, stop)

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
	lost := 0
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx2.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				if lost++; lost > oracleRetries {
					t.Fatalf("oracle error: %v", err)
				}
				t.Logf("oracle query lost, retrying: %v", err)
				continue
			}
			lost = 0
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v (seed=%d)", err, seed)
		}
	}

	// One last pass once everything is quiet.
	name, row, err := oracles.Run(context.Background(), pool)
	if err != nil {
		t.Fatalf("final oracle error: %v", err)
	}
	if name != "" {
		t.Fatalf("Oracle %s failed after quiesce. First row: %s (seed=%d)", name, row, seed)
	}
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

func mustSeed(t *testing.T, ctx context.Context, pool *pgxpool.Pool) *actors.World {
	t.Helper()
	seedUsers := func(role auth.Role, n int) []auth.Principal {
		out := make([]auth.Principal, 0, n)
		for i := 0; i < n; i++ {
			var id string
			name := fmt.Sprintf("%s %d", role, i)
			email := fmt.Sprintf("%s-%d-%d@example.com", role, i, rand.Int63())
			if err := pool.QueryRow(ctx,
				`INSERT INTO users (email, full_name, role) VALUES ($1, $2, $3) RETURNING id::text`,
				email, name, string(role),
			).Scan(&id); err != nil {
				t.Fatalf("seed %s: %v", role, err)
			}
			out = append(out, auth.Principal{ID: id, Role: role, Name: name})
		}
		return out
	}

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	caseRepo := cases.NewRepository(pool)
	bids := bidding.NewService(pool, caseRepo).WithLogger(quiet)
	chat := message.NewStore(message.NewRepository(pool), bids.Guard()).WithLogger(quiet)

	return &actors.World{
		Pool:      pool,
		Bids:      bids,
		Chat:      chat,
		Owners:    seedUsers(auth.RoleClient, 3),
		Providers: seedUsers(auth.RoleProvider, 6),
	}
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"bids", `SELECT id, case_id, provider_id, status, accepted_at, updated_at FROM bids ORDER BY updated_at DESC LIMIT 50`},
		{"cases", `SELECT id, status, updated_at FROM cases ORDER BY updated_at DESC LIMIT 20`},
		{"case_events", `SELECT id, case_id, type, created_at FROM case_events ORDER BY id DESC LIMIT 50`},
		{"messages", `SELECT id, case_id, sender_id, receiver_id, seq FROM messages ORDER BY seq DESC LIMIT 20`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
