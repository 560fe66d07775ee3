// README: Bench cases; environment checks, the negotiation happy path, error mapping, races and load.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusSkip = "SKIP"
)

type Runner struct {
	cfg   Config
	httpc *http.Client
	db    *pgxpool.Pool
	redis *redis.Client
}

type Result struct {
	Status  string
	Latency time.Duration
	Note    string
}

type TestCase struct {
	Name string
	Run  func(ctx context.Context, r *Runner) Result
}

func NewRunner(cfg Config) *Runner {
	return &Runner{
		cfg:   cfg,
		httpc: &http.Client{Timeout: 10 * time.Second},
	}
}

func (r *Runner) RunAll(ctx context.Context) []Result {
	if r.cfg.DSN != "" {
		if db, err := pgxpool.New(ctx, r.cfg.DSN); err == nil {
			r.db = db
		}
	}
	if r.cfg.RedisAddr != "" {
		r.redis = redis.NewClient(&redis.Options{Addr: r.cfg.RedisAddr})
	}

	tests := r.cases()
	results := make([]Result, 0, len(tests))
	for _, tc := range tests {
		res := tc.Run(ctx, r)
		results = append(results, res)
		fmt.Printf("%-5s %s", res.Status, tc.Name)
		if res.Latency > 0 {
			fmt.Printf(" (%s)", res.Latency)
		}
		if res.Note != "" {
			fmt.Printf(" - %s", res.Note)
		}
		fmt.Println()
	}

	if r.db != nil {
		r.db.Close()
	}
	if r.redis != nil {
		_ = r.redis.Close()
	}
	return results
}

func (r *Runner) cases() []TestCase {
	return []TestCase{
		{Name: "Env: Postgres connect", Run: checkPostgres},
		{Name: "Env: Redis connect", Run: checkRedis},
		{Name: "Migration: apply (optional)", Run: applyMigration},
		{Name: "Migration: tables exist", Run: checkTables},
		{Name: "API: health", Run: func(ctx context.Context, r *Runner) Result {
			return r.expect(ctx, http.MethodGet, "/health", "", nil, http.StatusOK)
		}},
		{Name: "API: metrics exposed", Run: func(ctx context.Context, r *Runner) Result {
			return r.expect(ctx, http.MethodGet, "/metrics", "", nil, http.StatusOK)
		}},
		{Name: "API: missing token -> 401", Run: func(ctx context.Context, r *Runner) Result {
			return r.expect(ctx, http.MethodPost, "/api/bookings", "", newBookingBody(), http.StatusUnauthorized)
		}},
		{Name: "Booking: validation -> 422", Run: func(ctx context.Context, r *Runner) Result {
			if res, ok := r.needTokens(); !ok {
				return res
			}
			body := newBookingBody()
			delete(body, "vehicle_category")
			return r.expect(ctx, http.MethodPost, "/api/bookings", r.cfg.PassengerToken, body, http.StatusUnprocessableEntity)
		}},
		{Name: "Negotiation: offer, accept, pay, confirm", Run: happyPath},
		{Name: "Negotiation: accept without offer -> 409", Run: func(ctx context.Context, r *Runner) Result {
			if res, ok := r.needTokens(); !ok {
				return res
			}
			id, err := r.createBooking(ctx)
			if err != nil {
				return Result{Status: StatusFail, Note: err.Error()}
			}
			return r.expect(ctx, http.MethodPost, "/api/bookings/"+id+"/accept", r.cfg.PassengerToken, nil, http.StatusConflict)
		}},
		{Name: "Concurrency: accept vs decline", Run: acceptVersusDecline},
		{Name: "Concurrency: repeated offers are idempotent", Run: repeatedOffers},
		{Name: "Perf: booking create throughput", Run: func(ctx context.Context, r *Runner) Result {
			if res, ok := r.needTokens(); !ok {
				return res
			}
			return perfLoad(ctx, r, "/api/bookings", r.cfg.PassengerToken, newBookingBody())
		}},
	}
}

func checkPostgres(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return Result{Status: StatusSkip, Note: "db not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := r.db.Ping(ctx); err != nil {
		return Result{Status: StatusFail, Note: err.Error()}
	}
	return Result{Status: StatusPass}
}

func checkRedis(ctx context.Context, r *Runner) Result {
	if r.redis == nil {
		return Result{Status: StatusSkip, Note: "redis not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := r.redis.Ping(ctx).Err(); err != nil {
		return Result{Status: StatusFail, Note: err.Error()}
	}
	return Result{Status: StatusPass}
}

func applyMigration(ctx context.Context, r *Runner) Result {
	if !r.cfg.ApplyMigration {
		return Result{Status: StatusSkip, Note: "apply-migration=false"}
	}
	if r.db == nil {
		return Result{Status: StatusFail, Note: "db not configured"}
	}
	sql, err := os.ReadFile(r.cfg.MigrationPath)
	if err != nil {
		return Result{Status: StatusFail, Note: err.Error()}
	}
	for _, s := range splitSQL(string(sql)) {
		if _, err := r.db.Exec(ctx, s); err != nil {
			return Result{Status: StatusFail, Note: err.Error()}
		}
	}
	return Result{Status: StatusPass}
}

func checkTables(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return Result{Status: StatusSkip, Note: "db not configured"}
	}
	tables, err := extractTables(r.cfg.MigrationPath)
	if err != nil {
		return Result{Status: StatusFail, Note: err.Error()}
	}
	for _, t := range tables {
		var exists bool
		err := r.db.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name=$1)",
			t,
		).Scan(&exists)
		if err != nil {
			return Result{Status: StatusFail, Note: err.Error()}
		}
		if !exists {
			return Result{Status: StatusFail, Note: "missing table: " + t}
		}
	}
	return Result{Status: StatusPass, Note: fmt.Sprintf("%d tables", len(tables))}
}

func happyPath(ctx context.Context, r *Runner) Result {
	if res, ok := r.needTokens(); !ok {
		return res
	}
	start := time.Now()
	id, err := r.createBooking(ctx)
	if err != nil {
		return Result{Status: StatusFail, Note: err.Error()}
	}
	base := "/api/bookings/" + id
	steps := []struct {
		path, token string
		body        any
		want        string
	}{
		{"/offer", r.cfg.DriverToken, map[string]any{"amount": 12000}, "offer_sent"},
		{"/accept", r.cfg.PassengerToken, nil, "awaiting_payment"},
		{"/payment/sent", r.cfg.PassengerToken, nil, "payment_submitted"},
		{"/payment/received", r.cfg.DriverToken, nil, "all_set"},
	}
	for _, s := range steps {
		code, body, err := r.do(ctx, http.MethodPost, base+s.path, s.token, s.body)
		if err != nil {
			return Result{Status: StatusFail, Note: err.Error()}
		}
		if code != http.StatusOK {
			return Result{Status: StatusFail, Note: fmt.Sprintf("%s: status=%d", s.path, code)}
		}
		if got := projectionStatus(body); got != s.want {
			return Result{Status: StatusFail, Note: fmt.Sprintf("%s: booking status %q, want %q", s.path, got, s.want)}
		}
	}
	return Result{Status: StatusPass, Latency: time.Since(start), Note: "booking " + id}
}

// acceptVersusDecline races one accept against one decline on the same offer;
// exactly one must commit and the other must see a conflict.
func acceptVersusDecline(ctx context.Context, r *Runner) Result {
	if res, ok := r.needTokens(); !ok {
		return res
	}
	id, err := r.createBooking(ctx)
	if err != nil {
		return Result{Status: StatusFail, Note: err.Error()}
	}
	base := "/api/bookings/" + id
	if code, _, err := r.do(ctx, http.MethodPost, base+"/offer", r.cfg.DriverToken, map[string]any{"amount": 12000}); err != nil || code != http.StatusOK {
		return Result{Status: StatusFail, Note: fmt.Sprintf("offer: status=%d err=%v", code, err)}
	}

	codes := raceRequests(ctx, r, []string{base + "/accept", base + "/decline"}, r.cfg.PassengerToken)
	ok, conflict := 0, 0
	for _, c := range codes {
		switch c {
		case http.StatusOK:
			ok++
		case http.StatusConflict:
			conflict++
		}
	}
	if ok != 1 || conflict != 1 {
		return Result{Status: StatusFail, Note: fmt.Sprintf("codes=%v", codes)}
	}
	return Result{Status: StatusPass, Note: fmt.Sprintf("codes=%v", codes)}
}

// repeatedOffers sends the same offer concurrently; every call must succeed
// and the booking must hold a single offer.
func repeatedOffers(ctx context.Context, r *Runner) Result {
	if res, ok := r.needTokens(); !ok {
		return res
	}
	id, err := r.createBooking(ctx)
	if err != nil {
		return Result{Status: StatusFail, Note: err.Error()}
	}
	base := "/api/bookings/" + id
	paths := make([]string, r.cfg.Concurrency)
	for i := range paths {
		paths[i] = base + "/offer"
	}
	codes := raceBodies(ctx, r, paths, r.cfg.DriverToken, map[string]any{"amount": 12000})
	failed := 0
	for _, c := range codes {
		if c != http.StatusOK && c != http.StatusConflict {
			failed++
		}
	}
	if failed > 0 {
		return Result{Status: StatusFail, Note: fmt.Sprintf("codes=%v", codes)}
	}
	_, body, err := r.do(ctx, http.MethodGet, base+"/timeline", r.cfg.DriverToken, nil)
	if err != nil {
		return Result{Status: StatusFail, Note: err.Error()}
	}
	var tl struct {
		Entries []struct {
			Code string `json:"code"`
		} `json:"entries"`
	}
	_ = json.Unmarshal(body, &tl)
	offers := 0
	for _, e := range tl.Entries {
		if e.Code == "offer_sent" {
			offers++
		}
	}
	if offers != 1 {
		return Result{Status: StatusFail, Note: fmt.Sprintf("offer_sent entries=%d", offers)}
	}
	return Result{Status: StatusPass, Note: fmt.Sprintf("requests=%d", len(codes))}
}

func raceRequests(ctx context.Context, r *Runner, paths []string, token string) []int {
	return raceBodies(ctx, r, paths, token, nil)
}

func raceBodies(ctx context.Context, r *Runner, paths []string, token string, body any) []int {
	codes := make([]int, len(paths))
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i, p := range paths {
		wg.Add(1)
		go func(i int, p string) {
			defer wg.Done()
			<-start
			code, _, err := r.do(ctx, http.MethodPost, p, token, body)
			if err != nil {
				code = -1
			}
			codes[i] = code
		}(i, p)
	}
	close(start)
	wg.Wait()
	return codes
}

func perfLoad(ctx context.Context, r *Runner, path, token string, payload any) Result {
	end := time.Now().Add(r.cfg.Duration)
	var count, errCount int64
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(end) && ctx.Err() == nil {
				code, _, err := r.do(ctx, http.MethodPost, path, token, payload)
				mu.Lock()
				if err != nil || code >= 500 {
					errCount++
				} else {
					count++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if count == 0 {
		return Result{Status: StatusFail, Note: "no requests completed"}
	}
	rps := float64(count) / r.cfg.Duration.Seconds()
	return Result{Status: StatusPass, Note: fmt.Sprintf("rps=%.1f errors=%d", rps, errCount)}
}

func (r *Runner) needTokens() (Result, bool) {
	if r.cfg.PassengerToken == "" || r.cfg.DriverToken == "" {
		return Result{Status: StatusSkip, Note: "passenger and driver tokens required"}, false
	}
	return Result{}, true
}

func (r *Runner) createBooking(ctx context.Context) (string, error) {
	code, body, err := r.do(ctx, http.MethodPost, "/api/bookings", r.cfg.PassengerToken, newBookingBody())
	if err != nil {
		return "", err
	}
	if code != http.StatusCreated {
		return "", fmt.Errorf("create booking: status=%d body=%s", code, body)
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &out); err != nil || out.ID == "" {
		return "", fmt.Errorf("create booking: bad body %s", body)
	}
	return out.ID, nil
}

func (r *Runner) expect(ctx context.Context, method, path, token string, body any, want int) Result {
	start := time.Now()
	code, _, err := r.do(ctx, method, path, token, body)
	if err != nil {
		return Result{Status: StatusFail, Note: err.Error()}
	}
	status := StatusPass
	if code != want {
		status = StatusFail
	}
	return Result{Status: status, Latency: time.Since(start), Note: fmt.Sprintf("status=%d", code)}
}

func (r *Runner) do(ctx context.Context, method, path, token string, body any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.cfg.BaseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := r.httpc.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	return resp.StatusCode, out, err
}

func newBookingBody() map[string]any {
	return map[string]any{
		"pickup":           map[string]float64{"lat": 25.033, "lng": 121.565},
		"dropoff":          map[string]float64{"lat": 25.0478, "lng": 121.5318},
		"pickup_at":        time.Now().Add(2 * time.Hour).UTC().Format(time.RFC3339),
		"vehicle_category": "sedan",
	}
}

func projectionStatus(body []byte) string {
	var out struct {
		Projection struct {
			Status string `json:"status"`
		} `json:"projection"`
	}
	_ = json.Unmarshal(body, &out)
	return out.Projection.Status
}

func extractTables(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	re := regexp.MustCompile(`(?i)create\s+table\s+if\s+not\s+exists\s+([a-zA-Z0-9_]+)`)
	matches := re.FindAllStringSubmatch(string(b), -1)
	tables := make([]string, 0, len(matches))
	for _, m := range matches {
		tables = append(tables, m[1])
	}
	return tables, nil
}

func splitSQL(sql string) []string {
	lines := strings.Split(sql, "\n")
	filtered := make([]string, 0, len(lines))
	for _, line := range lines {
		l := strings.TrimSpace(line)
		if strings.HasPrefix(l, "--") || l == "" {
			continue
		}
		filtered = append(filtered, line)
	}
	parts := strings.Split(strings.Join(filtered, "\n"), ";")
	stmts := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}
