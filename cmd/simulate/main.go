package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/hackgods/clinic-slot-booking/internal/config"
	"github.com/hackgods/clinic-slot-booking/internal/db"
	"github.com/hackgods/clinic-slot-booking/internal/logging"
)

type SimConfig struct {
	APIBaseURL      string
	Duration        time.Duration
	Workers         int
	BookingRatio    float64
	RescheduleRatio float64
	CancelRatio     float64
	ReadRatio       float64
	PatientLimit    int
	SlotLimit       int
	PostgresDSN     string
}

type slotTarget struct {
	ID       uuid.UUID
	DoctorID uuid.UUID
	StartsAt time.Time
}

type booked struct {
	ID       uuid.UUID
	DoctorID uuid.UUID
}

type DataPool struct {
	Patients []string // emails
	Slots    []slotTarget
	byDoctor map[uuid.UUID][]slotTarget

	mu           sync.RWMutex
	appointments []booked
}

func (dp *DataPool) AddAppointment(b booked) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, b)
}

func (dp *DataPool) RandomAppointment(rng *rand.Rand) (booked, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.appointments) == 0 {
		return booked{}, false
	}
	return dp.appointments[rng.IntN(len(dp.appointments))], true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, status int, err error, want int) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case err == nil && status == want:
		atomic.AddInt64(&om.Success, 1)
	case err == nil && status == http.StatusConflict:
		atomic.AddInt64(&om.Conflict, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, lo, hi, p50, p95 time.Duration) {
	om.mu.Lock()
	latencies := slices.Clone(om.Latencies)
	om.mu.Unlock()

	if len(latencies) == 0 {
		return 0, 0, 0, 0, 0
	}
	slices.Sort(latencies)

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	pct := func(p int) time.Duration {
		return latencies[min(len(latencies)*p/100, len(latencies)-1)]
	}
	return sum / time.Duration(len(latencies)), latencies[0], latencies[len(latencies)-1], pct(50), pct(95)
}

type Metrics struct {
	Booking       OperationMetrics
	Reschedule    OperationMetrics
	Cancel        OperationMetrics
	ReadByID      OperationMetrics
	ListByPatient OperationMetrics
	Availability  OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	log     *logrus.Logger
	metrics Metrics
}

func main() {
	baseCfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}
	log, err := logging.New(baseCfg.Env, baseCfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}

	cfg := loadConfig(baseCfg)
	if err := validateConfig(cfg); err != nil {
		log.WithError(err).Fatal("invalid config")
	}

	log.WithFields(logrus.Fields{
		"duration":   cfg.Duration,
		"workers":    cfg.Workers,
		"booking":    cfg.BookingRatio,
		"reschedule": cfg.RescheduleRatio,
		"cancel":     cfg.CancelRatio,
		"read":       cfg.ReadRatio,
	}).Info("simulator starting")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.WithError(err).Fatal("connect postgres")
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		log.WithError(err).Fatal("load data pool")
	}
	log.WithFields(logrus.Fields{
		"patients": len(dataPool.Patients),
		"slots":    len(dataPool.Slots),
	}).Info("data pool loaded")

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
	}

	if err := sim.Run(context.Background()); err != nil {
		log.WithError(err).Fatal("simulation failed")
	}
	sim.PrintReport()
}

func loadConfig(base config.Config) SimConfig {
	cfg := SimConfig{
		APIBaseURL:      getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:        getDuration("SIM_DURATION", 30*time.Second),
		Workers:         getInt("SIM_WORKERS", 10),
		BookingRatio:    getFloat("SIM_BOOKING_RATIO", 0.4),
		RescheduleRatio: getFloat("SIM_RESCHEDULE_RATIO", 0.15),
		CancelRatio:     getFloat("SIM_CANCEL_RATIO", 0.15),
		ReadRatio:       getFloat("SIM_READ_RATIO", 0.3),
		PatientLimit:    getInt("SIM_PATIENT_LIMIT", 4000),
		SlotLimit:       getInt("SIM_SLOT_LIMIT", 2400),
		PostgresDSN:     base.PostgresDSN,
	}

	total := cfg.BookingRatio + cfg.RescheduleRatio + cfg.CancelRatio + cfg.ReadRatio
	if total > 0 {
		cfg.BookingRatio /= total
		cfg.RescheduleRatio /= total
		cfg.CancelRatio /= total
		cfg.ReadRatio /= total
	}
	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required (set in .env or environment)")
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	return nil
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	dataPool := &DataPool{byDoctor: make(map[uuid.UUID][]slotTarget)}

	rows, err := pool.Query(ctx, `SELECT email FROM patients ORDER BY created_at LIMIT $1`, cfg.PatientLimit)
	if err != nil {
		return nil, fmt.Errorf("load patients: %w", err)
	}
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			rows.Close()
			return nil, err
		}
		dataPool.Patients = append(dataPool.Patients, email)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load patients: %w", err)
	}

	rows, err = pool.Query(ctx, `
		SELECT id, doctor_id, starts_at FROM appointment_slots
		WHERE starts_at > now()
		ORDER BY starts_at
		LIMIT $1
	`, cfg.SlotLimit)
	if err != nil {
		return nil, fmt.Errorf("load slots: %w", err)
	}
	for rows.Next() {
		var s slotTarget
		if err := rows.Scan(&s.ID, &s.DoctorID, &s.StartsAt); err != nil {
			rows.Close()
			return nil, err
		}
		dataPool.Slots = append(dataPool.Slots, s)
		dataPool.byDoctor[s.DoctorID] = append(dataPool.byDoctor[s.DoctorID], s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load slots: %w", err)
	}

	if len(dataPool.Patients) == 0 {
		return nil, fmt.Errorf("no patients loaded")
	}
	if len(dataPool.Slots) == 0 {
		return nil, fmt.Errorf("no slots loaded")
	}
	return dataPool, nil
}

func (s *Simulator) Run(parent context.Context) error {
	ctx, cancel := context.WithTimeout(parent, s.config.Duration)
	defer cancel()

	s.log.Infof("starting simulation for %s with %d workers", s.config.Duration, s.config.Workers)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.config.Workers; i++ {
		g.Go(func() error {
			s.worker(gctx, uint64(i))
			return nil
		})
	}
	err := g.Wait()

	s.log.Info("simulation complete")
	return err
}

func (s *Simulator) worker(ctx context.Context, workerID uint64) {
	rng := rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), workerID))

	for ctx.Err() == nil {
		r := rng.Float64()
		switch {
		case r < s.config.BookingRatio:
			s.doBooking(ctx, rng)
		case r < s.config.BookingRatio+s.config.RescheduleRatio:
			s.doReschedule(ctx, rng)
		case r < s.config.BookingRatio+s.config.RescheduleRatio+s.config.CancelRatio:
			s.doCancel(ctx, rng)
		default:
			switch rng.IntN(3) {
			case 0:
				s.doReadByID(ctx, rng)
			case 1:
				s.doListByPatient(ctx, rng)
			case 2:
				s.doAvailability(ctx, rng)
			}
		}
	}
}

// call sends body as JSON and decodes a successful response into out.
func (s *Simulator) call(ctx context.Context, method, path string, body, out any) (int, time.Duration, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, 0, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, &buf)
	if err != nil {
		return 0, 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return 0, latency, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < http.StatusBadRequest {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, latency, err
		}
	}
	return resp.StatusCode, latency, nil
}

func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand) {
	target := s.pool.Slots[rng.IntN(len(s.pool.Slots))]
	patient := s.pool.Patients[rng.IntN(len(s.pool.Patients))]

	var resp struct {
		ID uuid.UUID `json:"id"`
	}
	status, latency, err := s.call(ctx, http.MethodPost, "/appointments", map[string]string{
		"doctor":       target.DoctorID.String(),
		"patient":      patient,
		"scheduled_at": target.StartsAt.Format(time.RFC3339),
		"category":     "simulated",
	}, &resp)
	if ctx.Err() != nil {
		return
	}
	if err == nil && status == http.StatusCreated && resp.ID != uuid.Nil {
		s.pool.AddAppointment(booked{ID: resp.ID, DoctorID: target.DoctorID})
	}
	s.metrics.Booking.Record(latency, status, err, http.StatusCreated)
}

func (s *Simulator) doReschedule(ctx context.Context, rng *rand.Rand) {
	appt, ok := s.pool.RandomAppointment(rng)
	if !ok {
		return
	}
	candidates := s.pool.byDoctor[appt.DoctorID]
	target := candidates[rng.IntN(len(candidates))]

	status, latency, err := s.call(ctx, http.MethodPost, "/appointments/"+appt.ID.String()+"/reschedule", map[string]string{
		"scheduled_at": target.StartsAt.Format(time.RFC3339),
	}, nil)
	if ctx.Err() != nil {
		return
	}
	s.metrics.Reschedule.Record(latency, status, err, http.StatusOK)
}

func (s *Simulator) doCancel(ctx context.Context, rng *rand.Rand) {
	appt, ok := s.pool.RandomAppointment(rng)
	if !ok {
		return
	}

	status, latency, err := s.call(ctx, http.MethodPost, "/appointments/"+appt.ID.String()+"/cancel", nil, nil)
	if ctx.Err() != nil {
		return
	}
	s.metrics.Cancel.Record(latency, status, err, http.StatusOK)
}

func (s *Simulator) doReadByID(ctx context.Context, rng *rand.Rand) {
	appt, ok := s.pool.RandomAppointment(rng)
	if !ok {
		return
	}

	status, latency, err := s.call(ctx, http.MethodGet, "/appointments/"+appt.ID.String(), nil, nil)
	if ctx.Err() != nil {
		return
	}
	s.metrics.ReadByID.Record(latency, status, err, http.StatusOK)
}

func (s *Simulator) doListByPatient(ctx context.Context, rng *rand.Rand) {
	patient := s.pool.Patients[rng.IntN(len(s.pool.Patients))]

	status, latency, err := s.call(ctx, http.MethodGet, "/appointments?patient="+url.QueryEscape(patient), nil, nil)
	if ctx.Err() != nil {
		return
	}
	s.metrics.ListByPatient.Record(latency, status, err, http.StatusOK)
}

func (s *Simulator) doAvailability(ctx context.Context, rng *rand.Rand) {
	target := s.pool.Slots[rng.IntN(len(s.pool.Slots))]

	status, latency, err := s.call(ctx, http.MethodGet, "/slots/"+target.ID.String()+"/availability", nil, nil)
	if ctx.Err() != nil {
		return
	}
	s.metrics.Availability.Record(latency, status, err, http.StatusOK)
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Println()

	printOperationReport("Booking", &s.metrics.Booking)
	printOperationReport("Reschedule", &s.metrics.Reschedule)
	printOperationReport("Cancel", &s.metrics.Cancel)
	printOperationReport("Read by ID", &s.metrics.ReadByID)
	printOperationReport("List by Patient", &s.metrics.ListByPatient)
	printOperationReport("Slot Availability", &s.metrics.Availability)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)

	avg, lo, hi, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), lo.Round(time.Millisecond), hi.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
