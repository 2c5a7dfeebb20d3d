package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/sirupsen/logrus"

	"github.com/hackgods/clinic-slot-booking/internal/appointment"
	"github.com/hackgods/clinic-slot-booking/internal/config"
	"github.com/hackgods/clinic-slot-booking/internal/db"
	"github.com/hackgods/clinic-slot-booking/internal/directory"
	"github.com/hackgods/clinic-slot-booking/internal/logging"
	"github.com/hackgods/clinic-slot-booking/internal/slot"
)

const (
	doctorCount  = 40
	patientCount = 4000
	slotDays     = 14
	firstHour    = 8
	lastHour     = 17 // exclusive
)

var specialties = []string{
	"Dermatology",
	"Cardiology",
	"General Practice",
	"Orthopedics",
	"Endocrinology",
	"Neurology",
	"Pediatrics",
	"Psychiatry",
	"Ophthalmology",
	"ENT",
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}
	log, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	if cfg.InMemory() {
		log.Fatal("POSTGRES_DSN is required")
	}

	log.Info("seed starting")
	ctx := context.Background()

	if cfg.AutoMigrate {
		if err := db.Migrate(cfg.PostgresDSN, log); err != nil {
			log.WithError(err).Fatal("migrate")
		}
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	pool, err := db.ConnectPostgres(connCtx, cfg.PostgresDSN)
	cancel()
	if err != nil {
		log.WithError(err).Fatal("connect postgres")
	}
	defer pool.Close()

	dir := directory.NewService(directory.NewPgRepository(pool), log)
	booking := appointment.NewService(dir, appointment.NewPgRepository(pool), nil, log)
	if err := booking.Restore(ctx); err != nil {
		log.WithError(err).Fatal("restore booking state")
	}

	doctors, err := seedDoctors(ctx, dir, doctorCount, log)
	if err != nil {
		log.WithError(err).Fatal("seed doctors")
	}
	if err := seedPatients(ctx, dir, patientCount, log); err != nil {
		log.WithError(err).Fatal("seed patients")
	}
	if err := seedSlots(ctx, booking, doctors, cfg.Location, log); err != nil {
		log.WithError(err).Fatal("seed slots")
	}

	log.Info("seed complete")
}

// skippable reports fake records that collided with existing data or failed validation.
func skippable(err error) bool {
	return errors.Is(err, directory.ErrDuplicateIdentifier) || errors.Is(err, directory.ErrInvalidInput)
}

func seedDoctors(ctx context.Context, dir *directory.Service, count int, log *logrus.Logger) ([]*directory.Doctor, error) {
	log.WithField("count", count).Info("seeding doctors")

	doctors := make([]*directory.Doctor, 0, count)
	for attempts := 0; len(doctors) < count && attempts < count*3; attempts++ {
		d, err := dir.RegisterDoctor(ctx, directory.DoctorInput{
			Name:               "Dr. " + gofakeit.Name(),
			RegistrationNumber: gofakeit.Numerify("CRM-######"),
			NationalID:         gofakeit.Numerify("###########"),
			Specialty:          specialties[gofakeit.Number(0, len(specialties)-1)],
		})
		if skippable(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		doctors = append(doctors, d)
	}

	log.WithField("count", len(doctors)).Info("doctors seeded")
	return doctors, nil
}

func seedPatients(ctx context.Context, dir *directory.Service, count int, log *logrus.Logger) error {
	log.WithField("count", count).Info("seeding patients")

	seeded := 0
	for attempts := 0; seeded < count && attempts < count*3; attempts++ {
		_, err := dir.RegisterPatient(ctx, directory.PatientInput{
			Name:       gofakeit.Name(),
			Email:      gofakeit.Email(),
			NationalID: gofakeit.Numerify("###########"),
			Contact:    gofakeit.Numerify("(##)#########"),
		})
		if skippable(err) {
			continue
		}
		if err != nil {
			return err
		}
		seeded++
		if seeded%500 == 0 {
			log.Infof("patients seeded: %d/%d", seeded, count)
		}
	}

	log.WithField("count", seeded).Info("patients seeded")
	return nil
}

// seedSlots opens hourly slots on weekdays for the coming days.
func seedSlots(ctx context.Context, booking *appointment.Service, doctors []*directory.Doctor, loc *time.Location, log *logrus.Logger) error {
	today := time.Now().In(loc)
	y, m, d := today.Date()
	first := time.Date(y, m, d, 0, 0, 0, 0, loc).AddDate(0, 0, 1)

	created := 0
	for _, doc := range doctors {
		for day := 0; day < slotDays; day++ {
			date := first.AddDate(0, 0, day)
			if wd := date.Weekday(); wd == time.Saturday || wd == time.Sunday {
				continue
			}
			for hour := firstHour; hour < lastHour; hour++ {
				startsAt := date.Add(time.Duration(hour) * time.Hour)
				_, err := booking.CreateSlot(ctx, doc.ID.String(), startsAt, gofakeit.Number(1, 4))
				if errors.Is(err, slot.ErrDuplicateSlot) {
					continue
				}
				if err != nil {
					return fmt.Errorf("doctor %s at %s: %w", doc.ID, startsAt, err)
				}
				created++
			}
		}
	}

	log.WithField("count", created).Info("slots seeded")
	return nil
}
