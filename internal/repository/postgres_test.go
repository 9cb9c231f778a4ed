package repository

import (
	"context"
	"testing"
	"time"

	"webshield/internal/models"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestPostgresRepository_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()

	pgContainer, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("webshield"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("5432/tcp").WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("failed to start container: %s", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("failed to terminate container: %s", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %s", err)
	}

	m, err := migrate.New("file://../../cmd/server/migrations", connStr)
	if err != nil {
		t.Fatalf("failed to init migrate: %v", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		t.Fatalf("failed to run migrations: %v", err)
	}

	repo, err := NewPostgresRepository(connStr)
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}

	t.Run("AdminOperations", func(t *testing.T) {
		admin := models.AdminAccount{
			Username:     "admin_test",
			PasswordHash: "hashed_pass",
			Role:         "admin",
		}
		if err := repo.CreateAdmin(admin); err != nil {
			t.Errorf("CreateAdmin failed: %v", err)
		}
		got, err := repo.GetAdmin(admin.Username)
		if err != nil {
			t.Fatalf("GetAdmin failed: %v", err)
		}
		if got.Role != "admin" {
			t.Errorf("expected role admin, got %q", got.Role)
		}

		if err := repo.UpdateAdminPassword(admin.Username, "new_hash"); err != nil {
			t.Errorf("UpdateAdminPassword failed: %v", err)
		}
		got, _ = repo.GetAdmin(admin.Username)
		if got.PasswordHash != "new_hash" {
			t.Errorf("expected updated hash, got %q", got.PasswordHash)
		}
	})

	t.Run("SecurityEvents", func(t *testing.T) {
		ev := models.SecurityEvent{
			EventType: "sql_injection",
			Severity:  "high",
			Message:   "Blocked GET /wp-login.php (sql_injection)",
			IPAddress: "6.6.6.6",
		}
		if err := repo.InsertEvent(ev); err != nil {
			t.Fatalf("InsertEvent failed: %v", err)
		}

		events, err := repo.GetEvents(10, 0, "sql_injection", "")
		if err != nil {
			t.Fatalf("GetEvents failed: %v", err)
		}
		if len(events) != 1 || events[0].IPAddress != "6.6.6.6" {
			t.Errorf("unexpected events: %+v", events)
		}

		// Filter that matches nothing
		events, err = repo.GetEvents(10, 0, "sql_injection", "low")
		if err != nil {
			t.Fatalf("GetEvents with filter failed: %v", err)
		}
		if len(events) != 0 {
			t.Errorf("expected no low severity events, got %d", len(events))
		}

		total, high24h, err := repo.EventStats()
		if err != nil {
			t.Fatalf("EventStats failed: %v", err)
		}
		if total != 1 || high24h != 1 {
			t.Errorf("expected 1/1, got %d/%d", total, high24h)
		}
	})

	t.Run("MFALifecycle", func(t *testing.T) {
		const user = "admin_test"

		if err := repo.SaveMFASecret(user, "JBSWY3DPEHPK3PXP"); err != nil {
			t.Fatalf("SaveMFASecret failed: %v", err)
		}
		m, err := repo.GetMFASettings(user)
		if err != nil || m.Secret != "JBSWY3DPEHPK3PXP" {
			t.Fatalf("GetMFASettings failed: %+v err=%v", m, err)
		}

		hashes := []string{"aaaa", "bbbb", "cccc"}
		if err := repo.ReplaceBackupCodes(user, hashes); err != nil {
			t.Fatalf("ReplaceBackupCodes failed: %v", err)
		}
		count, _ := repo.CountBackupCodes(user)
		if count != 3 {
			t.Errorf("expected 3 backup codes, got %d", count)
		}

		ok, err := repo.ConsumeBackupCode(user, "bbbb")
		if err != nil || !ok {
			t.Fatalf("ConsumeBackupCode failed: ok=%v err=%v", ok, err)
		}
		// Single use: the same code never works twice
		ok, err = repo.ConsumeBackupCode(user, "bbbb")
		if err != nil {
			t.Fatalf("second ConsumeBackupCode errored: %v", err)
		}
		if ok {
			t.Error("consumed code must not work twice")
		}
		count, _ = repo.CountBackupCodes(user)
		if count != 2 {
			t.Errorf("expected 2 backup codes left, got %d", count)
		}

		if err := repo.DeleteMFASettings(user); err != nil {
			t.Fatalf("DeleteMFASettings failed: %v", err)
		}
		if _, err := repo.GetMFASettings(user); err == nil {
			t.Error("expected settings gone after delete")
		}
		count, _ = repo.CountBackupCodes(user)
		if count != 0 {
			t.Errorf("expected backup codes removed with settings, got %d", count)
		}
	})

	t.Run("ThreatReports", func(t *testing.T) {
		report := models.ThreatReport{
			IPAddress:    "8.8.8.8",
			AbuseScore:   80,
			ThreatLevel:  "critical",
			CountryCode:  "US",
			ISP:          "Example ISP",
			TotalReports: 42,
			IsMalicious:  true,
		}
		if err := repo.UpsertThreatReport(report); err != nil {
			t.Fatalf("UpsertThreatReport failed: %v", err)
		}

		// Upsert replaces, never duplicates
		report.AbuseScore = 90
		if err := repo.UpsertThreatReport(report); err != nil {
			t.Fatalf("second UpsertThreatReport failed: %v", err)
		}

		got, err := repo.GetThreatReport("8.8.8.8")
		if err != nil {
			t.Fatalf("GetThreatReport failed: %v", err)
		}
		if got.AbuseScore != 90 {
			t.Errorf("expected updated score 90, got %d", got.AbuseScore)
		}

		malicious, err := repo.GetMaliciousIPs(10)
		if err != nil {
			t.Fatalf("GetMaliciousIPs failed: %v", err)
		}
		if len(malicious) != 1 {
			t.Errorf("expected 1 malicious IP, got %d", len(malicious))
		}
	})
}
