package repository

import (
	"strconv"
	"time"

	"webshield/internal/models"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
)

type PostgresRepository struct {
	db *sqlx.DB
}

func NewPostgresRepository(url string) (*PostgresRepository, error) {
	db, err := sqlx.Connect("pgx", url)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgresRepository{db: db}, nil
}

// --- Admin accounts ---

func (p *PostgresRepository) GetAdmin(username string) (*models.AdminAccount, error) {
	var admin models.AdminAccount
	err := p.db.Get(&admin, "SELECT username, password_hash, role FROM admins WHERE username = $1", username)
	if err != nil {
		return nil, err
	}
	return &admin, nil
}

func (p *PostgresRepository) CreateAdmin(admin models.AdminAccount) error {
	if admin.Role == "" {
		admin.Role = "operator"
	}
	_, err := p.db.NamedExec("INSERT INTO admins (username, password_hash, role) VALUES (:username, :password_hash, :role)", admin)
	return err
}

func (p *PostgresRepository) UpdateAdminPassword(username, hash string) error {
	_, err := p.db.Exec("UPDATE admins SET password_hash = $1 WHERE username = $2", hash, username)
	return err
}

// --- Security event log ---

func (p *PostgresRepository) InsertEvent(ev models.SecurityEvent) error {
	_, err := p.db.Exec(
		"INSERT INTO security_events (event_type, severity, message, ip_address, username, detail) VALUES ($1, $2, $3, $4, $5, $6)",
		ev.EventType, ev.Severity, ev.Message, ev.IPAddress, ev.Username, ev.Detail)
	return err
}

func (p *PostgresRepository) GetEvents(limit, offset int, eventType, severity string) ([]models.SecurityEvent, error) {
	query := "SELECT id, timestamp, event_type, severity, message, ip_address, username, detail FROM security_events WHERE 1=1"
	args := []interface{}{}
	if eventType != "" {
		args = append(args, eventType)
		query += " AND event_type = $" + strconv.Itoa(len(args))
	}
	if severity != "" {
		args = append(args, severity)
		query += " AND severity = $" + strconv.Itoa(len(args))
	}
	args = append(args, limit)
	query += " ORDER BY timestamp DESC LIMIT $" + strconv.Itoa(len(args))
	args = append(args, offset)
	query += " OFFSET $" + strconv.Itoa(len(args))

	var events []models.SecurityEvent
	err := p.db.Select(&events, query, args...)
	return events, err
}

// EventStats returns total events plus the count of high/critical events
// in the last 24 hours.
func (p *PostgresRepository) EventStats() (total int, highSeverity24h int, err error) {
	if err = p.db.Get(&total, "SELECT COUNT(*) FROM security_events"); err != nil {
		return
	}
	err = p.db.Get(&highSeverity24h,
		"SELECT COUNT(*) FROM security_events WHERE severity IN ('high', 'critical') AND timestamp > NOW() - INTERVAL '24 hours'")
	return
}

func (p *PostgresRepository) CleanupOldEvents(days int) error {
	_, err := p.db.Exec("DELETE FROM security_events WHERE timestamp < NOW() - ($1 || ' days')::interval", days)
	return err
}

// --- TOTP enrollment ---

func (p *PostgresRepository) GetMFASettings(username string) (*models.MFASettings, error) {
	var m models.MFASettings
	err := p.db.Get(&m, "SELECT username, secret, enrolled_at FROM user_mfa WHERE username = $1", username)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (p *PostgresRepository) SaveMFASecret(username, secret string) error {
	_, err := p.db.Exec(
		"INSERT INTO user_mfa (username, secret, enrolled_at) VALUES ($1, $2, NOW()) ON CONFLICT (username) DO UPDATE SET secret = $2, enrolled_at = NOW()",
		username, secret)
	return err
}

func (p *PostgresRepository) DeleteMFASettings(username string) error {
	if _, err := p.db.Exec("DELETE FROM mfa_backup_codes WHERE username = $1", username); err != nil {
		return err
	}
	_, err := p.db.Exec("DELETE FROM user_mfa WHERE username = $1", username)
	return err
}

// ReplaceBackupCodes stores a fresh set of backup code hashes, dropping
// any previous set.
func (p *PostgresRepository) ReplaceBackupCodes(username string, codeHashes []string) error {
	tx, err := p.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM mfa_backup_codes WHERE username = $1", username); err != nil {
		return err
	}
	for _, h := range codeHashes {
		if _, err := tx.Exec("INSERT INTO mfa_backup_codes (username, code_hash) VALUES ($1, $2)", username, h); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ConsumeBackupCode deletes the matching backup code and reports whether
// one was present. The DELETE makes single use atomic: two concurrent
// submissions of the same code cannot both succeed.
func (p *PostgresRepository) ConsumeBackupCode(username, codeHash string) (bool, error) {
	res, err := p.db.Exec("DELETE FROM mfa_backup_codes WHERE username = $1 AND code_hash = $2", username, codeHash)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (p *PostgresRepository) CountBackupCodes(username string) (int, error) {
	var count int
	err := p.db.Get(&count, "SELECT COUNT(*) FROM mfa_backup_codes WHERE username = $1", username)
	return count, err
}

// --- Threat intelligence ---

func (p *PostgresRepository) UpsertThreatReport(t models.ThreatReport) error {
	_, err := p.db.NamedExec(`INSERT INTO threat_intelligence (ip_address, abuse_score, threat_level, country_code, isp, total_reports, is_malicious, last_checked)
		VALUES (:ip_address, :abuse_score, :threat_level, :country_code, :isp, :total_reports, :is_malicious, NOW())
		ON CONFLICT (ip_address) DO UPDATE SET abuse_score = :abuse_score, threat_level = :threat_level, country_code = :country_code, isp = :isp, total_reports = :total_reports, is_malicious = :is_malicious, last_checked = NOW()`, t)
	return err
}

func (p *PostgresRepository) GetThreatReport(ip string) (*models.ThreatReport, error) {
	var t models.ThreatReport
	err := p.db.Get(&t, "SELECT ip_address, abuse_score, threat_level, country_code, isp, total_reports, is_malicious, last_checked FROM threat_intelligence WHERE ip_address = $1", ip)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (p *PostgresRepository) GetMaliciousIPs(limit int) ([]models.ThreatReport, error) {
	var reports []models.ThreatReport
	err := p.db.Select(&reports, "SELECT ip_address, abuse_score, threat_level, country_code, isp, total_reports, is_malicious, last_checked FROM threat_intelligence WHERE is_malicious = TRUE ORDER BY abuse_score DESC LIMIT $1", limit)
	return reports, err
}
