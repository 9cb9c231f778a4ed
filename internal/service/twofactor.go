package service

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	"webshield/internal/config"
	"webshield/internal/metrics"
	"webshield/internal/models"
	"webshield/internal/repository"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	zlog "github.com/rs/zerolog/log"
	"github.com/skip2/go-qrcode"
)

const (
	// 10 random bytes make an 80-bit secret, 16 base32 characters.
	totpSecretBytes = 10

	backupCodeCount  = 8
	backupCodeDigits = 8

	enrollmentTTL = 10 * time.Minute
)

var (
	ErrNotEnrolled         = errors.New("two-factor authentication not enrolled")
	ErrNoPendingEnrollment = errors.New("no pending enrollment")
	ErrInvalidCode         = errors.New("invalid verification code")
)

var totpOpts = totp.ValidateOpts{
	Period:    30,
	Skew:      1,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// TOTPService manages TOTP enrollment and verification. Enrollments are
// provisional until the user proves possession of the secret with one
// valid code; until then the secret lives only in Redis with a short
// TTL and the account's login flow is unchanged.
type TOTPService struct {
	cfg       *config.Config
	redisRepo *repository.RedisRepository
	pgRepo    *repository.PostgresRepository
	audit     *AuditService
}

func NewTOTPService(cfg *config.Config, rRepo *repository.RedisRepository, pgRepo *repository.PostgresRepository, audit *AuditService) *TOTPService {
	return &TOTPService{
		cfg:       cfg,
		redisRepo: rRepo,
		pgRepo:    pgRepo,
		audit:     audit,
	}
}

func (s *TOTPService) IsEnrolled(username string) bool {
	m, err := s.pgRepo.GetMFASettings(username)
	return err == nil && m != nil
}

// BeginEnrollment creates a provisional secret for username and returns
// the session plus a QR code as a PNG data URL. Starting a new
// enrollment replaces any earlier pending one.
func (s *TOTPService) BeginEnrollment(username string) (*models.EnrollmentSession, string, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.cfg.TOTPIssuer,
		AccountName: username,
		SecretSize:  totpSecretBytes,
	})
	if err != nil {
		return nil, "", err
	}

	sess := models.EnrollmentSession{
		Secret:          key.Secret(),
		ProvisioningURI: key.URL(),
	}
	if err := s.redisRepo.SetPendingEnrollment(username, sess, enrollmentTTL); err != nil {
		return nil, "", err
	}

	png, err := qrcode.Encode(key.URL(), qrcode.Medium, 256)
	if err != nil {
		return nil, "", err
	}
	dataURL := "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)

	return &sess, dataURL, nil
}

// ConfirmEnrollment commits the pending secret once the user submits a
// valid code for it. On success it returns the freshly generated backup
// codes in plaintext; this is the only time they are visible.
func (s *TOTPService) ConfirmEnrollment(username, code string) ([]string, error) {
	sess, err := s.redisRepo.GetPendingEnrollment(username)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrNoPendingEnrollment
	}

	valid, err := totp.ValidateCustom(code, sess.Secret, time.Now().UTC(), totpOpts)
	if err != nil || !valid {
		metrics.MetricTOTPVerifications.WithLabelValues("failure").Inc()
		return nil, ErrInvalidCode
	}

	if err := s.pgRepo.SaveMFASecret(username, sess.Secret); err != nil {
		return nil, err
	}
	codes, err := s.issueBackupCodes(username)
	if err != nil {
		return nil, err
	}
	if err := s.redisRepo.DeletePendingEnrollment(username); err != nil {
		zlog.Error().Err(err).Str("username", username).Msg("Failed to delete pending enrollment")
	}

	metrics.MetricTOTPVerifications.WithLabelValues("success").Inc()
	s.audit.Log("mfa_enrolled", "low",
		fmt.Sprintf("Two-factor authentication enabled for %q", username), "", username, nil)
	return codes, nil
}

// Verify checks a login-time code for username. Six digits are treated
// as a TOTP code, eight as a backup code; a backup code is consumed on
// success and never works twice.
func (s *TOTPService) Verify(username, code string) (bool, error) {
	m, err := s.pgRepo.GetMFASettings(username)
	if err != nil || m == nil {
		return false, ErrNotEnrolled
	}

	var ok bool
	switch len(code) {
	case 6:
		ok, err = totp.ValidateCustom(code, m.Secret, time.Now().UTC(), totpOpts)
		if err != nil {
			ok = false
		}
	case backupCodeDigits:
		ok, err = s.pgRepo.ConsumeBackupCode(username, hashBackupCode(code))
		if err != nil {
			return false, err
		}
		if ok {
			s.audit.Log("backup_code_used", "medium",
				fmt.Sprintf("Backup code consumed for %q", username), "", username, nil)
		}
	}

	if ok {
		metrics.MetricTOTPVerifications.WithLabelValues("success").Inc()
	} else {
		metrics.MetricTOTPVerifications.WithLabelValues("failure").Inc()
	}
	return ok, nil
}

// RegenerateBackupCodes replaces the remaining codes with a fresh set.
func (s *TOTPService) RegenerateBackupCodes(username string) ([]string, error) {
	if !s.IsEnrolled(username) {
		return nil, ErrNotEnrolled
	}
	codes, err := s.issueBackupCodes(username)
	if err != nil {
		return nil, err
	}
	s.audit.Log("backup_codes_regenerated", "low",
		fmt.Sprintf("Backup codes regenerated for %q", username), "", username, nil)
	return codes, nil
}

func (s *TOTPService) RemainingBackupCodes(username string) (int, error) {
	return s.pgRepo.CountBackupCodes(username)
}

// Disable removes the enrollment and all backup codes.
func (s *TOTPService) Disable(username string) error {
	if err := s.pgRepo.DeleteMFASettings(username); err != nil {
		return err
	}
	s.audit.Log("mfa_disabled", "medium",
		fmt.Sprintf("Two-factor authentication disabled for %q", username), "", username, nil)
	return nil
}

func (s *TOTPService) issueBackupCodes(username string) ([]string, error) {
	codes := make([]string, 0, backupCodeCount)
	hashes := make([]string, 0, backupCodeCount)
	for i := 0; i < backupCodeCount; i++ {
		code, err := randomDigits(backupCodeDigits)
		if err != nil {
			return nil, err
		}
		codes = append(codes, code)
		hashes = append(hashes, hashBackupCode(code))
	}
	if err := s.pgRepo.ReplaceBackupCodes(username, hashes); err != nil {
		return nil, err
	}
	return codes, nil
}

// randomDigits draws n decimal digits from crypto/rand.
func randomDigits(n int) (string, error) {
	max := big.NewInt(1)
	for i := 0; i < n; i++ {
		max.Mul(max, big.NewInt(10))
	}
	v, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", n, v), nil
}

func hashBackupCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}
