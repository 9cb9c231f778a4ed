package service

import (
	"webshield/internal/config"
	"webshield/internal/models"
	"webshield/internal/repository"

	zlog "github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

// AuthService verifies admin credentials against Postgres.
type AuthService struct {
	cfg    *config.Config
	pgRepo *repository.PostgresRepository
}

func NewAuthService(cfg *config.Config, pg *repository.PostgresRepository) *AuthService {
	return &AuthService{cfg: cfg, pgRepo: pg}
}

// CheckPassword verifies the first authentication factor. It returns
// false for unknown users and wrong passwords alike.
func (s *AuthService) CheckPassword(username, password string) bool {
	if s.pgRepo == nil {
		return false
	}
	admin, err := s.pgRepo.GetAdmin(username)
	if err != nil {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(admin.PasswordHash), []byte(password)) == nil
}

func (s *AuthService) HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), 14)
	return string(bytes), err
}

func (s *AuthService) CreateAdmin(username, password, role string) (*models.AdminAccount, error) {
	hash, err := s.HashPassword(password)
	if err != nil {
		return nil, err
	}
	if role == "" {
		role = "operator"
	}
	admin := models.AdminAccount{
		Username:     username,
		PasswordHash: hash,
		Role:         role,
	}
	if err := s.pgRepo.CreateAdmin(admin); err != nil {
		return nil, err
	}
	return &admin, nil
}

// EnsureBootstrapAdmin creates the configured GUI admin on first start
// so a fresh deployment is reachable.
func (s *AuthService) EnsureBootstrapAdmin() {
	if s.pgRepo == nil {
		return
	}
	if _, err := s.pgRepo.GetAdmin(s.cfg.GUIAdmin); err == nil {
		return
	}
	if _, err := s.CreateAdmin(s.cfg.GUIAdmin, s.cfg.GUIPassword, "admin"); err != nil {
		zlog.Error().Err(err).Msg("Failed to create bootstrap admin")
		return
	}
	zlog.Info().Str("username", s.cfg.GUIAdmin).Msg("Created bootstrap admin account")
}
