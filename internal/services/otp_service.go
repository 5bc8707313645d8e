package services

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/SenTheOpsGuy/chillconnect-platform-sub002/internal/config"
	"github.com/SenTheOpsGuy/chillconnect-platform-sub002/internal/database"
	"github.com/SenTheOpsGuy/chillconnect-platform-sub002/internal/models"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	// OTPLength is the length of the OTP code
	OTPLength = 6

	otpMin = 100000
	otpMax = 999999
)

// ErrMalformedOTP indicates a code that is not six digits
var ErrMalformedOTP = errors.New("completion code must be 6 digits")

// OTPService issues and verifies completion codes. Only a bcrypt hash is
// stored; one live code exists per booking.
type OTPService struct {
	store database.Store
	cfg   config.OTPConfig
	now   func() time.Time
}

// NewOTPService creates a new OTP service
func NewOTPService(store database.Store, cfg config.OTPConfig) *OTPService {
	return &OTPService{store: store, cfg: cfg, now: time.Now}
}

// Issue generates a code for the booking, replacing any live one
func (s *OTPService) Issue(ctx context.Context, bookingID uuid.UUID) (string, time.Time, error) {
	return s.issue(ctx, s.store, bookingID)
}

func (s *OTPService) issue(ctx context.Context, tx database.Tx, bookingID uuid.UUID) (string, time.Time, error) {
	code, err := generateCompletionCode()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to generate OTP: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(code), s.bcryptCost())
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to hash OTP: %w", err)
	}

	now := s.now()
	rec := &models.OTPRecord{
		Purpose:   models.OTPPurposeCompletion,
		BookingID: bookingID,
		CodeHash:  string(hash),
		ExpiresAt: now.Add(s.cfg.Expiry),
		CreatedAt: now,
	}
	if err := tx.OTPs().Upsert(ctx, rec); err != nil {
		return "", time.Time{}, fmt.Errorf("failed to store OTP: %w", err)
	}
	return code, rec.ExpiresAt, nil
}

// Verify checks code against the live record and consumes it on a match
func (s *OTPService) Verify(ctx context.Context, bookingID uuid.UUID, code string) (bool, error) {
	return s.verifyAndConsume(ctx, s.store, bookingID, code)
}

// verifyAndConsume runs inside the caller's transaction so the code is spent
// only if the rest of the unit of work commits
func (s *OTPService) verifyAndConsume(ctx context.Context, tx database.Tx, bookingID uuid.UUID, code string) (bool, error) {
	if !isOTPFormat(code) {
		return false, ErrMalformedOTP
	}

	rec, err := tx.OTPs().Find(ctx, models.OTPPurposeCompletion, bookingID)
	if errors.Is(err, database.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load OTP: %w", err)
	}

	if rec.IsExpired(s.now()) {
		if _, err := tx.OTPs().Delete(ctx, models.OTPPurposeCompletion, bookingID); err != nil {
			return false, fmt.Errorf("failed to drop expired OTP: %w", err)
		}
		return false, nil
	}

	if bcrypt.CompareHashAndPassword([]byte(rec.CodeHash), []byte(code)) != nil {
		return false, nil
	}

	// a concurrent verifier may have spent it first
	deleted, err := tx.OTPs().Delete(ctx, models.OTPPurposeCompletion, bookingID)
	if err != nil {
		return false, fmt.Errorf("failed to consume OTP: %w", err)
	}
	return deleted, nil
}

func (s *OTPService) bcryptCost() int {
	if s.cfg.BcryptCost < bcrypt.MinCost {
		return bcrypt.DefaultCost
	}
	return s.cfg.BcryptCost
}

// generateCompletionCode draws uniformly from [100000, 999999]
func generateCompletionCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(otpMax-otpMin+1))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d", n.Int64()+otpMin), nil
}

func isOTPFormat(code string) bool {
	if len(code) != OTPLength {
		return false
	}
	for _, c := range code {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
