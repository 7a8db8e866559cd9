//go:generate mockgen -source ./service.go -destination=./mocks/service.go -package=token_mocks
package token

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/swapden/handover/internal/geo"
	"github.com/swapden/handover/internal/metrics"
	"github.com/swapden/handover/internal/repository"
)

var ErrBadPayload = errors.New("bad payload")

const (
	// DefaultValidity applies to tokens created through the legacy path.
	DefaultValidity = 24 * time.Hour

	DefaultMaxScanAttempts   = 5
	DefaultMaxDistanceMeters = 100

	minExtensionMinutes = 1
	maxExtensionMinutes = 30
)

type TokenRepo interface {
	Create(ctx context.Context, token *repository.DeliveryToken) error
	GetByID(ctx context.Context, id string) (*repository.DeliveryToken, error)
	Update(ctx context.Context, token *repository.DeliveryToken) error
	IncrementScanAttempts(ctx context.Context, id string) (int, error)
}

// Cascade is invoked after a token completes so the parent exchange can be
// settled once all its tokens are confirmed.
type Cascade interface {
	OnTokenCompleted(ctx context.Context, exchangeID string) error
}

// Cache receives token state changes so read paths can skip the store for
// active tokens. Optional: a nil cache disables it.
type Cache interface {
	Set(token *repository.DeliveryToken)
	Delete(tokenID string)
}

type Service struct {
	repo    TokenRepo
	cascade Cascade
	cache   Cache
	logger  *zap.Logger
	now     func() time.Time
}

func NewService(repo TokenRepo, cascade Cascade, cache Cache, logger *zap.Logger) *Service {
	return &Service{
		repo:    repo,
		cascade: cascade,
		cache:   cache,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

type CreateParams struct {
	ExchangeID string
	AssetID    string
	AssetLabel string
	GiverID    string
	ReceiverID string
}

type CreateSecureParams struct {
	CreateParams

	ValidityMinutes   int
	MeetingPoint      *geo.Point
	MaxDistanceMeters float64
	PhotoRequired     bool
}

// Create allocates a token through the legacy path: 24 hour validity, no PIN,
// no geofence. The secure path never shares a token with this one, so a
// secure token can not be silently downgraded by re-creation.
func (s *Service) Create(ctx context.Context, p CreateParams) (*repository.DeliveryToken, error) {
	now := s.now()
	tok := s.newToken(p, now)
	tok.ExpiresAt = now.Add(DefaultValidity)
	tok.ValidityMinutes = int(DefaultValidity.Minutes())

	if err := s.repo.Create(ctx, tok); err != nil {
		return nil, fmt.Errorf("failed to create token: %w", err)
	}

	s.cacheSet(tok)
	metrics.TokensCreatedTotal.Inc()
	s.logger.Info("delivery token created",
		zap.String("token_id", tok.ID),
		zap.String("exchange_id", tok.ExchangeID))
	return tok, nil
}

// CreateSecure allocates a token with a caller-supplied validity window, a
// uniformly random 6-digit PIN, and optional meeting-point geofence and photo
// requirement.
func (s *Service) CreateSecure(ctx context.Context, p CreateSecureParams) (*repository.DeliveryToken, error) {
	if p.ValidityMinutes <= 0 {
		return nil, fmt.Errorf("%w: validity minutes must be positive", repository.ErrValidation)
	}

	pin, err := GeneratePIN()
	if err != nil {
		return nil, fmt.Errorf("failed to generate pin: %w", err)
	}

	now := s.now()
	tok := s.newToken(p.CreateParams, now)
	tok.ExpiresAt = now.Add(time.Duration(p.ValidityMinutes) * time.Minute)
	tok.ValidityMinutes = p.ValidityMinutes
	tok.PIN = &pin
	tok.PhotoRequired = p.PhotoRequired
	if p.MeetingPoint != nil {
		lat, lon := p.MeetingPoint.Latitude, p.MeetingPoint.Longitude
		tok.MeetingLatitude = &lat
		tok.MeetingLongitude = &lon
	}
	if p.MaxDistanceMeters > 0 {
		tok.MaxDistanceMeters = p.MaxDistanceMeters
	}

	if err := s.repo.Create(ctx, tok); err != nil {
		return nil, fmt.Errorf("failed to create secure token: %w", err)
	}

	s.cacheSet(tok)
	metrics.TokensCreatedTotal.Inc()
	s.logger.Info("secure delivery token created",
		zap.String("token_id", tok.ID),
		zap.String("exchange_id", tok.ExchangeID),
		zap.Int("validity_minutes", p.ValidityMinutes),
		zap.Bool("geofenced", p.MeetingPoint != nil),
		zap.Bool("photo_required", p.PhotoRequired))
	return tok, nil
}

func (s *Service) newToken(p CreateParams, now time.Time) *repository.DeliveryToken {
	id := uuid.New().String()
	return &repository.DeliveryToken{
		ID:                id,
		ExchangeID:        p.ExchangeID,
		AssetID:           p.AssetID,
		AssetLabel:        p.AssetLabel,
		GiverID:           p.GiverID,
		ReceiverID:        p.ReceiverID,
		Payload:           BuildPayload(id, p.AssetID, now),
		Status:            repository.TokenStatusPending,
		MaxScanAttempts:   DefaultMaxScanAttempts,
		MaxDistanceMeters: DefaultMaxDistanceMeters,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func (s *Service) Get(ctx context.Context, tokenID string) (*repository.DeliveryToken, error) {
	return s.repo.GetByID(ctx, tokenID)
}

type ScanCode string

const (
	ScanCompleted     ScanCode = "COMPLETED"
	ScanPhotoRequired ScanCode = "PHOTO_REQUIRED"
	ScanNotFound      ScanCode = "NOT_FOUND"
	ScanExpired       ScanCode = "EXPIRED"
	ScanAlreadyUsed   ScanCode = "ALREADY_USED"
	ScanCancelled     ScanCode = "CANCELLED"
	ScanWrongPIN      ScanCode = "WRONG_PIN"
	ScanLockedOut     ScanCode = "LOCKED_OUT"
	ScanTooFar        ScanCode = "TOO_FAR"
)

type ScanResult struct {
	Code           ScanCode
	Token          *repository.DeliveryToken
	Reason         string
	DistanceMeters float64
	AttemptsLeft   int
}

// VerifyScan runs the ordered scan checks against a token and either confirms
// the handover, parks the token waiting for photo evidence, or rejects the
// scan. Security rejections come back as results, not errors; an error return
// means the store failed and the caller may retry.
//
// Terminal statuses are checked before lazy expiry so a completed or
// cancelled token keeps its status even when its deadline has also passed.
func (s *Service) VerifyScan(ctx context.Context, tokenID string, scannerLat, scannerLon float64, pin string) (*ScanResult, error) {
	tok, err := s.repo.GetByID(ctx, tokenID)
	if err != nil {
		if errors.Is(err, repository.ErrObjectNotFound) {
			metrics.ScanRejectionsTotal.WithLabelValues("not_found").Inc()
			return &ScanResult{Code: ScanNotFound, Reason: "token not found"}, nil
		}
		return nil, fmt.Errorf("failed to load token: %w", err)
	}

	now := s.now()

	switch {
	case tok.Status == repository.TokenStatusCompleted:
		return &ScanResult{Code: ScanAlreadyUsed, Token: tok, Reason: "token already used"}, nil

	case tok.Status == repository.TokenStatusCancelled:
		metrics.ScanRejectionsTotal.WithLabelValues("cancelled").Inc()
		return &ScanResult{Code: ScanCancelled, Token: tok, Reason: "token was cancelled"}, nil

	case tok.Status == repository.TokenStatusExpired:
		metrics.ScanRejectionsTotal.WithLabelValues("expired").Inc()
		return &ScanResult{Code: ScanExpired, Token: tok, Reason: "token has expired"}, nil

	case tok.IsExpired(now):
		tok.Status = repository.TokenStatusExpired
		tok.UpdatedAt = now
		if err := s.repo.Update(ctx, tok); err != nil {
			return nil, fmt.Errorf("failed to expire token: %w", err)
		}
		s.cacheDelete(tok.ID)
		metrics.TokensExpiredTotal.Inc()
		metrics.ScanRejectionsTotal.WithLabelValues("expired").Inc()
		return &ScanResult{Code: ScanExpired, Token: tok, Reason: "token has expired"}, nil
	}

	if tok.PIN != nil {
		if subtle.ConstantTimeCompare([]byte(*tok.PIN), []byte(pin)) != 1 {
			return s.handlePINMismatch(ctx, tok, now)
		}
	}

	geofenceChecked := false
	if tok.HasMeetingPoint() {
		geofenceChecked = true
		distance := geo.Distance(
			geo.Point{Latitude: *tok.MeetingLatitude, Longitude: *tok.MeetingLongitude},
			geo.Point{Latitude: scannerLat, Longitude: scannerLon},
		)
		if distance > tok.MaxDistanceMeters {
			metrics.ScanRejectionsTotal.WithLabelValues("too_far").Inc()
			return &ScanResult{
				Code:           ScanTooFar,
				Token:          tok,
				Reason:         fmt.Sprintf("scanner is %.0f m from the meeting point, limit is %.0f m", distance, tok.MaxDistanceMeters),
				DistanceMeters: distance,
			}, nil
		}
	}

	if tok.PhotoRequired && !tok.HasPhotoEvidence() {
		tok.Status = repository.TokenStatusWaitingPhoto
		tok.ActualLatitude = &scannerLat
		tok.ActualLongitude = &scannerLon
		tok.UpdatedAt = now
		if err := s.repo.Update(ctx, tok); err != nil {
			return nil, fmt.Errorf("failed to park token for photo: %w", err)
		}
		s.cacheSet(tok)
		return &ScanResult{Code: ScanPhotoRequired, Token: tok, Reason: "photo evidence required to complete"}, nil
	}

	tok.Status = repository.TokenStatusCompleted
	tok.Used = true
	usedAt := now
	tok.UsedAt = &usedAt
	tok.ActualLatitude = &scannerLat
	tok.ActualLongitude = &scannerLon
	tok.LocationVerified = geofenceChecked
	tok.UpdatedAt = now
	if err := s.repo.Update(ctx, tok); err != nil {
		return nil, fmt.Errorf("failed to complete token: %w", err)
	}
	s.cacheDelete(tok.ID)
	metrics.TokensCompletedTotal.Inc()

	if err := s.cascade.OnTokenCompleted(ctx, tok.ExchangeID); err != nil {
		// The token itself completed; settlement will be re-triggered by the
		// next sibling completion or can be replayed by an operator.
		metrics.PartialCascadeFailuresTotal.Inc()
		s.logger.Error("settlement cascade failed after token completion",
			zap.String("token_id", tok.ID),
			zap.String("exchange_id", tok.ExchangeID),
			zap.Error(err))
	}

	return &ScanResult{Code: ScanCompleted, Token: tok}, nil
}

// VerifyScanPayload resolves a raw scanned payload to its token and runs
// VerifyScan against it.
func (s *Service) VerifyScanPayload(ctx context.Context, payload string, scannerLat, scannerLon float64, pin string) (*ScanResult, error) {
	tokenID, err := ParsePayload(payload)
	if err != nil {
		metrics.ScanRejectionsTotal.WithLabelValues("not_found").Inc()
		return &ScanResult{Code: ScanNotFound, Reason: "unrecognized code"}, nil
	}
	return s.VerifyScan(ctx, tokenID, scannerLat, scannerLon, pin)
}

func (s *Service) handlePINMismatch(ctx context.Context, tok *repository.DeliveryToken, now time.Time) (*ScanResult, error) {
	attempts, err := s.repo.IncrementScanAttempts(ctx, tok.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to record scan attempt: %w", err)
	}
	tok.ScanAttempts = attempts

	if attempts >= tok.MaxScanAttempts {
		reason := "max scan attempts exceeded"
		tok.Status = repository.TokenStatusCancelled
		tok.CancellationReason = &reason
		tok.CancelledAt = &now
		tok.UpdatedAt = now
		if err := s.repo.Update(ctx, tok); err != nil {
			return nil, fmt.Errorf("failed to lock out token: %w", err)
		}
		s.cacheDelete(tok.ID)
		metrics.ScanRejectionsTotal.WithLabelValues("locked_out").Inc()
		s.logger.Warn("token locked out",
			zap.String("token_id", tok.ID),
			zap.Int("attempts", attempts))
		return &ScanResult{Code: ScanLockedOut, Token: tok, Reason: reason}, nil
	}

	metrics.ScanRejectionsTotal.WithLabelValues("wrong_pin").Inc()
	left := tok.MaxScanAttempts - attempts
	return &ScanResult{
		Code:         ScanWrongPIN,
		Token:        tok,
		Reason:       fmt.Sprintf("wrong pin, %d attempts left", left),
		AttemptsLeft: left,
	}, nil
}

// ExtendValidity pushes the expiry forward by 1 to 30 minutes. A token can be
// extended once in its lifetime; the second call fails no matter how much
// time remains.
func (s *Service) ExtendValidity(ctx context.Context, tokenID string, additionalMinutes int) (time.Time, error) {
	if additionalMinutes < minExtensionMinutes || additionalMinutes > maxExtensionMinutes {
		return time.Time{}, fmt.Errorf("%w: extension must be between %d and %d minutes",
			repository.ErrValidation, minExtensionMinutes, maxExtensionMinutes)
	}

	tok, err := s.repo.GetByID(ctx, tokenID)
	if err != nil {
		return time.Time{}, err
	}

	if tok.Status.IsTerminal() {
		return time.Time{}, fmt.Errorf("%w: cannot extend a %s token", repository.ErrInvalidState, tok.Status)
	}

	// Same lazy expiry as the scan path: a token whose deadline already
	// passed is moved to expired here, never resurrected.
	now := s.now()
	if tok.IsExpired(now) {
		tok.Status = repository.TokenStatusExpired
		tok.UpdatedAt = now
		if err := s.repo.Update(ctx, tok); err != nil {
			return time.Time{}, fmt.Errorf("failed to expire token: %w", err)
		}
		s.cacheDelete(tok.ID)
		metrics.TokensExpiredTotal.Inc()
		return time.Time{}, fmt.Errorf("%w: cannot extend an expired token", repository.ErrInvalidState)
	}

	if tok.HasBeenExtended {
		return time.Time{}, fmt.Errorf("%w: token has already been extended", repository.ErrInvalidState)
	}

	tok.ExpiresAt = tok.ExpiresAt.Add(time.Duration(additionalMinutes) * time.Minute)
	tok.HasBeenExtended = true
	tok.UpdatedAt = now
	if err := s.repo.Update(ctx, tok); err != nil {
		return time.Time{}, fmt.Errorf("failed to extend token: %w", err)
	}

	s.cacheSet(tok)
	s.logger.Info("token validity extended",
		zap.String("token_id", tok.ID),
		zap.Int("additional_minutes", additionalMinutes),
		zap.Time("expires_at", tok.ExpiresAt))
	return tok.ExpiresAt, nil
}

// Cancel irreversibly voids a token. Only the giver or the receiver may
// cancel, and a token in any terminal state stays where it is.
func (s *Service) Cancel(ctx context.Context, tokenID, callerID, reason string) error {
	tok, err := s.repo.GetByID(ctx, tokenID)
	if err != nil {
		return err
	}

	if tok.Status.IsTerminal() {
		return fmt.Errorf("%w: cannot cancel a %s token", repository.ErrInvalidState, tok.Status)
	}
	if !tok.IsParty(callerID) {
		return repository.ErrUnauthorized
	}

	now := s.now()
	tok.Status = repository.TokenStatusCancelled
	tok.CancellationReason = &reason
	tok.CancelledAt = &now
	tok.CancelledByUserID = &callerID
	tok.UpdatedAt = now
	if err := s.repo.Update(ctx, tok); err != nil {
		return fmt.Errorf("failed to cancel token: %w", err)
	}

	s.cacheDelete(tok.ID)
	s.logger.Info("token cancelled",
		zap.String("token_id", tok.ID),
		zap.String("cancelled_by", callerID),
		zap.String("reason", reason))
	return nil
}

func (s *Service) cacheSet(tok *repository.DeliveryToken) {
	if s.cache != nil {
		s.cache.Set(tok)
	}
}

func (s *Service) cacheDelete(id string) {
	if s.cache != nil {
		s.cache.Delete(id)
	}
}
