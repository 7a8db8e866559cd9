package repository

import (
	"errors"
	"time"
)

var (
	ErrObjectNotFound = errors.New("not found")
	ErrInvalidState   = errors.New("invalid state")
	ErrUnauthorized   = errors.New("caller is not a party")
	ErrValidation     = errors.New("validation failed")
)

type TokenStatus string

const (
	TokenStatusPending      TokenStatus = "pending"
	TokenStatusWaitingPhoto TokenStatus = "waiting_photo"
	TokenStatusCompleted    TokenStatus = "completed"
	TokenStatusCancelled    TokenStatus = "cancelled"
	TokenStatusExpired      TokenStatus = "expired"
)

// IsTerminal reports whether no further transition out of the status is
// allowed.
func (s TokenStatus) IsTerminal() bool {
	return s == TokenStatusCompleted || s == TokenStatusCancelled || s == TokenStatusExpired
}

type ExchangeStatus string

const (
	ExchangeStatusPending              ExchangeStatus = "pending"
	ExchangeStatusAccepted             ExchangeStatus = "accepted"
	ExchangeStatusRejected             ExchangeStatus = "rejected"
	ExchangeStatusCompleted            ExchangeStatus = "completed"
	ExchangeStatusPartiallyInitialized ExchangeStatus = "partially_initialized"
)

type ExchangeType string

const (
	ExchangeTypeSale     ExchangeType = "sale"
	ExchangeTypeDonation ExchangeType = "donation"
	ExchangeTypeTrade    ExchangeType = "trade"
)

type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "pending"
	PaymentStatusPaid    PaymentStatus = "paid"
	PaymentStatusFailed  PaymentStatus = "failed"
)

type AssetStatus string

const (
	AssetStatusAvailable AssetStatus = "available"
	AssetStatusReserved  AssetStatus = "reserved"
	AssetStatusSold      AssetStatus = "sold"
	AssetStatusExchanged AssetStatus = "exchanged"
	AssetStatusDonated   AssetStatus = "donated"
)

type PointsAction string

const (
	PointsActionMakeDonation        PointsAction = "make_donation"
	PointsActionReceiveDonation     PointsAction = "receive_donation"
	PointsActionCompleteTransaction PointsAction = "complete_transaction"
)

type DeliveryToken struct {
	ID         string `db:"id"`
	ExchangeID string `db:"exchange_id"`
	AssetID    string `db:"asset_id"`
	AssetLabel string `db:"asset_label"`
	GiverID    string `db:"giver_id"`
	ReceiverID string `db:"receiver_id"`

	// Payload is the scannable code content. The format is stable for
	// compatibility with deployed scanner apps.
	Payload string `db:"payload"`

	Status TokenStatus `db:"status"`

	// Used/UsedAt mirror Status == completed for callers that predate the
	// status enum. Both fields must always agree.
	Used   bool       `db:"used"`
	UsedAt *time.Time `db:"used_at"`

	PIN             *string `db:"pin"`
	ScanAttempts    int     `db:"scan_attempts"`
	MaxScanAttempts int     `db:"max_scan_attempts"`

	MeetingLatitude   *float64 `db:"meeting_latitude"`
	MeetingLongitude  *float64 `db:"meeting_longitude"`
	MaxDistanceMeters float64  `db:"max_distance_meters"`
	ActualLatitude    *float64 `db:"actual_latitude"`
	ActualLongitude   *float64 `db:"actual_longitude"`
	LocationVerified  bool     `db:"location_verified"`

	HasBeenExtended bool `db:"has_been_extended"`

	CancellationReason *string    `db:"cancellation_reason"`
	CancelledAt        *time.Time `db:"cancelled_at"`
	CancelledByUserID  *string    `db:"cancelled_by_user_id"`

	PhotoRequired         bool       `db:"photo_required"`
	PhotoURL              *string    `db:"photo_url"`
	ThumbnailURL          *string    `db:"thumbnail_url"`
	PhotoUploadedAt       *time.Time `db:"photo_uploaded_at"`
	PhotoSizeBytes        *int64     `db:"photo_size_bytes"`
	PhotoUploadedByUserID *string    `db:"photo_uploaded_by_user_id"`
	PhotoWidth            *int       `db:"photo_width"`
	PhotoHeight           *int       `db:"photo_height"`

	ValidityMinutes int       `db:"validity_minutes"`
	CreatedAt       time.Time `db:"created_at"`
	ExpiresAt       time.Time `db:"expires_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

func (t *DeliveryToken) IsExpired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// IsParty reports whether userID is the giver or the receiver of this token.
// Only parties may cancel a token or attach photo evidence to it.
func (t *DeliveryToken) IsParty(userID string) bool {
	return userID == t.GiverID || userID == t.ReceiverID
}

// DeliveryDuration returns the time between creation and completion. The
// second return value is false for tokens that never completed.
func (t *DeliveryToken) DeliveryDuration() (time.Duration, bool) {
	if t.UsedAt == nil {
		return 0, false
	}
	return t.UsedAt.Sub(t.CreatedAt), true
}

func (t *DeliveryToken) HasMeetingPoint() bool {
	return t.MeetingLatitude != nil && t.MeetingLongitude != nil
}

func (t *DeliveryToken) HasPhotoEvidence() bool {
	return t.PhotoURL != nil && *t.PhotoURL != ""
}

type Exchange struct {
	ID             string         `db:"id"`
	AssetID        string         `db:"asset_id"`
	CounterAssetID *string        `db:"counter_asset_id"`
	Type           ExchangeType   `db:"type"`
	GiverID        string         `db:"giver_id"`
	ReceiverID     string         `db:"receiver_id"`
	Status         ExchangeStatus `db:"status"`
	PaymentStatus  PaymentStatus  `db:"payment_status"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

type Asset struct {
	ID        string      `db:"id"`
	OwnerID   string      `db:"owner_id"`
	Label     string      `db:"label"`
	Status    AssetStatus `db:"status"`
	CreatedAt time.Time   `db:"created_at"`
	UpdatedAt time.Time   `db:"updated_at"`
}

type PointsAward struct {
	ID         int64        `db:"id"`
	UserID     string       `db:"user_id"`
	ExchangeID string       `db:"exchange_id"`
	Action     PointsAction `db:"action"`
	AwardedAt  time.Time    `db:"awarded_at"`
}
