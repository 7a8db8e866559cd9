package evidence

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/xid"
	"go.uber.org/zap"
	"gopkg.in/h2non/bimg.v1"

	"github.com/swapden/handover/internal/metrics"
	"github.com/swapden/handover/internal/repository"
)

const (
	// MaxPhotoBytes is the stored size ceiling for a confirmation photo.
	MaxPhotoBytes = 1 << 20 // 1 MiB

	ThumbnailEdgePx = 320

	startQuality = 90
	floorQuality = 20
	qualityStep  = 10
)

type TokenRepo interface {
	GetByID(ctx context.Context, id string) (*repository.DeliveryToken, error)
	Update(ctx context.Context, token *repository.DeliveryToken) error
}

type Uploader interface {
	Upload(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

type Cascade interface {
	OnTokenCompleted(ctx context.Context, exchangeID string) error
}

// Processor compresses confirmation photos, stores them, and completes
// tokens that were parked waiting for evidence.
type Processor struct {
	tokens   TokenRepo
	uploader Uploader
	cascade  Cascade
	logger   *zap.Logger
	now      func() time.Time
}

func NewProcessor(tokens TokenRepo, uploader Uploader, cascade Cascade, logger *zap.Logger) *Processor {
	return &Processor{
		tokens:   tokens,
		uploader: uploader,
		cascade:  cascade,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Compress re-encodes the image as JPEG, lowering quality until the result
// fits maxBytes or the quality floor is hit. The floor result is returned
// even when it is still over maxBytes so a pathological image degrades
// instead of failing the upload.
func Compress(data []byte, maxBytes int) ([]byte, error) {
	var out []byte
	for quality := startQuality; quality >= floorQuality; quality -= qualityStep {
		encoded, err := bimg.NewImage(data).Process(bimg.Options{
			Type:    bimg.JPEG,
			Quality: quality,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to encode jpeg at quality %d: %w", quality, err)
		}
		out = encoded
		if len(out) <= maxBytes {
			return out, nil
		}
	}
	return out, nil
}

// Thumbnail scales the image so its longer side is edgePx, preserving the
// aspect ratio.
func Thumbnail(data []byte, edgePx int) ([]byte, error) {
	size, err := bimg.NewImage(data).Size()
	if err != nil {
		return nil, fmt.Errorf("failed to read image size: %w", err)
	}

	width, height := edgePx, 0
	if size.Height > size.Width {
		width, height = 0, edgePx
	}

	out, err := bimg.NewImage(data).Process(bimg.Options{
		Type:    bimg.JPEG,
		Quality: 85,
		Width:   width,
		Height:  height,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scale thumbnail: %w", err)
	}
	return out, nil
}

// UploadEvidence attaches a confirmation photo to the token. Only the giver
// or the receiver may upload, and a token that already carries evidence
// rejects a second photo. A token parked in waiting_photo is completed once
// the photo lands.
func (p *Processor) UploadEvidence(ctx context.Context, tokenID, callerID string, photo []byte) (*repository.DeliveryToken, error) {
	tok, err := p.tokens.GetByID(ctx, tokenID)
	if err != nil {
		return nil, err
	}

	if !tok.IsParty(callerID) {
		return nil, repository.ErrUnauthorized
	}
	if tok.HasPhotoEvidence() {
		return nil, fmt.Errorf("%w: token already has photo evidence", repository.ErrInvalidState)
	}
	if tok.Status != repository.TokenStatusPending && tok.Status != repository.TokenStatusWaitingPhoto {
		return nil, fmt.Errorf("%w: cannot attach evidence to a %s token", repository.ErrInvalidState, tok.Status)
	}

	compressed, err := Compress(photo, MaxPhotoBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: photo is not a decodable image", repository.ErrValidation)
	}
	thumb, err := Thumbnail(compressed, ThumbnailEdgePx)
	if err != nil {
		return nil, fmt.Errorf("failed to build thumbnail: %w", err)
	}
	size, err := bimg.NewImage(compressed).Size()
	if err != nil {
		return nil, fmt.Errorf("failed to read photo dimensions: %w", err)
	}

	base := fmt.Sprintf("evidence/%s_%s", tok.ID, xid.New().String())
	photoURL, err := p.uploader.Upload(ctx, base+".jpg", "image/jpeg", compressed)
	if err != nil {
		return nil, fmt.Errorf("failed to store photo: %w", err)
	}
	thumbURL, err := p.uploader.Upload(ctx, base+"_thumb.jpg", "image/jpeg", thumb)
	if err != nil {
		return nil, fmt.Errorf("failed to store thumbnail: %w", err)
	}

	now := p.now()
	sizeBytes := int64(len(compressed))
	tok.PhotoURL = &photoURL
	tok.ThumbnailURL = &thumbURL
	tok.PhotoUploadedAt = &now
	tok.PhotoSizeBytes = &sizeBytes
	tok.PhotoUploadedByUserID = &callerID
	tok.PhotoWidth = &size.Width
	tok.PhotoHeight = &size.Height
	tok.UpdatedAt = now

	completing := tok.Status == repository.TokenStatusWaitingPhoto
	if completing {
		tok.Status = repository.TokenStatusCompleted
		tok.Used = true
		usedAt := now
		tok.UsedAt = &usedAt
	}

	if err := p.tokens.Update(ctx, tok); err != nil {
		return nil, fmt.Errorf("failed to record evidence: %w", err)
	}
	if completing {
		metrics.TokensCompletedTotal.Inc()
	}

	p.logger.Info("photo evidence attached",
		zap.String("token_id", tok.ID),
		zap.String("uploaded_by", callerID),
		zap.Int64("size_bytes", sizeBytes),
		zap.Bool("completed_token", completing))

	if completing {
		if err := p.cascade.OnTokenCompleted(ctx, tok.ExchangeID); err != nil {
			p.logger.Error("settlement cascade failed after evidence upload",
				zap.String("token_id", tok.ID),
				zap.String("exchange_id", tok.ExchangeID),
				zap.Error(err))
		}
	}

	return tok, nil
}
