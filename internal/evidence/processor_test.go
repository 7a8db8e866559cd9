package evidence

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/h2non/bimg.v1"

	"github.com/swapden/handover/internal/repository"
)

type fakeTokenRepo struct {
	tokens map[string]*repository.DeliveryToken
}

func (f *fakeTokenRepo) GetByID(_ context.Context, id string) (*repository.DeliveryToken, error) {
	tok, ok := f.tokens[id]
	if !ok {
		return nil, repository.ErrObjectNotFound
	}
	cp := *tok
	return &cp, nil
}

func (f *fakeTokenRepo) Update(_ context.Context, tok *repository.DeliveryToken) error {
	cp := *tok
	f.tokens[tok.ID] = &cp
	return nil
}

type fakeUploader struct {
	paths []string
}

func (f *fakeUploader) Upload(_ context.Context, path, _ string, _ []byte) (string, error) {
	f.paths = append(f.paths, path)
	return "https://cdn.example/" + path, nil
}

type fakeCascade struct {
	calls []string
}

func (f *fakeCascade) OnTokenCompleted(_ context.Context, exchangeID string) error {
	f.calls = append(f.calls, exchangeID)
	return nil
}

// testJPEG renders a small gradient so the encoder has something non-trivial
// to compress.
func testJPEG(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}))
	return buf.Bytes()
}

func TestCompress(t *testing.T) {
	photo := testJPEG(t, 640, 480)

	out, err := Compress(photo, MaxPhotoBytes)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(out), MaxPhotoBytes)

	_, err = Compress([]byte("not an image"), MaxPhotoBytes)
	assert.Error(t, err)
}

func TestThumbnail(t *testing.T) {
	t.Run("landscape scales by width", func(t *testing.T) {
		thumb, err := Thumbnail(testJPEG(t, 640, 480), ThumbnailEdgePx)
		require.NoError(t, err)

		size, err := bimg.NewImage(thumb).Size()
		require.NoError(t, err)
		assert.Equal(t, ThumbnailEdgePx, size.Width)
	})

	t.Run("portrait scales by height", func(t *testing.T) {
		thumb, err := Thumbnail(testJPEG(t, 480, 640), ThumbnailEdgePx)
		require.NoError(t, err)

		size, err := bimg.NewImage(thumb).Size()
		require.NoError(t, err)
		assert.Equal(t, ThumbnailEdgePx, size.Height)
	})
}

func TestUploadEvidence(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	newProcessor := func(tok *repository.DeliveryToken) (*Processor, *fakeTokenRepo, *fakeUploader, *fakeCascade) {
		repo := &fakeTokenRepo{tokens: map[string]*repository.DeliveryToken{tok.ID: tok}}
		uploader := &fakeUploader{}
		cascade := &fakeCascade{}
		p := NewProcessor(repo, uploader, cascade, zap.NewNop())
		p.now = func() time.Time { return now }
		return p, repo, uploader, cascade
	}

	t.Run("completes a waiting token and cascades", func(t *testing.T) {
		p, repo, uploader, cascade := newProcessor(&repository.DeliveryToken{
			ID:         "t1",
			ExchangeID: "ex-1",
			GiverID:    "alice",
			ReceiverID: "bob",
			Status:     repository.TokenStatusWaitingPhoto,
		})

		tok, err := p.UploadEvidence(ctx, "t1", "bob", testJPEG(t, 640, 480))
		require.NoError(t, err)

		assert.Equal(t, repository.TokenStatusCompleted, tok.Status)
		assert.True(t, tok.Used)
		require.NotNil(t, tok.UsedAt)
		require.NotNil(t, tok.PhotoURL)
		require.NotNil(t, tok.ThumbnailURL)
		require.NotNil(t, tok.PhotoWidth)
		assert.Equal(t, 640, *tok.PhotoWidth)
		assert.Equal(t, "bob", *tok.PhotoUploadedByUserID)

		require.Len(t, uploader.paths, 2)
		assert.Contains(t, uploader.paths[0], "evidence/t1_")
		assert.Contains(t, uploader.paths[1], "_thumb.jpg")

		assert.Equal(t, []string{"ex-1"}, cascade.calls)
		assert.Equal(t, repository.TokenStatusCompleted, repo.tokens["t1"].Status)
	})

	t.Run("pending token keeps its status", func(t *testing.T) {
		p, repo, _, cascade := newProcessor(&repository.DeliveryToken{
			ID:         "t1",
			ExchangeID: "ex-1",
			GiverID:    "alice",
			ReceiverID: "bob",
			Status:     repository.TokenStatusPending,
		})

		tok, err := p.UploadEvidence(ctx, "t1", "alice", testJPEG(t, 320, 240))
		require.NoError(t, err)

		assert.Equal(t, repository.TokenStatusPending, tok.Status)
		assert.True(t, tok.HasPhotoEvidence())
		assert.Empty(t, cascade.calls)
		assert.True(t, repo.tokens["t1"].HasPhotoEvidence())
	})

	t.Run("outsiders cannot upload", func(t *testing.T) {
		p, _, _, _ := newProcessor(&repository.DeliveryToken{
			ID:         "t1",
			GiverID:    "alice",
			ReceiverID: "bob",
			Status:     repository.TokenStatusWaitingPhoto,
		})

		_, err := p.UploadEvidence(ctx, "t1", "mallory", testJPEG(t, 64, 64))
		assert.ErrorIs(t, err, repository.ErrUnauthorized)
	})

	t.Run("existing evidence is never overwritten", func(t *testing.T) {
		url := "https://cdn.example/evidence/old.jpg"
		p, _, _, _ := newProcessor(&repository.DeliveryToken{
			ID:         "t1",
			GiverID:    "alice",
			ReceiverID: "bob",
			Status:     repository.TokenStatusCompleted,
			PhotoURL:   &url,
		})

		_, err := p.UploadEvidence(ctx, "t1", "alice", testJPEG(t, 64, 64))
		assert.ErrorIs(t, err, repository.ErrInvalidState)
	})

	t.Run("cancelled token rejects evidence", func(t *testing.T) {
		p, _, _, _ := newProcessor(&repository.DeliveryToken{
			ID:         "t1",
			GiverID:    "alice",
			ReceiverID: "bob",
			Status:     repository.TokenStatusCancelled,
		})

		_, err := p.UploadEvidence(ctx, "t1", "alice", testJPEG(t, 64, 64))
		assert.ErrorIs(t, err, repository.ErrInvalidState)
	})

	t.Run("undecodable photo is a validation error", func(t *testing.T) {
		p, _, _, _ := newProcessor(&repository.DeliveryToken{
			ID:         "t1",
			GiverID:    "alice",
			ReceiverID: "bob",
			Status:     repository.TokenStatusWaitingPhoto,
		})

		_, err := p.UploadEvidence(ctx, "t1", "alice", []byte("garbage"))
		assert.ErrorIs(t, err, repository.ErrValidation)
	})
}
