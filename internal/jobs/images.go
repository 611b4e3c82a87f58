package jobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"log/slog"

	// Registered decoders for avatar uploads.
	_ "image/gif"
	_ "image/jpeg"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/alanyoungcy/marketforge/internal/domain"
	"github.com/alanyoungcy/marketforge/internal/queue"
)

const (
	avatarSize = 256
	// maxUploadBytes bounds the raw avatar read into memory.
	maxUploadBytes = 10 << 20
)

// MarketImagePath is where a market's cover image is stored.
func MarketImagePath(marketID string) string { return "markets/" + marketID + "/cover.png" }

// AvatarPath is where a user's processed avatar is stored.
func AvatarPath(userID string) string { return "avatars/" + userID + ".png" }

// GenerateMarketImage renders a cover image for a market that has none.
func (h *Handlers) GenerateMarketImage(ctx context.Context, job domain.Job, p MarketImagePayload) error {
	m, err := h.Markets.GetByID(ctx, p.MarketID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return queue.Permanent(fmt.Errorf("jobs: market image: %w", err))
		}
		return fmt.Errorf("jobs: market image: %w", err)
	}
	if m.ImagePath != "" {
		return nil
	}

	img, err := h.AI.GenerateImage(ctx, imagePrompt(m))
	if err != nil {
		return fmt.Errorf("jobs: market image: %w", err)
	}

	path := MarketImagePath(m.ID)
	if err := h.Storage.Put(ctx, path, bytes.NewReader(img), "image/png"); err != nil {
		return fmt.Errorf("jobs: upload market image: %w", err)
	}
	if err := h.Markets.UpdateImage(ctx, m.ID, path); err != nil {
		return fmt.Errorf("jobs: market image: %w", err)
	}
	h.logger.InfoContext(ctx, "market image stored",
		slog.String("job_id", job.ID),
		slog.String("market_id", m.ID),
		slog.String("path", path),
		slog.Int("bytes", len(img)),
	)
	return nil
}

func imagePrompt(m domain.Market) string {
	return fmt.Sprintf("Editorial cover illustration for a prediction market in the %s category: %q. "+
		"No text, no logos, no real people's faces.", m.Category, m.Title)
}

// ProcessAvatarImage resizes a raw upload into the user's avatar. The upload
// is deleted only once the avatar and profile are both written.
func (h *Handlers) ProcessAvatarImage(ctx context.Context, job domain.Job, p AvatarImagePayload) error {
	dest := AvatarPath(p.UserID)
	log := h.logger.With(slog.String("job_id", job.ID), slog.String("user_id", p.UserID))

	rc, err := h.Storage.Get(ctx, p.SourcePath)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// A redelivery after a successful run finds the upload gone.
			if ok, _ := h.Storage.Exists(ctx, dest); ok {
				return h.Profiles.UpdateAvatar(ctx, p.UserID, dest)
			}
			return queue.Permanent(fmt.Errorf("jobs: avatar source: %w", err))
		}
		return fmt.Errorf("jobs: avatar source: %w", err)
	}
	raw, err := io.ReadAll(io.LimitReader(rc, maxUploadBytes+1))
	rc.Close()
	if err != nil {
		return fmt.Errorf("jobs: read avatar source: %w", err)
	}
	if len(raw) > maxUploadBytes {
		return queue.Permanent(fmt.Errorf("jobs: avatar source exceeds %d bytes", maxUploadBytes))
	}

	out, err := resizeAvatar(raw, avatarSize)
	if err != nil {
		return queue.Permanent(fmt.Errorf("jobs: avatar: %w", err))
	}

	if err := h.Storage.Put(ctx, dest, bytes.NewReader(out), "image/png"); err != nil {
		return fmt.Errorf("jobs: upload avatar: %w", err)
	}
	if err := h.Profiles.UpdateAvatar(ctx, p.UserID, dest); err != nil {
		return fmt.Errorf("jobs: update avatar: %w", err)
	}
	if p.SourcePath != dest {
		if err := h.Storage.Delete(ctx, p.SourcePath); err != nil {
			log.WarnContext(ctx, "delete avatar source failed",
				slog.String("source", p.SourcePath),
				slog.String("error", err.Error()),
			)
		}
	}
	log.InfoContext(ctx, "avatar processed", slog.String("path", dest), slog.Int("bytes", len(out)))
	return nil
}

// resizeAvatar center-crops raw to a square and scales it to size x size PNG.
func resizeAvatar(raw []byte, size int) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	b := src.Bounds()
	side := min(b.Dx(), b.Dy())
	if side == 0 {
		return nil, fmt.Errorf("empty image")
	}
	x0 := b.Min.X + (b.Dx()-side)/2
	y0 := b.Min.Y + (b.Dy()-side)/2
	crop := image.Rect(x0, y0, x0+side, y0+side)

	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, crop, draw.Src, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}
