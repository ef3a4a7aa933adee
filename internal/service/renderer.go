// Package service contains the business logic layer.
//
// This file implements the code image renderer: a QR symbol of the code's
// token, centered on a white canvas with a quiet zone and stored as PNG.
package service

import (
	"bytes"
	"context"
	"fmt"
	"image/color"

	"github.com/DukeRupert/promokit/internal/domain"
	"github.com/DukeRupert/promokit/internal/storage"
	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"
)

// =============================================================================
// Interface Definition
// =============================================================================

// CodeRenderer produces and stores the scannable image for a token.
type CodeRenderer interface {
	// Render stores the image for token and returns its asset reference.
	// Failures are returned as render_failed errors.
	Render(ctx context.Context, campaignID uuid.UUID, token string) (string, error)

	// URL resolves an asset reference to a fetchable image URL.
	URL(ctx context.Context, assetRef string) (string, error)

	// Remove deletes a stored asset. Missing assets are not an error.
	Remove(ctx context.Context, assetRef string) error
}

// =============================================================================
// Implementation
// =============================================================================

// Renderer defaults.
const (
	DefaultCodeImageSize = 512
	maxCodeImageBytes    = 1 << 20
)

type qrRenderer struct {
	storage   storage.Storage
	size      int
	urlPrefix string
}

// NewQRRenderer creates a renderer writing size x size PNGs to store. When
// urlPrefix is set the symbol encodes urlPrefix+token instead of the bare
// token.
func NewQRRenderer(store storage.Storage, size int, urlPrefix string) CodeRenderer {
	if size <= 0 {
		size = DefaultCodeImageSize
	}
	return &qrRenderer{
		storage:   store,
		size:      size,
		urlPrefix: urlPrefix,
	}
}

func (r *qrRenderer) Render(ctx context.Context, campaignID uuid.UUID, token string) (string, error) {
	const op = "renderer.render"

	data, err := r.encode(r.urlPrefix + token)
	if err != nil {
		return "", domain.Wrap(err, domain.ERENDER, op, fmt.Sprintf("failed to render code %q", token))
	}

	key := storage.CodeImageKey(campaignID, token)
	err = r.storage.Put(ctx, key, bytes.NewReader(data), storage.PutOptions{
		ContentType: "image/png",
		MaxSize:     maxCodeImageBytes,
		Public:      true,
	})
	if storage.IsKeyExists(err) {
		return "", domain.Wrap(err, domain.ERENDER, op, fmt.Sprintf("an image for code %q is already stored", token))
	}
	if err != nil {
		return "", domain.Wrap(err, domain.ERENDER, op, fmt.Sprintf("failed to store image for code %q", token))
	}
	return key, nil
}

// URL returns the public URL of a stored image. Objects are written public,
// so no presigned expiry is requested.
func (r *qrRenderer) URL(ctx context.Context, assetRef string) (string, error) {
	if assetRef == "" {
		return "", nil
	}
	return r.storage.URL(ctx, assetRef, 0)
}

// encode renders content at the highest practical error correction level
// with a margin of one module width.
func (r *qrRenderer) encode(content string) ([]byte, error) {
	q, err := qrcode.New(content, qrcode.High)
	if err != nil {
		return nil, fmt.Errorf("encode qr: %w", err)
	}
	q.DisableBorder = true

	modules := len(q.Bitmap())
	margin := r.size / (modules + 2)
	if margin < 1 {
		margin = 1
	}
	inner := r.size - 2*margin

	symbol := q.Image(inner)
	if b := symbol.Bounds(); b.Dx() > inner || b.Dy() > inner {
		symbol = imaging.Fit(symbol, inner, inner, imaging.NearestNeighbor)
	}

	canvas := imaging.New(r.size, r.size, color.White)
	out := imaging.PasteCenter(canvas, symbol)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, out, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

func (r *qrRenderer) Remove(ctx context.Context, assetRef string) error {
	if assetRef == "" {
		return nil
	}
	return r.storage.Delete(ctx, assetRef)
}
