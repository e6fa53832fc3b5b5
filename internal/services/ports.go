package services

import (
	"context"

	"github.com/tbourn/stickerhub/internal/domain"
)

// Normalizer converts an asset into a format the target platform accepts.
// Implementations return an error wrapping ErrUnsupportedMedia when the asset
// cannot be converted.
type Normalizer interface {
	Normalize(ctx context.Context, a domain.Asset) (domain.Asset, error)
}

// Sender delivers a normalized asset to a resolved target.
type Sender interface {
	Send(ctx context.Context, a domain.Asset, target domain.DeliveryTarget) error
}

// TextSender delivers plain text to a resolved target. Senders that also
// implement it enable batch-boundary markers.
type TextSender interface {
	SendText(ctx context.Context, text string, target domain.DeliveryTarget) error
}

// TargetResolver answers "where do assets from this account go".
type TargetResolver interface {
	ResolveDeliveryTarget(ctx context.Context, platform, accountID string) (*domain.DeliveryTarget, error)
}

// NormalizerFunc adapts a function to the Normalizer interface.
type NormalizerFunc func(ctx context.Context, a domain.Asset) (domain.Asset, error)

// Normalize calls f.
func (f NormalizerFunc) Normalize(ctx context.Context, a domain.Asset) (domain.Asset, error) {
	return f(ctx, a)
}

// IdentityNormalizer returns assets unchanged.
var IdentityNormalizer = NormalizerFunc(func(_ context.Context, a domain.Asset) (domain.Asset, error) {
	return a, nil
})
