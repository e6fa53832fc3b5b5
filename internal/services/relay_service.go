// Package services – RelayService
//
// This file implements RelayService, the orchestrator that moves one inbound
// asset to its paired destination: resolve the delivery target, normalize the
// media, send it. It performs no retries; a send failure is returned to the
// caller wrapped in ErrDeliveryFailed.
package services

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/stickerhub/internal/domain"
	"github.com/tbourn/stickerhub/internal/metrics"

	// OpenTelemetry
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// RelayOutcome describes what Relay did with an asset.
type RelayOutcome string

const (
	RelaySent    RelayOutcome = "sent"
	RelaySkipped RelayOutcome = "skipped"
)

// RelayService relays assets from a source account to its delivery target.
type RelayService struct {
	Resolver   TargetResolver
	Normalizer Normalizer
	// Sender may be nil, in which case relays are skipped.
	Sender Sender
	// Strict turns "no delivery target" into ErrUnboundAccount instead of a
	// silent skip.
	Strict bool
}

func (s *RelayService) normalizer() Normalizer {
	if s.Normalizer == nil {
		return IdentityNormalizer
	}
	return s.Normalizer
}

// Relay delivers a single asset. It returns RelaySkipped when no sender is
// configured or, outside strict mode, when the source account has no target.
func (s *RelayService) Relay(ctx context.Context, a domain.Asset) (RelayOutcome, error) {
	tr := otel.Tracer("services/RelayService")
	ctx, span := tr.Start(ctx, "Relay",
		trace.WithAttributes(
			attribute.String("platform", a.SourcePlatform),
			attribute.String("account.id", a.SourceUserID),
			attribute.String("media.kind", string(a.Kind)),
			attribute.String("media.mime", a.MimeType),
		),
	)
	defer span.End()

	if s.Sender == nil {
		log.Debug().Str("account", a.SourceUserID).Msg("no sender configured; relay skipped")
		metrics.Relays.WithLabelValues("none", metrics.OutcomeSkipped).Inc()
		return RelaySkipped, nil
	}

	target, err := s.Resolver.ResolveDeliveryTarget(ctx, a.SourcePlatform, a.SourceUserID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.Relays.WithLabelValues("none", metrics.OutcomeError).Inc()
		return "", err
	}
	if target == nil {
		metrics.Relays.WithLabelValues("none", metrics.OutcomeSkipped).Inc()
		if s.Strict {
			return "", ErrUnboundAccount
		}
		log.Info().Str("platform", a.SourcePlatform).Str("account", a.SourceUserID).Msg("account not bound; relay skipped")
		return RelaySkipped, nil
	}
	mode := string(target.Mode)
	span.SetAttributes(attribute.String("delivery.mode", mode))

	normalized, err := s.normalizer().Normalize(ctx, a)
	if err != nil {
		span.RecordError(err)
		metrics.Relays.WithLabelValues(mode, metrics.OutcomeFailed).Inc()
		return "", err
	}

	if err := s.Sender.Send(ctx, normalized, *target); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.Relays.WithLabelValues(mode, metrics.OutcomeFailed).Inc()
		return "", fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}

	metrics.Relays.WithLabelValues(mode, metrics.OutcomeOK).Inc()
	log.Info().
		Str("platform", a.SourcePlatform).
		Str("account", a.SourceUserID).
		Str("mode", mode).
		Str("kind", string(normalized.Kind)).
		Str("mime", normalized.MimeType).
		Msg("asset relayed")
	return RelaySent, nil
}

// SendGroup delivers already-normalized assets from one source account to
// its target and reports how many were sent and how many failed. When there
// is no sender or no target, every asset counts as failed.
func (s *RelayService) SendGroup(ctx context.Context, platform, accountID string, assets []domain.Asset) (sent, failed int) {
	tr := otel.Tracer("services/RelayService")
	ctx, span := tr.Start(ctx, "SendGroup",
		trace.WithAttributes(
			attribute.String("platform", platform),
			attribute.String("account.id", accountID),
			attribute.Int("group.size", len(assets)),
		),
	)
	defer span.End()

	if len(assets) == 0 {
		return 0, 0
	}
	if s.Sender == nil {
		return 0, len(assets)
	}
	target, err := s.Resolver.ResolveDeliveryTarget(ctx, platform, accountID)
	if err != nil || target == nil {
		log.Warn().Err(err).Str("account", accountID).Int("count", len(assets)).Msg("group send without target")
		return 0, len(assets)
	}
	mode := string(target.Mode)
	for _, a := range assets {
		if err := s.Sender.Send(ctx, a, *target); err != nil {
			log.Warn().Err(err).Str("file", a.FileName).Msg("group item send failed")
			metrics.Relays.WithLabelValues(mode, metrics.OutcomeFailed).Inc()
			failed++
			continue
		}
		metrics.Relays.WithLabelValues(mode, metrics.OutcomeOK).Inc()
		sent++
	}
	return sent, failed
}

// MarkBatch sends a batch-boundary marker text to the target of (platform,
// accountID). It fails with ErrUnboundAccount when there is no target and is
// a no-op when the sender cannot deliver text.
func (s *RelayService) MarkBatch(ctx context.Context, platform, accountID, text string) error {
	ts, ok := s.Sender.(TextSender)
	if !ok {
		return nil
	}
	target, err := s.Resolver.ResolveDeliveryTarget(ctx, platform, accountID)
	if err != nil {
		return err
	}
	if target == nil {
		return ErrUnboundAccount
	}
	if err := ts.SendText(ctx, text, *target); err != nil {
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}
	return nil
}

// CanMark reports whether the configured sender can deliver marker text.
func (s *RelayService) CanMark() bool {
	_, ok := s.Sender.(TextSender)
	return ok
}
