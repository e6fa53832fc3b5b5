// Package services – BindingService
//
// This file implements BindingService, the component that owns the pairing
// protocol linking accounts on different chat platforms into one hub. It
// issues single-use pairing codes, consumes them with force-bind semantics,
// registers webhook overrides for the target platform, and resolves where an
// asset from a given source account should be delivered.
//
// Consistency: every operation runs inside one GORM transaction while holding
// the service mutex, so a reader never observes a half-applied eviction or
// mode switch.
//
// Observability: all public methods are OpenTelemetry-instrumented and count
// outcomes in stickerhub_binding_operations_total.
package services

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/stickerhub/internal/domain"
	"github.com/tbourn/stickerhub/internal/metrics"
	"github.com/tbourn/stickerhub/internal/repo"

	// OpenTelemetry
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultCodeTTL is the pairing code lifetime when none is configured.
	DefaultCodeTTL = 10 * time.Minute

	codeAttempts = 10
	codeBytes    = 4
)

// BindingService coordinates pairing codes, platform bindings and webhook
// overrides.
type BindingService struct {
	DB *gorm.DB

	// TargetPlatform is the platform that supports webhook overrides and
	// receives relayed assets.
	TargetPlatform string

	// CodeTTL is the lifetime of freshly issued pairing codes.
	CodeTTL time.Duration

	// AllowedHosts is the webhook host allow-list. nil selects
	// DefaultWebhookAllowedHosts; an empty non-nil slice disables the host
	// check.
	AllowedHosts []string

	// Injectable for tests.
	Now      func() time.Time
	NewHubID func() string
	NewCode  func() (string, error)

	mu sync.Mutex
}

// NewBindingService returns a BindingService delivering to targetPlatform.
// A non-positive ttl selects DefaultCodeTTL.
func NewBindingService(db *gorm.DB, targetPlatform string, ttl time.Duration, allowedHosts []string) *BindingService {
	if ttl <= 0 {
		ttl = DefaultCodeTTL
	}
	if allowedHosts == nil {
		allowedHosts = DefaultWebhookAllowedHosts
	}
	return &BindingService{
		DB:             db,
		TargetPlatform: targetPlatform,
		CodeTTL:        ttl,
		AllowedHosts:   allowedHosts,
	}
}

func (s *BindingService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *BindingService) newHubID() string {
	if s.NewHubID != nil {
		return s.NewHubID()
	}
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (s *BindingService) newCode() (string, error) {
	if s.NewCode != nil {
		return s.NewCode()
	}
	b := make([]byte, codeBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return strings.ToUpper(hex.EncodeToString(b)), nil
}

func (s *BindingService) allowedHosts() []string {
	if s.AllowedHosts == nil {
		return DefaultWebhookAllowedHosts
	}
	return s.AllowedHosts
}

func (s *BindingService) codeTTL() time.Duration {
	if s.CodeTTL <= 0 {
		return DefaultCodeTTL
	}
	return s.CodeTTL
}

// ensureHub returns the caller's hub, minting and binding a new one when the
// account is unbound. Must run inside a transaction.
func (s *BindingService) ensureHub(ctx context.Context, tx *gorm.DB, platform, accountID string, now time.Time) (hubID string, minted bool, err error) {
	hubID, err = repo.GetHubID(ctx, tx, platform, accountID)
	if err == nil {
		return hubID, false, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return "", false, err
	}
	hubID = s.newHubID()
	if err := repo.UpsertBinding(ctx, tx, platform, accountID, hubID, now); err != nil {
		return "", false, err
	}
	return hubID, true, nil
}

// RequestPairingCode issues a single-use code for the caller's hub, creating
// the hub first if the account is unbound. The returned message tells the user
// what to send on the other platform and for how long the code is valid.
func (s *BindingService) RequestPairingCode(ctx context.Context, platform, accountID string) (string, error) {
	tr := otel.Tracer("services/BindingService")
	ctx, span := tr.Start(ctx, "RequestPairingCode",
		trace.WithAttributes(
			attribute.String("platform", platform),
			attribute.String("account.id", accountID),
		),
	)
	defer span.End()

	if strings.TrimSpace(platform) == "" || strings.TrimSpace(accountID) == "" {
		metrics.BindingOps.WithLabelValues("request_code", metrics.OutcomeRejected).Inc()
		return "Bind failed: missing account identity.", ErrInvalidAccount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	ttl := s.codeTTL()
	var (
		code   string
		hubID  string
		minted bool
	)
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		hubID, minted, err = s.ensureHub(ctx, tx, platform, accountID, now)
		if err != nil {
			return err
		}
		for i := 0; i < codeAttempts; i++ {
			c, err := s.newCode()
			if err != nil {
				return err
			}
			_, err = repo.CreatePairingCode(ctx, tx, c, hubID, now, ttl)
			if errors.Is(err, repo.ErrDuplicate) {
				continue
			}
			if err != nil {
				return err
			}
			code = c
			return nil
		}
		return ErrCodeGeneration
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.BindingOps.WithLabelValues("request_code", metrics.OutcomeError).Inc()
		log.Error().Err(err).Str("platform", platform).Str("account", accountID).Msg("pairing code request failed")
		return "", err
	}

	metrics.BindingOps.WithLabelValues("request_code", metrics.OutcomeOK).Inc()
	log.Info().
		Str("platform", platform).
		Str("account", accountID).
		Str("hub", hubID).
		Bool("new_hub", minted).
		Time("expires_at", now.Add(ttl)).
		Msg("pairing code issued")

	return fmt.Sprintf(
		"Identity registered on this platform.\nSend this on the other platform: /bind %s\nValid for: %d minutes",
		code, int(ttl/time.Minute),
	), nil
}

// ConsumeCode binds (platform, accountID) to the hub that issued code. Any
// other account of the same platform in that hub is evicted. Consuming a code
// from the target platform switches the hub to direct delivery by clearing
// its webhook override.
func (s *BindingService) ConsumeCode(ctx context.Context, platform, accountID, code string) (string, error) {
	tr := otel.Tracer("services/BindingService")
	ctx, span := tr.Start(ctx, "ConsumeCode",
		trace.WithAttributes(
			attribute.String("platform", platform),
			attribute.String("account.id", accountID),
		),
	)
	defer span.End()

	if strings.TrimSpace(platform) == "" || strings.TrimSpace(accountID) == "" {
		metrics.BindingOps.WithLabelValues("consume_code", metrics.OutcomeRejected).Inc()
		return "Bind failed: missing account identity.", ErrInvalidAccount
	}
	normalized := NormalizeCode(code)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var (
		hubID   string
		res     repo.ForceBindResult
		cleared bool
	)
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if normalized == "" {
			return ErrInvalidCode
		}
		pc, err := repo.GetPairingCode(ctx, tx, normalized)
		if errors.Is(err, repo.ErrNotFound) {
			return ErrInvalidCode
		}
		if err != nil {
			return err
		}
		if pc.Used {
			return ErrCodeAlreadyUsed
		}
		if pc.Expired(now) {
			return ErrCodeExpired
		}
		if err := repo.MarkPairingCodeUsed(ctx, tx, pc.Code, now); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return ErrCodeAlreadyUsed
			}
			return err
		}
		hubID = pc.HubID

		res, err = repo.ForceBind(ctx, tx, platform, accountID, hubID, now)
		if err != nil {
			return err
		}
		if platform == s.TargetPlatform {
			cleared, err = repo.DeleteWebhookOverride(ctx, tx, hubID)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if msg, ok := consumeFailureMessage(err); ok {
			metrics.BindingOps.WithLabelValues("consume_code", metrics.OutcomeRejected).Inc()
			log.Warn().Str("platform", platform).Str("account", accountID).Str("code", normalized).Err(err).Msg("bind rejected")
			return msg, err
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.BindingOps.WithLabelValues("consume_code", metrics.OutcomeError).Inc()
		log.Error().Err(err).Str("platform", platform).Str("account", accountID).Msg("bind failed")
		return "", err
	}

	metrics.BindingOps.WithLabelValues("consume_code", metrics.OutcomeOK).Inc()
	span.SetAttributes(attribute.String("hub.id", hubID))
	log.Info().
		Str("platform", platform).
		Str("account", accountID).
		Str("hub", hubID).
		Str("previous_hub", res.PreviousHubID).
		Str("evicted", res.EvictedUserID).
		Bool("webhook_cleared", cleared).
		Msg("bind succeeded")

	return "Bind succeeded. This platform's identity mapping has been updated.", nil
}

func consumeFailureMessage(err error) (string, bool) {
	switch {
	case errors.Is(err, ErrInvalidCode):
		return "Bind failed: invalid code.", true
	case errors.Is(err, ErrCodeAlreadyUsed):
		return "Bind failed: this code has already been used.", true
	case errors.Is(err, ErrCodeExpired):
		return "Bind failed: this code has expired.", true
	}
	return "", false
}

// HandleBindCommand implements the /bind command: without an argument it
// issues a pairing code, with one it consumes the code. User-recoverable
// failures come back as text with a nil error; only internal errors escape.
func (s *BindingService) HandleBindCommand(ctx context.Context, platform, accountID, arg string) (string, error) {
	var (
		msg string
		err error
	)
	if strings.TrimSpace(arg) == "" {
		msg, err = s.RequestPairingCode(ctx, platform, accountID)
	} else {
		msg, err = s.ConsumeCode(ctx, platform, accountID, arg)
	}
	if err != nil && IsUserError(err) {
		return msg, nil
	}
	return msg, err
}

// RegisterWebhookOverride points the caller's hub at a webhook URL on the
// target platform. It creates the hub when the caller is unbound and removes
// any direct target-platform binding of the hub.
func (s *BindingService) RegisterWebhookOverride(ctx context.Context, platform, accountID, rawURL string) (string, error) {
	tr := otel.Tracer("services/BindingService")
	ctx, span := tr.Start(ctx, "RegisterWebhookOverride",
		trace.WithAttributes(
			attribute.String("platform", platform),
			attribute.String("account.id", accountID),
		),
	)
	defer span.End()

	if strings.TrimSpace(platform) == "" || strings.TrimSpace(accountID) == "" {
		metrics.BindingOps.WithLabelValues("register_webhook", metrics.OutcomeRejected).Inc()
		return "Bind failed: missing account identity.", ErrInvalidAccount
	}

	allowed := s.allowedHosts()
	webhookURL, ok := NormalizeWebhookURL(rawURL, allowed)
	if !ok {
		metrics.BindingOps.WithLabelValues("register_webhook", metrics.OutcomeRejected).Inc()
		log.Warn().Str("platform", platform).Str("account", accountID).Msg("webhook url rejected")
		hosts := "any"
		if len(allowed) > 0 {
			hosts = strings.Join(allowed, ", ")
		}
		return fmt.Sprintf(
			"Bind failed: the webhook URL is malformed or its host is not allowed.\n"+
				"Allowed hosts: %s\n"+
				"Use a custom bot webhook URL, for example:\n"+
				"https://open.feishu.cn%sxxxx",
			hosts, WebhookHookPath,
		), ErrInvalidWebhookURL
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var (
		hubID    string
		previous string
		removed  []string
	)
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		hubID, _, err = s.ensureHub(ctx, tx, platform, accountID, now)
		if err != nil {
			return err
		}
		previous, err = repo.UpsertWebhookOverride(ctx, tx, hubID, webhookURL, now)
		if err != nil {
			return err
		}
		removed, err = repo.DeletePlatformBindingsForHub(ctx, tx, s.TargetPlatform, hubID)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.BindingOps.WithLabelValues("register_webhook", metrics.OutcomeError).Inc()
		log.Error().Err(err).Str("platform", platform).Str("account", accountID).Msg("webhook registration failed")
		return "", err
	}

	metrics.BindingOps.WithLabelValues("register_webhook", metrics.OutcomeOK).Inc()
	ev := log.Info().
		Str("platform", platform).
		Str("account", accountID).
		Str("hub", hubID).
		Str("webhook", MaskURL(webhookURL)).
		Strs("replaced_accounts", removed)
	if previous != "" {
		ev = ev.Str("previous_webhook", MaskURL(previous))
	}
	ev.Msg("webhook override registered")

	return "Bind succeeded. Delivery switched to webhook mode.", nil
}

// ResolveDeliveryTarget returns where assets from (platform, accountID)
// should be delivered, or nil when the account or its hub has no target. A
// webhook override wins over a direct binding.
func (s *BindingService) ResolveDeliveryTarget(ctx context.Context, platform, accountID string) (*domain.DeliveryTarget, error) {
	tr := otel.Tracer("services/BindingService")
	ctx, span := tr.Start(ctx, "ResolveDeliveryTarget",
		trace.WithAttributes(
			attribute.String("platform", platform),
			attribute.String("account.id", accountID),
		),
	)
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	var target *domain.DeliveryTarget
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		hubID, err := repo.GetHubID(ctx, tx, platform, accountID)
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		url, err := repo.GetWebhookOverride(ctx, tx, hubID)
		switch {
		case err == nil:
			target = &domain.DeliveryTarget{Mode: domain.DeliveryWebhook, Target: url}
			return nil
		case !errors.Is(err, repo.ErrNotFound):
			return err
		}

		acct, err := repo.GetPlatformAccount(ctx, tx, s.TargetPlatform, hubID)
		switch {
		case err == nil:
			target = &domain.DeliveryTarget{Mode: domain.DeliveryDirect, Target: acct}
		case !errors.Is(err, repo.ErrNotFound):
			return err
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.Bool("target.found", target != nil))
	log.Debug().Str("platform", platform).Str("account", accountID).Bool("hit", target != nil).Msg("delivery target lookup")
	return target, nil
}

// TargetAccount returns the account bound on targetPlatform in the hub of
// (sourcePlatform, sourceAccountID), or "" when there is none. Webhook
// overrides are not considered.
func (s *BindingService) TargetAccount(ctx context.Context, sourcePlatform, sourceAccountID, targetPlatform string) (string, error) {
	tr := otel.Tracer("services/BindingService")
	ctx, span := tr.Start(ctx, "TargetAccount",
		trace.WithAttributes(
			attribute.String("platform", sourcePlatform),
			attribute.String("account.id", sourceAccountID),
			attribute.String("target.platform", targetPlatform),
		),
	)
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	var acct string
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		hubID, err := repo.GetHubID(ctx, tx, sourcePlatform, sourceAccountID)
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		acct, err = repo.GetPlatformAccount(ctx, tx, targetPlatform, hubID)
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return "", err
	}
	return acct, nil
}

// HubID returns the hub of (platform, accountID) or "" when unbound.
func (s *BindingService) HubID(ctx context.Context, platform, accountID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hubID, err := repo.GetHubID(ctx, s.DB, platform, accountID)
	if errors.Is(err, repo.ErrNotFound) {
		return "", nil
	}
	return hubID, err
}
