package prompt

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kailas-cloud/promptmeter/internal/domain"
	"github.com/kailas-cloud/promptmeter/internal/domain/action"
)

// Request is one generate or refine submission.
// ActionID identifies the triggering user action; duplicates coalesce.
type Request struct {
	Family   string
	Prompt   string
	Model    string
	ActionID string
}

// Result is the outcome of a completed action.
// A failed charge does not fail the action: ChargeErr carries the reason.
type Result struct {
	Text            string
	Model           string
	Action          action.Type
	EstimatedTokens int
	TokensCharged   int
	Charged         bool
	ChargeErr       error
	GuestRemaining  int
	Shared          bool
}

// Meters are the per-caller usage gates for a single request.
type Meters struct {
	Principal string
	Guest     Tracker
	Ledger    Ledger
}

// Service runs prompt actions through the guest gate, the balance pre-check,
// the generator and the post-success deduction, in that order.
type Service struct {
	generator domain.Generator
	identity  domain.Identity
	model     string
	group     singleflight.Group
	logger    *zap.Logger
}

// New creates a prompt service. defaultModel applies when a request names none.
func New(generator domain.Generator, identity domain.Identity, defaultModel string, logger *zap.Logger) *Service {
	return &Service{
		generator: generator,
		identity:  identity,
		model:     defaultModel,
		logger:    logger,
	}
}

// Run performs the action. Concurrent submissions with the same principal, family,
// ActionID and body share one execution, so a triggering action is charged at most
// once. Requests without an ActionID always run on their own.
func (s *Service) Run(ctx context.Context, m Meters, req Request) (Result, error) {
	a, err := action.Parse(req.Family)
	if err != nil {
		return Result{}, err
	}
	if !a.IsGuestMetered() {
		return Result{}, fmt.Errorf("%w: %s is not a generation action", domain.ErrInvalidRequest, a)
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return Result{}, fmt.Errorf("%w: prompt is required", domain.ErrInvalidRequest)
	}
	if req.Model == "" {
		req.Model = s.model
	}

	if req.ActionID == "" {
		return s.run(ctx, m, a, req)
	}

	v, err, shared := s.group.Do(coalesceKey(m.Principal, a, req), func() (any, error) {
		return s.run(ctx, m, a, req)
	})
	if err != nil {
		return Result{}, err
	}
	res := v.(Result)
	res.Shared = shared
	return res, nil
}

func (s *Service) run(ctx context.Context, m Meters, a action.Type, req Request) (Result, error) {
	m.Guest.ClaimForUser(ctx)
	if !m.Guest.CheckAndIncrement(ctx, a) {
		return Result{}, fmt.Errorf("%w: %s", domain.ErrGuestLimitReached, a)
	}

	user, authed := s.identity.CurrentUser(ctx)
	estimate := m.Ledger.EstimateCost(a, utf8.RuneCountInString(req.Prompt))

	if authed {
		if !m.Ledger.Plan().Present() {
			if _, err := m.Ledger.LoadPlan(ctx); err != nil {
				return Result{}, fmt.Errorf("load plan: %w", err)
			}
		}
		if !m.Ledger.HasSufficientBalance(estimate) {
			return Result{}, fmt.Errorf("%w: %s needs about %d tokens", domain.ErrInsufficientTokens, a, estimate)
		}
	}

	gen, err := s.generator.Generate(ctx, domain.GenerationRequest{
		Action: string(a),
		Prompt: req.Prompt,
		Model:  req.Model,
	})
	if err != nil {
		if !errors.Is(err, domain.ErrGeneratorFailed) {
			err = fmt.Errorf("%w: %w", domain.ErrGeneratorFailed, err)
		}
		return Result{}, err
	}

	res := Result{
		Text:            gen.Text,
		Model:           gen.Model,
		Action:          a,
		EstimatedTokens: estimate,
		GuestRemaining:  m.Guest.RemainingAttempts(ctx, a),
	}
	if !authed {
		return res, nil
	}

	tokens := gen.TotalTokens
	if tokens <= 0 {
		tokens = estimate
	}
	ok, err := m.Ledger.Deduct(ctx, tokens, a, gen.Model)
	switch {
	case err != nil:
		res.ChargeErr = err
		s.logger.Error("Deduction failed after successful generation",
			zap.String("user_id", user.ID),
			zap.String("action", string(a)),
			zap.Int("tokens", tokens),
			zap.Error(err),
		)
	case !ok:
		res.ChargeErr = domain.ErrInsufficientTokens
		s.logger.Warn("Deduction refused after successful generation",
			zap.String("user_id", user.ID),
			zap.String("action", string(a)),
			zap.Int("tokens", tokens),
		)
	default:
		res.Charged = true
		res.TokensCharged = tokens
	}
	return res, nil
}

// coalesceKey identifies one triggering action. The body digest keeps a reused
// ActionID with a different prompt from joining an unrelated execution.
func coalesceKey(principal string, a action.Type, req Request) string {
	h := sha256.New()
	h.Write([]byte(req.Model))
	h.Write([]byte{0})
	h.Write([]byte(req.Prompt))
	return principal + "|" + string(a) + "|" + req.ActionID + "|" + hex.EncodeToString(h.Sum(nil))
}
