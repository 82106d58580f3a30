package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fxamacker/cbor/v2"
	"github.com/mnehpets/onesession/storage"
)

// Storage keys for the in-flight login attempt.
const (
	VerifierKey      = "oauth_code_verifier"
	StateKey         = "oauth_state"
	ContextKeyPrefix = "oauth_context_"
)

// MaxAppDataBytes bounds OAuthContext.AppData.
const MaxAppDataBytes = 512

// OAuthContext is application flow state carried across the redirect round
// trip, bound to one state token.
type OAuthContext struct {
	SignupStep   string `cbor:"1,keyasint,omitempty" json:"signupStep,omitempty"`
	ReferralCode string `cbor:"2,keyasint,omitempty" json:"referralCode,omitempty"`
	NextURL      string `cbor:"3,keyasint,omitempty" json:"nextUrl,omitempty"`
	AppData      []byte `cbor:"4,keyasint,omitempty" json:"appData,omitempty"`
}

// Attempt is the material generated for one login.
type Attempt struct {
	Verifier  string
	Challenge string
	State     string
}

// Consumed is what a matching callback recovers.
type Consumed struct {
	Verifier string
	// Context is nil if none was bound, or if it could not be decoded.
	Context *OAuthContext
}

// AttemptStore keeps the single in-flight login attempt in a storage.Store.
//
// Only one attempt exists at a time: BeginAttempt overwrites the previous
// one, and a callback for the overwritten attempt fails with
// ErrStateMismatch.
type AttemptStore struct {
	store  storage.Store
	logger *slog.Logger
}

type AttemptOption func(*AttemptStore)

func WithAttemptLogger(l *slog.Logger) AttemptOption {
	return func(a *AttemptStore) {
		a.logger = l
	}
}

func NewAttemptStore(store storage.Store, opts ...AttemptOption) *AttemptStore {
	a := &AttemptStore{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// BeginAttempt generates and stores a new verifier and state, binding
// appCtx to the state if it is non-nil. All writes have completed when it
// returns.
func (a *AttemptStore) BeginAttempt(ctx context.Context, appCtx *OAuthContext) (Attempt, error) {
	pkce, err := GeneratePKCE()
	if err != nil {
		return Attempt{}, err
	}
	state, err := GenerateRandomToken(StateBytes)
	if err != nil {
		return Attempt{}, err
	}

	var encoded []byte
	if appCtx != nil {
		if len(appCtx.AppData) > MaxAppDataBytes {
			return Attempt{}, ErrAppDataTooLarge
		}
		encoded, err = cbor.Marshal(appCtx)
		if err != nil {
			return Attempt{}, fmt.Errorf("auth: encode oauth context: %w", err)
		}
	}

	// The previous attempt's context would otherwise be orphaned.
	prev, ok, err := storage.GetString(ctx, a.store, StateKey)
	if err != nil {
		return Attempt{}, fmt.Errorf("auth: read previous state: %w", err)
	}
	if ok {
		if err := a.store.Delete(ctx, ContextKeyPrefix+prev); err != nil {
			return Attempt{}, fmt.Errorf("auth: delete previous context: %w", err)
		}
	}

	if err := a.store.Set(ctx, VerifierKey, []byte(pkce.Verifier)); err != nil {
		return Attempt{}, fmt.Errorf("auth: store verifier: %w", err)
	}
	if err := a.store.Set(ctx, StateKey, []byte(state)); err != nil {
		return Attempt{}, fmt.Errorf("auth: store state: %w", err)
	}
	if encoded != nil {
		if err := a.store.Set(ctx, ContextKeyPrefix+state, encoded); err != nil {
			return Attempt{}, fmt.Errorf("auth: store oauth context: %w", err)
		}
	}

	return Attempt{Verifier: pkce.Verifier, Challenge: pkce.Challenge, State: state}, nil
}

// ConsumeAttempt validates the state returned on the callback.
//
// The stored state is taken from the store in one step, so of several
// concurrent callbacks carrying it at most one can match. On a mismatch
// every attempt key is removed and ErrStateMismatch is returned. On a match
// the bound context is recovered and deleted. The verifier is left in place
// for the caller to remove with DeleteVerifier once the exchange has been
// attempted.
func (a *AttemptStore) ConsumeAttempt(ctx context.Context, returnedState string) (Consumed, error) {
	stored, ok, err := storage.TakeString(ctx, a.store, StateKey)
	if err != nil {
		a.clearLogged(ctx)
		return Consumed{}, fmt.Errorf("auth: take state: %w", err)
	}
	if returnedState == "" || !ok || subtle.ConstantTimeCompare([]byte(stored), []byte(returnedState)) != 1 {
		a.logger.Warn("oauth callback rejected", "reason", "state_mismatch", "stored", ok, "returned", returnedState != "")
		a.clearLogged(ctx)
		return Consumed{}, ErrStateMismatch
	}

	appCtx := a.takeContext(ctx, ContextKeyPrefix+stored)

	verifier, ok, err := storage.GetString(ctx, a.store, VerifierKey)
	if err != nil {
		a.clearLogged(ctx)
		return Consumed{}, fmt.Errorf("auth: read verifier: %w", err)
	}
	if !ok || verifier == "" {
		a.logger.Warn("oauth callback rejected", "reason", "missing_verifier")
		a.clearLogged(ctx)
		return Consumed{}, ErrMissingVerifier
	}

	return Consumed{Verifier: verifier, Context: appCtx}, nil
}

// takeContext reads and deletes a bound context. Failures are logged and
// yield no context.
func (a *AttemptStore) takeContext(ctx context.Context, key string) *OAuthContext {
	raw, err := a.store.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		a.logger.Warn("failed to read oauth context", "err", err)
		return nil
	}
	if err := a.store.Delete(ctx, key); err != nil {
		a.logger.Warn("failed to delete oauth context", "err", err)
	}

	var appCtx OAuthContext
	if err := cbor.Unmarshal(raw, &appCtx); err != nil {
		a.logger.Warn("discarding unreadable oauth context", "err", err)
		return nil
	}
	return &appCtx
}

// DeleteVerifier removes the stored verifier.
func (a *AttemptStore) DeleteVerifier(ctx context.Context) error {
	return a.store.Delete(ctx, VerifierKey)
}

// Clear removes the verifier, the state and every bound context, including
// those of abandoned attempts.
func (a *AttemptStore) Clear(ctx context.Context) error {
	return errors.Join(
		a.store.Delete(ctx, VerifierKey),
		a.store.Delete(ctx, StateKey),
		storage.DeletePrefix(ctx, a.store, ContextKeyPrefix),
	)
}

func (a *AttemptStore) clearLogged(ctx context.Context) {
	if err := a.Clear(ctx); err != nil {
		a.logger.Warn("failed to clear oauth attempt", "err", err)
	}
}
