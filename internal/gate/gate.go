package gate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kenneth/credential-gateway/internal/apikey"
	"github.com/kenneth/credential-gateway/internal/audit"
	"github.com/kenneth/credential-gateway/internal/crypto"
	"github.com/kenneth/credential-gateway/internal/errs"
	"github.com/kenneth/credential-gateway/internal/metrics"
	"github.com/kenneth/credential-gateway/internal/oauth"
	"github.com/kenneth/credential-gateway/internal/ratelimit"
	"github.com/kenneth/credential-gateway/internal/workload"
)

// Admitter decides whether a client may proceed.
type Admitter interface {
	Admit(ctx context.Context, clientID string, class ratelimit.Class, bodySize int64) (ratelimit.Decision, error)
}

// KeyAuthenticator verifies API keys.
type KeyAuthenticator interface {
	Authenticate(ctx context.Context, token, requiredScope string) (*apikey.Credential, error)
}

// SessionAuthenticator verifies OAuth session handles.
type SessionAuthenticator interface {
	Authenticate(ctx context.Context, handle string) (*oauth.Identity, error)
}

// IdentityResolver supplies workload identity leases.
type IdentityResolver interface {
	Resolve(ctx context.Context, platform, resource string) (*workload.Lease, bool)
}

// SecretOpener unseals stored platform secrets.
type SecretOpener interface {
	Open(ctx context.Context, ownerID, platform string) (string, *crypto.Verification, error)
}

// Components are the collaborators of a Gate. Limiter, Keys and Secrets are
// required; Sessions and Workload may be nil when disabled.
type Components struct {
	Limiter  Admitter
	Keys     KeyAuthenticator
	Sessions SessionAuthenticator
	Workload IdentityResolver
	Secrets  SecretOpener
}

// Options configures a Gate.
type Options struct {
	Logger  *logrus.Logger
	Metrics *metrics.Metrics
	Audit   audit.Logger
	Tracer  trace.Tracer
}

// Gate runs the access pipeline for every inbound operation.
type Gate struct {
	c       Components
	logger  *logrus.Logger
	metrics *metrics.Metrics
	audit   audit.Logger
	tracer  trace.Tracer
}

// New creates a gate.
func New(c Components, opts Options) (*Gate, error) {
	if c.Limiter == nil || c.Keys == nil || c.Secrets == nil {
		return nil, errors.New("gate requires a limiter, a key authenticator and a secret opener")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Audit == nil {
		opts.Audit = audit.Discard()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("credential-gateway/gate")
	}
	return &Gate{
		c:       c,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		audit:   opts.Audit,
		tracer:  opts.Tracer,
	}, nil
}

func (g *Gate) outcome(span trace.Span, outcome string, err error) {
	span.SetAttributes(attribute.String("gate.outcome", outcome))
	if err != nil {
		span.SetStatus(codes.Error, outcome)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	if g.metrics != nil {
		g.metrics.RecordGateOutcome(outcome)
	}
}

func (g *Gate) withCorrelation(ctx context.Context, req *Request) context.Context {
	if req.CorrelationID != "" {
		return audit.WithCorrelationID(ctx, req.CorrelationID)
	}
	return ctx
}

// Admit consults the rate limiter. A non-admit decision is returned as
// *errs.RateLimitError.
func (g *Gate) Admit(ctx context.Context, req *Request) (ratelimit.Decision, error) {
	clientID := req.ClientID()
	class := req.class()
	d, err := g.c.Limiter.Admit(ctx, clientID, class, req.BodySize)
	if err != nil {
		return d, fmt.Errorf("rate limiter unavailable: %w", err)
	}
	if d.Verdict == ratelimit.Admit {
		return d, nil
	}

	corr := audit.CorrelationID(ctx)
	g.audit.LogRateLimitViolation(corr, clientID, string(class), string(d.Verdict), d.RetryAfter, d.Violations)
	if d.Escalated {
		kind := audit.KindClientBlocked
		if d.Reason == ratelimit.ReasonOversized {
			kind = audit.KindOversizedRequest
		}
		g.audit.LogSecurityEvent(kind, audit.SeverityWarning, corr, "", map[string]interface{}{
			"client_id":           clientID,
			"class":               string(class),
			"body_size":           req.BodySize,
			"violations":          d.Violations,
			"retry_after_seconds": d.RetryAfter.Seconds(),
		})
	}
	return d, &errs.RateLimitError{RetryAfter: d.RetryAfter, Blocked: d.Verdict == ratelimit.Block}
}

// Authenticate establishes the caller's identity from the presented API key
// or, failing that, the OAuth session handle.
func (g *Gate) Authenticate(ctx context.Context, req *Request) (*Principal, error) {
	ctx = g.withCorrelation(ctx, req)
	ctx, span := g.tracer.Start(ctx, "gate.Authenticate")
	defer span.End()

	p, err := g.authenticate(ctx, req)
	if err != nil {
		g.outcome(span, outcomeOf(err), err)
		return nil, err
	}
	span.SetAttributes(attribute.String("gate.auth_method", p.Method))
	return p, nil
}

func (g *Gate) authenticate(ctx context.Context, req *Request) (*Principal, error) {
	var (
		p      *Principal
		err    error
		method string
	)
	switch {
	case req.BearerToken != "":
		method = MethodAPIKey
		var cred *apikey.Credential
		cred, err = g.c.Keys.Authenticate(ctx, req.BearerToken, req.RequiredScope)
		if cred != nil {
			p = &Principal{OwnerID: cred.OwnerID, Method: method, Scopes: cred.Scopes, CredentialID: cred.ID}
		}
	case req.SessionHandle != "" && g.c.Sessions != nil:
		method = MethodSession
		var id *oauth.Identity
		id, err = g.c.Sessions.Authenticate(ctx, req.SessionHandle)
		if id != nil {
			p = &Principal{OwnerID: id.OwnerID(), Method: method, Identity: id}
		}
	default:
		g.recordAuth("none", "required")
		return nil, errs.ErrAuthenticationRequired
	}

	corr := audit.CorrelationID(ctx)
	switch {
	case errors.Is(err, errs.ErrAuthorizationDenied):
		g.recordAuth(method, "denied")
		ownerFP := ""
		if p != nil {
			ownerFP = p.OwnerFingerprint()
		}
		g.audit.LogSecurityEvent(audit.KindAuthorizationDenied, audit.SeverityWarning, corr, ownerFP, map[string]interface{}{
			"method":         method,
			"required_scope": req.RequiredScope,
			"client_id":      req.ClientID(),
		})
		return nil, err
	case err != nil:
		g.recordAuth(method, "failed")
		if errors.Is(err, errs.ErrAuthenticationFailed) || errors.Is(err, errs.ErrAuthenticationRequired) {
			g.audit.LogSecurityEvent(audit.KindAuthenticationFailure, audit.SeverityWarning, corr, "", map[string]interface{}{
				"method":    method,
				"client_id": req.ClientID(),
				"path":      req.Path,
			})
		}
		return nil, err
	}

	if req.OwnerID != "" && req.OwnerID != p.OwnerID {
		g.recordAuth(method, "denied")
		g.audit.LogSecurityEvent(audit.KindAuthorizationDenied, audit.SeverityCritical, corr, p.OwnerFingerprint(), map[string]interface{}{
			"method":                   method,
			"reason":                   "cross_tenant",
			"target_owner_fingerprint": crypto.OwnerFingerprint(req.OwnerID),
			"client_id":                req.ClientID(),
		})
		return nil, fmt.Errorf("%w: owner mismatch", errs.ErrAuthorizationDenied)
	}
	g.recordAuth(method, "success")
	return p, nil
}

func (g *Gate) recordAuth(method, result string) {
	if g.metrics != nil {
		g.metrics.RecordAuthAttempt(method, result)
	}
}

// Access runs the full pipeline for req and returns the credential to use
// against req.Platform. Workload identity, when available, bypasses caller
// authentication and stored secrets for the call.
func (g *Gate) Access(ctx context.Context, req *Request) (*Grant, error) {
	ctx = g.withCorrelation(ctx, req)
	ctx, span := g.tracer.Start(ctx, "gate.Access", trace.WithAttributes(
		attribute.String("gate.platform", req.Platform),
		attribute.String("gate.class", string(req.class())),
	))
	defer span.End()

	if strings.TrimSpace(req.Platform) == "" {
		err := errs.InvalidInput("platform is required")
		g.outcome(span, "invalid_input", err)
		return nil, err
	}

	if _, err := g.Admit(ctx, req); err != nil {
		g.outcome(span, outcomeOf(err), err)
		return nil, err
	}

	if g.c.Workload != nil {
		if lease, ok := g.c.Workload.Resolve(ctx, req.Platform, req.Resource); ok {
			g.outcome(span, "workload_identity", nil)
			return &Grant{
				Kind:      GrantWorkloadToken,
				Scheme:    SchemeBearer,
				Platform:  req.Platform,
				Secret:    lease.Token,
				Lease:     lease,
				ExpiresAt: lease.ExpiresAt,
			}, nil
		}
	}

	p, err := g.authenticate(ctx, req)
	if err != nil {
		g.outcome(span, outcomeOf(err), err)
		return nil, err
	}

	secret, v, err := g.c.Secrets.Open(ctx, p.OwnerID, req.Platform)
	if err != nil {
		g.outcome(span, outcomeOf(err), err)
		if !errors.Is(err, errs.ErrCredentialNotFound) && !errors.Is(err, errs.ErrDecryptionFailed) {
			g.logger.WithFields(logrus.Fields{
				"owner_fingerprint": p.OwnerFingerprint(),
				"platform":          req.Platform,
				"error":             err.Error(),
			}).Error("Failed to open stored secret")
		}
		return nil, err
	}

	g.outcome(span, "stored_secret", nil)
	return &Grant{
		Kind:         GrantStoredSecret,
		Scheme:       schemeFor(req.Platform),
		Platform:     req.Platform,
		Secret:       secret,
		Principal:    p,
		Verification: v,
	}, nil
}

// outcomeOf maps an error onto a low-cardinality metric label.
func outcomeOf(err error) string {
	switch {
	case errors.Is(err, errs.ErrRateLimited):
		var rl *errs.RateLimitError
		if errors.As(err, &rl) && rl.Blocked {
			return "blocked"
		}
		return "throttled"
	case errors.Is(err, errs.ErrAuthenticationRequired):
		return "authentication_required"
	case errors.Is(err, errs.ErrAuthenticationFailed):
		return "authentication_failed"
	case errors.Is(err, errs.ErrAuthorizationDenied):
		return "authorization_denied"
	case errors.Is(err, errs.ErrCredentialNotFound):
		return "credential_not_found"
	case errors.Is(err, errs.ErrDecryptionFailed):
		return "decryption_failed"
	case errors.Is(err, errs.ErrUpstreamProvider):
		return "upstream_error"
	case errors.Is(err, errs.ErrInvalidInput):
		return "invalid_input"
	default:
		return "error"
	}
}
