// Package credentials is the Credential Resolver (spec §4.7): resolves
// scan credentials through an ordered strategy chain, caps their TTL,
// and returns the result in an in-memory Envelope whose Close deletes
// every credential entry (the string values are not overwritten in
// place).
package credentials

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/epam/syndicate-rule-engine-sub001/internal/domain"
	"github.com/epam/syndicate-rule-engine-sub001/internal/errors"
)

// assumeRoleRate caps how often a single tenant may exchange a binding
// ARN for session credentials, independent of job admission volume.
const assumeRoleRate = 1 // per second
const assumeRoleBurst = 2

// maxTTL is the hard ceiling spec §4.7 names: 2 hours, the conservative
// assumption for "the cloud provider's minimum of {role session
// duration, 2h}" absent a more specific binding TTL.
const maxTTL = 2 * time.Hour

// Explicit credentials supplied directly in a job submission record.
type Explicit struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	TTL             time.Duration
}

// Binding is a tenant's previously-registered credential binding.
type Binding struct {
	AssumeRoleARN   string
	StaticAccessKey string
	StaticSecretKey string
	SessionDuration time.Duration
}

// EnvironmentPolicy controls whether the submitter's own environment
// credentials may be used as a last resort.
type EnvironmentPolicy struct {
	Allowed bool
}

// AssumeRoleFunc abstracts the STS (or equivalent) call a real
// deployment would make to exchange a binding ARN for session
// credentials; tests supply a fake.
type AssumeRoleFunc func(ctx context.Context, arn string, duration time.Duration) (Explicit, error)

// Envelope holds unsealed credential bytes for the lifetime of one
// worker invocation. Close drops every reference so the values become
// eligible for garbage collection; callers must never retain the Env
// map past Close.
type Envelope struct {
	Env      map[string]string
	ExpireAt time.Time
}

// Close discards every credential value held by the envelope.
func (e *Envelope) Close() {
	for k := range e.Env {
		delete(e.Env, k)
	}
	e.Env = nil
}

// Resolver implements the precedence chain from spec §4.7.
type Resolver struct {
	assumeRole AssumeRoleFunc
	envPolicy  EnvironmentPolicy

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func New(assumeRole AssumeRoleFunc, envPolicy EnvironmentPolicy) *Resolver {
	return &Resolver{assumeRole: assumeRole, envPolicy: envPolicy, limiters: make(map[string]*rate.Limiter)}
}

// limiterFor returns the per-tenant assume-role limiter, creating one
// on first use.
func (r *Resolver) limiterFor(tenantKey string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[tenantKey]
	if !ok {
		l = rate.NewLimiter(assumeRoleRate, assumeRoleBurst)
		r.limiters[tenantKey] = l
	}
	return l
}

// SubmitterEnv is the submitter-environment fallback source, injected
// by the caller (never read from os.Environ directly, so tests control it).
type SubmitterEnv struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// Resolve applies the precedence: explicit, then binding, then
// submitter-environment (if permitted). Returns NO_CREDENTIALS if none
// apply.
func (r *Resolver) Resolve(ctx context.Context, tenant *domain.Tenant, explicit *Explicit, binding *Binding, submitterEnv *SubmitterEnv) (*Envelope, error) {
	if explicit != nil {
		ttl := explicit.TTL
		if ttl <= 0 || ttl > maxTTL {
			ttl = maxTTL
		}
		return envelopeFrom(explicit.AccessKeyID, explicit.SecretAccessKey, explicit.SessionToken, ttl), nil
	}

	if binding != nil {
		if binding.AssumeRoleARN != "" {
			duration := binding.SessionDuration
			if duration <= 0 || duration > maxTTL {
				duration = maxTTL
			}
			if err := r.limiterFor(tenant.Key()).Wait(ctx); err != nil {
				return nil, errors.Upstream("credential-resolver-assume-role", err)
			}
			creds, err := r.assumeRole(ctx, binding.AssumeRoleARN, duration)
			if err != nil {
				return nil, errors.Upstream("credential-resolver-assume-role", err)
			}
			return envelopeFrom(creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken, duration), nil
		}
		if binding.StaticAccessKey != "" {
			return envelopeFrom(binding.StaticAccessKey, binding.StaticSecretKey, "", maxTTL), nil
		}
	}

	if submitterEnv != nil && r.envPolicy.Allowed {
		return envelopeFrom(submitterEnv.AccessKeyID, submitterEnv.SecretAccessKey, submitterEnv.SessionToken, maxTTL), nil
	}

	return nil, errors.NoCredentials(tenant.Key())
}

func envelopeFrom(accessKey, secretKey, sessionToken string, ttl time.Duration) *Envelope {
	env := &Envelope{
		Env: map[string]string{
			"AWS_ACCESS_KEY_ID":     accessKey,
			"AWS_SECRET_ACCESS_KEY": secretKey,
		},
		ExpireAt: time.Now().Add(ttl),
	}
	if sessionToken != "" {
		env.Env["AWS_SESSION_TOKEN"] = sessionToken
	}
	return env
}
