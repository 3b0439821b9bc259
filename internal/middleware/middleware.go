// Package middleware provides the ambient HTTP middleware chain
// (request ID, structured logging, panic recovery, security headers) and
// the Authenticator wrapper that resolves a request's caller identity and
// enforces the bucket-policy decision before a handler ever runs.
package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/simples3/simples3/internal/apierr"
	"github.com/simples3/simples3/internal/auth"
	"github.com/simples3/simples3/internal/metadata"
	"github.com/simples3/simples3/internal/policy"
)

type ctxKey string

const (
	ctxRequestID ctxKey = "requestID"
	ctxPrincipal ctxKey = "principal"
)

// RequestID assigns a UUID to every request that doesn't already carry one.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("x-amz-request-id", id)
		r = r.WithContext(context.WithValue(r.Context(), ctxRequestID, id))
		next.ServeHTTP(w, r)
	})
}

// GetRequestID returns the request ID stashed in ctx by RequestID, or "".
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(ctxRequestID).(string); ok {
		return id
	}
	return ""
}

// Logger logs each request's method, path, status and duration via zap.
func Logger(log *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)
			log.Infow("request",
				"requestID", GetRequestID(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", wrapped.statusCode,
				"duration", time.Since(start),
				"remoteAddr", r.RemoteAddr,
			)
		})
	}
}

// Recoverer converts a panic in the handler chain into a 500 response
// instead of crashing the server.
func Recoverer(log *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					log.Errorw("panic recovered", "requestID", GetRequestID(r.Context()), "error", err)
					apierr.ErrInternal.WithResource(r.URL.Path).WriteXML(w)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// Headers sets the server-identity and baseline security headers every
// response carries.
func Headers(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Server", "simples3")
		next.ServeHTTP(w, r)
	})
}

// MaxBodySize rejects (and otherwise caps) request bodies over maxSize.
func MaxBodySize(maxSize int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxSize {
				apierr.ErrEntityTooLarge.WithResource(r.URL.Path).WriteXML(w)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxSize)
			next.ServeHTTP(w, r)
		})
	}
}

// VirtualHost rewrites host-style bucket requests ("<bucket>.<hostname>")
// into path-style ("/<bucket>/...") ahead of the router, when hostname is
// configured. A request whose Host header isn't a subdomain of hostname
// passes through unchanged.
func VirtualHost(hostname string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if hostname == "" {
			return next
		}
		suffix := "." + hostname
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			host := r.Host
			if idx := strings.LastIndex(host, ":"); idx >= 0 {
				host = host[:idx]
			}
			if strings.HasSuffix(host, suffix) {
				bucket := strings.TrimSuffix(host, suffix)
				if bucket != "" {
					r.URL.Path = "/" + bucket + r.URL.Path
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Chain composes middlewares so the first one given runs outermost.
func Chain(mws ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}

type statusWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// Identity is the resolved caller of an authenticated request: either an
// access key ID, or "" for a request admitted anonymously.
type Identity struct {
	AccessKeyID string
	Anonymous   bool
}

// GetIdentity returns the Identity Authenticator.Wrap attached to ctx.
func GetIdentity(ctx context.Context) Identity {
	if id, ok := ctx.Value(ctxPrincipal).(Identity); ok {
		return id
	}
	return Identity{Anonymous: true}
}

// Authenticator resolves caller identity and enforces bucket policy ahead
// of the route handler, per the precedence order: presigned URL, then
// global-anonymous mode, then SigV4 Authorization header, then (if no
// signature is present) per-bucket anonymous-read, per-object public flag,
// and finally anonymous policy evaluation. A signed caller is refused only
// when the bucket's policy document explicitly denies the request.
type Authenticator struct {
	verifier        *auth.Verifier
	metaStore       metadata.Store
	globalAnonymous bool
	log             *zap.SugaredLogger
}

func NewAuthenticator(verifier *auth.Verifier, metaStore metadata.Store, globalAnonymous bool, log *zap.SugaredLogger) *Authenticator {
	return &Authenticator{verifier: verifier, metaStore: metaStore, globalAnonymous: globalAnonymous, log: log}
}

// BucketKeyFromPath extracts (bucket, key) from a path-style S3 request
// path ("/bucket/key/with/slashes" -> "bucket", "key/with/slashes").
func BucketKeyFromPath(p string) (bucket, key string) {
	p = strings.TrimPrefix(p, "/")
	idx := strings.Index(p, "/")
	if idx < 0 {
		return p, ""
	}
	return p[:idx], p[idx+1:]
}

func actionForMethod(method string, hasKey bool) string {
	switch method {
	case http.MethodGet, http.MethodHead:
		if hasKey {
			return "s3:GetObject"
		}
		return "s3:ListBucket"
	case http.MethodPut:
		if hasKey {
			return "s3:PutObject"
		}
		return "s3:CreateBucket"
	case http.MethodDelete:
		if hasKey {
			return "s3:DeleteObject"
		}
		return "s3:DeleteBucket"
	case http.MethodPost:
		if hasKey {
			return "s3:PutObject"
		}
		return "s3:ListBucket"
	default:
		return "s3:*"
	}
}

// Wrap enforces authentication/authorization ahead of next.
func (a *Authenticator) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		bucket, key := BucketKeyFromPath(r.URL.Path)
		resource := "arn:aws:s3:::" + bucket
		if key != "" {
			resource += "/" + key
		}
		action := actionForMethod(r.Method, key != "")

		isPresigned := r.URL.Query().Get("X-Amz-Signature") != ""
		hasAuthHeader := r.Header.Get("Authorization") != ""

		if isPresigned {
			res, err := a.verifier.VerifyPresigned(ctx, r)
			if err != nil {
				apierr.ErrSignatureDoesNotMatch.WithResource(r.URL.Path).WriteXML(w)
				return
			}
			a.serveAuthenticated(w, r, next, bucket, action, resource, res.AccessKeyID)
			return
		}

		// Global-anonymous mode admits every remaining request without
		// signature verification, ahead of any Authorization header the
		// caller happens to carry. A stale or garbage header should not
		// cause a spurious 403 when auth is off entirely.
		if a.globalAnonymous {
			a.serve(w, r, next, Identity{Anonymous: true})
			return
		}

		if hasAuthHeader {
			res, err := a.verifier.VerifyHeader(ctx, r)
			if err != nil {
				apierr.ErrSignatureDoesNotMatch.WithResource(r.URL.Path).WriteXML(w)
				return
			}
			a.serveAuthenticated(w, r, next, bucket, action, resource, res.AccessKeyID)
			return
		}

		a.serveAnonymous(w, r, next, bucket, key, action, resource)
	})
}

func (a *Authenticator) serveAuthenticated(w http.ResponseWriter, r *http.Request, next http.Handler, bucket, action, resource, accessKeyID string) {
	ctx := r.Context()
	b, _ := a.metaStore.GetBucket(ctx, bucket)
	if b != nil && b.Owner == accessKeyID {
		if decision := a.evalPolicy(ctx, bucket, accessKeyID, action, resource, r); decision == policy.Deny {
			apierr.ErrAccessDenied.WithResource(r.URL.Path).WriteXML(w)
			return
		}
		a.serve(w, r, next, Identity{AccessKeyID: accessKeyID})
		return
	}
	if a.evalPolicy(ctx, bucket, accessKeyID, action, resource, r) == policy.Deny {
		apierr.ErrAccessDenied.WithResource(r.URL.Path).WriteXML(w)
		return
	}
	a.serve(w, r, next, Identity{AccessKeyID: accessKeyID})
}

// serveAnonymous is reached only once Wrap has already ruled out
// global-anonymous mode, a valid presigned URL, and a valid signed
// Authorization header.
func (a *Authenticator) serveAnonymous(w http.ResponseWriter, r *http.Request, next http.Handler, bucket, key, action, resource string) {
	ctx := r.Context()
	b, _ := a.metaStore.GetBucket(ctx, bucket)
	isRead := r.Method == http.MethodGet || r.Method == http.MethodHead
	if b != nil && isRead && b.AnonymousRead {
		a.serve(w, r, next, Identity{Anonymous: true})
		return
	}
	if b != nil && key != "" && isRead {
		if obj, _ := a.metaStore.GetObject(ctx, bucket, key); obj != nil && obj.Public {
			a.serve(w, r, next, Identity{Anonymous: true})
			return
		}
	}

	if a.evalPolicy(ctx, bucket, "", action, resource, r) == policy.Allow {
		a.serve(w, r, next, Identity{Anonymous: true})
		return
	}

	apierr.ErrAccessDenied.WithResource(r.URL.Path).WriteXML(w)
}

func (a *Authenticator) evalPolicy(ctx context.Context, bucket, principal, action, resource string, r *http.Request) policy.Decision {
	raw, err := a.metaStore.GetBucketPolicy(ctx, bucket)
	if err != nil || len(raw) == 0 {
		return policy.ImplicitDeny
	}
	doc, err := policy.Parse(raw)
	if err != nil {
		a.log.Warnw("stored bucket policy failed to parse", "bucket", bucket, "error", err)
		return policy.ImplicitDeny
	}
	return policy.Evaluate(doc, policy.Request{
		Principal: principal,
		Action:    action,
		Resource:  resource,
		Prefix:    r.URL.Query().Get("prefix"),
		SourceIP:  remoteIP(r),
		Now:       time.Now().UTC(),
		Secure:    r.TLS != nil,
	})
}

func (a *Authenticator) serve(w http.ResponseWriter, r *http.Request, next http.Handler, id Identity) {
	ctx := context.WithValue(r.Context(), ctxPrincipal, id)
	next.ServeHTTP(w, r.WithContext(ctx))
}

func remoteIP(r *http.Request) string {
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx >= 0 {
		host = host[:idx]
	}
	return host
}
