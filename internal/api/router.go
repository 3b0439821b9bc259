// Package api implements the S3 REST operation layer: request routing by
// HTTP method, path and query-string sub-resource, and translation between
// the wire XML and internal/engine calls.
package api

import (
	"encoding/xml"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/simples3/simples3/internal/apierr"
	"github.com/simples3/simples3/internal/cors"
	"github.com/simples3/simples3/internal/engine"
	"github.com/simples3/simples3/internal/lifecycle"
	"github.com/simples3/simples3/internal/metadata"
	"github.com/simples3/simples3/internal/middleware"
	"github.com/simples3/simples3/internal/policy"
	"github.com/simples3/simples3/pkg/s3types"
)

var requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "simples3_api_requests_total",
	Help: "Total number of S3 API requests by operation and status.",
}, []string{"operation", "status"})

// Router dispatches S3 REST requests to internal/engine. Authentication and
// bucket-policy enforcement happen in internal/middleware ahead of this
// handler; Router assumes the request is already authorized.
type Router struct {
	engine            *engine.ObjectService
	corsEval          *cors.Evaluator
	logger            *zap.SugaredLogger
	maxXMLBodySize    int64
	maxPolicyBodySize int64
}

// defaultMaxXMLBodySize and defaultMaxPolicyBodySize match internal/config's
// own defaults, used when a caller (tests, mainly) builds a Router without
// going through config.Load.
const (
	defaultMaxXMLBodySize    = 256 * 1024
	defaultMaxPolicyBodySize = 20 * 1024
)

func NewRouter(eng *engine.ObjectService, corsEval *cors.Evaluator, logger *zap.SugaredLogger) *Router {
	return NewRouterWithLimits(eng, corsEval, logger, defaultMaxXMLBodySize, defaultMaxPolicyBodySize)
}

// NewRouterWithLimits is NewRouter with explicit XML/policy body size caps,
// wired from config.Config.MaxXMLBodySize/MaxPolicyBodySize in production.
func NewRouterWithLimits(eng *engine.ObjectService, corsEval *cors.Evaluator, logger *zap.SugaredLogger, maxXMLBodySize, maxPolicyBodySize int64) *Router {
	return &Router{
		engine:            eng,
		corsEval:          corsEval,
		logger:            logger,
		maxXMLBodySize:    maxXMLBodySize,
		maxPolicyBodySize: maxPolicyBodySize,
	}
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	bucket, key := middleware.BucketKeyFromPath(req.URL.Path)

	if origin := req.Header.Get("Origin"); origin != "" {
		r.applyCORS(w, req, bucket, origin)
	}
	if req.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	r.route(w, req, bucket, key)
}

// applyCORS resolves and sets the CORS response headers for origin against
// bucket's configuration (or the server-wide/permissive fallback).
func (r *Router) applyCORS(w http.ResponseWriter, req *http.Request, bucket, origin string) {
	requestedMethod := req.Header.Get("Access-Control-Request-Method")
	method := req.Method
	if requestedMethod != "" {
		method = requestedMethod
	}

	var bucketCORS *cors.Config
	if bucket != "" {
		if raw, err := r.engine.GetBucketCORS(req.Context(), bucket); err == nil {
			if cfg, err := cors.Parse(raw); err == nil {
				bucketCORS = cfg
			}
		}
	}

	match, ok := r.corsEval.Resolve(bucketCORS, origin, method)
	if !ok {
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", match.AllowOrigin)
	if match.AllowMethods != "" {
		w.Header().Set("Access-Control-Allow-Methods", match.AllowMethods)
	}
	if match.AllowHeaders != "" {
		w.Header().Set("Access-Control-Allow-Headers", match.AllowHeaders)
	}
	if match.ExposeHeaders != "" {
		w.Header().Set("Access-Control-Expose-Headers", match.ExposeHeaders)
	}
	if match.MaxAge > 0 {
		w.Header().Set("Access-Control-Max-Age", strconv.Itoa(match.MaxAge))
	}
}

func (r *Router) route(w http.ResponseWriter, req *http.Request, bucket, key string) {
	q := req.URL.Query()

	// Multipart upload sub-resource dispatch takes precedence over the
	// plain object verbs, mirroring the real S3 routing table.
	if bucket != "" && key != "" {
		if _, ok := q["uploads"]; ok && req.Method == http.MethodPost {
			r.handleCreateMultipartUpload(w, req, bucket, key)
			return
		}
		if uploadID := q.Get("uploadId"); uploadID != "" {
			switch req.Method {
			case http.MethodPut:
				r.handleUploadPart(w, req, bucket, key, uploadID)
			case http.MethodPost:
				r.handleCompleteMultipartUpload(w, req, bucket, key, uploadID)
			case http.MethodDelete:
				r.handleAbortMultipartUpload(w, req, uploadID)
			case http.MethodGet:
				r.handleListParts(w, req, bucket, key, uploadID)
			default:
				r.writeError(w, req, apierr.ErrMethodNotAllowed)
			}
			return
		}
	}

	switch req.Method {
	case http.MethodGet:
		r.routeGet(w, req, bucket, key, q)
	case http.MethodPut:
		r.routePut(w, req, bucket, key, q)
	case http.MethodDelete:
		r.routeDelete(w, req, bucket, key, q)
	case http.MethodHead:
		r.routeHead(w, req, bucket, key)
	case http.MethodPost:
		r.routePost(w, req, bucket, key, q)
	default:
		r.writeError(w, req, apierr.ErrMethodNotAllowed)
	}
}

func (r *Router) routeGet(w http.ResponseWriter, req *http.Request, bucket, key string, q map[string][]string) {
	switch {
	case bucket == "":
		r.handleListBuckets(w, req)
	case key == "":
		switch {
		case has(q, "lifecycle"):
			r.handleGetBucketLifecycle(w, req, bucket)
		case has(q, "cors"):
			r.handleGetBucketCors(w, req, bucket)
		case has(q, "policy"):
			r.handleGetBucketPolicy(w, req, bucket)
		case has(q, "location"):
			r.handleGetBucketLocation(w, req, bucket)
		case has(q, "acl"):
			r.handleGetBucketAcl(w, req, bucket)
		default:
			r.handleListObjects(w, req, bucket)
		}
	default:
		switch {
		case has(q, "acl"):
			r.handleGetObjectAcl(w, req, bucket, key)
		case has(q, "tagging"):
			r.handleGetObjectTags(w, req, bucket, key)
		default:
			r.handleGetObject(w, req, bucket, key)
		}
	}
}

func has(q map[string][]string, name string) bool { _, ok := q[name]; return ok }

func (r *Router) routePut(w http.ResponseWriter, req *http.Request, bucket, key string, q map[string][]string) {
	switch {
	case bucket == "":
		r.writeError(w, req, apierr.ErrInvalidBucketName)
	case key == "":
		switch {
		case has(q, "lifecycle"):
			r.handlePutBucketLifecycle(w, req, bucket)
		case has(q, "cors"):
			r.handlePutBucketCors(w, req, bucket)
		case has(q, "policy"):
			r.handlePutBucketPolicy(w, req, bucket)
		case has(q, "acl"):
			r.handlePutBucketAcl(w, req, bucket)
		default:
			r.handleCreateBucket(w, req, bucket)
		}
	default:
		switch {
		case has(q, "acl"):
			r.handlePutObjectAcl(w, req, bucket, key)
		case has(q, "tagging"):
			r.handlePutObjectTags(w, req, bucket, key)
		case req.Header.Get("x-amz-copy-source") != "":
			r.handleCopyObject(w, req, bucket, key)
		default:
			r.handlePutObject(w, req, bucket, key)
		}
	}
}

func (r *Router) routeDelete(w http.ResponseWriter, req *http.Request, bucket, key string, q map[string][]string) {
	if key == "" {
		switch {
		case has(q, "lifecycle"):
			r.handleDeleteBucketLifecycle(w, req, bucket)
		case has(q, "cors"):
			r.handleDeleteBucketCors(w, req, bucket)
		case has(q, "policy"):
			r.handleDeleteBucketPolicy(w, req, bucket)
		default:
			r.handleDeleteBucket(w, req, bucket)
		}
		return
	}
	if has(q, "tagging") {
		r.handleDeleteObjectTags(w, req, bucket, key)
		return
	}
	r.handleDeleteObject(w, req, bucket, key)
}

func (r *Router) routeHead(w http.ResponseWriter, req *http.Request, bucket, key string) {
	switch {
	case bucket != "" && key != "":
		r.handleHeadObject(w, req, bucket, key)
	case bucket != "":
		r.handleHeadBucket(w, req, bucket)
	default:
		r.writeError(w, req, apierr.ErrMethodNotAllowed)
	}
}

func (r *Router) routePost(w http.ResponseWriter, req *http.Request, bucket, key string, q map[string][]string) {
	switch {
	case bucket != "" && key == "" && has(q, "delete"):
		r.handleDeleteObjects(w, req, bucket)
	case bucket != "" && key == "":
		r.handleListMultipartUploads(w, req, bucket)
	default:
		r.writeError(w, req, apierr.ErrMethodNotAllowed)
	}
}

// --- response helpers ---

func (r *Router) writeError(w http.ResponseWriter, req *http.Request, err *apierr.Error) {
	if err.StatusCode >= 500 {
		r.logger.Errorw("request failed", "requestID", middleware.GetRequestID(req.Context()), "path", req.URL.Path, "code", err.Code)
	}
	err.WithResource(req.URL.Path).WriteXMLWithRequestID(w, middleware.GetRequestID(req.Context()))
}

func (r *Router) writeXML(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	w.Write([]byte(xml.Header))
	_ = xml.NewEncoder(w).Encode(v)
}

func owner(id string) s3types.Owner {
	if id == "" {
		id = "anonymous"
	}
	return s3types.Owner{ID: id, DisplayName: id}
}

func sanitizeHeaderValue(v string) string {
	v = strings.ReplaceAll(v, "\r", "")
	return strings.ReplaceAll(v, "\n", "")
}

// --- buckets ---

func (r *Router) handleListBuckets(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	buckets, err := r.engine.ListBuckets(ctx)
	if err != nil {
		r.writeError(w, req, apierr.As(err))
		return
	}
	id := middleware.GetIdentity(ctx)

	xmlBuckets := make([]s3types.Bucket, 0, len(buckets))
	for _, b := range buckets {
		if !id.Anonymous && b.Owner != id.AccessKeyID {
			continue
		}
		xmlBuckets = append(xmlBuckets, s3types.Bucket{
			Name:         b.Name,
			CreationDate: time.Unix(b.CreatedAt, 0).UTC().Format(time.RFC3339),
		})
	}

	r.writeXML(w, http.StatusOK, s3types.ListAllMyBucketsResult{
		Xmlns:   s3types.XMLNS,
		Owner:   owner(id.AccessKeyID),
		Buckets: s3types.Buckets{Bucket: xmlBuckets},
	})
	requestsTotal.WithLabelValues("ListBuckets", "200").Inc()
}

func (r *Router) handleCreateBucket(w http.ResponseWriter, req *http.Request, bucket string) {
	ctx := req.Context()
	id := middleware.GetIdentity(ctx)
	owner := id.AccessKeyID
	if id.Anonymous {
		owner = "anonymous"
	}
	if err := r.engine.CreateBucket(ctx, bucket, owner); err != nil {
		r.writeError(w, req, apierr.As(err))
		return
	}
	w.Header().Set("Location", "/"+bucket)
	w.WriteHeader(http.StatusOK)
	requestsTotal.WithLabelValues("CreateBucket", "200").Inc()
}

func (r *Router) handleDeleteBucket(w http.ResponseWriter, req *http.Request, bucket string) {
	if err := r.engine.DeleteBucket(req.Context(), bucket); err != nil {
		r.writeError(w, req, apierr.As(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
	requestsTotal.WithLabelValues("DeleteBucket", "204").Inc()
}

func (r *Router) handleHeadBucket(w http.ResponseWriter, req *http.Request, bucket string) {
	if _, err := r.engine.GetBucket(req.Context(), bucket); err != nil {
		r.writeError(w, req, apierr.As(err))
		return
	}
	w.WriteHeader(http.StatusOK)
	requestsTotal.WithLabelValues("HeadBucket", "200").Inc()
}

func (r *Router) handleGetBucketLocation(w http.ResponseWriter, req *http.Request, bucket string) {
	if _, err := r.engine.GetBucket(req.Context(), bucket); err != nil {
		r.writeError(w, req, apierr.As(err))
		return
	}
	r.writeXML(w, http.StatusOK, s3types.GetBucketLocationOutput{Xmlns: s3types.XMLNS})
	requestsTotal.WithLabelValues("GetBucketLocation", "200").Inc()
}

// --- objects ---

func (r *Router) handleListObjects(w http.ResponseWriter, req *http.Request, bucket string) {
	ctx := req.Context()
	q := req.URL.Query()
	maxKeys := parseIntDefault(q.Get("max-keys"), 1000)

	res, err := r.engine.ListObjects(ctx, bucket, metadata.ListOptions{
		Prefix:            q.Get("prefix"),
		Delimiter:         q.Get("delimiter"),
		MaxKeys:           maxKeys,
		ContinuationToken: q.Get("continuation-token"),
	})
	if err != nil {
		r.writeError(w, req, apierr.As(err))
		return
	}

	objects := res.Objects
	if middleware.GetIdentity(ctx).Anonymous {
		b, err := r.engine.GetBucket(ctx, bucket)
		if err != nil {
			r.writeError(w, req, apierr.As(err))
			return
		}
		if b.AnonymousListPublic {
			filtered := objects[:0:0]
			for _, o := range objects {
				if o.Public {
					filtered = append(filtered, o)
				}
			}
			objects = filtered
		}
	}

	contents := make([]s3types.Object, len(objects))
	for i, o := range objects {
		contents[i] = s3types.Object{
			Key:          o.Key,
			LastModified: time.Unix(o.CreatedAt, 0).UTC().Format(time.RFC3339),
			ETag:         `"` + o.ETag + `"`,
			Size:         o.Size,
			StorageClass: "STANDARD",
		}
	}
	prefixes := make([]s3types.CommonPrefix, len(res.CommonPrefixes))
	for i, p := range res.CommonPrefixes {
		prefixes[i] = s3types.CommonPrefix{Prefix: p}
	}

	r.writeXML(w, http.StatusOK, s3types.ListBucketResult{
		Xmlns:                 s3types.XMLNS,
		Name:                  bucket,
		Prefix:                q.Get("prefix"),
		Delimiter:             q.Get("delimiter"),
		MaxKeys:               maxKeys,
		KeyCount:              len(objects),
		IsTruncated:           res.IsTruncated,
		ContinuationToken:     q.Get("continuation-token"),
		NextContinuationToken: res.NextContinuationToken,
		Contents:              contents,
		CommonPrefixes:        prefixes,
	})
	requestsTotal.WithLabelValues("ListObjects", "200").Inc()
}

func (r *Router) handleGetObject(w http.ResponseWriter, req *http.Request, bucket, key string) {
	ctx := req.Context()
	res, err := r.engine.GetObject(ctx, bucket, key, req.Header.Get("Range"))
	if err != nil {
		r.writeError(w, req, apierr.As(err))
		return
	}
	defer res.Body.Close()

	if !checkPreconditions(w, req, res.Object.ETag) {
		return
	}

	setObjectHeaders(w, res.Object)
	w.Header().Set("Content-Length", strconv.FormatInt(res.Size, 10))
	status := http.StatusOK
	if req.Header.Get("Range") != "" {
		status = http.StatusPartialContent
	}
	w.WriteHeader(status)
	io.Copy(w, res.Body)
	requestsTotal.WithLabelValues("GetObject", "200").Inc()
}

func (r *Router) handleHeadObject(w http.ResponseWriter, req *http.Request, bucket, key string) {
	obj, err := r.engine.HeadObject(req.Context(), bucket, key)
	if err != nil {
		r.writeError(w, req, apierr.As(err))
		return
	}
	if !checkPreconditions(w, req, obj.ETag) {
		return
	}
	setObjectHeaders(w, obj)
	w.Header().Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	w.WriteHeader(http.StatusOK)
	requestsTotal.WithLabelValues("HeadObject", "200").Inc()
}

func setObjectHeaders(w http.ResponseWriter, obj *metadata.Object) {
	if obj.ContentType != "" {
		w.Header().Set("Content-Type", sanitizeHeaderValue(obj.ContentType))
	}
	if obj.ContentEncoding != "" {
		w.Header().Set("Content-Encoding", sanitizeHeaderValue(obj.ContentEncoding))
	}
	if obj.CacheControl != "" {
		w.Header().Set("Cache-Control", sanitizeHeaderValue(obj.CacheControl))
	}
	w.Header().Set("ETag", `"`+sanitizeHeaderValue(obj.ETag)+`"`)
	w.Header().Set("Last-Modified", time.Unix(obj.CreatedAt, 0).UTC().Format(http.TimeFormat))
	for k, v := range obj.UserMetadata {
		w.Header().Set("x-amz-meta-"+k, sanitizeHeaderValue(v))
	}
}

// checkPreconditions enforces If-Match/If-None-Match against etag, writing
// a 412 and returning false when the precondition fails.
func checkPreconditions(w http.ResponseWriter, req *http.Request, etag string) bool {
	quoted := `"` + etag + `"`
	if im := req.Header.Get("If-Match"); im != "" && im != quoted && im != "*" {
		apierr.ErrPreconditionFailed.WriteXML(w)
		return false
	}
	if inm := req.Header.Get("If-None-Match"); inm != "" && (inm == quoted || inm == "*") {
		w.WriteHeader(http.StatusNotModified)
		return false
	}
	return true
}

func (r *Router) handlePutObject(w http.ResponseWriter, req *http.Request, bucket, key string) {
	ctx := req.Context()
	opts := engine.PutObjectOptions{
		ContentType:     req.Header.Get("Content-Type"),
		ContentEncoding: req.Header.Get("Content-Encoding"),
		CacheControl:    req.Header.Get("Cache-Control"),
		UserMetadata:    userMetadataFromHeaders(req.Header),
		Public:          isPublicACLHeader(req.Header.Get("x-amz-acl")),
	}

	obj, err := r.engine.PutObject(ctx, bucket, key, req.Body, req.ContentLength, opts)
	if err != nil {
		r.writeError(w, req, apierr.As(err))
		return
	}
	w.Header().Set("ETag", `"`+sanitizeHeaderValue(obj.ETag)+`"`)
	w.WriteHeader(http.StatusOK)
	requestsTotal.WithLabelValues("PutObject", "200").Inc()
}

func userMetadataFromHeaders(h http.Header) map[string]string {
	const prefix = "X-Amz-Meta-"
	meta := map[string]string{}
	for k, v := range h {
		if len(v) == 0 {
			continue
		}
		if strings.HasPrefix(strings.ToLower(k), strings.ToLower(prefix)) {
			meta[k[len(prefix):]] = v[0]
		}
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}

func isPublicACLHeader(v string) bool {
	return v == "public-read" || v == "public-read-write"
}

func (r *Router) handleCopyObject(w http.ResponseWriter, req *http.Request, bucket, key string) {
	src := strings.TrimPrefix(req.Header.Get("x-amz-copy-source"), "/")
	srcBucket, srcKey, ok := strings.Cut(src, "/")
	if !ok || srcBucket == "" || srcKey == "" {
		r.writeError(w, req, apierr.ErrInvalidArgument)
		return
	}
	srcKey = strings.TrimPrefix(srcKey, "/")

	var opts *engine.PutObjectOptions
	if req.Header.Get("x-amz-metadata-directive") == "REPLACE" {
		opts = &engine.PutObjectOptions{
			ContentType:  req.Header.Get("Content-Type"),
			UserMetadata: userMetadataFromHeaders(req.Header),
		}
	}

	obj, err := r.engine.CopyObject(req.Context(), srcBucket, srcKey, bucket, key, opts)
	if err != nil {
		r.writeError(w, req, apierr.As(err))
		return
	}
	r.writeXML(w, http.StatusOK, s3types.CopyObjectResult{
		Xmlns:        s3types.XMLNS,
		LastModified: time.Unix(obj.CreatedAt, 0).UTC().Format(time.RFC3339),
		ETag:         `"` + obj.ETag + `"`,
	})
	requestsTotal.WithLabelValues("CopyObject", "200").Inc()
}

func (r *Router) handleDeleteObject(w http.ResponseWriter, req *http.Request, bucket, key string) {
	if err := r.engine.DeleteObject(req.Context(), bucket, key); err != nil {
		r.writeError(w, req, apierr.As(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
	requestsTotal.WithLabelValues("DeleteObject", "204").Inc()
}

func (r *Router) handleDeleteObjects(w http.ResponseWriter, req *http.Request, bucket string) {
	body, err := io.ReadAll(io.LimitReader(req.Body, r.maxXMLBodySize+1))
	if err != nil || int64(len(body)) > r.maxXMLBodySize {
		r.writeError(w, req, apierr.ErrMalformedXML)
		return
	}
	var in s3types.Delete
	if err := xml.Unmarshal(body, &in); err != nil {
		r.writeError(w, req, apierr.ErrMalformedXML)
		return
	}
	keys := make([]string, len(in.Objects))
	for i, o := range in.Objects {
		keys[i] = o.Key
	}

	deleted, errs := r.engine.DeleteObjects(req.Context(), bucket, keys)

	out := s3types.DeleteResult{Xmlns: s3types.XMLNS}
	for _, k := range deleted {
		out.Deleted = append(out.Deleted, s3types.DeletedObject{Key: k})
	}
	for _, e := range errs {
		out.Errors = append(out.Errors, s3types.DeleteErrorEntry{Key: e.Key, Code: e.Error.Code, Message: e.Error.Message})
	}
	r.writeXML(w, http.StatusOK, out)
	requestsTotal.WithLabelValues("DeleteObjects", "200").Inc()
}

// --- tags ---

func (r *Router) handleGetObjectTags(w http.ResponseWriter, req *http.Request, bucket, key string) {
	tags, err := r.engine.GetObjectTags(req.Context(), bucket, key)
	if err != nil {
		r.writeError(w, req, apierr.As(err))
		return
	}
	r.writeXML(w, http.StatusOK, s3types.Tagging{Xmlns: s3types.XMLNS, TagSet: s3types.TagSet{Tags: tagsToXML(tags)}})
	requestsTotal.WithLabelValues("GetObjectTagging", "200").Inc()
}

func (r *Router) handlePutObjectTags(w http.ResponseWriter, req *http.Request, bucket, key string) {
	tags, err := decodeTagging(req.Body, r.maxXMLBodySize)
	if err != nil {
		r.writeError(w, req, apierr.ErrMalformedXML)
		return
	}
	if err := r.engine.PutObjectTags(req.Context(), bucket, key, tags); err != nil {
		r.writeError(w, req, apierr.As(err))
		return
	}
	w.WriteHeader(http.StatusOK)
	requestsTotal.WithLabelValues("PutObjectTagging", "200").Inc()
}

func (r *Router) handleDeleteObjectTags(w http.ResponseWriter, req *http.Request, bucket, key string) {
	if err := r.engine.DeleteObjectTags(req.Context(), bucket, key); err != nil {
		r.writeError(w, req, apierr.As(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
	requestsTotal.WithLabelValues("DeleteObjectTagging", "204").Inc()
}

func decodeTagging(body io.Reader, maxSize int64) (map[string]string, error) {
	data, err := io.ReadAll(io.LimitReader(body, maxSize+1))
	if err != nil || int64(len(data)) > maxSize {
		return nil, io.ErrUnexpectedEOF
	}
	var in s3types.Tagging
	if err := xml.Unmarshal(data, &in); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(in.TagSet.Tags))
	for _, t := range in.TagSet.Tags {
		out[t.Key] = t.Value
	}
	return out, nil
}

func tagsToXML(tags map[string]string) []s3types.Tag {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]s3types.Tag, len(keys))
	for i, k := range keys {
		out[i] = s3types.Tag{Key: k, Value: tags[k]}
	}
	return out
}

// --- object ACL (mapped to the public-read boolean flag) ---

func (r *Router) handleGetObjectAcl(w http.ResponseWriter, req *http.Request, bucket, key string) {
	obj, err := r.engine.HeadObject(req.Context(), bucket, key)
	if err != nil {
		r.writeError(w, req, apierr.As(err))
		return
	}
	id := middleware.GetIdentity(req.Context())
	acl := s3types.AccessControlPolicy{
		Xmlns: s3types.XMLNS,
		Owner: owner(id.AccessKeyID),
		AccessControlList: s3types.AccessControlList{Grant: []s3types.Grant{
			{Grantee: s3types.Grantee{Type: "CanonicalUser", ID: id.AccessKeyID}, Permission: "FULL_CONTROL"},
		}},
	}
	if obj.Public {
		acl.AccessControlList.Grant = append(acl.AccessControlList.Grant, s3types.Grant{
			Grantee:    s3types.Grantee{Type: "Group", URI: s3types.AllUsersGroupURI},
			Permission: "READ",
		})
	}
	r.writeXML(w, http.StatusOK, acl)
	requestsTotal.WithLabelValues("GetObjectAcl", "200").Inc()
}

func (r *Router) handlePutObjectAcl(w http.ResponseWriter, req *http.Request, bucket, key string) {
	data, err := io.ReadAll(io.LimitReader(req.Body, r.maxXMLBodySize+1))
	if err != nil || int64(len(data)) > r.maxXMLBodySize {
		r.writeError(w, req, apierr.ErrMalformedXML)
		return
	}
	var in s3types.AccessControlPolicy
	if err := xml.Unmarshal(data, &in); err != nil {
		r.writeError(w, req, apierr.ErrMalformedXML)
		return
	}
	public := false
	for _, g := range in.AccessControlList.Grant {
		if g.Grantee.URI == s3types.AllUsersGroupURI && g.Permission == "READ" {
			public = true
		}
	}
	if err := r.engine.SetObjectPublic(req.Context(), bucket, key, public); err != nil {
		r.writeError(w, req, apierr.As(err))
		return
	}
	w.WriteHeader(http.StatusOK)
	requestsTotal.WithLabelValues("PutObjectAcl", "200").Inc()
}

func (r *Router) handleGetBucketAcl(w http.ResponseWriter, req *http.Request, bucket string) {
	b, err := r.engine.GetBucket(req.Context(), bucket)
	if err != nil {
		r.writeError(w, req, apierr.As(err))
		return
	}
	acl := s3types.AccessControlPolicy{
		Xmlns: s3types.XMLNS,
		Owner: owner(b.Owner),
		AccessControlList: s3types.AccessControlList{Grant: []s3types.Grant{
			{Grantee: s3types.Grantee{Type: "CanonicalUser", ID: b.Owner}, Permission: "FULL_CONTROL"},
		}},
	}
	if b.AnonymousListPublic {
		acl.AccessControlList.Grant = append(acl.AccessControlList.Grant, s3types.Grant{
			Grantee:    s3types.Grantee{Type: "Group", URI: s3types.AllUsersGroupURI},
			Permission: "READ",
		})
	}
	r.writeXML(w, http.StatusOK, acl)
	requestsTotal.WithLabelValues("GetBucketAcl", "200").Inc()
}

func (r *Router) handlePutBucketAcl(w http.ResponseWriter, req *http.Request, bucket string) {
	data, err := io.ReadAll(io.LimitReader(req.Body, r.maxXMLBodySize+1))
	if err != nil || int64(len(data)) > r.maxXMLBodySize {
		r.writeError(w, req, apierr.ErrMalformedXML)
		return
	}
	var in s3types.AccessControlPolicy
	if err := xml.Unmarshal(data, &in); err != nil {
		r.writeError(w, req, apierr.ErrMalformedXML)
		return
	}
	// A bucket-level READ grant to the AllUsers group means "anonymous
	// callers may list this bucket's objects" in S3 ACL semantics, which is
	// exactly the anonymous-list-public flag.
	listPublic := false
	for _, g := range in.AccessControlList.Grant {
		if g.Grantee.URI == s3types.AllUsersGroupURI && g.Permission == "READ" {
			listPublic = true
		}
	}
	if err := r.engine.SetBucketAnonymousListPublic(req.Context(), bucket, listPublic); err != nil {
		r.writeError(w, req, apierr.As(err))
		return
	}
	w.WriteHeader(http.StatusOK)
	requestsTotal.WithLabelValues("PutBucketAcl", "200").Inc()
}

// --- bucket configuration documents ---

func (r *Router) handleGetBucketCors(w http.ResponseWriter, req *http.Request, bucket string) {
	raw, err := r.engine.GetBucketCORS(req.Context(), bucket)
	if err != nil {
		r.writeError(w, req, apierr.As(err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(raw)
	requestsTotal.WithLabelValues("GetBucketCors", "200").Inc()
}

func (r *Router) handlePutBucketCors(w http.ResponseWriter, req *http.Request, bucket string) {
	data, err := io.ReadAll(io.LimitReader(req.Body, r.maxXMLBodySize+1))
	if err != nil || int64(len(data)) > r.maxXMLBodySize {
		r.writeError(w, req, apierr.ErrMalformedXML)
		return
	}
	if _, err := cors.Parse(data); err != nil {
		r.writeError(w, req, apierr.ErrMalformedXML)
		return
	}
	if err := r.engine.PutBucketCORS(req.Context(), bucket, data); err != nil {
		r.writeError(w, req, apierr.As(err))
		return
	}
	w.WriteHeader(http.StatusOK)
	requestsTotal.WithLabelValues("PutBucketCors", "200").Inc()
}

func (r *Router) handleDeleteBucketCors(w http.ResponseWriter, req *http.Request, bucket string) {
	if err := r.engine.DeleteBucketCORS(req.Context(), bucket); err != nil {
		r.writeError(w, req, apierr.As(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
	requestsTotal.WithLabelValues("DeleteBucketCors", "204").Inc()
}

func (r *Router) handleGetBucketLifecycle(w http.ResponseWriter, req *http.Request, bucket string) {
	raw, err := r.engine.GetBucketLifecycle(req.Context(), bucket)
	if err != nil {
		r.writeError(w, req, apierr.As(err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(raw)
	requestsTotal.WithLabelValues("GetBucketLifecycle", "200").Inc()
}

func (r *Router) handlePutBucketLifecycle(w http.ResponseWriter, req *http.Request, bucket string) {
	data, err := io.ReadAll(io.LimitReader(req.Body, r.maxXMLBodySize+1))
	if err != nil || int64(len(data)) > r.maxXMLBodySize {
		r.writeError(w, req, apierr.ErrMalformedXML)
		return
	}
	if _, err := lifecycle.Parse(data); err != nil {
		r.writeError(w, req, apierr.ErrMalformedXML)
		return
	}
	if err := r.engine.PutBucketLifecycle(req.Context(), bucket, data); err != nil {
		r.writeError(w, req, apierr.As(err))
		return
	}
	w.WriteHeader(http.StatusOK)
	requestsTotal.WithLabelValues("PutBucketLifecycle", "200").Inc()
}

func (r *Router) handleDeleteBucketLifecycle(w http.ResponseWriter, req *http.Request, bucket string) {
	if err := r.engine.DeleteBucketLifecycle(req.Context(), bucket); err != nil {
		r.writeError(w, req, apierr.As(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
	requestsTotal.WithLabelValues("DeleteBucketLifecycle", "204").Inc()
}

func (r *Router) handleGetBucketPolicy(w http.ResponseWriter, req *http.Request, bucket string) {
	raw, err := r.engine.GetBucketPolicy(req.Context(), bucket)
	if err != nil {
		r.writeError(w, req, apierr.As(err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(raw)
	requestsTotal.WithLabelValues("GetBucketPolicy", "200").Inc()
}

func (r *Router) handlePutBucketPolicy(w http.ResponseWriter, req *http.Request, bucket string) {
	data, err := io.ReadAll(io.LimitReader(req.Body, r.maxPolicyBodySize+1))
	if err != nil || int64(len(data)) > r.maxPolicyBodySize {
		r.writeError(w, req, apierr.ErrMalformedPolicy)
		return
	}
	if _, err := policy.Parse(data); err != nil {
		r.writeError(w, req, apierr.ErrMalformedPolicy)
		return
	}
	if err := r.engine.PutBucketPolicy(req.Context(), bucket, data); err != nil {
		r.writeError(w, req, apierr.As(err))
		return
	}
	w.WriteHeader(http.StatusOK)
	requestsTotal.WithLabelValues("PutBucketPolicy", "200").Inc()
}

func (r *Router) handleDeleteBucketPolicy(w http.ResponseWriter, req *http.Request, bucket string) {
	if err := r.engine.DeleteBucketPolicy(req.Context(), bucket); err != nil {
		r.writeError(w, req, apierr.As(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
	requestsTotal.WithLabelValues("DeleteBucketPolicy", "204").Inc()
}

// --- multipart uploads ---

func (r *Router) handleCreateMultipartUpload(w http.ResponseWriter, req *http.Request, bucket, key string) {
	u, err := r.engine.CreateMultipartUpload(req.Context(), bucket, key, engine.PutObjectOptions{
		ContentType:  req.Header.Get("Content-Type"),
		UserMetadata: userMetadataFromHeaders(req.Header),
	})
	if err != nil {
		r.writeError(w, req, apierr.As(err))
		return
	}
	r.writeXML(w, http.StatusOK, s3types.InitiateMultipartUploadResult{
		Xmlns: s3types.XMLNS, Bucket: bucket, Key: key, UploadID: u.UploadID,
	})
	requestsTotal.WithLabelValues("CreateMultipartUpload", "200").Inc()
}

func (r *Router) handleUploadPart(w http.ResponseWriter, req *http.Request, bucket, key, uploadID string) {
	partNumber := parseIntDefault(req.URL.Query().Get("partNumber"), 0)
	if partNumber < 1 {
		r.writeError(w, req, apierr.ErrInvalidArgument)
		return
	}
	p, err := r.engine.UploadPart(req.Context(), uploadID, partNumber, req.Body, req.ContentLength)
	if err != nil {
		r.writeError(w, req, apierr.As(err))
		return
	}
	w.Header().Set("ETag", `"`+sanitizeHeaderValue(p.ETag)+`"`)
	w.WriteHeader(http.StatusOK)
	requestsTotal.WithLabelValues("UploadPart", "200").Inc()
}

func (r *Router) handleCompleteMultipartUpload(w http.ResponseWriter, req *http.Request, bucket, key, uploadID string) {
	var in s3types.CompleteMultipartUploadInput
	if err := xml.NewDecoder(io.LimitReader(req.Body, r.maxXMLBodySize+1)).Decode(&in); err != nil {
		r.writeError(w, req, apierr.ErrMalformedXML)
		return
	}
	parts := make([]int, len(in.Parts))
	for i, p := range in.Parts {
		parts[i] = p.PartNumber
	}
	obj, err := r.engine.CompleteMultipartUpload(req.Context(), uploadID, parts)
	if err != nil {
		r.writeError(w, req, apierr.As(err))
		return
	}
	r.writeXML(w, http.StatusOK, s3types.CompleteMultipartUploadResult{
		Xmlns: s3types.XMLNS, Bucket: bucket, Key: key, ETag: `"` + obj.ETag + `"`,
	})
	requestsTotal.WithLabelValues("CompleteMultipartUpload", "200").Inc()
}

func (r *Router) handleAbortMultipartUpload(w http.ResponseWriter, req *http.Request, uploadID string) {
	if err := r.engine.AbortMultipartUpload(req.Context(), uploadID); err != nil {
		r.writeError(w, req, apierr.As(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
	requestsTotal.WithLabelValues("AbortMultipartUpload", "204").Inc()
}

func (r *Router) handleListParts(w http.ResponseWriter, req *http.Request, bucket, key, uploadID string) {
	parts, err := r.engine.ListParts(req.Context(), uploadID)
	if err != nil {
		r.writeError(w, req, apierr.As(err))
		return
	}
	listed := make([]s3types.ListedPart, len(parts))
	for i, p := range parts {
		listed[i] = s3types.ListedPart{
			PartNumber:   p.PartNumber,
			ETag:         `"` + p.ETag + `"`,
			Size:         p.Size,
			LastModified: time.Unix(p.UploadedAt, 0).UTC().Format(time.RFC3339),
		}
	}
	r.writeXML(w, http.StatusOK, s3types.ListPartsOutput{
		Xmlns: s3types.XMLNS, Bucket: bucket, Key: key, UploadID: uploadID, Parts: listed,
	})
	requestsTotal.WithLabelValues("ListParts", "200").Inc()
}

func (r *Router) handleListMultipartUploads(w http.ResponseWriter, req *http.Request, bucket string) {
	uploads, err := r.engine.ListMultipartUploads(req.Context(), bucket)
	if err != nil {
		r.writeError(w, req, apierr.As(err))
		return
	}
	out := make([]s3types.Upload, len(uploads))
	for i, u := range uploads {
		out[i] = s3types.Upload{
			Key:       u.Key,
			UploadID:  u.UploadID,
			Initiated: time.Unix(u.Initiated, 0).UTC().Format(time.RFC3339),
		}
	}
	r.writeXML(w, http.StatusOK, s3types.ListMultipartUploadsOutput{
		Xmlns: s3types.XMLNS, Bucket: bucket, Upload: out,
	})
	requestsTotal.WithLabelValues("ListMultipartUploads", "200").Inc()
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
