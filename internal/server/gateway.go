package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/edgevideo/gateway/internal/cache"
	"github.com/edgevideo/gateway/internal/gwcontext"
	"github.com/edgevideo/gateway/internal/gwerrors"
	"github.com/edgevideo/gateway/internal/options"
	"github.com/edgevideo/gateway/internal/origin"
	"github.com/edgevideo/gateway/internal/rangeadapter"
	"github.com/edgevideo/gateway/internal/recovery"
	"github.com/edgevideo/gateway/internal/response"
	"github.com/edgevideo/gateway/internal/signer"
	"github.com/edgevideo/gateway/internal/transform"
	"github.com/edgevideo/gateway/internal/upstream"
	"github.com/edgevideo/gateway/internal/gwconfig"
)

// gatewayHandler implements the wildcard transformation route: resolve
// options and origin, check the cache, fetch and transform on a miss,
// recover from upstream failure, honor Range, and write the response.
type gatewayHandler struct {
	manager      *gwconfig.Manager
	cacheStore   cache.Store
	presignCache *signer.PresignCache
	fetcher      *upstream.Fetcher
	directClient *http.Client
	limits       *upstream.LearnedLimits
	maxRetries   int
	logger       *slog.Logger
}

func (g *gatewayHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	snap := g.manager.Current()

	debugOK := debugRequested(r, snap)
	gc := gwcontext.New(g.logger, map[string]any{
		"method": r.Method,
		"path":   r.URL.Path,
	}, gwcontext.WithDebug(debugOK, debugOK && snap.Debug.Verbose))

	builder := response.Builder{}

	o, captures, err := snap.Resolver.Match(r.URL.Path)
	if err != nil {
		gwErr, _ := gwerrors.As(err)
		_ = builder.Write(w, r, gc, response.Result{}, gwErr)
		return
	}
	gc.AddBreadcrumb("origin", "matched origin", map[string]any{"origin": o.Name})

	limits := options.DefaultLimits()
	if g.limits != nil {
		learned := g.limits.Current()
		limits.DurationMinSeconds = float64(learned.DurationMinMillis) / 1000
		limits.DurationMaxSeconds = float64(learned.DurationMaxMillis) / 1000
	}

	opt, err := options.Resolve(r.URL.Query(), snap.Derivatives, snap.Defaults, limits)
	if err != nil {
		gwErr, _ := gwerrors.As(err)
		_ = builder.Write(w, r, gc, response.Result{}, gwErr)
		return
	}

	if !o.Cacheable {
		g.fetchAndServe(w, r, gc, builder, snap, o, captures, opt, "", 1)
		return
	}

	optionsDigest := cache.OptionsDigest(canonicalOptionsString(opt))
	logicalKey := cache.LogicalKey(r.URL.Path, optionsDigest)
	version, err := g.cacheStore.ReadVersion(r.Context(), logicalKey)
	if err != nil {
		version = 1
	}
	key := cache.Key(logicalKey, version)

	if served := g.serveFromCache(w, r, gc, builder, o, key); served {
		return
	}

	g.fetchAndServe(w, r, gc, builder, snap, o, captures, opt, key, version)
}

// serveFromCache attempts to serve the request entirely from the cache
// store, honoring Range. It returns false when the entry is absent and the
// caller must fall through to the upstream fetch path.
func (g *gatewayHandler) serveFromCache(w http.ResponseWriter, r *http.Request, gc *gwcontext.Context, builder response.Builder, o origin.Origin, key string) bool {
	ctx := r.Context()

	body, meta, found, err := g.cacheStore.Open(ctx, key)
	if err != nil || !found {
		return false
	}

	if rangeHeader := r.Header.Get("Range"); rangeHeader != "" {
		_ = body.Close()
		rangeBody, br, present, rangeErr := rangeadapter.ResolveCacheRange(ctx, g.cacheStore, key, rangeHeader, meta.TotalLength)
		if rangeErr != nil {
			gwErr, _ := gwerrors.As(rangeErr)
			_ = builder.Write(w, r, gc, response.Result{}, gwErr)
			return true
		}
		if present {
			gc.AddBreadcrumb("cache", "range hit", map[string]any{"key": key})
			_ = builder.Write(w, r, gc, response.Result{
				StatusCode:  http.StatusPartialContent,
				ContentType: meta.ContentType,
				Body:        rangeBody,
				CacheStatus: response.CacheHit,
				TTL:         o.TTL,
				Range:       &br,
				TotalLength: meta.TotalLength,
			}, nil)
			return true
		}
		body, _, found, err = g.cacheStore.Open(ctx, key)
		if err != nil || !found {
			return false
		}
	}

	gc.AddBreadcrumb("cache", "hit", map[string]any{"key": key})
	_ = builder.Write(w, r, gc, response.Result{
		StatusCode:    http.StatusOK,
		ContentType:   meta.ContentType,
		Body:          body,
		ContentLength: meta.TotalLength,
		CacheStatus:   response.CacheHit,
		TTL:           o.TTL,
	}, nil)
	return true
}

// fetchAndServe performs the upstream transformation fetch (with recovery
// on failure), serves the result, and — when cacheKey is non-empty — spools
// a copy of the body into the cache store in the background. version is the
// resolved cache-key version; it is folded into the upstream transformation
// URL so a bumped version busts any intermediate cache (§4.5).
func (g *gatewayHandler) fetchAndServe(w http.ResponseWriter, r *http.Request, gc *gwcontext.Context, builder response.Builder, snap *gwconfig.Snapshot, o origin.Origin, captures map[string]string, opt options.Options, cacheKey string, version uint64) {
	ctx := r.Context()

	sources, err := origin.Sources(o, nil)
	if err != nil {
		gwErr, _ := gwerrors.As(err)
		_ = builder.Write(w, r, gc, response.Result{}, gwErr)
		return
	}
	firstSource := sources[0]

	machine := &recovery.Machine{
		TransformFetch: func(ctx context.Context, upstreamURL string, mode options.Mode) (*upstream.Result, error) {
			return g.fetcher.Fetch(ctx, upstreamURL, mode)
		},
		DirectFetch: func(ctx context.Context, sourceURL string) (*upstream.Result, error) {
			return g.directFetch(ctx, sourceURL)
		},
		BuildTransformURL: func(source origin.Source) (string, error) {
			return g.buildTransformURL(ctx, source, captures, r.URL.Path, opt, snap.Raw.Video.CdnCgi.BasePath, version)
		},
		BuildSourceURL: func(source origin.Source) (string, error) {
			return g.buildSourceURL(ctx, source, captures, r.URL.Path)
		},
		MaxRetries: g.maxRetries,
	}

	upstreamURL, buildErr := machine.BuildTransformURL(firstSource)
	var result *upstream.Result
	var outcome *recovery.Outcome
	if buildErr != nil {
		out := recovery.Outcome{Kind: recovery.OutcomeTerminal, Err: gwerrors.Wrap(gwerrors.KindURLConstruction, buildErr, "")}
		outcome = &out
	} else {
		result, err = g.fetcher.Fetch(ctx, upstreamURL, opt.Mode)
		if err != nil {
			gwErr, ok := gwerrors.As(err)
			if !ok {
				gwErr = gwerrors.Wrap(gwerrors.KindFetchFailed, err, "")
			}
			gc.AddBreadcrumb("upstream", "transform fetch failed", map[string]any{"error": gwErr.Message})
			out := machine.Run(ctx, o, opt.Mode, firstSource, gwErr, nil)
			outcome = &out
		}
	}

	if outcome != nil {
		if outcome.Kind == recovery.OutcomeTerminal {
			_ = builder.Write(w, r, gc, response.Result{}, outcome.Err)
			return
		}
		result = outcome.Result
	}

	defer result.Body.Close()

	rangeHeader := r.Header.Get("Range")

	var body io.Reader = result.Body
	var pw *io.PipeWriter
	if cacheKey != "" && rangeHeader == "" && snap.EnableKVCache && result.ContentLength > 0 && result.ContentLength <= snap.MaxCacheSizeBytes {
		pr, w2 := io.Pipe()
		pw = w2
		body = io.TeeReader(result.Body, pw)
		go g.writeToCache(cacheKey, pr, result.ContentType, result.ContentLength, o.TTL)
	}

	res := response.Result{
		StatusCode:    result.StatusCode,
		ContentType:   result.ContentType,
		Body:          io.NopCloser(body),
		ContentLength: result.ContentLength,
		CacheStatus:   response.CacheMiss,
		TTL:           o.TTL,
	}
	if outcome != nil {
		res.Recovery = outcome
	}

	if rangeHeader != "" && result.ContentLength > 0 {
		br, present, rangeErr := rangeadapter.ParseByteRange(rangeHeader, result.ContentLength)
		if rangeErr != nil {
			gwErr, _ := gwerrors.As(rangeErr)
			_ = builder.Write(w, r, gc, response.Result{}, gwErr)
			return
		}
		if present {
			sliced, sliceErr := rangeadapter.ServeDirectRange(body, br)
			if sliceErr != nil {
				gwErr, _ := gwerrors.As(sliceErr)
				_ = builder.Write(w, r, gc, response.Result{}, gwErr)
				return
			}
			res.Body = io.NopCloser(sliced)
			res.StatusCode = http.StatusPartialContent
			res.TotalLength = result.ContentLength
			res.Range = &br
		}
	}

	_ = builder.Write(w, r, gc, res, nil)
	if pw != nil {
		_ = pw.Close()
	}
}

func (g *gatewayHandler) writeToCache(key string, body io.Reader, contentType string, length int64, ttl origin.TtlPolicy) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	meta := cache.Metadata{ContentType: contentType, TotalLength: length, CreatedAt: time.Now()}
	ttlDuration := time.Duration(ttl.OK) * time.Second
	if err := g.cacheStore.PutBody(ctx, key, body, meta, cache.DefaultInlineThreshold, cache.DefaultChunkSize, ttlDuration); err != nil {
		g.logger.Warn("background cache write failed", slog.String("key", key), slog.Any("error", err))
	}
}

func (g *gatewayHandler) directFetch(ctx context.Context, sourceURL string) (*upstream.Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindURLConstruction, err, "").WithField("url")
	}
	resp, err := g.directClient.Do(req)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindFetchFailed, err, "direct fetch failed")
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, gwerrors.New(gwerrors.KindFetchFailed, resp.Status).WithField("status")
	}
	return &upstream.Result{
		Body:          resp.Body,
		ContentType:   resp.Header.Get("Content-Type"),
		ContentLength: resp.ContentLength,
		StatusCode:    resp.StatusCode,
	}, nil
}

// buildTransformURL resolves source's template into a concrete source URL
// (presigning it first when the source requires auth), then wraps it as
// the upstream transformation service's request URL. version is appended
// as a cache-busting ?v=N query parameter when it exceeds 1.
func (g *gatewayHandler) buildTransformURL(ctx context.Context, source origin.Source, captures map[string]string, requestPath string, opt options.Options, cdnBase string, version uint64) (string, error) {
	sourceURL, err := g.resolveSourceURL(ctx, source, captures, requestPath)
	if err != nil {
		return "", err
	}

	var timeSeconds, durationSeconds *float64
	if opt.Time != "" {
		if s, err := options.ParseTimeSeconds(opt.Time); err == nil {
			timeSeconds = &s
		}
	}
	if opt.Duration != "" {
		if s, err := options.ParseTimeSeconds(opt.Duration); err == nil {
			durationSeconds = &s
		}
	}
	if cdnBase == "" {
		cdnBase = defaultCdnBase
	}
	params := transform.BuildParams(opt, timeSeconds, durationSeconds)
	return transform.BuildUpstreamURL(cdnBase, params, sourceURL, version), nil
}

// defaultCdnBase is used when a configuration document leaves
// video.cdnCgi.basePath unset.
const defaultCdnBase = "https://transform.internal"

// buildSourceURL resolves source's own URL for a direct, untransformed
// fetch, bypassing the upstream transformation indirection entirely.
func (g *gatewayHandler) buildSourceURL(ctx context.Context, source origin.Source, captures map[string]string, requestPath string) (string, error) {
	return g.resolveSourceURL(ctx, source, captures, requestPath)
}

func (g *gatewayHandler) resolveSourceURL(ctx context.Context, source origin.Source, captures map[string]string, requestPath string) (string, error) {
	resolved := origin.ResolveTemplate(source.Path, captures, requestPath)
	base := source.URL
	rawURL := strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(resolved, "/")

	if !source.Auth.Enabled {
		return rawURL, nil
	}

	switch source.Auth.Type {
	case origin.AuthAWSS3PresignedURL:
		if g.presignCache == nil {
			return rawURL, nil
		}
		creds := signer.Credentials{
			AccessKeyID:     source.Auth.CredentialRefs["access_key_id"],
			SecretAccessKey: source.Auth.CredentialRefs["secret_access_key"],
		}
		expires := time.Duration(source.Auth.ExpiresInSeconds) * time.Second
		if expires <= 0 {
			expires = time.Hour
		}
		return g.presignCache.Get(ctx, source.BucketBinding, rawURL, creds, expires)
	default:
		return rawURL, nil
	}
}

func debugRequested(r *http.Request, snap *gwconfig.Snapshot) bool {
	if !snap.Debug.Enabled {
		return false
	}
	if len(snap.Debug.AllowedIPs) == 0 {
		return true
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx >= 0 {
		host = host[:idx]
	}
	for _, ip := range snap.Debug.AllowedIPs {
		if ip == host {
			return true
		}
	}
	return false
}

func canonicalOptionsString(opt options.Options) string {
	var b strings.Builder
	write := func(k, v string) {
		if v == "" {
			return
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(v)
		b.WriteByte(';')
	}
	write("mode", string(opt.Mode))
	if opt.Width != 0 {
		write("width", strconv.Itoa(opt.Width))
	}
	if opt.Height != 0 {
		write("height", strconv.Itoa(opt.Height))
	}
	write("fit", string(opt.Fit))
	write("format", string(opt.Format))
	write("quality", string(opt.Quality))
	write("compression", string(opt.Compression))
	write("time", opt.Time)
	write("duration", opt.Duration)
	write("audio", strconv.FormatBool(opt.Audio))
	write("loop", strconv.FormatBool(opt.Loop))
	write("autoplay", strconv.FormatBool(opt.Autoplay))
	write("muted", strconv.FormatBool(opt.Muted))
	return b.String()
}
