package gwconfig

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/edgevideo/gateway/internal/gwerrors"
	"github.com/edgevideo/gateway/internal/options"
	"github.com/edgevideo/gateway/internal/origin"
)

// Snapshot is the compiled, immutable configuration in force for a request.
// It is built once by Build and then read-only; a reload produces a new
// Snapshot rather than mutating this one.
type Snapshot struct {
	Raw Document

	Resolver    *origin.Resolver
	Derivatives map[string]options.Partial
	Defaults    options.Options
	Limits      options.Limits

	CacheMethod                   CacheMethod
	DefaultMaxAge                 time.Duration
	CacheTTL                      origin.TtlPolicy
	BypassQueryParameters         []string
	BypassHeaderValue             string
	EnableKVCache                 bool
	MaxCacheSizeBytes             int64
	StoreIndefinitely             bool
	EnableVersioning              bool
	TTLRefreshMinElapsedPercent   float64
	TTLRefreshMinRemainingSeconds int

	Debug   DebugConfig
	Logging LoggingConfig
}

// Build validates doc and compiles it into a Snapshot: origin matchers are
// compiled to *regexp.Regexp, per-origin TTLs are resolved against the
// top-level cache default, and derivative presets are converted to
// options.Partial values.
func Build(doc Document) (*Snapshot, error) {
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	if doc.Cache.Method == CacheMethodCacheAPI {
		return nil, gwerrors.New(gwerrors.KindInvalidValue,
			`cache method "cache-api" is not implemented; only "kv" is supported at runtime`).WithField("cache.method")
	}

	origins := make([]origin.Origin, 0, len(doc.Video.Origins.Items))
	for _, od := range doc.Video.Origins.Items {
		o, err := od.compile(doc.Cache)
		if err != nil {
			return nil, err
		}
		origins = append(origins, o)
	}

	derivatives := make(map[string]options.Partial, len(doc.Video.Derivatives))
	for name, d := range doc.Video.Derivatives {
		derivatives[name] = d.toPartial()
	}

	return &Snapshot{
		Raw:         doc,
		Resolver:    origin.New(origins),
		Derivatives: derivatives,
		Defaults:    doc.Video.Defaults.toOptions(),
		Limits:      options.DefaultLimits(),

		CacheMethod:                   doc.Cache.Method,
		DefaultMaxAge:                 time.Duration(doc.Cache.DefaultMaxAge) * time.Second,
		CacheTTL:                      doc.Cache.TTL.toPolicy(),
		BypassQueryParameters:         doc.Cache.BypassQueryParameters,
		BypassHeaderValue:             doc.Cache.BypassHeaderValue,
		EnableKVCache:                 doc.Cache.EnableKVCache,
		MaxCacheSizeBytes:             doc.Cache.MaxSizeBytes.Bytes(),
		StoreIndefinitely:             doc.Cache.StoreIndefinitely,
		EnableVersioning:              doc.Cache.EnableVersioning,
		TTLRefreshMinElapsedPercent:   doc.Cache.TTLRefresh.MinElapsedPercent,
		TTLRefreshMinRemainingSeconds: doc.Cache.TTLRefresh.MinRemainingSeconds,

		Debug:   doc.Debug,
		Logging: doc.Logging,
	}, nil
}

// Validate checks doc for schema errors: missing required fields, malformed
// regexes, and values outside the closed enums. It reports the first error
// found, tagged with the gwerrors configuration-error kinds.
func (doc Document) Validate() error {
	for i, od := range doc.Video.Origins.Items {
		if od.Name == "" {
			return gwerrors.New(gwerrors.KindMissingProperty, "origin name is required").WithField(itemField(i, "name"))
		}
		if od.Matcher == "" {
			return gwerrors.New(gwerrors.KindMissingProperty, "origin matcher is required").WithField(itemField(i, "matcher"))
		}
		if _, err := regexp.Compile(anchor(od.Matcher)); err != nil {
			return gwerrors.New(gwerrors.KindSchemaInvalid, "origin matcher is not a valid regex: "+err.Error()).WithField(itemField(i, "matcher"))
		}
		if len(od.Sources) == 0 {
			return gwerrors.New(gwerrors.KindMissingProperty, "origin must declare at least one source").WithField(itemField(i, "sources"))
		}
		for j, sd := range od.Sources {
			switch origin.SourceKind(sd.Kind) {
			case origin.SourceR2, origin.SourceRemote, origin.SourceFallback:
			default:
				return gwerrors.New(gwerrors.KindInvalidValue, "source kind must be one of r2, remote, fallback").
					WithField(itemField(i, "sources") + itemField(j, "kind"))
			}
		}
	}

	switch doc.Cache.Method {
	case CacheMethodKV, CacheMethodCacheAPI, "":
	default:
		return gwerrors.New(gwerrors.KindInvalidValue, "cache.method must be one of: kv, cache-api").WithField("cache.method")
	}

	if doc.Logging.Level != "" {
		switch doc.Logging.Level {
		case "debug", "info", "warn", "error":
		default:
			return gwerrors.New(gwerrors.KindInvalidValue, "logging.level must be one of: debug, info, warn, error").WithField("logging.level")
		}
	}
	if doc.Logging.Format != "" {
		switch doc.Logging.Format {
		case "json", "text":
		default:
			return gwerrors.New(gwerrors.KindInvalidValue, "logging.format must be one of: json, text").WithField("logging.format")
		}
	}

	return nil
}

func itemField(i int, name string) string {
	return "[" + strconv.Itoa(i) + "]." + name
}

// anchor wraps pattern with ^...$ when it does not already specify start/end
// anchors, matching the "anchored regex against the request path" contract.
func anchor(pattern string) string {
	p := pattern
	if !strings.HasPrefix(p, "^") {
		p = "^" + p
	}
	if !strings.HasSuffix(p, "$") {
		p += "$"
	}
	return p
}

func (od OriginDoc) compile(cache CacheConfig) (origin.Origin, error) {
	matcher, err := regexp.Compile(anchor(od.Matcher))
	if err != nil {
		return origin.Origin{}, gwerrors.New(gwerrors.KindSchemaInvalid, err.Error()).WithField("matcher")
	}
	sources := make([]origin.Source, len(od.Sources))
	for i, sd := range od.Sources {
		sources[i] = sd.compile()
	}
	return origin.Origin{
		Name:             od.Name,
		Matcher:          matcher,
		CaptureGroups:    od.CaptureGroups,
		Sources:          sources,
		TTL:              resolveTTL(od.TTL, cache),
		Cacheable:        od.Cacheable,
		Quality:          od.Quality,
		VideoCompression: od.VideoCompression,
		ProcessPath:      od.ProcessPath,
	}, nil
}

// resolveTTL implements Open Question 1: an origin's own TTL wins; when it
// has none, the top-level cache.ttl bucket is used, falling back further to
// a flat cache.defaultMaxAge applied to the OK bucket only.
func resolveTTL(own *TtlPolicyDoc, cache CacheConfig) origin.TtlPolicy {
	if own != nil {
		return own.toPolicy()
	}
	if cache.TTL != (TtlPolicyDoc{}) {
		return cache.TTL.toPolicy()
	}
	return origin.TtlPolicy{OK: cache.DefaultMaxAge}
}

func (t TtlPolicyDoc) toPolicy() origin.TtlPolicy {
	return origin.TtlPolicy{
		OK:             t.OK,
		Redirects:      t.Redirects,
		ClientError:    t.ClientError,
		ServerError:    t.ServerError,
		UseTtlByStatus: t.UseTtlByStatus,
	}
}

func (sd SourceDoc) compile() origin.Source {
	return origin.Source{
		Kind:          origin.SourceKind(sd.Kind),
		Priority:      sd.Priority,
		BucketBinding: sd.BucketBinding,
		URL:           sd.URL,
		Path:          sd.Path,
		Headers:       sd.Headers,
		Auth: origin.Auth{
			Enabled:          sd.Auth.Enabled,
			Type:             origin.AuthType(sd.Auth.Type),
			CredentialRefs:   sd.Auth.CredentialRefs,
			Region:           sd.Auth.Region,
			Service:          sd.Auth.Service,
			ExpiresInSeconds: sd.Auth.ExpiresInSeconds,
		},
	}
}

func (d DerivativeDoc) toPartial() options.Partial {
	p := options.Partial{
		Width:    d.Width,
		Height:   d.Height,
		Audio:    d.Audio,
		Loop:     d.Loop,
		Autoplay: d.Autoplay,
		Muted:    d.Muted,
	}
	if d.Mode != "" {
		m := options.Mode(d.Mode)
		p.Mode = &m
	}
	if d.Fit != "" {
		f := options.Fit(d.Fit)
		p.Fit = &f
	}
	if d.Format != "" {
		f := options.Format(d.Format)
		p.Format = &f
	}
	if d.Quality != "" {
		l := options.Level(d.Quality)
		p.Quality = &l
	}
	if d.Compression != "" {
		l := options.Level(d.Compression)
		p.Compression = &l
	}
	if d.Time != "" {
		t := d.Time
		p.Time = &t
	}
	if d.Duration != "" {
		dur := d.Duration
		p.Duration = &dur
	}
	return p
}

// toOptions applies every set field of d onto a zero-value options.Options,
// used for the video.defaults document entry which must be fully specified.
func (d DerivativeDoc) toOptions() options.Options {
	var o options.Options
	if d.Mode != "" {
		o.Mode = options.Mode(d.Mode)
	}
	if d.Width != nil {
		o.Width = *d.Width
	}
	if d.Height != nil {
		o.Height = *d.Height
	}
	if d.Fit != "" {
		o.Fit = options.Fit(d.Fit)
	}
	if d.Format != "" {
		o.Format = options.Format(d.Format)
	}
	if d.Quality != "" {
		o.Quality = options.Level(d.Quality)
	}
	if d.Compression != "" {
		o.Compression = options.Level(d.Compression)
	}
	o.Time = d.Time
	o.Duration = d.Duration
	if d.Audio != nil {
		o.Audio = *d.Audio
	}
	if d.Loop != nil {
		o.Loop = *d.Loop
	}
	if d.Autoplay != nil {
		o.Autoplay = *d.Autoplay
	}
	if d.Muted != nil {
		o.Muted = *d.Muted
	}
	return o
}
