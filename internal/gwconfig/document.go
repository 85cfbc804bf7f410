// Package gwconfig defines the persisted configuration document, validates
// it, compiles it into an immutable Snapshot consumable by the rest of the
// gateway, and distributes snapshot updates to subscribers on reload.
// Grounded on internal/config/config.go's mapstructure-tagged schema and
// defaulting style, and on spf13/viper's file+env binding from
// cmd/tvarr/cmd/serve.go.
package gwconfig

// Document is the top-level persisted configuration document.
type Document struct {
	Version     string        `mapstructure:"version" json:"version"`
	LastUpdated string        `mapstructure:"lastUpdated" json:"lastUpdated"`
	Video       VideoConfig   `mapstructure:"video" json:"video"`
	Cache       CacheConfig   `mapstructure:"cache" json:"cache"`
	Debug       DebugConfig   `mapstructure:"debug" json:"debug"`
	Logging     LoggingConfig `mapstructure:"logging" json:"logging"`
}

// VideoConfig groups origin, derivative, and CDN-path configuration.
type VideoConfig struct {
	Origins      OriginsConfig            `mapstructure:"origins" json:"origins"`
	Derivatives  map[string]DerivativeDoc `mapstructure:"derivatives" json:"derivatives,omitempty"`
	Defaults     DerivativeDoc            `mapstructure:"defaults" json:"defaults"`
	ValidOptions map[string][]string      `mapstructure:"validOptions" json:"validOptions,omitempty"`
	Responsive   ResponsiveConfig         `mapstructure:"responsive" json:"responsive"`
	ParamMapping map[string]string        `mapstructure:"paramMapping" json:"paramMapping,omitempty"`
	CdnCgi       CdnCgiConfig             `mapstructure:"cdnCgi" json:"cdnCgi"`
}

// OriginsConfig is the ordered list of configured Origins.
type OriginsConfig struct {
	Enabled bool        `mapstructure:"enabled" json:"enabled"`
	Items   []OriginDoc `mapstructure:"items" json:"items"`
}

// OriginDoc is the on-disk shape of one origin.Origin before its matcher is
// compiled and its TTL is resolved against the top-level default.
type OriginDoc struct {
	Name             string        `mapstructure:"name" json:"name"`
	Matcher          string        `mapstructure:"matcher" json:"matcher"`
	CaptureGroups    []string      `mapstructure:"captureGroups" json:"captureGroups,omitempty"`
	Sources          []SourceDoc   `mapstructure:"sources" json:"sources"`
	TTL              *TtlPolicyDoc `mapstructure:"ttl" json:"ttl,omitempty"`
	Cacheable        bool          `mapstructure:"cacheable" json:"cacheable"`
	Quality          string        `mapstructure:"quality" json:"quality,omitempty"`
	VideoCompression string        `mapstructure:"videoCompression" json:"videoCompression,omitempty"`
	ProcessPath      bool          `mapstructure:"processPath" json:"processPath"`
}

// SourceDoc is the on-disk shape of one origin.Source.
type SourceDoc struct {
	Kind          string            `mapstructure:"kind" json:"kind"`
	Priority      int               `mapstructure:"priority" json:"priority"`
	BucketBinding string            `mapstructure:"bucketBinding" json:"bucketBinding,omitempty"`
	URL           string            `mapstructure:"url" json:"url,omitempty"`
	Path          string            `mapstructure:"path" json:"path"`
	Headers       map[string]string `mapstructure:"headers" json:"headers,omitempty"`
	Auth          AuthDoc           `mapstructure:"auth" json:"auth"`
}

// AuthDoc is the on-disk shape of one origin.Auth.
type AuthDoc struct {
	Enabled          bool              `mapstructure:"enabled" json:"enabled"`
	Type             string            `mapstructure:"type" json:"type,omitempty"`
	CredentialRefs   map[string]string `mapstructure:"credentialRefs" json:"credentialRefs,omitempty"`
	Region           string            `mapstructure:"region" json:"region,omitempty"`
	Service          string            `mapstructure:"service" json:"service,omitempty"`
	ExpiresInSeconds int               `mapstructure:"expiresInSeconds" json:"expiresInSeconds,omitempty"`
}

// TtlPolicyDoc is the on-disk shape of origin.TtlPolicy.
type TtlPolicyDoc struct {
	OK             int  `mapstructure:"ok" json:"ok"`
	Redirects      int  `mapstructure:"redirects" json:"redirects"`
	ClientError    int  `mapstructure:"clientError" json:"clientError"`
	ServerError    int  `mapstructure:"serverError" json:"serverError"`
	UseTtlByStatus bool `mapstructure:"useTtlByStatus" json:"useTtlByStatus"`
}

// DerivativeDoc is the on-disk shape of an options.Partial (a derivative
// preset, or the top-level video.defaults entry). Pointer fields distinguish
// "not set" from the zero value, mirroring options.Partial.
type DerivativeDoc struct {
	Mode        string  `mapstructure:"mode" json:"mode,omitempty"`
	Width       *int    `mapstructure:"width" json:"width,omitempty"`
	Height      *int    `mapstructure:"height" json:"height,omitempty"`
	Fit         string  `mapstructure:"fit" json:"fit,omitempty"`
	Format      string  `mapstructure:"format" json:"format,omitempty"`
	Quality     string  `mapstructure:"quality" json:"quality,omitempty"`
	Compression string  `mapstructure:"compression" json:"compression,omitempty"`
	Time        string  `mapstructure:"time" json:"time,omitempty"`
	Duration    string  `mapstructure:"duration" json:"duration,omitempty"`
	Audio       *bool   `mapstructure:"audio" json:"audio,omitempty"`
	Loop        *bool   `mapstructure:"loop" json:"loop,omitempty"`
	Autoplay    *bool   `mapstructure:"autoplay" json:"autoplay,omitempty"`
	Muted       *bool   `mapstructure:"muted" json:"muted,omitempty"`
}

// ResponsiveConfig configures IMQuery-style width/height derivative matching.
type ResponsiveConfig struct {
	Breakpoints []int   `mapstructure:"breakpoints" json:"breakpoints,omitempty"`
	Tolerance   float64 `mapstructure:"tolerance" json:"tolerance"`
}

// CdnCgiConfig configures the /cdn-cgi style processing path prefix.
type CdnCgiConfig struct {
	BasePath string `mapstructure:"basePath" json:"basePath"`
}

// CacheMethod is the configured cache delivery mechanism. Only
// CacheMethodKV is implemented at runtime; CacheMethodCacheAPI validates for
// schema fidelity with older config documents but is rejected by
// Snapshot.Build (see Open Question 2 in the design notes).
type CacheMethod string

const (
	CacheMethodKV       CacheMethod = "kv"
	CacheMethodCacheAPI CacheMethod = "cache-api"
)

// CacheConfig configures the KV cache.
type CacheConfig struct {
	Method                CacheMethod                `mapstructure:"method" json:"method"`
	DefaultMaxAge         int                        `mapstructure:"defaultMaxAge" json:"defaultMaxAge"`
	TTL                   TtlPolicyDoc               `mapstructure:"ttl" json:"ttl"`
	BypassQueryParameters []string                   `mapstructure:"bypassQueryParameters" json:"bypassQueryParameters,omitempty"`
	BypassHeaderValue     string                     `mapstructure:"bypassHeaderValue" json:"bypassHeaderValue,omitempty"`
	EnableKVCache         bool                       `mapstructure:"enableKVCache" json:"enableKVCache"`
	MaxSizeBytes          ByteSize                   `mapstructure:"maxSizeBytes" json:"maxSizeBytes"`
	StoreIndefinitely     bool                       `mapstructure:"storeIndefinitely" json:"storeIndefinitely"`
	EnableVersioning      bool                       `mapstructure:"enableVersioning" json:"enableVersioning"`
	TTLRefresh            TTLRefreshConfig           `mapstructure:"ttlRefresh" json:"ttlRefresh"`
	Profiles              map[string]CacheProfileDoc `mapstructure:"profiles" json:"profiles,omitempty"`
}

// TTLRefreshConfig configures the presigned-URL/background refresh threshold.
type TTLRefreshConfig struct {
	MinElapsedPercent   float64 `mapstructure:"minElapsedPercent" json:"minElapsedPercent"`
	MinRemainingSeconds int     `mapstructure:"minRemainingSeconds" json:"minRemainingSeconds"`
}

// CacheProfileDoc names an override bucket matched by regex against the
// request path.
type CacheProfileDoc struct {
	Regex        string       `mapstructure:"regex" json:"regex"`
	Cacheability bool         `mapstructure:"cacheability" json:"cacheability"`
	TTL          TtlPolicyDoc `mapstructure:"ttl" json:"ttl"`
}

// DebugConfig gates debug headers and the debug=view JSON dump.
type DebugConfig struct {
	Enabled    bool     `mapstructure:"enabled" json:"enabled"`
	Verbose    bool     `mapstructure:"verbose" json:"verbose"`
	AllowedIPs []string `mapstructure:"allowedIPs" json:"allowedIPs,omitempty"`
}

// LoggingConfig mirrors internal/config's LoggingConfig (level/format/source).
type LoggingConfig struct {
	Level      string `mapstructure:"level" json:"level"`
	Format     string `mapstructure:"format" json:"format"`
	AddSource  bool   `mapstructure:"addSource" json:"addSource"`
	TimeFormat string `mapstructure:"timeFormat" json:"timeFormat"`
}
