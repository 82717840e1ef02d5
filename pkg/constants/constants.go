package constants

import "time"

const (
	LibraryVersion = "0.1.0"
	LibraryName    = "authkit"

	DefaultBaseURL   = "http://localhost:8080"
	DefaultUserAgent = "authkit/0.1"

	// Backend authentication endpoints
	LoginPath          = "/auth/login"
	RegisterPath       = "/auth/register"
	RefreshPath        = "/auth/refresh"
	LogoutPath         = "/auth/logout"
	CSRFTokenPath      = "/auth/csrf-token"
	SocialCallbackPath = "/auth/oauth/callback"

	// Headers produced by the interceptor chain
	HeaderAuthorization = "Authorization"
	HeaderCSRFToken     = "X-CSRF-Token"
	HeaderRequestID     = "X-Request-ID"
	BearerPrefix        = "Bearer "
	TokenTypeBearer     = "Bearer"

	// Durable storage keys
	AccessTokenKey  = "access_token"
	RefreshTokenKey = "refresh_token"
	ExpiresAtKey    = "expires_at"

	DefaultHTTPTimeout   = 30 * time.Second
	DefaultDialerTimeout = 10 * time.Second
	MaxAPIRequestSize    = 1 * 1024 * 1024  // 1MB max request size
	MaxAPIResponseSize   = 10 * 1024 * 1024 // 10MB max response size
	MaxErrorBodySize     = 64 * 1024        // error bodies kept on httperr.Error
	MaxRedirects         = 5                // Maximum redirects to follow
	MaxCSRFResponseSize  = 256 * 1024       // csrf endpoint may answer with an HTML page

	// Connection pool settings
	MaxIdleConns        = 100              // Maximum number of idle connections across all hosts
	MaxIdleConnsPerHost = 10               // Maximum idle connections per host
	MaxConnsPerHost     = 100              // Maximum connections per host
	IdleConnTimeout     = 90 * time.Second // How long an idle connection can remain idle

	// Fine-grained timeouts
	TLSHandshakeTimeout   = 10 * time.Second // TLS handshake timeout
	ResponseHeaderTimeout = 30 * time.Second // Response header timeout
	ExpectContinueTimeout = 1 * time.Second  // Expect: 100-continue timeout
	KeepAliveTimeout      = 30 * time.Second // Connection keep-alive timeout

	ContentTypeHTML = "text/html"
	ContentTypeJSON = "application/json"

	SchemeHTTP  = "http"
	SchemeHTTPS = "https"

	DirPermissions  = 0700
	FilePermissions = 0600

	AuthTimeout           = 5 * time.Minute
	TokenRefreshThreshold = 5 * time.Minute
	TokenRefreshTimeout   = 30 * time.Second // Timeout for token refresh operations
	CSRFFetchTimeout      = 15 * time.Second // Timeout for csrf token fetches
	ServerShutdownTimeout = 5 * time.Second
	MinTokenLength        = 10   // Minimum token length
	MaxTokenLength        = 4096 // Maximum token length

	DefaultStorageDir   = ".authkit"
	SessionFileName     = "session.json"
	SessionLockFileName = "session.lock"
	DefaultRedisPrefix  = "authkit:session:"
	DefaultSQLiteFile   = "session.db"

	StorageBackendFile   = "file"
	StorageBackendMemory = "memory"
	StorageBackendRedis  = "redis"
	StorageBackendSQLite = "sqlite"

	CSRFMetaName = "csrf-token"

	EnvBaseURL   = "AUTHKIT_BASE_URL"
	EnvLogLevel  = "AUTHKIT_LOG_LEVEL"
	EnvRedisAddr = "AUTHKIT_REDIS_ADDR"

	ValidationErrorEmpty    = "cannot be empty"
	ValidationErrorRequired = "must be provided"
	ValidationErrorPositive = "must be positive"
	ValidationErrorInvalid  = "is invalid"
	ConfigErrorPrefix       = "config error in "
)

// MutatingMethods are the HTTP methods that require a CSRF token.
var MutatingMethods = []string{"POST", "PUT", "PATCH", "DELETE"}

// BootstrapPaths never carry a bearer token.
var BootstrapPaths = []string{LoginPath, RegisterPath, RefreshPath, SocialCallbackPath, CSRFTokenPath}

// CSRFExemptPaths are mutating endpoints that must not require a CSRF token themselves.
var CSRFExemptPaths = []string{CSRFTokenPath, RefreshPath}

// CSRFErrorVocabulary holds lower-case fragments servers use when rejecting a CSRF token.
var CSRFErrorVocabulary = []string{
	"csrf",
	"xsrf",
	"invalid csrf token",
	"csrf token mismatch",
	"csrf token missing",
	"forbidden - invalid token",
	"anti-forgery",
}

// QuotaErrorVocabulary holds lower-case fragments of quota-exceeded 403 responses from external APIs.
var QuotaErrorVocabulary = []string{
	"quota",
	"quotaexceeded",
	"rate limit exceeded",
	"dailylimitexceeded",
	"userratelimitexceeded",
}

var BrowserCommands = map[string][]string{
	"windows": {"cmd", "/c", "start"},
	"darwin":  {"open"},
	"linux":   {"xdg-open"},
}
