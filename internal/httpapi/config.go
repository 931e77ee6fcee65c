package httpapi

// maxBodyBytes controls the maximum allowed request body size for JSON endpoints.
// Default remains 1 MiB for backward compatibility.
var maxBodyBytes int64 = 1 << 20

// SetMaxBodyBytes allows configuring the maximum request body size.
func SetMaxBodyBytes(n int64) {
	if n <= 0 {
		maxBodyBytes = 1 << 20
		return
	}
	maxBodyBytes = n
}

// maxUploadBytes bounds multipart upload size for POST /upload. Uploads
// carry binary images, so the cap is much higher than the JSON cap.
var maxUploadBytes int64 = 32 << 20

// SetMaxUploadBytes configures the upload size cap.
func SetMaxUploadBytes(n int64) {
	if n <= 0 {
		maxUploadBytes = 32 << 20
		return
	}
	maxUploadBytes = n
}

// syncTimeout controls how long the legacy synchronous endpoints
// (/generate, /superres) wait for a submitted job's terminal state.
// Zero means no additional timeout beyond server/connection timeouts.
var syncTimeout = int64(120) // seconds

// SetSyncTimeoutSeconds sets the synchronous-endpoint timeout (0 disables).
func SetSyncTimeoutSeconds(sec int64) {
	if sec < 0 {
		sec = 0
	}
	syncTimeout = sec
}

// CORS configuration (opt-in). If disabled, no CORS middleware is added.
var (
	corsEnabled        bool
	corsAllowedOrigins []string
	corsAllowedMethods []string
	corsAllowedHeaders []string
)

// SetCORSOptions configures CORS behavior for the HTTP server.
func SetCORSOptions(enabled bool, origins, methods, headers []string) {
	corsEnabled = enabled
	corsAllowedOrigins = append([]string(nil), origins...)
	corsAllowedMethods = append([]string(nil), methods...)
	corsAllowedHeaders = append([]string(nil), headers...)
}
