// Package urlrouter implements the URL Parser / Path Resolver: a pure, total classifier over (URL, active appSlug, SERVE_LOCAL)
// that decides whether a request passes through to the network, proxies
// to a local dev server, serves a reserved runtime asset, triggers a root
// reset, or resolves to a VFS-backed path.
package urlrouter

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/url"
	"path"
	"strings"
)

// Kind is a URL classification outcome.
type Kind int

const (
	// KindPass means: do not respond, let the platform network stack
	// handle the request.
	KindPass Kind = iota
	// KindDevProxy means: forward to the local Vite dev server.
	KindDevProxy
	// KindRuntimeAsset means: a reserved runtime file; behaves like Pass.
	KindRuntimeAsset
	// KindRootReset means: the bare "/" or "/space" root; clears cached
	// appSlug/bundleBytes and otherwise behaves like Pass.
	KindRootReset
	// KindVfsServe means: serve from the in-memory VFS.
	KindVfsServe
	// KindIgnore means: no earlier rule matched and the path does not
	// parse as /space/<launcherBundleId>/<appSlug>/... (this includes
	// paths outside /space/). internal/fetchintercept hands it to its next
	// handler exactly as it does Pass.
	KindIgnore
)

func (k Kind) String() string {
	switch k {
	case KindPass:
		return "Pass"
	case KindDevProxy:
		return "DevProxy"
	case KindRuntimeAsset:
		return "RuntimeAsset"
	case KindRootReset:
		return "RootReset"
	case KindVfsServe:
		return "VfsServe"
	case KindIgnore:
		return "Ignore"
	default:
		return "Unknown"
	}
}

// ReservedRuntimeBundleID is the reserved bundle id used by the fixed
// runtime asset namespace.
const ReservedRuntimeBundleID = "_runtime"

// reservedRuntimeFiles is the fixed list of four root paths classified as
// RuntimeAsset; only an exact match of the whole path counts.
var reservedRuntimeFiles = map[string]bool{
	"/favicon.ico":          true,
	"/robots.txt":           true,
	"/manifest.json":        true,
	"/service-worker.js":    true,
}

var fontExtensions = map[string]bool{
	".woff":  true,
	".woff2": true,
	".ttf":   true,
	".otf":   true,
	".eot":   true,
}

// devProxyPrefixes is the fixed list of path prefixes routed to the local
// Vite dev server when SERVE_LOCAL is set.
var devProxyPrefixes = []string{"@vite", "@react-refresh", "@fs/", "src/", "node_modules", "__vite__"}

// Decision is the classifier's output.
type Decision struct {
	Kind Kind

	// Populated when Kind == KindVfsServe.
	LauncherBundleID string
	AppSlug          string
	VFSPath          string

	// Populated when Kind == KindDevProxy.
	DevProxyURL string
}

// Request is the minimal input the classifier needs, decoupled from
// net/http so it stays a pure function of its inputs.
type Request struct {
	Method              string
	Path                string
	RawQuery            string
	IsWebSocketUpgrade  bool
}

// FromHTTP builds a Request from a live *http.Request.
func FromHTTP(r *http.Request) Request {
	return Request{
		Method:             r.Method,
		Path:               r.URL.Path,
		RawQuery:           r.URL.RawQuery,
		IsWebSocketUpgrade: isWebSocketUpgrade(r),
	}
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// Classify is a total function: same (Request,
// activeAppSlug, serveLocal) always yields the same Decision.
func Classify(req Request, activeAppSlug string, serveLocal bool, devProxyBase string) Decision {
	// Rule 1: WebSocket upgrade.
	if req.IsWebSocketUpgrade {
		return Decision{Kind: KindPass}
	}

	p := req.Path

	// Rule 2: root / space root.
	if p == "/" || p == "" || p == "/space/" || p == "/space" {
		return Decision{Kind: KindRootReset}
	}

	// Rule 3: reserved runtime asset.
	if reservedRuntimeFiles[p] {
		return Decision{Kind: KindRuntimeAsset}
	}
	if strings.HasPrefix(p, "/space/_runtime/") {
		q, _ := url.ParseQuery(req.RawQuery)
		if q.Get("bundleId") != "" || fontExtensions[strings.ToLower(path.Ext(p))] {
			return Decision{Kind: KindRuntimeAsset}
		}
	}

	// Rule 4: first segment after /space/ is _runtime.
	if seg, _, ok := firstTwoSegments(p); ok && seg == ReservedRuntimeBundleID {
		return Decision{Kind: KindPass}
	}

	// Rule 5: dev-mode proxy.
	if serveLocal {
		trimmed := strings.TrimPrefix(p, "/")
		for _, prefix := range devProxyPrefixes {
			if strings.HasPrefix(trimmed, prefix) {
				return Decision{Kind: KindDevProxy, DevProxyURL: devProxyBase + p + queryString(req.RawQuery)}
			}
		}
		if q, _ := url.ParseQuery(req.RawQuery); q.Get("t") != "" {
			return Decision{Kind: KindDevProxy, DevProxyURL: devProxyBase + p + queryString(req.RawQuery)}
		}
	}

	// Rule 6: /space/<launcherBundleId>/<appSlug>(/<remaining>)?
	launcherBundleID, appSlug, remaining, ok := parseSpacePath(p)
	if !ok {
		return Decision{Kind: KindIgnore}
	}

	vfsPath := ResolveVFSPath(launcherBundleID, appSlug, remaining)
	return Decision{
		Kind:             KindVfsServe,
		LauncherBundleID: launcherBundleID,
		AppSlug:          appSlug,
		VFSPath:          vfsPath,
	}
}

func queryString(raw string) string {
	if raw == "" {
		return ""
	}
	return "?" + raw
}

// firstTwoSegments returns the first path segment after "/space/" and
// whatever follows it, if the path starts with "/space/".
func firstTwoSegments(p string) (first, rest string, ok bool) {
	const prefix = "/space/"
	if !strings.HasPrefix(p, prefix) {
		return "", "", false
	}
	trimmed := strings.TrimPrefix(p, prefix)
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) == 0 || parts[0] == "" {
		return "", "", false
	}
	if len(parts) == 1 {
		return parts[0], "", true
	}
	return parts[0], parts[1], true
}

// parseSpacePath parses "/space/<launcherBundleId>/<appSlug>(/<remaining>)?".
func parseSpacePath(p string) (launcherBundleID, appSlug, remaining string, ok bool) {
	const prefix = "/space/"
	if !strings.HasPrefix(p, prefix) {
		return "", "", "", false
	}
	trimmed := strings.TrimPrefix(p, prefix)
	trimmed = strings.TrimSuffix(trimmed, "/")
	if trimmed == "" {
		return "", "", "", false
	}
	parts := strings.SplitN(trimmed, "/", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", "", false
	}
	launcherBundleID = parts[0]
	appSlug = parts[1]
	if len(parts) == 3 {
		remaining = parts[2]
	}
	return launcherBundleID, appSlug, remaining, true
}

// ResolveVFSPath trims
// a leading "/" (no scope prefix is stripped), splits on "/", drops a leading
// "<launcherBundleId>/<appSlug>" if present (legacy single-segment form
// tolerated), and maps empty/trailing-slash paths to
// "<appSlug>/index.html".
//
// Open Question resolved: the legacy "/space/<appSlug>/..."
// form (no launcherBundleId) is tolerated HERE, in path resolution, but
// rejected at classification (parseSpacePath requires two segments) —
// matching the source's own tolerated-but-not-classified asymmetry.
func ResolveVFSPath(launcherBundleID, appSlug, remaining string) string {
	remaining = strings.TrimPrefix(remaining, "/")
	if remaining == "" {
		return appSlug + "/index.html"
	}

	segments := strings.Split(remaining, "/")
	// Tolerate a redundant leading "<launcherBundleId>/<appSlug>" prefix
	// inside remaining (legacy single-segment form).
	if len(segments) >= 2 && segments[0] == launcherBundleID && segments[1] == appSlug {
		segments = segments[2:]
	} else if len(segments) >= 1 && segments[0] == appSlug {
		segments = segments[1:]
	}

	joined := strings.Join(segments, "/")
	if joined == "" {
		return appSlug + "/index.html"
	}
	return appSlug + "/" + joined
}

// DecodeBundleQueryOverride decodes the base64-JSON "bundle" query
// override used for websocket URL resolution priority: "URL query 'bundle' base64 JSON override".
func DecodeBundleQueryOverride(rawQuery string) (wsURL string, ok bool) {
	q, err := url.ParseQuery(rawQuery)
	if err != nil {
		return "", false
	}
	encoded := q.Get("bundle")
	if encoded == "" {
		return "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", false
	}
	var payload struct {
		WSURL string `json:"wsUrl"`
	}
	if err := json.Unmarshal(decoded, &payload); err != nil {
		return "", false
	}
	if payload.WSURL == "" {
		return "", false
	}
	return payload.WSURL, true
}

// HTTPToWS rewrites an http(s):// URL to ws(s)://.
func HTTPToWS(httpURL string) string {
	switch {
	case strings.HasPrefix(httpURL, "https://"):
		return "wss://" + strings.TrimPrefix(httpURL, "https://")
	case strings.HasPrefix(httpURL, "http://"):
		return "ws://" + strings.TrimPrefix(httpURL, "http://")
	default:
		return httpURL
	}
}
