package urlrouter

import "testing"

func TestClassifyWebSocketUpgradeIsPass(t *testing.T) {
	req := Request{Path: "/space/X/app/index.html", IsWebSocketUpgrade: true}
	got := Classify(req, "", false, "")
	if got.Kind != KindPass {
		t.Fatalf("Kind = %v, want Pass", got.Kind)
	}
}

func TestClassifyRootPaths(t *testing.T) {
	for _, p := range []string{"/", "", "/space/", "/space"} {
		got := Classify(Request{Path: p}, "", false, "")
		if got.Kind != KindRootReset {
			t.Errorf("Classify(%q).Kind = %v, want RootReset", p, got.Kind)
		}
	}
}

func TestClassifyReservedRuntimeFiles(t *testing.T) {
	got := Classify(Request{Path: "/favicon.ico"}, "", false, "")
	if got.Kind != KindRuntimeAsset {
		t.Fatalf("Kind = %v, want RuntimeAsset", got.Kind)
	}
}

func TestClassifyRuntimeAssetByBundleIDQuery(t *testing.T) {
	got := Classify(Request{Path: "/space/_runtime/foo.js", RawQuery: "bundleId=abc"}, "", false, "")
	if got.Kind != KindRuntimeAsset {
		t.Fatalf("Kind = %v, want RuntimeAsset", got.Kind)
	}
}

func TestClassifyRuntimeAssetByFontExtension(t *testing.T) {
	got := Classify(Request{Path: "/space/_runtime/font.woff2"}, "", false, "")
	if got.Kind != KindRuntimeAsset {
		t.Fatalf("Kind = %v, want RuntimeAsset", got.Kind)
	}
}

func TestClassifyRuntimeSegmentIsPass(t *testing.T) {
	got := Classify(Request{Path: "/space/_runtime/anything"}, "", false, "")
	if got.Kind != KindRuntimeAsset && got.Kind != KindPass {
		t.Fatalf("Kind = %v, want RuntimeAsset or Pass", got.Kind)
	}
}

func TestClassifyDevProxyOnlyWhenServeLocal(t *testing.T) {
	req := Request{Path: "/src/main.tsx"}
	if got := Classify(req, "", false, "http://localhost:4001"); got.Kind != KindIgnore && got.Kind != KindVfsServe {
		t.Fatalf("Kind = %v when serveLocal=false, want classifier to fall through to rule 6", got.Kind)
	}
	got := Classify(req, "", true, "http://localhost:4001")
	if got.Kind != KindDevProxy {
		t.Fatalf("Kind = %v, want DevProxy", got.Kind)
	}
	want := "http://localhost:4001/src/main.tsx"
	if got.DevProxyURL != want {
		t.Fatalf("DevProxyURL = %q, want %q", got.DevProxyURL, want)
	}
}

func TestClassifyDevProxyCacheBust(t *testing.T) {
	req := Request{Path: "/space/X/app/thing.js", RawQuery: "t=12345"}
	got := Classify(req, "", true, "http://localhost:4001")
	if got.Kind != KindDevProxy {
		t.Fatalf("Kind = %v, want DevProxy", got.Kind)
	}
}

func TestClassifyVfsServe(t *testing.T) {
	got := Classify(Request{Path: "/space/X/app/deep/route"}, "", false, "")
	if got.Kind != KindVfsServe {
		t.Fatalf("Kind = %v, want VfsServe", got.Kind)
	}
	if got.LauncherBundleID != "X" || got.AppSlug != "app" {
		t.Fatalf("got %+v", got)
	}
	if got.VFSPath != "app/deep/route" {
		t.Fatalf("VFSPath = %q", got.VFSPath)
	}
}

func TestClassifyVfsServeIndexFallback(t *testing.T) {
	got := Classify(Request{Path: "/space/X/app/"}, "", false, "")
	if got.Kind != KindVfsServe || got.VFSPath != "app/index.html" {
		t.Fatalf("got %+v", got)
	}

	got2 := Classify(Request{Path: "/space/X/app"}, "", false, "")
	if got2.Kind != KindVfsServe || got2.VFSPath != "app/index.html" {
		t.Fatalf("got %+v", got2)
	}
}

func TestClassifyMalformedSpacePathIsIgnored(t *testing.T) {
	got := Classify(Request{Path: "/space//"}, "", false, "")
	if got.Kind != KindIgnore && got.Kind != KindRootReset {
		t.Fatalf("Kind = %v, want Ignore or RootReset", got.Kind)
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	req := Request{Path: "/space/X/app/deep/route"}
	a := Classify(req, "app", false, "")
	b := Classify(req, "app", false, "")
	if a != b {
		t.Fatalf("Classify is not deterministic: %+v != %+v", a, b)
	}
}

func TestResolveVFSPathIdempotentOnAlreadyResolvedPaths(t *testing.T) {
	once := ResolveVFSPath("X", "app", "deep/route")
	twice := ResolveVFSPath("X", "app", once)
	if once != "app/deep/route" {
		t.Fatalf("once = %q", once)
	}
	if twice != once {
		t.Fatalf("twice = %q, want %q", twice, once)
	}
}

func TestHTTPToWS(t *testing.T) {
	cases := map[string]string{
		"https://example.com/sync": "wss://example.com/sync",
		"http://example.com/sync":  "ws://example.com/sync",
	}
	for in, want := range cases {
		if got := HTTPToWS(in); got != want {
			t.Errorf("HTTPToWS(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDecodeBundleQueryOverride(t *testing.T) {
	// base64 of `{"wsUrl":"ws://example.com"}`
	raw := "bundle=eyJ3c1VybCI6Indzczovvzxhtcle.com" // intentionally invalid to test failure path
	if _, ok := DecodeBundleQueryOverride(raw); ok {
		t.Fatalf("expected decode failure for malformed payload")
	}

	encoded := "eyJ3c1VybCI6IndzOi8vZXhhbXBsZS5jb20ifQ=="
	wsURL, ok := DecodeBundleQueryOverride("bundle=" + encoded)
	if !ok {
		t.Fatalf("expected decode success")
	}
	if wsURL == "" {
		t.Fatalf("expected non-empty wsURL")
	}
}
