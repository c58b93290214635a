package origin

import (
	"net/url"
	"strings"
	"testing"
)

func FuzzNormalize(f *testing.F) {
	f.Add("https://app.edusync.test")
	f.Add("HTTP://LocalHost:5173/")
	f.Add("http://[::1]:5173")
	f.Add("null")
	f.Add("")
	f.Add("ftp://app.edusync.test")
	f.Add("https://app.edusync.test/classroom")
	f.Add("https://app.edusync.test,https://evil.test")

	f.Fuzz(func(t *testing.T, raw string) {
		normalized, host, ok := Normalize(raw)
		if !ok {
			return
		}

		if normalized == "null" {
			if host != "" {
				t.Fatalf("null origin with host %q", host)
			}
			return
		}

		if !strings.HasPrefix(normalized, "http://") && !strings.HasPrefix(normalized, "https://") {
			t.Fatalf("normalized origin %q lacks an http scheme", normalized)
		}
		if strings.TrimPrefix(strings.TrimPrefix(normalized, "http://"), "https://") != host {
			t.Fatalf("host %q does not match normalized %q", host, normalized)
		}

		// Canonical form survives net/url and a second pass unchanged.
		u, err := url.Parse(normalized)
		if err != nil || u.Host != host || u.Path != "" || u.RawQuery != "" || u.Fragment != "" || u.User != nil {
			t.Fatalf("normalized origin %q does not reparse cleanly: %v %#v", normalized, err, u)
		}
		n2, h2, ok2 := Normalize(normalized)
		if !ok2 || n2 != normalized || h2 != host {
			t.Fatalf("Normalize not idempotent: %q -> %q, %q, %v", normalized, n2, h2, ok2)
		}
	})
}

func FuzzAllowed(f *testing.F) {
	f.Add("https://app.edusync.test", "app.edusync.test:443")
	f.Add("http://[::1]:5173", "[::1]:5173")
	f.Add("null", "app.edusync.test")

	f.Fuzz(func(t *testing.T, raw, requestHost string) {
		normalized, host, ok := Normalize(raw)
		if ok {
			if !Allowed(normalized, host, requestHost, []string{"*"}) {
				t.Fatal("wildcard allowlist rejected a valid origin")
			}
			if !Allowed(normalized, host, requestHost, []string{normalized}) {
				t.Fatal("exact allowlist entry rejected its own origin")
			}
			if Allowed(normalized, host, requestHost, []string{normalized + "x"}) {
				t.Fatal("mismatched allowlist entry allowed the origin")
			}
			if normalized != "null" && !Allowed(normalized, host, host, nil) {
				t.Fatalf("origin %q does not match its own host under the default policy", normalized)
			}
		}

		// No panics on arbitrary input.
		_ = Allowed(normalized, host, requestHost, nil)
		_ = Allowed(raw, raw, requestHost, []string{raw})
	})
}
