package config

import (
	"strings"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Anchoring.Digest != "sha256" {
		t.Fatalf("default digest = %q", cfg.Anchoring.Digest)
	}
	if cfg.API.BasePath != "/v0" {
		t.Fatalf("default base path = %q", cfg.API.BasePath)
	}
}

func TestFromYAMLKeepsDefaultsForAbsentKeys(t *testing.T) {
	cfg, err := FromYAML([]byte("workbench:\n  number: 7\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Workbench.Number != 7 {
		t.Fatalf("workbench number = %d", cfg.Workbench.Number)
	}
	if cfg.Anchoring.MaxAttempts != 5 {
		t.Fatalf("max attempts default lost: %d", cfg.Anchoring.MaxAttempts)
	}
	if cfg.Identity.RefreshSeconds != 300 {
		t.Fatalf("identity refresh default lost: %d", cfg.Identity.RefreshSeconds)
	}
}

func TestValidateRejectsEnabledBackendWithoutURL(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"printer", "printer:\n  enable: true\n", "printer.gateway_url"},
		{"camera", "camera:\n  enable: true\n", "camera.gateway_url"},
		{"content store", "content_store:\n  enable: true\n", "content_store.gateway_url"},
		{"ledger", "ledger:\n  enable: true\n", "ledger.endpoint"},
		{"shortener", "shortener:\n  enable: true\n", "shortener.server"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := FromYAML([]byte(tc.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %s", err, tc.want)
			}
		})
	}
}

func TestValidateRejectsUnknownDigest(t *testing.T) {
	if _, err := FromYAML([]byte("anchoring:\n  digest: md5\n")); err == nil {
		t.Fatal("expected error for unsupported digest algorithm")
	}
}

func TestValidateRejectsNonPositiveWorkbench(t *testing.T) {
	if _, err := FromYAML([]byte("workbench:\n  number: 0\n")); err == nil {
		t.Fatal("expected error for workbench number 0")
	}
}

func TestGenerateDefaultRoundTrips(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault()))
	if err != nil {
		t.Fatalf("generated default does not parse: %v", err)
	}
	if cfg.Workbench.Number != 1 {
		t.Fatalf("workbench number = %d", cfg.Workbench.Number)
	}
}
