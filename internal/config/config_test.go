package config

import (
	"strings"
	"testing"
	"time"
)

// setRequired sets the minimum environment for a valid Load.
func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("AMO_BASE_URL", "https://acme.amocrm.ru")
	t.Setenv("AMO_PIPELINE_ID", "77")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "8080" || cfg.GinMode != "release" || cfg.LogLevel != "info" {
		t.Fatalf("defaults = %+v", cfg)
	}
	if cfg.APIBasePath != "/api/v1" {
		t.Fatalf("APIBasePath = %q", cfg.APIBasePath)
	}
	if cfg.ReadTimeout != 15*time.Second || cfg.IdleTimeout != 60*time.Second {
		t.Fatalf("timeouts = %v/%v", cfg.ReadTimeout, cfg.IdleTimeout)
	}
	if cfg.RateRPS != 25.0 || cfg.RateBurst != 50 {
		t.Fatalf("rate = %v/%v", cfg.RateRPS, cfg.RateBurst)
	}
	if cfg.Amo.BaseURL != "https://acme.amocrm.ru" || cfg.Amo.PipelineID != 77 {
		t.Fatalf("amo = %+v", cfg.Amo)
	}
	if cfg.WebhookSecret != "" || cfg.FieldMap != nil {
		t.Fatalf("optional values = %q/%v", cfg.WebhookSecret, cfg.FieldMap)
	}
}

func TestLoad_TrimsBaseURLSlash(t *testing.T) {
	setRequired(t)
	t.Setenv("AMO_BASE_URL", "https://acme.amocrm.ru/")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Amo.BaseURL != "https://acme.amocrm.ru" {
		t.Fatalf("BaseURL = %q", cfg.Amo.BaseURL)
	}
}

func TestLoad_FieldMap(t *testing.T) {
	setRequired(t)
	t.Setenv("AMO_FIELD_MAP", `{"budget": "642193", "city": 642001}`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.FieldMap["budget"] != 642193 || cfg.FieldMap["city"] != 642001 {
		t.Fatalf("FieldMap = %v", cfg.FieldMap)
	}
}

func TestLoad_FieldMapRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", `budget=1`},
		{"non numeric string", `{"budget": "lots"}`},
		{"wrong type", `{"budget": [1]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			setRequired(t)
			t.Setenv("AMO_FIELD_MAP", tc.raw)
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %q", tc.raw)
			}
		})
	}
}

func TestLoad_ValidationFailures(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"missing base url", map[string]string{"AMO_BASE_URL": "", "AMO_PIPELINE_ID": "77"}, "AMO_BASE_URL"},
		{"relative base url", map[string]string{"AMO_BASE_URL": "acme.amocrm.ru", "AMO_PIPELINE_ID": "77"}, "absolute URL"},
		{"missing pipeline", map[string]string{"AMO_BASE_URL": "https://a.amocrm.ru"}, "AMO_PIPELINE_ID"},
		{"bad log level", map[string]string{"AMO_BASE_URL": "https://a.amocrm.ru", "AMO_PIPELINE_ID": "77", "LOG_LEVEL": "loud"}, "LOG_LEVEL"},
		{"bad rate burst", map[string]string{"AMO_BASE_URL": "https://a.amocrm.ru", "AMO_PIPELINE_ID": "77", "RATE_BURST": "0"}, "RATE_BURST"},
		{"bad sampler", map[string]string{"AMO_BASE_URL": "https://a.amocrm.ru", "AMO_PIPELINE_ID": "77", "OTEL_TRACES_SAMPLER_ARG": "2"}, "OTEL_TRACES_SAMPLER_ARG"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestLoad_NormalizesWarningAndGinMode(t *testing.T) {
	setRequired(t)
	t.Setenv("LOG_LEVEL", "warning")
	t.Setenv("GIN_MODE", "bogus")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "warn" || cfg.GinMode != "release" {
		t.Fatalf("normalized = %q/%q", cfg.LogLevel, cfg.GinMode)
	}
}

func TestNormalizeBasePath(t *testing.T) {
	cases := []struct{ in, want string }{
		{"", "/"},
		{"/", "/"},
		{"api/v1", "/api/v1"},
		{"/api/v1/", "/api/v1"},
	}
	for _, tc := range cases {
		if got := normalizeBasePath(tc.in); got != tc.want {
			t.Fatalf("normalizeBasePath(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestMustLoad_PanicsOnInvalid(t *testing.T) {
	t.Setenv("AMO_BASE_URL", "")
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	MustLoad()
}
