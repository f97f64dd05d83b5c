// Package doctor runs local diagnostics for a taskchat installation.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/taskchat/internal/config"
	"github.com/basket/taskchat/internal/persistence"
	"github.com/basket/taskchat/internal/policy"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

// Check is one diagnostic. A nil cfg means config.yaml could not be loaded.
type Check func(context.Context, *config.Config) CheckResult

// Run executes all diagnostic checks. Network lookups are skipped when
// offline is set.
func Run(ctx context.Context, cfg *config.Config, version string, offline bool) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []Check{
		checkConfig,
		checkModelKey,
		checkDatabase,
		checkPolicy,
		checkTaskStore,
		checkPermissions,
	}
	if !offline {
		checks = append(checks, checkNetwork)
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if cfg.FirstRun {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "No config.yaml; using defaults", Detail: config.ConfigPath(cfg.HomeDir)}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir), Detail: cfg.Fingerprint()}
}

func checkModelKey(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Model Key", Status: StatusSkip, Message: "Config missing"}
	}
	if cfg.LLMAPIKey() != "" {
		return CheckResult{Name: "Model Key", Status: StatusPass, Message: fmt.Sprintf("Key found for provider %q", cfg.LLM.Provider)}
	}
	return CheckResult{
		Name:    "Model Key",
		Status:  StatusWarn,
		Message: fmt.Sprintf("No key for provider %q; the rules backend will answer", cfg.LLM.Provider),
		Detail:  "Set llm.api_key in config.yaml or the provider's API key env var",
	}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath())
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()
	if err := store.Ping(ctx); err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Ping failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: StatusPass, Message: "Connection and schema valid", Detail: cfg.DBPath()}
}

func checkPolicy(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Policy", Status: StatusSkip, Message: "Config missing"}
	}
	p, err := policy.Load(config.PolicyPath(cfg.HomeDir))
	if err != nil {
		return CheckResult{Name: "Policy", Status: StatusFail, Message: fmt.Sprintf("policy.yaml invalid: %v", err)}
	}
	return CheckResult{
		Name:    "Policy",
		Status:  StatusPass,
		Message: fmt.Sprintf("Confirmation required for %v", p.DestructiveOperations),
		Detail:  p.PolicyVersion(),
	}
}

func checkTaskStore(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Task Store", Status: StatusSkip, Message: "Config missing"}
	}
	var target string
	switch cfg.TaskStore.Kind {
	case "", "local":
		return CheckResult{Name: "Task Store", Status: StatusPass, Message: "Local tasks table in the sqlite database"}
	case "http":
		u, err := url.Parse(cfg.TaskStore.BaseURL)
		if err != nil || u.Host == "" {
			return CheckResult{Name: "Task Store", Status: StatusFail, Message: fmt.Sprintf("Invalid base_url %q", cfg.TaskStore.BaseURL)}
		}
		target = u.Host
		if u.Port() == "" {
			port := "80"
			if u.Scheme == "https" {
				port = "443"
			}
			target = net.JoinHostPort(u.Hostname(), port)
		}
	case "postgres":
		return CheckResult{Name: "Task Store", Status: StatusSkip, Message: "PostgreSQL reachability is checked at startup"}
	default:
		return CheckResult{Name: "Task Store", Status: StatusFail, Message: fmt.Sprintf("Unknown kind %q", cfg.TaskStore.Kind)}
	}

	dialCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	conn, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", target)
	if err != nil {
		return CheckResult{Name: "Task Store", Status: StatusFail, Message: fmt.Sprintf("Cannot reach %s: %v", target, err)}
	}
	_ = conn.Close()
	return CheckResult{Name: "Task Store", Status: StatusPass, Message: fmt.Sprintf("Reached %s", target)}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

// providerHosts maps providers to the host their SDK calls by default.
var providerHosts = map[string]string{
	"google":        "generativelanguage.googleapis.com",
	"anthropic":     "api.anthropic.com",
	"openai":        "api.openai.com",
	"openai_direct": "api.openai.com",
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: "Config missing"}
	}
	if cfg.LLMAPIKey() == "" {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: "Rules backend needs no network"}
	}
	host := providerHosts[cfg.LLM.Provider]
	if cfg.LLM.BaseURL != "" {
		if u, err := url.Parse(cfg.LLM.BaseURL); err == nil && u.Hostname() != "" {
			host = u.Hostname()
		}
	}
	if host == "" {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: fmt.Sprintf("No known endpoint for provider %q", cfg.LLM.Provider)}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  StatusFail,
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("provider=%s, latency=%dms", cfg.LLM.Provider, latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    "Network",
		Status:  StatusPass,
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("provider=%s", cfg.LLM.Provider),
	}
}
