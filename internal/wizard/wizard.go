// Package wizard provides an interactive setup wizard for echoprobe.
package wizard

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/echoprobe/internal/config"
)

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
}

// Wizard manages the interactive setup process.
type Wizard struct {
	theme *huh.Theme
}

// New creates a new setup wizard.
func New() *Wizard {
	return &Wizard{
		theme: huh.ThemeDracula(),
	}
}

// Run executes the interactive setup wizard and writes the resulting
// configuration file.
func (w *Wizard) Run() (*Result, error) {
	w.printBanner()

	configPath, err := w.askConfigPath()
	if err != nil {
		return nil, err
	}

	cfg := config.Default()

	if err := w.askProbeSettings(cfg); err != nil {
		return nil, err
	}
	if err := w.askObservability(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("generated config is invalid: %w", err)
	}

	if err := w.writeConfig(cfg, configPath); err != nil {
		return nil, err
	}

	w.printSummary(configPath, cfg)

	return &Result{Config: cfg, ConfigPath: configPath}, nil
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render(`
            _
   ___  ___| |__   ___  _ __  _ __ ___ | |__   ___
  / _ \/ __| '_ \ / _ \| '_ \| '__/ _ \| '_ \ / _ \
 |  __/ (__| | | | (_) | |_) | | | (_) | |_) |  __/
  \___|\___|_| |_|\___/| .__/|_|  \___/|_.__/ \___|
                       |_|
`)

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  Native ICMP Echo Engine - Setup Wizard\n")

	fmt.Println(banner)
	fmt.Println(subtitle)
}

func (w *Wizard) askConfigPath() (string, error) {
	configPath := "./config.yaml"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Basic Setup").
				Description("Choose where to write the configuration file."),

			huh.NewInput().
				Title("Config File Path").
				Placeholder("./config.yaml").
				Value(&configPath).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("config path is required")
					}
					if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
						return fmt.Errorf("config file should have .yaml or .yml extension")
					}
					return nil
				}),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return "", err
	}
	return configPath, nil
}

func (w *Wizard) askProbeSettings(cfg *config.Config) error {
	timeout := cfg.Probe.Timeout.String()
	count := strconv.Itoa(cfg.Probe.Count)
	payloadSize := strconv.Itoa(cfg.Probe.PayloadSize)
	privileged := cfg.Probe.Privileged
	rejectForeign := cfg.Probe.RejectForeignReplies

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Probe Settings").
				Description("How echo requests are sent and how long to wait for replies."),

			huh.NewInput().
				Title("Reply Timeout").
				Description("Deadline per probe, e.g. 2s or 500ms").
				Placeholder("2s").
				Value(&timeout).
				Validate(func(s string) error {
					d, err := time.ParseDuration(s)
					if err != nil {
						return fmt.Errorf("invalid duration: %v", err)
					}
					if d <= 0 {
						return fmt.Errorf("timeout must be positive")
					}
					return nil
				}),

			huh.NewInput().
				Title("Probe Count").
				Description("Echo requests per run").
				Placeholder("4").
				Value(&count).
				Validate(validatePositiveInt),

			huh.NewInput().
				Title("Payload Size").
				Description("Echo payload bytes (max 1472)").
				Placeholder("56").
				Value(&payloadSize).
				Validate(func(s string) error {
					n, err := strconv.Atoi(s)
					if err != nil {
						return fmt.Errorf("not a number")
					}
					if n < 0 || n > 1472 {
						return fmt.Errorf("must be 0..1472")
					}
					return nil
				}),

			huh.NewConfirm().
				Title("Privileged Mode").
				Description("Use a raw ICMP socket (requires root or CAP_NET_RAW)").
				Value(&privileged),

			huh.NewConfirm().
				Title("Reject Foreign Replies").
				Description("Drop replies whose source differs from the target").
				Value(&rejectForeign),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}

	cfg.Probe.Timeout, _ = time.ParseDuration(timeout)
	cfg.Probe.Count, _ = strconv.Atoi(count)
	cfg.Probe.PayloadSize, _ = strconv.Atoi(payloadSize)
	cfg.Probe.Privileged = privileged
	cfg.Probe.RejectForeignReplies = rejectForeign
	return nil
}

func (w *Wizard) askObservability(cfg *config.Config) error {
	logLevel := cfg.Log.Level
	metricsEnabled := cfg.Metrics.Enabled
	metricsAddr := cfg.Metrics.Address

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Observability").
				Description("Logging and the optional Prometheus endpoint."),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug", "debug"),
					huh.NewOption("Info (recommended)", "info"),
					huh.NewOption("Warn", "warn"),
					huh.NewOption("Error", "error"),
				).
				Value(&logLevel),

			huh.NewConfirm().
				Title("Enable Metrics").
				Description("Serve Prometheus metrics over HTTP").
				Value(&metricsEnabled),

			huh.NewInput().
				Title("Metrics Address").
				Placeholder("127.0.0.1:9109").
				Value(&metricsAddr),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}

	cfg.Log.Level = logLevel
	cfg.Metrics.Enabled = metricsEnabled
	cfg.Metrics.Address = metricsAddr
	return nil
}

func (w *Wizard) writeConfig(cfg *config.Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := `# echoprobe Configuration
# Generated by setup wizard

`
	if err := os.WriteFile(path, []byte(header+string(data)), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func (w *Wizard) printSummary(configPath string, cfg *config.Config) {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	divider := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("─────────────────────────────────────────────────")

	fmt.Println()
	fmt.Println(divider)
	fmt.Println(style.Render("✓ Setup Complete!"))
	fmt.Println(divider)
	fmt.Println()

	fmt.Printf("  Config file:  %s\n", configPath)
	fmt.Printf("  Timeout:      %s\n", cfg.Probe.Timeout)
	fmt.Printf("  Count:        %d\n", cfg.Probe.Count)
	fmt.Printf("  Payload:      %d bytes\n", cfg.Probe.PayloadSize)
	if cfg.Metrics.Enabled {
		fmt.Printf("  Metrics:      http://%s/metrics\n", cfg.Metrics.Address)
	}
	fmt.Println()
	fmt.Println("  To probe a host:")
	fmt.Printf("    echoprobe -c %s example.org\n", configPath)
	fmt.Println()
}

func validatePositiveInt(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("not a number")
	}
	if n <= 0 {
		return fmt.Errorf("must be positive")
	}
	return nil
}
