// Package doctor checks a loaded pipepulse configuration against the machine
// it will run on: can every worker command be found, is the API exposed
// without a token, can the journal live where state.path points, does the
// config still match its recorded checksum.
package doctor

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattjoyce/pipepulse/internal/config"
	"github.com/mattjoyce/pipepulse/internal/storage"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates configuration against the host.
type Doctor struct {
	cfg      *config.Config
	lookPath func(string) (string, error)
	detectFS func(string) (storage.Filesystem, error)
}

func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg, lookPath: exec.LookPath, detectFS: storage.DetectFilesystem}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateIntegrity(r)
	d.validateWorkers(r)
	d.validateAPIConfig(r)
	d.warnStateDisabled(r)
	d.validateJournalFilesystem(r)
	d.warnSuspiciousTiming(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateIntegrity compares the config file with its .b3 sidecar, if any.
func (d *Doctor) validateIntegrity(r *Result) {
	if d.cfg.SourcePath == "" {
		return
	}
	present, err := config.VerifyChecksum(d.cfg.SourcePath)
	switch {
	case err != nil:
		d.addError(r, "integrity", "", err.Error())
	case !present:
		d.addWarning(r, "integrity", "", "no checksum recorded; run 'pipepulse config hash' to pin this config")
	}
}

// validateWorkers resolves each distinct command the way the worker launch
// will: paths with a separator relative to the working directory, bare
// names through $PATH.
func (d *Doctor) validateWorkers(r *Result) {
	type target struct{ command, dir string }
	seen := make(map[target]bool)

	for _, wc := range d.cfg.AllWorkers() {
		field := fmt.Sprintf("worker:%d", wc.ID)

		if wc.Dir != "" {
			info, err := os.Stat(wc.Dir)
			if err != nil || !info.IsDir() {
				d.addError(r, "workers", field+".dir", fmt.Sprintf("working directory %q does not exist", wc.Dir))
				continue
			}
		}

		t := target{wc.Command, wc.Dir}
		if seen[t] {
			continue
		}
		seen[t] = true

		if err := d.checkCommand(wc.Command, wc.Dir); err != nil {
			d.addError(r, "workers", field+".command", err.Error())
		}
	}
}

func (d *Doctor) checkCommand(command, dir string) error {
	if !strings.ContainsRune(command, os.PathSeparator) {
		if _, err := d.lookPath(command); err != nil {
			return fmt.Errorf("command %q not found in PATH", command)
		}
		return nil
	}

	path := command
	if !filepath.IsAbs(path) && dir != "" {
		path = filepath.Join(dir, path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("command %q not found", path)
	}
	if info.IsDir() {
		return fmt.Errorf("command %q is a directory", path)
	}
	if info.Mode()&0o111 == 0 {
		return fmt.Errorf("command %q is not executable", path)
	}
	return nil
}

// validateAPIConfig checks API server settings.
func (d *Doctor) validateAPIConfig(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Listen == "" {
		d.addError(r, "api", "api.listen", "api.listen is required when the API is enabled")
		return
	}
	host, _, err := net.SplitHostPort(d.cfg.API.Listen)
	if err != nil {
		d.addError(r, "api", "api.listen", fmt.Sprintf("invalid listen address %q: %v", d.cfg.API.Listen, err))
		return
	}
	if d.cfg.API.Token == "" && !isLoopback(host) {
		d.addWarning(r, "api", "api.token",
			fmt.Sprintf("API listens on %q without a token", d.cfg.API.Listen))
	}
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (d *Doctor) warnStateDisabled(r *Result) {
	if !d.cfg.State.Enabled {
		d.addWarning(r, "state", "state.enabled", "journal disabled; 'pipepulse report' will have nothing to show")
	}
}

// validateJournalFilesystem catches a journal that start would refuse to open.
func (d *Doctor) validateJournalFilesystem(r *Result) {
	if !d.cfg.State.Enabled {
		return
	}
	fs, err := d.detectFS(d.cfg.State.Path)
	if err != nil {
		d.addError(r, "state", "state.path", err.Error())
		return
	}
	if fs.Remote {
		d.addError(r, "state", "state.path",
			fmt.Sprintf("%s is on network filesystem %q; SQLite needs a local disk", fs.Probe, fs.Type))
	}
}

// warnSuspiciousTiming flags settings that make ticks pile up.
func (d *Doctor) warnSuspiciousTiming(r *Result) {
	period := d.cfg.Period()
	if period < 10*time.Millisecond {
		d.addWarning(r, "timing", "pool.every",
			fmt.Sprintf("period %s is very short; slow workers will fire back-to-back", period))
	}
	if t := d.cfg.Pool.ExchangeTimeout; t > period {
		d.addWarning(r, "timing", "pool.exchange_timeout",
			fmt.Sprintf("exchange timeout %s exceeds the period %s", t, period))
	}
	if d.cfg.Pool.ExchangeTimeout == 0 {
		d.addWarning(r, "timing", "pool.exchange_timeout",
			"no exchange timeout; a worker that never answers stalls only itself until stop")
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid {
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	} else {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
