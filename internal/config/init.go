package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
)

const defaultTemplate = `# pipepulse configuration
service:
  name: pipepulse
  log_level: info          # debug | info | warn | error
  log_format: json         # json | text
  lock_path: ./data/pipepulse.lock

state:
  enabled: true
  path: ./data/journal.db
  retention: 168h          # journal rows older than this are pruned at start

api:
  enabled: false
  listen: 127.0.0.1:8090
  token: ""                # optional bearer token, e.g. ${PIPEPULSE_TOKEN}

pool:
  count: 10
  command: ./main
  args: []
  dir: ""                  # working directory; empty means the current one
  every: 1s                # tick period; rate_hz takes precedence when set
  rate_hz: 0
  scene: 1
  shape: 1
  state: 1
  stderr: merge            # merge | discard
  exchange_timeout: 0s     # 0 waits forever
  stop_timeout: 5s
  expect_start_byte: false

# Per-worker overrides by id (0-based). Unset fields inherit from pool.
workers: []
`

// WriteDefault writes a commented default config to path. An existing file is
// only replaced when force is set.
func WriteDefault(path string, force bool) error {
	if !force && fileExists(path) {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := renameio.WriteFile(path, []byte(defaultTemplate), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
