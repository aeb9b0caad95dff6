package config

import (
	"errors"
	"fmt"
	"os"
)

var ErrConfigExists = errors.New("config file already exists")

// Template is the commented configuration written by `orefleet init`. It
// decodes to DefaultConfig.
const Template = `# orefleet configuration. Every key can be overridden from the environment,
# e.g. OREFLEET_FLEET_WAVE_SIZE=10 or OREFLEET_ENDPOINTS=https://a,https://b.

miner:
  binary: ore
  priority_fee: 0
  # Threads per worker; 0 uses the physical core count.
  threads: 0
  # Attach worker output to this terminal.
  show_output: false
  # When set and show_output is false, each worker writes worker-NNN.log here.
  log_dir: ""

identities:
  # Every *.json keypair directly inside dir is an identity.
  dir: keys
  # A single keypair file; takes precedence over dir.
  path: ""
  extension: .json

# Workers are assigned to endpoints round-robin.
endpoints:
  - https://api.mainnet-beta.solana.com

fleet:
  # Workers per identity.
  parallelism: 1
  # Launches between wave pauses.
  wave_size: 5
  # Upper bound of a wave pause.
  wave_delay: 10s
  # Always waited at a wave boundary before load is consulted.
  min_delay: 3s
  launch_delay: 1s
  # A wave pause ends early once host CPU load is at or below this percentage.
  cpu_threshold: 80
  load_sampling: true
  sample_window: 1s
  # Stop workers started by this run on exit. Off by default: workers outlive
  # the orchestrator.
  terminate_on_exit: false

ledger:
  poll_interval: 1m0s
  query_endpoint: ""

claim:
  success_marker: Transaction landed
  # 0 retries immediately.
  max_attempts_per_second: 0
  priority_fee: 0
  # Defaults to the first endpoint.
  endpoint: ""

logging:
  level: info
  encoding: console
  console: true
  file: ""
  max_size_mb: 100
  max_backups: 7
  max_age_days: 30
  compress: true

monitoring:
  enabled: false
  listen_addr: 127.0.0.1:9464

database:
  driver: sqlite3
  # Empty disables persistence.
  dsn: data/orefleet.db

system:
  data_dir: data
  pid_file: data/orefleet.pid
`

// WriteTemplate writes Template to path, refusing to replace an existing
// file unless overwrite is set.
func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%w: %s", ErrConfigExists, path)
		}
	}
	return writeAtomic(path, []byte(Template))
}
