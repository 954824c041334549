// Package config provides configuration management for the firewall
// controller.
//
// The package uses a Provider interface to abstract configuration loading, with the
// primary implementation being filesystem-based configuration via YAML files.
//
// # Configuration Structure
//
// Configuration is structured as follows:
//
//	socket:
//	  path: /var/run/fwgatekeeperd.socket # control socket path
//	rules:
//	  dns_refresh_interval: 5m            # validated only; not read by any component
//	  dns_timeout: 5s                     # timeout for a single DNS exchange
//	  staleness_threshold: 5s             # max age before evaluate() forces a refresh
//	store:
//	  path: /var/lib/fwgatekeeper/rules.db # SQLite database path
//	monitor:
//	  interval: 1s                        # re-assert tick period
//	  refresh_ticks: 30                   # ticks between domain refresh sweeps
//	proxy:
//	  listen_addr: 127.0.0.1:8181         # L7 MITM proxy listen address
//	  ca_cert_path: ""                    # MITM CA certificate (empty disables TLS interception)
//	  ca_key_path: ""
//
// # Basic Usage
//
// Load configuration using the default path (~/.fwgatekeeper/config.yaml):
//
//	provider := config.New()
//	cfg, err := provider.Load()
//	if err != nil {
//		log.Fatal(err)
//	}
//
// Load configuration from a specific path:
//
//	provider := config.NewWithPath(filesys.OS(), "/etc/fwgatekeeper/config.yaml")
//	cfg, err := provider.Load()
//	if err != nil {
//		log.Fatal(err)
//	}
//
// # Configuration Validation
//
// The package performs validation of loaded configuration:
//   - Socket path must not be empty
//   - Refresh interval must be at least 1 minute
//   - DNS timeout must be at least 1 second
//   - Staleness threshold must be positive
//   - Store path must not be empty
//   - Monitor interval and refresh_ticks must be positive
//   - Proxy listen address must not be empty
//
// # Default Configuration
//
// If no configuration file exists, the following defaults are used:
//   - Socket Path: /var/run/fwgatekeeperd.socket
//   - Refresh Interval: 5 minutes
//   - DNS Timeout: 5 seconds
//   - Staleness Threshold: 5 seconds
//   - Store Path: /var/lib/fwgatekeeper/rules.db
//   - Monitor Interval: 1 second, refreshing domains every 30 ticks
//   - Proxy Listen Address: 127.0.0.1:8181
//
// A partially specified file inherits Default() for any key it omits, so an
// operator can override just the socket path, say, without repeating every
// other section.
//
// # Thread Safety
//
// Configuration loading is thread-safe. However, once loaded, the Config
// struct should be treated as immutable. If configuration changes are needed,
// a new Config should be loaded.
//
// # Error Handling
//
// The package defines several error types:
//   - ErrInvalidConfig: Configuration validation failed
//   - ErrNoConfig: Configuration file not found (returns defaults)
//
// The package is designed to be extensible, allowing for additional
// configuration providers to be implemented (e.g., environment variables,
// remote configuration services) by implementing the Provider interface.
package config
