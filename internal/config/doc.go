// Package config handles configuration loading for pidgeon.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path given with --config
//  2. Path from PIDGEON_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/pidgeon/config.yaml
//  4. ~/.config/pidgeon/config.yaml
//
// A missing file at a default location means "use defaults".
//
// # Formats
//
// The extension picks the parser: .yaml/.yml (default), .toml, or
// .json/.jsonc (comments and trailing commas allowed).
//
// # Environment Variable Expansion
//
//	tailscale:
//	  auth_key: "${TS_AUTHKEY}"
//
// # Sections
//
//	device:
//	  identity: "crow: telephone line"  # USB product string to discover
//	  port: ""                          # explicit path skips discovery
//	  baud_rate: 115200
//	  delimit_threshold: 64             # commands this long are sent delimited
//	  max_line_length: 65536
//
//	server:
//	  bind: "127.0.0.1"
//	  port: 6666
//	  max_conns: 10
//	  http_addr: ""                     # e.g. "127.0.0.1:7777" for the web shim
//	  grpc_addr: ""                     # e.g. "127.0.0.1:50051" for gRPC health
//
//	session:
//	  reply_window: "200ms"             # how long to wait for a device reply
//	  handshake_timeout: "10s"          # first-message deadline, "0s" disables
//	  timeout_reply: false              # send Failure TIMEOUT on silence
//
//	upload:
//	  reply_timeout: "500ms"
//	  debounce: "250ms"                 # watch mode: identical saves inside this window upload once
//
//	repl:
//	  prompt: ">> "
//
//	tailscale:
//	  enabled: false
//	  hostname: "pidgeon"
//	  auth_key: "${TS_AUTHKEY}"
//	  state_dir: ""
//	  ephemeral: false
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
