// Package config loads netconverge runtime configuration and desired-state
// documents.
//
// # Runtime configuration
//
// AppConfig is read from YAML, layered over DefaultConfig and then
// overridden from NETCONV_* environment variables (LOG_LEVEL sets the log
// level). Unknown keys are rejected.
//
//	ledger_path: /var/db/netconverge/ledger.db
//	backend:
//	  kind: ssh
//	  use_sudo: true
//	  ssh:
//	    host: studio.local
//	    user: admin
//	executor:
//	  max_retries: 3
//	  op_timeout: 30s
//
// # Desired-state documents
//
// DocumentLoader accepts three formats, chosen by file extension:
//
//   - .yaml/.yml: the document itself.
//   - .cue: unified with the built-in #Desired schema before decoding, so
//     CUE constraints and defaults can be used.
//   - .star: a Starlark script that assigns a dict to the global desired.
//     The env(name, default) built-in reads environment variables.
//
// All formats decode into engine.Document and are validated by
// engine.NewDesiredState. A minimal YAML document:
//
//	location: Office
//	create_location: true
//	services:
//	  - name: Wi-Fi
//	    ipv4: {mode: dhcp}
//	    dns_servers: [8.8.8.8]
//
// The same document as Starlark:
//
//	desired = {
//	    "location": env("NETCONV_LOCATION", "Office"),
//	    "services": [{"name": "Wi-Fi", "ipv4": {"mode": "dhcp"}, "dns_servers": ["8.8.8.8"]}],
//	}
//
// Watcher reports debounced changes to a document file for netconv watch.
package config
