// Package config loads the client configuration.
//
// The file is YAML. Every field has a default, so an empty or missing
// file yields a working demo setup: static directory with the sample
// thing, a local simulator endpoint and logs on stderr.
//
//	region: eu-central-1
//	user_pool_id: eu-central-1_demo
//	identity_provider_name: cognito-idp.eu-central-1.amazonaws.com/eu-central-1_demo
//	endpoint: ws://127.0.0.1:8443/ws
//	auth_endpoint: http://127.0.0.1:8443
//	directory:
//	  type: redis
//	  redis_url: redis://127.0.0.1:6379/0
//	reconnect:
//	  initial: 1s
//	  max: 60s
//	log:
//	  level: debug
//	  file: /var/log/shadowlink/client.log
//	  trace_file: /var/log/shadowlink/trace.cbor
//	state_dir: /var/lib/shadowlink
//
// Command-line flags override file values.
package config
