// Package config loads the fleet configuration.
//
// Configuration is layered: built-in defaults, then a YAML file, then
// environment variables prefixed with CELLULAR_ (for example
// CELLULAR_AUTH_JWT_SECRET or CELLULAR_POLICY_PATHS=a.rego,b.rego). The
// result is validated with struct tags before use.
//
//	store:
//	  path: cellular.db
//	auth:
//	  jwt_secret: a-long-shared-secret
//	  token_ttl: 24h
//	router:
//	  addr: localhost:9000
//	  dns_name: router.cells.local
//	canary:
//	  wait: 6m
//	rollout:
//	  sandbox_cell: sandbox
//	  max_parallel: 5
//	policy:
//	  paths: [policies/]
//	  watch: true
package config
