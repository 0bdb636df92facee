// Package config provides application configuration management.
//
// The config package handles loading and validation of the application's
// configuration from YAML files and CPPBOX_* environment variables. It
// covers the HTTP/MCP server, the execution backend and its resource
// ceilings, the workspace root, rate limits and the compiler table.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Sandbox backend: %s\n", cfg.Sandbox.Backend)
package config
