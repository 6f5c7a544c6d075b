package testing

import (
	"flag"
	"testing"
)

var (
	Integration = flag.Bool("integration", false, "run only the tests that need a container runtime")
	DBType      = flag.String("db", "postgres", "backend of an integration run: memory, sqlite or postgres")
)

// Backends lists the backends the end-to-end suite runs against. A normal
// run covers the embedded ones, an integration run only -db.
func Backends() []string {
	if *Integration {
		return []string{*DBType}
	}
	return []string{"memory", "sqlite"}
}

// SkipIfIntegration marks a test that runs without external services.
func SkipIfIntegration(t *testing.T) {
	if *Integration {
		t.Skip("runs in the default suite")
	}
}

// SkipIfNotIntegration marks a test that starts containers.
func SkipIfNotIntegration(t *testing.T) {
	if !*Integration {
		t.Skip("needs -integration")
	}
}
