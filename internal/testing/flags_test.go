package testing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBackendsOfDefaultRunAreEmbedded(t *testing.T) {
	SkipIfIntegration(t)

	assert.Equal(t, []string{"memory", "sqlite"}, Backends())
}

func TestBackendsOfIntegrationRunFollowDbFlag(t *testing.T) {
	SkipIfNotIntegration(t)

	assert.Equal(t, []string{*DBType}, Backends())
}
