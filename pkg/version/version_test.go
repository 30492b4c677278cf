package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUserAgent(t *testing.T) {
	old := Build
	t.Cleanup(func() { Build = old })
	Build = "1.2.0"
	assert.Equal(t, "/bitchan:1.2.0/", UserAgent())
}
