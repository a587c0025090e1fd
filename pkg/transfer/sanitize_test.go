package transfer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeNameReplacesIllegalChars(t *testing.T) {
	assert.Equal(t, "A-B-C.PRG", SanitizeName(`A/B\C.PRG`))
}

func TestSanitizeNameTrimsDotsAndSpaces(t *testing.T) {
	assert.Equal(t, "GAME.D64", SanitizeName("  GAME.D64. "))
}

func TestSanitizeNameAppendsExtensionWhenMissing(t *testing.T) {
	assert.Equal(t, "README.prg", SanitizeName("README"))
}

func TestSanitizeNameEmptyBecomesUnnamed(t *testing.T) {
	assert.Equal(t, "unnamed.prg", SanitizeName("   "))
}
