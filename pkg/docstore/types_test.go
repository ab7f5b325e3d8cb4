package docstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashTextStable(t *testing.T) {
	a := HashText("The capital of Atlantis is Sunhaven.")
	b := HashText("The capital of Atlantis is Sunhaven.")
	c := HashText("The capital of Atlantis is Port Meridian.")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestDocumentIDDerivation(t *testing.T) {
	hash := HashText("some text")

	id1 := DocumentID("demo", hash)
	id2 := DocumentID("demo", hash)
	other := DocumentID("acme", hash)

	// Same project + same text → same id; different project → different id.
	assert.Equal(t, id1, id2)
	assert.NotEqual(t, id1, other)
	assert.Contains(t, id1, "demo:")
}
