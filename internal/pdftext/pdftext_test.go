package pdftext

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractRejectsGarbage(t *testing.T) {
	text, err := Extract([]byte("definitely not a pdf"))
	assert.Error(t, err)
	assert.Empty(t, text)
}

func TestExtractEmpty(t *testing.T) {
	_, err := Extract(nil)
	assert.Error(t, err)
}
