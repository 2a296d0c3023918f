package email

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidate(t *testing.T) {
	valid := []string{"ops@example.com", " a.b+c@sub.example.org "}
	for _, a := range valid {
		assert.NoError(t, Validate(a), a)
	}

	invalid := []string{"", "not-an-email", "Ops <ops@example.com>", "ops@localhost", "a@@b.com"}
	for _, a := range invalid {
		assert.Error(t, Validate(a), a)
	}
}

func TestValidateAll(t *testing.T) {
	assert.Error(t, ValidateAll(nil))
	assert.Error(t, ValidateAll([]string{"ok@example.com", "bad"}))
	assert.NoError(t, ValidateAll([]string{"ok@example.com", "also@example.com"}))
}
