package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateVerificationCode(t *testing.T) {
	for _, ok := range []string{"123456", "123 456", "ab12cd34", "AB12 CD34", "dead beef"} {
		assert.NoError(t, ValidateVerificationCode(ok), ok)
	}

	err := ValidateVerificationCode("   ")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "code", verr.Field)
	assert.Equal(t, "Verification code is required", verr.Error())

	for _, bad := range []string{"12-34-56", "123456;", "<script>", strings.Repeat("1", 33)} {
		assert.Error(t, ValidateVerificationCode(bad), bad)
	}
}

func TestNormalizeUsername(t *testing.T) {
	assert.Equal(t, "audit_admin", NormalizeUsername("  Audit_Admin "))
}

func TestValidateUsernameLength(t *testing.T) {
	var verr *ValidationError
	assert.ErrorAs(t, ValidateUsername("_bad"), &verr)
	assert.NoError(t, ValidateUsername("audit_admin"))

	assert.Error(t, ValidateUsername("ab"))
	assert.Error(t, ValidateUsername(strings.Repeat("a", MaxUsernameLength+1)))
	assert.NoError(t, ValidateUsername(strings.Repeat("a", MaxUsernameLength)))
}
