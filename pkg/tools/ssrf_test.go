package tools

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itak-ai/itak/pkg/itakerrors"
)

func TestSSRFGuardBlocksRestrictedAddresses(t *testing.T) {
	guard := NewSSRFGuard(nil)

	for _, target := range []string{
		"http://169.254.169.254/latest/meta-data/iam/security-credentials/",
		"http://127.0.0.1:8080/admin",
		"http://10.0.0.5/",
		"http://192.168.1.1/",
		"http://172.16.0.1/",
		"http://0.0.0.0/",
		"http://[::1]/",
	} {
		err := guard.CheckURL(target)
		require.Error(t, err, "must block %s", target)
		assert.Equal(t, itakerrors.CategoryPolicyViolation, itakerrors.CategoryOf(err), target)
	}
}

func TestSSRFGuardRejectsNonHTTPSchemes(t *testing.T) {
	guard := NewSSRFGuard(nil)
	for _, target := range []string{
		"file:///etc/passwd",
		"gopher://example.com/",
		"ftp://example.com/",
	} {
		err := guard.CheckURL(target)
		require.Error(t, err, "must reject %s", target)
		assert.Equal(t, itakerrors.CategoryPolicyViolation, itakerrors.CategoryOf(err), target)
	}
}

func TestSSRFGuardAllowsPublicIPLiterals(t *testing.T) {
	guard := NewSSRFGuard(nil)
	assert.NoError(t, guard.CheckURL("http://93.184.216.34/"))
	assert.NoError(t, guard.CheckURL("https://1.1.1.1/dns-query"))
}

func TestSSRFGuardAllowlistBypass(t *testing.T) {
	guard := NewSSRFGuard([]string{"localhost", "searxng.internal"})
	assert.NoError(t, guard.CheckURL("http://localhost:8888/search?q=x&format=json"))
	assert.NoError(t, guard.CheckURL("http://SEARXNG.INTERNAL/search"))

	// Allow-listing one host must not open others.
	err := guard.CheckURL("http://127.0.0.1/")
	require.Error(t, err)
}

func TestSSRFGuardMissingHost(t *testing.T) {
	guard := NewSSRFGuard(nil)
	err := guard.CheckURL("http:///path-only")
	require.Error(t, err)
	assert.Equal(t, itakerrors.CategoryInvalidArgs, itakerrors.CategoryOf(err))
}
