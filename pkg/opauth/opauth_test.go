package opauth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMintAndValidateRoundTrip(t *testing.T) {
	secret := []byte("test-secret-key-material")
	issuer := NewIssuer(secret, time.Hour)
	validator := NewValidator(secret)

	token, err := issuer.Mint("operator-1", time.Now())
	require.NoError(t, err)

	operatorID, err := validator.Validate(token)
	require.NoError(t, err)
	require.Equal(t, "operator-1", operatorID)
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	issuer := NewIssuer([]byte("secret-a"), time.Hour)
	validator := NewValidator([]byte("secret-b"))

	token, err := issuer.Mint("operator-1", time.Now())
	require.NoError(t, err)

	_, err = validator.Validate(token)
	require.Error(t, err)
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	secret := []byte("test-secret-key-material")
	issuer := NewIssuer(secret, time.Hour)
	validator := NewValidator(secret)

	token, err := issuer.Mint("operator-1", time.Now().Add(-2*time.Hour))
	require.NoError(t, err)

	_, err = validator.Validate(token)
	require.Error(t, err)
}
