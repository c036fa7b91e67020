package model_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/CIRISAI/CIRISLens-sub000/internal/model"
)

func TestRegisterKeyRequestValidate(t *testing.T) {
	good := model.RegisterKeyRequest{
		KeyID:     "wa-2025-06-04-ABC123",
		PublicKey: "c29tZS1iYXNlNjQta2V5LWJ5dGVzLWhlcmUtMzItbG9uZyE=",
	}
	assert.NoError(t, good.Validate())

	// Algorithm defaults to ed25519; anything else is rejected.
	good.Algorithm = "ed25519"
	assert.NoError(t, good.Validate())
	good.Algorithm = "rsa"
	assert.Error(t, good.Validate())
	good.Algorithm = ""

	missing := good
	missing.KeyID = ""
	assert.Error(t, missing.Validate())

	missing = good
	missing.PublicKey = ""
	assert.Error(t, missing.Validate())

	long := good
	long.KeyID = strings.Repeat("k", 201)
	assert.Error(t, long.Validate())
}
