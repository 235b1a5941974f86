package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestNewPasswordHasher_DummyDigestReady(t *testing.T) {
	tests := []struct {
		name     string
		cost     int
		wantCost int
	}{
		{name: "configured cost", cost: bcrypt.MinCost, wantCost: bcrypt.MinCost},
		{name: "fallback cost", cost: 1, wantCost: bcrypt.DefaultCost},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hasher := NewPasswordHasher(tt.cost)

			// The digest exists before any login runs and matches the cost
			// of real digests, so unknown identifiers verify in the same time.
			require.NotEmpty(t, hasher.dummy)
			dummyCost, err := bcrypt.Cost(hasher.dummy)
			require.NoError(t, err)
			assert.Equal(t, tt.wantCost, dummyCost)

			digest, err := hasher.Hash("password123")
			require.NoError(t, err)
			realCost, err := bcrypt.Cost([]byte(digest))
			require.NoError(t, err)
			assert.Equal(t, realCost, dummyCost)
		})
	}
}
