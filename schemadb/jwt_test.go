package schemadb_test

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TangGee/orders-mcp/schemadb"
)

var testSecret = []byte("super-secret-jwt-token-with-at-least-32-characters")

func signToken(t *testing.T, alg string, claims map[string]any, secret []byte) string {
	t.Helper()

	method := jwt.GetSigningMethod(alg)
	require.NotNil(t, method, alg)
	token, err := jwt.NewWithClaims(method, jwt.MapClaims(claims)).SignedString(secret)
	require.NoError(t, err)
	return token
}

func TestVerifyToken(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	future := float64(now.Add(time.Hour).Unix())
	past := float64(now.Add(-time.Hour).Unix())

	tests := []struct {
		name     string
		token    string
		wantRole string
		wantErr  bool
	}{
		{name: "anonymous caller", token: "", wantRole: "anon"},
		{name: "authenticated user", token: signToken(t, "HS256", map[string]any{"role": "authenticated", "sub": "u1", "exp": future}, testSecret), wantRole: "authenticated"},
		{name: "unknown role is anon", token: signToken(t, "HS256", map[string]any{"role": "service_role"}, testSecret), wantRole: "anon"},
		{name: "expired", token: signToken(t, "HS256", map[string]any{"role": "authenticated", "exp": past}, testSecret), wantErr: true},
		{name: "not yet valid", token: signToken(t, "HS256", map[string]any{"nbf": future}, testSecret), wantErr: true},
		{name: "wrong secret", token: signToken(t, "HS256", map[string]any{"role": "authenticated"}, []byte("other")), wantErr: true},
		{name: "wrong algorithm", token: signToken(t, "HS384", map[string]any{"role": "authenticated"}, testSecret), wantErr: true},
		{name: "unsigned", token: "eyJhbGciOiJub25lIiwidHlwIjoiSldUIn0.eyJyb2xlIjoiYXV0aGVudGljYXRlZCJ9.", wantErr: true},
		{name: "malformed", token: "abc.def", wantErr: true},
		{name: "garbage segments", token: "!!.??.**", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := schemadb.VerifyToken(tt.token, testSecret, now)
			if tt.wantErr {
				require.ErrorIs(t, err, schemadb.ErrInvalidToken)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantRole, claims.Role())
		})
	}
}
