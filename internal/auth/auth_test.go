package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testKey    = "test-key"
	testIssuer = "attendance-engine"
)

func init() { gin.SetMode(gin.TestMode) }

func issue(t *testing.T, subject, role string) string {
	t.Helper()
	pair, err := Issue(subject, role, testIssuer, testKey, time.Minute, time.Hour)
	require.NoError(t, err)
	return pair.AccessToken
}

func TestIssueParse(t *testing.T) {
	tok := issue(t, "u-1", RoleTeacher)

	claims, err := Parse(tok, testKey, testIssuer)
	require.NoError(t, err)
	assert.Equal(t, "u-1", claims.Subject)
	assert.Equal(t, RoleTeacher, claims.Role)

	_, err = Parse(tok, "other-key", testIssuer)
	assert.Error(t, err)
	_, err = Parse(tok, testKey, "someone-else")
	assert.Error(t, err)
}

func TestFromToken(t *testing.T) {
	tests := []struct {
		name    string
		token   string
		subject string
		role    string
	}{
		{name: "empty", token: ""},
		{name: "opaque token", token: "not-a-jwt"},
		{name: "jwt", token: issue(t, "u-7", RoleSchoolAdmin), subject: "u-7", role: RoleSchoolAdmin},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ac := FromToken(tt.token)
			assert.Equal(t, tt.token, ac.Token)
			assert.Equal(t, tt.subject, ac.Subject)
			assert.Equal(t, tt.role, ac.Role)
			assert.Equal(t, tt.token == "", ac.Anonymous())
		})
	}
	assert.Equal(t, "Bearer abc", Context{Token: "abc"}.Authorization())
	assert.Equal(t, "", Context{}.Authorization())
}

func serve(h ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	handlers := append(h, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"subject": From(c).Subject, "token": From(c).Token})
	})
	r.GET("/", handlers...)
	return r
}

func do(r http.Handler, authz string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestRequireBearerAndRole(t *testing.T) {
	r := serve(RequireBearer(testKey, testIssuer), RequireRole(RoleSchoolAdmin, RoleMainAdmin))

	assert.Equal(t, http.StatusUnauthorized, do(r, "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, "Bearer garbage").Code)
	assert.Equal(t, http.StatusForbidden, do(r, "Bearer "+issue(t, "u-1", RoleParent)).Code)

	rec := do(r, "Bearer "+issue(t, "u-2", RoleSchoolAdmin))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"subject":"u-2"`)
}

func TestForward(t *testing.T) {
	withFallback := serve(Forward("station-token"))
	rec := do(withFallback, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"token":"station-token"`)

	rec = do(withFallback, "Bearer operator-token")
	assert.Contains(t, rec.Body.String(), `"token":"operator-token"`)

	assert.Equal(t, http.StatusUnauthorized, do(serve(Forward("")), "").Code)
}
