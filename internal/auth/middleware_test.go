package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret"

func newRouter(opts Options) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/whoami", JWTMiddleware(opts), func(c *gin.Context) {
		operator, _ := GetOperator(c.Request.Context())
		c.String(http.StatusOK, operator)
	})
	return router
}

func signToken(t *testing.T, claims jwt.Claims, method jwt.SigningMethod, key interface{}) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func operatorClaims(subject string, roles ...string) OperatorClaims {
	return OperatorClaims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    "ops-portal",
			Audience:  jwt.ClaimStrings{"ncshot"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
}

func doRequest(router *gin.Engine, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func TestJWTMiddlewareInjectsOperator(t *testing.T) {
	token := signToken(t, operatorClaims("operator-7", "batch"), jwt.SigningMethodHS256, []byte(testSecret))

	opts := Options{Secret: testSecret, Audience: "ncshot", Issuer: "ops-portal", Role: "batch"}
	resp := doRequest(newRouter(opts), "Bearer "+token)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	if resp.Body.String() != "operator-7" {
		t.Fatalf("unexpected operator %q", resp.Body.String())
	}
}

func TestJWTMiddlewareRejects(t *testing.T) {
	valid := operatorClaims("op")
	expired := operatorClaims("op")
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	noExpiry := operatorClaims("op")
	noExpiry.ExpiresAt = nil
	noSubject := operatorClaims("")

	base := Options{Secret: testSecret}
	cases := []struct {
		name   string
		opts   Options
		header string
	}{
		{"missing header", base, ""},
		{"wrong scheme", base, "Basic abc"},
		{"wrong key", base, "Bearer " + signToken(t, valid, jwt.SigningMethodHS256, []byte("other"))},
		{"expired", base, "Bearer " + signToken(t, expired, jwt.SigningMethodHS256, []byte(testSecret))},
		{"no expiry", base, "Bearer " + signToken(t, noExpiry, jwt.SigningMethodHS256, []byte(testSecret))},
		{"missing subject", base, "Bearer " + signToken(t, noSubject, jwt.SigningMethodHS256, []byte(testSecret))},
		{"wrong audience", Options{Secret: testSecret, Audience: "other"}, "Bearer " + signToken(t, valid, jwt.SigningMethodHS256, []byte(testSecret))},
		{"wrong issuer", Options{Secret: testSecret, Issuer: "elsewhere"}, "Bearer " + signToken(t, valid, jwt.SigningMethodHS256, []byte(testSecret))},
		{"no secret configured", Options{}, "Bearer " + signToken(t, valid, jwt.SigningMethodHS256, []byte(testSecret))},
	}
	for _, tc := range cases {
		resp := doRequest(newRouter(tc.opts), tc.header)
		if resp.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", tc.name, resp.Code)
		}
	}
}

func TestJWTMiddlewareRequiresRole(t *testing.T) {
	router := newRouter(Options{Secret: testSecret, Role: "batch"})

	viewer := signToken(t, operatorClaims("op", "viewer"), jwt.SigningMethodHS256, []byte(testSecret))
	if resp := doRequest(router, "Bearer "+viewer); resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without role, got %d", resp.Code)
	}

	operator := signToken(t, operatorClaims("op", "viewer", "batch"), jwt.SigningMethodHS384, []byte(testSecret))
	if resp := doRequest(router, "Bearer "+operator); resp.Code != http.StatusOK {
		t.Fatalf("expected 200 with role, got %d: %s", resp.Code, resp.Body.String())
	}
}

func TestOperatorContextRoundTrip(t *testing.T) {
	base := httptest.NewRequest(http.MethodGet, "/", nil).Context()
	if _, ok := GetOperator(base); ok {
		t.Fatal("expected no operator on a bare context")
	}
	ctx := WithOperator(base, "op-1")
	if got, ok := GetOperator(ctx); !ok || got != "op-1" {
		t.Fatalf("unexpected operator %q %v", got, ok)
	}
}
