package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestGenerateAndValidateJWT(t *testing.T) {
	secret := []byte("unit-test-secret")

	token, err := GenerateJWT("usr_1", "org_1", "organizer@example.com", "organizer", secret)
	if err != nil {
		t.Fatalf("failed to generate token: %v", err)
	}

	claims, err := ValidateJWT(token, secret)
	if err != nil {
		t.Fatalf("failed to validate token: %v", err)
	}
	if claims.OrganizerID != "org_1" {
		t.Errorf("expected organizer_id org_1, got %s", claims.OrganizerID)
	}
	if claims.Role != "organizer" {
		t.Errorf("expected role organizer, got %s", claims.Role)
	}
}

func TestValidateJWTWrongSecret(t *testing.T) {
	token, err := GenerateJWT("usr_1", "org_1", "organizer@example.com", "organizer", []byte("secret-a"))
	if err != nil {
		t.Fatalf("failed to generate token: %v", err)
	}

	if _, err := ValidateJWT(token, []byte("secret-b")); err != ErrInvalidJWT {
		t.Fatalf("expected ErrInvalidJWT, got %v", err)
	}
}

func TestValidateServiceToken(t *testing.T) {
	if err := ValidateServiceToken("", "expected"); err != ErrMissingServiceToken {
		t.Fatalf("expected ErrMissingServiceToken, got %v", err)
	}
	if err := ValidateServiceToken("wrong", "expected"); err != ErrInvalidServiceToken {
		t.Fatalf("expected ErrInvalidServiceToken, got %v", err)
	}
	if err := ValidateServiceToken("expected", "expected"); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestJWTAuthMiddlewareRejectsMissingToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(JWTAuthMiddleware([]byte("secret")))
	router.GET("/protected", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/protected", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestRequireRole(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(func(c *gin.Context) { c.Set("role", "staff") })
	router.GET("/admin", RequireRole("organizer"), func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/admin", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
}
