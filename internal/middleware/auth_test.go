package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func authTestRouter(secret string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/jobs/process", CronAuthMiddleware(secret), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return router
}

func TestCronAuthAcceptsValidToken(t *testing.T) {
	router := authTestRouter("s3cret")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/jobs/process", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCronAuthRejectsWrongToken(t *testing.T) {
	router := authTestRouter("s3cret")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/jobs/process", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCronAuthRejectsMissingHeader(t *testing.T) {
	router := authTestRouter("s3cret")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/jobs/process", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCronAuthRejectsNonBearerScheme(t *testing.T) {
	router := authTestRouter("s3cret")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/jobs/process", nil)
	req.Header.Set("Authorization", "Basic s3cret")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCronAuthFailsClosedWithoutSecret(t *testing.T) {
	router := authTestRouter("")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/jobs/process", nil)
	req.Header.Set("Authorization", "Bearer anything")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code, "an unset secret must not open the endpoint")
}
