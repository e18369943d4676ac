package middleware

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

func signToken(t *testing.T, secret string, method jwt.SigningMethod, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestJWTAuth(t *testing.T) {
	const secret = "test-secret"
	now := time.Now()

	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler()})
	app.Use(JWTAuth(secret, nil))
	app.Get("/who", func(c *fiber.Ctx) error {
		return c.SendString(c.Locals("operator").(string))
	})

	tests := []struct {
		name       string
		header     string
		wantStatus int
	}{
		{"missing header", "", 401},
		{"not bearer", "Basic abc", 401},
		{
			name:       "valid",
			header:     "Bearer " + signToken(t, secret, jwt.SigningMethodHS256, jwt.MapClaims{"sub": "ops", "exp": now.Add(time.Hour).Unix(), "iat": now.Unix()}),
			wantStatus: 200,
		},
		{
			name:       "expired",
			header:     "Bearer " + signToken(t, secret, jwt.SigningMethodHS256, jwt.MapClaims{"sub": "ops", "exp": now.Add(-time.Hour).Unix()}),
			wantStatus: 401,
		},
		{
			name:       "no expiry",
			header:     "Bearer " + signToken(t, secret, jwt.SigningMethodHS256, jwt.MapClaims{"sub": "ops"}),
			wantStatus: 401,
		},
		{
			name:       "wrong secret",
			header:     "Bearer " + signToken(t, "other", jwt.SigningMethodHS256, jwt.MapClaims{"sub": "ops", "exp": now.Add(time.Hour).Unix()}),
			wantStatus: 401,
		},
		{
			name:       "wrong algorithm",
			header:     "Bearer " + signToken(t, secret, jwt.SigningMethodHS512, jwt.MapClaims{"sub": "ops", "exp": now.Add(time.Hour).Unix()}),
			wantStatus: 401,
		},
		{
			name:       "missing subject",
			header:     "Bearer " + signToken(t, secret, jwt.SigningMethodHS256, jwt.MapClaims{"exp": now.Add(time.Hour).Unix()}),
			wantStatus: 401,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/who", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := app.Test(req)
			if err != nil {
				t.Fatal(err)
			}
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
		})
	}
}

func TestRevokeCurrent_Unavailable(t *testing.T) {
	const secret = "test-secret"
	exp := time.Now().Add(time.Hour).Unix()

	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler()})
	app.Use(JWTAuth(secret, nil))
	app.Post("/revoke", RevokeCurrent(nil))

	tests := []struct {
		name       string
		claims     jwt.MapClaims
		wantStatus int
	}{
		{"no jti", jwt.MapClaims{"sub": "ops", "exp": exp}, 400},
		{"no blacklist", jwt.MapClaims{"sub": "ops", "exp": exp, "jti": "t1"}, 503},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/revoke", nil)
			req.Header.Set("Authorization", "Bearer "+signToken(t, secret, jwt.SigningMethodHS256, tt.claims))
			resp, err := app.Test(req)
			if err != nil {
				t.Fatal(err)
			}
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
		})
	}
}
