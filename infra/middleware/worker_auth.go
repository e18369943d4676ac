package middleware

import (
	"context"
	"fmt"
	"strings"
	"time"

	"mailsync_server/pkg/apperr"
	"mailsync_server/pkg/logger"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
)

// TokenBlacklist manages revoked operator tokens
type TokenBlacklist struct {
	redis  *redis.Client
	prefix string
}

func NewTokenBlacklist(redisClient *redis.Client) *TokenBlacklist {
	if redisClient == nil {
		logger.Warn("[TokenBlacklist] Redis client not provided, token revocation disabled")
		return nil
	}
	return &TokenBlacklist{redis: redisClient, prefix: "mailsync:token:revoked:"}
}

// Revoke adds a token id to the blacklist until it would have expired anyway.
func (b *TokenBlacklist) Revoke(ctx context.Context, tokenID string, expiry time.Duration) error {
	if b == nil {
		return nil
	}
	return b.redis.Set(ctx, b.prefix+tokenID, "1", expiry).Err()
}

// IsRevoked fails open when Redis is unreachable.
func (b *TokenBlacklist) IsRevoked(ctx context.Context, tokenID string) bool {
	if b == nil {
		return false
	}
	exists, _ := b.redis.Exists(ctx, b.prefix+tokenID).Result()
	return exists > 0
}

// JWTAuth validates HS256 operator tokens. The "sub" claim names the operator
// and is stored in c.Locals("operator").
func JWTAuth(secret string, blacklist *TokenBlacklist) fiber.Handler {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(time.Minute),
	)

	return func(c *fiber.Ctx) error {
		if c.Method() == fiber.MethodOptions {
			return c.Next()
		}

		tokenString, ok := strings.CutPrefix(c.Get(fiber.HeaderAuthorization), "Bearer ")
		if !ok || tokenString == "" {
			return apperr.Unauthorized("missing authorization")
		}

		claims := jwt.MapClaims{}
		token, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
			if secret == "" {
				return nil, fmt.Errorf("JWT secret not configured")
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			logger.WithError(err).Warn("[JWTAuth] Token rejected")
			return apperr.Unauthorized("invalid token")
		}

		if jti, ok := claims["jti"].(string); ok && jti != "" && blacklist.IsRevoked(c.Context(), jti) {
			return apperr.Unauthorized("token has been revoked")
		}

		operator, err := claims.GetSubject()
		if err != nil || operator == "" {
			return apperr.Unauthorized("missing subject in token")
		}

		c.Locals("operator", operator)
		c.Locals("claims", claims)
		return c.Next()
	}
}

// RevokeCurrent revokes the caller's own token until it would have expired.
// Only tokens carrying a "jti" claim can be revoked.
func RevokeCurrent(blacklist *TokenBlacklist) fiber.Handler {
	return func(c *fiber.Ctx) error {
		claims, _ := c.Locals("claims").(jwt.MapClaims)
		jti, _ := claims["jti"].(string)
		if jti == "" {
			return apperr.BadRequest("token has no jti claim")
		}

		if blacklist == nil {
			return apperr.New("REVOCATION_UNAVAILABLE", "token revocation is not configured", fiber.StatusServiceUnavailable)
		}

		ttl := time.Hour
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			ttl = time.Until(exp.Time) + time.Minute
		}
		if err := blacklist.Revoke(c.Context(), jti, ttl); err != nil {
			return apperr.Internal(err)
		}

		logger.WithField("operator", c.Locals("operator")).Info("[RevokeCurrent] Token %s revoked", jti)
		return c.SendStatus(fiber.StatusNoContent)
	}
}
