package middlewares

import (
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/tnqbao/gau-forge/config"
	"github.com/tnqbao/gau-forge/utils"
)

func AuthMiddleware(config *config.EnvConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		var tokenStr string

		tokenStr = utils.ExtractToken(c)

		// browsers cannot set headers on EventSource and WebSocket requests
		if tokenStr == "" {
			tokenStr = c.Query("access_token")
		}

		if tokenStr == "" {
			utils.JSON401(c, "Authorization token is required")
			c.Abort()
			return
		}

		parsedToken, err := utils.ParseToken(tokenStr, config)
		if err != nil || !parsedToken.Valid {
			utils.JSON401(c, "Invalid token")
			c.Abort()
			return
		}

		if claims, ok := parsedToken.Claims.(jwt.MapClaims); ok {
			if err := utils.InjectClaimsToContext(c, claims); err != nil {
				utils.JSON401(c, "Invalid claims")
				c.Abort()
				return
			}
		} else {
			utils.JSON401(c, "Invalid token claims")
			c.Abort()
			return
		}

		c.Next()
	}
}

// AdminMiddleware must run after AuthMiddleware
func AdminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !utils.IsAdmin(c) {
			utils.JSON403(c, "Admin permission required")
			c.Abort()
			return
		}
		c.Next()
	}
}
