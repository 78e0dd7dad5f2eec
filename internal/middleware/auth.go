// Package middleware 提供了处理 HTTP 请求的中间件。
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"chatbot-rag/pkg/log"
	"chatbot-rag/pkg/token"
)

const (
	tenantIDKey = "tenantId"
	claimsKey   = "claims"
)

// TenantAuth 创建一个 Gin 中间件，用于校验租户 JWT。
// token 从 Authorization: Bearer 头读取；WebSocket 握手无法设置请求头，因此也接受 ?token= 查询参数。
func TenantAuth(jwtManager *token.JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := ""
		if authHeader := c.GetHeader("Authorization"); authHeader != "" {
			// Token 通常以 "Bearer <token>" 的形式提供，我们需要提取出 token 本身
			const bearerPrefix = "Bearer "
			if !strings.HasPrefix(authHeader, bearerPrefix) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "无效的授权头格式", "data": nil})
				return
			}
			tokenString = strings.TrimPrefix(authHeader, bearerPrefix)
		} else {
			tokenString = c.Query("token")
		}
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "请求未包含授权信息", "data": nil})
			return
		}

		claims, err := jwtManager.VerifyToken(tokenString)
		if err != nil {
			log.Warnf("[TenantAuth] token 校验失败, path: %s, Error: %v", c.Request.URL.Path, err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "无效或已过期的 token", "data": nil})
			return
		}

		// 将租户信息存储在 context 中，供后续处理函数使用
		c.Set(tenantIDKey, claims.TenantID)
		c.Set(claimsKey, claims)
		c.Next()
	}
}

// TenantID 返回 TenantAuth 写入的租户 ID。
func TenantID(c *gin.Context) string {
	return c.GetString(tenantIDKey)
}
