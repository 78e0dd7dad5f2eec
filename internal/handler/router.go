package handler

import "github.com/gin-gonic/gin"

// RegisterRoutes 在已挂载认证中间件的路由组上注册知识库 API。
func RegisterRoutes(api *gin.RouterGroup, docs *DocumentHandler, search *SearchHandler, chat *ChatHandler, conversations *ConversationHandler) {
	api.GET("/upload/supported-types", docs.SupportedTypes)

	kb := api.Group("/knowledge-bases/:kbId")
	{
		kb.DELETE("", docs.DeleteKnowledgeBase)

		kb.POST("/documents", docs.Upload)
		kb.GET("/documents", docs.List)
		kb.GET("/documents/:docId", docs.Get)
		kb.DELETE("/documents/:docId", docs.Delete)
		kb.POST("/documents/:docId/reindex", docs.Reindex)

		kb.GET("/search", search.Search)

		kb.POST("/chat", chat.Chat)
		kb.GET("/chat/stream", chat.Stream)
	}

	sessions := api.Group("/conversations/:sessionId")
	{
		sessions.GET("", conversations.GetConversation)
		sessions.DELETE("", conversations.DeleteConversation)
	}
}
