package httpapi

import (
	"errors"
	"strings"

	"github.com/labstack/echo/v4"

	"horse.fit/shoplens/internal/db"
	"horse.fit/shoplens/internal/product"
)

func (s *Server) handleConversations(c echo.Context) error {
	limit, err := parsePositiveInt(c.QueryParam("limit"), defaultConversationLimit, 1, maxConversationLimit)
	if err != nil {
		return failValidation(c, map[string]string{"limit": err.Error()})
	}

	items, err := s.pool.ListConversations(c.Request().Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("list conversations failed")
		return internalError(c, "Failed to load conversations")
	}

	return success(c, map[string]any{
		"items": items,
		"limit": limit,
	})
}

func (s *Server) handleConversationDetail(c echo.Context) error {
	conversationUUID := strings.TrimSpace(c.Param("conversation_uuid"))
	if conversationUUID == "" {
		return failValidation(c, map[string]string{"conversation_uuid": "is required"})
	}

	limit, err := parsePositiveInt(c.QueryParam("limit"), defaultMessageLimit, 1, maxMessageLimit)
	if err != nil {
		return failValidation(c, map[string]string{"limit": err.Error()})
	}

	ctx := c.Request().Context()
	conversation, err := s.pool.GetConversationByUUID(ctx, conversationUUID)
	if err != nil {
		if errors.Is(err, db.ErrNoRows) {
			return failNotFound(c, "Conversation not found")
		}
		s.logger.Error().Err(err).Str("conversation_uuid", conversationUUID).Msg("query conversation failed")
		return internalError(c, "Failed to load conversation")
	}

	messages, err := s.pool.ListRecentMessages(ctx, conversation.ConversationID, limit)
	if err != nil {
		s.logger.Error().Err(err).Str("conversation_uuid", conversationUUID).Msg("query conversation messages failed")
		return internalError(c, "Failed to load conversation messages")
	}

	return success(c, map[string]any{
		"conversation": conversation,
		"messages":     messages,
	})
}

func (s *Server) handleProductSummary(c echo.Context) error {
	name := strings.TrimSpace(c.QueryParam("name"))
	if name == "" {
		return failValidation(c, map[string]string{"name": "is required"})
	}

	summary, err := s.reviews.Summary(c.Request().Context(), name)
	if err != nil {
		s.logger.Error().Err(err).Str("product", name).Msg("load product summary failed")
		return internalError(c, "Failed to load product summary")
	}
	if summary == nil {
		return failNotFound(c, "Product has not been gathered yet")
	}

	return success(c, summary)
}

func (s *Server) handleProductListings(c echo.Context) error {
	name := strings.TrimSpace(c.QueryParam("name"))
	if name == "" {
		return failValidation(c, map[string]string{"name": "is required"})
	}

	ctx := c.Request().Context()
	record, err := s.pool.GetProductByCanonicalName(ctx, product.CanonicalName(name))
	if err != nil {
		s.logger.Error().Err(err).Str("product", name).Msg("query product failed")
		return internalError(c, "Failed to load product")
	}
	if record == nil {
		return failNotFound(c, "Product has not been gathered yet")
	}

	listings, err := s.pool.ListProductListings(ctx, record.ProductID)
	if err != nil {
		s.logger.Error().Err(err).Str("product", name).Msg("query listings failed")
		return internalError(c, "Failed to load listings")
	}

	return success(c, map[string]any{
		"product":  record,
		"listings": listings,
	})
}
