package handler

import (
	"github.com/labstack/echo/v4"

	"pactroom/internal/usecase"
	"pactroom/pkg/response"
	"pactroom/pkg/utils"
)

type DocumentHandler struct {
	documents *usecase.DocumentUseCase
}

func NewDocumentHandler(documents *usecase.DocumentUseCase) *DocumentHandler {
	return &DocumentHandler{
		documents: documents,
	}
}

func (h *DocumentHandler) GetDocument(c echo.Context) error {
	doc, err := h.documents.GetDocument(c.Request().Context(), c.Param("id"))
	if err != nil {
		return response.Error(c, err)
	}
	return response.Success(c, doc)
}

func (h *DocumentHandler) ListRoomDocuments(c echo.Context) error {
	docs, err := h.documents.ListRoomDocuments(c.Request().Context(), c.Param("roomId"))
	if err != nil {
		return response.Error(c, err)
	}
	return response.Success(c, utils.Paginate(docs, utils.GetPaginationParams(c)))
}
