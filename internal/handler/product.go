package handler

import (
	"log/slog"
	"net/http"

	"github.com/dukerupert/tillscan/internal/pairing"
	"github.com/dukerupert/tillscan/internal/store"
)

type ProductHandler struct {
	productStore *store.ProductStore
	logger       *slog.Logger
}

func NewProductHandler(ps *store.ProductStore, logger *slog.Logger) *ProductHandler {
	return &ProductHandler{productStore: ps, logger: logger}
}

// Get handles GET /api/products/{barcode}.
func (h *ProductHandler) Get(w http.ResponseWriter, r *http.Request) {
	barcode, err := pairing.NormalizeScan(r.PathValue("barcode"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid barcode", "")
		return
	}

	p, err := h.productStore.GetByBarcode(barcode)
	if err != nil {
		h.logger.Error("lookup product", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to look up product", "")
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, "product not found", "")
		return
	}

	writeJSON(w, http.StatusOK, p)
}
