package handler

import (
	"embed"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/tillscan/internal/pairing"
	"github.com/dukerupert/tillscan/internal/protocol"
)

//go:embed templates/*.html
var templateFS embed.FS

type scannerPage struct {
	Token       string
	Failure     string
	Messages    map[string]string
	Subprotocol string
	Version     int
	MaxChars    int
}

// ScannerHandler serves the phone's scanner page at /scan/{token}.
type ScannerHandler struct {
	store     *pairing.Store
	templates *template.Template
	now       func() time.Time
	logger    *slog.Logger
}

func NewScannerHandler(store *pairing.Store, logger *slog.Logger) *ScannerHandler {
	tmpl := template.Must(template.ParseFS(templateFS, "templates/*.html"))
	return &ScannerHandler{
		store:     store,
		templates: tmpl,
		now:       time.Now,
		logger:    logger,
	}
}

// Page renders the scanner for a claimable token. Invalid tokens get 404;
// expired or already claimed tokens get 410. The page is only a hint: the
// bind over the relay socket is what actually claims the session.
func (h *ScannerHandler) Page(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	page := scannerPage{
		Token:       token,
		Messages:    phoneMessages,
		Subprotocol: protocol.Subprotocol,
		Version:     protocol.Version,
		MaxChars:    pairing.MaxScanChars,
	}

	status := http.StatusOK
	if _, err := h.store.Check(token, h.now()); err != nil {
		status = http.StatusGone
		if errors.Is(err, pairing.ErrNotFound) {
			status = http.StatusNotFound
		}
		page.Failure = PhoneMessage(pairing.KindOf(err))
	}
	if page.Failure != "" {
		page.Token = ""
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := h.templates.ExecuteTemplate(w, "scanner", page); err != nil {
		h.logger.Error("template error", "error", err)
	}
}
