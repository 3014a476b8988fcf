package metastore

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	// WriteSecret signs the HS256 tokens required on
	// POST routes. Empty leaves writes unauthenticated.
	WriteSecret []byte
	Logger      *slog.Logger
}

// IssueToken mints a write token for subject.
func IssueToken(secret []byte, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

type handler struct {
	store *Store
	log   *slog.Logger
}

// NewServer returns an echo instance serving store.
func NewServer(store *Store, cfg ServerConfig) *echo.Echo {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	h := &handler{store: store, log: cfg.Logger}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	write := []echo.MiddlewareFunc{middleware.BodyLimit("64K")}
	if len(cfg.WriteSecret) > 0 {
		write = append(write, echojwt.WithConfig(echojwt.Config{
			SigningKey:    cfg.WriteSecret,
			SigningMethod: "HS256",
		}))
	}

	api := e.Group("/api")
	api.POST("/unlock-records", h.postUnlockRecord, write...)
	api.GET("/unlock-records/buyer/:wallet", h.getByBuyer)
	api.GET("/unlock-records/resume/:ref", h.getByResume)
	api.GET("/unlock-records/check/:ref/:buyer", h.getCheck)
	api.POST("/access-logs", h.postAccessRecord, write...)
	api.GET("/access-logs/resource/:ref", h.getAccessByResource)
	api.GET("/access-logs/accessor/:accessor", h.getAccessByAccessor)
	api.GET("/access-logs/count/:ref", h.getAccessCount)
	api.POST("/documents", h.postDocument, write...)
	api.GET("/documents/:id", h.getDocument)
	return e
}

type errorBody struct {
	Error string `json:"error"`
}

func (h *handler) fail(c echo.Context, err error) error {
	switch {
	case errors.Is(err, ErrInvalid):
		return c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
	case errors.Is(err, ErrDuplicate):
		return c.JSON(http.StatusConflict, errorBody{Error: err.Error()})
	case errors.Is(err, ErrNotFound):
		return c.JSON(http.StatusNotFound, errorBody{Error: err.Error()})
	default:
		h.log.Error("metastore request failed", "path", c.Path(), "error", err)
		return c.JSON(http.StatusInternalServerError, errorBody{Error: http.StatusText(http.StatusInternalServerError)})
	}
}

func (h *handler) postUnlockRecord(c echo.Context) error {
	var r UnlockRecord
	if err := c.Bind(&r); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid body"})
	}
	saved, err := h.store.AddUnlockRecord(r)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, saved)
}

func (h *handler) getByBuyer(c echo.Context) error {
	records, err := h.store.UnlockRecordsByBuyer(c.Param("wallet"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, records)
}

func (h *handler) getByResume(c echo.Context) error {
	records, err := h.store.UnlockRecordsByResume(c.Param("ref"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, records)
}

func (h *handler) getCheck(c echo.Context) error {
	ok, err := h.store.HasUnlocked(c.Param("ref"), c.Param("buyer"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"unlocked": ok})
}

func (h *handler) postAccessRecord(c echo.Context) error {
	var r AccessRecord
	if err := c.Bind(&r); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid body"})
	}
	saved, err := h.store.AddAccessRecord(r)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, saved)
}

func (h *handler) getAccessByResource(c echo.Context) error {
	records, err := h.store.AccessRecordsByResource(c.Param("ref"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, records)
}

func (h *handler) getAccessByAccessor(c echo.Context) error {
	records, err := h.store.AccessRecordsByAccessor(c.Param("accessor"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, records)
}

type accessCount struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
}

func (h *handler) getAccessCount(c echo.Context) error {
	total, ok, err := h.store.AccessCount(c.Param("ref"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, accessCount{Total: total, Succeeded: ok})
}

func (h *handler) postDocument(c echo.Context) error {
	var d Document
	if err := c.Bind(&d); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid body"})
	}
	saved, err := h.store.PutDocument(d)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, saved)
}

func (h *handler) getDocument(c echo.Context) error {
	d, err := h.store.Document(c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, d)
}
