package api

import (
	"embed"
	"errors"
	"io"
	"io/fs"
	"log"
	"net/http"
	"os"
	"path/filepath"

	"github.com/andi/fileconvert/backend/conversion"
	"github.com/andi/fileconvert/backend/dispatcher"
	"github.com/andi/fileconvert/backend/engine"
	"github.com/andi/fileconvert/backend/models"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/template/html/v2"
	"github.com/gofiber/websocket/v2"
)

//go:embed templates/*.html
var templatesFS embed.FS

// Version is reported by the health endpoints
const Version = "1.0.0"

// OwnerHeader carries the authenticated user id set by the fronting proxy
const OwnerHeader = "X-User-ID"

const ownerLocal = "owner"

// DispatcherStats exposes dispatcher load for monitoring
type DispatcherStats interface {
	Stats() dispatcher.Stats
}

// Server represents the HTTP API server
type Server struct {
	app     *fiber.App
	service *conversion.Service
	stats   DispatcherStats
	wsHub   *WebSocketHub
	logDir  string
}

// New creates a new API server
func New(service *conversion.Service, stats DispatcherStats, hub *WebSocketHub, logDir string) *Server {
	templates, err := fs.Sub(templatesFS, "templates")
	if err != nil {
		log.Fatalf("Failed to load embedded templates: %v", err)
	}
	views := html.NewFileSystem(http.FS(templates), ".html")

	app := fiber.New(fiber.Config{
		Views:        views,
		ErrorHandler: errorHandler,
		// Leave headroom for multipart framing; the service enforces the exact limit
		BodyLimit: int(service.MaxFileSize()) + 1<<20,
	})

	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Output: accessLogOutput(logDir),
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,DELETE,OPTIONS",
		AllowHeaders: "Origin, Content-Type, Accept, " + OwnerHeader,
	}))

	server := &Server{
		app:     app,
		service: service,
		stats:   stats,
		wsHub:   hub,
		logDir:  logDir,
	}

	server.setupRoutes()
	return server
}

// accessLogOutput writes access logs only to file, not to console
func accessLogOutput(logDir string) io.Writer {
	if logDir == "" {
		return io.Discard
	}
	accessLogPath := filepath.Join(logDir, "access.log")
	accessLogFile, err := os.OpenFile(accessLogPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Printf("Warning: Failed to open access log file: %v", err)
		return io.Discard
	}
	return accessLogFile
}

func (s *Server) setupRoutes() {
	s.app.Get("/", s.renderIndex)
	s.app.Get("/health", s.health)

	s.app.Use("/ws", func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		owner := ownerOf(c)
		if owner == "" {
			owner = c.Query("user_id")
		}
		c.Locals(ownerLocal, owner)
		return c.Next()
	})
	s.app.Get("/ws", s.HandleWebSocket)

	api := s.app.Group("/api/v1")
	api.Get("/health", s.health)

	// Engines
	api.Get("/engines", s.listEngines)
	api.Get("/engines/:id", s.getEngine)
	api.Get("/engines/:id/conversions", s.getEngineConversions)
	api.Get("/validate", s.validateConversion)
	api.Get("/suggest", s.suggestConversions)
	api.Get("/formats/:format/engines", s.getEnginesForFormat)

	// Jobs
	api.Post("/convert", requireOwner, s.createJob)
	api.Get("/jobs", requireOwner, s.listJobs)
	api.Get("/jobs/:id", requireOwner, s.getJob)
	api.Delete("/jobs/:id", requireOwner, s.deleteJob)
	api.Get("/jobs/:id/download", requireOwner, s.downloadJob)

	// Monitoring
	api.Get("/dispatcher/stats", s.getDispatcherStats)
}

// Start starts the HTTP server
func (s *Server) Start(addr string) error {
	log.Printf("Starting HTTP server on %s", addr)
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error       string              `json:"error"`
	Code        string              `json:"code"`
	Suggestions []models.Suggestion `json:"suggestions,omitempty"`
}

// UnsupportedConversionResponse always carries the suggestions list, even when empty
type UnsupportedConversionResponse struct {
	Error       string              `json:"error"`
	Code        string              `json:"code"`
	Suggestions []models.Suggestion `json:"suggestions"`
}

// SuccessResponse is returned by operations without a resource body
type SuccessResponse struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// errorHandler handles fiber errors
func errorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code := "BAD_REQUEST"
		switch fe.Code {
		case fiber.StatusNotFound:
			code = "NOT_FOUND"
		case fiber.StatusRequestEntityTooLarge:
			code = "FILE_TOO_LARGE"
		case fiber.StatusUpgradeRequired:
			code = "UPGRADE_REQUIRED"
		case fiber.StatusMethodNotAllowed:
			code = "METHOD_NOT_ALLOWED"
		}
		if fe.Code >= fiber.StatusInternalServerError {
			code = "INTERNAL_ERROR"
		}
		return c.Status(fe.Code).JSON(ErrorResponse{Error: fe.Message, Code: code})
	}
	status, resp := toErrorResponse(err)
	if resp.Code == "UNSUPPORTED_CONVERSION" {
		suggestions := resp.Suggestions
		if suggestions == nil {
			suggestions = []models.Suggestion{}
		}
		return c.Status(status).JSON(UnsupportedConversionResponse{
			Error:       resp.Error,
			Code:        resp.Code,
			Suggestions: suggestions,
		})
	}
	return c.Status(status).JSON(resp)
}

// toErrorResponse maps domain errors to a status and a stable error code
func toErrorResponse(err error) (int, ErrorResponse) {
	var notFound *engine.EngineNotFoundError
	var unsupported *engine.UnsupportedConversionError

	switch {
	case errors.As(err, &notFound):
		return fiber.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "ENGINE_NOT_FOUND"}
	case errors.As(err, &unsupported):
		return fiber.StatusUnprocessableEntity, ErrorResponse{
			Error:       err.Error(),
			Code:        "UNSUPPORTED_CONVERSION",
			Suggestions: unsupported.Suggestions,
		}
	case errors.Is(err, conversion.ErrJobNotFound):
		return fiber.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "JOB_NOT_FOUND"}
	case errors.Is(err, conversion.ErrForbidden):
		return fiber.StatusForbidden, ErrorResponse{Error: err.Error(), Code: "FORBIDDEN"}
	case errors.Is(err, conversion.ErrInvalidFile):
		return fiber.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_FILE"}
	case errors.Is(err, conversion.ErrFileTooLarge):
		return fiber.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "FILE_TOO_LARGE"}
	case errors.Is(err, conversion.ErrInvalidRequest):
		return fiber.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "BAD_REQUEST"}
	case errors.Is(err, conversion.ErrJobNotCompleted):
		return fiber.StatusConflict, ErrorResponse{Error: err.Error(), Code: "JOB_NOT_COMPLETED"}
	case errors.Is(err, conversion.ErrOutputMissing):
		return fiber.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "FILE_NOT_FOUND"}
	case errors.Is(err, conversion.ErrUnknownFormat):
		return fiber.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "UNKNOWN_FORMAT"}
	}

	log.Printf("[API] internal error: %v", err)
	return fiber.StatusInternalServerError, ErrorResponse{Error: "internal server error", Code: "INTERNAL_ERROR"}
}

func ownerOf(c *fiber.Ctx) string {
	return c.Get(OwnerHeader)
}

// requireOwner rejects job requests that carry no user identity
func requireOwner(c *fiber.Ctx) error {
	owner := ownerOf(c)
	if owner == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(ErrorResponse{
			Error: "missing " + OwnerHeader + " header",
			Code:  "UNAUTHORIZED",
		})
	}
	c.Locals(ownerLocal, owner)
	return c.Next()
}

func (s *Server) renderIndex(c *fiber.Ctx) error {
	return c.Render("index", fiber.Map{
		"Title":   "FileConvert",
		"Version": Version,
		"Engines": s.service.Engines(),
	})
}

func (s *Server) health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":  "healthy",
		"version": Version,
		"engines": len(s.service.Engines()),
	})
}
