package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"cipherchat/internal/api"
	"cipherchat/internal/chat"
	"cipherchat/internal/config"
	"cipherchat/internal/db"
	"cipherchat/internal/websocket"
)

func setupLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if level, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		logger.SetLevel(level)
	}
	return logger
}

func main() {
	logger := setupLogger()
	logger.Info("Starting server...")

	cfg := config.Load()

	database, err := db.NewDB(cfg.CleanDatabasePath())
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}
	defer database.Close()
	logger.Info("Database connection established")

	hub := websocket.NewHub(logger)
	service := chat.NewService(database, hub, logger)
	handlers := api.NewHandlers(database, hub, service, cfg, logger)

	mux := http.NewServeMux()

	// WebSocket endpoint - handled separately without logging middleware
	mux.HandleFunc("/ws", handlers.HandleWebSocket)

	// Auth endpoints
	mux.HandleFunc("/api/auth/register", logRequest(logger, handlers.HandleRegister))
	mux.HandleFunc("/api/auth/login", logRequest(logger, handlers.HandleLogin))
	mux.HandleFunc("/api/auth/verify", logRequest(logger, handlers.HandleVerify))
	mux.HandleFunc("/api/auth/logout", logRequest(logger, handlers.HandleLogout))

	// Conversation endpoints
	mux.HandleFunc("/api/conversations", logRequest(logger, handlers.HandleConversations))
	mux.HandleFunc("/api/conversations/create", logRequest(logger, handlers.HandleCreateConversation))
	mux.HandleFunc("/api/conversations/participants", logRequest(logger, handlers.HandleParticipants))
	mux.HandleFunc("/api/conversations/messages", logRequest(logger, handlers.HandleMessages))

	// Message endpoints
	mux.HandleFunc("/api/messages/send", logRequest(logger, handlers.HandleSendMessage))
	mux.HandleFunc("/api/messages/mark-read", logRequest(logger, handlers.HandleMarkRead))
	mux.HandleFunc("/api/messages/mark-delivered", logRequest(logger, handlers.HandleMarkDelivered))
	mux.HandleFunc("/api/messages/delete", logRequest(logger, handlers.HandleDeleteMessage))
	mux.HandleFunc("/api/messages/status", logRequest(logger, handlers.HandleMessageStatus))

	// User endpoints
	mux.HandleFunc("/api/users", logRequest(logger, handlers.HandleUsers))

	// Wrapped handler that skips CORS/auth middleware for WebSocket
	wrappedHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			handlers.HandleWebSocket(w, r)
			return
		}
		handlers.WithCORS(handlers.WithAuth(mux)).ServeHTTP(w, r)
	})

	server := &http.Server{
		Addr:    cfg.ServerAddress,
		Handler: wrappedHandler,
	}

	go func() {
		logger.WithField("address", cfg.ServerAddress).Info("Server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.WithField("signal", sig.String()).Info("Server shutting down...")
}

func logRequest(logger *logrus.Logger, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		lrw := newLoggingResponseWriter(w)
		next.ServeHTTP(lrw, r)

		logger.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   lrw.statusCode,
			"duration": time.Since(start).String(),
		}).Info("request completed")
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func newLoggingResponseWriter(w http.ResponseWriter) *loggingResponseWriter {
	return &loggingResponseWriter{w, http.StatusOK}
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}
