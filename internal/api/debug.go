package api

import (
	"net/http"
	"os"
	"runtime"
	"time"

	"geyserfeed/internal/buildinfo"
)

func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
	info := map[string]any{
		"build":      buildinfo.Info(),
		"time":       time.Now().UTC().Format(time.RFC3339),
		"goroutines": runtime.NumGoroutine(),
		"config": map[string]any{
			"GEYSER_BIND_ADDRESS": os.Getenv("GEYSER_BIND_ADDRESS"),
			"GEYSER_COMPRESSION":  os.Getenv("GEYSER_COMPRESSION"),
			"RATE_RPS":            os.Getenv("RATE_RPS"),
			"RATE_BURST":          os.Getenv("RATE_BURST"),
			"HAS_DATABASE_URL":    os.Getenv("DATABASE_URL") != "",
			"HAS_REDIS_URL":       os.Getenv("REDIS_URL") != "",
		},
	}
	writeJSON(w, http.StatusOK, info)
}
