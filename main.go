package main

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/Manvadariya/GPTStudio/authorization"
	"github.com/Manvadariya/GPTStudio/cache"
	"github.com/Manvadariya/GPTStudio/chat"
	"github.com/Manvadariya/GPTStudio/knowledge"
	"github.com/Manvadariya/GPTStudio/llm"
	"github.com/Manvadariya/GPTStudio/metrics"
	"github.com/Manvadariya/GPTStudio/projects"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func mustLoadEnv() {
	_ = godotenv.Load()
}

func corsConfig() cors.Config {
	config := cors.DefaultConfig()
	config.AllowHeaders = append(config.AllowHeaders, "Authorization", "X-Stream")
	config.AllowCredentials = true
	config.MaxAge = 12 * time.Hour

	raw := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if raw == "" {
		config.AllowAllOrigins = true
		config.AllowCredentials = false
		return config
	}
	var origins []string
	for _, origin := range strings.Split(raw, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	config.AllowOrigins = origins
	return config
}

func main() {
	mustLoadEnv()

	r := gin.Default()
	r.Use(cors.New(corsConfig()))

	metrics.RegisterRoutes(r)

	authModule, err := authorization.RegisterRoutes(r)
	if err != nil {
		log.Fatalf("register auth routes: %v", err)
	}
	guard := authModule.Guard()

	registry := llm.NewRegistry()

	if _, err := knowledge.RegisterRoutes(r, guard); err != nil {
		log.Fatalf("register knowledge routes: %v", err)
	}

	chatModule, err := chat.RegisterRoutes(r, guard, registry)
	if err != nil {
		log.Fatalf("register chat routes: %v", err)
	}

	if _, err := projects.RegisterRoutes(r, guard, chatModule.Service()); err != nil {
		log.Fatalf("register project routes: %v", err)
	}

	defer func() {
		if err := cache.Close(); err != nil {
			log.Printf("close redis client: %v", err)
		}
	}()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	if err := r.Run(":" + port); err != nil {
		log.Fatalf("start server: %v", err)
	}
}
