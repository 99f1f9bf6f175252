package main

import (
	"log"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"patchagent/internal/handlers"
	"patchagent/internal/policy"
	"patchagent/internal/services"
	"patchagent/internal/telemetry"
)

func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found, using default values")
	}

	shutdown, err := telemetry.Init("patchagent-triage")
	if err != nil {
		log.Printf("Warning: Failed to initialize telemetry: %v", err)
	}
	defer shutdown()

	// Get credentials from environment variables with fallback values
	apiKeyID := os.Getenv("PATCHAGENT_KEY_ID")
	if apiKeyID == "" {
		apiKeyID = "api_key_id"
	}
	apiToken := os.Getenv("PATCHAGENT_KEY_TOKEN")
	if apiToken == "" {
		apiToken = "api_key_token"
	}

	llmBase := os.Getenv("LLM_BASE_URL")
	if llmBase == "" {
		llmBase = "https://api.openai.com"
	}
	llmModel := os.Getenv("LLM_MODEL")
	if llmModel == "" {
		llmModel = "gpt-4o"
	}
	model := policy.NewClient(llmBase, os.Getenv("LLM_API_KEY"), llmModel)

	triageService := services.NewTriageService(model)
	log.Printf("Work directory: %s", triageService.GetWorkDir())

	h := handlers.NewHandler(triageService)

	r := gin.Default()

	// Unauthenticated routes
	r.GET("/status/", h.GetStatus)

	// Authenticated routes
	v1 := r.Group("/v1", gin.BasicAuth(gin.Accounts{
		apiKeyID: apiToken,
	}))
	{
		v1.POST("/task/", h.SubmitTask)
		v1.POST("/task/:task_id/patch/", h.ValidatePatch)
		v1.POST("/task/:task_id/diagnose/", h.Diagnose)
	}

	port := os.Getenv("PATCHAGENT_PORT")
	if port == "" {
		port = "7080"
	}
	log.Printf("Triage node listening at port %s", port)
	log.Fatal(r.Run(":" + port))
}
