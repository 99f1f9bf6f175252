package main

import (
	"flag"
	"log"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"patchagent/internal/policy"
	"patchagent/internal/services"
	"patchagent/internal/telemetry"
)

// Runs one task directory end to end without the HTTP surface: baseline
// build, PoC replay, and a debugger-backed diagnosis when the crash
// reproduces. The directory must contain config.yaml and the PoC file it
// names.
func main() {
	modelFlag := flag.String("model", "", "Model to use for the diagnosis collaborator (e.g., gpt-4o)")
	mFlag := flag.String("m", "", "Model to use (shorthand for --model)")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found, using default values")
	}

	shutdown, err := telemetry.Init("patchagent-local")
	if err != nil {
		log.Printf("Warning: Failed to initialize telemetry: %v", err)
	}
	defer shutdown()

	model := "gpt-4o"
	if *modelFlag != "" {
		model = *modelFlag
	} else if *mFlag != "" {
		model = *mFlag
	}

	if len(flag.Args()) < 1 {
		log.Fatal("Task directory is required as an argument")
	}
	absTaskDir, err := filepath.Abs(flag.Arg(0))
	if err != nil {
		log.Fatalf("Failed to get absolute task dir path: %v", err)
	}

	llmBase := os.Getenv("LLM_BASE_URL")
	if llmBase == "" {
		llmBase = "https://api.openai.com"
	}
	client := policy.NewClient(llmBase, os.Getenv("LLM_API_KEY"), model)

	triageService := services.NewTriageService(client)
	log.Printf("Work directory: %s", triageService.GetWorkDir())

	if err := triageService.SubmitLocalTask(absTaskDir); err != nil {
		log.Fatalf("Task failed: %v", err)
	}
}
