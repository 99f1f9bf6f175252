package services

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/cpu"
	"go.opentelemetry.io/otel/attribute"
	"gopkg.in/yaml.v3"

	"patchagent/internal/builder"
	"patchagent/internal/debugger"
	"patchagent/internal/diagnosis"
	"patchagent/internal/models"
	"patchagent/internal/parser"
	"patchagent/internal/policy"
	"patchagent/internal/telemetry"
)

// TriageService orchestrates crash triage: replaying PoCs, validating
// patches and driving debugger-backed diagnosis.
type TriageService interface {
	GetStatus() models.Status
	SubmitTask(task models.TriageTask) error
	SubmitLocalTask(taskDir string) error
	GetReport(taskID string) (parser.Report, error)
	ValidatePatch(ctx context.Context, taskID string, patch string) (models.PatchValidation, error)
	Diagnose(ctx context.Context, taskID string, program string, args []string) (string, error)
	GetWorkDir() string
}

type taskEntry struct {
	task    models.TriageTask
	builder *builder.OSSFuzzBuilder
	poc     models.PoC

	mu        sync.Mutex
	report    parser.Report
	toolCalls []models.ToolCall
}

type defaultTriageService struct {
	workDir string
	model   policy.ChatModel

	tasksMutex sync.RWMutex
	tasks      map[string]*taskEntry

	statusMutex sync.RWMutex
	status      models.StatusTasksState
}

func NewTriageService(model policy.ChatModel) TriageService {
	workDir := "/patchagent-workdir"
	if envWorkDir := os.Getenv("PATCHAGENT_WORKDIR"); envWorkDir != "" {
		workDir = envWorkDir
	}

	if err := ensureWorkDir(workDir); err != nil {
		log.Printf("Warning: could not create work directory at %s: %v", workDir, err)
		tempDir, err := os.MkdirTemp("", "patchagent-workdir-")
		if err == nil {
			workDir = tempDir
			log.Printf("Using temporary directory as work directory: %s", workDir)
		} else {
			workDir = "."
			log.Printf("Warning: using current directory as work directory")
		}
	}

	return &defaultTriageService{
		workDir: workDir,
		model:   model,
		tasks:   make(map[string]*taskEntry),
	}
}

// ensureWorkDir creates the work directory if it doesn't exist and verifies
// it is writable.
func ensureWorkDir(dir string) error {
	info, err := os.Stat(dir)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("%s exists but is not a directory", dir)
		}
		testFile := filepath.Join(dir, ".patchagent-write-test")
		f, err := os.Create(testFile)
		if err != nil {
			return fmt.Errorf("directory exists but is not writable: %v", err)
		}
		f.Close()
		os.Remove(testFile)
		return nil
	}

	if os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %v", err)
		}
		return nil
	}

	return fmt.Errorf("error checking directory: %v", err)
}

func (s *defaultTriageService) GetWorkDir() string {
	return s.workDir
}

func (s *defaultTriageService) GetStatus() models.Status {
	s.statusMutex.RLock()
	defer s.statusMutex.RUnlock()

	details := map[string]interface{}{}
	if usage, err := getAverageCPUUsage(); err == nil {
		details["cpu_usage"] = usage
	}

	return models.Status{
		Ready: true,
		State: models.StatusState{
			Tasks: s.status,
		},
		Version: "v0.1.0",
		Details: details,
	}
}

func getAverageCPUUsage() (float64, error) {
	percentages, err := cpu.Percent(0, false)
	if err != nil {
		return 0, err
	}
	if len(percentages) == 0 {
		return 0, fmt.Errorf("no CPU usage data available")
	}
	return percentages[0], nil
}

func (s *defaultTriageService) validateTask(task models.TriageTask) error {
	if task.ProjectName == "" {
		return fmt.Errorf("project_name is required")
	}
	if task.HarnessName == "" {
		return fmt.Errorf("harness_name is required")
	}
	if len(task.Sanitizers) == 0 {
		return fmt.Errorf("at least one sanitizer is required")
	}
	if task.SourcePath == "" || task.ToolingPath == "" {
		return fmt.Errorf("source_path and fuzz_tooling_path are required")
	}
	return nil
}

// SubmitTask registers the task, writes its PoC to disk and kicks off the
// baseline build and replay in the background.
func (s *defaultTriageService) SubmitTask(task models.TriageTask) error {
	if err := s.validateTask(task); err != nil {
		return err
	}
	if task.TaskID == uuid.Nil {
		task.TaskID = uuid.New()
	}

	entry, err := s.registerTask(task)
	if err != nil {
		return err
	}

	s.updateStatus(func(st *models.StatusTasksState) { st.Pending++ })

	go s.processTask(entry)
	return nil
}

// SubmitLocalTask runs one task directory to completion: baseline replay,
// then a diagnosis pass when the crash reproduces.
func (s *defaultTriageService) SubmitLocalTask(taskDir string) error {
	config, err := loadTaskConfig(taskDir)
	if err != nil {
		return err
	}

	sanitizers := make([]models.Sanitizer, 0, len(config.Sanitizers))
	for _, name := range config.Sanitizers {
		sanitizers = append(sanitizers, models.Sanitizer(name))
	}

	pocData, err := os.ReadFile(resolveTaskPath(taskDir, config.PoCFile))
	if err != nil {
		return fmt.Errorf("failed to read poc file: %v", err)
	}

	task := models.TriageTask{
		TaskID:      uuid.New(),
		ProjectName: config.ProjectName,
		HarnessName: config.HarnessName,
		Testcase:    base64.StdEncoding.EncodeToString(pocData),
		Sanitizers:  sanitizers,
		SourcePath:  resolveTaskPath(taskDir, config.SourcePath),
		ToolingPath: resolveTaskPath(taskDir, config.ToolingPath),
		Registry:    config.Registry,
	}
	if err := s.validateTask(task); err != nil {
		return err
	}

	entry, err := s.registerTask(task)
	if err != nil {
		return err
	}

	s.updateStatus(func(st *models.StatusTasksState) { st.Pending++ })
	if err := s.processTask(entry); err != nil {
		return fmt.Errorf("baseline replay failed: %w", err)
	}

	entry.mu.Lock()
	report := entry.report
	entry.mu.Unlock()

	if report == nil {
		log.Printf("Task %s: PoC does not crash the unpatched build", task.TaskID)
		return nil
	}

	repro := "/testcase"
	summary, err := s.Diagnose(context.Background(),
		task.TaskID.String(), fmt.Sprintf("/out/%s", task.HarnessName), []string{repro})
	if err != nil {
		return fmt.Errorf("diagnosis failed: %v", err)
	}
	log.Printf("Task %s diagnosis:\n%s", task.TaskID, summary)
	return nil
}

func loadTaskConfig(taskDir string) (*models.TaskConfig, error) {
	data, err := os.ReadFile(filepath.Join(taskDir, "config.yaml"))
	if err != nil {
		return nil, fmt.Errorf("failed to read task config: %v", err)
	}
	var config models.TaskConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse task config: %v", err)
	}
	return &config, nil
}

func resolveTaskPath(taskDir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(taskDir, p)
}

func (s *defaultTriageService) registerTask(task models.TriageTask) (*taskEntry, error) {
	taskWorkDir := filepath.Join(s.workDir, task.TaskID.String())
	if err := os.MkdirAll(taskWorkDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create task workspace: %v", err)
	}

	pocData, err := base64.StdEncoding.DecodeString(task.Testcase)
	if err != nil {
		return nil, fmt.Errorf("failed to decode testcase: %v", err)
	}
	pocPath := filepath.Join(taskWorkDir, "poc.bin")
	if err := os.WriteFile(pocPath, pocData, 0644); err != nil {
		return nil, fmt.Errorf("failed to write poc file: %v", err)
	}

	b, err := builder.NewOSSFuzzBuilder(
		task.ProjectName, task.SourcePath, task.ToolingPath, task.Sanitizers,
		builder.Options{
			Workspace: filepath.Join(taskWorkDir, "builds"),
			Registry:  task.Registry,
		})
	if err != nil {
		return nil, err
	}

	task.State = models.TaskStatePending
	entry := &taskEntry{
		task:    task,
		builder: b,
		poc:     models.PoC{Path: pocPath, HarnessName: task.HarnessName},
	}

	s.tasksMutex.Lock()
	s.tasks[task.TaskID.String()] = entry
	s.tasksMutex.Unlock()

	return entry, nil
}

// processTask builds the unpatched baseline and replays the PoC against it.
// A nil return with a nil report means the PoC genuinely does not crash;
// infrastructure failures come back as the error.
func (s *defaultTriageService) processTask(entry *taskEntry) error {
	ctx, span := telemetry.StartSpan(context.Background(), "task.process")
	defer span.End()
	telemetry.AddSpanAttributes(ctx,
		attribute.String("task.id", entry.task.TaskID.String()),
		attribute.String("task.project", entry.task.ProjectName),
	)

	s.updateStatus(func(st *models.StatusTasksState) {
		st.Pending--
		st.Processing++
	})
	entry.mu.Lock()
	entry.task.State = models.TaskStateRunning
	entry.mu.Unlock()

	report, err := entry.builder.ReplayAll(ctx, entry.poc, "")
	if err != nil {
		telemetry.AddSpanError(ctx, err)
		log.Printf("Task %s baseline replay failed: %v", entry.task.TaskID, err)
		s.updateStatus(func(st *models.StatusTasksState) {
			st.Processing--
			st.Errored++
		})
		entry.mu.Lock()
		entry.task.State = models.TaskStateErrored
		entry.mu.Unlock()
		return err
	}

	entry.mu.Lock()
	entry.report = report
	entry.task.State = models.TaskStateSucceeded
	entry.mu.Unlock()

	s.updateStatus(func(st *models.StatusTasksState) {
		st.Processing--
		if report != nil {
			st.Succeeded++
		} else {
			st.Failed++
		}
	})

	if report != nil {
		log.Printf("Task %s reproduced: %s (%s)", entry.task.TaskID, report.Summary(), report.Sanitizer())
	} else {
		log.Printf("Task %s: no crash on baseline build", entry.task.TaskID)
	}
	return nil
}

func (s *defaultTriageService) lookupTask(taskID string) (*taskEntry, error) {
	s.tasksMutex.RLock()
	defer s.tasksMutex.RUnlock()
	entry, ok := s.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s not found", taskID)
	}
	return entry, nil
}

// GetReport returns the baseline crash report, nil when the PoC did not
// reproduce (or has not finished replaying yet).
func (s *defaultTriageService) GetReport(taskID string) (parser.Report, error) {
	entry, err := s.lookupTask(taskID)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.report, nil
}

// ValidatePatch answers whether the patch makes the task's crash disappear
// under every configured sanitizer.
func (s *defaultTriageService) ValidatePatch(ctx context.Context, taskID string, patch string) (models.PatchValidation, error) {
	entry, err := s.lookupTask(taskID)
	if err != nil {
		return models.PatchValidation{}, err
	}

	ctx, span := telemetry.StartSpan(ctx, "task.validate_patch")
	defer span.End()
	telemetry.AddSpanAttributes(ctx, attribute.String("task.id", taskID))

	result, err := entry.builder.ValidatePatch(ctx, entry.poc, patch)
	if err != nil {
		telemetry.AddSpanError(ctx, err)
		return models.PatchValidation{}, err
	}
	result.TaskID = taskID

	entry.addToolCall("validate", map[string]string{"patch": patch},
		fmt.Sprintf("resolved=%v sanitizer=%s", result.Resolved, result.Sanitizer))
	return result, nil
}

// Diagnose runs the debugger-backed hypothesis loop against the baseline
// build and returns the distilled summary.
func (s *defaultTriageService) Diagnose(ctx context.Context, taskID string, program string, args []string) (string, error) {
	entry, err := s.lookupTask(taskID)
	if err != nil {
		return "", err
	}

	entry.mu.Lock()
	report := entry.report
	entry.mu.Unlock()
	if report == nil {
		return "", fmt.Errorf("task %s has no crash report to diagnose", taskID)
	}

	ctx, span := telemetry.StartSpan(ctx, "task.diagnose")
	defer span.End()
	telemetry.AddSpanAttributes(ctx, attribute.String("task.id", taskID))

	paths := entry.builder.DebugPaths()
	d := &diagnosis.Diagnoser{
		Model: s.model,
		Paths: paths,
		ResolvePoC: func(token string) string {
			return entry.builder.ResolvePoCPath(token, entry.poc)
		},
		NewSession: func() diagnosis.Session {
			return debugger.New(paths.SourceRoot)
		},
	}

	summary, err := d.Diagnose(ctx, program, args, report, entry.sourceContext())
	if err != nil {
		telemetry.AddSpanError(ctx, err)
		return "", err
	}

	entry.addToolCall("debugger",
		map[string]string{"program": program, "args": fmt.Sprintf("%v", args)}, summary)
	return summary, nil
}

func (e *taskEntry) addToolCall(name string, args map[string]string, result string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.toolCalls = append(e.toolCalls, models.ToolCall{Name: name, Args: args, Result: result})
}

// sourceContext collects code snippets earlier collaborator calls inspected,
// seeding the hypothesis prompts.
func (e *taskEntry) sourceContext() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	context := ""
	for _, call := range e.toolCalls {
		if call.Name == "viewcode" {
			context += fmt.Sprintf("Code snippet from %s:\n%s\n\n", call.Args["path"], call.Result)
		}
	}
	return context
}

func (s *defaultTriageService) updateStatus(update func(*models.StatusTasksState)) {
	s.statusMutex.Lock()
	defer s.statusMutex.Unlock()
	update(&s.status)
}
