package builder

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"patchagent/internal/models"
	"patchagent/internal/parser"
)

const (
	// Path namespace constants of the execution sandbox. The reproduction
	// container always exposes the binaries under /out, the source tree
	// under /src/<project>, and mounts the input as /testcase.
	sandboxOutPrefix     = "/out"
	sandboxTestcasePath  = "/testcase"
	canonicalImagePrefix = "gcr.io/oss-fuzz"

	buildMarkerName = ".build"
	imageBuildTries = 3
)

// ProjectConfig is the slice of OSS-Fuzz project.yaml this system cares about.
type ProjectConfig struct {
	Sanitizers []string `yaml:"sanitizers"`
	Language   string   `yaml:"language"`
	MainRepo   string   `yaml:"main_repo"`
}

// Options tunes an OSSFuzzBuilder. Zero values pick the defaults.
type Options struct {
	Workspace     string
	CleanUp       bool
	ReplayTimeout time.Duration
	// Registry is an optional mirror registry whose <registry>/<project>:latest
	// image is pulled and re-tagged to the canonical name as a
	// build-avoidance fast path.
	Registry string
}

// OSSFuzzBuilder is the content-addressed build cache and replay engine for
// OSS-Fuzz-style projects. A (sanitizer, patch) pair maps to a dedicated
// build directory; the completion marker inside it is the sole source of
// truth that the build succeeded.
type OSSFuzzBuilder struct {
	project       string
	ws            *Workspace
	sanitizers    []models.Sanitizer
	replayTimeout time.Duration
	registry      string
	run           commandRunner

	keyLocks sync.Map // cache key -> *sync.Mutex

	langOnce sync.Once
	lang     models.Lang
	langErr  error
}

func NewOSSFuzzBuilder(project, sourcePath, toolingPath string, sanitizers []models.Sanitizer, opts Options) (*OSSFuzzBuilder, error) {
	if len(sanitizers) == 0 {
		return nil, fmt.Errorf("at least one sanitizer is required")
	}

	ws, err := NewWorkspace(project, sourcePath, toolingPath, opts.Workspace, opts.CleanUp)
	if err != nil {
		return nil, err
	}

	timeout := opts.ReplayTimeout
	if timeout <= 0 {
		timeout = 6 * time.Minute
	}

	return &OSSFuzzBuilder{
		project:       project,
		ws:            ws,
		sanitizers:    sanitizers,
		replayTimeout: timeout,
		registry:      opts.Registry,
		run:           runSubprocess,
	}, nil
}

func (b *OSSFuzzBuilder) Project() string                { return b.project }
func (b *OSSFuzzBuilder) Workspace() *Workspace          { return b.ws }
func (b *OSSFuzzBuilder) Sanitizers() []models.Sanitizer { return b.sanitizers }

// HashPatch computes the cache key for a (sanitizer, patch) pair. MD5 is
// deliberate: the key space is one workspace's own patch corpus, not shared
// across tenants.
func (b *OSSFuzzBuilder) HashPatch(sanitizer models.Sanitizer, patch string) string {
	sum := md5.Sum([]byte(patch))
	return fmt.Sprintf("%s-%s", hex.EncodeToString(sum[:]), sanitizer.BuildName())
}

func (b *OSSFuzzBuilder) buildDir(sanitizer models.Sanitizer, patch string) string {
	return filepath.Join(b.ws.Root(), b.HashPatch(sanitizer, patch))
}

// BuildMarker is the completion-marker path for a cache key. The marker is
// written only after a successful build and contains the patch text for
// auditability.
func (b *OSSFuzzBuilder) BuildMarker(sanitizer models.Sanitizer, patch string) string {
	return filepath.Join(b.buildDir(sanitizer, patch), buildMarkerName)
}

func (b *OSSFuzzBuilder) keyLock(key string) *sync.Mutex {
	actual, _ := b.keyLocks.LoadOrStore(key, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

// Build materializes and builds the (sanitizer, patch) workspace. Idempotent:
// when the completion marker exists the call returns without touching the
// build system. Same-key callers are serialized by an in-process mutex plus
// an flock-ed lock file, so concurrent processes either block or reuse.
func (b *OSSFuzzBuilder) Build(ctx context.Context, sanitizer models.Sanitizer, patch string) error {
	if fileExists(b.BuildMarker(sanitizer, patch)) {
		return nil
	}

	key := b.HashPatch(sanitizer, patch)
	mu := b.keyLock(key)
	mu.Lock()
	defer mu.Unlock()

	lockPath := filepath.Join(b.ws.Root(), key+".lock")
	lk, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open build lock: %w", err)
	}
	defer lk.Close()
	if err := syscall.Flock(int(lk.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("flock build lock: %w", err)
	}
	defer syscall.Flock(int(lk.Fd()), syscall.LOCK_UN)

	// Another holder may have finished the build while we waited.
	if fileExists(b.BuildMarker(sanitizer, patch)) {
		return nil
	}

	log.Printf("Building %s with key %s", b.project, key)

	immutableSource, err := b.ws.SourcePath(ctx)
	if err != nil {
		return err
	}
	immutableTooling, err := b.ws.ToolingPath(ctx)
	if err != nil {
		return err
	}

	buildDir := b.buildDir(sanitizer, patch)
	sourceDir := filepath.Join(buildDir, filepath.Base(immutableSource))
	toolingDir := filepath.Join(buildDir, filepath.Base(immutableTooling))

	os.RemoveAll(buildDir)
	if err := os.MkdirAll(buildDir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", buildDir, err)
	}
	if _, _, err := b.run(ctx, "", nil, "cp", "-r", immutableSource, sourceDir); err != nil {
		return err
	}
	if _, _, err := b.run(ctx, "", nil, "cp", "-r", immutableTooling, toolingDir); err != nil {
		return err
	}

	injectDebugFlags(filepath.Join(toolingDir, "projects", b.project, "build.sh"))

	// Two-pass tolerant apply. The first pass must succeed; the second is
	// best effort and picks up hunks the fuzzy matcher shifted.
	applyArgs := []string{"-F", "3", "--no-backup-if-mismatch", "-p1"}
	if _, _, err := b.run(ctx, sourceDir, []byte(patch), "patch", applyArgs...); err != nil {
		return err
	}
	b.run(ctx, sourceDir, []byte(patch), "patch", applyArgs...)

	if err := b.ensureImage(ctx, toolingDir); err != nil {
		return err
	}

	if _, _, err := b.run(ctx, toolingDir, nil, "python3", "infra/helper.py",
		"build_fuzzers",
		"--clean",
		"--sanitizer", sanitizer.BuildName(),
		"--engine", "libfuzzer",
		b.project,
		sourceDir,
	); err != nil {
		return err
	}

	if _, _, err := b.run(ctx, toolingDir, nil, "python3", "infra/helper.py",
		"check_build",
		"--sanitizer", sanitizer.BuildName(),
		b.project,
	); err != nil {
		return err
	}

	if err := os.WriteFile(b.BuildMarker(sanitizer, patch), []byte(patch), 0644); err != nil {
		return fmt.Errorf("write build marker: %w", err)
	}
	return nil
}

// ensureImage makes the canonical sandbox image available: mirror registry
// pull-then-retag first, local image build as the fallback.
func (b *OSSFuzzBuilder) ensureImage(ctx context.Context, toolingDir string) error {
	canonical := fmt.Sprintf("%s/%s", canonicalImagePrefix, b.project)

	if b.registry != "" {
		remote := fmt.Sprintf("%s/%s:latest", b.registry, b.project)
		if _, _, err := b.run(ctx, "", nil, "docker", "image", "inspect", remote); err == nil {
			log.Printf("Found local image %s, re-tagging", remote)
		} else if _, _, err := b.run(ctx, "", nil, "docker", "pull", remote); err != nil {
			log.Printf("Pull of %s failed, falling back to local image build", remote)
			return b.buildImageLocally(ctx, toolingDir)
		}

		if _, stderr, err := b.run(ctx, "", nil, "docker", "tag", remote, canonical); err != nil {
			return &ContainerUnavailableError{Output: stderr}
		}
		return nil
	}

	return b.buildImageLocally(ctx, toolingDir)
}

func (b *OSSFuzzBuilder) buildImageLocally(ctx context.Context, toolingDir string) error {
	var lastStderr string
	for i := 0; i < imageBuildTries; i++ {
		_, stderr, err := b.run(ctx, toolingDir, nil, "python3", "infra/helper.py",
			"build_image", "--pull", b.project)
		if err == nil {
			return nil
		}
		lastStderr = stderr
		log.Printf("Image build attempt %d/%d for %s failed", i+1, imageBuildTries, b.project)
	}
	return &ContainerUnavailableError{Output: lastStderr}
}

// Replay runs the PoC against the cached (sanitizer, patch) build.
// A nil report with a nil error means the run exited cleanly: no crash.
func (b *OSSFuzzBuilder) Replay(ctx context.Context, poc models.PoC, sanitizer models.Sanitizer, patch string) (parser.Report, error) {
	if err := b.Build(ctx, sanitizer, patch); err != nil {
		return nil, err
	}
	if !fileExists(poc.Path) {
		return nil, fmt.Errorf("poc file %s does not exist", poc.Path)
	}

	log.Printf("Replaying %s/%s with key %s", b.project, poc.HarnessName, b.HashPatch(sanitizer, patch))

	immutableTooling, err := b.ws.ToolingPath(ctx)
	if err != nil {
		return nil, err
	}
	toolingDir := filepath.Join(b.buildDir(sanitizer, patch), filepath.Base(immutableTooling))

	replayCtx, cancel := context.WithTimeout(ctx, b.replayTimeout)
	defer cancel()

	_, _, err = b.run(replayCtx, toolingDir, nil, "python3", "infra/helper.py",
		"reproduce", b.project, poc.HarnessName, poc.Path)
	if err == nil {
		return nil, nil
	}

	var procErr *ProcessError
	if !errors.As(err, &procErr) {
		return nil, err
	}

	// A reproduction timeout is still crash evidence (a hang is a finding),
	// so the captured output goes through the matcher chain either way.
	reproCommand := b.extractReproCommand(procErr.Stdout)

	lang, err := b.Language(ctx)
	if err != nil {
		log.Printf("Warning: could not detect project language: %v", err)
		lang = models.LangCLike
	}

	for _, stream := range []string{procErr.Stdout, procErr.Stderr} {
		for _, m := range parser.MatcherChain(sanitizer, lang) {
			if report := m.Match(stream, reproCommand); report != nil {
				return report, nil
			}
		}
	}

	for _, stream := range []string{procErr.Stdout, procErr.Stderr} {
		if strings.Contains(stream, "docker: Error response from daemon:") ||
			strings.Contains(stream, "Cannot connect to the Docker daemon") {
			return nil, &ContainerUnavailableError{Output: stream}
		}
	}

	return parser.NewUnknownReport(procErr.Stdout, procErr.Stderr), nil
}

// ReplayAll tries every configured sanitizer in order and returns the first
// report that reproduces, or nil when none does.
func (b *OSSFuzzBuilder) ReplayAll(ctx context.Context, poc models.PoC, patch string) (parser.Report, error) {
	for _, sanitizer := range b.sanitizers {
		report, err := b.Replay(ctx, poc, sanitizer, patch)
		if err != nil {
			return nil, err
		}
		if report != nil {
			return report, nil
		}
	}
	return nil, nil
}

// ValidatePatch answers whether the patch makes the original crash report
// disappear. The patch must apply cleanly to a pristine checkout first; the
// empty patch is the valid unpatched baseline and skips the apply check.
func (b *OSSFuzzBuilder) ValidatePatch(ctx context.Context, poc models.PoC, patch string) (models.PatchValidation, error) {
	if patch != "" {
		if err := b.ws.CheckPatch(ctx, patch); err != nil {
			return models.PatchValidation{}, err
		}
	}

	for _, sanitizer := range b.sanitizers {
		report, err := b.Replay(ctx, poc, sanitizer, patch)
		if err != nil {
			return models.PatchValidation{}, err
		}
		if report != nil {
			return models.PatchValidation{
				Resolved:  false,
				Sanitizer: report.Sanitizer(),
				Summary:   report.Summary(),
				Evidence:  report.PurifiedContent(),
			}, nil
		}
	}

	return models.PatchValidation{Resolved: true}, nil
}

// Language reads the project language from project.yaml, defaulting to
// C-like when the field is absent. Both the result and the error are
// resolved once and cached, so every caller sees the same answer.
func (b *OSSFuzzBuilder) Language(ctx context.Context) (models.Lang, error) {
	b.langOnce.Do(func() {
		b.lang = models.LangCLike
		tooling, err := b.ws.ToolingPath(ctx)
		if err != nil {
			b.langErr = err
			return
		}
		config, err := loadProjectConfig(filepath.Join(tooling, "projects", b.project, "project.yaml"))
		if err != nil {
			b.langErr = err
			return
		}
		b.lang = models.LangFromString(config.Language)
	})
	return b.lang, b.langErr
}

func loadProjectConfig(path string) (*ProjectConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read project config: %v", err)
	}
	var config ProjectConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse project config: %v", err)
	}
	return &config, nil
}

// DebugPaths are the two fixed sandbox-to-analysis mappings the debugger
// layer needs, always taken from the unpatched baseline build.
type DebugPaths struct {
	OutRemote    string
	OutLocal     string
	SourceRemote string
	SourceLocal  string
	SourceRoot   string
}

func (b *OSSFuzzBuilder) DebugPaths() DebugPaths {
	key := b.HashPatch(b.sanitizers[0], "")
	sourceLocal := filepath.Join(b.ws.Root(), key, filepath.Base(b.ws.orgSourcePath))
	outLocal := filepath.Join(b.ws.Root(), key, filepath.Base(b.ws.orgToolingPath),
		"build", "out", b.project)

	return DebugPaths{
		OutRemote:    sandboxOutPrefix,
		OutLocal:     outLocal,
		SourceRemote: fmt.Sprintf("/src/%s", b.project),
		SourceLocal:  sourceLocal,
		SourceRoot:   sourceLocal,
	}
}

// ResolvePoCPath maps the sandbox's placeholder input token to the real PoC
// file; every other token passes through untouched.
func (b *OSSFuzzBuilder) ResolvePoCPath(token string, poc models.PoC) string {
	if token == sandboxTestcasePath && poc.Path != "" {
		return poc.Path
	}
	return token
}

// injectDebugFlags prepends -O0 -g3 exports to the project build script so
// debugger sessions see unoptimized frames and macro information. Best
// effort: a missing or unreadable build.sh is logged and skipped.
func injectDebugFlags(buildSh string) {
	content, err := os.ReadFile(buildSh)
	if err != nil {
		log.Printf("Warning: build.sh not found at %s, skipping debug flag injection", buildSh)
		return
	}

	injection := []string{
		`export CFLAGS="$CFLAGS -O0 -g3"`,
		`export CXXFLAGS="$CXXFLAGS -O0 -g3"`,
	}

	lines := strings.Split(string(content), "\n")
	var out []string
	if len(lines) > 0 && strings.HasPrefix(lines[0], "#!") {
		out = append(out, lines[0])
		out = append(out, injection...)
		out = append(out, lines[1:]...)
	} else {
		out = append(out, injection...)
		out = append(out, lines...)
	}

	if err := os.WriteFile(buildSh, []byte(strings.Join(out, "\n")), 0755); err != nil {
		log.Printf("Warning: failed to inject debug flags into %s: %v", buildSh, err)
		return
	}
	log.Printf("Injected debug flags into %s", buildSh)
}
