package inspect

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// FrameworkKind identifies the detected category of a web project.
type FrameworkKind string

const (
	FrameworkBun     FrameworkKind = "bun"
	FrameworkReact   FrameworkKind = "react"
	FrameworkVue     FrameworkKind = "vue"
	FrameworkMERN    FrameworkKind = "mern"
	FrameworkSvelte  FrameworkKind = "svelte"
	FrameworkAngular FrameworkKind = "angular"
	FrameworkAstro   FrameworkKind = "astro"
	FrameworkRemix   FrameworkKind = "remix"
	FrameworkUnknown FrameworkKind = "unknown"
)

// PackageManager identifies the package manager the project is built with.
type PackageManager string

const (
	PMNPM     PackageManager = "npm"
	PMYarn    PackageManager = "yarn"
	PMBun     PackageManager = "bun"
	PMUnknown PackageManager = "unknown"
)

// ErrUnsupportedFramework reports that no recognizable marker file set matched.
var ErrUnsupportedFramework = errors.New("inspect: unsupported framework")

const defaultPort = 3000

// Profile describes a project directory after inspection. It is created once
// per invocation and read-only thereafter.
type Profile struct {
	Root           string
	Framework      FrameworkKind
	EntryPoint     string
	DeclaredPort   int
	PackageManager PackageManager
	HasLockfile    bool
}

// AppName derives the workload name from the project directory, falling back
// to the package.json name when present.
func (p Profile) AppName() string {
	if manifest, ok := loadPackageManifest(p.Root); ok && manifest.Name != "" {
		return sanitizeName(manifest.Name)
	}
	return sanitizeName(filepath.Base(p.Root))
}

type npmManifest struct {
	Name            string            `json:"name"`
	Main            string            `json:"main"`
	Module          string            `json:"module"`
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
	PackageManager  string            `json:"packageManager"`
	Scripts         map[string]string `json:"scripts"`
	Config          struct {
		Port json.Number `json:"port"`
	} `json:"config"`
}

func (m *npmManifest) hasDependency(name string) bool {
	if m == nil {
		return false
	}
	target := strings.ToLower(strings.TrimSpace(name))
	if target == "" {
		return false
	}
	for dep := range m.Dependencies {
		if strings.EqualFold(dep, target) {
			return true
		}
	}
	for dep := range m.DevDependencies {
		if strings.EqualFold(dep, target) {
			return true
		}
	}
	return false
}

// Inspect classifies the project rooted at root. Detection is marker-based and
// order-sensitive: composite stacks (MERN) are checked before the generic
// single-framework markers they would otherwise shadow. The scan reads only
// well-known files at the project root plus client/package.json and never
// descends into dependency directories. An empty override means detect.
func Inspect(root string, override FrameworkKind) (Profile, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return Profile{}, fmt.Errorf("resolve project root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return Profile{}, fmt.Errorf("stat project root: %w", err)
	}
	if !info.IsDir() {
		return Profile{}, fmt.Errorf("project root %s is not a directory", abs)
	}

	manifest, manifestOK := loadPackageManifest(abs)

	kind := override
	if kind == "" || kind == FrameworkUnknown {
		kind = detectFramework(abs, manifest, manifestOK)
	}
	if kind == FrameworkUnknown {
		return Profile{}, fmt.Errorf("%w: no marker matched in %s", ErrUnsupportedFramework, abs)
	}

	pm, hasLock := detectPackageManager(abs, manifest)
	profile := Profile{
		Root:           abs,
		Framework:      kind,
		EntryPoint:     detectEntryPoint(abs, kind, manifest),
		DeclaredPort:   detectDeclaredPort(abs, manifest),
		PackageManager: pm,
		HasLockfile:    hasLock,
	}
	return profile, nil
}

func detectFramework(root string, manifest *npmManifest, manifestOK bool) FrameworkKind {
	// Most specific first: a MERN stack carries both a server entry and a
	// client-side React dependency, which a plain React check would misread.
	if isMERNProject(root, manifest) {
		return FrameworkMERN
	}
	if fileExists(filepath.Join(root, "angular.json")) || (manifestOK && manifest.hasDependency("@angular/core")) {
		return FrameworkAngular
	}
	if manifestOK && (manifest.hasDependency("@remix-run/react") || manifest.hasDependency("@remix-run/node")) ||
		fileExists(filepath.Join(root, "remix.config.js")) {
		return FrameworkRemix
	}
	if manifestOK && manifest.hasDependency("astro") || hasAnyFile(root, "astro.config.mjs", "astro.config.ts", "astro.config.js") {
		return FrameworkAstro
	}
	if manifestOK && (manifest.hasDependency("svelte") || manifest.hasDependency("@sveltejs/kit")) ||
		fileExists(filepath.Join(root, "svelte.config.js")) {
		return FrameworkSvelte
	}
	if manifestOK && manifest.hasDependency("vue") || fileExists(filepath.Join(root, "vue.config.js")) {
		return FrameworkVue
	}
	if manifestOK && manifest.hasDependency("react") {
		return FrameworkReact
	}
	if hasAnyFile(root, "bunfig.toml", "bun.lockb", "bun.lock") {
		return FrameworkBun
	}
	if manifestOK && strings.HasPrefix(strings.ToLower(manifest.PackageManager), "bun") {
		return FrameworkBun
	}
	return FrameworkUnknown
}

func isMERNProject(root string, manifest *npmManifest) bool {
	serverEntry := hasAnyFile(root, "server.js", "server.ts") ||
		fileExists(filepath.Join(root, "server", "index.js")) ||
		fileExists(filepath.Join(root, "api", "server.js"))
	if !serverEntry {
		return false
	}
	if client, ok := loadPackageManifest(filepath.Join(root, "client")); ok && client.hasDependency("react") {
		return true
	}
	return manifest.hasDependency("express") && manifest.hasDependency("react")
}

func detectPackageManager(root string, manifest *npmManifest) (PackageManager, bool) {
	// An existing lockfile wins over the packageManager manifest field so the
	// build reproduces what the developer actually installed with.
	switch {
	case hasAnyFile(root, "bun.lockb", "bun.lock"):
		return PMBun, true
	case fileExists(filepath.Join(root, "yarn.lock")):
		return PMYarn, true
	case hasAnyFile(root, "package-lock.json", "npm-shrinkwrap.json"):
		return PMNPM, true
	}
	if manifest != nil {
		if pm := parsePackageManagerField(manifest.PackageManager); pm != PMUnknown {
			return pm, false
		}
	}
	if fileExists(filepath.Join(root, "package.json")) {
		return PMNPM, false
	}
	return PMUnknown, false
}

func parsePackageManagerField(value string) PackageManager {
	trimmed := strings.ToLower(strings.TrimSpace(value))
	if trimmed == "" {
		return PMUnknown
	}
	if idx := strings.Index(trimmed, "@"); idx > 0 {
		trimmed = trimmed[:idx]
	}
	switch trimmed {
	case "bun":
		return PMBun
	case "yarn":
		return PMYarn
	case "npm":
		return PMNPM
	default:
		return PMUnknown
	}
}

func detectEntryPoint(root string, kind FrameworkKind, manifest *npmManifest) string {
	if kind == FrameworkMERN {
		for _, candidate := range []string{"server.js", "server.ts", filepath.Join("server", "index.js"), filepath.Join("api", "server.js")} {
			if fileExists(filepath.Join(root, candidate)) {
				return candidate
			}
		}
	}
	if manifest != nil {
		if entry := strings.TrimSpace(manifest.Main); entry != "" {
			return entry
		}
		if entry := strings.TrimSpace(manifest.Module); entry != "" {
			return entry
		}
	}
	for _, candidate := range []string{filepath.Join("src", "index.ts"), filepath.Join("src", "index.js"), "index.ts", "index.js"} {
		if fileExists(filepath.Join(root, candidate)) {
			return candidate
		}
	}
	return "index.js"
}

func detectDeclaredPort(root string, manifest *npmManifest) int {
	if manifest != nil {
		if raw := manifest.Config.Port.String(); raw != "" {
			if port, err := strconv.Atoi(raw); err == nil && port > 0 && port <= 65535 {
				return port
			}
		}
	}
	if port := portFromEnvFile(filepath.Join(root, ".env")); port > 0 {
		return port
	}
	return defaultPort
}

func portFromEnvFile(path string) int {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "PORT=") {
			continue
		}
		value := strings.Trim(strings.TrimPrefix(line, "PORT="), `"'`)
		port, err := strconv.Atoi(value)
		if err != nil || port <= 0 || port > 65535 {
			return 0
		}
		return port
	}
	return 0
}

func loadPackageManifest(dir string) (*npmManifest, bool) {
	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		return nil, false
	}
	var manifest npmManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, false
	}
	if manifest.Dependencies == nil {
		manifest.Dependencies = map[string]string{}
	}
	if manifest.DevDependencies == nil {
		manifest.DevDependencies = map[string]string{}
	}
	if manifest.Scripts == nil {
		manifest.Scripts = map[string]string{}
	}
	return &manifest, true
}

func fileExists(path string) bool {
	if strings.TrimSpace(path) == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func hasAnyFile(dir string, names ...string) bool {
	for _, name := range names {
		if fileExists(filepath.Join(dir, name)) {
			return true
		}
	}
	return false
}

// ParseFrameworkKind validates a user-supplied framework override.
func ParseFrameworkKind(value string) (FrameworkKind, error) {
	trimmed := strings.ToLower(strings.TrimSpace(value))
	if trimmed == "" {
		return "", nil
	}
	switch kind := FrameworkKind(trimmed); kind {
	case FrameworkBun, FrameworkReact, FrameworkVue, FrameworkMERN,
		FrameworkSvelte, FrameworkAngular, FrameworkAstro, FrameworkRemix:
		return kind, nil
	default:
		return "", fmt.Errorf("%w: unknown framework type %q", ErrUnsupportedFramework, value)
	}
}

func sanitizeName(name string) string {
	trimmed := strings.ToLower(strings.TrimSpace(name))
	var b strings.Builder
	for _, r := range trimmed {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.' || r == '/' || r == ' ':
			b.WriteRune('-')
		}
	}
	value := strings.Trim(b.String(), "-")
	if len(value) > 40 {
		value = value[:40]
	}
	if value == "" {
		return "app"
	}
	return value
}
