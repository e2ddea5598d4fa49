package build

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/splax/skiff/internal/inspect"
)

// Mode selects the build flavor for recipes and resource profiles.
type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

// NodeEnv returns the NODE_ENV value matching the build mode.
func (m Mode) NodeEnv() string {
	if m == ModeProd {
		return "production"
	}
	return "development"
}

// GeneratedMarker tags Dockerfiles written by the builder so a later run in a
// different mode knows it may regenerate them. Hand-written Dockerfiles never
// carry it and are always left untouched.
const GeneratedMarker = "# generated by skiff; do not edit"

// Recipe is a rendered container build recipe for one (framework, mode) pair.
type Recipe struct {
	Dockerfile   string
	Dockerignore string
}

// recipeShape captures the per-framework knobs the shared renderers consume.
// The variant set is closed; synthesis dispatches through kindRecipes only.
type recipeShape struct {
	devCmd      []string
	buildScript string
	staticDir   string   // non-empty: prod serves a static bundle from this dir
	prodCmd     []string // used when staticDir is empty
}

var kindRecipes = map[inspect.FrameworkKind]recipeShape{
	inspect.FrameworkBun: {
		devCmd:  []string{"bun", "run", "start"},
		prodCmd: []string{"bun", "run", "start"},
	},
	inspect.FrameworkReact: {
		devCmd:      []string{"npm", "start"},
		buildScript: "build",
		staticDir:   "build",
	},
	inspect.FrameworkVue: {
		devCmd:      []string{"npm", "run", "dev"},
		buildScript: "build",
		staticDir:   "dist",
	},
	inspect.FrameworkSvelte: {
		devCmd:      []string{"npm", "run", "dev"},
		buildScript: "build",
		staticDir:   "dist",
	},
	inspect.FrameworkAngular: {
		devCmd:      []string{"npm", "start"},
		buildScript: "build",
		staticDir:   "dist",
	},
	inspect.FrameworkAstro: {
		devCmd:      []string{"npm", "run", "dev"},
		buildScript: "build",
		staticDir:   "dist",
	},
	inspect.FrameworkRemix: {
		devCmd:      []string{"npm", "run", "dev"},
		buildScript: "build",
		prodCmd:     []string{"npm", "run", "start"},
	},
	inspect.FrameworkMERN: {
		devCmd:      []string{"npm", "run", "dev"},
		buildScript: "build",
		prodCmd:     []string{"node", "server.js"},
	},
}

// NewRecipe renders the build recipe for the profile. It is a pure function of
// (framework, package manager, mode, port); identical inputs produce identical
// bytes.
func NewRecipe(profile inspect.Profile, mode Mode, port int) (Recipe, error) {
	shape, ok := kindRecipes[profile.Framework]
	if !ok {
		return Recipe{}, fmt.Errorf("no build recipe for framework %q", profile.Framework)
	}
	var dockerfile string
	if mode == ModeProd {
		dockerfile = renderProdDockerfile(profile, shape, port)
	} else {
		dockerfile = renderDevDockerfile(profile, shape, port)
	}
	return Recipe{Dockerfile: dockerfile, Dockerignore: renderDockerignore()}, nil
}

func baseImage(kind inspect.FrameworkKind) string {
	if kind == inspect.FrameworkBun {
		return "oven/bun:1"
	}
	return "node:20-alpine"
}

// installBlock emits the dependency install layer. An existing lockfile wins
// so the image reproduces the developer's resolved dependency set.
func installBlock(b *strings.Builder, profile inspect.Profile) {
	switch profile.PackageManager {
	case inspect.PMBun:
		b.WriteString("COPY package.json bun.lock* ./\n")
		if profile.HasLockfile {
			b.WriteString("RUN bun install --frozen-lockfile\n\n")
		} else {
			b.WriteString("RUN bun install\n\n")
		}
	case inspect.PMYarn:
		b.WriteString("COPY package.json yarn.lock ./\n")
		b.WriteString("RUN corepack enable && yarn install --frozen-lockfile\n\n")
	default:
		b.WriteString("COPY package*.json ./\n")
		if profile.HasLockfile {
			b.WriteString("RUN npm ci\n\n")
		} else {
			b.WriteString("RUN npm install\n\n")
		}
	}
}

func runLine(cmd []string) string {
	quoted := make([]string, 0, len(cmd))
	for _, arg := range cmd {
		quoted = append(quoted, fmt.Sprintf("%q", arg))
	}
	return "CMD [" + strings.Join(quoted, ",") + "]\n"
}

func buildScriptLine(profile inspect.Profile, script string) string {
	switch profile.PackageManager {
	case inspect.PMBun:
		return "RUN bun run " + script + "\n\n"
	case inspect.PMYarn:
		return "RUN yarn " + script + "\n\n"
	default:
		return "RUN npm run " + script + "\n\n"
	}
}

// renderDevDockerfile produces a single-stage image without a compile step:
// dev iterations trade image size for rebuild speed.
func renderDevDockerfile(profile inspect.Profile, shape recipeShape, port int) string {
	var b strings.Builder
	b.WriteString("# syntax=docker/dockerfile:1\n")
	b.WriteString(GeneratedMarker + "\n")
	b.WriteString("FROM " + baseImage(profile.Framework) + " AS base\n")
	b.WriteString("WORKDIR /app\n\n")
	installBlock(&b, profile)
	b.WriteString("COPY . ./\n")
	b.WriteString("ENV NODE_ENV=development\n")
	fmt.Fprintf(&b, "ENV PORT=%d\n", port)
	fmt.Fprintf(&b, "EXPOSE %d\n", port)
	b.WriteString(runLine(shape.devCmd))
	return b.String()
}

// renderProdDockerfile produces a multi-stage image: a builder stage that
// installs and compiles, and a runtime stage that carries only what serving
// requires.
func renderProdDockerfile(profile inspect.Profile, shape recipeShape, port int) string {
	var b strings.Builder
	b.WriteString("# syntax=docker/dockerfile:1\n")
	b.WriteString(GeneratedMarker + "\n")
	b.WriteString("FROM " + baseImage(profile.Framework) + " AS builder\n")
	b.WriteString("WORKDIR /app\n\n")
	installBlock(&b, profile)
	b.WriteString("COPY . ./\n")
	if profile.Framework == inspect.FrameworkMERN {
		b.WriteString("RUN if [ -f client/package.json ]; then \\\n")
		b.WriteString("  cd client && npm install && npm run build; fi\n\n")
	} else if shape.buildScript != "" {
		b.WriteString(buildScriptLine(profile, shape.buildScript))
	}

	b.WriteString("FROM " + baseImage(profile.Framework) + " AS runner\n")
	b.WriteString("WORKDIR /app\n")
	b.WriteString("ENV NODE_ENV=production\n")
	fmt.Fprintf(&b, "ENV PORT=%d\n", port)
	if shape.staticDir != "" {
		b.WriteString("RUN npm install -g serve\n")
		fmt.Fprintf(&b, "COPY --from=builder /app/%s ./%s\n", shape.staticDir, shape.staticDir)
		fmt.Fprintf(&b, "EXPOSE %d\n", port)
		b.WriteString(runLine([]string{"serve", "-s", shape.staticDir, "-l", fmt.Sprintf("%d", port)}))
		return b.String()
	}
	b.WriteString("COPY --from=builder /app ./\n")
	fmt.Fprintf(&b, "EXPOSE %d\n", port)
	b.WriteString(runLine(prodCommand(profile, shape)))
	return b.String()
}

// prodCommand picks the runtime command for a non-static prod image. Split
// frontend/backend projects run whichever server entry detection found, not a
// fixed filename.
func prodCommand(profile inspect.Profile, shape recipeShape) []string {
	if profile.Framework == inspect.FrameworkMERN {
		if entry := strings.TrimSpace(profile.EntryPoint); entry != "" {
			return []string{"node", filepath.ToSlash(entry)}
		}
	}
	return shape.prodCmd
}

func renderDockerignore() string {
	return strings.Join([]string{
		"node_modules",
		"npm-debug.log",
		"yarn-error.log",
		".git",
		".gitignore",
		".env.local",
		".env.*.local",
		"dist",
		"build",
		".next",
		"coverage",
		".skiff",
		".idea",
		".vscode",
		".DS_Store",
	}, "\n") + "\n"
}
