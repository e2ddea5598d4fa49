package scaffold

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/splax/skiff/internal/inspect"
)

// ErrNotEmpty reports a target directory that already contains a project.
var ErrNotEmpty = errors.New("scaffold: directory already contains a package.json")

type starter struct {
	packageJSON string
	files       map[string]string
}

// Starter projects per framework. Only the kinds people actually bootstrap
// from scratch are here; detection handles the rest once code exists.
var starters = map[inspect.FrameworkKind]starter{
	inspect.FrameworkBun: {
		packageJSON: `{
  "name": "%s",
  "version": "0.1.0",
  "scripts": {
    "start": "bun run index.ts"
  }
}
`,
		files: map[string]string{
			"index.ts": "const port = Number(process.env.PORT ?? 3000);\n\nBun.serve({\n  port,\n  fetch() {\n    return new Response(\"ok\");\n  },\n});\n\nconsole.log(`listening on ${port}`);\n",
		},
	},
	inspect.FrameworkReact: {
		packageJSON: `{
  "name": "%s",
  "version": "0.1.0",
  "dependencies": {
    "react": "^18.2.0",
    "react-dom": "^18.2.0",
    "react-scripts": "^5.0.1"
  },
  "scripts": {
    "start": "react-scripts start",
    "build": "react-scripts build"
  }
}
`,
		files: map[string]string{
			"public/index.html": "<!doctype html>\n<html>\n<head><title>%s</title></head>\n<body><div id=\"root\"></div></body>\n</html>\n",
			"src/index.js":      "import React from \"react\";\nimport { createRoot } from \"react-dom/client\";\n\ncreateRoot(document.getElementById(\"root\")).render(<h1>%s</h1>);\n",
		},
	},
	inspect.FrameworkMERN: {
		packageJSON: `{
  "name": "%s",
  "version": "0.1.0",
  "dependencies": {
    "express": "^4.19.0"
  },
  "scripts": {
    "start": "node server.js",
    "dev": "node server.js"
  }
}
`,
		files: map[string]string{
			"server.js":           "const express = require(\"express\");\n\nconst app = express();\nconst port = process.env.PORT || 3000;\n\napp.get(\"/health\", (req, res) => res.json({ status: \"ok\" }));\n\napp.listen(port, () => console.log(`listening on ${port}`));\n",
			"client/package.json": "{\n  \"name\": \"client\",\n  \"version\": \"0.1.0\",\n  \"dependencies\": {\n    \"react\": \"^18.2.0\",\n    \"react-dom\": \"^18.2.0\"\n  }\n}\n",
			"client/src/index.js": "import React from \"react\";\nimport { createRoot } from \"react-dom/client\";\n\ncreateRoot(document.getElementById(\"root\")).render(<h1>hello</h1>);\n",
		},
	},
}

const gitignore = `node_modules
dist
build
.next
coverage
.env.local
.skiff
`

const dockerignore = `node_modules
npm-debug.log
.git
.gitignore
dist
build
coverage
.skiff
`

// Create writes a starter project for kind into dir. The directory is created
// when missing; an existing package.json aborts so a real project is never
// overwritten.
func Create(dir string, kind inspect.FrameworkKind, name string) error {
	tpl, ok := starters[kind]
	if !ok {
		return fmt.Errorf("%w: no starter for %q", inspect.ErrUnsupportedFramework, kind)
	}
	if name == "" {
		name = filepath.Base(dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create project dir: %w", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "package.json")); err == nil {
		return fmt.Errorf("%w: %s", ErrNotEmpty, dir)
	}

	files := map[string]string{
		"package.json":  fmt.Sprintf(tpl.packageJSON, name),
		".gitignore":    gitignore,
		".dockerignore": dockerignore,
	}
	for rel, content := range tpl.files {
		if strings.Contains(content, "%s") {
			content = fmt.Sprintf(content, name)
		}
		files[rel] = content
	}
	for rel, content := range files {
		path := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("create %s: %w", filepath.Dir(rel), err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", rel, err)
		}
	}
	return nil
}

// Kinds lists the frameworks Create supports, for CLI help output.
func Kinds() []string {
	return []string{
		string(inspect.FrameworkBun),
		string(inspect.FrameworkReact),
		string(inspect.FrameworkMERN),
	}
}
