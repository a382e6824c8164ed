package language

var defaultLimits = Limits{
	TimeLimitMs:      2000,
	MemoryLimitMB:    256,
	CompileTimeoutMs: 15000,
	CompileMemoryMB:  1024,
}

// DefaultSpecs returns the builtin languages. Configuration may override any of them by code.
func DefaultSpecs() []Spec {
	return []Spec{
		{
			Code:           "cpp",
			Name:           "C++17 (g++)",
			FileExtension:  "cpp",
			BinaryFile:     "main",
			NeedsCompile:   true,
			CompileCommand: "g++ -std=c++17 -O2 -pipe -o {bin} {src}",
			RunCommand:     "{bin}",
			Image:          "gcc:13",
			DefaultLimits:  defaultLimits,
		},
		{
			Code:             "java",
			Name:             "Java 17",
			FileExtension:    "java",
			SourceFile:       "Main.java",
			BinaryFile:       "Main.class",
			NeedsCompile:     true,
			CompileCommand:   "javac -encoding UTF-8 -d {dir} {src}",
			RunCommand:       "java -Xss64m -XX:+UseSerialGC -cp {dir} Main",
			Image:            "eclipse-temurin:17",
			TimeMultiplier:   2,
			MemoryMultiplier: 2,
			DefaultLimits:    defaultLimits,
		},
		{
			Code:           "csharp",
			Name:           "C# (mono)",
			FileExtension:  "cs",
			BinaryFile:     "main.exe",
			NeedsCompile:   true,
			CompileCommand: "mcs -optimize+ -out:{bin} {src}",
			RunCommand:     "mono {bin}",
			Image:          "mono:6",
			TimeMultiplier: 1.5,
			DefaultLimits:  defaultLimits,
		},
		{
			Code:           "python",
			Name:           "Python 3",
			FileExtension:  "py",
			RunCommand:     "python3 {src}",
			Image:          "python:3.11-slim",
			TimeMultiplier: 3,
			DefaultLimits:  defaultLimits,
		},
		{
			Code:           "javascript",
			Name:           "JavaScript (Node.js)",
			FileExtension:  "js",
			RunCommand:     "node {src}",
			Image:          "node:20-slim",
			TimeMultiplier: 2,
			DefaultLimits:  defaultLimits,
		},
		{
			// go run compiles on every invocation, which the multiplier absorbs.
			Code:           "go",
			Name:           "Go (go run)",
			FileExtension:  "go",
			RunCommand:     "go run {src}",
			Image:          "golang:1.22",
			Env:            []string{"GOCACHE=/tmp/gocache", "HOME=/tmp", "GOFLAGS=-mod=mod"},
			TimeMultiplier: 4,
			DefaultLimits:  defaultLimits,
		},
		{
			Code:          "sql",
			Name:          "SQL (MySQL)",
			Mode:          ModeSQL,
			FileExtension: "sql",
			DefaultLimits: Limits{TimeLimitMs: 5000},
		},
	}
}
