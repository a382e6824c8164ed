package executor

import (
	"reflect"
	"testing"

	"ojudge/internal/judge/language"
)

func TestExpandCommand(t *testing.T) {
	t.Parallel()
	lang := language.Spec{Code: "cpp", FileExtension: "cpp", BinaryFile: "main"}
	got, err := ExpandCommand("g++ -O2 -o {bin} {src}", lang, "/box")
	if err != nil {
		t.Fatalf("expand failed: %v", err)
	}
	want := []string{"g++", "-O2", "-o", "/box/main", "/box/source.cpp"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}

	java := language.Spec{Code: "java", SourceFile: "Main.java"}
	got, err = ExpandCommand("java -cp {dir} Main", java, "/w/ws-1")
	if err != nil {
		t.Fatalf("expand failed: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"java", "-cp", "/w/ws-1", "Main"}) {
		t.Fatalf("unexpected java command %v", got)
	}
}

func TestExpandCommandQuoting(t *testing.T) {
	t.Parallel()
	got, err := ExpandCommand(`sh -c "cat {src} | wc -l"`, language.Spec{FileExtension: "txt"}, "/d")
	if err != nil {
		t.Fatalf("expand failed: %v", err)
	}
	if len(got) != 3 || got[2] != "cat /d/source.txt | wc -l" {
		t.Fatalf("unexpected split %v", got)
	}
}

func TestExpandCommandRejectsEmpty(t *testing.T) {
	t.Parallel()
	if _, err := ExpandCommand("   ", language.Spec{}, "/d"); err == nil {
		t.Fatalf("expected error for empty template")
	}
	if _, err := ExpandCommand(`"unterminated`, language.Spec{}, "/d"); err == nil {
		t.Fatalf("expected error for bad quoting")
	}
}

func TestMergeEnvDefaultsPath(t *testing.T) {
	t.Parallel()
	env := mergeEnv(nil, []string{"HOME=/tmp"})
	if len(env) != 2 || env[1] != "HOME=/tmp" {
		t.Fatalf("unexpected env %v", env)
	}
}
