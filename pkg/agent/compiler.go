package agent

import (
	"context"
	"fmt"
	"strings"
)

// LocalCompiler is the in-process SceneCompiler: it performs the same
// structural checks a real bundler would fail on and emits the source
// wrapped as a strict-mode module. The production toolchain replaces it
// behind the same interface.
type LocalCompiler struct{}

// Compile implements SceneCompiler.
func (LocalCompiler) Compile(ctx context.Context, source string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	source = strings.TrimSpace(source)
	if source == "" {
		return nil, fmt.Errorf("compile: empty source")
	}
	if reason := checkSource(source); reason != "" {
		return nil, fmt.Errorf("compile: %s", reason)
	}

	var sb strings.Builder
	sb.WriteString("'use strict';\n")
	sb.WriteString(source)
	sb.WriteString("\n")
	return []byte(sb.String()), nil
}
