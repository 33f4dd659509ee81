package debugger

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	. "github.com/pattyshack/tdb/debugger/common"
)

type Snippet struct {
	File  string
	Start int // 1-based
	Focus int // 1-based
	End   int // exclusive
	Lines []string
}

func (snippet Snippet) String() string {
	width := len(strconv.Itoa(snippet.End))

	content := []string{}
	for idx, line := range snippet.Lines {
		current := snippet.Start + idx
		prefix := " "
		if current == snippet.Focus {
			prefix = ">"
		}

		content = append(
			content,
			fmt.Sprintf("%s %*d %s", prefix, width, current, line))
	}

	return strings.Join(content, "\n")
}

// SourceFiles caches source file content by cleaned path name.
type SourceFiles struct {
	files map[string][]string

	// Searched (in order) when a relative path cannot be opened as is.
	SearchDirectories []string
}

func NewSourceFiles() *SourceFiles {
	return &SourceFiles{
		files: map[string][]string{},
	}
}

func (files *SourceFiles) load(pathName string) ([]string, error) {
	lines, ok := files.files[pathName]
	if ok {
		return lines, nil
	}

	candidates := []string{pathName}
	if !filepath.IsAbs(pathName) {
		for _, dir := range files.SearchDirectories {
			candidates = append(candidates, filepath.Join(dir, pathName))
		}
	}

	var content []byte
	var err error
	for _, candidate := range candidates {
		content, err = os.ReadFile(candidate)
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", pathName, err)
	}

	lines = strings.Split(strings.TrimSuffix(string(content), "\n"), "\n")
	files.files[pathName] = lines
	return lines, nil
}

// GetSnippet returns up to delta lines before and after the focus line.
func (files *SourceFiles) GetSnippet(
	pathName string,
	focus int,
	delta int,
) (
	Snippet,
	error,
) {
	pathName = filepath.Clean(pathName)
	lines, err := files.load(pathName)
	if err != nil {
		return Snippet{}, err
	}

	if focus <= 0 || focus > len(lines) {
		return Snippet{}, fmt.Errorf(
			"%w. out of bound focus line (%d)",
			ErrInvalidArgument,
			focus)
	}

	if delta < 0 {
		return Snippet{}, fmt.Errorf(
			"%w. negative line delta",
			ErrInvalidArgument)
	}

	startLine := max(focus-delta, 1)
	endLine := min(focus+delta+1, len(lines)+1)

	return Snippet{
		File:  pathName,
		Start: startLine,
		Focus: focus,
		End:   endLine,
		Lines: lines[startLine-1 : endLine-1],
	}, nil
}
