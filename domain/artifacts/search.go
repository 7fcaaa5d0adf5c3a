package artifacts

import (
	"bufio"
	"os"
	"path/filepath"
	"regexp"

	"github.com/ficheops/control-plane/pkg/apperror"
)

// SearchHit is one matched line within a commis file.
type SearchHit struct {
	CommisID string   `json:"commis_id"`
	File     string   `json:"file"`
	Line     int      `json:"line"`
	Match    string   `json:"match"`
	Context  []string `json:"context,omitempty"`
}

// Search greps pattern across fileGlob within the given commis directories
// (or all commis directories if commisIDs is empty), returning matches with
// surrounding context lines.
func (s *Store) Search(pattern, fileGlob string, commisIDs []string, contextLines int) ([]SearchHit, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, apperror.NewBadRequest("invalid search pattern: " + err.Error())
	}

	if len(commisIDs) == 0 {
		entries, err := os.ReadDir(s.root)
		if err != nil {
			return nil, apperror.ErrInternal.WithInternal(err)
		}
		for _, e := range entries {
			if e.IsDir() {
				commisIDs = append(commisIDs, e.Name())
			}
		}
	}

	if fileGlob == "" {
		fileGlob = "*"
	}

	var hits []SearchHit
	for _, commisID := range commisIDs {
		dir := s.commisDir(commisID)
		matches, _ := filepath.Glob(filepath.Join(dir, fileGlob))
		subMatches, _ := filepath.Glob(filepath.Join(dir, "tool_calls", fileGlob))
		matches = append(matches, subMatches...)

		for _, path := range matches {
			fileHits, err := searchFile(re, path, contextLines)
			if err != nil {
				continue
			}
			rel, _ := filepath.Rel(dir, path)
			for i := range fileHits {
				fileHits[i].CommisID = commisID
				fileHits[i].File = rel
			}
			hits = append(hits, fileHits...)
		}
	}
	return hits, nil
}

func searchFile(re *regexp.Regexp, path string, contextLines int) ([]SearchHit, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}

	var hits []SearchHit
	for i, line := range lines {
		if !re.MatchString(line) {
			continue
		}
		start := i - contextLines
		if start < 0 {
			start = 0
		}
		end := i + contextLines + 1
		if end > len(lines) {
			end = len(lines)
		}
		hits = append(hits, SearchHit{
			Line:    i + 1,
			Match:   line,
			Context: append([]string{}, lines[start:end]...),
		})
	}
	return hits, nil
}
