package stage

import (
	"context"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// FileSource reads stages from a YAML document:
//
//	stages:
//	  - id: 1
//	    name: 과일
//	    words: [사과, 바나나, 포도]
//
// The file is read on every call so edits apply to the next selection.
type FileSource struct {
	path string
}

type stageFile struct {
	Stages []Stage `yaml:"stages"`
}

func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

func (f *FileSource) Stages(_ context.Context) ([]Stage, error) {
	stages, err := readStageFile(f.path)
	if err != nil {
		return nil, err
	}
	out := make([]Stage, len(stages))
	for i, s := range stages {
		out[i] = Stage{ID: s.ID, Name: s.Name}
	}
	return out, nil
}

func (f *FileSource) Words(_ context.Context, stageID int) ([]string, error) {
	stages, err := readStageFile(f.path)
	if err != nil {
		return nil, err
	}
	for _, s := range stages {
		if s.ID == stageID {
			return append([]string(nil), s.Words...), nil
		}
	}
	return nil, fmt.Errorf("stage %d: %w", stageID, ErrUnknownStage)
}

func readStageFile(path string) ([]Stage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read stage file: %w: %w", ErrSourceUnavailable, err)
	}
	var doc stageFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse stage file: %w: %w", ErrSourceUnavailable, err)
	}
	sort.SliceStable(doc.Stages, func(i, j int) bool { return doc.Stages[i].ID < doc.Stages[j].ID })
	return doc.Stages, nil
}
