// Package source enumerates evaluation items. Sources are lazy and
// restartable: every call to Each walks the input again from the start in a
// deterministic order.
package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/loqalabs/audioeval/internal/audiofile"
	"github.com/loqalabs/audioeval/internal/config"
	"github.com/loqalabs/audioeval/internal/task"
)

// Label modes for directory sources.
const (
	LabelsNone   = "none"
	LabelsParent = "parent"
	LabelsPrefix = "prefix"
)

// ErrStop may be returned by an Each callback to end enumeration early
// without reporting an error.
var ErrStop = errors.New("source: stop")

// Source yields items in a stable order.
type Source interface {
	Each(ctx context.Context, fn func(task.Item) error) error
}

// New builds the source described by cfg.
func New(cfg config.SourceConfig, logger *slog.Logger) (Source, error) {
	switch cfg.Kind {
	case "", "dir":
		return &Dir{Path: cfg.Path, Labels: cfg.Labels, Extensions: cfg.Extensions}, nil
	case "manifest":
		return &Manifest{
			Path:       cfg.Manifest,
			AudioRoot:  cfg.AudioRoot,
			AudioField: cfg.AudioField,
			LabelField: cfg.LabelField,
			Extensions: cfg.Extensions,
			Logger:     logger.With(slog.String("component", "source")),
		}, nil
	default:
		return nil, fmt.Errorf("unknown source kind %q", cfg.Kind)
	}
}

// Dir walks a folder of clips.
//
// With LabelsNone the clips sit directly in Path and carry no label. With
// LabelsParent every sub-folder is a genre and its lower-cased name is the
// label. With LabelsPrefix clips sit in Path and the label is the part of
// the key before the first dot (GTZAN naming, blues.00042.wav).
type Dir struct {
	Path       string
	Labels     string
	Extensions []string
}

func (d *Dir) Each(ctx context.Context, fn func(task.Item) error) error {
	if d.Labels == LabelsParent {
		groups, err := readSorted(d.Path)
		if err != nil {
			return err
		}
		for _, g := range groups {
			if !g.IsDir() {
				continue
			}
			label := strings.ToLower(g.Name())
			err := d.walkFlat(ctx, filepath.Join(d.Path, g.Name()), func(string) string { return label }, fn)
			if err != nil {
				return done(err)
			}
		}
		return nil
	}

	labelOf := func(string) string { return "" }
	switch d.Labels {
	case "", LabelsNone:
	case LabelsPrefix:
		labelOf = func(key string) string {
			prefix, _, _ := strings.Cut(key, ".")
			return prefix
		}
	default:
		return fmt.Errorf("unknown label mode %q", d.Labels)
	}
	return done(d.walkFlat(ctx, d.Path, labelOf, fn))
}

func (d *Dir) walkFlat(ctx context.Context, dir string, labelOf func(key string) string, fn func(task.Item) error) error {
	entries, err := readSorted(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !audiofile.Recognized(entry.Name(), d.Extensions) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		path := filepath.Join(dir, entry.Name())
		if err := fn(task.NewItem(path, labelOf(audiofile.Key(path)))); err != nil {
			return err
		}
	}
	return nil
}

func readSorted(dir string) ([]os.DirEntry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read source dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	return entries, nil
}

// Manifest reads items from a JSON lines file such as
//
//	{"music": "pop_0001.wav", "genre_id": 3}
//
// Audio names are resolved against AudioRoot, which defaults to the
// manifest's directory. Labels that are JSON numbers are stringified.
// Entries whose audio file is missing are logged and skipped.
type Manifest struct {
	Path       string
	AudioRoot  string
	AudioField string
	LabelField string
	Extensions []string
	Logger     *slog.Logger
}

func (m *Manifest) Each(ctx context.Context, fn func(task.Item) error) error {
	f, err := os.Open(m.Path)
	if err != nil {
		return fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()

	root := m.AudioRoot
	if root == "" {
		root = filepath.Dir(m.Path)
	}
	audioField := fieldOr(m.AudioField, "music")
	labelField := fieldOr(m.LabelField, "genre_id")
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		entry := make(map[string]any)
		dec := json.NewDecoder(bytes.NewReader(line))
		dec.UseNumber()
		if err := dec.Decode(&entry); err != nil {
			logger.Warn("skipping malformed manifest line", slog.Int("line", lineNo), slog.String("error", err.Error()))
			continue
		}
		name, ok := entry[audioField].(string)
		if !ok || name == "" {
			logger.Warn("skipping manifest line without audio", slog.Int("line", lineNo), slog.String("field", audioField))
			continue
		}
		if !audiofile.Recognized(name, m.Extensions) {
			continue
		}
		path := name
		if !filepath.IsAbs(path) {
			path = filepath.Join(root, name)
		}
		if _, err := os.Stat(path); err != nil {
			logger.Warn("missing audio file", slog.String("path", path))
			continue
		}
		if err := fn(task.NewItem(path, stringify(entry[labelField]))); err != nil {
			return done(err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}
	return nil
}

func fieldOr(field, fallback string) string {
	if field == "" {
		return fallback
	}
	return field
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case json.Number:
		return val.String()
	case bool:
		return strconv.FormatBool(val)
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	}
}

func done(err error) error {
	if errors.Is(err, ErrStop) {
		return nil
	}
	return err
}
