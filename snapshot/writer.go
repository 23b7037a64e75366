// Copyright (c) 2024 The rob-script developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultFileName is the file of a combined JSON snapshot.
	DefaultFileName = "wallet_snapshot.json"
)

// Mode selects how a snapshot is laid out on disk.
type Mode int

const (
	// Combined writes the whole snapshot to one file.
	Combined Mode = iota

	// Split writes one file per part of the snapshot.
	Split
)

// Format selects the encoding of the written files.
type Format int

const (
	// JSON writes indented JSON.
	JSON Format = iota

	// YAML writes YAML.
	YAML
)

// ParseMode returns the Mode named by s.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "combined":
		return Combined, nil
	case "split":
		return Split, nil
	}
	return 0, fmt.Errorf("unknown output mode %q", s)
}

// ParseFormat returns the Format named by s.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "json":
		return JSON, nil
	case "yaml", "yml":
		return YAML, nil
	}
	return 0, fmt.Errorf("unknown output format %q", s)
}

func (f Format) ext() string {
	if f == YAML {
		return ".yaml"
	}
	return ".json"
}

func (f Format) encode(v interface{}) ([]byte, error) {
	if f == YAML {
		return yaml.Marshal(v)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Writer writes snapshots to a directory. Every file is replaced
// atomically, so a reader sees either the previous or the new content.
type Writer struct {
	Dir    string
	Mode   Mode
	Format Format

	// FileName is the file of a combined snapshot. Empty means
	// wallet_snapshot with the extension of the format.
	FileName string
}

// descriptors is the descriptor part of a split snapshot.
type descriptors struct {
	External string `json:"external_descriptor" yaml:"external_descriptor"`
	Internal string `json:"internal_descriptor" yaml:"internal_descriptor"`
}

// document is one encoded file.
type document struct {
	name string
	data []byte
}

// encode encodes every file of the snapshot before anything is written.
func (w *Writer) encode(snap *Snapshot) ([]document, error) {
	var parts []struct {
		name  string
		value interface{}
	}
	add := func(name string, value interface{}) {
		parts = append(parts, struct {
			name  string
			value interface{}
		}{name, value})
	}

	switch w.Mode {
	case Combined:
		name := w.FileName
		if name == "" {
			name = strings.TrimSuffix(DefaultFileName, ".json") +
				w.Format.ext()
		}
		add(name, snap)

	case Split:
		add("balance", snap.Balance)
		add("transactions", snap.Transactions)
		add("external_policy", snap.ExternalPolicy)
		add("internal_policy", snap.InternalPolicy)
		add("addresses", snap.Addresses)
		add("descriptors", descriptors{
			External: snap.ExternalDescriptor,
			Internal: snap.InternalDescriptor,
		})
		for i := range parts {
			parts[i].name += w.Format.ext()
		}

	default:
		return nil, fmt.Errorf("unknown output mode %d", w.Mode)
	}

	docs := make([]document, 0, len(parts))
	for _, part := range parts {
		data, err := w.Format.encode(part.value)
		if err != nil {
			return nil, fmt.Errorf("unable to encode %s: %w",
				part.name, err)
		}
		docs = append(docs, document{name: part.name, data: data})
	}
	return docs, nil
}

// previous is the state of a destination before it was replaced.
type previous struct {
	path   string
	exists bool
	data   []byte
	mode   os.FileMode
}

// restore puts the destination back the way it was.
func (p *previous) restore() error {
	if !p.exists {
		return os.Remove(p.path)
	}
	return renameio.WriteFile(p.path, p.data, p.mode)
}

// readPrevious records the current content of a regular file at path.
func readPrevious(path string) (*previous, error) {
	prev := &previous{path: path}
	info, err := os.Lstat(path)
	switch {
	case os.IsNotExist(err):
		return prev, nil
	case err != nil:
		return nil, err
	case !info.Mode().IsRegular():
		return nil, fmt.Errorf("%s is not a regular file", path)
	}

	prev.data, err = os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	prev.exists = true
	prev.mode = info.Mode().Perm()
	return prev, nil
}

// stage writes every document to a pending file next to its destination.
func (w *Writer) stage(docs []document) ([]*renameio.PendingFile, error) {
	pending := make([]*renameio.PendingFile, 0, len(docs))
	cleanup := func() {
		for _, f := range pending {
			f.Cleanup()
		}
	}

	for _, doc := range docs {
		path := filepath.Join(w.Dir, doc.name)
		f, err := renameio.TempFile(w.Dir, path)
		if err != nil {
			cleanup()
			return nil, err
		}
		pending = append(pending, f)

		if _, err := f.Write(doc.data); err != nil {
			cleanup()
			return nil, err
		}
		if err := f.Chmod(0644); err != nil {
			cleanup()
			return nil, err
		}
	}
	return pending, nil
}

// Write encodes the snapshot and writes its files, returning their paths.
// The files are replaced as a set: when any of them cannot be written, the
// ones already replaced get their previous content back and new ones are
// removed.
func (w *Writer) Write(snap *Snapshot) ([]string, error) {
	docs, err := w.encode(snap)
	if err != nil {
		return nil, stageError(ErrSerialization, "encode snapshot", err)
	}

	if err := os.MkdirAll(w.Dir, 0700); err != nil {
		return nil, stageError(ErrSerialization, "write snapshot", err)
	}

	pending, err := w.stage(docs)
	if err != nil {
		return nil, stageError(ErrSerialization, "write snapshot", err)
	}

	paths := make([]string, 0, len(docs))
	replaced := make([]*previous, 0, len(docs))
	fail := func(err error) ([]string, error) {
		for _, f := range pending {
			f.Cleanup()
		}
		for i := len(replaced) - 1; i >= 0; i-- {
			if rerr := replaced[i].restore(); rerr != nil {
				log.Errorf("Unable to restore %s: %v",
					replaced[i].path, rerr)
			}
		}
		return nil, stageError(ErrSerialization, "write snapshot", err)
	}

	for i, f := range pending {
		path := filepath.Join(w.Dir, docs[i].name)
		prev, err := readPrevious(path)
		if err != nil {
			return fail(err)
		}
		if err := f.CloseAtomicallyReplace(); err != nil {
			return fail(err)
		}
		replaced = append(replaced, prev)
		paths = append(paths, path)
	}

	for _, path := range paths {
		log.Debugf("Wrote %s", path)
	}
	return paths, nil
}
