// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package proofs reads and writes the user's signed review proofs on disk.
//
// A proof file is a UTF-8 text file whose name ends in ".proof.crev". It
// holds zero or more records; each record is the triple BEGIN-banner, YAML
// header, SIGN-banner, signature, END-banner, optionally followed by
// whitespace up to the next BEGIN-banner. Parsing is position-based with a
// cursor, not line-based, so record mutation can drain exact byte ranges and
// rewrite the file atomically.
//
// Signing and repository commits are delegated to the identity capability;
// this package never touches key material.
package proofs

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/crevdeck/services/reviewer/records"
	"github.com/AleutianAI/crevdeck/services/reviewer/treehash"
)

// Fixed ASCII banners delimiting one proof record.
const (
	BeginBanner = "----- BEGIN CREV PROOF -----"
	SignBanner  = "----- SIGN CREV PROOF -----"
	EndBanner   = "----- END CREV PROOF -----"
)

// FileSuffix is the fixed suffix of proof files in the store directory.
const FileSuffix = ".proof.crev"

// ErrMalformedProof indicates a record that cannot be parsed. This is store
// corruption and is fatal for the operation that hit it.
var ErrMalformedProof = errors.New("malformed proof record")

// Signer produces detached signatures over proof bodies.
type Signer interface {
	// PublicID returns the signer's public identity string.
	PublicID() string
	// ProofRepoURL returns the URL of the signer's proof repository.
	ProofRepoURL() string
	// Sign returns the signature over body, encoded for embedding in the
	// proof text.
	Sign(body []byte) (string, error)
}

// Committer records proof-store mutations in the underlying VCS.
type Committer interface {
	CommitProofs(message string) error
}

// IDSegment is the "from" section of a proof header.
type IDSegment struct {
	IDType string `yaml:"id-type"`
	ID     string `yaml:"id"`
	URL    string `yaml:"url,omitempty"`
}

// PackageSegment is the "package" section of a proof header.
type PackageSegment struct {
	Source       string `yaml:"source"`
	Name         string `yaml:"name"`
	Version      string `yaml:"version"`
	Revision     string `yaml:"revision,omitempty"`
	RevisionType string `yaml:"revision-type,omitempty"`
	Digest       string `yaml:"digest"`
	DigestType   string `yaml:"digest-type,omitempty"`
}

// ReviewSegment is the optional "review" section. Proofs without it are
// trust/audit proofs and are never touched by Delete.
type ReviewSegment struct {
	Thoroughness  string `yaml:"thoroughness"`
	Understanding string `yaml:"understanding"`
	Rating        string `yaml:"rating"`
}

// Header is the YAML header between the BEGIN and SIGN banners.
type Header struct {
	Kind    string         `yaml:"kind,omitempty"`
	Version int            `yaml:"version"`
	Date    string         `yaml:"date"`
	From    IDSegment      `yaml:"from"`
	Package PackageSegment `yaml:"package"`
	Review  *ReviewSegment `yaml:"review,omitempty"`
	Comment string         `yaml:"comment,omitempty"`
}

// Record is one parsed proof record.
type Record struct {
	Header    Header
	Signature string
	// Path is the proof file the record was read from.
	Path string
}

// Filter selects records by crate name and optionally version. Zero values
// match everything.
type Filter struct {
	Name    string
	Version string
}

func (f Filter) matches(h *Header) bool {
	if f.Name != "" && h.Package.Name != f.Name {
		return false
	}
	if f.Version != "" && h.Package.Version != f.Version {
		return false
	}
	return true
}

// Store is the gateway to one proof-store reviews directory.
type Store struct {
	dir       string
	signer    Signer
	committer Committer
	log       *slog.Logger
	now       func() time.Time
}

// New creates a Store over dir. The signer and committer come from the
// identity gate established at startup.
func New(dir string, signer Signer, committer Committer, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{dir: dir, signer: signer, committer: committer, log: logger, now: time.Now}
}

// Dir returns the proof-store directory.
func (s *Store) Dir() string { return s.dir }

// span is the byte range of one record in a file, header included, extended
// through trailing whitespace up to the next BEGIN banner.
type span struct {
	start, end int
	header     Header
}

// findFrom returns the index of needle at or after cursor, or -1.
func findFrom(content string, cursor int, needle string) int {
	if cursor > len(content) {
		return -1
	}
	i := strings.Index(content[cursor:], needle)
	if i < 0 {
		return -1
	}
	return cursor + i
}

// scan parses every record in content. The cursor walks banner to banner;
// the span end is extended to the next BEGIN banner (or end of file) so that
// draining a span also removes the whitespace that trailed the record.
func scan(content string) ([]span, error) {
	var spans []span
	cursor := 0
	for {
		start := findFrom(content, cursor, BeginBanner)
		if start < 0 {
			break
		}
		signPos := findFrom(content, start, SignBanner)
		endPos := findFrom(content, start, EndBanner)
		if signPos < 0 || endPos < 0 || signPos > endPos {
			return nil, fmt.Errorf("%w: unterminated record at byte %d", ErrMalformedProof, start)
		}
		cursor = endPos + len(EndBanner)

		end := findFrom(content, cursor, BeginBanner)
		if end < 0 {
			end = len(content)
		}

		body := content[start+len(BeginBanner) : signPos]
		var h Header
		if err := yaml.Unmarshal([]byte(body), &h); err != nil {
			return nil, fmt.Errorf("%w: header at byte %d: %v", ErrMalformedProof, start, err)
		}
		spans = append(spans, span{start: start, end: end, header: h})
	}
	return spans, nil
}

func (s *Store) proofFiles() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read proof store %s: %w", s.dir, err)
	}
	var paths []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), FileSuffix) {
			paths = append(paths, filepath.Join(s.dir, e.Name()))
		}
	}
	return paths, nil
}

// List returns every record matching filter, in filesystem order. Callers
// that need newest-first sort afterwards.
func (s *Store) List(filter Filter) ([]Record, error) {
	paths, err := s.proofFiles()
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read proof file %s: %w", path, err)
		}
		content := string(raw)
		spans, err := scan(content)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		for _, sp := range spans {
			if !filter.matches(&sp.header) {
				continue
			}
			rec := Record{Header: sp.header, Path: path}
			signPos := findFrom(content, sp.start, SignBanner)
			endPos := findFrom(content, signPos, EndBanner)
			rec.Signature = strings.TrimSpace(content[signPos+len(SignBanner) : endPos])
			out = append(out, rec)
		}
	}
	return out, nil
}

// Save signs and appends a new review record for pkg, replacing any prior
// review record for the same package version.
//
// The digest and revision must already describe the on-disk source of the
// reviewed package (the review service computes them before calling Save).
func (s *Store) Save(pkg records.PackageID, review ReviewSegment, comment, digest, revision string) error {
	h := Header{
		Kind:    "package review",
		Version: -1,
		Date:    s.now().Format(time.RFC3339),
		From: IDSegment{
			IDType: "crev",
			ID:     s.signer.PublicID(),
			URL:    s.signer.ProofRepoURL(),
		},
		Package: PackageSegment{
			Source:       "https://crates.io",
			Name:         pkg.Name,
			Version:      pkg.Version,
			Revision:     revision,
			RevisionType: revisionTypeFor(revision),
			Digest:       digest,
			DigestType:   treehash.DigestType,
		},
		Review:  &review,
		Comment: comment,
	}
	body, err := yaml.Marshal(&h)
	if err != nil {
		return fmt.Errorf("encode proof header: %w", err)
	}
	sig, err := s.signer.Sign(body)
	if err != nil {
		return fmt.Errorf("sign proof: %w", err)
	}

	// Replace, not accumulate: one review record per package version.
	if err := s.Delete(pkg); err != nil {
		return err
	}

	var b strings.Builder
	b.WriteString(BeginBanner)
	b.WriteString("\n")
	b.Write(body)
	b.WriteString(SignBanner)
	b.WriteString("\n")
	b.WriteString(sig)
	b.WriteString("\n")
	b.WriteString(EndBanner)
	b.WriteString("\n\n")

	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return fmt.Errorf("create proof store: %w", err)
	}
	path := filepath.Join(s.dir, s.now().UTC().Format("2006-01-02")+FileSuffix)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open proof file %s: %w", path, err)
	}
	if _, err := f.WriteString(b.String()); err != nil {
		f.Close()
		return fmt.Errorf("append proof record: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close proof file: %w", err)
	}

	msg := fmt.Sprintf("Add review for %s v%s", pkg.Name, pkg.Version)
	if err := s.committer.CommitProofs(msg); err != nil {
		return fmt.Errorf("commit proof store: %w", err)
	}
	s.log.Info("review proof saved", slog.String("crate", pkg.Name), slog.String("version", pkg.Version))
	return nil
}

func revisionTypeFor(revision string) string {
	if revision == "" {
		return ""
	}
	return treehash.RevisionType
}

// Delete removes every review record for pkg from every proof file. Records
// without a review section (trust/audit proofs) are left untouched. An empty
// residual file is removed from disk; a non-empty one is rewritten atomically.
// Idempotent: deleting an absent review is a no-op.
func (s *Store) Delete(pkg records.PackageID) error {
	paths, err := s.proofFiles()
	if err != nil {
		return err
	}
	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read proof file %s: %w", path, err)
		}
		content := string(raw)
		spans, err := scan(content)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}

		var doomed []span
		for _, sp := range spans {
			if sp.header.Review == nil {
				continue
			}
			if sp.header.Package.Name == pkg.Name && sp.header.Package.Version == pkg.Version {
				doomed = append(doomed, sp)
			}
		}
		if len(doomed) == 0 {
			continue
		}

		// Drain bottom-up so earlier offsets stay valid.
		sort.Slice(doomed, func(i, j int) bool { return doomed[i].start > doomed[j].start })
		for _, sp := range doomed {
			content = content[:sp.start] + content[sp.end:]
		}

		if strings.TrimSpace(content) == "" {
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("remove empty proof file %s: %w", path, err)
			}
			s.log.Info("proof file removed", slog.String("path", path))
			continue
		}
		if err := writeFileAtomic(path, []byte(content)); err != nil {
			return err
		}
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
