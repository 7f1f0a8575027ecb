package chat

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf16"
	"unicode/utf8"
)

const (
	artifactPrefix     = "message_"
	artifactExt        = ".json"
	artifactStampFmt   = "20060102_150405"
	legacyTimestampFmt = "2006-01-02T15:04:05"
)

// Artifact is the decoded body of one mirrored message file.
type Artifact struct {
	Name      string `json:"-"`
	Content   string
	Sender    string
	CreatedAt time.Time
}

// artifactRecord fixes the on-disk field order: content, sender, timestamp.
type artifactRecord struct {
	Content   *string `json:"content"`
	Sender    *string `json:"sender"`
	Timestamp string  `json:"timestamp"`
}

// ArtifactName derives the file name for m. Names sort lexicographically by
// creation second, then by message ID, so two messages created in the same
// second never collide.
func ArtifactName(m *Message) string {
	return fmt.Sprintf("%s%s_%010d%s", artifactPrefix, m.CreatedAt.UTC().Format(artifactStampFmt), m.ID, artifactExt)
}

// IsArtifactName reports whether name looks like a file written by Serialize.
func IsArtifactName(name string) bool {
	return strings.HasPrefix(name, artifactPrefix) && strings.HasSuffix(name, artifactExt)
}

// Serialize encodes m as a mirror artifact. The result depends only on
// m.ID, m.Content, m.Sender and m.CreatedAt. Non-ASCII text is written as
// \uXXXX escapes so the bytes match history written by earlier tooling.
func Serialize(m *Message) (string, []byte, error) {
	content, sender := m.Content, m.Sender
	if !utf8.ValidString(content) || !utf8.ValidString(sender) {
		return "", nil, fmt.Errorf("encoding artifact for message %d: %w", m.ID, ErrInvalidEncoding)
	}
	rec := artifactRecord{
		Content:   &content,
		Sender:    &sender,
		Timestamp: m.CreatedAt.UTC().Format(time.RFC3339Nano),
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(&rec); err != nil {
		return "", nil, fmt.Errorf("encoding artifact for message %d: %w", m.ID, err)
	}

	// Encoder always appends a newline; artifact files end at the closing brace.
	return ArtifactName(m), escapeNonASCII(bytes.TrimSuffix(buf.Bytes(), []byte("\n"))), nil
}

// escapeNonASCII rewrites every non-ASCII rune in encoded JSON as a \uXXXX
// escape, using a surrogate pair outside the basic multilingual plane.
// Non-ASCII bytes only ever appear inside string literals.
func escapeNonASCII(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for len(data) > 0 {
		r, size := utf8.DecodeRune(data)
		data = data[size:]
		if r < utf8.RuneSelf {
			out = append(out, byte(r))
			continue
		}
		if r1, r2 := utf16.EncodeRune(r); r1 != utf8.RuneError {
			out = fmt.Appendf(out, `\u%04x\u%04x`, r1, r2)
			continue
		}
		out = fmt.Appendf(out, `\u%04x`, r)
	}
	return out
}

// Deserialize decodes an artifact body. Timestamps may be RFC 3339 or the
// naive ISO-8601 form older history used, which is read as UTC.
func Deserialize(data []byte) (*Artifact, error) {
	var rec artifactRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding artifact: %w", err)
	}
	if rec.Content == nil || rec.Sender == nil {
		return nil, errors.New("decoding artifact: missing content or sender")
	}

	ts, err := parseTimestamp(rec.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("decoding artifact: %w", err)
	}

	return &Artifact{
		Content:   *rec.Content,
		Sender:    *rec.Sender,
		CreatedAt: ts,
	}, nil
}

func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("missing timestamp")
	}
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts.UTC(), nil
	}
	ts, err := time.ParseInLocation(legacyTimestampFmt, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
	}
	return ts, nil
}

// SortArtifacts orders artifacts by creation time, then by file name.
func SortArtifacts(artifacts []*Artifact) {
	sort.SliceStable(artifacts, func(i, j int) bool {
		a, b := artifacts[i], artifacts[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.Name < b.Name
	})
}

// DedupArtifacts drops artifacts whose content, sender and timestamp repeat an
// earlier entry. A message can be mirrored twice when its commit was pushed
// but the local store never recorded the hash.
func DedupArtifacts(artifacts []*Artifact) []*Artifact {
	type key struct {
		content, sender string
		ts              int64
	}
	seen := make(map[key]bool, len(artifacts))
	out := make([]*Artifact, 0, len(artifacts))
	for _, a := range artifacts {
		k := key{a.Content, a.Sender, a.CreatedAt.UnixNano()}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, a)
	}
	return out
}
