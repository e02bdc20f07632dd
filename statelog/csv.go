/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package statelog implements the servo-state CSV writer (spec 4.H):
// a metadata header, a column row, periodic data rows, and a sealed
// SHA-256 footer. Grounded on fbclock/daemon/logging.go's CSVLogger
// (plain encoding/csv, an explicit header kept in lockstep with a
// CSVRecords() method) generalized with the header metadata block and
// seal the teacher's logger does not have.
package statelog

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// FooterBoundary is the literal line that marks the end of the data
// region and the start of the sealed footer. The hashed region is every
// byte after the column-row newline, up to but not including the first
// byte of this line.
const FooterBoundary = "# ---- SEALED FOOTER ----"

// Header is the Row values unchanged from spec 4.H / 6.
var Header = []string{
	"timestamp_ns",
	"base_rt_ns",
	"base_mono_ns",
	"freq_scaled_ppm",
	"pi_freq_ppm",
	"pi_int_error_s",
	"remaining_phase_ns",
	"pi_servo_enabled",
	"maxerror",
	"esterror",
	"constant",
	"tick",
	"tai",
}

// Row is one servo-state snapshot.
type Row struct {
	TimestampNs      int64
	BaseRTNs         int64
	BaseMonoNs       int64
	FreqScaledPPM    float64
	PIFreqPPM        float64
	PIIntErrorS      float64
	RemainingPhaseNs int64
	PIServoEnabled   bool
	MaxErrorUs       int64
	EstErrorUs       int64
	Constant         int64
	Tick             int64
	TAIOffsetS       int64
}

// CSVRecords returns r as CSV fields, kept in lockstep with Header.
func (r Row) CSVRecords() []string {
	return []string{
		strconv.FormatInt(r.TimestampNs, 10),
		strconv.FormatInt(r.BaseRTNs, 10),
		strconv.FormatInt(r.BaseMonoNs, 10),
		strconv.FormatFloat(r.FreqScaledPPM, 'f', -1, 64),
		strconv.FormatFloat(r.PIFreqPPM, 'f', -1, 64),
		strconv.FormatFloat(r.PIIntErrorS, 'f', -1, 64),
		strconv.FormatInt(r.RemainingPhaseNs, 10),
		strconv.FormatBool(r.PIServoEnabled),
		strconv.FormatInt(r.MaxErrorUs, 10),
		strconv.FormatInt(r.EstErrorUs, 10),
		strconv.FormatInt(r.Constant, 10),
		strconv.FormatInt(r.Tick, 10),
		strconv.FormatInt(r.TAIOffsetS, 10),
	}
}

// Metadata is everything the header block reports about the run, per
// spec 4.H's "test name, run UUID, gains, poll interval, phase epsilon,
// host, OS, kernel, architecture, reference clock, compliance targets,
// data-format description".
type Metadata struct {
	TestName         string
	RunUUID          string
	KpPPMPerS        float64
	KiPPMPerS2       float64
	MaxPPM           float64
	PollNS           int64
	PhaseEpsilonNs   int64
	TAIDefault       int64
	ReferenceClock   string
	ComplianceTarget string
}

func hostInfo() (host, kernel, arch string) {
	host, _ = os.Hostname()
	arch = runtime.GOARCH
	var uts unix.Utsname
	if err := unix.Uname(&uts); err == nil {
		kernel = cstring(uts.Release[:])
	}
	return
}

func cstring(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// writeHeader writes the ~36-line '#'-prefixed metadata block; New writes
// the column row right after it. Neither is hashed: hashing begins at the
// first byte of the first data row.
func writeHeader(w io.Writer, m Metadata) error {
	host, kernel, arch := hostInfo()
	lines := []string{
		"# synthclock servo-state log",
		"# ==========================",
		"#",
		"# test_name: " + m.TestName,
		"# run_uuid: " + m.RunUUID,
		"# generated: " + time.Now().UTC().Format(time.RFC3339Nano),
		"#",
		"# -- gains --",
		fmt.Sprintf("# kp_ppm_per_s: %v", m.KpPPMPerS),
		fmt.Sprintf("# ki_ppm_per_s2: %v", m.KiPPMPerS2),
		fmt.Sprintf("# max_ppm: %v", m.MaxPPM),
		"#",
		"# -- timing --",
		fmt.Sprintf("# poll_ns: %d", m.PollNS),
		fmt.Sprintf("# phase_epsilon_ns: %d", m.PhaseEpsilonNs),
		fmt.Sprintf("# tai_default: %d", m.TAIDefault),
		"#",
		"# -- host --",
		"# hostname: " + host,
		"# os: " + runtime.GOOS,
		"# kernel: " + kernel,
		"# arch: " + arch,
		"#",
		"# -- reference --",
		"# reference_clock: " + m.ReferenceClock,
		"#",
		"# -- compliance --",
		"# compliance_target: " + m.ComplianceTarget,
		"#",
		"# -- data format --",
		"# one row per poll tick snapshot of the timebase and active servo.",
		"# the column row below names every field in order; data rows follow",
		"# immediately after. a sealed footer follows the last data row,",
		"# starting at the " + FooterBoundary + " line.",
		"#",
		"# columns: " + joinComma(Header),
		"#",
		"# this header block is exactly the metadata described above: it is",
		"# never included in the sealed hash region.",
		"#",
	}
	for _, l := range lines {
		if _, err := fmt.Fprintln(w, l); err != nil {
			return err
		}
	}
	return nil
}

func joinComma(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}

// hashingWriter tees every write both to the underlying writer and into
// a running SHA-256, so Seal can compute the hash without a second pass
// over the file.
type hashingWriter struct {
	w io.Writer
	h interface {
		io.Writer
		Sum([]byte) []byte
	}
}

func (h *hashingWriter) Write(p []byte) (int, error) {
	n, err := h.w.Write(p)
	if n > 0 {
		h.h.Write(p[:n])
	}
	return n, err
}

// Writer is the sealed CSV writer for one session's servo-state log.
type Writer struct {
	f        *os.File
	csv      *csv.Writer
	hashing  *hashingWriter
	rows     int
	maxBytes int64
}

// New opens path, writes the metadata header and column row, and begins
// hashing from the next byte written.
func New(path string, m Metadata, maxSizeMB int64) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating statelog %s: %w", path, err)
	}
	if err := writeHeader(f, m); err != nil {
		f.Close()
		return nil, fmt.Errorf("writing statelog header: %w", err)
	}
	hdr := csv.NewWriter(f)
	if err := hdr.Write(Header); err != nil {
		f.Close()
		return nil, fmt.Errorf("writing statelog column row: %w", err)
	}
	hdr.Flush()
	if err := hdr.Error(); err != nil {
		f.Close()
		return nil, fmt.Errorf("writing statelog column row: %w", err)
	}
	hw := &hashingWriter{w: f, h: sha256.New()}
	cw := csv.NewWriter(hw)
	return &Writer{
		f:        f,
		csv:      cw,
		hashing:  hw,
		maxBytes: maxSizeMB * 1024 * 1024,
	}, nil
}

// Write appends one data row.
func (w *Writer) Write(r Row) error {
	if err := w.csv.Write(r.CSVRecords()); err != nil {
		return err
	}
	w.csv.Flush()
	w.rows++
	return w.csv.Error()
}

// ShouldRotate reports whether the file has exceeded the configured
// max_size_mb threshold.
func (w *Writer) ShouldRotate() bool {
	if w.maxBytes <= 0 {
		return false
	}
	info, err := w.f.Stat()
	if err != nil {
		return false
	}
	return info.Size() >= w.maxBytes
}

// Seal writes the footer boundary line and the SHA-256/SEALED/ALGORITHM
// footer, then flushes and closes the file. The hash covers exactly the
// bytes written between the column row and this call.
func (w *Writer) Seal() (sha256Hex string, err error) {
	sum := w.hashing.h.Sum(nil)
	sha256Hex = fmt.Sprintf("%x", sum)
	if _, err = fmt.Fprintln(w.f, FooterBoundary); err != nil {
		return "", err
	}
	if _, err = fmt.Fprintf(w.f, "SHA256: %s\n", sha256Hex); err != nil {
		return "", err
	}
	if _, err = fmt.Fprintf(w.f, "SEALED: %s\n", time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return "", err
	}
	if _, err = fmt.Fprintln(w.f, "ALGORITHM: SHA-256"); err != nil {
		return "", err
	}
	return sha256Hex, w.f.Close()
}

// Path returns the underlying file's name.
func (w *Writer) Path() string { return w.f.Name() }

// Verify re-reads a sealed CSV at path and confirms the footer's SHA256
// line matches a fresh hash of the bytes between the column-row newline
// and the footer boundary line (spec 8.5), and that the footer ends with
// its ALGORITHM line, so a file cut short inside the footer also fails.
// It returns the mismatch reason, or "" if the file verifies.
func Verify(path string) (reason string, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	boundary := []byte(FooterBoundary + "\n")
	idx := bytes.Index(data, boundary)
	if idx < 0 {
		return "missing footer boundary", nil
	}

	// The leading newline anchors the match at the start of a line, so the
	// "# columns:" header line, which carries the same text, is skipped.
	columnLine := []byte("\n" + joinComma(Header) + "\n") // csv.Writer's line terminator
	colIdx := bytes.Index(data, columnLine)
	if colIdx < 0 {
		return "missing column row", nil
	}
	dataStart := colIdx + len(columnLine)

	sum := sha256.Sum256(data[dataStart:idx])
	got := fmt.Sprintf("%x", sum)

	footer := string(data[idx+len(boundary):])
	want := parseFooterField(footer, "SHA256: ")
	if want == "" {
		return "missing SHA256 footer field", nil
	}
	if want != got {
		return fmt.Sprintf("hash mismatch: footer=%s computed=%s", want, got), nil
	}
	if alg := parseFooterField(footer, "ALGORITHM: "); alg != "SHA-256" {
		return "missing or truncated ALGORITHM footer field", nil
	}
	return "", nil
}

func parseFooterField(footer, prefix string) string {
	idx := strings.Index(footer, prefix)
	if idx < 0 {
		return ""
	}
	rest := footer[idx+len(prefix):]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		return strings.TrimRight(rest[:nl], "\r")
	}
	return rest
}
