// Package fingerprint derives stable defect identities from failure text.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/qa-tools/triage-service/internal/domain"
)

const defaultMaxFrames = 12

var (
	isoTimestampRe = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}(:\d{2}(\.\d+)?)?(Z|[+-]\d{2}:?\d{2})?`)
	clockRe        = regexp.MustCompile(`\b\d{1,2}:\d{2}:\d{2}(\.\d+)?\b`)
	uuidRe         = regexp.MustCompile(`(?i)\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`)
	hashCodeRe     = regexp.MustCompile(`@[0-9a-fA-F]{4,}\b`)
	hexAddrRe      = regexp.MustCompile(`\b0x[0-9a-fA-F]+\b`)
	frameLineRe    = regexp.MustCompile(`\.(java|kt|kts|scala|groovy|go|py|js|ts|rb|cs):\d+(:\d+)?`)
	lineWordRe     = regexp.MustCompile(`(?i)\bline \d+`)
	digitsRe       = regexp.MustCompile(`\d+`)
	spaceRe        = regexp.MustCompile(`[ \t]+`)
	moreFramesRe   = regexp.MustCompile(`^\.\.\. <n> (more|common frames omitted)$`)
)

// frameworkPrefixes mark frames that belong to the runtime or test harness
// rather than the code under test.
var frameworkPrefixes = []string{
	"java.", "javax.", "jdk.", "sun.", "kotlin.", "kotlinx.", "scala.",
	"org.junit.", "junit.", "org.testng.", "org.gradle.", "org.apache.maven.",
	"org.assertj.", "org.hamcrest.", "org.opentest4j.", "com.intellij.",
	"testing.", "runtime.",
}

// Generator computes fingerprints. It is pure and safe for concurrent use.
type Generator struct {
	maxFrames int
}

// NewGenerator builds a generator keeping at most maxFrames stack frames.
func NewGenerator(maxFrames int) *Generator {
	if maxFrames <= 0 {
		maxFrames = defaultMaxFrames
	}
	return &Generator{maxFrames: maxFrames}
}

// Generate returns the fingerprint for an event. Only the project id, error
// message, stack trace and, when both of those are empty, the test identity
// contribute.
func (g *Generator) Generate(event domain.FailureEvent) domain.Fingerprint {
	message := Normalize(event.ErrorMessage)
	frames, header := g.frames(event.StackTrace)
	excType := exceptionType(header)
	if excType == "" {
		excType = exceptionType(firstLine(message))
	}

	var full []string
	full = append(full, event.ProjectID, excType, message)
	full = append(full, frames...)
	if message == "" && len(frames) == 0 {
		full = append(full, event.ClassName, event.TestName)
	}

	sigParts := []string{event.ProjectID, excType, topApplicationFrame(frames)}
	if excType == "" && len(frames) == 0 {
		sigParts = append(sigParts, firstLine(message))
		if message == "" {
			sigParts = append(sigParts, event.ClassName, event.TestName)
		}
	}

	sig := digest(strings.Join(sigParts, "\x1f"))
	body := digest(strings.Join(full, "\x1f"))
	return domain.Fingerprint(sig[:domain.SignatureLength] + body[:domain.FingerprintLength-domain.SignatureLength])
}

// Normalize strips transient data: timestamps, uuids, hash codes, addresses,
// line numbers and digit runs. Whitespace is collapsed per line and empty
// lines are dropped.
func Normalize(text string) string {
	if text == "" {
		return ""
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = isoTimestampRe.ReplaceAllString(text, "<ts>")
	text = clockRe.ReplaceAllString(text, "<ts>")
	text = uuidRe.ReplaceAllString(text, "<uuid>")
	text = hashCodeRe.ReplaceAllString(text, "@<hash>")
	text = hexAddrRe.ReplaceAllString(text, "<addr>")
	text = frameLineRe.ReplaceAllString(text, ".$1")
	text = lineWordRe.ReplaceAllString(text, "line")
	text = digitsRe.ReplaceAllString(text, "<n>")

	lines := strings.Split(text, "\n")
	out := lines[:0]
	for _, line := range lines {
		line = strings.TrimSpace(spaceRe.ReplaceAllString(line, " "))
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

// frames returns normalized frame lines and the normalized header line.
func (g *Generator) frames(stack string) ([]string, string) {
	norm := Normalize(stack)
	if norm == "" {
		return nil, ""
	}
	lines := strings.Split(norm, "\n")
	header := ""
	var frames []string
	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, "at "):
			if len(frames) < g.maxFrames {
				frames = append(frames, strings.TrimPrefix(line, "at "))
			}
		case moreFramesRe.MatchString(line):
		case header == "" && len(frames) == 0:
			header = line
		}
	}
	return frames, header
}

func topApplicationFrame(frames []string) string {
	for _, f := range frames {
		if !isFrameworkFrame(f) {
			return f
		}
	}
	if len(frames) > 0 {
		return frames[0]
	}
	return ""
}

func isFrameworkFrame(frame string) bool {
	for _, prefix := range frameworkPrefixes {
		if strings.HasPrefix(frame, prefix) {
			return true
		}
	}
	return false
}

// exceptionType extracts "pkg.SomeError" from "pkg.SomeError: message".
func exceptionType(line string) string {
	line = strings.TrimPrefix(line, "Caused by: ")
	head, _, _ := strings.Cut(line, ":")
	head = strings.TrimSpace(head)
	if head == "" || strings.ContainsAny(head, " \t") {
		return ""
	}
	if strings.HasSuffix(head, "Error") || strings.HasSuffix(head, "Exception") ||
		strings.HasSuffix(head, "Failure") || strings.Contains(head, ".") {
		return head
	}
	return ""
}

func firstLine(text string) string {
	line, _, _ := strings.Cut(text, "\n")
	return line
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
