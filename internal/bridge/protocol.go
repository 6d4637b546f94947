package bridge

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// The external tool talks an ad hoc line protocol on stdout. Only the
// prefixes below affect bridge state; every other line is an inert status
// line by contract, which is what keeps newer tool versions from breaking
// older bridges.
const (
	tokenProgress = "PROGRESS: "

	tokenDownloadStart    = "DOWNLOAD_START"
	tokenDownloadComplete = "DOWNLOAD_COMPLETE"
	tokenDownloadError    = "DOWNLOAD_ERROR: "

	tokenGenerationStart    = "GENERATION_START"
	tokenGenerationComplete = "GENERATION_COMPLETE"
	tokenGenerationError    = "GENERATION_ERROR: "
)

// ProgressEvent is one accepted progress update. Fraction is in [0,1] and
// non-decreasing over the lifetime of a single request; Status is the most
// recent plain status line seen, for display next to a progress bar.
type ProgressEvent struct {
	Fraction float64
	Status   string
}

// StreamParser consumes incrementally arriving stdout text and tracks the
// protocol state for one request. It is not safe for concurrent use; the
// bridge owns one parser per request.
type StreamParser struct {
	remainder string
	fraction  float64
	status    string
	started   bool

	done    bool
	failMsg string
	failed  bool
}

func NewStreamParser() *StreamParser {
	return &StreamParser{}
}

// Consume feeds newly arrived bytes and returns the progress events accepted
// from them. A trailing partial line is buffered until its newline arrives.
// Progress regressions are dropped: the reported fraction never decreases.
func (p *StreamParser) Consume(chunk string) []ProgressEvent {
	if p.done {
		return nil
	}
	text := p.remainder + chunk
	lines := strings.Split(text, "\n")
	p.remainder = lines[len(lines)-1]
	lines = lines[:len(lines)-1]

	var events []ProgressEvent
	for _, line := range lines {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		switch {
		case strings.HasPrefix(line, tokenProgress):
			f, err := strconv.ParseFloat(strings.TrimSpace(line[len(tokenProgress):]), 64)
			if err != nil {
				continue // malformed progress lines are inert
			}
			if f < 0 {
				f = 0
			}
			if f > 1 {
				f = 1
			}
			if f <= p.fraction {
				continue
			}
			p.fraction = f
			events = append(events, ProgressEvent{Fraction: f, Status: p.status})
		case line == tokenDownloadStart, line == tokenGenerationStart:
			p.started = true
		case line == tokenDownloadComplete, line == tokenGenerationComplete:
			p.done = true
			return events
		case strings.HasPrefix(line, tokenDownloadError):
			p.fail(line[len(tokenDownloadError):])
			return events
		case strings.HasPrefix(line, tokenGenerationError):
			p.fail(line[len(tokenGenerationError):])
			return events
		default:
			p.status = line
		}
	}
	return events
}

func (p *StreamParser) fail(msg string) {
	p.done = true
	p.failed = true
	p.failMsg = msg
}

// Terminal reports whether a terminal marker has been seen, and if so
// whether it was the error marker. The message is the error line's free-text
// suffix, verbatim.
func (p *StreamParser) Terminal() (done bool, failed bool, msg string) {
	return p.done, p.failed, p.failMsg
}

// Fraction returns the progress high-water mark.
func (p *StreamParser) Fraction() float64 { return p.fraction }

// Response is the single JSON object request/response style calls print as
// their last line of stdout.
type Response struct {
	Success  bool           `json:"success"`
	FilePath string         `json:"file_path"`
	Metadata map[string]any `json:"metadata"`
	Error    string         `json:"error"`
}

// ParseResponse extracts the trailing JSON object from captured stdout. The
// tool may log above it; only the last non-empty line is considered. A
// missing or malformed object is an invalid response, reported with kind
// FailureInvalidResponse.
func ParseResponse(stdout string) (*Response, error) {
	lines := strings.Split(stdout, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "{") {
			break
		}
		resp := &Response{}
		if err := json.Unmarshal([]byte(line), resp); err != nil {
			return nil, &Error{Kind: FailureInvalidResponse, Message: fmt.Sprintf("malformed response JSON: %v", err)}
		}
		return resp, nil
	}
	return nil, &Error{Kind: FailureInvalidResponse, Message: "no response JSON on stdout"}
}

// StringMetadata converts a response metadata map to string values for
// storage. The tool emits mixed number/string values.
func (r *Response) StringMetadata() map[string]string {
	if len(r.Metadata) == 0 {
		return nil
	}
	out := make(map[string]string, len(r.Metadata))
	for k, v := range r.Metadata {
		switch t := v.(type) {
		case string:
			out[k] = t
		case float64:
			out[k] = strconv.FormatFloat(t, 'f', -1, 64)
		case bool:
			out[k] = strconv.FormatBool(t)
		default:
			out[k] = fmt.Sprintf("%v", t)
		}
	}
	return out
}
