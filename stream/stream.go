package stream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"

	"deepresearch/models"
)

// Framing is the transport framing of a response body
type Framing int

const (
	FramingUnknown Framing = iota
	FramingDocument
	FramingEventStream
)

func (f Framing) String() string {
	switch f {
	case FramingDocument:
		return "document"
	case FramingEventStream:
		return "event-stream"
	default:
		return "unknown"
	}
}

const maxDocumentBytes = 16 << 20

// Options configures a Stream
type Options struct {
	// ContentEvents are event names whose payloads carry the full message state
	ContentEvents []string
	// IgnoredEvents are metadata or intermediate-step event names
	IgnoredEvents []string
	// ErrorEvents terminate the stream with an UpstreamError
	ErrorEvents []string

	// WindowWords is the window size of the paced single-document path
	WindowWords int
	// Pacing is the delay between paced windows; zero disables it
	Pacing time.Duration

	Debug bool
}

// DefaultOptions follows the values/metadata event-name convention
func DefaultOptions() Options {
	return Options{
		ContentEvents: []string{"values"},
		IgnoredEvents: []string{"metadata", "updates", "debug", "messages/metadata"},
		ErrorEvents:   []string{"error"},
		WindowWords:   DefaultWindowWords,
		Pacing:        50 * time.Millisecond,
	}
}

// Stream is a lazy, finite, non-restartable sequence of deltas read from
// one upstream response. It is owned by a single caller.
type Stream struct {
	ctx     context.Context
	opts    Options
	body    io.ReadCloser
	reader  *bufio.Reader
	framing Framing

	rec Reconciler

	// event-stream state
	event string
	units int
	lines int

	// single-document state
	windows []string
	next    int

	started   bool
	done      bool
	err       error
	closeOnce sync.Once
	stop      func() bool
}

// Open prepares a Stream over resp. The body is released when the stream
// reaches a terminal state, when Close is called, or when ctx is done.
func Open(ctx context.Context, resp *http.Response, opts Options) (*Stream, error) {
	if resp == nil || resp.Body == nil || resp.Body == http.NoBody {
		return nil, models.NewError(models.KindEmptyResponse, "response has no body", nil)
	}
	if opts.WindowWords <= 0 {
		opts.WindowWords = DefaultWindowWords
	}
	if opts.ContentEvents == nil {
		opts.ContentEvents = DefaultOptions().ContentEvents
	}
	if opts.ErrorEvents == nil {
		opts.ErrorEvents = DefaultOptions().ErrorEvents
	}

	s := &Stream{
		ctx:     ctx,
		opts:    opts,
		body:    resp.Body,
		reader:  bufio.NewReader(resp.Body),
		framing: framingFromHeader(resp.Header.Get("Content-Type")),
	}
	s.stop = context.AfterFunc(ctx, func() { s.release() })
	return s, nil
}

func framingFromHeader(contentType string) Framing {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return FramingUnknown
	}
	switch {
	case mediaType == "text/event-stream":
		return FramingEventStream
	case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
		return FramingDocument
	default:
		return FramingUnknown
	}
}

// Framing reports the detected framing; it is known after the first Next call
func (s *Stream) Framing() Framing {
	return s.framing
}

// Content is the accumulated text after every delta returned so far
func (s *Stream) Content() string {
	return s.rec.Accumulated()
}

// Next returns the next delta. It reports false once the stream has ended;
// a non-nil error is terminal and is returned again by later calls.
func (s *Stream) Next() (Delta, bool, error) {
	if s.err != nil {
		return Delta{}, false, s.err
	}
	if s.done {
		return Delta{}, false, nil
	}
	if !s.started {
		s.started = true
		if err := s.detect(); err != nil {
			return s.fail(err)
		}
		if s.framing == FramingDocument {
			if err := s.loadDocument(); err != nil {
				return s.fail(err)
			}
		}
	}

	if s.framing == FramingDocument {
		return s.nextWindow()
	}
	return s.nextEvent()
}

// Close releases the response body. It is safe to call more than once.
func (s *Stream) Close() error {
	if !s.done && s.err == nil {
		s.done = true
	}
	s.release()
	return nil
}

func (s *Stream) release() {
	s.closeOnce.Do(func() {
		if s.stop != nil {
			s.stop()
		}
		s.body.Close()
	})
}

func (s *Stream) finish() (Delta, bool, error) {
	s.done = true
	s.release()
	return Delta{}, false, nil
}

func (s *Stream) fail(err error) (Delta, bool, error) {
	if ctxErr := s.ctx.Err(); ctxErr != nil {
		err = ctxErr
	}
	s.err = err
	s.release()
	return Delta{}, false, err
}

// detect settles the framing by sniffing the first non-space byte when the
// content type did not decide it
func (s *Stream) detect() error {
	for {
		b, err := s.reader.Peek(1)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return models.NewError(models.KindEmptyResponse, "response body is empty", nil)
			}
			return models.NewError(models.KindMalformedStream, "reading response body", err)
		}
		switch b[0] {
		case ' ', '\t', '\r', '\n':
			if s.framing == FramingUnknown {
				s.reader.Discard(1)
				continue
			}
		case '{', '[':
			if s.framing == FramingUnknown {
				s.framing = FramingDocument
			}
		}
		if s.framing == FramingUnknown {
			s.framing = FramingEventStream
		}
		return nil
	}
}

func (s *Stream) loadDocument() error {
	body, err := io.ReadAll(io.LimitReader(s.reader, maxDocumentBytes))
	if err != nil {
		return models.NewError(models.KindMalformedStream, "reading response document", err)
	}
	if strings.TrimSpace(string(body)) == "" {
		return models.NewError(models.KindEmptyResponse, "response body is empty", nil)
	}
	text, err := documentAnswer(body)
	if err != nil {
		return err
	}
	s.windows = SplitWindows(text, s.opts.WindowWords)
	s.release()
	return nil
}

func (s *Stream) nextWindow() (Delta, bool, error) {
	if s.next >= len(s.windows) {
		return s.finish()
	}
	if s.next > 0 && s.opts.Pacing > 0 {
		timer := time.NewTimer(s.opts.Pacing)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return s.fail(s.ctx.Err())
		case <-timer.C:
		}
	}
	window := s.windows[s.next]
	s.next++
	d, _ := s.rec.Extend(window)
	return d, true, nil
}

func (s *Stream) nextEvent() (Delta, bool, error) {
	for {
		line, readErr := s.reader.ReadString('\n')
		if line != "" {
			if strings.TrimSpace(line) != "" {
				s.lines++
			}
			d, emit, end, err := s.handleLine(strings.TrimRight(line, "\r\n"))
			if err != nil {
				return s.fail(err)
			}
			if end {
				if emit {
					s.done = true
					s.release()
					return d, true, nil
				}
				return s.finish()
			}
			if emit {
				return d, true, nil
			}
		}

		if readErr == nil {
			continue
		}
		if errors.Is(readErr, io.EOF) {
			return s.endOfBody()
		}
		if ctxErr := s.ctx.Err(); ctxErr != nil {
			return s.fail(ctxErr)
		}
		return s.fail(models.NewError(models.KindMalformedStream, "stream interrupted", readErr))
	}
}

func (s *Stream) endOfBody() (Delta, bool, error) {
	if s.units == 0 {
		if s.lines == 0 {
			return s.fail(models.NewError(models.KindEmptyResponse, "response body is empty", nil))
		}
		return s.fail(models.NewError(models.KindMalformedStream,
			fmt.Sprintf("no valid event-stream unit in %d lines", s.lines), nil))
	}
	return s.finish()
}

// handleLine runs one step of the line state machine. end is true when the
// stream has terminated; a delta may accompany the final step.
func (s *Stream) handleLine(line string) (d Delta, emit bool, end bool, err error) {
	kind, value := classifyLine(line)
	switch kind {
	case lineBlank:
		return
	case lineIgnored:
		return
	case lineUnknown:
		s.debugf("skipping unrecognized line: %q", truncate(value, 80))
		return
	case lineEvent:
		s.event = value
		return
	case lineDone:
		s.units++
		end = true
		return
	}

	payload, perr := decodePayload(value)
	if perr != nil {
		s.debugf("skipping malformed data line (event=%q): %v", s.event, perr)
		return
	}
	s.units++

	action, text := s.opts.interpretPayload(s.event, payload)
	switch action {
	case actionDone:
		end = true
	case actionError:
		err = models.NewError(models.KindUpstreamError, text, nil)
	case actionCandidate:
		d, emit = s.rec.Reconcile(text)
	case actionFragment:
		d, emit = s.rec.Extend(text)
	case actionReplace:
		d, emit = s.rec.Reconcile(text)
	}
	return
}

func (s *Stream) debugf(format string, args ...any) {
	if s.opts.Debug {
		log.Printf("[Reconciler] "+format, args...)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Collect drains s into a buffer and returns the final text. The stream is
// closed on return.
func Collect(s *Stream) (string, error) {
	defer s.Close()
	var buf Buffer
	for {
		d, ok, err := s.Next()
		if err != nil {
			return buf.String(), err
		}
		if !ok {
			return buf.String(), nil
		}
		buf.Apply(d)
	}
}
