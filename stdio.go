package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// StdIO implements the duplex transport over stdin/stdout or any io.Reader/io.Writer pair.
// It carries exactly one session for its whole lifetime: the session is registered and marked
// active as soon as the transport starts, without waiting for an initialize request.
//
// Frames are read either newline-delimited or with Content-Length headers; replies use the
// framing of the last frame received. Frames are answered strictly in arrival order.
type StdIO struct {
	reader io.Reader
	writer io.Writer
	logger *slog.Logger
	host   *sessionHost

	closed chan struct{}
	sess   *stdIOSession
}

type stdIOSession struct {
	id     string
	reader *bufio.Reader
	writer io.Writer
	logger *slog.Logger

	// headerFraming is set once the peer uses Content-Length framing.
	headerFraming atomic.Bool

	writeMessages chan stdIOMessage
	done          chan struct{}
	stopOnce      *sync.Once
	writeClosed   chan struct{}
}

type stdIOMessage struct {
	msg  []byte
	errs chan error
}

// StdIOOption represents the options for the StdIO transport.
type StdIOOption func(*StdIO)

const contentLengthHeader = "content-length"

// NewStdIO creates a new StdIO transport configured with the provided reader and writer.
func NewStdIO(reader io.Reader, writer io.Writer, options ...StdIOOption) *StdIO {
	s := &StdIO{
		reader: reader,
		writer: writer,
		logger: slog.Default(),
		closed: make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// WithStdIOLogger sets the logger for the StdIO transport.
func WithStdIOLogger(logger *slog.Logger) StdIOOption {
	return func(s *StdIO) {
		s.logger = logger.With(
			slog.String("package", "orders-mcp"),
			slog.String("component", "stdio"),
		)
	}
}

func (s *StdIO) attach(h *sessionHost) {
	s.host = h
}

// Sessions implements the ServerTransport interface by providing an iterator that yields
// a single persistent session. This session remains active throughout the lifetime of
// the StdIO instance.
func (s *StdIO) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(s.closed)

		bind := func(id string) Session {
			s.sess = &stdIOSession{
				id:            id,
				reader:        bufio.NewReader(s.reader),
				writer:        s.writer,
				logger:        s.logger.With(slog.String("sessionID", id)),
				writeMessages: make(chan stdIOMessage),
				done:          make(chan struct{}),
				stopOnce:      &sync.Once{},
				writeClosed:   make(chan struct{}),
			}
			return s.sess
		}

		var sess Session
		if s.host == nil {
			sess = bind(uuid.New().String())
		} else {
			var err error
			sess, err = s.host.open(TransportStdio, bind)
			if err != nil {
				s.logger.Error("failed to register stdio session", slog.String("err", err.Error()))
				return
			}
			// The channel itself is the handshake: the session is usable immediately.
			if err := s.host.registry.Activate(sess.ID()); err != nil {
				s.logger.Error("failed to activate stdio session", slog.String("err", err.Error()))
				return
			}
		}

		go s.sess.processWriteMessages()

		// StdIO only supports a single session, so we yield it and wait until it's done.
		yield(sess)
		<-s.sess.done
	}
}

// Shutdown implements the ServerTransport interface by waiting for the session loop to end.
func (s *StdIO) Shutdown(ctx context.Context) error {
	// Wait for Sessions loop to breaks.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
	}
	return nil
}

func (s *stdIOSession) ID() string {
	return s.id
}

func (s *stdIOSession) sequential() bool {
	return true
}

func (s *stdIOSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if s.headerFraming.Load() {
		msgBs = append([]byte(fmt.Sprintf("Content-Length: %d\r\n\r\n", len(msgBs))), msgBs...)
	} else {
		// Append newline to maintain message framing protocol
		msgBs = append(msgBs, '\n')
	}

	ioMsg := stdIOMessage{
		msg:  msgBs,
		errs: make(chan error, 1),
	}

	// Queue the message for sending to avoid interleaved writes.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return errSessionStopped
	case s.writeMessages <- ioMsg:
	}

	// Wait for the resulting error channel to receive the error.
	select {
	case err := <-ioMsg.errs:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return errSessionStopped
	}
}

func (s *stdIOSession) Frames() iter.Seq[Frame] {
	return func(yield func(Frame) bool) {
		type rawWithErr struct {
			raw []byte
			err error
		}

		for {
			reads := make(chan rawWithErr, 1)

			// We use goroutines to avoid blocking on slow readers, so we can listen
			// to done channel and return if needed.
			go func() {
				raw, err := s.readFrame()
				reads <- rawWithErr{raw: raw, err: err}
			}()

			var rwe rawWithErr
			select {
			case <-s.done:
				return
			case rwe = <-reads:
			}

			if rwe.err != nil {
				if !errors.Is(rwe.err, io.EOF) {
					s.logger.Error("failed to read frame", slog.String("err", rwe.err.Error()))
				}
				// Losing the peer ends the frames, the gateway still answers what it already read
				// and then terminates the session.
				return
			}
			if len(rwe.raw) == 0 {
				continue
			}

			frame, err := DecodeFrame(rwe.raw)
			if err != nil {
				s.logger.Warn("rejected frame", slog.String("err", err.Error()))
				// Answered by the gateway after every frame read before it.
				frame = rejectedFrame{err: err}
			}

			// We stop iteration if yield returns false
			if !yield(frame) {
				return
			}
		}
	}
}

// readFrame reads one frame body. A line starting with a Content-Length header switches to
// header framing for that frame, any other non-empty line is a frame by itself.
func (s *stdIOSession) readFrame() ([]byte, error) {
	line, err := s.reader.ReadBytes('\n')
	if err != nil && (!errors.Is(err, io.EOF) || len(bytes.TrimSpace(line)) == 0) {
		return nil, err
	}
	line = bytes.TrimSpace(line)

	name, value, ok := strings.Cut(string(line), ":")
	if !ok || !strings.EqualFold(strings.TrimSpace(name), contentLengthHeader) {
		return line, nil
	}

	length, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || length < 0 {
		return nil, fmt.Errorf("invalid Content-Length header %q", line)
	}
	// Skip any further headers up to the blank separator line.
	for {
		header, err := s.reader.ReadBytes('\n')
		if err != nil {
			return nil, fmt.Errorf("failed to read frame headers: %w", err)
		}
		if len(bytes.TrimSpace(header)) == 0 {
			break
		}
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(s.reader, body); err != nil {
		return nil, fmt.Errorf("failed to read frame body: %w", err)
	}
	s.headerFraming.Store(true)
	return body, nil
}

func (s *stdIOSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
}

func (s *stdIOSession) processWriteMessages() {
	defer close(s.writeClosed)

	for {
		// Process writing the message queue until the session is closed.
		var msg stdIOMessage
		select {
		case <-s.done:
			return
		case msg = <-s.writeMessages:
		}

		_, err := s.writer.Write(msg.msg)

		msg.errs <- err
	}
}
