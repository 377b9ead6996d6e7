package ember

import (
	"context"
	"errors"
	"io"
	"net"
)

// ReadPump reads from the socket, feeds the parser, and honors the
// parser's backpressure (spec §4.3). The source models this against a
// non-blocking readable watcher that can be enabled/disabled; this port
// instead runs the pump as a single goroutine owned by the Connection, and
// "disabling the read watcher" becomes "the goroutine stops calling Read
// and, for the pause case, blocks on the parser's wait future instead"
// (design note §9: a reader goroutine forwarding to the responder).
type ReadPump struct {
	conn          net.Conn
	parser        Parser
	ioGranularity int

	onBytesRead   func()          // renew the idle timeout
	onReadEOF     func(err error) // EOF/error from the socket
	onParserError func(err error) // the parser itself threw (spec §4.5, §7)
	onPauseChange func(paused bool)
}

// NewReadPump builds a pump bound to conn and parser. ioGranularity caps
// bytes read per iteration (spec §4.3, Options.IOGranularity). onReadEOF
// fires for an ordinary socket EOF/error; onParserError fires instead when
// Parser.Feed itself returns an error, which spec §4.5's tie-break treats
// differently (log critical, close unconditionally) rather than the
// ReadClosed-and-drain path a socket EOF gets. onPauseChange mirrors the
// Connection's paused flag (spec §4.5: "the Connection sets paused=true").
func NewReadPump(conn net.Conn, parser Parser, ioGranularity int, onBytesRead func(), onReadEOF func(error), onParserError func(error), onPauseChange func(bool)) *ReadPump {
	if ioGranularity <= 0 {
		ioGranularity = 64 * 1024
	}
	return &ReadPump{
		conn:          conn,
		parser:        parser,
		ioGranularity: ioGranularity,
		onBytesRead:   onBytesRead,
		onReadEOF:     onReadEOF,
		onParserError: onParserError,
		onPauseChange: onPauseChange,
	}
}

// Run drives the pump until ctx is canceled, the socket errors, or the
// parser asks for a pause that never resumes before ctx ends. It returns
// when the connection should be considered no longer readable.
func (p *ReadPump) Run(ctx context.Context) {
	buf := make([]byte, p.ioGranularity)

	for {
		if ctx.Err() != nil {
			return
		}

		n, err := p.conn.Read(buf)
		if n > 0 {
			if p.onBytesRead != nil {
				p.onBytesRead()
			}
			if !p.feed(ctx, buf[:n]) {
				return
			}
		}
		if err != nil {
			if p.onReadEOF != nil {
				p.onReadEOF(classifyReadErr(err))
			}
			return
		}
	}
}

// feed hands bytes to the parser and honors ActionWait by blocking the
// pump goroutine on the returned future. It returns false if the pump
// should stop (parser error, or ctx canceled while paused).
func (p *ReadPump) feed(ctx context.Context, data []byte) bool {
	result, err := p.parser.Feed(ctx, data)
	if err != nil {
		if p.onParserError != nil {
			p.onParserError(err)
		}
		return false
	}

	if result.Action != ActionWait {
		return true
	}

	if p.onPauseChange != nil {
		p.onPauseChange(true)
	}
	defer func() {
		if p.onPauseChange != nil {
			p.onPauseChange(false)
		}
	}()

	for result.Action == ActionWait {
		if err := result.Wait.wait(ctx); err != nil {
			if p.onReadEOF != nil {
				p.onReadEOF(err)
			}
			return false
		}
		// Resume: step the parser once with no input (spec §4.5).
		result, err = p.parser.Feed(ctx, nil)
		if err != nil {
			if p.onParserError != nil {
				p.onParserError(err)
			}
			return false
		}
	}

	return true
}

func classifyReadErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return io.EOF
	}
	return err
}
