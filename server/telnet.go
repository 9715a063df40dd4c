package server

import (
	"bufio"
	"errors"
	"io"
)

const (
	telnetSE   = 0xF0 // end of subnegotiation
	telnetSB   = 0xFA // start of subnegotiation
	telnetWILL = 0xFB
	telnetWONT = 0xFC
	telnetDO   = 0xFD
	telnetDONT = 0xFE
	telnetIAC  = 0xFF // interpret as command
)

// MaxCommandLength is the longest control line accepted, excluding the
// line terminator.
const MaxCommandLength = 4096

var errLineTooLong = errors.New("command line too long")

// lineReader reads control lines and strips Telnet negotiation. Clients
// send IAC IP / IAC DM ahead of ABOR; option negotiation (IAC WILL x etc.)
// and subnegotiation blocks are dropped, IAC IAC yields a literal 0xFF.
type lineReader struct {
	r *bufio.Reader
	// partial holds the bytes of an unfinished line across a read error
	// such as a deadline.
	partial []byte
	tooLong bool
}

func newLineReader(r io.Reader) *lineReader {
	return &lineReader{r: bufio.NewReaderSize(r, 1024)}
}

// ReadLine returns the next line without its CR LF. A line over
// MaxCommandLength is discarded up to its terminator and reported as
// errLineTooLong. After any other error the bytes read so far are kept and
// the next call continues the same line.
func (lr *lineReader) ReadLine() (string, error) {
	for {
		b, err := lr.next()
		if err != nil {
			return "", err
		}
		if b == '\n' {
			line := lr.partial
			lr.partial = lr.partial[:0]
			if lr.tooLong {
				lr.tooLong = false
				return "", errLineTooLong
			}
			if n := len(line); n > 0 && line[n-1] == '\r' {
				line = line[:n-1]
			}
			return string(line), nil
		}
		if len(lr.partial) >= MaxCommandLength {
			lr.tooLong = true
			continue
		}
		lr.partial = append(lr.partial, b)
	}
}

// next returns the next data byte, consuming Telnet commands.
func (lr *lineReader) next() (byte, error) {
	for {
		b, err := lr.r.ReadByte()
		if err != nil || b != telnetIAC {
			return b, err
		}

		cmd, err := lr.r.ReadByte()
		if err != nil {
			return 0, err
		}
		switch cmd {
		case telnetIAC:
			return telnetIAC, nil
		case telnetWILL, telnetWONT, telnetDO, telnetDONT:
			if _, err := lr.r.ReadByte(); err != nil {
				return 0, err
			}
		case telnetSB:
			if err := lr.skipSubnegotiation(); err != nil {
				return 0, err
			}
		}
	}
}

func (lr *lineReader) skipSubnegotiation() error {
	var prev byte
	for {
		b, err := lr.r.ReadByte()
		if err != nil {
			return err
		}
		if prev == telnetIAC && b == telnetSE {
			return nil
		}
		if prev == telnetIAC && b == telnetIAC {
			b = 0
		}
		prev = b
	}
}
