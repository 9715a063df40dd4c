package server

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

var features = []string{
	"EPRT",
	"EPSV",
	"MDTM",
	"PASV",
	"REST STREAM",
	"SIZE",
	"TVFS",
	"UTF8",
}

func (s *session) handleFEAT(_ string) {
	s.replyLines(211, "Features:", features, "End")
}

func (s *session) handleOPTS(arg string) {
	if strings.EqualFold(strings.Join(strings.Fields(arg), " "), "UTF8 ON") {
		s.reply(200, "Always in UTF8 mode.")
		return
	}
	s.reply(501, "Option not understood.")
}

func (s *session) handleSYST(_ string) {
	s.reply(215, "UNIX Type: L8")
}

func (s *session) handleNOOP(_ string) {
	s.reply(200, "NOOP ok.")
}

// handleSITE: no site commands are provided.
func (s *session) handleSITE(_ string) {
	s.reply(502, "SITE command not implemented.")
}

// handleHELP lists the supported commands, eight per line.
func (s *session) handleHELP(arg string) {
	if arg != "" {
		name := strings.ToUpper(strings.TrimSpace(arg))
		if _, ok := verbNames[name]; !ok {
			s.reply(502, fmt.Sprintf("Unknown command %s.", name))
			return
		}
		s.reply(214, fmt.Sprintf("%s is supported.", name))
		return
	}

	names := make([]string, 0, len(verbNames))
	for name := range verbNames {
		names = append(names, name)
	}
	slices.Sort(names)

	var lines []string
	for chunk := range slices.Chunk(names, 8) {
		lines = append(lines, strings.Join(chunk, " "))
	}
	s.replyLines(214, "The following commands are recognized:", lines, "Help OK.")
}

// handleSTAT reports the session status, or lists a path over the control
// connection when given one.
func (s *session) handleSTAT(arg string) {
	if arg != "" {
		s.statPath(arg)
		return
	}

	lines := []string{
		"Connected to " + s.remoteIP,
		"Logged in as " + s.user,
		fmt.Sprintf("TYPE: %s, FORM: Nonprint; STRUcture: File; transfer MODE: Stream", s.transferType),
	}
	if s.pending != nil {
		lines = append(lines, "Data connection: "+s.pending.String())
	} else {
		lines = append(lines, "No data connection")
	}
	if t := s.currentTransfer(); t != nil {
		lines = append(lines, fmt.Sprintf("%s %s: %d bytes transferred in %s",
			t.verb, t.path, t.bytes.Load(), time.Since(t.started).Round(time.Millisecond)))
	}
	s.replyLines(211, "FTP server status:", lines, "End of status")
}

func (s *session) statPath(arg string) {
	p, err := s.resolve(listTarget(arg))
	if err != nil {
		s.replyError(err)
		return
	}
	infos, err := s.readListing(p)
	if err != nil {
		s.replyError(err)
		return
	}

	var lines []string
	for line := range listLines(infos, false, time.Now()) {
		lines = append(lines, line)
	}
	s.replyLines(213, "Status of "+p.Virtual+":", lines, "End of status")
}
