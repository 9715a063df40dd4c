package server

import (
	"fmt"
	"io/fs"
	"strconv"
)

func (s *session) handlePWD(_ string) {
	s.reply(257, quotePath(s.cwd)+" is the current directory.")
}

func (s *session) handleCWD(arg string) {
	if arg == "" {
		s.reply(501, "Syntax error in parameters or arguments.")
		return
	}
	p, err := s.resolve(arg)
	if err != nil {
		s.replyError(err)
		return
	}
	info, err := s.fs.Stat(p.Real)
	if err != nil {
		s.replyError(err)
		return
	}
	if !info.IsDir() {
		s.reply(550, "Not a directory.")
		return
	}
	s.cwd = p.Virtual
	s.reply(250, "Directory successfully changed.")
}

func (s *session) handleCDUP(_ string) {
	s.handleCWD("..")
}

func (s *session) handleMKD(arg string) {
	if arg == "" {
		s.reply(501, "Syntax error in parameters or arguments.")
		return
	}
	p, err := s.resolve(arg)
	if err != nil {
		s.replyError(err)
		return
	}
	if err := s.fs.Mkdir(p.Real, 0o755); err != nil {
		s.replyError(err)
		return
	}
	// Security audit: directory created
	s.server.logger.Info("directory_created",
		"session_id", s.id,
		"remote_ip", s.remoteIP,
		"user", s.user,
		"path", p.Virtual,
	)
	s.reply(257, quotePath(p.Virtual)+" created.")
}

func (s *session) handleRMD(arg string) {
	p, ok := s.existing(arg)
	if !ok {
		return
	}
	if p.Virtual == "/" {
		s.reply(550, "Permission denied.")
		return
	}
	info, err := s.fs.Stat(p.Real)
	if err != nil {
		s.replyError(err)
		return
	}
	if !info.IsDir() {
		s.reply(550, "Not a directory.")
		return
	}
	if err := s.fs.Remove(p.Real); err != nil {
		s.replyError(err)
		return
	}
	// Security audit: directory removed
	s.server.logger.Info("directory_removed",
		"session_id", s.id,
		"remote_ip", s.remoteIP,
		"user", s.user,
		"path", p.Virtual,
	)
	s.reply(250, "Directory removed.")
}

func (s *session) handleDELE(arg string) {
	p, ok := s.existing(arg)
	if !ok {
		return
	}
	info, err := s.fs.Stat(p.Real)
	if err != nil {
		s.replyError(err)
		return
	}
	if info.IsDir() {
		s.reply(550, "Is a directory.")
		return
	}
	if err := s.fs.Remove(p.Real); err != nil {
		s.replyError(err)
		return
	}
	// Security audit: file deleted
	s.server.logger.Info("file_deleted",
		"session_id", s.id,
		"remote_ip", s.remoteIP,
		"user", s.user,
		"path", p.Virtual,
	)
	s.reply(250, "File deleted.")
}

func (s *session) handleRNFR(arg string) {
	p, ok := s.existing(arg)
	if !ok {
		return
	}
	if p.Virtual == "/" {
		s.reply(550, "Permission denied.")
		return
	}
	if _, err := s.fs.Stat(p.Real); err != nil {
		s.replyError(err)
		return
	}
	s.renameFrom = &p
	s.reply(350, "Requested file action pending further information.")
}

func (s *session) handleRNTO(arg string) {
	from := s.renameFrom
	s.renameFrom = nil
	if from == nil {
		s.reply(503, "Bad sequence of commands. Send RNFR first.")
		return
	}
	to, ok := s.existing(arg)
	if !ok {
		return
	}
	if err := s.fs.Rename(from.Real, to.Real); err != nil {
		s.replyError(err)
		return
	}
	// Security audit: file renamed
	s.server.logger.Info("file_renamed",
		"session_id", s.id,
		"remote_ip", s.remoteIP,
		"user", s.user,
		"from", from.Virtual,
		"to", to.Virtual,
	)
	s.reply(250, "Requested file action successful, file renamed.")
}

func (s *session) handleSIZE(arg string) {
	info, ok := s.statFile(arg)
	if !ok {
		return
	}
	s.reply(213, strconv.FormatInt(info.Size(), 10))
}

func (s *session) handleMDTM(arg string) {
	info, ok := s.statFile(arg)
	if !ok {
		return
	}
	// RFC 3659 Section 2.3: "Time values are always represented in UTC"
	s.reply(213, info.ModTime().UTC().Format("20060102150405"))
}

// existing resolves a required path argument, replying on failure.
func (s *session) existing(arg string) (Path, bool) {
	if arg == "" {
		s.reply(501, "Syntax error in parameters or arguments.")
		return Path{}, false
	}
	p, err := s.resolve(arg)
	if err != nil {
		s.replyError(err)
		return Path{}, false
	}
	return p, true
}

// statFile stats a regular file for SIZE and MDTM.
func (s *session) statFile(arg string) (fs.FileInfo, bool) {
	p, ok := s.existing(arg)
	if !ok {
		return nil, false
	}
	info, err := s.fs.Stat(p.Real)
	if err != nil {
		s.replyError(err)
		return nil, false
	}
	if !info.Mode().IsRegular() {
		s.reply(550, fmt.Sprintf("%s: not a plain file.", p.Base()))
		return nil, false
	}
	return info, true
}
