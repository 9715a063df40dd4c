package server

import "strings"

// Verb identifies a control-channel command. The set is closed; anything
// else parses as VerbUnrecognized.
type Verb int

const (
	VerbUnrecognized Verb = iota
	VerbUSER
	VerbPASS
	VerbQUIT
	VerbNOOP
	VerbHELP
	VerbFEAT
	VerbSYST
	VerbSITE
	VerbPORT
	VerbPASV
	VerbEPRT
	VerbEPSV
	VerbTYPE
	VerbMODE
	VerbSTRU
	VerbREST
	VerbALLO
	VerbOPTS
	VerbRETR
	VerbSTOR
	VerbAPPE
	VerbSTOU
	VerbLIST
	VerbNLST
	VerbABOR
	VerbSTAT
	VerbRNFR
	VerbRNTO
	VerbPWD
	VerbCWD
	VerbCDUP
	VerbMKD
	VerbRMD
	VerbDELE
	VerbSIZE
	VerbMDTM
)

// verbNames maps every accepted spelling to its verb. The X* forms are the
// RFC 775 aliases still sent by some clients.
var verbNames = map[string]Verb{
	"USER": VerbUSER,
	"PASS": VerbPASS,
	"QUIT": VerbQUIT,
	"NOOP": VerbNOOP,
	"HELP": VerbHELP,
	"FEAT": VerbFEAT,
	"SYST": VerbSYST,
	"SITE": VerbSITE,
	"PORT": VerbPORT,
	"PASV": VerbPASV,
	"EPRT": VerbEPRT,
	"EPSV": VerbEPSV,
	"TYPE": VerbTYPE,
	"MODE": VerbMODE,
	"STRU": VerbSTRU,
	"REST": VerbREST,
	"ALLO": VerbALLO,
	"OPTS": VerbOPTS,
	"RETR": VerbRETR,
	"STOR": VerbSTOR,
	"APPE": VerbAPPE,
	"STOU": VerbSTOU,
	"LIST": VerbLIST,
	"NLST": VerbNLST,
	"ABOR": VerbABOR,
	"STAT": VerbSTAT,
	"RNFR": VerbRNFR,
	"RNTO": VerbRNTO,
	"PWD":  VerbPWD,
	"XPWD": VerbPWD,
	"CWD":  VerbCWD,
	"XCWD": VerbCWD,
	"CDUP": VerbCDUP,
	"XCUP": VerbCDUP,
	"MKD":  VerbMKD,
	"XMKD": VerbMKD,
	"RMD":  VerbRMD,
	"XRMD": VerbRMD,
	"DELE": VerbDELE,
	"SIZE": VerbSIZE,
	"MDTM": VerbMDTM,
}

// Command is one parsed control line.
type Command struct {
	Verb Verb
	// Name is the upper-cased verb token as received.
	Name string
	// Arg is the raw argument, everything after the first space.
	Arg string
}

// ParseCommand splits a control line into verb and argument. Trailing CR/LF
// is ignored. Unknown verbs are not an error; they come back as
// VerbUnrecognized so the caller can answer 502.
func ParseCommand(line string) (Command, error) {
	line = strings.TrimRight(line, "\r\n")
	line = strings.TrimLeft(line, " ")
	if line == "" {
		return Command{}, ErrMalformedCommand
	}

	name, arg, _ := strings.Cut(line, " ")
	if !isVerbToken(name) {
		return Command{}, ErrMalformedCommand
	}

	name = strings.ToUpper(name)
	return Command{
		Verb: verbNames[name],
		Name: name,
		Arg:  arg,
	}, nil
}

// isVerbToken reports whether s looks like a command verb: 3 to 4 ASCII
// letters.
func isVerbToken(s string) bool {
	if len(s) < 3 || len(s) > 4 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i] | 0x20
		if c < 'a' || c > 'z' {
			return false
		}
	}
	return true
}

// verbAliases are the RFC 775 spellings, accepted but never reported.
var verbAliases = map[string]bool{
	"XPWD": true,
	"XCWD": true,
	"XCUP": true,
	"XMKD": true,
	"XRMD": true,
}

// canonicalNames is the inverse of verbNames without the aliases.
var canonicalNames = func() map[Verb]string {
	m := make(map[Verb]string, len(verbNames))
	for name, verb := range verbNames {
		if !verbAliases[name] {
			m[verb] = name
		}
	}
	return m
}()

// String returns the canonical name of v.
func (v Verb) String() string {
	if name, ok := canonicalNames[v]; ok {
		return name
	}
	return "UNRECOGNIZED"
}

// Command groups used by the dispatcher.
var (
	// preLoginVerbs may run before authentication.
	preLoginVerbs = map[Verb]bool{
		VerbUSER: true,
		VerbPASS: true,
		VerbQUIT: true,
		VerbNOOP: true,
		VerbHELP: true,
		VerbFEAT: true,
		VerbSYST: true,
		VerbSITE: true,
		VerbOPTS: true,
	}

	// transferParamVerbs configure the next transfer and leave a pending
	// data connection in place.
	transferParamVerbs = map[Verb]bool{
		VerbTYPE: true,
		VerbMODE: true,
		VerbSTRU: true,
		VerbPORT: true,
		VerbPASV: true,
		VerbEPRT: true,
		VerbEPSV: true,
		VerbREST: true,
		VerbALLO: true,
	}

	// restartVerbs keep the restart offset: REST replaces it, RETR, STOR
	// and APPE consume it.
	restartVerbs = map[Verb]bool{
		VerbREST: true,
		VerbRETR: true,
		VerbSTOR: true,
		VerbAPPE: true,
	}

	// transferVerbs consume the pending data connection.
	transferVerbs = map[Verb]bool{
		VerbRETR: true,
		VerbSTOR: true,
		VerbAPPE: true,
		VerbSTOU: true,
		VerbLIST: true,
		VerbNLST: true,
	}

	// busyVerbs are processed while a transfer is running.
	busyVerbs = map[Verb]bool{
		VerbABOR: true,
		VerbSTAT: true,
		VerbNOOP: true,
		VerbQUIT: true,
	}

	// writeVerbs modify the filesystem.
	writeVerbs = map[Verb]bool{
		VerbSTOR: true,
		VerbAPPE: true,
		VerbSTOU: true,
		VerbDELE: true,
		VerbRMD:  true,
		VerbMKD:  true,
		VerbRNFR: true,
		VerbRNTO: true,
	}
)
