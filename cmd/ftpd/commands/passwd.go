package commands

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/gonzalop/ftpd/auth"
	"github.com/gonzalop/ftpd/internal/config"
)

var (
	passwdRoot     string
	passwdReadOnly bool
)

var passwdCmd = &cobra.Command{
	Use:   "passwd <user>",
	Short: "Hash a password and print a users entry",
	Long: `Read a password from the terminal (or one line from stdin when it is
not a terminal), hash it with bcrypt and print a YAML entry to paste under
"users:" in the configuration file.`,
	Args: cobra.ExactArgs(1),
	RunE: runPasswd,
}

func init() {
	passwdCmd.Flags().StringVar(&passwdRoot, "root", "", "account root (default: the top-level root)")
	passwdCmd.Flags().BoolVar(&passwdReadOnly, "read-only", false, "deny uploads and modifications")
}

func runPasswd(cmd *cobra.Command, args []string) error {
	password, err := readPassword(cmd)
	if err != nil {
		return err
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}

	entry := []config.UserConfig{{
		Name:         args[0],
		PasswordHash: hash,
		Root:         passwdRoot,
		ReadOnly:     passwdReadOnly,
	}}
	data, err := yaml.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

func readPassword(cmd *cobra.Command) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return readPasswordLine(cmd.InOrStdin())
	}

	fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
	first, err := term.ReadPassword(fd)
	fmt.Fprintln(cmd.ErrOrStderr())
	if err != nil {
		return "", err
	}
	fmt.Fprint(cmd.ErrOrStderr(), "Repeat password: ")
	second, err := term.ReadPassword(fd)
	fmt.Fprintln(cmd.ErrOrStderr())
	if err != nil {
		return "", err
	}
	if string(first) != string(second) {
		return "", errors.New("passwords do not match")
	}
	return string(first), nil
}

func readPasswordLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
